package call

import "github.com/pion/webrtc/v4"

// queuedCandidate is one buffered remote candidate together with the
// peer that sent it, so the queue can be drained or discarded per
// peer when offers and sessions end independently (call waiting keeps
// a pending offer alive across an active session's teardown).
type queuedCandidate struct {
	sender string
	cand   webrtc.ICECandidateInit
}

// candidateQueue buffers remote ICE candidates that arrive before a
// remote description is available. Candidates keep their arrival
// order and are drained exactly once; a peer's entries are discarded
// when the offer or session they belong to goes away. Access is
// serialized by the Manager's lock.
type candidateQueue struct {
	items []queuedCandidate
}

// Push appends a candidate from sender.
func (q *candidateQueue) Push(sender string, cand webrtc.ICECandidateInit) {
	q.items = append(q.items, queuedCandidate{sender: sender, cand: cand})
}

// Drain removes and returns sender's candidates in arrival order.
// Other peers' entries stay queued.
func (q *candidateQueue) Drain(sender string) []webrtc.ICECandidateInit {
	var drained []webrtc.ICECandidateInit
	kept := q.items[:0]
	for _, item := range q.items {
		if item.sender == sender {
			drained = append(drained, item.cand)
		} else {
			kept = append(kept, item)
		}
	}
	q.items = kept
	return drained
}

// Discard drops sender's candidates without applying them.
func (q *candidateQueue) Discard(sender string) {
	kept := q.items[:0]
	for _, item := range q.items {
		if item.sender != sender {
			kept = append(kept, item)
		}
	}
	q.items = kept
}

// Len returns the number of buffered candidates.
func (q *candidateQueue) Len() int {
	return len(q.items)
}

// Clear discards all buffered candidates.
func (q *candidateQueue) Clear() {
	q.items = nil
}
