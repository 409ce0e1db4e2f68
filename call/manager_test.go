package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prasanna172605/snugglecall/history"
	"github.com/prasanna172605/snugglecall/media"
	"github.com/prasanna172605/snugglecall/peerconn"
	"github.com/prasanna172605/snugglecall/quality"
	"github.com/prasanna172605/snugglecall/signaling"
)

// fakeClock is a deterministic TimeProvider.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recTransport records outbound messages and hands inbound ones to
// the subscribed handler synchronously.
type recTransport struct {
	mu      sync.Mutex
	sent    []*signaling.Message
	handler func(*signaling.Message)
}

func (t *recTransport) Send(msg *signaling.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, msg)
	return nil
}

func (t *recTransport) Subscribe(_ string, handler func(*signaling.Message)) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
	return func() {}, nil
}

func (t *recTransport) Close() error { return nil }

func (t *recTransport) deliver(msg *signaling.Message) {
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	handler(msg)
}

func (t *recTransport) sentOfType(mt signaling.MessageType) []*signaling.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*signaling.Message
	for _, m := range t.sent {
		if m.Type == mt {
			out = append(out, m)
		}
	}
	return out
}

func (t *recTransport) sentTypes() []signaling.MessageType {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []signaling.MessageType
	for _, m := range t.sent {
		out = append(out, m.Type)
	}
	return out
}

// testConn is a scriptable peerconn.Conn that records everything the
// manager does to it.
type testConn struct {
	mu         sync.Mutex
	handlers   peerconn.Handlers
	closed     bool
	remoteSet  bool
	tracks     []media.Track
	replaced   []media.Track
	candidates []webrtc.ICECandidateInit
	sample     quality.Sample

	// replaceHook runs during ReplaceVideoTrack outside the lock,
	// letting a test interleave events mid-swap.
	replaceHook func(media.Track)
}

func (c *testConn) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (c *testConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (c *testConn) SetLocalDescription(webrtc.SessionDescription) error { return nil }

func (c *testConn) SetRemoteDescription(webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteSet = true
	return nil
}

func (c *testConn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSet
}

func (c *testConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *testConn) AddTrack(t media.Track) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = append(c.tracks, t)
	return nil
}

func (c *testConn) ReplaceVideoTrack(t media.Track) error {
	c.mu.Lock()
	c.replaced = append(c.replaced, t)
	hook := c.replaceHook
	c.mu.Unlock()
	if hook != nil {
		hook(t)
	}
	return nil
}

func (c *testConn) SampleVideoInbound() (quality.Sample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sample, nil
}

func (c *testConn) setSample(s quality.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sample = s
}

func (c *testConn) SetMaxVideoBitrate(uint32) error { return nil }

func (c *testConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *testConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *testConn) appliedCandidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(c.candidates))
	copy(out, c.candidates)
	return out
}

func (c *testConn) fireState(s peerconn.State) {
	if c.handlers.OnStateChange != nil {
		c.handlers.OnStateChange(s)
	}
}

func (c *testConn) fireRemoteStream(id string) {
	if c.handlers.OnRemoteStream != nil {
		c.handlers.OnRemoteStream(id)
	}
}

type testFactory struct {
	mu    sync.Mutex
	conns []*testConn
}

func (f *testFactory) NewConn(handlers peerconn.Handlers) (peerconn.Conn, error) {
	conn := &testConn{handlers: handlers}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	return conn, nil
}

func (f *testFactory) conn(i int) *testConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

func (f *testFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *testFactory) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	open := 0
	for _, c := range f.conns {
		if !c.isClosed() {
			open++
		}
	}
	return open
}

// testAcquirer hands out streams of StaticTracks and records what
// was requested.
type testAcquirer struct {
	mu            sync.Mutex
	failUserMedia bool
	failDisplay   bool
	lastWithVideo bool
	streams       []*media.Stream
	displays      []*media.StaticTrack
}

func (a *testAcquirer) AcquireUserMedia(_ context.Context, withVideo bool) (*media.Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failUserMedia {
		return nil, media.ErrNoDevice
	}
	a.lastWithVideo = withVideo
	tracks := []media.Track{media.NewStaticTrack(media.TrackAudio, nil, nil)}
	if withVideo {
		tracks = append(tracks, media.NewStaticTrack(media.TrackVideo, nil, nil))
	}
	stream := media.NewStream(tracks...)
	a.streams = append(a.streams, stream)
	return stream, nil
}

func (a *testAcquirer) AcquireDisplay(context.Context) (media.Track, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failDisplay {
		return nil, media.ErrNoDevice
	}
	track := media.NewStaticTrack(media.TrackVideo, nil, nil)
	a.displays = append(a.displays, track)
	return track, nil
}

func (a *testAcquirer) stream(i int) *media.Stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streams[i]
}

type testEnv struct {
	manager   *Manager
	transport *recTransport
	factory   *testFactory
	acquirer  *testAcquirer
	recorder  *history.MemoryRecorder
	clock     *fakeClock
}

func newTestEnv(t *testing.T, selfID string) *testEnv {
	t.Helper()
	env := &testEnv{
		transport: &recTransport{},
		factory:   &testFactory{},
		acquirer:  &testAcquirer{},
		recorder:  history.NewMemoryRecorder(),
		clock:     newFakeClock(),
	}
	manager, err := NewManager(selfID, nil, Deps{
		Transport: env.transport,
		Conns:     peerconn.NewManager(env.factory),
		Media:     env.acquirer,
		History:   env.recorder,
		Clock:     env.clock,
	})
	require.NoError(t, err)
	require.NoError(t, manager.Start())
	env.manager = manager
	t.Cleanup(func() { manager.Close() })
	return env
}

func (e *testEnv) offerFrom(caller string, kind signaling.CallKind) *signaling.Message {
	msg := signaling.NewMessage(signaling.TypeOffer, caller, e.manager.selfID, e.clock.Now())
	msg.SDP = &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote"}
	msg.CallKind = kind
	return msg
}

func (e *testEnv) answerFrom(callee string) *signaling.Message {
	msg := signaling.NewMessage(signaling.TypeAnswer, callee, e.manager.selfID, e.clock.Now())
	msg.SDP = &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 remote"}
	return msg
}

func (e *testEnv) candidateFrom(sender, payload string) *signaling.Message {
	msg := signaling.NewMessage(signaling.TypeCandidate, sender, e.manager.selfID, e.clock.Now())
	msg.Candidate = &webrtc.ICECandidateInit{Candidate: payload}
	return msg
}

func TestNewManagerValidation(t *testing.T) {
	deps := Deps{
		Transport: &recTransport{},
		Conns:     peerconn.NewManager(&testFactory{}),
		Media:     &testAcquirer{},
	}

	_, err := NewManager("", nil, deps)
	assert.Error(t, err)

	bad := deps
	bad.Transport = nil
	_, err = NewManager("alice", nil, bad)
	assert.Error(t, err)

	bad = deps
	bad.Conns = nil
	_, err = NewManager("alice", nil, bad)
	assert.Error(t, err)

	bad = deps
	bad.Media = nil
	_, err = NewManager("alice", nil, bad)
	assert.Error(t, err)
}

func TestStartVideoCall(t *testing.T) {
	env := newTestEnv(t, "alice")

	require.NoError(t, env.manager.StartCall(context.Background(), "bob", signaling.KindVideo))

	assert.Equal(t, StateActive, env.manager.State())
	assert.True(t, env.acquirer.lastWithVideo, "video call must request a video track")

	offers := env.transport.sentOfType(signaling.TypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "bob", offers[0].ReceiverID)
	assert.Equal(t, signaling.KindVideo, offers[0].CallKind)
	require.NotNil(t, offers[0].SDP)

	info, ok := env.manager.ActiveSession()
	require.True(t, ok)
	assert.Equal(t, "bob", info.PeerID)
	assert.Equal(t, RoleCaller, info.Role)
	assert.Equal(t, "alice", info.InitiatorID)
	assert.False(t, info.CameraOff)

	conn := env.factory.conn(0)
	conn.mu.Lock()
	added := len(conn.tracks)
	conn.mu.Unlock()
	assert.Equal(t, 2, added, "audio and video tracks attached")
}

func TestStartAudioCallMarksCameraOff(t *testing.T) {
	env := newTestEnv(t, "alice")

	require.NoError(t, env.manager.StartCall(context.Background(), "bob", signaling.KindAudio))

	assert.False(t, env.acquirer.lastWithVideo)
	info, ok := env.manager.ActiveSession()
	require.True(t, ok)
	assert.True(t, info.CameraOff)
}

func TestStartCallMediaFailure(t *testing.T) {
	env := newTestEnv(t, "alice")
	env.acquirer.failUserMedia = true

	err := env.manager.StartCall(context.Background(), "bob", signaling.KindVideo)
	assert.ErrorIs(t, err, ErrMediaAccess)
	assert.Equal(t, StateIdle, env.manager.State())
	assert.Empty(t, env.transport.sentTypes(), "the far end must never learn of the attempt")
	assert.Equal(t, 0, env.factory.count())
}

func TestStartCallWhileActive(t *testing.T) {
	env := newTestEnv(t, "alice")
	require.NoError(t, env.manager.StartCall(context.Background(), "bob", signaling.KindAudio))

	err := env.manager.StartCall(context.Background(), "carol", signaling.KindAudio)
	assert.ErrorIs(t, err, ErrCallInProgress)
}

func TestAcceptCallFromIdle(t *testing.T) {
	env := newTestEnv(t, "bob")

	var incoming []IncomingOffer
	env.manager.OnIncomingCall(func(o IncomingOffer) { incoming = append(incoming, o) })

	env.transport.deliver(env.offerFrom("alice", signaling.KindVideo))
	assert.Equal(t, StateRinging, env.manager.State())
	require.Len(t, incoming, 1)
	assert.Equal(t, "alice", incoming[0].CallerID)

	require.NoError(t, env.manager.AcceptCall(context.Background()))
	assert.Equal(t, StateActive, env.manager.State())

	answers := env.transport.sentOfType(signaling.TypeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "alice", answers[0].ReceiverID)
	assert.Empty(t, env.transport.sentOfType(signaling.TypeEnd), "no prior call existed")

	info, ok := env.manager.ActiveSession()
	require.True(t, ok)
	assert.Equal(t, RoleCallee, info.Role)
	assert.Equal(t, "alice", info.InitiatorID)
	assert.True(t, env.factory.conn(0).HasRemoteDescription())
}

func TestAcceptCallWaiting(t *testing.T) {
	env := newTestEnv(t, "yara")

	require.NoError(t, env.manager.StartCall(context.Background(), "zara", signaling.KindVideo))
	env.factory.conn(0).fireState(peerconn.StateConnected)
	env.clock.Advance(30 * time.Second)

	env.transport.deliver(env.offerFrom("xena", signaling.KindAudio))
	assert.Equal(t, StateActive, env.manager.State(), "pending offer does not leave the active call")

	require.NoError(t, env.manager.AcceptCall(context.Background()))

	ends := env.transport.sentOfType(signaling.TypeEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, "zara", ends[0].ReceiverID)

	records := env.recorder.Records(history.ConversationID("yara", "zara"))
	require.Len(t, records, 1)
	assert.Equal(t, history.StatusCompleted, records[0].Status)
	assert.Equal(t, int64(30), records[0].DurationSeconds)
	assert.Equal(t, "yara", records[0].CallerID)

	assert.True(t, env.factory.conn(0).isClosed(), "prior connection fully released")
	audio := env.acquirer.stream(0).AudioTrack().(*media.StaticTrack)
	assert.True(t, audio.Stopped(), "prior media released")

	answers := env.transport.sentOfType(signaling.TypeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "xena", answers[0].ReceiverID)

	info, ok := env.manager.ActiveSession()
	require.True(t, ok)
	assert.Equal(t, "xena", info.PeerID)
	assert.Equal(t, RoleCallee, info.Role)
	assert.True(t, info.CameraOff, "audio call starts with camera off")
}

func TestAcceptCallNoPending(t *testing.T) {
	env := newTestEnv(t, "bob")
	assert.ErrorIs(t, env.manager.AcceptCall(context.Background()), ErrNoIncomingCall)
}

func TestAcceptCallMediaFailureDiscardsOffer(t *testing.T) {
	env := newTestEnv(t, "bob")
	env.transport.deliver(env.offerFrom("alice", signaling.KindVideo))
	env.acquirer.failUserMedia = true

	err := env.manager.AcceptCall(context.Background())
	assert.ErrorIs(t, err, ErrMediaAccess)
	assert.Equal(t, StateIdle, env.manager.State())

	_, pending := env.manager.PendingOffer()
	assert.False(t, pending, "failed acceptance discards the offer")
}

func TestRejectCall(t *testing.T) {
	env := newTestEnv(t, "bob")
	env.transport.deliver(env.offerFrom("alice", signaling.KindVideo))

	require.NoError(t, env.manager.RejectCall())
	assert.Equal(t, StateIdle, env.manager.State())

	rejects := env.transport.sentOfType(signaling.TypeReject)
	require.Len(t, rejects, 1)
	assert.Equal(t, "alice", rejects[0].ReceiverID)
	assert.Empty(t, env.recorder.Records(history.ConversationID("bob", "alice")),
		"no session existed, no history")

	assert.ErrorIs(t, env.manager.RejectCall(), ErrNoIncomingCall)
}

func TestSecondOfferWhilePendingGetsBusy(t *testing.T) {
	env := newTestEnv(t, "bob")
	env.transport.deliver(env.offerFrom("alice", signaling.KindVideo))
	env.transport.deliver(env.offerFrom("walter", signaling.KindAudio))

	busy := env.transport.sentOfType(signaling.TypeBusy)
	require.Len(t, busy, 1)
	assert.Equal(t, "walter", busy[0].ReceiverID)

	offer, ok := env.manager.PendingOffer()
	require.True(t, ok)
	assert.Equal(t, "alice", offer.CallerID, "first pending offer survives")
}

func TestEndCall(t *testing.T) {
	env := newTestEnv(t, "alice")
	require.NoError(t, env.manager.StartCall(context.Background(), "bob", signaling.KindVideo))

	env.factory.conn(0).fireState(peerconn.StateConnected)
	env.clock.Advance(125 * time.Second)

	require.NoError(t, env.manager.EndCall())
	assert.Equal(t, StateIdle, env.manager.State())

	ends := env.transport.sentOfType(signaling.TypeEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, "bob", ends[0].ReceiverID)

	records := env.recorder.Records(history.ConversationID("alice", "bob"))
	require.Len(t, records, 1)
	assert.Equal(t, int64(125), records[0].DurationSeconds)
	assert.Equal(t, history.StatusCompleted, records[0].Status)
	assert.Equal(t, "alice", records[0].CallerID)
	assert.ElementsMatch(t, []string{"alice", "bob"}, records[0].Participants)

	stream := env.acquirer.stream(0)
	assert.True(t, stream.AudioTrack().(*media.StaticTrack).Stopped())
	assert.True(t, stream.VideoTrack().(*media.StaticTrack).Stopped())
	assert.True(t, env.factory.conn(0).isClosed())

	assert.ErrorIs(t, env.manager.EndCall(), ErrNoActiveCall)
}

func TestCandidateOrdering(t *testing.T) {
	env := newTestEnv(t, "alice")
	require.NoError(t, env.manager.StartCall(context.Background(), "bob", signaling.KindVideo))

	const n = 8
	for i := 0; i < n; i++ {
		env.transport.deliver(env.candidateFrom("bob", fmt.Sprintf("candidate-%d", i)))
	}
	assert.Empty(t, env.factory.conn(0).appliedCandidates(),
		"candidates wait for the remote description")

	env.transport.deliver(env.answerFrom("bob"))

	applied := env.factory.conn(0).appliedCandidates()
	require.Len(t, applied, n, "every queued candidate applied exactly once")
	for i, cand := range applied {
		assert.Equal(t, fmt.Sprintf("candidate-%d", i), cand.Candidate, "arrival order preserved")
	}

	env.manager.mu.Lock()
	queued := env.manager.candidates.Len()
	env.manager.mu.Unlock()
	assert.Zero(t, queued, "queue empty after drain")

	// With the remote description set, candidates now apply directly.
	env.transport.deliver(env.candidateFrom("bob", "candidate-late"))
	applied = env.factory.conn(0).appliedCandidates()
	require.Len(t, applied, n+1)
	assert.Equal(t, "candidate-late", applied[n].Candidate)
}

func TestRejectedOfferCandidatesDoNotLeak(t *testing.T) {
	env := newTestEnv(t, "bob")

	env.transport.deliver(env.offerFrom("alice", signaling.KindVideo))
	env.transport.deliver(env.candidateFrom("alice", "alice-cand-0"))
	env.transport.deliver(env.candidateFrom("alice", "alice-cand-1"))

	require.NoError(t, env.manager.RejectCall())

	// The next call must start with a clean slate.
	require.NoError(t, env.manager.StartCall(context.Background(), "carol", signaling.KindVideo))
	env.transport.deliver(env.answerFrom("carol"))

	assert.Empty(t, env.factory.conn(0).appliedCandidates(),
		"a rejected caller's candidates must not reach the next call's connection")

	env.manager.mu.Lock()
	queued := env.manager.candidates.Len()
	env.manager.mu.Unlock()
	assert.Zero(t, queued)
}

func TestUnsolicitedCandidatesIgnored(t *testing.T) {
	env := newTestEnv(t, "alice")

	// Idle: nobody asked for mallory's candidates.
	env.transport.deliver(env.candidateFrom("mallory", "mallory-cand-0"))

	env.manager.mu.Lock()
	queued := env.manager.candidates.Len()
	env.manager.mu.Unlock()
	assert.Zero(t, queued, "candidates from an unknown sender never queue")

	// Active with bob: mallory still has no standing.
	require.NoError(t, env.manager.StartCall(context.Background(), "bob", signaling.KindVideo))
	env.transport.deliver(env.answerFrom("bob"))
	env.transport.deliver(env.candidateFrom("mallory", "mallory-cand-1"))

	assert.Empty(t, env.factory.conn(0).appliedCandidates())
}

func TestCallWaitingKeepsPendingCallersCandidates(t *testing.T) {
	env := newTestEnv(t, "alice")

	require.NoError(t, env.manager.StartCall(context.Background(), "zara", signaling.KindAudio))
	env.transport.deliver(env.candidateFrom("zara", "zara-cand-0"))

	env.transport.deliver(env.offerFrom("xena", signaling.KindAudio))
	env.transport.deliver(env.candidateFrom("xena", "xena-cand-0"))
	env.transport.deliver(env.candidateFrom("xena", "xena-cand-1"))

	require.NoError(t, env.manager.AcceptCall(context.Background()))

	applied := env.factory.conn(1).appliedCandidates()
	require.Len(t, applied, 2, "only the accepted caller's candidates apply")
	assert.Equal(t, "xena-cand-0", applied[0].Candidate)
	assert.Equal(t, "xena-cand-1", applied[1].Candidate)

	env.manager.mu.Lock()
	queued := env.manager.candidates.Len()
	env.manager.mu.Unlock()
	assert.Zero(t, queued, "zara's candidates discarded with her call")
}

func TestTeardownIdempotence(t *testing.T) {
	env := newTestEnv(t, "alice")
	require.NoError(t, env.manager.StartCall(context.Background(), "bob", signaling.KindVideo))
	env.factory.conn(0).fireState(peerconn.StateConnected)

	require.NoError(t, env.manager.EndCall())

	// A late end from the peer after local hangup must be a no-op.
	env.transport.deliver(signaling.NewMessage(signaling.TypeEnd, "bob", "alice", env.clock.Now()))

	records := env.recorder.Records(history.ConversationID("alice", "bob"))
	assert.Len(t, records, 1, "no second history record")
	assert.Equal(t, StateIdle, env.manager.State())
}

func TestInboundEndTearsDownWithoutResending(t *testing.T) {
	env := newTestEnv(t, "alice")
	require.NoError(t, env.manager.StartCall(context.Background(), "bob", signaling.KindVideo))

	env.transport.deliver(signaling.NewMessage(signaling.TypeEnd, "bob", "alice", env.clock.Now()))

	assert.Equal(t, StateIdle, env.manager.State())
	assert.Empty(t, env.transport.sentOfType(signaling.TypeEnd),
		"a reaction does not re-signal")
	assert.True(t, env.factory.conn(0).isClosed())
}

func TestStalenessFilter(t *testing.T) {
	env := newTestEnv(t, "bob")

	stale := env.offerFrom("alice", signaling.KindVideo)
	stale.Timestamp = env.clock.Now().Add(-6 * time.Second).UnixMilli()
	env.transport.deliver(stale)
	assert.Equal(t, StateIdle, env.manager.State(), "stale offer ignored")

	fresh := env.offerFrom("alice", signaling.KindVideo)
	fresh.Timestamp = env.clock.Now().Add(-4 * time.Second).UnixMilli()
	env.transport.deliver(fresh)
	assert.Equal(t, StateRinging, env.manager.State(), "offer inside the window processed")
}

func TestDuplicateMessageSuppressed(t *testing.T) {
	env := newTestEnv(t, "bob")

	var incoming int
	env.manager.OnIncomingCall(func(IncomingOffer) { incoming++ })

	offer := env.offerFrom("alice", signaling.KindVideo)
	env.transport.deliver(offer)
	env.transport.deliver(offer)

	assert.Equal(t, 1, incoming, "duplicate delivery handled once")
}

func TestConnectionFailureEndsCallWithHistory(t *testing.T) {
	env := newTestEnv(t, "alice")
	require.NoError(t, env.manager.StartCall(context.Background(), "bob", signaling.KindVideo))

	conn := env.factory.conn(0)
	conn.fireState(peerconn.StateConnected)
	env.clock.Advance(10 * time.Second)
	conn.fireState(peerconn.StateFailed)

	assert.Equal(t, StateIdle, env.manager.State())
	assert.Empty(t, env.transport.sentOfType(signaling.TypeEnd),
		"the far end reaches the same conclusion on its own")

	records := env.recorder.Records(history.ConversationID("alice", "bob"))
	require.Len(t, records, 1)
	assert.Equal(t, int64(10), records[0].DurationSeconds)
}

func TestConnectedStampsStartOnce(t *testing.T) {
	env := newTestEnv(t, "alice")
	require.NoError(t, env.manager.StartCall(context.Background(), "bob", signaling.KindVideo))

	conn := env.factory.conn(0)
	conn.fireState(peerconn.StateConnected)
	started := env.clock.Now()

	env.clock.Advance(7 * time.Second)
	conn.fireState(peerconn.StateConnected)

	info, ok := env.manager.ActiveSession()
	require.True(t, ok)
	assert.True(t, info.StartedAt.Equal(started), "reconnect does not move the start time")
}

func TestRemoteStreamFirstWins(t *testing.T) {
	env := newTestEnv(t, "alice")
	require.NoError(t, env.manager.StartCall(context.Background(), "bob", signaling.KindVideo))

	var streams []string
	env.manager.OnRemoteStream(func(id string) { streams = append(streams, id) })

	conn := env.factory.conn(0)
	conn.fireRemoteStream("stream-1")
	conn.fireRemoteStream("stream-2")

	assert.Equal(t, []string{"stream-1"}, streams)
	info, _ := env.manager.ActiveSession()
	assert.Equal(t, "stream-1", info.RemoteStream)
}

func TestToggleMicAndCamera(t *testing.T) {
	env := newTestEnv(t, "alice")
	require.NoError(t, env.manager.StartCall(context.Background(), "bob", signaling.KindVideo))

	muted, err := env.manager.ToggleMic()
	require.NoError(t, err)
	assert.True(t, muted)
	stream := env.acquirer.stream(0)
	assert.False(t, stream.AudioTrack().Enabled())

	muted, err = env.manager.ToggleMic()
	require.NoError(t, err)
	assert.False(t, muted)
	assert.True(t, stream.AudioTrack().Enabled())

	off, err := env.manager.ToggleCamera()
	require.NoError(t, err)
	assert.True(t, off)
	assert.False(t, stream.VideoTrack().Enabled())

	assert.False(t, stream.AudioTrack().(*media.StaticTrack).Stopped(),
		"toggling never stops the device")
}

func TestTogglesRequireActiveCall(t *testing.T) {
	env := newTestEnv(t, "alice")

	_, err := env.manager.ToggleMic()
	assert.ErrorIs(t, err, ErrNoActiveCall)
	_, err = env.manager.ToggleCamera()
	assert.ErrorIs(t, err, ErrNoActiveCall)
	_, err = env.manager.ToggleScreenShare(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveCall)
}

func TestScreenShareReplacesAndSwapsBack(t *testing.T) {
	env := newTestEnv(t, "alice")
	require.NoError(t, env.manager.StartCall(context.Background(), "bob", signaling.KindVideo))

	sharing, err := env.manager.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	assert.True(t, sharing)

	conn := env.factory.conn(0)
	conn.mu.Lock()
	replaced := len(conn.replaced)
	first := conn.replaced[0]
	conn.mu.Unlock()
	require.Equal(t, 1, replaced)
	assert.Same(t, media.Track(env.acquirer.displays[0]), first)

	// Manual stop swaps the camera back and stops the screen track.
	sharing, err = env.manager.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	assert.False(t, sharing)

	conn.mu.Lock()
	replaced = len(conn.replaced)
	second := conn.replaced[1]
	conn.mu.Unlock()
	require.Equal(t, 2, replaced)
	camera := env.acquirer.stream(0).VideoTrack()
	assert.Same(t, camera, second)
	assert.True(t, camera.Enabled(), "camera-enabled state restored")
	assert.True(t, env.acquirer.displays[0].Stopped())
}

func TestScreenSharePlatformStopSwapsBack(t *testing.T) {
	env := newTestEnv(t, "alice")
	require.NoError(t, env.manager.StartCall(context.Background(), "bob", signaling.KindVideo))

	// Camera was toggled off before sharing; swap-back must preserve
	// that.
	_, err := env.manager.ToggleCamera()
	require.NoError(t, err)

	_, err = env.manager.ToggleScreenShare(context.Background())
	require.NoError(t, err)

	env.acquirer.displays[0].FireEnded()

	info, ok := env.manager.ActiveSession()
	require.True(t, ok)
	assert.False(t, info.ScreenSharing)

	camera := env.acquirer.stream(0).VideoTrack()
	assert.False(t, camera.Enabled(), "camera stays disabled as before sharing")
	assert.True(t, env.acquirer.displays[0].Stopped())
}

func TestScreenShareStopDuringReplace(t *testing.T) {
	env := newTestEnv(t, "alice")
	require.NoError(t, env.manager.StartCall(context.Background(), "bob", signaling.KindVideo))

	// The platform ends the display track while the sender swap is
	// still in flight.
	conn := env.factory.conn(0)
	conn.mu.Lock()
	conn.replaceHook = func(track media.Track) {
		if st, ok := track.(*media.StaticTrack); ok && len(env.acquirer.displays) > 0 && st == env.acquirer.displays[0] {
			st.FireEnded()
		}
	}
	conn.mu.Unlock()

	sharing, err := env.manager.ToggleScreenShare(context.Background())
	require.NoError(t, err)
	assert.False(t, sharing, "the stop mid-swap wins")

	info, ok := env.manager.ActiveSession()
	require.True(t, ok)
	assert.False(t, info.ScreenSharing)

	// Camera restored, display track released.
	conn.mu.Lock()
	last := conn.replaced[len(conn.replaced)-1]
	conn.mu.Unlock()
	camera := env.acquirer.stream(0).VideoTrack()
	assert.Same(t, camera, last)
	assert.True(t, env.acquirer.displays[0].Stopped())
}

func TestSingleActiveSessionUnderInterleaving(t *testing.T) {
	for i := 0; i < 100; i++ {
		env := newTestEnv(t, "alice")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = env.manager.StartCall(context.Background(), "bob", signaling.KindAudio)
		}()
		go func() {
			defer wg.Done()
			env.transport.deliver(env.offerFrom("carol", signaling.KindAudio))
			err := env.manager.AcceptCall(context.Background())
			if err != nil && !errors.Is(err, ErrEstablishing) && !errors.Is(err, ErrNoIncomingCall) {
				t.Errorf("unexpected accept error: %v", err)
			}
		}()
		wg.Wait()

		assert.LessOrEqual(t, env.factory.openCount(), 1,
			"never more than one live connection")

		if env.manager.State() == StateActive {
			require.NoError(t, env.manager.EndCall())
		}
		assert.Zero(t, env.factory.openCount())
		env.manager.Close()
	}
}

func TestQualityLevelIdleIsHigh(t *testing.T) {
	env := newTestEnv(t, "alice")
	assert.Equal(t, quality.LevelHigh, env.manager.QualityLevel())
}

func TestQualityCallbackRegisteredMidCall(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Quality.Interval = 10 * time.Millisecond

	transport := &recTransport{}
	factory := &testFactory{}
	manager, err := NewManager("alice", cfg, Deps{
		Transport: transport,
		Conns:     peerconn.NewManager(factory),
		Media:     &testAcquirer{},
		History:   history.NewMemoryRecorder(),
		Clock:     newFakeClock(),
	})
	require.NoError(t, err)
	require.NoError(t, manager.Start())
	t.Cleanup(func() { manager.Close() })

	require.NoError(t, manager.StartCall(context.Background(), "bob", signaling.KindVideo))
	conn := factory.conn(0)
	conn.setSample(quality.Sample{PacketsLost: 15, PacketsReceived: 85})
	conn.fireState(peerconn.StateConnected)

	// Registered after the call connected; the running monitor must
	// still report through it.
	levels := make(chan quality.Level, 8)
	manager.OnQualityChange(func(l quality.Level) { levels <- l })

	select {
	case level := <-levels:
		assert.Equal(t, quality.LevelLow, level)
	case <-time.After(2 * time.Second):
		t.Fatal("quality callback registered mid-call never fired")
	}
}

func TestCloseIsIdempotentAndBlocksOperations(t *testing.T) {
	env := newTestEnv(t, "alice")
	require.NoError(t, env.manager.Close())
	require.NoError(t, env.manager.Close())

	assert.ErrorIs(t, env.manager.StartCall(context.Background(), "bob", signaling.KindAudio), ErrManagerClosed)
	assert.ErrorIs(t, env.manager.AcceptCall(context.Background()), ErrManagerClosed)
}
