package signaling

// Transport is the boundary the call core needs from the signaling
// layer: fire-and-forget addressed delivery plus a per-user
// subscription. Delivery must be at-least-once per logical send; the
// core's staleness filter and message IDs tolerate duplicates. The
// transport need not preserve ordering; it must only stamp messages
// with timestamps that survive the trip.
type Transport interface {
	// Send delivers msg to msg.ReceiverID. Best effort: a returned
	// error means the send definitely failed, a nil return does not
	// guarantee delivery.
	Send(msg *Message) error

	// Subscribe registers handler for every message addressed to
	// userID and returns a cancel function that stops delivery.
	// Handlers may be invoked from transport-owned goroutines.
	Subscribe(userID string, handler func(*Message)) (cancel func(), err error)

	// Close releases the transport. Subscriptions are cancelled.
	Close() error
}
