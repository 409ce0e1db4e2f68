package call

import "errors"

// Sentinel errors returned by Manager operations. Callers classify
// with errors.Is.
var (
	// ErrMediaAccess indicates the local microphone, camera, or screen
	// could not be acquired. No signaling was sent; the far end never
	// learns of the attempt.
	ErrMediaAccess = errors.New("call: local media unavailable")

	// ErrNoIncomingCall is returned by AcceptCall and RejectCall when
	// no offer is pending.
	ErrNoIncomingCall = errors.New("call: no incoming call")

	// ErrCallInProgress is returned by StartCall while a session is
	// active.
	ErrCallInProgress = errors.New("call: a call is already active")

	// ErrNoActiveCall is returned by operations that require an
	// active session.
	ErrNoActiveCall = errors.New("call: no active call")

	// ErrEstablishing is returned when a start or accept is attempted
	// while another one is still in flight.
	ErrEstablishing = errors.New("call: call setup already in progress")

	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("call: manager is closed")
)
