// Package call implements the call state machine that orchestrates
// peer-to-peer audio and video calls.
//
// A Manager owns at most one active call session and at most one
// pending incoming offer. User actions (start, accept, reject, end,
// toggles) and inbound signaling events (offer, answer, candidate,
// end, reject, busy) both funnel into the Manager, which drives the
// peer connection, media acquisition, quality monitoring, history
// recording, and outbound signaling.
//
// Call waiting is supported uniformly: an incoming offer is held as
// the pending offer even while another call is active, and accepting
// it first ends and records the active call before establishing the
// new one. The only busy reply is sent when a second offer arrives
// while a different offer is still pending.
//
// All failures inside the subsystem are contained: public operations
// return an error value or leave the state machine where it was, and
// history or push failures are logged, never surfaced.
package call
