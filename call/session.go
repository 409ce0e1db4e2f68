package call

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/prasanna172605/snugglecall/media"
	"github.com/prasanna172605/snugglecall/peerconn"
	"github.com/prasanna172605/snugglecall/quality"
	"github.com/prasanna172605/snugglecall/signaling"
)

// State is the call state machine's observable state.
type State int

const (
	// StateIdle means no call exists and no offer is pending.
	StateIdle State = iota
	// StateRinging means an incoming offer is pending and no call is
	// active.
	StateRinging
	// StateActive means a call session exists. A pending offer may
	// coexist with an active session (call waiting); the state stays
	// Active until the pending offer is accepted.
	StateActive
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRinging:
		return "ringing"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Role distinguishes which side of the offer/answer exchange this
// peer took.
type Role int

const (
	// RoleCaller placed the call and sent the offer.
	RoleCaller Role = iota
	// RoleCallee accepted the call and sent the answer.
	RoleCallee
)

// String returns the lowercase role name.
func (r Role) String() string {
	if r == RoleCallee {
		return "callee"
	}
	return "caller"
}

// IncomingOffer is a received call offer awaiting the local
// accept/reject decision. At most one exists at a time.
type IncomingOffer struct {
	// CallerID is the user who sent the offer.
	CallerID string
	// Kind is audio or video.
	Kind signaling.CallKind
	// SDP is the caller's held session description. It is applied
	// only on accept.
	SDP webrtc.SessionDescription
}

// UserProfile is the display identity of a user, resolved through
// the Manager's UserLookup for push payloads. Never required for
// protocol correctness.
type UserProfile struct {
	ID          string
	DisplayName string
	AvatarURL   string
}

// session is the single active call. All fields are guarded by the
// Manager's lock except where noted.
type session struct {
	peerID      string
	kind        signaling.CallKind
	role        Role
	initiatorID string

	// startedAt is set when the connection first reaches connected;
	// zero for calls that never connect.
	startedAt time.Time

	conn       peerconn.Conn
	localMedia *media.Stream
	monitor    *quality.Monitor

	micMuted      bool
	cameraOff     bool
	screenSharing bool
	screenTrack   media.Track

	remoteStreamID string

	// ended makes teardown idempotent: the first teardown wins, later
	// ones are no-ops.
	ended bool
}

// SessionInfo is a read-only snapshot of the active session.
type SessionInfo struct {
	PeerID        string
	Kind          signaling.CallKind
	Role          Role
	InitiatorID   string
	StartedAt     time.Time
	MicMuted      bool
	CameraOff     bool
	ScreenSharing bool
	RemoteStream  string
}

func (s *session) snapshot() SessionInfo {
	return SessionInfo{
		PeerID:        s.peerID,
		Kind:          s.kind,
		Role:          s.role,
		InitiatorID:   s.initiatorID,
		StartedAt:     s.startedAt,
		MicMuted:      s.micMuted,
		CameraOff:     s.cameraOff,
		ScreenSharing: s.screenSharing,
		RemoteStream:  s.remoteStreamID,
	}
}

// durationSeconds returns the connected duration rounded to whole
// seconds, zero if the call never connected.
func (s *session) durationSeconds(now time.Time) int64 {
	if s.startedAt.IsZero() {
		return 0
	}
	return int64(now.Sub(s.startedAt).Round(time.Second) / time.Second)
}
