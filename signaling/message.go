// Package signaling defines the call signaling protocol exchanged
// between two peers and the transport boundary it travels over.
//
// Messages form a tagged union keyed by Type: each variant carries
// exactly the fields relevant to it (only an offer carries a call
// kind, only offers and answers carry SDP, only candidate messages
// carry an ICE candidate). Receivers drop messages older than a
// staleness window so replayed events from flaky transports cannot
// resurrect a call that has already moved on.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// MessageType identifies the signaling message variant.
type MessageType string

const (
	// TypeOffer initiates a call and carries the caller's SDP offer.
	TypeOffer MessageType = "offer"
	// TypeAnswer accepts a call and carries the callee's SDP answer.
	TypeAnswer MessageType = "answer"
	// TypeCandidate carries one discovered ICE candidate.
	TypeCandidate MessageType = "candidate"
	// TypeEnd terminates an established call.
	TypeEnd MessageType = "end"
	// TypeReject declines a ringing call before it is established.
	TypeReject MessageType = "reject"
	// TypeBusy tells a caller the callee already has a call pending.
	TypeBusy MessageType = "busy"
)

// CallKind distinguishes audio-only calls from video calls.
type CallKind string

const (
	// KindAudio is a microphone-only call.
	KindAudio CallKind = "audio"
	// KindVideo is a camera plus microphone call.
	KindVideo CallKind = "video"
)

// DefaultStalenessWindow is how old a message may be, relative to
// receipt time, before the receiver ignores it.
const DefaultStalenessWindow = 5 * time.Second

// Message is one signaling event addressed from SenderID to
// ReceiverID. Timestamp is Unix milliseconds at send time.
type Message struct {
	ID         string      `json:"id"`
	Type       MessageType `json:"type"`
	SenderID   string      `json:"senderId"`
	ReceiverID string      `json:"receiverId"`
	Timestamp  int64       `json:"timestamp"`

	// Variant fields. SDP is set for offer and answer, Candidate for
	// candidate, CallKind for offer only.
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	CallKind  CallKind                   `json:"callKind,omitempty"`
}

// Validation errors returned by Message.Validate.
var (
	ErrMissingSender   = errors.New("signaling: message has no sender id")
	ErrMissingReceiver = errors.New("signaling: message has no receiver id")
	ErrMissingSDP      = errors.New("signaling: message requires an SDP payload")
	ErrMissingCand     = errors.New("signaling: candidate message has no candidate")
	ErrUnknownType     = errors.New("signaling: unknown message type")
)

// NewMessage builds an addressed message of the given type with a
// fresh ID and the supplied send time.
func NewMessage(t MessageType, senderID, receiverID string, sentAt time.Time) *Message {
	return &Message{
		ID:         uuid.NewString(),
		Type:       t,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Timestamp:  sentAt.UnixMilli(),
	}
}

// Validate checks that the message carries the fields its variant
// requires and nothing structurally impossible.
func (m *Message) Validate() error {
	if m.SenderID == "" {
		return ErrMissingSender
	}
	if m.ReceiverID == "" {
		return ErrMissingReceiver
	}
	switch m.Type {
	case TypeOffer, TypeAnswer:
		if m.SDP == nil {
			return fmt.Errorf("%w (type %q)", ErrMissingSDP, m.Type)
		}
	case TypeCandidate:
		if m.Candidate == nil {
			return ErrMissingCand
		}
	case TypeEnd, TypeReject, TypeBusy:
		// Control variants carry no payload.
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return nil
}

// SentAt returns the message timestamp as a time.Time.
func (m *Message) SentAt() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// StaleAt reports whether the message is older than window relative
// to now. Stale messages are dropped by receivers; this is the only
// defense against replayed queued events, not against reordering.
func (m *Message) StaleAt(now time.Time, window time.Duration) bool {
	if window <= 0 {
		window = DefaultStalenessWindow
	}
	return now.Sub(m.SentAt()) > window
}

// Marshal encodes the message as JSON after validating it.
func (m *Message) Marshal() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Unmarshal decodes and validates a wire message.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("signaling: decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
