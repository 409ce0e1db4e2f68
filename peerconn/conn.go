// Package peerconn owns the underlying peer-to-peer connection for a
// call and wires its asynchronous event sources (candidate discovery,
// remote track arrival, connection-state transitions) back to the
// call orchestrator as explicit callbacks.
//
// At most one underlying connection exists at a time; the Manager
// enforces that creating a new one always follows full teardown of
// any prior one.
package peerconn

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/prasanna172605/snugglecall/media"
	"github.com/prasanna172605/snugglecall/quality"
)

// State is the connection lifecycle state as observed by the call
// orchestrator.
type State int

const (
	// StateNew is a freshly created, unnegotiated connection.
	StateNew State = iota
	// StateConnecting is negotiation or ICE checks in progress.
	StateConnecting
	// StateConnected is an established media path.
	StateConnected
	// StateDisconnected is a lost media path that may not recover.
	StateDisconnected
	// StateFailed is a permanently failed connection.
	StateFailed
	// StateClosed is a locally closed connection.
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handlers carries the event callbacks a connection reports through.
// Handlers may be invoked from connection-owned goroutines; the
// receiver is responsible for its own serialization.
type Handlers struct {
	// OnLocalCandidate fires for each locally discovered ICE
	// candidate.
	OnLocalCandidate func(webrtc.ICECandidateInit)

	// OnRemoteStream fires once per distinct remote stream; repeated
	// track additions to an already-published stream do not re-fire.
	OnRemoteStream func(streamID string)

	// OnStateChange fires on connection state transitions.
	OnStateChange func(State)
}

// Conn is one peer-to-peer connection. It doubles as the quality
// monitor's statistics source and bitrate limiter.
type Conn interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error

	// HasRemoteDescription reports whether a remote description has
	// been applied; candidates arriving earlier must be queued by the
	// caller.
	HasRemoteDescription() bool

	AddICECandidate(cand webrtc.ICECandidateInit) error

	// AddTrack attaches a local track for sending.
	AddTrack(t media.Track) error

	// ReplaceVideoTrack swaps the outbound video track in place on
	// the existing sender, preserving the negotiated transceiver.
	ReplaceVideoTrack(t media.Track) error

	quality.Source
	quality.Limiter

	// Close tears the connection down. Idempotent.
	Close() error
}

// Factory creates connections. The production implementation is
// PionFactory; tests substitute fakes.
type Factory interface {
	NewConn(handlers Handlers) (Conn, error)
}

// Manager holds the single live connection for the call subsystem.
type Manager struct {
	factory Factory

	mu      sync.Mutex
	current Conn
}

// NewManager wraps factory with the one-connection guarantee.
func NewManager(factory Factory) *Manager {
	return &Manager{factory: factory}
}

// Create tears down any existing connection, then creates a new one.
func (m *Manager) Create(handlers Handlers) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Create",
		}).Debug("Closing prior connection before creating a new one")
		if err := m.current.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Create",
				"error":    err.Error(),
			}).Warn("Failed to close prior connection")
		}
		m.current = nil
	}

	conn, err := m.factory.NewConn(handlers)
	if err != nil {
		return nil, err
	}
	m.current = conn
	return conn, nil
}

// Current returns the live connection, or nil.
func (m *Manager) Current() Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Release closes and forgets the current connection. Releasing when
// no connection exists is a no-op.
func (m *Manager) Release() {
	m.mu.Lock()
	conn := m.current
	m.current = nil
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Release",
				"error":    err.Error(),
			}).Warn("Failed to close connection")
		}
	}
}
