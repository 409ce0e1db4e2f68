package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/prasanna172605/snugglecall/history"
	"github.com/prasanna172605/snugglecall/media"
	"github.com/prasanna172605/snugglecall/notify"
	"github.com/prasanna172605/snugglecall/peerconn"
	"github.com/prasanna172605/snugglecall/quality"
	"github.com/prasanna172605/snugglecall/signaling"
)

// Config holds the call state machine parameters.
type Config struct {
	// StalenessWindow is how old an inbound signaling message may be
	// before it is ignored.
	StalenessWindow time.Duration

	// Quality configures the per-call quality monitor. Nil selects
	// quality.DefaultConfig.
	Quality *quality.Config

	// PushURL is the link carried in incoming-call push payloads.
	PushURL string
}

// DefaultConfig returns the production call parameters.
func DefaultConfig() *Config {
	return &Config{
		StalenessWindow: signaling.DefaultStalenessWindow,
		Quality:         quality.DefaultConfig(),
		PushURL:         "/call",
	}
}

// Deps are the collaborators a Manager drives. Transport, Conns, and
// Media are required; the rest default to no-ops or the system clock.
type Deps struct {
	Transport signaling.Transport
	Conns     *peerconn.Manager
	Media     media.Acquirer

	// History persists finished calls. Nil disables history.
	History history.Recorder

	// Push alerts the callee on outbound call start. Nil disables
	// push.
	Push notify.Sender

	// UserLookup resolves display identity for push payloads. Nil
	// falls back to raw user ids.
	UserLookup func(id string) (*UserProfile, error)

	// Clock is the time source. Nil selects the system clock.
	Clock TimeProvider
}

// seenLimit bounds the duplicate-suppression window for inbound
// message ids.
const seenLimit = 256

// Manager is the call state machine. It exclusively owns the single
// active session and the single pending incoming offer; every
// mutation of call state goes through its methods.
type Manager struct {
	selfID    string
	cfg       *Config
	transport signaling.Transport
	conns     *peerconn.Manager
	media     media.Acquirer
	recorder  history.Recorder
	push      notify.Sender
	lookup    func(id string) (*UserProfile, error)
	clock     TimeProvider

	mu           sync.Mutex
	closed       bool
	session      *session
	pending      *IncomingOffer
	establishing bool
	candidates   candidateQueue
	seen         map[string]struct{}
	seenOrder    []string
	unsubscribe  func()

	onState        func(State)
	onIncoming     func(IncomingOffer)
	onRemoteStream func(streamID string)
	onQuality      func(quality.Level)
}

// NewManager creates a call manager for the given local user.
func NewManager(selfID string, cfg *Config, deps Deps) (*Manager, error) {
	if selfID == "" {
		return nil, errors.New("call: self user id cannot be empty")
	}
	if deps.Transport == nil {
		return nil, errors.New("call: signaling transport cannot be nil")
	}
	if deps.Conns == nil {
		return nil, errors.New("call: peer connection manager cannot be nil")
	}
	if deps.Media == nil {
		return nil, errors.New("call: media acquirer cannot be nil")
	}

	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = signaling.DefaultStalenessWindow
	}
	push := deps.Push
	if push == nil {
		push = notify.NopSender{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = DefaultTimeProvider{}
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
		"self_id":  selfID,
	}).Info("Creating call manager")

	return &Manager{
		selfID:    selfID,
		cfg:       cfg,
		transport: deps.Transport,
		conns:     deps.Conns,
		media:     deps.Media,
		recorder:  deps.History,
		push:      push,
		lookup:    deps.UserLookup,
		clock:     clock,
		seen:      make(map[string]struct{}),
	}, nil
}

// Start subscribes the manager to its signaling transport. It must
// be called once before calls can be received.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.unsubscribe != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	cancel, err := m.transport.Subscribe(m.selfID, m.handleSignal)
	if err != nil {
		return fmt.Errorf("call: subscribe to signaling: %w", err)
	}

	m.mu.Lock()
	m.unsubscribe = cancel
	m.mu.Unlock()
	return nil
}

// Close unsubscribes from signaling and tears down any call without
// writing history or signaling the peer.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel := m.unsubscribe
	m.unsubscribe = nil
	m.pending = nil
	m.candidates.Clear()
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.endSession(false, false)
	return nil
}

// Callback registration. Callbacks may be invoked from transport or
// connection goroutines.

// OnStateChange registers a callback for state machine transitions.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

// OnIncomingCall registers a callback invoked when an offer becomes
// pending.
func (m *Manager) OnIncomingCall(fn func(IncomingOffer)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onIncoming = fn
}

// OnRemoteStream registers a callback invoked when the remote media
// stream is published.
func (m *Manager) OnRemoteStream(fn func(streamID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemoteStream = fn
}

// OnQualityChange registers a callback for connection quality level
// changes.
func (m *Manager) OnQualityChange(fn func(quality.Level)) {
	m.mu.Lock()
	m.onQuality = fn
	monitor := (*quality.Monitor)(nil)
	if m.session != nil {
		monitor = m.session.monitor
	}
	m.mu.Unlock()

	// A call may already be running; hand the callback to its
	// monitor too.
	if monitor != nil {
		monitor.SetLevelCallback(fn)
	}
}

// State returns the current state machine state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() State {
	switch {
	case m.session != nil:
		return StateActive
	case m.pending != nil:
		return StateRinging
	default:
		return StateIdle
	}
}

// ActiveSession returns a snapshot of the active session, or false.
func (m *Manager) ActiveSession() (SessionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return SessionInfo{}, false
	}
	return m.session.snapshot(), true
}

// PendingOffer returns a copy of the pending incoming offer, or
// false.
func (m *Manager) PendingOffer() (IncomingOffer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return IncomingOffer{}, false
	}
	return *m.pending, true
}

// QualityLevel returns the active call's quality classification,
// LevelHigh when no call is active.
func (m *Manager) QualityLevel() quality.Level {
	m.mu.Lock()
	monitor := (*quality.Monitor)(nil)
	if m.session != nil {
		monitor = m.session.monitor
	}
	m.mu.Unlock()

	if monitor == nil {
		return quality.LevelHigh
	}
	return monitor.Level()
}

// StartCall places an outbound call: acquires local media, creates
// the peer connection, sends an offer, and best-effort pushes an
// incoming-call notification to the callee. On media failure the
// state stays Idle and nothing is signaled.
func (m *Manager) StartCall(ctx context.Context, peerID string, kind signaling.CallKind) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.session != nil {
		m.mu.Unlock()
		return ErrCallInProgress
	}
	if m.establishing {
		m.mu.Unlock()
		return ErrEstablishing
	}
	m.establishing = true
	m.mu.Unlock()
	defer m.clearEstablishing()

	logrus.WithFields(logrus.Fields{
		"function": "StartCall",
		"peer_id":  peerID,
		"kind":     kind,
	}).Info("Starting outbound call")

	stream, err := m.media.AcquireUserMedia(ctx, kind == signaling.KindVideo)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "StartCall",
			"error":    err.Error(),
		}).Error("Media acquisition failed")
		return fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}

	conn, err := m.setupConnection(peerID, stream)
	if err != nil {
		stream.Stop()
		return err
	}

	s := m.installSession(peerID, kind, RoleCaller, m.selfID, conn, stream)

	offer, err := conn.CreateOffer()
	if err != nil {
		m.failSetup(s, fmt.Errorf("call: create offer: %w", err))
		return fmt.Errorf("call: create offer: %w", err)
	}
	if err := conn.SetLocalDescription(offer); err != nil {
		m.failSetup(s, fmt.Errorf("call: set local offer: %w", err))
		return fmt.Errorf("call: set local offer: %w", err)
	}

	msg := signaling.NewMessage(signaling.TypeOffer, m.selfID, peerID, m.clock.Now())
	msg.SDP = &offer
	msg.CallKind = kind
	m.sendSignal(msg)

	go m.sendCallPush(peerID, kind)

	m.notifyState()
	return nil
}

// AcceptCall answers the pending incoming offer. If a call is
// already active it is first ended: an end message is sent to its
// peer, a history record is written, and its resources are fully
// released before the new call is established. A media failure
// discards the pending offer and returns the state machine to Idle.
func (m *Manager) AcceptCall(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.pending == nil {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	if m.establishing {
		m.mu.Unlock()
		return ErrEstablishing
	}
	offer := *m.pending
	m.pending = nil
	m.establishing = true
	m.mu.Unlock()
	defer m.clearEstablishing()

	logrus.WithFields(logrus.Fields{
		"function":  "AcceptCall",
		"caller_id": offer.CallerID,
		"kind":      offer.Kind,
	}).Info("Accepting incoming call")

	// Call waiting: end and record the current call before anything
	// touches the new one.
	m.endSession(true, true)

	stream, err := m.media.AcquireUserMedia(ctx, offer.Kind == signaling.KindVideo)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "AcceptCall",
			"error":    err.Error(),
		}).Error("Media acquisition failed, discarding pending offer")
		m.mu.Lock()
		m.candidates.Discard(offer.CallerID)
		m.mu.Unlock()
		m.notifyState()
		return fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}

	conn, err := m.setupConnection(offer.CallerID, stream)
	if err != nil {
		stream.Stop()
		m.mu.Lock()
		m.candidates.Discard(offer.CallerID)
		m.mu.Unlock()
		return err
	}

	s := m.installSession(offer.CallerID, offer.Kind, RoleCallee, offer.CallerID, conn, stream)

	if err := conn.SetRemoteDescription(offer.SDP); err != nil {
		m.failSetup(s, fmt.Errorf("call: set remote offer: %w", err))
		return fmt.Errorf("call: set remote offer: %w", err)
	}
	m.drainCandidates(conn, offer.CallerID)

	answer, err := conn.CreateAnswer()
	if err != nil {
		m.failSetup(s, fmt.Errorf("call: create answer: %w", err))
		return fmt.Errorf("call: create answer: %w", err)
	}
	if err := conn.SetLocalDescription(answer); err != nil {
		m.failSetup(s, fmt.Errorf("call: set local answer: %w", err))
		return fmt.Errorf("call: set local answer: %w", err)
	}

	msg := signaling.NewMessage(signaling.TypeAnswer, m.selfID, offer.CallerID, m.clock.Now())
	msg.SDP = &answer
	m.sendSignal(msg)

	m.notifyState()
	return nil
}

// RejectCall declines the pending incoming offer. No history record
// is written; no session ever existed.
func (m *Manager) RejectCall() error {
	m.mu.Lock()
	if m.pending == nil {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	callerID := m.pending.CallerID
	m.pending = nil
	m.candidates.Discard(callerID)
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "RejectCall",
		"caller_id": callerID,
	}).Info("Rejecting incoming call")

	m.sendSignal(signaling.NewMessage(signaling.TypeReject, m.selfID, callerID, m.clock.Now()))
	m.notifyState()
	return nil
}

// EndCall hangs up the active call: sends an end message, writes a
// history record, and releases all resources.
func (m *Manager) EndCall() error {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	m.mu.Unlock()

	m.endSession(true, true)
	m.notifyState()
	return nil
}

// ToggleMic flips the local audio track's enabled flag without
// touching the device. Returns the new muted state.
func (m *Manager) ToggleMic() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return false, ErrNoActiveCall
	}
	m.session.micMuted = !m.session.micMuted
	m.session.localMedia.SetAudioEnabled(!m.session.micMuted)
	return m.session.micMuted, nil
}

// ToggleCamera flips the local video track's enabled flag without
// touching the device. Returns the new camera-off state.
func (m *Manager) ToggleCamera() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return false, ErrNoActiveCall
	}
	m.session.cameraOff = !m.session.cameraOff
	if !m.session.screenSharing {
		m.session.localMedia.SetVideoEnabled(!m.session.cameraOff)
	}
	return m.session.cameraOff, nil
}

// ToggleScreenShare starts or stops screen sharing. Starting
// acquires a display track and replaces the outbound video track in
// place; the platform's own stop control triggers the same swap-back
// as manual deactivation. Returns the new sharing state.
func (m *Manager) ToggleScreenShare(ctx context.Context) (bool, error) {
	m.mu.Lock()
	s := m.session
	if s == nil {
		m.mu.Unlock()
		return false, ErrNoActiveCall
	}
	sharing := s.screenSharing
	m.mu.Unlock()

	if sharing {
		m.deactivateScreenShare(s)
		return false, nil
	}

	track, err := m.media.AcquireDisplay(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}

	// Mark the session as sharing before the track goes live so a
	// platform stop racing the swap is not lost on the sharing guard.
	m.mu.Lock()
	if m.session != s || s.ended {
		m.mu.Unlock()
		if err := track.Stop(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ToggleScreenShare",
				"error":    err.Error(),
			}).Warn("Failed to stop display track")
		}
		return false, ErrNoActiveCall
	}
	s.screenTrack = track
	s.screenSharing = true
	m.mu.Unlock()

	if err := s.conn.ReplaceVideoTrack(track); err != nil {
		m.mu.Lock()
		if s.screenTrack == track {
			s.screenTrack = nil
			s.screenSharing = false
		}
		m.mu.Unlock()
		if stopErr := track.Stop(); stopErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ToggleScreenShare",
				"error":    stopErr.Error(),
			}).Warn("Failed to stop display track")
		}
		return false, fmt.Errorf("call: replace video track: %w", err)
	}

	// The handler runs immediately if the platform already ended the
	// track, so a stop racing the swap still restores the camera.
	track.OnEnded(func() {
		m.deactivateScreenShare(s)
	})

	m.mu.Lock()
	sharing = s.screenSharing
	m.mu.Unlock()
	if !sharing {
		return false, nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "ToggleScreenShare",
	}).Info("Screen sharing started")
	return true, nil
}

// deactivateScreenShare swaps the camera track back onto the video
// sender and stops the screen track. Safe to call from the track's
// ended handler and from manual toggling; only the first call acts.
func (m *Manager) deactivateScreenShare(s *session) {
	m.mu.Lock()
	if m.session != s || !s.screenSharing {
		m.mu.Unlock()
		return
	}
	track := s.screenTrack
	s.screenTrack = nil
	s.screenSharing = false
	cameraOff := s.cameraOff
	camera := s.localMedia.VideoTrack()
	m.mu.Unlock()

	if camera != nil {
		if err := s.conn.ReplaceVideoTrack(camera); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "deactivateScreenShare",
				"error":    err.Error(),
			}).Warn("Failed to restore camera track")
		}
		camera.SetEnabled(!cameraOff)
	}
	if track != nil {
		if err := track.Stop(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "deactivateScreenShare",
				"error":    err.Error(),
			}).Warn("Failed to stop screen track")
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "deactivateScreenShare",
	}).Info("Screen sharing stopped")
}

// setupConnection creates the peer connection for peerID and adds
// the local tracks.
func (m *Manager) setupConnection(peerID string, stream *media.Stream) (peerconn.Conn, error) {
	conn, err := m.conns.Create(m.connHandlers(peerID))
	if err != nil {
		return nil, fmt.Errorf("call: create peer connection: %w", err)
	}
	for _, track := range stream.Tracks() {
		if err := conn.AddTrack(track); err != nil {
			m.conns.Release()
			return nil, fmt.Errorf("call: add local track: %w", err)
		}
	}
	return conn, nil
}

// installSession creates and publishes the session. Audio-kind calls
// start with the camera marked off.
func (m *Manager) installSession(peerID string, kind signaling.CallKind, role Role, initiatorID string, conn peerconn.Conn, stream *media.Stream) *session {
	monitor := quality.NewMonitor(m.cfg.Quality, conn, conn)
	s := &session{
		peerID:      peerID,
		kind:        kind,
		role:        role,
		initiatorID: initiatorID,
		conn:        conn,
		localMedia:  stream,
		monitor:     monitor,
		cameraOff:   kind == signaling.KindAudio,
	}

	m.mu.Lock()
	onQuality := m.onQuality
	m.session = s
	m.mu.Unlock()

	if onQuality != nil {
		monitor.SetLevelCallback(onQuality)
	}
	return s
}

// failSetup releases a session that failed before negotiation
// completed. Nothing is signaled and no history is written.
func (m *Manager) failSetup(s *session, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "failSetup",
		"peer_id":  s.peerID,
		"error":    err.Error(),
	}).Error("Call setup failed")
	m.endSession(false, false)
}

// endSession tears down the active session. The first teardown wins;
// repeated calls are no-ops, so an inbound end racing a local hangup
// never double-releases or writes a second history record.
func (m *Manager) endSession(sendEnd, writeHistory bool) {
	m.mu.Lock()
	s := m.session
	if s == nil || s.ended {
		m.mu.Unlock()
		return
	}
	s.ended = true
	m.session = nil
	m.candidates.Discard(s.peerID)
	onQuality := m.onQuality
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "endSession",
		"peer_id":  s.peerID,
		"role":     s.role.String(),
	}).Info("Ending call session")

	if sendEnd {
		m.sendSignal(signaling.NewMessage(signaling.TypeEnd, m.selfID, s.peerID, m.clock.Now()))
	}

	s.monitor.Stop()
	if onQuality != nil && s.monitor.Level() != quality.LevelHigh {
		onQuality(quality.LevelHigh)
	}

	if s.screenTrack != nil {
		if err := s.screenTrack.Stop(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "endSession",
				"error":    err.Error(),
			}).Warn("Failed to stop screen track")
		}
	}
	s.localMedia.Stop()
	m.conns.Release()

	if writeHistory {
		m.writeHistory(s)
	}
}

// writeHistory persists the finished call. Failures are logged and
// never affect the call-ending transition.
func (m *Manager) writeHistory(s *session) {
	if m.recorder == nil {
		return
	}
	conversationID := history.ConversationID(m.selfID, s.peerID)
	rec := history.Record{
		Kind:            s.kind,
		DurationSeconds: s.durationSeconds(m.clock.Now()),
		Status:          history.StatusCompleted,
		Participants:    []string{m.selfID, s.peerID},
		CallerID:        s.initiatorID,
	}
	if err := m.recorder.SaveCallHistory(context.Background(), conversationID, rec); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "writeHistory",
			"conversation_id": conversationID,
			"error":           err.Error(),
		}).Warn("Failed to write call history")
	}
}

// handleSignal is the transport subscription handler. Stale and
// duplicate messages are dropped before dispatch.
func (m *Manager) handleSignal(msg *signaling.Message) {
	now := m.clock.Now()
	if msg.StaleAt(now, m.cfg.StalenessWindow) {
		logrus.WithFields(logrus.Fields{
			"function": "handleSignal",
			"type":     msg.Type,
			"sender":   msg.SenderID,
			"age":      now.Sub(msg.SentAt()),
		}).Debug("Dropping stale signaling message")
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if msg.ID != "" {
		if _, dup := m.seen[msg.ID]; dup {
			m.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function":   "handleSignal",
				"message_id": msg.ID,
			}).Debug("Dropping duplicate signaling message")
			return
		}
		m.seen[msg.ID] = struct{}{}
		m.seenOrder = append(m.seenOrder, msg.ID)
		if len(m.seenOrder) > seenLimit {
			delete(m.seen, m.seenOrder[0])
			m.seenOrder = m.seenOrder[1:]
		}
	}
	m.mu.Unlock()

	switch msg.Type {
	case signaling.TypeOffer:
		m.handleOffer(msg)
	case signaling.TypeAnswer:
		m.handleAnswer(msg)
	case signaling.TypeCandidate:
		m.handleCandidate(msg)
	case signaling.TypeEnd, signaling.TypeReject, signaling.TypeBusy:
		m.handleTerminal(msg)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleSignal",
			"type":     msg.Type,
		}).Warn("Ignoring unknown signaling message type")
	}
}

// handleOffer holds the offer as pending. A second offer from a
// different caller while one is pending is answered with busy; an
// offer while a call is active becomes the call-waiting pending
// offer.
func (m *Manager) handleOffer(msg *signaling.Message) {
	if msg.SDP == nil {
		return
	}
	kind := msg.CallKind
	if kind == "" {
		kind = signaling.KindAudio
	}

	m.mu.Lock()
	if m.pending != nil && m.pending.CallerID != msg.SenderID {
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":  "handleOffer",
			"caller_id": msg.SenderID,
		}).Info("Offer while another offer is pending, replying busy")
		m.sendSignal(signaling.NewMessage(signaling.TypeBusy, m.selfID, msg.SenderID, m.clock.Now()))
		return
	}
	offer := IncomingOffer{
		CallerID: msg.SenderID,
		Kind:     kind,
		SDP:      *msg.SDP,
	}
	m.pending = &offer
	onIncoming := m.onIncoming
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "handleOffer",
		"caller_id": offer.CallerID,
		"kind":      offer.Kind,
	}).Info("Incoming call offer")

	if onIncoming != nil {
		onIncoming(offer)
	}
	m.notifyState()
}

// handleAnswer applies the callee's answer and drains the candidate
// queue. Only meaningful for the caller of the active session.
func (m *Manager) handleAnswer(msg *signaling.Message) {
	if msg.SDP == nil {
		return
	}

	m.mu.Lock()
	s := m.session
	m.mu.Unlock()

	if s == nil || s.role != RoleCaller || s.peerID != msg.SenderID {
		logrus.WithFields(logrus.Fields{
			"function": "handleAnswer",
			"sender":   msg.SenderID,
		}).Debug("Dropping answer with no matching outbound call")
		return
	}

	if err := s.conn.SetRemoteDescription(*msg.SDP); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleAnswer",
			"error":    err.Error(),
		}).Error("Failed to apply remote answer")
		return
	}
	m.drainCandidates(s.conn, s.peerID)
}

// handleCandidate applies the candidate immediately when it belongs
// to the active session and a remote description exists, otherwise
// queues it in arrival order. Candidates from anyone other than the
// active peer or the pending offer's caller are unsolicited and
// dropped.
func (m *Manager) handleCandidate(msg *signaling.Message) {
	if msg.Candidate == nil {
		return
	}

	m.mu.Lock()
	s := m.session
	fromPeer := s != nil && s.peerID == msg.SenderID && !s.ended
	fromPendingCaller := m.pending != nil && m.pending.CallerID == msg.SenderID
	if !fromPeer && !fromPendingCaller {
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handleCandidate",
			"sender":   msg.SenderID,
		}).Debug("Dropping candidate from unrelated sender")
		return
	}
	if fromPeer && s.conn.HasRemoteDescription() {
		conn := s.conn
		m.mu.Unlock()
		if err := conn.AddICECandidate(*msg.Candidate); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleCandidate",
				"error":    err.Error(),
			}).Warn("Failed to apply remote candidate")
		}
		return
	}
	m.candidates.Push(msg.SenderID, *msg.Candidate)
	queued := m.candidates.Len()
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handleCandidate",
		"queued":   queued,
	}).Debug("Queued remote candidate until remote description is set")
}

// drainCandidates applies peerID's queued candidates in arrival
// order and removes them from the queue.
func (m *Manager) drainCandidates(conn peerconn.Conn, peerID string) {
	m.mu.Lock()
	candidates := m.candidates.Drain(peerID)
	m.mu.Unlock()

	for _, cand := range candidates {
		if err := conn.AddICECandidate(cand); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "drainCandidates",
				"error":    err.Error(),
			}).Warn("Failed to apply queued candidate")
		}
	}
	if len(candidates) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "drainCandidates",
			"count":    len(candidates),
		}).Debug("Applied queued remote candidates")
	}
}

// handleTerminal reacts to end, reject, and busy. It tears down
// local state without re-signaling and without a history record; it
// is a reaction, not an initiation.
func (m *Manager) handleTerminal(msg *signaling.Message) {
	m.mu.Lock()
	pendingMatches := m.pending != nil && m.pending.CallerID == msg.SenderID
	if pendingMatches {
		m.pending = nil
		m.candidates.Discard(msg.SenderID)
	}
	sessionMatches := m.session != nil && m.session.peerID == msg.SenderID
	m.mu.Unlock()

	if !pendingMatches && !sessionMatches {
		logrus.WithFields(logrus.Fields{
			"function": "handleTerminal",
			"type":     msg.Type,
			"sender":   msg.SenderID,
		}).Debug("Ignoring terminal message from unrelated peer")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleTerminal",
		"type":     msg.Type,
		"sender":   msg.SenderID,
	}).Info("Peer terminated the call")

	if sessionMatches {
		m.endSession(false, false)
	}
	m.notifyState()
}

// connHandlers wires a new connection's event sources back into the
// state machine. Candidates are emitted only while the session for
// peerID is active; events from a superseded connection are dropped.
func (m *Manager) connHandlers(peerID string) peerconn.Handlers {
	return peerconn.Handlers{
		OnLocalCandidate: func(cand webrtc.ICECandidateInit) {
			m.mu.Lock()
			active := m.session != nil && m.session.peerID == peerID && !m.session.ended
			establishing := m.establishing
			m.mu.Unlock()
			if !active && !establishing {
				return
			}
			msg := signaling.NewMessage(signaling.TypeCandidate, m.selfID, peerID, m.clock.Now())
			msg.Candidate = &cand
			m.sendSignal(msg)
		},
		OnRemoteStream: func(streamID string) {
			m.mu.Lock()
			s := m.session
			if s == nil || s.peerID != peerID || s.remoteStreamID != "" {
				m.mu.Unlock()
				return
			}
			s.remoteStreamID = streamID
			onRemote := m.onRemoteStream
			m.mu.Unlock()

			logrus.WithFields(logrus.Fields{
				"function":  "OnRemoteStream",
				"stream_id": streamID,
			}).Info("Remote media stream published")
			if onRemote != nil {
				onRemote(streamID)
			}
		},
		OnStateChange: func(state peerconn.State) {
			m.handleConnState(peerID, state)
		},
	}
}

// handleConnState starts quality monitoring and stamps the session
// start on connected, and treats disconnected/failed as an implicit
// end: teardown with a local history write and no further signaling.
func (m *Manager) handleConnState(peerID string, state peerconn.State) {
	m.mu.Lock()
	s := m.session
	if s == nil || s.peerID != peerID || s.ended {
		m.mu.Unlock()
		return
	}
	switch state {
	case peerconn.StateConnected:
		if s.startedAt.IsZero() {
			s.startedAt = m.clock.Now()
		}
		monitor := s.monitor
		m.mu.Unlock()
		monitor.Start()
	case peerconn.StateDisconnected, peerconn.StateFailed:
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handleConnState",
			"peer_id":  peerID,
			"state":    state.String(),
		}).Warn("Connection lost, ending call")
		m.endSession(false, true)
		m.notifyState()
	default:
		m.mu.Unlock()
	}
}

// sendSignal sends best effort: delivery failures are logged, never
// retried here.
func (m *Manager) sendSignal(msg *signaling.Message) {
	if err := m.transport.Send(msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendSignal",
			"type":     msg.Type,
			"receiver": msg.ReceiverID,
			"error":    err.Error(),
		}).Warn("Failed to send signaling message")
	}
}

// sendCallPush alerts the callee out of band so the call surfaces
// even when their client is backgrounded. Best effort.
func (m *Manager) sendCallPush(peerID string, kind signaling.CallKind) {
	title := m.selfID
	icon := ""
	if m.lookup != nil {
		if profile, err := m.lookup(m.selfID); err == nil && profile != nil {
			if profile.DisplayName != "" {
				title = profile.DisplayName
			}
			icon = profile.AvatarURL
		}
	}

	n := notify.Notification{
		ReceiverID: peerID,
		Title:      title,
		Body:       fmt.Sprintf("Incoming %s call...", kind),
		URL:        m.cfg.PushURL,
		Icon:       icon,
		Actions: []notify.Action{
			{Action: "answer", Title: "Answer"},
			{Action: "decline", Title: "Decline"},
		},
	}
	if err := m.push.SendNotification(context.Background(), n); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendCallPush",
			"receiver": peerID,
			"error":    err.Error(),
		}).Warn("Failed to send call push notification")
	}
}

func (m *Manager) clearEstablishing() {
	m.mu.Lock()
	m.establishing = false
	m.mu.Unlock()
}

func (m *Manager) notifyState() {
	m.mu.Lock()
	state := m.stateLocked()
	onState := m.onState
	m.mu.Unlock()
	if onState != nil {
		onState(state)
	}
}
