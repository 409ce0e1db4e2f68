package peerconn

import (
	"errors"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/prasanna172605/snugglecall/media"
	"github.com/prasanna172605/snugglecall/quality"
)

// Connection errors.
var (
	// ErrConnClosed is returned by operations on a closed connection.
	ErrConnClosed = errors.New("peer connection is closed")
	// ErrNoVideoSender is returned by ReplaceVideoTrack when no video
	// track was ever added.
	ErrNoVideoSender = errors.New("no video sender on connection")
	// ErrNoVideoStats is returned when the stats report carries no
	// inbound video stream yet.
	ErrNoVideoStats = errors.New("no inbound video statistics available")
)

// Config holds the connection parameters.
type Config struct {
	// STUNServers are the ICE server URLs used for candidate
	// discovery. No TURN relay is configured; calls across symmetric
	// NATs may fail to connect.
	STUNServers []string

	// ConfigureMediaEngine optionally registers codecs on the media
	// engine. When nil the pion default codecs are registered. The
	// capture layer supplies this so the negotiated codecs match the
	// encoders it produces.
	ConfigureMediaEngine func(*webrtc.MediaEngine) error
}

// DefaultConfig returns the production connection parameters.
func DefaultConfig() *Config {
	return &Config{
		STUNServers: []string{
			"stun:stun1.l.google.com:19302",
			"stun:stun2.l.google.com:19302",
		},
	}
}

// PionFactory creates pion-backed connections.
type PionFactory struct {
	config *Config
}

// NewPionFactory creates a factory. A nil config selects
// DefaultConfig.
func NewPionFactory(config *Config) *PionFactory {
	if config == nil {
		config = DefaultConfig()
	}
	return &PionFactory{config: config}
}

// NewConn builds a peer connection with the configured media engine,
// default interceptors, and the handlers wired to pion's callbacks.
func (f *PionFactory) NewConn(handlers Handlers) (Conn, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if f.config.ConfigureMediaEngine != nil {
		if err := f.config.ConfigureMediaEngine(mediaEngine); err != nil {
			return nil, err
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: f.config.STUNServers},
		},
	})
	if err != nil {
		return nil, err
	}

	c := &pionConn{
		pc:       pc,
		handlers: handlers,
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		// nil marks the end of candidate gathering.
		if cand == nil {
			return
		}
		if c.handlers.OnLocalCandidate != nil {
			c.handlers.OnLocalCandidate(cand.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.publishRemoteStream(track.StreamID())
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logrus.WithFields(logrus.Fields{
			"function": "OnConnectionStateChange",
			"state":    state.String(),
		}).Debug("Peer connection state changed")
		if c.handlers.OnStateChange != nil {
			c.handlers.OnStateChange(mapPeerState(state))
		}
	})

	return c, nil
}

func mapPeerState(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	default:
		return StateClosed
	}
}

// pionConn adapts a webrtc.PeerConnection to the Conn interface.
type pionConn struct {
	pc       *webrtc.PeerConnection
	handlers Handlers

	mu              sync.Mutex
	closed          bool
	videoSender     *webrtc.RTPSender
	remoteStreamID  string
	maxVideoBitrate uint32
}

func (c *pionConn) publishRemoteStream(streamID string) {
	c.mu.Lock()
	// First stream wins; later tracks of the same stream and any
	// second stream are not re-published.
	if c.remoteStreamID != "" {
		c.mu.Unlock()
		return
	}
	c.remoteStreamID = streamID
	c.mu.Unlock()

	if c.handlers.OnRemoteStream != nil {
		c.handlers.OnRemoteStream(streamID)
	}
}

func (c *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *pionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConn) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *pionConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(cand)
}

func (c *pionConn) AddTrack(t media.Track) error {
	sender, err := c.pc.AddTrack(t.Local())
	if err != nil {
		return err
	}
	if t.Kind() == media.TrackVideo {
		c.mu.Lock()
		c.videoSender = sender
		c.mu.Unlock()
	}
	return nil
}

func (c *pionConn) ReplaceVideoTrack(t media.Track) error {
	c.mu.Lock()
	sender := c.videoSender
	c.mu.Unlock()

	if sender == nil {
		return ErrNoVideoSender
	}
	return sender.ReplaceTrack(t.Local())
}

// SampleVideoInbound reads the inbound video RTP statistics from the
// pion stats report.
func (c *pionConn) SampleVideoInbound() (quality.Sample, error) {
	report := c.pc.GetStats()
	for _, stat := range report {
		inbound, ok := stat.(webrtc.InboundRTPStreamStats)
		if !ok || inbound.Kind != "video" {
			continue
		}
		var lost uint32
		if inbound.PacketsLost > 0 {
			lost = uint32(inbound.PacketsLost)
		}
		return quality.Sample{
			BytesReceived:   inbound.BytesReceived,
			PacketsLost:     lost,
			PacketsReceived: inbound.PacketsReceived,
		}, nil
	}
	return quality.Sample{}, ErrNoVideoStats
}

// SetMaxVideoBitrate records the cap requested by the quality
// monitor. Pion senders have no per-sender bitrate parameter; the
// recorded value steers the capture layer's encoder target.
func (c *pionConn) SetMaxVideoBitrate(bps uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.maxVideoBitrate = bps
	return nil
}

// MaxVideoBitrate returns the last cap applied, or zero.
func (c *pionConn) MaxVideoBitrate() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxVideoBitrate
}

func (c *pionConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.pc.Close()
}
