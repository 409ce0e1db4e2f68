// Package quality implements connection quality monitoring and
// adaptive outbound bitrate control for an active call.
//
// A Monitor samples inbound video statistics on a fixed interval
// while the connection is up, classifies packet loss into a quality
// level, and applies a new maximum video bitrate to the sender only
// when the level changes. Sampling failures are logged and skipped;
// they are never fatal to the call.
package quality

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Level is the derived connection quality classification.
type Level int

const (
	// LevelHigh indicates packet loss at or below the medium threshold.
	LevelHigh Level = iota
	// LevelMedium indicates noticeable but tolerable packet loss.
	LevelMedium
	// LevelLow indicates heavy packet loss.
	LevelLow
)

// String returns the human-readable level name.
func (l Level) String() string {
	switch l {
	case LevelHigh:
		return "high"
	case LevelMedium:
		return "medium"
	case LevelLow:
		return "low"
	default:
		return "unknown"
	}
}

// Sample is one reading of cumulative inbound video statistics.
// Samples are consumed by the bitrate decision and discarded.
type Sample struct {
	BytesReceived   uint64
	PacketsLost     uint32
	PacketsReceived uint32
}

// LossPct returns the packet loss percentage for the sample, zero
// when no packets have been observed.
func (s Sample) LossPct() float64 {
	total := uint64(s.PacketsLost) + uint64(s.PacketsReceived)
	if total == 0 {
		return 0
	}
	return float64(s.PacketsLost) / float64(total) * 100.0
}

// Source provides inbound video statistics for sampling.
type Source interface {
	SampleVideoInbound() (Sample, error)
}

// Limiter applies an outbound video bitrate cap.
type Limiter interface {
	SetMaxVideoBitrate(bps uint32) error
}

// Config holds monitoring thresholds and the per-level bitrate caps.
type Config struct {
	// Interval between samples while the connection is up.
	Interval time.Duration

	// MediumLossPct and LowLossPct are the classification boundaries:
	// loss above LowLossPct is LevelLow, above MediumLossPct is
	// LevelMedium, otherwise LevelHigh.
	MediumLossPct float64
	LowLossPct    float64

	// Maximum outbound video bitrate per level, in bits per second.
	HighMaxBitrate   uint32
	MediumMaxBitrate uint32
	LowMaxBitrate    uint32
}

// DefaultConfig returns the monitoring defaults: a 2 second sample
// interval, 3%/10% loss boundaries, and 1.5 Mbps / 500 kbps /
// 150 kbps caps.
func DefaultConfig() *Config {
	return &Config{
		Interval:         2 * time.Second,
		MediumLossPct:    3.0,
		LowLossPct:       10.0,
		HighMaxBitrate:   1_500_000,
		MediumMaxBitrate: 500_000,
		LowMaxBitrate:    150_000,
	}
}

// Classify maps a loss percentage to a quality level.
func (c *Config) Classify(lossPct float64) Level {
	switch {
	case lossPct > c.LowLossPct:
		return LevelLow
	case lossPct > c.MediumLossPct:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// MaxBitrate returns the outbound video cap for a level.
func (c *Config) MaxBitrate(level Level) uint32 {
	switch level {
	case LevelLow:
		return c.LowMaxBitrate
	case LevelMedium:
		return c.MediumMaxBitrate
	default:
		return c.HighMaxBitrate
	}
}

// Monitor owns the sampling loop for one call. It is created per
// session, started when the connection reaches connected, and stopped
// on teardown. Start and Stop are idempotent.
type Monitor struct {
	cfg     *Config
	source  Source
	limiter Limiter

	mu       sync.Mutex
	level    Level
	running  bool
	stop     chan struct{}
	onChange func(Level)
}

// NewMonitor creates a monitor reading from source and applying caps
// through limiter. A nil config uses DefaultConfig.
func NewMonitor(cfg *Config, source Source, limiter Limiter) *Monitor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Monitor{
		cfg:     cfg,
		source:  source,
		limiter: limiter,
		level:   LevelHigh,
	}
}

// SetLevelCallback registers a callback invoked after each level
// change, outside the monitor's lock.
func (m *Monitor) SetLevelCallback(fn func(Level)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Level returns the most recent classification.
func (m *Monitor) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Start launches the sampling loop. A second Start while running is
// a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	stop := m.stop
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"interval": m.cfg.Interval,
	}).Debug("Quality monitoring started")

	go m.loop(stop)
}

// Stop halts the sampling loop. Stopping an already-stopped monitor
// is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Debug("Quality monitoring stopped")
}

func (m *Monitor) loop(stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.sampleOnce()
		}
	}
}

// sampleOnce performs a single sample-classify-apply cycle. The cap
// is applied exactly once per classification change, not every tick.
func (m *Monitor) sampleOnce() {
	sample, err := m.source.SampleVideoInbound()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sampleOnce",
			"error":    err.Error(),
		}).Warn("Stats unavailable, skipping tick")
		return
	}

	lossPct := sample.LossPct()
	newLevel := m.cfg.Classify(lossPct)

	m.mu.Lock()
	if newLevel == m.level {
		m.mu.Unlock()
		return
	}
	oldLevel := m.level
	m.level = newLevel
	onChange := m.onChange
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "sampleOnce",
		"old_level": oldLevel.String(),
		"new_level": newLevel.String(),
		"loss_pct":  lossPct,
	}).Info("Connection quality changed")

	if err := m.limiter.SetMaxVideoBitrate(m.cfg.MaxBitrate(newLevel)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sampleOnce",
			"level":    newLevel.String(),
			"error":    err.Error(),
		}).Warn("Failed to apply bitrate cap")
	}

	if onChange != nil {
		onChange(newLevel)
	}
}
