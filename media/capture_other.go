//go:build !linux || !cgo

package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// DeviceAcquirer is the capture backend. Only the Linux build wires
// pion/mediadevices; other platforms report capture as unsupported so
// calls degrade receive-only instead of failing to build.
type DeviceAcquirer struct{}

// NewDeviceAcquirer returns the stub acquirer for this platform.
func NewDeviceAcquirer(initialVideoBitrate int) (*DeviceAcquirer, error) {
	return &DeviceAcquirer{}, nil
}

// PopulateMediaEngine registers pion's default codecs; there is no
// local encoder to match on this platform.
func (a *DeviceAcquirer) PopulateMediaEngine(engine *webrtc.MediaEngine) {
	_ = engine.RegisterDefaultCodecs()
}

// AcquireUserMedia implements Acquirer.
func (a *DeviceAcquirer) AcquireUserMedia(ctx context.Context, withVideo bool) (*Stream, error) {
	return nil, ErrCaptureUnsupported
}

// AcquireDisplay implements Acquirer.
func (a *DeviceAcquirer) AcquireDisplay(ctx context.Context) (Track, error) {
	return nil, ErrCaptureUnsupported
}
