//go:build linux && cgo

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// DeviceAcquirer captures camera, microphone and screen through
// pion/mediadevices (V4L2, malgo and X11 on Linux), encoding with VP8
// and Opus.
type DeviceAcquirer struct {
	selector *mediadevices.CodecSelector
}

// NewDeviceAcquirer builds the VP8+Opus codec selector.
// initialVideoBitrate seeds the VP8 encoder; 0 picks 1.5 Mbps.
func NewDeviceAcquirer(initialVideoBitrate int) (*DeviceAcquirer, error) {
	if initialVideoBitrate <= 0 {
		initialVideoBitrate = 1_500_000
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("media: vp8 params: %w", err)
	}
	vpxParams.BitRate = initialVideoBitrate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("media: opus params: %w", err)
	}

	return &DeviceAcquirer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// PopulateMediaEngine registers the acquirer's codecs on the media
// engine used to build peer connections. Must be called on the same
// engine the connection factory uses, or negotiation will not include
// the capture codecs.
func (a *DeviceAcquirer) PopulateMediaEngine(engine *webrtc.MediaEngine) {
	a.selector.Populate(engine)
}

// AcquireUserMedia implements Acquirer. Audio is always requested;
// video only when withVideo is set.
func (a *DeviceAcquirer) AcquireUserMedia(ctx context.Context, withVideo bool) (*Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: a.selector}
	constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	if withVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only: some cameras expose an MJPEG node that
			// emits malformed frames and poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "AcquireUserMedia",
			"with_video": withVideo,
			"error":      err.Error(),
		}).Warn("Device capture failed")
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}

	tracks := make([]Track, 0, 2)
	for _, t := range stream.GetTracks() {
		tracks = append(tracks, wrapDeviceTrack(t))
	}

	logrus.WithFields(logrus.Fields{
		"function":    "AcquireUserMedia",
		"with_video":  withVideo,
		"track_count": len(tracks),
	}).Info("Local media captured")

	return NewStream(tracks...), nil
}

// AcquireDisplay implements Acquirer: one screen-capture video track.
func (a *DeviceAcquirer) AcquireDisplay(ctx context.Context) (Track, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: a.selector,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "AcquireDisplay",
			"error":    err.Error(),
		}).Warn("Screen capture failed")
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}

	videos := stream.GetVideoTracks()
	if len(videos) == 0 {
		return nil, ErrNoDevice
	}
	return wrapDeviceTrack(videos[0]), nil
}

// wrapDeviceTrack adapts a mediadevices track, forwarding the
// platform's own end-of-track notification.
func wrapDeviceTrack(t mediadevices.Track) *StaticTrack {
	kind := TrackAudio
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		kind = TrackVideo
	}
	wrapped := NewStaticTrack(kind, t, t.Close)
	t.OnEnded(func(err error) {
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "wrapDeviceTrack",
				"kind":     string(kind),
				"error":    err.Error(),
			}).Debug("Capture track ended")
		}
		wrapped.FireEnded()
	})
	return wrapped
}
