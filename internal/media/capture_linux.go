//go:build linux

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceCapturer captures the local camera and microphone (V4L2 and malgo)
// and encodes them to VP8 and Opus.
type DeviceCapturer struct {
	selector *mediadevices.CodecSelector
}

func NewDeviceCapturer() (*DeviceCapturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceCapturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (c *DeviceCapturer) ConfigureMediaEngine(me *webrtc.MediaEngine) error {
	c.selector.Populate(me)
	return nil
}

func (c *DeviceCapturer) Capture(ctx context.Context, req Request) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !req.Audio && req.Video == nil {
		return nil, fmt.Errorf("empty capture request")
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
	if p := req.Video; p != nil {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only: some cameras expose an MJPEG node whose frames
			// break the VP8 encoder.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Ideal: p.Width, Max: p.MaxWidth}
			mc.Height = prop.IntRanged{Ideal: p.Height, Max: p.MaxHeight}
			mc.FrameRate = prop.FloatRanged{Ideal: p.FrameRate, Max: p.MaxFrameRate}
		}
	}
	if req.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, ErrNoDevices
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}

	stream := NewStream()
	for _, mt := range ms.GetTracks() {
		mt := mt
		mt.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("local %s track ended: %v", mt.Kind(), err)
			}
		})
		stream.AddTrack(NewTrack(mt, mt.Close))
	}
	if req.Video != nil && len(stream.VideoTracks()) == 0 {
		stream.Stop()
		return nil, fmt.Errorf("camera: %w", ErrNoDevices)
	}
	if req.Audio && len(stream.AudioTracks()) == 0 {
		stream.Stop()
		return nil, fmt.Errorf("microphone: %w", ErrNoDevices)
	}
	return stream, nil
}
