//go:build !linux

package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// DeviceCapturer has no capture drivers on this platform; every request
// fails with device-not-found and calls can only receive media.
type DeviceCapturer struct{}

func NewDeviceCapturer() (*DeviceCapturer, error) {
	return &DeviceCapturer{}, nil
}

func (c *DeviceCapturer) ConfigureMediaEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (c *DeviceCapturer) Capture(ctx context.Context, req Request) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNoDevices
}
