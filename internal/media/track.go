package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Track is a local capture track. It is itself a webrtc.TrackLocal: packets
// written while the track is disabled are dropped, so muting never needs a
// renegotiation.
type Track struct {
	inner   webrtc.TrackLocal
	closeFn func() error

	enabled  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// NewTrack wraps inner. closeFn releases the device handle and may be nil.
func NewTrack(inner webrtc.TrackLocal, closeFn func() error) *Track {
	t := &Track{inner: inner, closeFn: closeFn}
	t.enabled.Store(true)
	return t
}

func (t *Track) Enabled() bool            { return t.enabled.Load() }
func (t *Track) SetEnabled(on bool)       { t.enabled.Store(on) }
func (t *Track) Stopped() bool            { return t.stopped.Load() }
func (t *Track) Inner() webrtc.TrackLocal { return t.inner }

// Stop releases the device. Safe to call more than once.
func (t *Track) Stop() error {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		t.enabled.Store(false)
		if t.closeFn != nil {
			t.stopErr = t.closeFn()
		}
	})
	return t.stopErr
}

func (t *Track) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return t.inner.Bind(gatedContext{TrackLocalContext: ctx, track: t})
}

func (t *Track) Unbind(ctx webrtc.TrackLocalContext) error {
	return t.inner.Unbind(gatedContext{TrackLocalContext: ctx, track: t})
}

func (t *Track) ID() string                { return t.inner.ID() }
func (t *Track) RID() string               { return t.inner.RID() }
func (t *Track) StreamID() string          { return t.inner.StreamID() }
func (t *Track) Kind() webrtc.RTPCodecType { return t.inner.Kind() }

// gatedContext hands the inner track a writer that honours Enabled.
type gatedContext struct {
	webrtc.TrackLocalContext
	track *Track
}

func (c gatedContext) WriteStream() webrtc.TrackLocalWriter {
	return gatedWriter{w: c.TrackLocalContext.WriteStream(), track: c.track}
}

type gatedWriter struct {
	w     webrtc.TrackLocalWriter
	track *Track
}

func (g gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !g.track.Enabled() {
		return len(payload), nil
	}
	return g.w.WriteRTP(header, payload)
}

func (g gatedWriter) Write(b []byte) (int, error) {
	if !g.track.Enabled() {
		return len(b), nil
	}
	return g.w.Write(b)
}
