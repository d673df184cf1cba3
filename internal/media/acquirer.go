package media

import (
	"context"
	"errors"
	"fmt"
)

// Result of a successful acquisition. Mode is Voice when a video request
// fell back to audio only, in which case Downgraded is set.
type Result struct {
	Stream     *Stream
	Mode       Mode
	Downgraded bool
	// Tier is the 1-based fallback tier that succeeded.
	Tier int
}

// Acquirer applies the tiered capture policy on top of a Capturer.
type Acquirer struct {
	capturer Capturer
}

func NewAcquirer(c Capturer) *Acquirer {
	return &Acquirer{capturer: c}
}

// Acquire opens local media for a call. For video it tries the quality
// profile, then LowProfile, then audio only. Voice has no fallback. The
// caller owns the returned stream and must stop it.
func (a *Acquirer) Acquire(ctx context.Context, mode Mode, q Quality) (Result, error) {
	if mode != Video {
		s, err := a.capture(ctx, Request{Audio: true}, 1)
		if err != nil {
			return Result{}, Classify(err)
		}
		return Result{Stream: s, Mode: Voice, Tier: 1}, nil
	}

	p := ProfileFor(q)
	low := LowProfile
	tiers := []Request{
		{Audio: true, Video: &p},
		{Audio: true, Video: &low},
		{Audio: true},
	}
	var lastErr error
	for i, req := range tiers {
		s, err := a.capture(ctx, req, i+1)
		if err == nil {
			res := Result{Stream: s, Mode: Video, Tier: i + 1}
			if req.Video == nil {
				res.Mode, res.Downgraded = Voice, true
				log.Warnf("video unavailable, continuing with audio only")
			}
			return res, nil
		}
		if ctx.Err() != nil {
			return Result{}, Classify(ctx.Err())
		}
		lastErr = err
	}
	return Result{}, Classify(lastErr)
}

// AcquireVideo opens a single video track for upgrading a voice call,
// trying the quality profile and then LowProfile.
func (a *Acquirer) AcquireVideo(ctx context.Context, q Quality) (*Track, error) {
	p := ProfileFor(q)
	low := LowProfile
	var lastErr error
	for i, req := range []Request{{Video: &p}, {Video: &low}} {
		s, err := a.capture(ctx, req, i+1)
		if err != nil {
			if ctx.Err() != nil {
				return nil, Classify(ctx.Err())
			}
			lastErr = err
			continue
		}
		vt := s.VideoTracks()
		if len(vt) == 0 {
			s.Stop()
			lastErr = fmt.Errorf("capture returned no video track: %w", ErrNoDevices)
			continue
		}
		// Only the video track is handed out; release anything else.
		for _, t := range s.Tracks() {
			if t != vt[0] {
				t.Stop()
			}
		}
		return vt[0], nil
	}
	return nil, Classify(lastErr)
}

func (a *Acquirer) capture(ctx context.Context, req Request, tier int) (*Stream, error) {
	s, err := a.capturer.Capture(ctx, req)
	if err != nil {
		log.Infof("capture tier %d (%s) failed: %v", tier, req, err)
		return nil, err
	}
	if s == nil {
		return nil, errors.New("capturer returned no stream")
	}
	log.Debugf("capture tier %d (%s): %d tracks", tier, req, len(s.Tracks()))
	return s, nil
}
