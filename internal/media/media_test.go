package media

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/pion/webrtc/v4"
)

type fakeCapturer struct {
	requests []Request
	fail     func(req Request) error
	opened   []*Track
}

func (f *fakeCapturer) ConfigureMediaEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (f *fakeCapturer) Capture(ctx context.Context, req Request) (*Stream, error) {
	f.requests = append(f.requests, req)
	if f.fail != nil {
		if err := f.fail(req); err != nil {
			return nil, err
		}
	}
	s := NewStream()
	if req.Audio {
		s.AddTrack(f.track(webrtc.MimeTypeOpus, "audio"))
	}
	if req.Video != nil {
		s.AddTrack(f.track(webrtc.MimeTypeVP8, "video"))
	}
	return s, nil
}

func (f *fakeCapturer) track(mime, id string) *Track {
	inner, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "local")
	if err != nil {
		panic(err)
	}
	t := NewTrack(inner, nil)
	f.opened = append(f.opened, t)
	return t
}

func TestAcquireVideoFirstTier(t *testing.T) {
	fc := &fakeCapturer{}
	res, err := NewAcquirer(fc).Acquire(context.Background(), Video, Constrained)
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != Video || res.Downgraded || res.Tier != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Stream.AudioTracks()) != 1 || len(res.Stream.VideoTracks()) != 1 {
		t.Fatalf("expected one audio and one video track, got %d tracks", len(res.Stream.Tracks()))
	}
	if got := *fc.requests[0].Video; got != ConstrainedProfile {
		t.Fatalf("first tier profile = %+v", got)
	}
}

func TestAcquireFallsBackToAudioOnly(t *testing.T) {
	fc := &fakeCapturer{fail: func(req Request) error {
		if req.Video == nil {
			return nil
		}
		if *req.Video == LowProfile {
			return errors.New("low quality video failed")
		}
		return fmt.Errorf("open /dev/video0: %w", syscall.EBUSY)
	}}

	res, err := NewAcquirer(fc).Acquire(context.Background(), Video, Standard)
	if err != nil {
		t.Fatal(err)
	}
	if len(fc.requests) != 3 {
		t.Fatalf("expected three tiers, got %d", len(fc.requests))
	}
	if *fc.requests[0].Video != StandardProfile || *fc.requests[1].Video != LowProfile || fc.requests[2].Video != nil {
		t.Fatalf("unexpected tier order: %v", fc.requests)
	}
	if res.Mode != Voice || !res.Downgraded || res.Tier != 3 {
		t.Fatalf("expected downgraded voice result, got %+v", res)
	}
	if len(res.Stream.VideoTracks()) != 0 {
		t.Fatal("audio-only result must not carry a video track")
	}
}

func TestAcquireVoiceHasNoFallback(t *testing.T) {
	fc := &fakeCapturer{fail: func(Request) error { return fmt.Errorf("open mic: %w", syscall.EACCES) }}
	_, err := NewAcquirer(fc).Acquire(context.Background(), Voice, Standard)
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("expected *Failure, got %v", err)
	}
	if f.Kind != PermissionDenied {
		t.Fatalf("kind = %s", f.Kind)
	}
	if len(fc.requests) != 1 {
		t.Fatalf("voice should be attempted once, got %d", len(fc.requests))
	}
}

func TestAcquireSurfacesLastFailure(t *testing.T) {
	fc := &fakeCapturer{fail: func(Request) error { return ErrNoDevices }}
	_, err := NewAcquirer(fc).Acquire(context.Background(), Video, Standard)
	var f *Failure
	if !errors.As(err, &f) || f.Kind != DeviceNotFound {
		t.Fatalf("expected device-not-found, got %v", err)
	}
	if len(fc.requests) != 3 {
		t.Fatalf("all tiers should be attempted, got %d", len(fc.requests))
	}
}

func TestAcquireVideoForUpgrade(t *testing.T) {
	fc := &fakeCapturer{}
	tr, err := NewAcquirer(fc).AcquireVideo(context.Background(), Standard)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Kind() != webrtc.RTPCodecTypeVideo {
		t.Fatalf("kind = %s", tr.Kind())
	}
	if fc.requests[0].Audio {
		t.Fatal("upgrade must not open another microphone")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want FailureKind
	}{
		{fmt.Errorf("x: %w", syscall.EACCES), PermissionDenied},
		{fmt.Errorf("x: %w", syscall.EBUSY), DeviceBusy},
		{ErrNoDevices, DeviceNotFound},
		{errors.New("failed to find the best driver that fits the constraints"), ConstraintsUnsupported},
		{errors.New("device or resource busy"), DeviceBusy},
		{errors.New("something odd"), Other},
	}
	for _, tc := range cases {
		if got := Classify(tc.err).Kind; got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.err, got, tc.want)
		}
	}
	f := &Failure{Kind: DeviceBusy, Err: errors.New("busy")}
	if Classify(fmt.Errorf("wrapped: %w", f)) != f {
		t.Fatal("an existing Failure should be returned unchanged")
	}
}

func TestTrackStopIsIdempotent(t *testing.T) {
	closes := 0
	inner, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "a", "s")
	if err != nil {
		t.Fatal(err)
	}
	tr := NewTrack(inner, func() error { closes++; return nil })
	if !tr.Enabled() {
		t.Fatal("new tracks start enabled")
	}
	tr.SetEnabled(false)
	if tr.Enabled() {
		t.Fatal("SetEnabled(false) did not stick")
	}
	tr.Stop()
	tr.Stop()
	if closes != 1 || !tr.Stopped() {
		t.Fatalf("closes = %d, stopped = %v", closes, tr.Stopped())
	}
}

func TestRemoteStreamAggregates(t *testing.T) {
	rs := NewRemoteStream()
	stops := 0
	a := NewRemoteTrack("a", webrtc.RTPCodecTypeAudio, func() { stops++ })
	v := NewRemoteTrack("v", webrtc.RTPCodecTypeVideo, func() { stops++ })
	if !rs.Add(a) || !rs.Add(v) {
		t.Fatal("new tracks should be added")
	}
	if rs.Add(NewRemoteTrack("a", webrtc.RTPCodecTypeAudio, nil)) {
		t.Fatal("duplicate id should be ignored")
	}
	if !rs.HasVideo() || len(rs.Tracks()) != 2 {
		t.Fatalf("unexpected stream: %d tracks", len(rs.Tracks()))
	}
	rs.Stop()
	rs.Stop()
	if stops != 2 || !a.Stopped() || !v.Stopped() {
		t.Fatalf("stops = %d", stops)
	}
}
