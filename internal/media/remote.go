package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// RemoteTrack is the handle of one received track.
type RemoteTrack struct {
	id      string
	kind    webrtc.RTPCodecType
	stop    func()
	once    sync.Once
	stopped atomic.Bool
}

// NewRemoteTrack creates a handle; stop is called once by Stop and may be nil.
func NewRemoteTrack(id string, kind webrtc.RTPCodecType, stop func()) *RemoteTrack {
	return &RemoteTrack{id: id, kind: kind, stop: stop}
}

func (t *RemoteTrack) ID() string                { return t.id }
func (t *RemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *RemoteTrack) Stopped() bool             { return t.stopped.Load() }

func (t *RemoteTrack) Stop() {
	t.once.Do(func() {
		t.stopped.Store(true)
		if t.stop != nil {
			t.stop()
		}
	})
}

// RemoteStream aggregates remote tracks that arrive on separate events.
type RemoteStream struct {
	mu     sync.Mutex
	tracks []*RemoteTrack
}

func NewRemoteStream() *RemoteStream { return &RemoteStream{} }

// Add appends t unless a track with the same id is already present.
func (s *RemoteStream) Add(t *RemoteTrack) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.tracks {
		if have.id == t.id {
			return false
		}
	}
	s.tracks = append(s.tracks, t)
	return true
}

func (s *RemoteStream) Tracks() []*RemoteTrack {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*RemoteTrack(nil), s.tracks...)
}

func (s *RemoteStream) HasVideo() bool {
	for _, t := range s.Tracks() {
		if t.kind == webrtc.RTPCodecTypeVideo {
			return true
		}
	}
	return false
}

func (s *RemoteStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
