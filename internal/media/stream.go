package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
)

// Stream groups the local tracks of one call.
type Stream struct {
	mu     sync.Mutex
	tracks []*Track
}

func NewStream(tracks ...*Track) *Stream {
	return &Stream{tracks: tracks}
}

func (s *Stream) AddTrack(t *Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *Stream) Tracks() []*Track {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Track(nil), s.tracks...)
}

func (s *Stream) AudioTracks() []*Track { return s.ofKind(webrtc.RTPCodecTypeAudio) }
func (s *Stream) VideoTracks() []*Track { return s.ofKind(webrtc.RTPCodecTypeVideo) }

func (s *Stream) ofKind(kind webrtc.RTPCodecType) []*Track {
	var out []*Track
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Stop stops every track and returns the combined close errors.
func (s *Stream) Stop() error {
	var err error
	for _, t := range s.Tracks() {
		err = multierr.Append(err, t.Stop())
	}
	return err
}
