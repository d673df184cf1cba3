// Package media acquires local capture tracks with a tiered fallback and
// wraps them in handles the call layer can mute and stop.
package media

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("media")

// Mode is the media configuration of a call.
type Mode string

const (
	Voice Mode = "voice"
	Video Mode = "video"
)

func (m Mode) IsVideo() bool { return m == Video }

// ModeOf maps the isVideo flag of a call record to a Mode.
func ModeOf(isVideo bool) Mode {
	if isVideo {
		return Video
	}
	return Voice
}

// Quality selects the first-tier video profile.
type Quality string

const (
	Standard    Quality = "standard"
	Constrained Quality = "constrained"
)

// Profile is a set of video constraints. Zero Max values mean "same as ideal".
type Profile struct {
	Width, Height       int
	MaxWidth, MaxHeight int
	FrameRate           float32
	MaxFrameRate        float32
}

var (
	// ConstrainedProfile keeps two clients on one machine within CPU budget.
	ConstrainedProfile = Profile{Width: 480, Height: 360, MaxWidth: 640, MaxHeight: 480, FrameRate: 15, MaxFrameRate: 24}
	StandardProfile    = Profile{Width: 1280, Height: 720, MaxWidth: 1920, MaxHeight: 1080, FrameRate: 30, MaxFrameRate: 30}
	// LowProfile is the fixed second tier.
	LowProfile = Profile{Width: 320, Height: 240, MaxWidth: 320, MaxHeight: 240, FrameRate: 15, MaxFrameRate: 15}
)

func ProfileFor(q Quality) Profile {
	if q == Constrained {
		return ConstrainedProfile
	}
	return StandardProfile
}

// Request describes one capture attempt. Video nil means no video track.
type Request struct {
	Audio bool
	Video *Profile
}

func (r Request) String() string {
	switch {
	case r.Audio && r.Video != nil:
		return "audio+video"
	case r.Video != nil:
		return "video"
	case r.Audio:
		return "audio"
	}
	return "none"
}

// Capturer opens device tracks. Implementations return a Stream holding
// exactly the requested kinds, or an error and no open handles.
type Capturer interface {
	Capture(ctx context.Context, req Request) (*Stream, error)
	// ConfigureMediaEngine registers the codecs the captured tracks encode to.
	ConfigureMediaEngine(me *webrtc.MediaEngine) error
}
