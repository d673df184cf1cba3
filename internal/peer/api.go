package peer

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Options configure the pion API shared by every session of a client.
type Options struct {
	// Codecs registers the codecs local tracks encode to. Nil registers
	// pion's defaults.
	Codecs func(*webrtc.MediaEngine) error

	// ICE agent timeouts; zero values keep pion's defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAlive           time.Duration
}

// NewAPI builds a webrtc.API with the configured codecs, the default
// interceptors (NACK, RTCP reports, TWCC) and the ICE timeouts.
func NewAPI(opts Options) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if opts.Codecs != nil {
		if err := opts.Codecs(mediaEngine); err != nil {
			return nil, err
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	if opts.DisconnectedTimeout > 0 && opts.FailedTimeout > 0 && opts.KeepAlive > 0 {
		se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAlive)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}
