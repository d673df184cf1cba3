// Package peer owns one WebRTC peer connection through negotiation,
// candidate exchange and teardown.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/duocall/internal/media"
)

var log = logging.Logger("peer")

var ErrClosed = errors.New("peer: session closed")

// State is the reported connection state.
type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

func stateOf(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

// Handlers receive session events. They are called without any session
// lock held and never after Close.
type Handlers struct {
	OnLocalCandidate  func(webrtc.ICECandidateInit)
	OnRemoteTrack     func(track *media.RemoteTrack, stream *media.RemoteStream)
	OnConnectionState func(State)
}

type Session struct {
	id string
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	handlers    Handlers
	closed      bool
	remoteSet   bool
	pending     []webrtc.ICECandidateInit
	seen        map[string]struct{}
	remote      *media.RemoteStream
	videoSender *webrtc.RTPSender
}

// New creates a session on api. id only labels log lines.
func New(api *webrtc.API, cfg webrtc.Configuration, id string, h Handlers) (*Session, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	s := &Session{
		id:       id,
		pc:       pc,
		handlers: h,
		seen:     make(map[string]struct{}),
		remote:   media.NewRemoteStream(),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// End of gathering.
			return
		}
		s.emitLocal(c.ToJSON())
	})
	pc.OnTrack(s.onTrack)
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Infof("[%s]: connection state %s", s.id, st)
		s.mu.Lock()
		fn := s.handlers.OnConnectionState
		closed := s.closed
		s.mu.Unlock()
		if fn != nil && !closed {
			fn(stateOf(st))
		}
	})
	return s, nil
}

// emitLocal reports each distinct candidate once.
func (s *Session) emitLocal(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, dup := s.seen[c.Candidate]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[c.Candidate] = struct{}{}
	fn := s.handlers.OnLocalCandidate
	s.mu.Unlock()

	if fn != nil {
		fn(c)
	}
}

func (s *Session) onTrack(tr *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
	log.Infof("[%s]: remote %s track %s (%s)", s.id, tr.Kind(), tr.ID(), tr.Codec().MimeType)

	rt := media.NewRemoteTrack(tr.ID(), tr.Kind(), func() {
		if err := recv.Stop(); err != nil {
			log.Debugf("[%s]: stop receiver: %v", s.id, err)
		}
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		rt.Stop()
		return
	}
	added := s.remote.Add(rt)
	stream := s.remote
	fn := s.handlers.OnRemoteTrack
	s.mu.Unlock()
	if !added {
		return
	}

	if tr.Kind() == webrtc.RTPCodecTypeVideo {
		// Ask for a keyframe so the remote video starts without waiting for
		// the next scheduled one.
		if err := s.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(tr.SSRC())},
		}); err != nil {
			log.Debugf("[%s]: PLI: %v", s.id, err)
		}
	}

	go s.drain(tr, rt)

	if fn != nil {
		fn(rt, stream)
	}
}

// drain consumes RTP so the interceptors keep producing receiver reports.
func (s *Session) drain(tr *webrtc.TrackRemote, rt *media.RemoteTrack) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := tr.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) && !rt.Stopped() {
				log.Debugf("[%s]: remote track %s: %v", s.id, tr.ID(), err)
			}
			return
		}
	}
}

// CreateOffer attaches the local tracks, makes sure the offer carries an
// audio section and, for video calls, a video section, and sets the offer
// as the local description.
func (s *Session) CreateOffer(ctx context.Context, mode media.Mode, local *media.Stream) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}

	hasAudio, hasVideo, err := s.attachLocked(local)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if !hasAudio {
		if err := s.addRecvOnlyLocked(webrtc.RTPCodecTypeAudio); err != nil {
			return webrtc.SessionDescription{}, err
		}
	}
	if mode.IsVideo() && !hasVideo {
		if err := s.addRecvOnlyLocked(webrtc.RTPCodecTypeVideo); err != nil {
			return webrtc.SessionDescription{}, err
		}
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

// CreateAnswer applies the remote offer, attaches the local tracks and sets
// the answer as the local description. Reception follows the sections the
// offer carries; mode only labels the log line.
func (s *Session) CreateAnswer(ctx context.Context, offer webrtc.SessionDescription, mode media.Mode, local *media.Stream) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("invalid remote offer (type %q)", offer.Type)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}

	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	s.remoteSet = true
	s.flushLocked()
	log.Debugf("[%s]: answering %s offer", s.id, mode)

	if _, _, err := s.attachLocked(local); err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

// ApplyRemoteAnswer sets the remote answer once. Later calls report false
// and change nothing.
func (s *Session) ApplyRemoteAnswer(answer webrtc.SessionDescription) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if s.remoteSet || s.pc.RemoteDescription() != nil {
		return false, nil
	}
	if answer.Type != webrtc.SDPTypeAnswer || answer.SDP == "" {
		return false, fmt.Errorf("invalid remote answer (type %q)", answer.Type)
	}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return false, fmt.Errorf("set remote answer: %w", err)
	}
	s.remoteSet = true
	s.flushLocked()
	return true, nil
}

// AddRemoteCandidate applies c, or queues it until a remote description exists.
func (s *Session) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		return nil
	}
	return s.pc.AddICECandidate(c)
}

func (s *Session) flushLocked() {
	for _, c := range s.pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Warnf("[%s]: queued candidate: %v", s.id, err)
		}
	}
	if n := len(s.pending); n > 0 {
		log.Debugf("[%s]: applied %d queued candidates", s.id, n)
	}
	s.pending = nil
}

// AddOrReplaceVideoTrack puts t on the video sender, replacing the current
// video track when one is attached. Audio is not touched. It reports whether
// a new sender was added, which needs a renegotiation before media flows.
func (s *Session) AddOrReplaceVideoTrack(t *media.Track) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if s.videoSender != nil {
		if err := s.videoSender.ReplaceTrack(t); err != nil {
			return false, fmt.Errorf("replace video track: %w", err)
		}
		return false, nil
	}
	sender, err := s.pc.AddTrack(t)
	if err != nil {
		return false, fmt.Errorf("add video track: %w", err)
	}
	s.videoSender = sender
	go drainRTCP(sender)
	return true, nil
}

func (s *Session) attachLocked(local *media.Stream) (hasAudio, hasVideo bool, err error) {
	for _, t := range local.Tracks() {
		sender, err := s.pc.AddTrack(t)
		if err != nil {
			return hasAudio, hasVideo, fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		go drainRTCP(sender)
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			hasAudio = true
		case webrtc.RTPCodecTypeVideo:
			hasVideo = true
			s.videoSender = sender
		}
	}
	return hasAudio, hasVideo, nil
}

func (s *Session) addRecvOnlyLocked(kind webrtc.RTPCodecType) error {
	if _, err := s.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return fmt.Errorf("add %s transceiver: %w", kind, err)
	}
	return nil
}

// drainRTCP reads incoming RTCP so the sender's interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (s *Session) RemoteStream() *media.RemoteStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// ConnectionState is the current pion connection state, for diagnostics.
func (s *Session) ConnectionState() State {
	return stateOf(s.pc.ConnectionState())
}

// Close releases the connection and stops every remote track. Handlers are
// detached first. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.handlers = Handlers{}
	s.pending = nil
	remote := s.remote
	s.mu.Unlock()

	err := s.pc.Close()
	remote.Stop()
	return err
}
