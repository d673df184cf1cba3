// Package call is the call state machine. It coordinates local media, the
// peer connection and the signaling channel for one call at a time.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"

	"github.com/petervdpas/duocall/internal/media"
	"github.com/petervdpas/duocall/internal/peer"
	"github.com/petervdpas/duocall/internal/presence"
	"github.com/petervdpas/duocall/internal/signaling"
	"github.com/petervdpas/duocall/internal/util"
)

var log = logging.Logger("call")

type Options struct {
	Identity presence.Provider
	Signaler Signaler
	NewPeer  PeerFactory
	Media    Acquirer
	Quality  media.Quality

	// Clock drives the duration and ring timers. Defaults to the wall clock.
	Clock clock.Clock
	// RingTimeout hangs up unanswered outgoing calls. 0 disables it.
	RingTimeout time.Duration
	// StaleAfter must match the signaling channel's threshold.
	StaleAfter  time.Duration
	HistorySize int
	// Recorder is optional.
	Recorder Recorder
}

// Manager owns the single live call of this client. Every transition runs
// under mu; slow work (media, negotiation, store I/O) runs outside it and
// re-checks that its session is still current before applying results.
type Manager struct {
	id          presence.Provider
	sig         Signaler
	newPeer     PeerFactory
	media       Acquirer
	quality     media.Quality
	clock       clock.Clock
	ringTimeout time.Duration
	staleAfter  time.Duration
	recorder    Recorder
	history     *util.RingBuffer[HistoryEntry]

	mu      sync.Mutex
	phase   Phase
	sess    *session
	ending  *session
	ringing *signaling.CallRecord
	// pendingIncoming is set when a call arrived while busy; it is looked
	// up again once the current call ends.
	pendingIncoming bool
	stopIncoming    func()
	closed          bool
	subs            map[chan Snapshot]struct{}
}

func New(opts Options) (*Manager, error) {
	if opts.Identity == nil || opts.Signaler == nil || opts.NewPeer == nil || opts.Media == nil {
		return nil, errors.New("call: identity, signaler, peer factory and media are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Quality == "" {
		opts.Quality = media.Standard
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 50
	}
	return &Manager{
		id:          opts.Identity,
		sig:         opts.Signaler,
		newPeer:     opts.NewPeer,
		media:       opts.Media,
		quality:     opts.Quality,
		clock:       opts.Clock,
		ringTimeout: opts.RingTimeout,
		staleAfter:  opts.StaleAfter,
		recorder:    opts.Recorder,
		history:     util.NewRingBuffer[HistoryEntry](opts.HistorySize),
		phase:       Idle,
		subs:        make(map[chan Snapshot]struct{}),
	}, nil
}

// Start begins watching for incoming calls.
func (m *Manager) Start(ctx context.Context) error {
	me := m.id.CurrentUser()
	events, cancel, err := m.sig.WatchIncomingCalls(context.WithoutCancel(ctx), me.ID)
	if err != nil {
		return fmt.Errorf("watch incoming calls: %w", err)
	}
	m.mu.Lock()
	if m.stopIncoming != nil || m.closed {
		m.mu.Unlock()
		cancel()
		return errors.New("call: manager already started or closed")
	}
	m.stopIncoming = cancel
	m.mu.Unlock()

	go func() {
		for ev := range events {
			m.onIncoming(ev)
		}
	}()
	log.Infof("[%s]: watching for incoming calls", me.ID)
	return nil
}

// Close stops watching and hangs up any call.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	stop := m.stopIncoming
	m.stopIncoming = nil
	for ch := range m.subs {
		delete(m.subs, ch)
		close(ch)
	}
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
	return m.HangUp(ctx)
}

// ── outgoing ────────────────────────────────────────────────────────────────

// Initiate calls calleeID. It returns once the offer is published; the call
// becomes Active when the answer arrives. While another call exists it
// fails with ErrBusy and changes nothing.
func (m *Manager) Initiate(ctx context.Context, calleeID string, mode media.Mode) error {
	calleeID, err := util.ValidateUserID(calleeID)
	if err != nil {
		return err
	}
	me := m.id.CurrentUser()
	if calleeID == me.ID {
		return ErrSelfCall
	}
	if mode != media.Video {
		mode = media.Voice
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("call: manager closed")
	}
	if m.phase != Idle || m.sess != nil {
		m.mu.Unlock()
		return ErrBusy
	}
	s := newSession(Outgoing, calleeID, calleeID, mode, m.clock.Now())
	m.sess = s
	m.phase = Connecting
	m.notifyLocked()
	m.mu.Unlock()
	log.Infof("[%s]: calling %s (%s)", s.callID, calleeID, mode)

	if err := m.acquire(ctx, s, mode); err != nil {
		return m.fail(s, MediaFailure, "initiate", err)
	}
	pc, err := m.attachPeer(s)
	if err != nil {
		return m.fail(s, NegotiationFailure, "initiate", err)
	}

	m.mu.Lock()
	offerMode, local := s.mode, s.local
	m.mu.Unlock()
	offer, err := pc.CreateOffer(ctx, offerMode, local)
	if !m.isCurrent(s) {
		return ErrAbandoned
	}
	if err != nil {
		return m.fail(s, NegotiationFailure, "initiate", err)
	}

	err = m.sig.PublishOffer(ctx, signaling.CallRecord{
		Caller:     me.ID,
		CallerName: me.Name,
		Callee:     calleeID,
		IsVideo:    offerMode.IsVideo(),
		Timestamp:  m.clock.Now().UnixMilli(),
		Offer:      signaling.FromWebRTC(offer),
	})
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		if err == nil {
			// Hung up while publishing: the record is ours and nobody else
			// will remove it.
			m.teardown(s.callID)
		}
		return ErrAbandoned
	}
	if err != nil {
		m.mu.Unlock()
		return m.fail(s, SignalingFailure, "initiate", err)
	}
	s.ownsRecord = true
	s.published = true
	pending := s.pendingLocal
	s.pendingLocal = nil
	m.mu.Unlock()
	go m.relay(s, pending...)

	answers, stopAnswers, err := m.sig.WatchForAnswer(context.Background(), s.callID)
	if err != nil {
		return m.fail(s, SignalingFailure, "initiate", err)
	}
	cands, stopCands, err := m.sig.WatchCandidates(context.Background(), s.callID, signaling.Callee)
	if err != nil {
		stopAnswers()
		return m.fail(s, SignalingFailure, "initiate", err)
	}
	if !m.adopt(s, stopAnswers, stopCands) {
		return ErrAbandoned
	}
	go m.consumeAnswers(s, answers)
	go m.consumeCandidates(s, cands)

	m.mu.Lock()
	if m.sess == s && m.ringTimeout > 0 && !s.activated && !s.timersStopped {
		s.ringTimer = m.clock.AfterFunc(m.ringTimeout, func() { m.onRingTimeout(s) })
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) consumeAnswers(s *session, ch <-chan signaling.AnswerEvent) {
	for ev := range ch {
		m.onAnswer(s, ev)
	}
}

func (m *Manager) onAnswer(s *session, ev signaling.AnswerEvent) {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return
	}
	if !ev.Exists {
		// The initial snapshot may predate our own write.
		seen := s.recordSeen
		m.mu.Unlock()
		if seen {
			log.Infof("[%s]: call record removed, %s ended the call", s.callID, s.peerID)
			m.endSession(s, EndRemote)
		}
		return
	}
	if ev.Record.Caller != m.id.CurrentUser().ID {
		// Someone replaced our record; it is theirs to delete now.
		s.ownsRecord = false
		m.mu.Unlock()
		log.Warnf("[%s]: call record taken over by %s", s.callID, ev.Record.Caller)
		m.endSession(s, EndRemote)
		return
	}
	s.recordSeen = true
	if !ev.Record.Answered() || s.answerApplied {
		m.mu.Unlock()
		return
	}
	s.answerApplied = true
	pc := s.pc
	m.mu.Unlock()

	applied, err := pc.ApplyRemoteAnswer(ev.Record.Answer.WebRTC())
	if err != nil {
		log.Errorf("[%s]: apply answer: %v", s.callID, err)
		m.endSession(s, EndFailed)
		return
	}
	if !applied {
		return
	}
	log.Infof("[%s]: answer applied", s.callID)

	m.mu.Lock()
	if m.sess == s {
		m.activateLocked(s)
		m.notifyLocked()
	}
	m.mu.Unlock()
}

func (m *Manager) onRingTimeout(s *session) {
	m.mu.Lock()
	unanswered := m.sess == s && !s.activated
	m.mu.Unlock()
	if unanswered {
		log.Infof("[%s]: no answer after %s", s.callID, m.ringTimeout)
		m.endSession(s, EndNoAnswer)
	}
}

// ── incoming ────────────────────────────────────────────────────────────────

// Accept answers the ringing call callID.
func (m *Manager) Accept(ctx context.Context, callID string) error {
	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		return ErrBusy
	}
	if m.phase != Ringing || m.ringing == nil || m.ringing.ID() != callID {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	rec := *m.ringing
	m.ringing = nil
	s := newSession(Incoming, callID, rec.Caller, rec.Mode(), m.clock.Now())
	s.peerName = rec.CallerName
	s.ownsRecord = true
	s.recordSeen = true
	m.sess = s
	m.phase = Connecting
	m.notifyLocked()
	m.mu.Unlock()
	log.Infof("[%s]: accepting %s call from %s", callID, rec.Mode(), rec.Caller)

	fresh, err := m.sig.FetchCall(ctx, callID)
	if !m.isCurrent(s) {
		return ErrAbandoned
	}
	if err != nil {
		return m.fail(s, SignalingFailure, "accept", err)
	}
	if fresh.Caller != rec.Caller || fresh.Offer == nil || fresh.Offer.Body == "" {
		return m.fail(s, NegotiationFailure, "accept", errors.New("call record carries no usable offer"))
	}

	if err := m.acquire(ctx, s, fresh.Mode()); err != nil {
		return m.fail(s, MediaFailure, "accept", err)
	}
	pc, err := m.attachPeer(s)
	if err != nil {
		return m.fail(s, NegotiationFailure, "accept", err)
	}

	m.mu.Lock()
	answerMode, local := s.mode, s.local
	m.mu.Unlock()
	answer, err := pc.CreateAnswer(ctx, fresh.Offer.WebRTC(), answerMode, local)
	if !m.isCurrent(s) {
		return ErrAbandoned
	}
	if err != nil {
		return m.fail(s, NegotiationFailure, "accept", err)
	}

	cands, stopCands, err := m.sig.WatchCandidates(context.Background(), callID, signaling.Caller)
	if err != nil {
		return m.fail(s, SignalingFailure, "accept", err)
	}
	if !m.adopt(s, stopCands) {
		return ErrAbandoned
	}
	go m.consumeCandidates(s, cands)

	err = m.sig.PublishAnswer(ctx, callID, signaling.FromWebRTC(answer))
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return ErrAbandoned
	}
	if err != nil {
		m.mu.Unlock()
		return m.fail(s, SignalingFailure, "accept", err)
	}
	s.published = true
	pending := s.pendingLocal
	s.pendingLocal = nil
	m.activateLocked(s)
	m.notifyLocked()
	m.mu.Unlock()
	go m.relay(s, pending...)
	return nil
}

// Reject declines the ringing call callID and removes its record.
func (m *Manager) Reject(ctx context.Context, callID string) error {
	m.mu.Lock()
	if m.phase != Ringing || m.ringing == nil || m.ringing.ID() != callID {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	rec := *m.ringing
	m.ringing = nil
	m.phase = Idle
	entry := recordEntry(rec, EndRejected, m.clock.Now())
	m.history.Push(entry)
	m.notifyLocked()
	m.mu.Unlock()
	log.Infof("[%s]: rejected call from %s", callID, rec.Caller)

	m.record(entry)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), util.CleanupTimeout)
	defer cancel()
	return m.sig.Teardown(ctx, callID)
}

func (m *Manager) onIncoming(ev signaling.IncomingEvent) {
	if ev.Exists {
		m.offerIncoming(ev.Record)
		return
	}

	me := m.id.CurrentUser().ID
	m.mu.Lock()
	m.pendingIncoming = false
	if m.ringing != nil {
		rec := *m.ringing
		m.ringing = nil
		if m.phase == Ringing {
			m.phase = Idle
		}
		entry := recordEntry(rec, EndMissed, m.clock.Now())
		m.history.Push(entry)
		m.notifyLocked()
		m.mu.Unlock()
		log.Infof("[%s]: %s cancelled the call", me, rec.Caller)
		m.record(entry)
		return
	}
	s := m.sess
	m.mu.Unlock()
	if s != nil && s.direction == Incoming && s.callID == me {
		log.Infof("[%s]: %s ended the call", me, s.peerID)
		m.endSession(s, EndRemote)
	}
}

// offerIncoming surfaces rec as ringing when the controller is Idle. Calls
// arriving while busy are remembered, not surfaced.
func (m *Manager) offerIncoming(rec signaling.CallRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.sess; s != nil && s.direction == Incoming && s.callID == rec.ID() && s.peerID == rec.Caller {
		return
	}
	if rec.Answered() {
		if m.sess == nil && m.phase == Idle {
			// Left behind by a call that ended without cleanup.
			log.Warnf("[%s]: removing orphaned call record from %s", rec.ID(), rec.Caller)
			go m.teardown(rec.ID())
		}
		return
	}
	if rec.Stale(m.clock.Now(), m.staleAfter) {
		log.Infof("[%s]: ignoring stale call from %s", rec.ID(), rec.Caller)
		return
	}
	if m.ringing != nil && m.ringing.Caller == rec.Caller && m.ringing.Timestamp == rec.Timestamp {
		m.ringing = &rec
		m.notifyLocked()
		return
	}
	if m.phase != Idle || m.sess != nil {
		m.pendingIncoming = true
		log.Infof("[%s]: call from %s ignored while %s", rec.ID(), rec.Caller, m.phase)
		return
	}
	m.ringing = &rec
	m.phase = Ringing
	m.notifyLocked()
	log.Infof("[%s]: incoming %s call from %s", rec.ID(), rec.Mode(), rec.Caller)
}

// surfacePending looks up a call that arrived while we were busy.
func (m *Manager) surfacePending() {
	ctx, cancel := context.WithTimeout(context.Background(), util.StoreOpTimeout)
	defer cancel()
	rec, err := m.sig.FetchCall(ctx, m.id.CurrentUser().ID)
	if err != nil {
		if !errors.Is(err, signaling.ErrCallGone) {
			log.Warnf("look up pending call: %v", err)
		}
		return
	}
	m.offerIncoming(rec)
}

// ── in-call controls ────────────────────────────────────────────────────────

// ToggleAudio flips the microphone and returns whether it is now enabled.
func (m *Manager) ToggleAudio() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil {
		return false, ErrNoActiveCall
	}
	s.audioEnabled = !s.audioEnabled
	for _, t := range s.local.AudioTracks() {
		t.SetEnabled(s.audioEnabled)
	}
	m.notifyLocked()
	log.Infof("[%s]: audio enabled=%v", s.callID, s.audioEnabled)
	return s.audioEnabled, nil
}

// ToggleVideo flips the camera and returns whether it is now enabled. With
// no camera track the call is upgraded to video instead: a camera track is
// acquired and attached, and the record's mode is updated best-effort.
// The upgrade sends no new offer, so when the peer reports that a new
// sender needs renegotiation the remote side does not receive the video
// until a later negotiation.
func (m *Manager) ToggleVideo(ctx context.Context) (bool, error) {
	m.mu.Lock()
	s := m.sess
	if s == nil {
		m.mu.Unlock()
		return false, ErrNoActiveCall
	}
	if vt := s.local.VideoTracks(); len(vt) > 0 {
		s.videoEnabled = !s.videoEnabled
		on := s.videoEnabled
		for _, t := range vt {
			t.SetEnabled(on)
		}
		m.notifyLocked()
		m.mu.Unlock()
		log.Infof("[%s]: video enabled=%v", s.callID, on)
		return on, nil
	}
	if m.phase != Active || s.pc == nil {
		m.mu.Unlock()
		return false, ErrNoActiveCall
	}
	if s.upgrading {
		m.mu.Unlock()
		return false, nil
	}
	s.upgrading = true
	m.mu.Unlock()
	log.Infof("[%s]: upgrading to video", s.callID)

	track, err := m.media.AcquireVideo(ctx, m.quality)

	m.mu.Lock()
	s.upgrading = false
	if m.sess != s {
		m.mu.Unlock()
		if err == nil {
			track.Stop()
		}
		return false, ErrAbandoned
	}
	if err != nil {
		m.mu.Unlock()
		return false, &Error{Class: MediaFailure, Op: "upgrade", Err: err}
	}
	renegotiate, err := s.pc.AddOrReplaceVideoTrack(track)
	if err != nil {
		m.mu.Unlock()
		track.Stop()
		return false, &Error{Class: NegotiationFailure, Op: "upgrade", Err: err}
	}
	if renegotiate {
		log.Debugf("[%s]: video sender added without renegotiation, remote receives no video yet", s.callID)
	}
	s.local.AddTrack(track)
	s.mode = media.Video
	s.videoEnabled = true
	m.notifyLocked()
	callID := s.callID
	m.mu.Unlock()

	if err := m.sig.UpdateMode(ctx, callID, true); err != nil {
		log.Warnf("[%s]: record mode update: %v", callID, err)
	}
	return true, nil
}

// HangUp ends the current call from any state. Every cleanup step runs even
// when an earlier one fails; the controller always ends Idle and the
// returned error combines the step failures. While another hang-up is
// ending the call it waits for that one to reach Idle. With no call it
// does nothing.
func (m *Manager) HangUp(ctx context.Context) error {
	m.mu.Lock()
	s, ending := m.sess, m.ending
	var ringingID string
	if s == nil && m.phase == Ringing && m.ringing != nil {
		ringingID = m.ringing.ID()
	}
	m.mu.Unlock()

	if ringingID != "" {
		err := m.Reject(ctx, ringingID)
		if errors.Is(err, ErrNoIncomingCall) {
			return nil
		}
		return err
	}
	if s == nil {
		if ending != nil {
			select {
			case <-ending.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
	_, err := m.finish(s, EndHangUp)
	return err
}

// ── cleanup ─────────────────────────────────────────────────────────────────

func (m *Manager) endSession(s *session, reason string) {
	if ok, err := m.finish(s, reason); ok && err != nil {
		log.Warnf("[%s]: cleanup: %v", s.callID, err)
	}
}

// finish tears down s if it is still the current session. It reports
// whether it did.
func (m *Manager) finish(s *session, reason string) (bool, error) {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return false, nil
	}
	m.sess = nil
	m.ending = s
	m.phase = Ending
	s.stopTimers()
	disposers := s.disposers
	s.disposers = nil
	pc, local, remote, owns := s.pc, s.local, s.remote, s.ownsRecord
	m.notifyLocked()
	m.mu.Unlock()
	log.Infof("[%s]: ending call (%s)", s.callID, reason)

	var errs error
	for _, dispose := range disposers {
		dispose()
	}
	if pc != nil {
		if remote == nil {
			remote = pc.RemoteStream()
		}
		errs = multierr.Append(errs, step("close peer connection", pc.Close()))
	}
	if local != nil {
		errs = multierr.Append(errs, step("stop local media", local.Stop()))
	}
	if remote != nil {
		remote.Stop()
	}
	if !s.waitRelays(util.CleanupTimeout) {
		log.Warnf("[%s]: candidate writes still pending at hang-up", s.callID)
	}
	// Deleting the record is the last signaling write.
	if owns {
		ctx, cancel := context.WithTimeout(context.Background(), util.CleanupTimeout)
		errs = multierr.Append(errs, step("teardown", m.sig.Teardown(ctx, s.callID)))
		cancel()
	}

	m.mu.Lock()
	entry := s.historyEntry(reason, m.clock.Now())
	m.history.Push(entry)
	m.ending = nil
	m.phase = Idle
	recheck := m.pendingIncoming
	m.pendingIncoming = false
	m.notifyLocked()
	m.mu.Unlock()
	close(s.done)

	m.record(entry)
	if recheck {
		go m.surfacePending()
	}
	return true, errs
}

func step(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// fail ends s after a failed step of initiate or accept. If s was already
// hung up the failure is moot and ErrAbandoned is returned.
func (m *Manager) fail(s *session, class Class, op string, err error) error {
	if errors.Is(err, ErrAbandoned) || !m.isCurrent(s) {
		return ErrAbandoned
	}
	log.Errorf("[%s]: %s failed (%s): %v", s.callID, op, class, err)
	if ok, cerr := m.finish(s, EndFailed); !ok {
		return ErrAbandoned
	} else if cerr != nil {
		log.Warnf("[%s]: cleanup: %v", s.callID, cerr)
	}
	return &Error{Class: class, Op: op, Err: err}
}

func (m *Manager) teardown(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), util.CleanupTimeout)
	defer cancel()
	if err := m.sig.Teardown(ctx, callID); err != nil {
		log.Warnf("[%s]: teardown: %v", callID, err)
	}
}

func (m *Manager) record(e HistoryEntry) {
	if m.recorder == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), util.StoreOpTimeout)
		defer cancel()
		if err := m.recorder.RecordCall(ctx, e); err != nil {
			log.Warnf("record call %s: %v", e.ID, err)
		}
	}()
}

// ── session plumbing ────────────────────────────────────────────────────────

func (m *Manager) isCurrent(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess == s
}

// adopt hands disposers to s, or runs them at once if s is gone.
func (m *Manager) adopt(s *session, disposers ...func()) bool {
	m.mu.Lock()
	if m.sess == s {
		s.disposers = append(s.disposers, disposers...)
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()
	for _, d := range disposers {
		d()
	}
	return false
}

func (m *Manager) acquire(ctx context.Context, s *session, mode media.Mode) error {
	res, err := m.media.Acquire(ctx, mode, m.quality)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != s {
		if err == nil {
			res.Stream.Stop()
		}
		return ErrAbandoned
	}
	if err != nil {
		return err
	}
	s.local = res.Stream
	for _, t := range res.Stream.AudioTracks() {
		t.SetEnabled(s.audioEnabled)
	}
	s.mode = res.Mode
	s.downgraded = res.Downgraded
	s.videoEnabled = len(res.Stream.VideoTracks()) > 0
	if res.Downgraded {
		log.Warnf("[%s]: camera unavailable, continuing as a voice call", s.callID)
	}
	m.notifyLocked()
	return nil
}

func (m *Manager) attachPeer(s *session) (Peer, error) {
	pc, err := m.newPeer(s.id, peer.Handlers{
		OnLocalCandidate:  func(c webrtc.ICECandidateInit) { m.onLocalCandidate(s, c) },
		OnRemoteTrack:     func(_ *media.RemoteTrack, rs *media.RemoteStream) { m.onRemoteTrack(s, rs) },
		OnConnectionState: func(st peer.State) { m.onConnectionState(s, st) },
	})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		pc.Close()
		return nil, ErrAbandoned
	}
	s.pc = pc
	m.mu.Unlock()
	return pc, nil
}

// onLocalCandidate relays c, or holds it until our description is published
// so a failed publish never writes into another call's sequences.
func (m *Manager) onLocalCandidate(s *session, c webrtc.ICECandidateInit) {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return
	}
	if !s.published {
		s.pendingLocal = append(s.pendingLocal, c)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.relay(s, c)
}

func (m *Manager) relay(s *session, cands ...webrtc.ICECandidateInit) {
	for _, c := range cands {
		if !m.beginRelay(s) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), util.CleanupTimeout)
		if err := m.sig.RelayCandidate(ctx, s.callID, s.origin(), c); err != nil {
			log.Warnf("[%s]: relay candidate: %v", s.callID, err)
		}
		cancel()
		s.relays.Done()
	}
}

// beginRelay registers a candidate write while s is current. finish waits
// for registered writes before deleting the record.
func (m *Manager) beginRelay(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != s {
		return false
	}
	s.relays.Add(1)
	return true
}

func (m *Manager) consumeCandidates(s *session, ch <-chan signaling.CandidateRecord) {
	for c := range ch {
		m.mu.Lock()
		current, pc := m.sess == s, s.pc
		m.mu.Unlock()
		if !current || pc == nil {
			continue
		}
		if err := pc.AddRemoteCandidate(c.Candidate); err != nil {
			log.Warnf("[%s]: remote candidate %s: %v", s.callID, c.ID, err)
		}
	}
}

func (m *Manager) onRemoteTrack(s *session, rs *media.RemoteStream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != s {
		return
	}
	s.remote = rs
	m.notifyLocked()
}

func (m *Manager) onConnectionState(s *session, st peer.State) {
	log.Debugf("[%s]: peer %s", s.callID, st)
	if st == peer.StateFailed {
		// Not from the peer's callback goroutine: finish closes the peer.
		go func() {
			if m.isCurrent(s) {
				log.Warnf("[%s]: connection failed", s.callID)
				m.endSession(s, EndConnectionFailed)
			}
		}()
	}
}

func (m *Manager) activateLocked(s *session) {
	if s.activated {
		return
	}
	s.activated = true
	s.activeAt = m.clock.Now()
	m.phase = Active
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	s.startTimer(m.clock, func() { m.tick(s) })
	log.Infof("[%s]: call active (%s)", s.callID, s.mode)
}

func (m *Manager) tick(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != s || m.phase != Active {
		return
	}
	s.seconds++
	m.notifyLocked()
}

// ── state for the UI ────────────────────────────────────────────────────────

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{Phase: m.phase, Duration: FormatDuration(0)}
	s := m.sess
	if s == nil {
		s = m.ending
	}
	if s != nil {
		snap.Direction = s.direction
		snap.Mode = s.mode
		snap.AudioEnabled = s.audioEnabled
		snap.VideoEnabled = s.videoEnabled
		snap.DurationSeconds = s.seconds
		snap.Duration = FormatDuration(s.seconds)
		snap.RemotePeer = s.peerID
		snap.RemoteName = s.peerName
		snap.Downgraded = s.downgraded
		snap.RemoteTracks = len(s.remote.Tracks())
	}
	if r := m.ringing; r != nil {
		snap.Incoming = &IncomingCall{
			ID:         r.ID(),
			CallerID:   r.Caller,
			CallerName: r.CallerName,
			IsVideo:    r.IsVideo,
		}
	}
	return snap
}

// Subscribe delivers the current snapshot and then every change. A slow
// reader only sees the latest state.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	m.subs[ch] = struct{}{}
	ch <- m.snapshotLocked()
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			if _, ok := m.subs[ch]; ok {
				delete(m.subs, ch)
				close(ch)
			}
			m.mu.Unlock()
		})
	}
}

func (m *Manager) notifyLocked() {
	if len(m.subs) == 0 {
		return
	}
	snap := m.snapshotLocked()
	for ch := range m.subs {
		select {
		case ch <- snap:
		default:
			// Replace the stale snapshot.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// History returns finished calls, newest first.
func (m *Manager) History() []HistoryEntry {
	return m.history.Newest(-1)
}

func recordEntry(rec signaling.CallRecord, reason string, now time.Time) HistoryEntry {
	return HistoryEntry{
		ID:        uuid.NewString(),
		PeerID:    rec.Caller,
		PeerName:  rec.CallerName,
		Direction: Incoming,
		Mode:      rec.Mode(),
		StartedAt: rec.Timestamp,
		EndedAt:   now.UnixMilli(),
		Reason:    reason,
	}
}
