package call

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/duocall/internal/media"
	"github.com/petervdpas/duocall/internal/signaling"
)

// session is the state of one call. Its fields are guarded by Manager.mu;
// the session pointer itself identifies the call, so a result that arrives
// for a session that is no longer current is discarded.
type session struct {
	id        string
	callID    string
	direction Direction
	peerID    string
	peerName  string
	mode      media.Mode

	audioEnabled bool
	videoEnabled bool
	downgraded   bool
	upgrading    bool

	local  *media.Stream
	pc     Peer
	remote *media.RemoteStream

	// ownsRecord is set once this side is responsible for deleting the
	// call record on hang-up.
	ownsRecord bool
	// published gates candidate relay until our description is in the store.
	published    bool
	pendingLocal []webrtc.ICECandidateInit

	recordSeen    bool
	answerApplied bool
	activated     bool

	disposers []func()
	// relays counts candidate writes in flight; done closes once the
	// session has been torn down.
	relays sync.WaitGroup
	done   chan struct{}

	createdAt time.Time
	activeAt  time.Time
	seconds   int

	ticker        *clock.Ticker
	tickStop      chan struct{}
	ringTimer     *clock.Timer
	timersStopped bool
}

func newSession(dir Direction, callID, peerID string, mode media.Mode, now time.Time) *session {
	return &session{
		id:           uuid.NewString(),
		callID:       callID,
		direction:    dir,
		peerID:       peerID,
		mode:         mode,
		audioEnabled: true,
		videoEnabled: mode.IsVideo(),
		createdAt:    now,
		done:         make(chan struct{}),
	}
}

// origin is the candidate sequence this side writes to.
func (s *session) origin() signaling.Origin {
	if s.direction == Outgoing {
		return signaling.Caller
	}
	return signaling.Callee
}

// startTimer begins the 1 Hz duration tick. It runs at most once per
// session and never after stopTimers.
func (s *session) startTimer(clk clock.Clock, tick func()) {
	if s.ticker != nil || s.timersStopped {
		return
	}
	s.ticker = clk.Ticker(time.Second)
	s.tickStop = make(chan struct{})
	go func(t *clock.Ticker, stop chan struct{}) {
		for {
			select {
			case <-t.C:
				tick()
			case <-stop:
				return
			}
		}
	}(s.ticker, s.tickStop)
}

// stopTimers cancels the duration and ring timers exactly once.
func (s *session) stopTimers() {
	if s.timersStopped {
		return
	}
	s.timersStopped = true
	if s.ticker != nil {
		s.ticker.Stop()
		close(s.tickStop)
	}
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
}

// waitRelays blocks until in-flight candidate writes finish or d passes.
func (s *session) waitRelays(d time.Duration) bool {
	idle := make(chan struct{})
	go func() {
		s.relays.Wait()
		close(idle)
	}()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-idle:
		return true
	case <-t.C:
		return false
	}
}
