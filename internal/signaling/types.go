package signaling

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/duocall/internal/media"
)

var (
	// ErrConflict means a live call record already exists for the callee.
	ErrConflict = errors.New("signaling: callee already has a call")
	// ErrCallGone means the call record no longer exists.
	ErrCallGone = errors.New("signaling: call no longer exists")
)

// Origin tells which party discovered a candidate.
type Origin string

const (
	Caller Origin = "caller"
	Callee Origin = "callee"
)

func (o Origin) collection() string {
	if o == Caller {
		return "callerCandidates"
	}
	return "calleeCandidates"
}

// Remote is the origin of the other party's candidates.
func (o Origin) Remote() Origin {
	if o == Caller {
		return Callee
	}
	return Caller
}

// Description is a session description as stored in a call record.
type Description struct {
	Type string `json:"type"`
	Body string `json:"body"`
}

func FromWebRTC(d webrtc.SessionDescription) *Description {
	return &Description{Type: d.Type.String(), Body: d.SDP}
}

func (d *Description) WebRTC() webrtc.SessionDescription {
	if d == nil {
		return webrtc.SessionDescription{}
	}
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.Body}
}

// CallRecord is the shared document at calls/{callee}. The callee id is
// also the call id.
type CallRecord struct {
	Caller     string       `json:"caller"`
	CallerName string       `json:"callerName"`
	Callee     string       `json:"callee"`
	IsVideo    bool         `json:"isVideo"`
	Timestamp  int64        `json:"timestamp"`
	Offer      *Description `json:"offer,omitempty"`
	Answer     *Description `json:"answer,omitempty"`
	AnsweredAt int64        `json:"answeredAt,omitempty"`
}

func (r CallRecord) ID() string { return r.Callee }

func (r CallRecord) Mode() media.Mode { return media.ModeOf(r.IsVideo) }

func (r CallRecord) Answered() bool { return r.Answer != nil && r.Answer.Body != "" }

// Stale reports whether an unanswered record is older than after. Answered
// records are never stale; the parties delete them on hang-up.
func (r CallRecord) Stale(now time.Time, after time.Duration) bool {
	if r.Answered() || after <= 0 {
		return false
	}
	return now.Sub(time.UnixMilli(r.Timestamp)) > after
}

// CandidateRecord is one entry of a candidate sequence.
type CandidateRecord struct {
	ID        string
	Candidate webrtc.ICECandidateInit
}

// AnswerEvent is one snapshot of the call record seen by the caller.
type AnswerEvent struct {
	Exists bool
	Record CallRecord
}

// IncomingEvent is one snapshot of the callee's own call record.
// Exists false means the caller cancelled or the call ended.
type IncomingEvent struct {
	Exists bool
	Record CallRecord
}
