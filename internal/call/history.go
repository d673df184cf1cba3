package call

import (
	"fmt"
	"time"

	"github.com/petervdpas/duocall/internal/media"
)

// End reasons recorded in history.
const (
	EndHangUp           = "hangup"
	EndRemote           = "remote-ended"
	EndRejected         = "rejected"
	EndMissed           = "missed"
	EndNoAnswer         = "no-answer"
	EndConnectionFailed = "connection-failed"
	EndFailed           = "failed"
)

// HistoryEntry summarizes one finished call.
type HistoryEntry struct {
	ID              string     `json:"id"`
	PeerID          string     `json:"peer_id"`
	PeerName        string     `json:"peer_name,omitempty"`
	Direction       Direction  `json:"direction"`
	Mode            media.Mode `json:"mode"`
	StartedAt       int64      `json:"started_at"`
	EndedAt         int64      `json:"ended_at"`
	Answered        bool       `json:"answered"`
	DurationSeconds int        `json:"duration_seconds"`
	Reason          string     `json:"reason"`
}

// Summary is the chat line for the entry, e.g. "Video call · 02:31" or
// "Missed voice call".
func (e HistoryEntry) Summary() string {
	kind := "Voice call"
	if e.Mode == media.Video {
		kind = "Video call"
	}
	if e.Answered {
		return kind + " · " + FormatDuration(e.DurationSeconds)
	}
	lower := "voice call"
	if e.Mode == media.Video {
		lower = "video call"
	}
	switch {
	case e.Direction == Incoming && e.Reason == EndRejected:
		return "Declined " + lower
	case e.Direction == Incoming:
		return "Missed " + lower
	case e.Reason == EndNoAnswer || e.Reason == EndRemote:
		return kind + " · no answer"
	default:
		return "Cancelled " + lower
	}
}

// FormatDuration renders seconds as MM:SS. Minutes keep counting past 99.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

func (s *session) historyEntry(reason string, now time.Time) HistoryEntry {
	e := HistoryEntry{
		ID:              s.id,
		PeerID:          s.peerID,
		PeerName:        s.peerName,
		Direction:       s.direction,
		Mode:            s.mode,
		StartedAt:       s.createdAt.UnixMilli(),
		EndedAt:         now.UnixMilli(),
		Answered:        s.activated,
		DurationSeconds: s.seconds,
		Reason:          reason,
	}
	return e
}
