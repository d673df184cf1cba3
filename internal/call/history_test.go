package call

import (
	"testing"

	"github.com/petervdpas/duocall/internal/media"
)

func TestFormatDuration(t *testing.T) {
	for in, want := range map[int]string{
		0:    "00:00",
		-4:   "00:00",
		9:    "00:09",
		151:  "02:31",
		3600: "60:00",
		6001: "100:01",
	} {
		if got := FormatDuration(in); got != want {
			t.Errorf("FormatDuration(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestHistorySummary(t *testing.T) {
	tests := []struct {
		entry HistoryEntry
		want  string
	}{
		{HistoryEntry{Mode: media.Video, Answered: true, DurationSeconds: 151}, "Video call · 02:31"},
		{HistoryEntry{Mode: media.Voice, Answered: true, DurationSeconds: 5}, "Voice call · 00:05"},
		{HistoryEntry{Mode: media.Voice, Direction: Incoming, Reason: EndMissed}, "Missed voice call"},
		{HistoryEntry{Mode: media.Video, Direction: Incoming, Reason: EndRejected}, "Declined video call"},
		{HistoryEntry{Mode: media.Video, Direction: Outgoing, Reason: EndNoAnswer}, "Video call · no answer"},
		{HistoryEntry{Mode: media.Voice, Direction: Outgoing, Reason: EndHangUp}, "Cancelled voice call"},
	}
	for _, tt := range tests {
		if got := tt.entry.Summary(); got != tt.want {
			t.Errorf("%+v: got %q, want %q", tt.entry, got, tt.want)
		}
	}
}
