package chat

import (
	"context"
	"time"

	"github.com/petervdpas/duocall/internal/call"
	"github.com/petervdpas/duocall/internal/presence"
)

// CallRecorder posts a summary of every finished call to the thread with
// the peer. It satisfies call.Recorder.
type CallRecorder struct {
	store *Store
	self  presence.Provider
}

func NewCallRecorder(store *Store, self presence.Provider) *CallRecorder {
	return &CallRecorder{store: store, self: self}
}

// RecordCall writes the entry. Both parties record their own view, so only
// the caller posts answered and unanswered outgoing calls, and the callee
// posts calls it missed or declined.
func (r *CallRecorder) RecordCall(ctx context.Context, e call.HistoryEntry) error {
	if e.Direction == call.Incoming && e.Answered {
		return nil
	}
	me := r.self.CurrentUser().ID
	msg := NewCallEvent(me, e.PeerID, e.Summary(), time.UnixMilli(e.EndedAt))
	return r.store.AppendMessage(ctx, ThreadID(me, e.PeerID), msg)
}
