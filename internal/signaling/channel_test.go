package signaling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/duocall/internal/docstore"
)

func newChannel(t *testing.T) (*Channel, *docstore.Memory, *clock.Mock) {
	t.Helper()
	store := docstore.NewMemory()
	t.Cleanup(func() { store.Close() })
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_700_000_000_000))
	return New(store, Options{StaleAfter: 2 * time.Minute, Clock: mock}), store, mock
}

func offerRecord(caller, callee string, video bool) CallRecord {
	return CallRecord{
		Caller:     caller,
		CallerName: "User " + caller,
		Callee:     callee,
		IsVideo:    video,
		Offer:      &Description{Type: "offer", Body: "v=0 offer from " + caller},
	}
}

func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func TestPublishOfferLayout(t *testing.T) {
	ch, store, _ := newChannel(t)
	ctx := context.Background()
	if err := ch.PublishOffer(ctx, offerRecord("u1", "u2", true)); err != nil {
		t.Fatal(err)
	}
	doc, err := store.Get(ctx, "calls/u2")
	if err != nil {
		t.Fatal(err)
	}
	for key, want := range map[string]any{
		"caller":     "u1",
		"callerName": "User u1",
		"callee":     "u2",
		"isVideo":    true,
		"timestamp":  float64(1_700_000_000_000),
	} {
		if doc.Data[key] != want {
			t.Errorf("%s = %v, want %v", key, doc.Data[key], want)
		}
	}
	offer, _ := doc.Data["offer"].(map[string]any)
	if offer["type"] != "offer" || offer["body"] == "" {
		t.Errorf("offer = %v", doc.Data["offer"])
	}
	if _, ok := doc.Data["answer"]; ok {
		t.Error("a new record must not carry an answer")
	}
}

func TestPublishOfferFirstWriterWins(t *testing.T) {
	ch, _, mock := newChannel(t)
	ctx := context.Background()
	if err := ch.PublishOffer(ctx, offerRecord("u1", "u2", false)); err != nil {
		t.Fatal(err)
	}
	if err := ch.PublishOffer(ctx, offerRecord("u3", "u2", false)); !errors.Is(err, ErrConflict) {
		t.Fatalf("second offer: got %v, want ErrConflict", err)
	}
	rec, err := ch.FetchCall(ctx, "u2")
	if err != nil || rec.Caller != "u1" {
		t.Fatalf("record = %+v, %v", rec, err)
	}

	// Once the first offer is abandoned long enough it may be replaced.
	mock.Add(3 * time.Minute)
	if err := ch.PublishOffer(ctx, offerRecord("u3", "u2", true)); err != nil {
		t.Fatalf("replacing stale offer: %v", err)
	}
	rec, _ = ch.FetchCall(ctx, "u2")
	if rec.Caller != "u3" || !rec.IsVideo {
		t.Fatalf("record = %+v", rec)
	}
}

func TestAnsweredRecordIsNeverStale(t *testing.T) {
	ch, _, mock := newChannel(t)
	ctx := context.Background()
	if err := ch.PublishOffer(ctx, offerRecord("u1", "u2", false)); err != nil {
		t.Fatal(err)
	}
	if err := ch.PublishAnswer(ctx, "u2", &Description{Type: "answer", Body: "v=0 answer"}); err != nil {
		t.Fatal(err)
	}
	mock.Add(time.Hour)
	if err := ch.PublishOffer(ctx, offerRecord("u3", "u2", false)); !errors.Is(err, ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
}

func TestWatchForAnswer(t *testing.T) {
	ch, _, _ := newChannel(t)
	ctx := context.Background()
	if err := ch.PublishOffer(ctx, offerRecord("u1", "u2", true)); err != nil {
		t.Fatal(err)
	}
	events, cancel, err := ch.WatchForAnswer(ctx, "u2")
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if ev := next(t, events); !ev.Exists || ev.Record.Answered() {
		t.Fatalf("initial snapshot: %+v", ev)
	}
	if err := ch.PublishAnswer(ctx, "u2", &Description{Type: "answer", Body: "v=0 answer"}); err != nil {
		t.Fatal(err)
	}
	ev := next(t, events)
	if !ev.Record.Answered() || ev.Record.Answer.WebRTC().Type != webrtc.SDPTypeAnswer {
		t.Fatalf("answer snapshot: %+v", ev.Record)
	}
	if ev.Record.AnsweredAt == 0 {
		t.Fatal("answeredAt not set")
	}

	if err := ch.Teardown(ctx, "u2"); err != nil {
		t.Fatal(err)
	}
	if ev := next(t, events); ev.Exists {
		t.Fatal("teardown should produce a missing snapshot")
	}
}

func TestPublishAnswerOnMissingCall(t *testing.T) {
	ch, _, _ := newChannel(t)
	err := ch.PublishAnswer(context.Background(), "u2", &Description{Type: "answer", Body: "x"})
	if !errors.Is(err, ErrCallGone) {
		t.Fatalf("got %v, want ErrCallGone", err)
	}
}

func TestWatchIncomingCalls(t *testing.T) {
	ch, _, _ := newChannel(t)
	ctx := context.Background()
	events, cancel, err := ch.WatchIncomingCalls(ctx, "u2")
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if ev := next(t, events); ev.Exists {
		t.Fatal("no call yet")
	}
	if err := ch.PublishOffer(ctx, offerRecord("u1", "u2", true)); err != nil {
		t.Fatal(err)
	}
	ev := next(t, events)
	if !ev.Exists || ev.Record.Caller != "u1" || ev.Record.ID() != "u2" {
		t.Fatalf("incoming: %+v", ev)
	}
	if err := ch.Teardown(ctx, "u2"); err != nil {
		t.Fatal(err)
	}
	if ev := next(t, events); ev.Exists {
		t.Fatal("cancel should produce a missing snapshot")
	}
}

func TestCandidatesDeliveredOnceInOrder(t *testing.T) {
	ch, _, _ := newChannel(t)
	ctx := context.Background()
	if err := ch.PublishOffer(ctx, offerRecord("u1", "u2", false)); err != nil {
		t.Fatal(err)
	}

	cand := func(n string) webrtc.ICECandidateInit {
		mid := "0"
		return webrtc.ICECandidateInit{Candidate: "candidate:" + n + " 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid}
	}
	if err := ch.RelayCandidate(ctx, "u2", Caller, cand("1")); err != nil {
		t.Fatal(err)
	}

	got, cancel, err := ch.WatchCandidates(ctx, "u2", Caller)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	for _, n := range []string{"2", "3"} {
		if err := ch.RelayCandidate(ctx, "u2", Caller, cand(n)); err != nil {
			t.Fatal(err)
		}
	}
	// Callee candidates live in their own sequence.
	if err := ch.RelayCandidate(ctx, "u2", Callee, cand("9")); err != nil {
		t.Fatal(err)
	}

	for _, n := range []string{"1", "2", "3"} {
		c := next(t, got)
		if c.Candidate.Candidate != cand(n).Candidate {
			t.Fatalf("got %q, want candidate %s", c.Candidate.Candidate, n)
		}
		if c.Candidate.SDPMid == nil || *c.Candidate.SDPMid != "0" {
			t.Fatal("sdpMid lost in transit")
		}
	}
	select {
	case c := <-got:
		t.Fatalf("unexpected extra candidate %q", c.Candidate.Candidate)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTeardownRemovesCandidates(t *testing.T) {
	ch, store, _ := newChannel(t)
	ctx := context.Background()
	if err := ch.PublishOffer(ctx, offerRecord("u1", "u2", false)); err != nil {
		t.Fatal(err)
	}
	if err := ch.RelayCandidate(ctx, "u2", Callee, webrtc.ICECandidateInit{Candidate: "candidate:x"}); err != nil {
		t.Fatal(err)
	}
	if err := ch.Teardown(ctx, "u2"); err != nil {
		t.Fatal(err)
	}
	docs, err := store.List(ctx, "calls/u2/calleeCandidates")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 0 {
		t.Fatalf("%d candidates survived teardown", len(docs))
	}
	if _, err := ch.FetchCall(ctx, "u2"); !errors.Is(err, ErrCallGone) {
		t.Fatalf("fetch after teardown: %v", err)
	}
}
