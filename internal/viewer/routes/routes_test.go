package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/duocall/internal/call"
	"github.com/petervdpas/duocall/internal/chat"
	"github.com/petervdpas/duocall/internal/docstore"
	"github.com/petervdpas/duocall/internal/media"
	"github.com/petervdpas/duocall/internal/presence"
)

type fakeCalls struct {
	mu       sync.Mutex
	snap     call.Snapshot
	subs     []chan call.Snapshot
	started  []string
	accepted []string
	err      error
	hungUp   int
}

func (f *fakeCalls) Snapshot() call.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeCalls) set(s call.Snapshot) {
	f.mu.Lock()
	f.snap = s
	subs := append([]chan call.Snapshot(nil), f.subs...)
	f.mu.Unlock()
	for _, ch := range subs {
		ch <- s
	}
}

func (f *fakeCalls) Subscribe() (<-chan call.Snapshot, func()) {
	ch := make(chan call.Snapshot, 8)
	f.mu.Lock()
	ch <- f.snap
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakeCalls) History() []call.HistoryEntry {
	return []call.HistoryEntry{{PeerID: "u2", Mode: media.Voice, Answered: true, DurationSeconds: 61}}
}

func (f *fakeCalls) Initiate(ctx context.Context, calleeID string, mode media.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.started = append(f.started, calleeID+":"+string(mode))
	f.snap = call.Snapshot{Phase: call.Connecting, RemotePeer: calleeID, Mode: mode}
	return nil
}

func (f *fakeCalls) Accept(ctx context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, callID)
	return nil
}

func (f *fakeCalls) Reject(ctx context.Context, callID string) error { return call.ErrNoIncomingCall }

func (f *fakeCalls) HangUp(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hungUp++
	return nil
}

func (f *fakeCalls) ToggleAudio() (bool, error)                  { return false, nil }
func (f *fakeCalls) ToggleVideo(ctx context.Context) (bool, error) { return false, call.ErrNoActiveCall }

func newServer(t *testing.T) (*httptest.Server, *fakeCalls, docstore.Store) {
	t.Helper()
	docs := docstore.NewMemory()
	t.Cleanup(func() { docs.Close() })
	fc := &fakeCalls{snap: call.Snapshot{Phase: call.Idle, Duration: "00:00"}}
	srv := httptest.NewServer(NewRouter(Deps{
		Self:  presence.Static{ID: "u1", Name: "Alice"},
		Calls: fc,
		Chat:  chat.NewStore(docs, 50),
		Store: docs,
	}))
	t.Cleanup(srv.Close)
	return srv, fc, docs
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestSelf(t *testing.T) {
	srv, _, _ := newServer(t)
	var id presence.Identity
	getJSON(t, srv.URL+"/api/self", &id)
	if id.ID != "u1" || id.Name != "Alice" {
		t.Fatalf("self = %+v", id)
	}
}

func TestStartCall(t *testing.T) {
	srv, fc, _ := newServer(t)

	resp := post(t, srv.URL+"/api/call/start", `{"callee":"u2","video":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %s", resp.Status)
	}
	var snap call.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Phase != call.Connecting || snap.RemotePeer != "u2" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if len(fc.started) != 1 || fc.started[0] != "u2:video" {
		t.Fatalf("started = %v", fc.started)
	}

	if resp := post(t, srv.URL+"/api/call/start", `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing callee status = %s", resp.Status)
	}
}

func TestCallErrorsMapToStatus(t *testing.T) {
	srv, fc, _ := newServer(t)

	fc.err = call.ErrBusy
	if resp := post(t, srv.URL+"/api/call/start", `{"callee":"u2"}`); resp.StatusCode != http.StatusConflict {
		t.Fatalf("busy status = %s", resp.Status)
	}

	fc.err = &call.Error{Class: call.MediaFailure, Op: "initiate", Err: &media.Failure{Kind: media.PermissionDenied}}
	resp := post(t, srv.URL+"/api/call/start", `{"callee":"u2"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("media failure status = %s", resp.Status)
	}
	var body apiError
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Class != "media" || body.Message == "" {
		t.Fatalf("body = %+v", body)
	}

	if resp := post(t, srv.URL+"/api/call/reject", `{"call_id":"u1"}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("reject status = %s", resp.Status)
	}
	if resp := post(t, srv.URL+"/api/call/toggle-video", ``); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("toggle-video status = %s", resp.Status)
	}
}

func TestAcceptDefaultsToRingingCall(t *testing.T) {
	srv, fc, _ := newServer(t)
	fc.set(call.Snapshot{Phase: call.Ringing, Incoming: &call.IncomingCall{ID: "u1", CallerID: "u3"}})

	if resp := post(t, srv.URL+"/api/call/accept", ``); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %s", resp.Status)
	}
	if len(fc.accepted) != 1 || fc.accepted[0] != "u1" {
		t.Fatalf("accepted = %v", fc.accepted)
	}
}

func TestHangUp(t *testing.T) {
	srv, fc, _ := newServer(t)
	if resp := post(t, srv.URL+"/api/call/hangup", ``); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %s", resp.Status)
	}
	if fc.hungUp != 1 {
		t.Fatalf("hang-ups = %d", fc.hungUp)
	}
}

func TestHistory(t *testing.T) {
	srv, _, _ := newServer(t)
	var entries []call.HistoryEntry
	getJSON(t, srv.URL+"/api/call/history", &entries)
	if len(entries) != 1 || entries[0].Summary() != "Voice call · 01:01" {
		t.Fatalf("history = %+v", entries)
	}
}

func TestEventsStream(t *testing.T) {
	srv, fc, _ := newServer(t)
	resp, err := http.Get(srv.URL + "/api/call/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
				lines <- data
			}
		}
		close(lines)
	}()

	next := func() call.Snapshot {
		t.Helper()
		select {
		case data := <-lines:
			var s call.Snapshot
			if err := json.Unmarshal([]byte(data), &s); err != nil {
				t.Fatal(err)
			}
			return s
		case <-time.After(2 * time.Second):
			t.Fatal("no event")
		}
		return call.Snapshot{}
	}
	if s := next(); s.Phase != call.Idle {
		t.Fatalf("first event = %+v", s)
	}
	fc.set(call.Snapshot{Phase: call.Active, DurationSeconds: 5, Duration: "00:05"})
	if s := next(); s.Phase != call.Active || s.Duration != "00:05" {
		t.Fatalf("second event = %+v", s)
	}
}

func TestStateWebSocket(t *testing.T) {
	srv, fc, _ := newServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/call/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg stateMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "state" || msg.State.Phase != call.Idle {
		t.Fatalf("first message = %+v", msg)
	}
	fc.set(call.Snapshot{Phase: call.Ringing, Incoming: &call.IncomingCall{ID: "u1", CallerID: "u2", IsVideo: true}})
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.State.Incoming == nil || msg.State.Incoming.CallerID != "u2" {
		t.Fatalf("second message = %+v", msg)
	}
}

func TestChatMessages(t *testing.T) {
	srv, _, _ := newServer(t)

	resp := post(t, srv.URL+"/api/chat/u2/messages", `{"content":"hello"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %s", resp.Status)
	}
	if resp := post(t, srv.URL+"/api/chat/u2/messages", `{"content":""}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty message status = %s", resp.Status)
	}

	var msgs []chat.Message
	getJSON(t, srv.URL+"/api/chat/u2/messages", &msgs)
	if len(msgs) != 1 || msgs[0].Content != "hello" || msgs[0].From != "u1" || msgs[0].To != "u2" {
		t.Fatalf("messages = %+v", msgs)
	}

	r, err := http.Get(srv.URL + "/api/chat/a..b/messages")
	if err != nil {
		t.Fatal(err)
	}
	r.Body.Close()
	if r.StatusCode == http.StatusOK {
		t.Fatal("invalid peer id must be rejected")
	}
}

func TestUsers(t *testing.T) {
	srv, _, docs := newServer(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()
	docs.Set(ctx, "users/u1", docstore.Fields{"id": "u1", "name": "Alice", "lastSeen": now})
	docs.Set(ctx, "users/u2", docstore.Fields{"id": "u2", "name": "Bob", "lastSeen": now})
	docs.Set(ctx, "users/u3", docstore.Fields{"id": "u3", "name": "Carol", "lastSeen": now - int64(time.Hour/time.Millisecond)})

	var users []userView
	getJSON(t, srv.URL+"/api/users", &users)
	if len(users) != 2 {
		t.Fatalf("users = %+v", users)
	}
	online := map[string]bool{}
	for _, u := range users {
		online[u.ID] = u.Online
	}
	if !online["u2"] || online["u3"] {
		t.Fatalf("online = %v", online)
	}
}
