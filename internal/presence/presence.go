// Package presence supplies the local identity and publishes a lastSeen
// heartbeat for it in the shared store.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/duocall/internal/docstore"
)

var log = logging.Logger("presence")

const usersCollection = "users"

type Identity struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Provider answers who the local user is.
type Provider interface {
	CurrentUser() Identity
}

// Static is a Provider for a fixed identity.
type Static Identity

func (s Static) CurrentUser() Identity { return Identity(s) }

// User is the public profile stored at users/{id}.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar,omitempty"`
	LastSeen int64  `json:"lastSeen"`
}

// Online reports whether the user sent a heartbeat within window.
func (u User) Online(now time.Time, window time.Duration) bool {
	return now.Sub(time.UnixMilli(u.LastSeen)) <= window
}

// Heartbeat periodically writes lastSeen for the local identity. It has a
// single owner that calls Start and Stop.
type Heartbeat struct {
	store    docstore.Store
	id       Provider
	clock    clock.Clock
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHeartbeat(store docstore.Store, id Provider, interval time.Duration, clk clock.Clock) *Heartbeat {
	if clk == nil {
		clk = clock.New()
	}
	return &Heartbeat{store: store, id: id, clock: clk, interval: interval}
}

// Start publishes immediately and then every interval until Stop or ctx ends.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return errors.New("presence: heartbeat already running")
	}
	if h.interval <= 0 {
		return errors.New("presence: heartbeat interval must be > 0")
	}

	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})

	ticker := h.clock.Ticker(h.interval)
	go func(done chan struct{}) {
		defer close(done)
		defer ticker.Stop()
		h.beat(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.beat(ctx)
			}
		}
	}(h.done)
	return nil
}

// Stop ends the heartbeat and waits for the last write to finish.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (h *Heartbeat) beat(ctx context.Context) {
	me := h.id.CurrentUser()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := h.store.Set(ctx, usersCollection+"/"+me.ID, docstore.Fields{
		"id":       me.ID,
		"name":     me.Name,
		"avatar":   me.Avatar,
		"lastSeen": h.clock.Now().UnixMilli(),
	})
	if err != nil && ctx.Err() == nil {
		log.Warnf("heartbeat for %s: %v", me.ID, err)
	}
}

// Lookup reads another user's profile.
func Lookup(ctx context.Context, store docstore.Store, id string) (User, error) {
	doc, err := store.Get(ctx, usersCollection+"/"+id)
	if err != nil {
		return User{}, err
	}
	var u User
	if err := doc.DataTo(&u); err != nil {
		return User{}, fmt.Errorf("decode user %s: %w", id, err)
	}
	return u, nil
}

// List returns every known user in registration order.
func List(ctx context.Context, store docstore.Store) ([]User, error) {
	docs, err := store.List(ctx, usersCollection)
	if err != nil {
		return nil, err
	}
	out := make([]User, 0, len(docs))
	for _, d := range docs {
		var u User
		if err := d.DataTo(&u); err != nil {
			log.Debugf("skipping user %s: %v", d.ID(), err)
			continue
		}
		out = append(out, u)
	}
	return out, nil
}
