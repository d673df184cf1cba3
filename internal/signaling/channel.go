// Package signaling maps call negotiation onto the shared document store:
// one call record per callee plus two append-only candidate sequences.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/duocall/internal/docstore"
)

var log = logging.Logger("signaling")

const callsCollection = "calls"

type Options struct {
	// StaleAfter is the age after which an unanswered record may be replaced.
	StaleAfter time.Duration
	Clock      clock.Clock
}

// Channel is the only component that touches the store on behalf of calls.
type Channel struct {
	store      docstore.Store
	clock      clock.Clock
	staleAfter time.Duration
}

func New(store docstore.Store, opts Options) *Channel {
	c := opts.Clock
	if c == nil {
		c = clock.New()
	}
	return &Channel{store: store, clock: c, staleAfter: opts.StaleAfter}
}

func callPath(callID string) string {
	return callsCollection + "/" + callID
}

func candidatesPath(callID string, origin Origin) string {
	return callPath(callID) + "/" + origin.collection()
}

// PublishOffer creates the record at calls/{callee}. The first writer wins:
// a live record makes this fail with ErrConflict, a stale one is removed
// together with its candidates and replaced.
func (c *Channel) PublishOffer(ctx context.Context, rec CallRecord) error {
	if rec.Callee == "" || rec.Caller == "" {
		return errors.New("publish offer: caller and callee are required")
	}
	if rec.Offer == nil || rec.Offer.Body == "" {
		return errors.New("publish offer: missing offer")
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = c.clock.Now().UnixMilli()
	}
	fields, err := docstore.ToFields(rec)
	if err != nil {
		return err
	}
	path := callPath(rec.Callee)

	err = c.store.Create(ctx, path, fields)
	if !errors.Is(err, docstore.ErrExists) {
		if err != nil {
			return fmt.Errorf("publish offer: %w", err)
		}
		log.Infof("[%s]: offer published by %s (video=%v)", rec.Callee, rec.Caller, rec.IsVideo)
		return nil
	}

	existing, err := c.FetchCall(ctx, rec.Callee)
	switch {
	case errors.Is(err, ErrCallGone):
		// Deleted between our create and read; one more attempt.
	case err != nil:
		return fmt.Errorf("publish offer: %w", err)
	case !existing.Stale(c.clock.Now(), c.staleAfter):
		log.Infof("[%s]: offer from %s rejected, call from %s in progress", rec.Callee, rec.Caller, existing.Caller)
		return ErrConflict
	default:
		log.Infof("[%s]: replacing stale call from %s", rec.Callee, existing.Caller)
		if err := c.store.Delete(ctx, path); err != nil {
			return fmt.Errorf("publish offer: remove stale call: %w", err)
		}
	}

	if err := c.store.Create(ctx, path, fields); err != nil {
		if errors.Is(err, docstore.ErrExists) {
			return ErrConflict
		}
		return fmt.Errorf("publish offer: %w", err)
	}
	log.Infof("[%s]: offer published by %s (video=%v)", rec.Callee, rec.Caller, rec.IsVideo)
	return nil
}

// PublishAnswer adds the answer to an existing record.
func (c *Channel) PublishAnswer(ctx context.Context, callID string, answer *Description) error {
	if answer == nil || answer.Body == "" {
		return errors.New("publish answer: missing answer")
	}
	err := c.store.Update(ctx, callPath(callID), docstore.Fields{
		"answer":     map[string]any{"type": answer.Type, "body": answer.Body},
		"answeredAt": c.clock.Now().UnixMilli(),
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return ErrCallGone
	}
	if err != nil {
		return fmt.Errorf("publish answer: %w", err)
	}
	log.Infof("[%s]: answer published", callID)
	return nil
}

// FetchCall reads the current record.
func (c *Channel) FetchCall(ctx context.Context, callID string) (CallRecord, error) {
	doc, err := c.store.Get(ctx, callPath(callID))
	if errors.Is(err, docstore.ErrNotFound) {
		return CallRecord{}, ErrCallGone
	}
	if err != nil {
		return CallRecord{}, fmt.Errorf("fetch call: %w", err)
	}
	var rec CallRecord
	if err := doc.DataTo(&rec); err != nil {
		return CallRecord{}, fmt.Errorf("decode call %s: %w", callID, err)
	}
	return rec, nil
}

// UpdateMode records a mid-call switch between voice and video.
func (c *Channel) UpdateMode(ctx context.Context, callID string, isVideo bool) error {
	err := c.store.Update(ctx, callPath(callID), docstore.Fields{"isVideo": isVideo})
	if errors.Is(err, docstore.ErrNotFound) {
		return ErrCallGone
	}
	return err
}

// RelayCandidate appends a local candidate to the origin's sequence.
func (c *Channel) RelayCandidate(ctx context.Context, callID string, origin Origin, cand webrtc.ICECandidateInit) error {
	fields, err := docstore.ToFields(cand)
	if err != nil {
		return err
	}
	if _, err := c.store.Add(ctx, candidatesPath(callID, origin), fields); err != nil {
		return fmt.Errorf("relay %s candidate: %w", origin, err)
	}
	return nil
}

// Teardown deletes the record and both candidate sequences. It is the last
// signaling write of a call.
func (c *Channel) Teardown(ctx context.Context, callID string) error {
	if err := c.store.Delete(ctx, callPath(callID)); err != nil {
		return fmt.Errorf("teardown: %w", err)
	}
	log.Infof("[%s]: call record deleted", callID)
	return nil
}

// WatchForAnswer streams snapshots of the record at calls/{callee}. The
// first snapshot with an answer is the one that matters.
func (c *Channel) WatchForAnswer(ctx context.Context, calleeID string) (<-chan AnswerEvent, func(), error) {
	return watchRecord(ctx, c.store, calleeID, func(exists bool, rec CallRecord) AnswerEvent {
		return AnswerEvent{Exists: exists, Record: rec}
	})
}

// WatchIncomingCalls streams snapshots of the caller's own record: a record
// appearing is an incoming call, disappearing is a cancel.
func (c *Channel) WatchIncomingCalls(ctx context.Context, selfID string) (<-chan IncomingEvent, func(), error) {
	return watchRecord(ctx, c.store, selfID, func(exists bool, rec CallRecord) IncomingEvent {
		return IncomingEvent{Exists: exists, Record: rec}
	})
}

func watchRecord[E any](ctx context.Context, store docstore.Store, callID string, wrap func(bool, CallRecord) E) (<-chan E, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	docs, err := store.WatchDocument(ctx, callPath(callID))
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("watch call %s: %w", callID, err)
	}

	out := make(chan E)
	go func() {
		defer close(out)
		for doc := range docs {
			var rec CallRecord
			if doc.Exists {
				if err := doc.DataTo(&rec); err != nil {
					log.Warnf("[%s]: undecodable call record: %v", callID, err)
					continue
				}
			}
			select {
			case out <- wrap(doc.Exists, rec):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}

// WatchCandidates streams the origin's candidate sequence: entries already
// present first, then new ones, each exactly once in arrival order.
func (c *Channel) WatchCandidates(ctx context.Context, callID string, origin Origin) (<-chan CandidateRecord, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	docs, err := c.store.WatchCollection(ctx, candidatesPath(callID, origin))
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("watch %s candidates: %w", origin, err)
	}

	out := make(chan CandidateRecord)
	go func() {
		defer close(out)
		seen := make(map[string]struct{})
		for doc := range docs {
			if _, dup := seen[doc.ID()]; dup {
				continue
			}
			seen[doc.ID()] = struct{}{}

			var cand webrtc.ICECandidateInit
			if err := doc.DataTo(&cand); err != nil || cand.Candidate == "" {
				log.Warnf("[%s]: skipping malformed %s candidate %s", callID, origin, doc.ID())
				continue
			}
			select {
			case out <- CandidateRecord{ID: doc.ID(), Candidate: cand}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}
