package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/duocall/internal/docstore"
	"github.com/petervdpas/duocall/internal/util"
)

var log = logging.Logger("chat")

const (
	// DefaultBufferSize is the default number of messages kept per subscription
	DefaultBufferSize = 100

	// MaxContentLength bounds a single message body.
	MaxContentLength = 4000
)

var ErrEmptyMessage = errors.New("chat: empty message")

// Store keeps message threads in the shared document store under
// threads/{threadID}/messages.
type Store struct {
	docs       docstore.Store
	bufferSize int
}

func NewStore(docs docstore.Store, bufferSize int) *Store {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Store{docs: docs, bufferSize: bufferSize}
}

func messagesPath(threadID string) string {
	return "threads/" + threadID + "/messages"
}

func validThread(threadID string) error {
	if threadID == "" || strings.ContainsAny(threadID, "/") {
		return fmt.Errorf("chat: invalid thread id %q", threadID)
	}
	return nil
}

// AppendMessage adds msg to the end of the thread.
func (s *Store) AppendMessage(ctx context.Context, threadID string, msg Message) error {
	if err := validThread(threadID); err != nil {
		return err
	}
	msg.Content = strings.TrimSpace(msg.Content)
	if msg.Content == "" {
		return ErrEmptyMessage
	}
	if len(msg.Content) > MaxContentLength {
		return fmt.Errorf("chat: message longer than %d bytes", MaxContentLength)
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = util.NowMillis()
	}
	fields, err := docstore.ToFields(msg)
	if err != nil {
		return err
	}
	if _, err := s.docs.Add(ctx, messagesPath(threadID), fields); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	log.Debugf("[%s]: %s -> %s (%s)", threadID, msg.From, msg.To, msg.Type)
	return nil
}

// Messages returns the newest messages of the thread, oldest first.
func (s *Store) Messages(ctx context.Context, threadID string) ([]Message, error) {
	if err := validThread(threadID); err != nil {
		return nil, err
	}
	docs, err := s.docs.List(ctx, messagesPath(threadID))
	if err != nil {
		return nil, err
	}
	buf := util.NewRingBuffer[Message](s.bufferSize)
	for _, d := range docs {
		if m, ok := decode(d); ok {
			buf.Push(m)
		}
	}
	return buf.Snapshot(), nil
}

// Subscribe emits the thread, oldest first, once with the existing messages
// and again after every appended message. Only the newest bufferSize
// messages are kept. The channel closes when cancel is called or ctx ends.
func (s *Store) Subscribe(ctx context.Context, threadID string) (<-chan []Message, func(), error) {
	if err := validThread(threadID); err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	docs, err := s.docs.WatchCollection(ctx, messagesPath(threadID))
	if err != nil {
		cancel()
		return nil, nil, err
	}

	out := make(chan []Message, 1)
	go func() {
		defer close(out)
		buf := util.NewRingBuffer[Message](s.bufferSize)
		emit := func() bool {
			snap := buf.Snapshot()
			// Latest wins for slow readers.
			select {
			case <-out:
			default:
			}
			select {
			case out <- snap:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !emit() {
			return
		}
		for {
			select {
			case d, ok := <-docs:
				if !ok {
					return
				}
				m, ok := decode(d)
				if !ok {
					continue
				}
				buf.Push(m)
				if !emit() {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return out, func() { once.Do(cancel) }, nil
}

func decode(d docstore.Document) (Message, bool) {
	var m Message
	if err := d.DataTo(&m); err != nil {
		log.Warnf("skipping malformed message %s: %v", d.Path, err)
		return Message{}, false
	}
	if m.ID == "" {
		m.ID = d.ID()
	}
	return m, true
}
