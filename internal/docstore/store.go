// Package docstore is a small hierarchical document store with live
// watches. Paths alternate collection and document segments, e.g.
// "calls/u2" (document) and "calls/u2/callerCandidates" (collection).
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("docstore")

var (
	ErrNotFound = errors.New("docstore: document not found")
	ErrExists   = errors.New("docstore: document already exists")
	ErrClosed   = errors.New("docstore: store closed")
)

// Fields is the JSON-compatible body of a document.
type Fields map[string]any

// Document is a snapshot of one path. Seq orders documents inside their
// collection by creation; Version changes on every write.
type Document struct {
	Path    string `json:"path"`
	Data    Fields `json:"data,omitempty"`
	Exists  bool   `json:"exists"`
	Seq     int64  `json:"seq,omitempty"`
	Version int64  `json:"version,omitempty"`
}

// ID is the last path segment.
func (d Document) ID() string {
	if i := strings.LastIndexByte(d.Path, '/'); i >= 0 {
		return d.Path[i+1:]
	}
	return d.Path
}

// DataTo decodes the document fields into v using its JSON tags.
func (d Document) DataTo(v any) error {
	if !d.Exists {
		return ErrNotFound
	}
	b, err := json.Marshal(d.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Store is implemented by every backend.
type Store interface {
	Get(ctx context.Context, path string) (Document, error)
	// Create writes the document only if it does not exist yet.
	Create(ctx context.Context, path string, fields Fields) error
	Set(ctx context.Context, path string, fields Fields) error
	// Update merges top-level fields into an existing document.
	Update(ctx context.Context, path string, fields Fields) error
	// Delete removes the document and everything below it. Missing paths are not an error.
	Delete(ctx context.Context, path string) error
	// Add appends a new document with a generated id to the collection.
	Add(ctx context.Context, collection string, fields Fields) (string, error)
	List(ctx context.Context, collection string) ([]Document, error)

	// WatchDocument emits the current snapshot and then one snapshot per change.
	WatchDocument(ctx context.Context, path string) (<-chan Document, error)
	// WatchCollection emits every child, existing and future, exactly once in Seq order.
	WatchCollection(ctx context.Context, collection string) (<-chan Document, error)

	Close() error
}

// ToFields marshals a struct into document fields through its JSON tags.
func ToFields(v any) (Fields, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var f Fields
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	return f, nil
}

// normalize deep-copies fields into plain JSON values.
func normalize(f Fields) (Fields, error) {
	if f == nil {
		return Fields{}, nil
	}
	return ToFields(f)
}

func merge(dst, src Fields) Fields {
	out := make(Fields, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

func splitPath(p string) ([]string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil, errors.New("docstore: empty path")
	}
	segs := strings.Split(p, "/")
	for _, s := range segs {
		if s == "" || s == "." || s == ".." {
			return nil, fmt.Errorf("docstore: invalid path %q", p)
		}
	}
	return segs, nil
}

// DocPath validates a document path and returns it with its parent collection.
func DocPath(p string) (path, parent string, err error) {
	segs, err := splitPath(p)
	if err != nil {
		return "", "", err
	}
	if len(segs)%2 != 0 {
		return "", "", fmt.Errorf("docstore: %q is a collection, not a document", p)
	}
	return strings.Join(segs, "/"), strings.Join(segs[:len(segs)-1], "/"), nil
}

// CollectionPath validates a collection path.
func CollectionPath(p string) (string, error) {
	segs, err := splitPath(p)
	if err != nil {
		return "", err
	}
	if len(segs)%2 != 1 {
		return "", fmt.Errorf("docstore: %q is a document, not a collection", p)
	}
	return strings.Join(segs, "/"), nil
}

func isDescendant(path, root string) bool {
	return strings.HasPrefix(path, root+"/")
}

// mailbox is an unbounded per-watcher queue, so a slow consumer never makes
// a writer block or lose an event.
type mailbox struct {
	mu     sync.Mutex
	queue  []Document
	done   bool
	notify chan struct{}
	out    chan Document
}

func newMailbox(ctx context.Context) *mailbox {
	m := &mailbox{
		notify: make(chan struct{}, 1),
		out:    make(chan Document),
	}
	go m.pump(ctx)
	return m
}

func (m *mailbox) push(d Document) {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, d)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// close stops the mailbox after already queued documents are delivered.
func (m *mailbox) close() {
	m.mu.Lock()
	m.done = true
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) pump(ctx context.Context) {
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			done := m.done
			m.mu.Unlock()
			if done {
				return
			}
			select {
			case <-m.notify:
				continue
			case <-ctx.Done():
				m.mu.Lock()
				m.done = true
				m.mu.Unlock()
				return
			}
		}
		d := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- d:
		case <-ctx.Done():
			m.mu.Lock()
			m.done = true
			m.queue = nil
			m.mu.Unlock()
			return
		}
	}
}
