package docstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Store. Two controllers in one process can signal
// through it; tests use it as the reference backend.
type Memory struct {
	mu     sync.Mutex
	seq    int64
	docs   map[string]Document
	closed bool

	docWatch map[string]map[*mailbox]struct{}
	colWatch map[string]map[*mailbox]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[string]Document),
		docWatch: make(map[string]map[*mailbox]struct{}),
		colWatch: make(map[string]map[*mailbox]struct{}),
	}
}

func (m *Memory) Get(ctx context.Context, path string) (Document, error) {
	p, _, err := DocPath(path)
	if err != nil {
		return Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Document{}, ErrClosed
	}
	d, ok := m.docs[p]
	if !ok {
		return Document{Path: p}, ErrNotFound
	}
	return d, nil
}

func (m *Memory) Create(ctx context.Context, path string, fields Fields) error {
	return m.write(path, fields, func(old Document, ok bool, data Fields) (Fields, error) {
		if ok {
			return nil, ErrExists
		}
		return data, nil
	})
}

func (m *Memory) Set(ctx context.Context, path string, fields Fields) error {
	return m.write(path, fields, func(_ Document, _ bool, data Fields) (Fields, error) {
		return data, nil
	})
}

func (m *Memory) Update(ctx context.Context, path string, fields Fields) error {
	return m.write(path, fields, func(old Document, ok bool, data Fields) (Fields, error) {
		if !ok {
			return nil, ErrNotFound
		}
		return merge(old.Data, data), nil
	})
}

func (m *Memory) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	col, err := CollectionPath(collection)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	return id, m.Create(ctx, col+"/"+id, fields)
}

func (m *Memory) write(path string, fields Fields, apply func(old Document, ok bool, data Fields) (Fields, error)) error {
	p, parent, err := DocPath(path)
	if err != nil {
		return err
	}
	data, err := normalize(fields)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	old, ok := m.docs[p]
	next, err := apply(old, ok, data)
	if err != nil {
		return err
	}
	m.seq++
	d := Document{Path: p, Data: next, Exists: true, Seq: old.Seq, Version: m.seq}
	if !ok {
		d.Seq = m.seq
	}
	m.docs[p] = d

	for mb := range m.docWatch[p] {
		mb.push(d)
	}
	if !ok {
		for mb := range m.colWatch[parent] {
			mb.push(d)
		}
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	p, _, err := DocPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for k := range m.docs {
		if k != p && !isDescendant(k, p) {
			continue
		}
		delete(m.docs, k)
		m.seq++
		for mb := range m.docWatch[k] {
			mb.push(Document{Path: k, Version: m.seq})
		}
	}
	return nil
}

func (m *Memory) List(ctx context.Context, collection string) ([]Document, error) {
	col, err := CollectionPath(collection)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.childrenLocked(col, 0), nil
}

func (m *Memory) childrenLocked(col string, after int64) []Document {
	var out []Document
	for k, d := range m.docs {
		if !isDescendant(k, col) || d.Seq <= after {
			continue
		}
		if _, parent, _ := DocPath(k); parent != col {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (m *Memory) WatchDocument(ctx context.Context, path string) (<-chan Document, error) {
	p, _, err := DocPath(path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	mb := newMailbox(ctx)
	if d, ok := m.docs[p]; ok {
		mb.push(d)
	} else {
		mb.push(Document{Path: p})
	}
	addWatch(m.docWatch, p, mb)
	go m.unwatchOnDone(ctx, m.docWatch, p, mb)
	return mb.out, nil
}

func (m *Memory) WatchCollection(ctx context.Context, collection string) (<-chan Document, error) {
	col, err := CollectionPath(collection)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	mb := newMailbox(ctx)
	for _, d := range m.childrenLocked(col, 0) {
		mb.push(d)
	}
	addWatch(m.colWatch, col, mb)
	go m.unwatchOnDone(ctx, m.colWatch, col, mb)
	return mb.out, nil
}

func (m *Memory) unwatchOnDone(ctx context.Context, set map[string]map[*mailbox]struct{}, key string, mb *mailbox) {
	<-ctx.Done()
	m.mu.Lock()
	removeWatch(set, key, mb)
	m.mu.Unlock()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, set := range []map[string]map[*mailbox]struct{}{m.docWatch, m.colWatch} {
		for key, mbs := range set {
			for mb := range mbs {
				mb.close()
			}
			delete(set, key)
		}
	}
	return nil
}

func addWatch(set map[string]map[*mailbox]struct{}, key string, mb *mailbox) {
	if set[key] == nil {
		set[key] = make(map[*mailbox]struct{})
	}
	set[key][mb] = struct{}{}
}

func removeWatch(set map[string]map[*mailbox]struct{}, key string, mb *mailbox) {
	if mbs, ok := set[key]; ok {
		delete(mbs, mb)
		if len(mbs) == 0 {
			delete(set, key)
		}
	}
}
