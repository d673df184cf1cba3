package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Remote is a Store client for a duocall hub reached over WebSocket.
type Remote struct {
	conn *websocket.Conn
	wmu  sync.Mutex // gorilla allows one concurrent writer

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan frame
	watches map[uint64]*mailbox
	err     error
	done    chan struct{}
}

// DialRemote connects to a hub, e.g. ws://10.0.0.5:8790/store.
func DialRemote(ctx context.Context, url string) (*Remote, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub %s: %w", url, err)
	}
	r := &Remote{
		conn:    conn,
		pending: make(map[uint64]chan frame),
		watches: make(map[uint64]*mailbox),
		done:    make(chan struct{}),
	}
	go r.readLoop()
	return r, nil
}

func (r *Remote) readLoop() {
	var err error
	for {
		var f frame
		if err = r.conn.ReadJSON(&f); err != nil {
			break
		}
		r.mu.Lock()
		if f.Reply {
			if ch, ok := r.pending[f.ID]; ok {
				delete(r.pending, f.ID)
				ch <- f
			}
		} else if mb, ok := r.watches[f.Watch]; ok && f.Doc != nil {
			mb.push(*f.Doc)
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	if r.err == nil {
		r.err = fmt.Errorf("docstore: hub connection lost: %w", err)
		log.Warnf("%v", r.err)
	}
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
	for id, mb := range r.watches {
		mb.close()
		delete(r.watches, id)
	}
	r.mu.Unlock()
	close(r.done)
}

func (r *Remote) send(f frame) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	r.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return r.conn.WriteJSON(f)
}

// call sends a request and waits for its reply.
func (r *Remote) call(ctx context.Context, f frame) (frame, error) {
	ch := make(chan frame, 1)
	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return frame{}, r.err
	}
	r.nextID++
	f.ID = r.nextID
	r.pending[f.ID] = ch
	r.mu.Unlock()

	if err := r.send(f); err != nil {
		r.mu.Lock()
		delete(r.pending, f.ID)
		r.mu.Unlock()
		return frame{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return frame{}, r.connErr()
		}
		return resp, codeError(resp.Code, resp.Error)
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, f.ID)
		r.mu.Unlock()
		return frame{}, ctx.Err()
	}
}

func (r *Remote) connErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	return ErrClosed
}

func (r *Remote) Get(ctx context.Context, path string) (Document, error) {
	p, _, err := DocPath(path)
	if err != nil {
		return Document{}, err
	}
	resp, err := r.call(ctx, frame{Op: opGet, Path: p})
	if err != nil {
		return Document{Path: p}, err
	}
	if resp.Doc == nil {
		return Document{Path: p}, ErrNotFound
	}
	return *resp.Doc, nil
}

func (r *Remote) Create(ctx context.Context, path string, fields Fields) error {
	_, err := r.call(ctx, frame{Op: opCreate, Path: path, Data: fields})
	return err
}

func (r *Remote) Set(ctx context.Context, path string, fields Fields) error {
	_, err := r.call(ctx, frame{Op: opSet, Path: path, Data: fields})
	return err
}

func (r *Remote) Update(ctx context.Context, path string, fields Fields) error {
	_, err := r.call(ctx, frame{Op: opUpdate, Path: path, Data: fields})
	return err
}

func (r *Remote) Delete(ctx context.Context, path string) error {
	_, err := r.call(ctx, frame{Op: opDelete, Path: path})
	return err
}

func (r *Remote) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	resp, err := r.call(ctx, frame{Op: opAdd, Path: collection, Data: fields})
	if err != nil {
		return "", err
	}
	return resp.DocID, nil
}

func (r *Remote) List(ctx context.Context, collection string) ([]Document, error) {
	resp, err := r.call(ctx, frame{Op: opList, Path: collection})
	if err != nil {
		return nil, err
	}
	return resp.Docs, nil
}

func (r *Remote) WatchDocument(ctx context.Context, path string) (<-chan Document, error) {
	return r.watch(ctx, opWatchDoc, path)
}

func (r *Remote) WatchCollection(ctx context.Context, collection string) (<-chan Document, error) {
	return r.watch(ctx, opWatchColl, collection)
}

// watch registers the mailbox under the request id before sending, so no
// event that follows the reply can be missed.
func (r *Remote) watch(ctx context.Context, op, path string) (<-chan Document, error) {
	mb := newMailbox(ctx)
	ch := make(chan frame, 1)

	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		mb.close()
		return nil, r.err
	}
	r.nextID++
	id := r.nextID
	r.pending[id] = ch
	r.watches[id] = mb
	r.mu.Unlock()

	drop := func() {
		r.mu.Lock()
		delete(r.pending, id)
		delete(r.watches, id)
		r.mu.Unlock()
		mb.close()
	}

	if err := r.send(frame{ID: id, Op: op, Path: path}); err != nil {
		drop()
		return nil, err
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			drop()
			return nil, r.connErr()
		}
		if err := codeError(resp.Code, resp.Error); err != nil {
			drop()
			return nil, err
		}
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-r.done:
			return
		}
		r.mu.Lock()
		_, live := r.watches[id]
		delete(r.watches, id)
		r.mu.Unlock()
		if live {
			if err := r.send(frame{Op: opUnwatch, Watch: id}); err != nil {
				log.Debugf("unwatch %d: %v", id, err)
			}
		}
	}()
	return mb.out, nil
}

func (r *Remote) Close() error {
	r.mu.Lock()
	if r.err == nil {
		r.err = ErrClosed
	}
	r.mu.Unlock()

	r.wmu.Lock()
	_ = r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	r.wmu.Unlock()
	err := r.conn.Close()
	<-r.done
	return err
}
