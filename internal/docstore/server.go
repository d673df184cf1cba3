package docstore

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var hubUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 16384,
	// Clients are duocall processes, not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes a Store to Remote clients over WebSocket.
type Server struct {
	store Store
}

func NewServer(store Store) *Server {
	return &Server{store: store}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := hubUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("hub: websocket upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	log.Infof("hub: client %s connected", r.RemoteAddr)

	ctx, cancel := context.WithCancel(context.Background())
	sc := &serverConn{
		conn:    conn,
		store:   s.store,
		watches: make(map[uint64]context.CancelFunc),
	}
	sc.serve(ctx)
	cancel()
	sc.wg.Wait()
	conn.Close()
	log.Infof("hub: client %s disconnected", r.RemoteAddr)
}

type serverConn struct {
	conn  *websocket.Conn
	store Store
	wmu   sync.Mutex
	wg    sync.WaitGroup

	mu      sync.Mutex
	watches map[uint64]context.CancelFunc
}

func (c *serverConn) send(f frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(f)
}

func (c *serverConn) serve(ctx context.Context) {
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Op {
		case opWatchDoc, opWatchColl:
			c.startWatch(ctx, f)
		case opUnwatch:
			c.mu.Lock()
			if stop, ok := c.watches[f.Watch]; ok {
				stop()
				delete(c.watches, f.Watch)
			}
			c.mu.Unlock()
		default:
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.reply(ctx, f)
			}()
		}
	}
}

func (c *serverConn) reply(ctx context.Context, f frame) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp := frame{ID: f.ID, Reply: true}
	var err error
	switch f.Op {
	case opGet:
		var d Document
		d, err = c.store.Get(ctx, f.Path)
		if err == nil {
			resp.Doc = &d
		}
	case opCreate:
		err = c.store.Create(ctx, f.Path, f.Data)
	case opSet:
		err = c.store.Set(ctx, f.Path, f.Data)
	case opUpdate:
		err = c.store.Update(ctx, f.Path, f.Data)
	case opDelete:
		err = c.store.Delete(ctx, f.Path)
	case opAdd:
		resp.DocID, err = c.store.Add(ctx, f.Path, f.Data)
	case opList:
		resp.Docs, err = c.store.List(ctx, f.Path)
	default:
		resp.Code, resp.Error = codeInternal, "unknown op "+f.Op
	}
	if err != nil {
		resp.Code, resp.Error = errorCode(err), err.Error()
	}
	if err := c.send(resp); err != nil {
		log.Debugf("hub: reply %d: %v", f.ID, err)
	}
}

func (c *serverConn) startWatch(ctx context.Context, f frame) {
	wctx, stop := context.WithCancel(ctx)

	var (
		ch  <-chan Document
		err error
	)
	if f.Op == opWatchDoc {
		ch, err = c.store.WatchDocument(wctx, f.Path)
	} else {
		ch, err = c.store.WatchCollection(wctx, f.Path)
	}
	resp := frame{ID: f.ID, Reply: true}
	if err != nil {
		stop()
		resp.Code, resp.Error = errorCode(err), err.Error()
		_ = c.send(resp)
		return
	}

	c.mu.Lock()
	c.watches[f.ID] = stop
	c.mu.Unlock()
	if err := c.send(resp); err != nil {
		stop()
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer stop()
		for d := range ch {
			d := d
			if err := c.send(frame{Watch: f.ID, Doc: &d}); err != nil {
				return
			}
		}
	}()
}
