package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const dbFile = "docs.db"

// Keep this much change history for pollers in other processes.
const changeRetention = 10 * time.Minute

// SQLite is a Store backed by a SQLite database file. Several processes on
// one machine may open the same directory; each learns about the others'
// writes from the change log, woken early by fsnotify events on the directory.
type SQLite struct {
	db   *sql.DB
	path string
	mu   sync.Mutex // serializes writers in this process

	poll     time.Duration
	wake     chan struct{}
	stop     chan struct{}
	loopDone chan struct{}
	fsw      *fsnotify.Watcher

	// pollMu guards the watcher tables and the change cursor. It is held for
	// a whole poll pass so a new watcher's initial snapshot cannot interleave.
	pollMu    sync.Mutex
	lastID    int64
	closed    bool
	docWatch  map[string]map[*docWatcher]struct{}
	colWatch  map[string]map[*colWatcher]struct{}
	lastPrune time.Time
}

type docWatcher struct {
	mb      *mailbox
	exists  bool
	version int64
}

type colWatcher struct {
	mb      *mailbox
	lastSeq int64
}

// OpenSQLite opens or creates the store in dir.
func OpenSQLite(dir string, poll time.Duration) (*SQLite, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	dbPath := filepath.Join(dir, dbFile)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// WAL lets other processes read while we write; busy_timeout covers their writes.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA synchronous = NORMAL;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS docs (
			path    TEXT PRIMARY KEY,
			parent  TEXT NOT NULL,
			data    TEXT NOT NULL,
			seq     INTEGER NOT NULL,
			version INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_docs_parent ON docs(parent, seq);
		CREATE TABLE IF NOT EXISTS changes (
			id     INTEGER PRIMARY KEY AUTOINCREMENT,
			path   TEXT NOT NULL,
			parent TEXT NOT NULL,
			at     INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	s := &SQLite{
		db:       db,
		path:     dbPath,
		poll:     poll,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
		docWatch: make(map[string]map[*docWatcher]struct{}),
		colWatch: make(map[string]map[*colWatcher]struct{}),
	}

	// Changes written before we opened are history, not events.
	if err := db.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM changes`).Scan(&s.lastID); err != nil {
		db.Close()
		return nil, fmt.Errorf("read change cursor: %w", err)
	}

	if fsw, err := fsnotify.NewWatcher(); err != nil {
		log.Warnf("fsnotify unavailable, polling only: %v", err)
	} else if err := fsw.Add(dir); err != nil {
		log.Warnf("watch %s: %v, polling only", dir, err)
		fsw.Close()
	} else {
		s.fsw = fsw
	}

	go s.loop()
	return s, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

func (s *SQLite) Get(ctx context.Context, path string) (Document, error) {
	p, _, err := DocPath(path)
	if err != nil {
		return Document{}, err
	}
	return s.get(ctx, s.db, p)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) get(ctx context.Context, q queryer, p string) (Document, error) {
	var raw string
	d := Document{Path: p}
	err := q.QueryRowContext(ctx, `SELECT data, seq, version FROM docs WHERE path = ?`, p).
		Scan(&raw, &d.Seq, &d.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal([]byte(raw), &d.Data); err != nil {
		return d, fmt.Errorf("decode %s: %w", p, err)
	}
	d.Exists = true
	return d, nil
}

func (s *SQLite) Create(ctx context.Context, path string, fields Fields) error {
	return s.write(ctx, path, fields, func(old Document, ok bool, data Fields) (Fields, error) {
		if ok {
			return nil, ErrExists
		}
		return data, nil
	})
}

func (s *SQLite) Set(ctx context.Context, path string, fields Fields) error {
	return s.write(ctx, path, fields, func(_ Document, _ bool, data Fields) (Fields, error) {
		return data, nil
	})
}

func (s *SQLite) Update(ctx context.Context, path string, fields Fields) error {
	return s.write(ctx, path, fields, func(old Document, ok bool, data Fields) (Fields, error) {
		if !ok {
			return nil, ErrNotFound
		}
		return merge(old.Data, data), nil
	})
}

func (s *SQLite) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	col, err := CollectionPath(collection)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	return id, s.Create(ctx, col+"/"+id, fields)
}

func (s *SQLite) write(ctx context.Context, path string, fields Fields, apply func(old Document, ok bool, data Fields) (Fields, error)) error {
	p, parent, err := DocPath(path)
	if err != nil {
		return err
	}
	data, err := normalize(fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Write the change row first so the transaction holds the write lock
	// before it reads.
	changeID, err := insertChange(ctx, tx, p, parent)
	if err != nil {
		return err
	}
	old, err := s.get(ctx, tx, p)
	exists := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	next, err := apply(old, exists, data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return err
	}
	seq := old.Seq
	if !exists {
		seq = changeID
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO docs (path, parent, data, seq, version) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET data = excluded.data, version = excluded.version
	`, p, parent, string(raw), seq, changeID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.kick()
	return nil
}

func insertChange(ctx context.Context, tx *sql.Tx, p, parent string) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO changes (path, parent, at) VALUES (?, ?, ?)`, p, parent, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLite) Delete(ctx context.Context, path string) error {
	p, parent, err := DocPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := insertChange(ctx, tx, p, parent); err != nil {
		return err
	}
	prefix := p + "/"
	rows, err := tx.QueryContext(ctx,
		`SELECT path, parent FROM docs WHERE substr(path, 1, ?) = ?`, len(prefix), prefix)
	if err != nil {
		return err
	}
	var below [][2]string
	for rows.Next() {
		var dp, dparent string
		if err := rows.Scan(&dp, &dparent); err != nil {
			rows.Close()
			return err
		}
		below = append(below, [2]string{dp, dparent})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, b := range below {
		if _, err := insertChange(ctx, tx, b[0], b[1]); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM docs WHERE path = ? OR substr(path, 1, ?) = ?`, p, len(prefix), prefix); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.kick()
	return nil
}

func (s *SQLite) List(ctx context.Context, collection string) ([]Document, error) {
	col, err := CollectionPath(collection)
	if err != nil {
		return nil, err
	}
	return s.children(ctx, col, 0)
}

func (s *SQLite) children(ctx context.Context, col string, after int64) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, data, seq, version FROM docs WHERE parent = ? AND seq > ? ORDER BY seq`, col, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var raw string
		d := Document{Exists: true}
		if err := rows.Scan(&d.Path, &raw, &d.Seq, &d.Version); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &d.Data); err != nil {
			return nil, fmt.Errorf("decode %s: %w", d.Path, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLite) WatchDocument(ctx context.Context, path string) (<-chan Document, error) {
	p, _, err := DocPath(path)
	if err != nil {
		return nil, err
	}
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	d, err := s.Get(ctx, p)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	w := &docWatcher{mb: newMailbox(ctx), exists: d.Exists, version: d.Version}
	w.mb.push(d)
	if s.docWatch[p] == nil {
		s.docWatch[p] = make(map[*docWatcher]struct{})
	}
	s.docWatch[p][w] = struct{}{}

	go func() {
		<-ctx.Done()
		s.pollMu.Lock()
		delete(s.docWatch[p], w)
		if len(s.docWatch[p]) == 0 {
			delete(s.docWatch, p)
		}
		s.pollMu.Unlock()
	}()
	return w.mb.out, nil
}

func (s *SQLite) WatchCollection(ctx context.Context, collection string) (<-chan Document, error) {
	col, err := CollectionPath(collection)
	if err != nil {
		return nil, err
	}
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	existing, err := s.children(ctx, col, 0)
	if err != nil {
		return nil, err
	}
	w := &colWatcher{mb: newMailbox(ctx)}
	for _, d := range existing {
		w.mb.push(d)
		w.lastSeq = d.Seq
	}
	if s.colWatch[col] == nil {
		s.colWatch[col] = make(map[*colWatcher]struct{})
	}
	s.colWatch[col][w] = struct{}{}

	go func() {
		<-ctx.Done()
		s.pollMu.Lock()
		delete(s.colWatch[col], w)
		if len(s.colWatch[col]) == 0 {
			delete(s.colWatch, col)
		}
		s.pollMu.Unlock()
	}()
	return w.mb.out, nil
}

func (s *SQLite) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *SQLite) loop() {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	var fsEvents <-chan fsnotify.Event
	var fsErrors <-chan error
	if s.fsw != nil {
		fsEvents = s.fsw.Events
		fsErrors = s.fsw.Errors
	}

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		case <-s.wake:
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if !strings.HasPrefix(filepath.Base(ev.Name), dbFile) {
				continue
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			log.Debugf("fsnotify: %v", err)
			continue
		}
		if err := s.pollOnce(); err != nil {
			log.Warnf("poll changes: %v", err)
		}
	}
}

// pollOnce reads new change rows and refreshes the affected watchers.
func (s *SQLite) pollOnce() error {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	if s.closed {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, path, parent FROM changes WHERE id > ? ORDER BY id`, s.lastID)
	if err != nil {
		return err
	}
	paths := make(map[string]struct{})
	parents := make(map[string]struct{})
	for rows.Next() {
		var (
			id           int64
			path, parent string
		)
		if err := rows.Scan(&id, &path, &parent); err != nil {
			rows.Close()
			return err
		}
		s.lastID = id
		paths[path] = struct{}{}
		parents[parent] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for p := range paths {
		ws := s.docWatch[p]
		if len(ws) == 0 {
			continue
		}
		d, err := s.Get(ctx, p)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		for w := range ws {
			if d.Exists == w.exists && (!d.Exists || d.Version == w.version) {
				continue
			}
			w.exists, w.version = d.Exists, d.Version
			w.mb.push(d)
		}
	}

	for col := range parents {
		for w := range s.colWatch[col] {
			docs, err := s.children(ctx, col, w.lastSeq)
			if err != nil {
				return err
			}
			for _, d := range docs {
				w.mb.push(d)
				w.lastSeq = d.Seq
			}
		}
	}

	s.pruneLocked(ctx)
	return nil
}

func (s *SQLite) pruneLocked(ctx context.Context) {
	if time.Since(s.lastPrune) < time.Minute {
		return
	}
	s.lastPrune = time.Now()
	cutoff := time.Now().Add(-changeRetention).UnixMilli()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM changes WHERE at < ?`, cutoff); err != nil {
		log.Debugf("prune changes: %v", err)
	}
}

func (s *SQLite) Close() error {
	s.pollMu.Lock()
	if s.closed {
		s.pollMu.Unlock()
		return nil
	}
	s.closed = true
	for _, ws := range s.docWatch {
		for w := range ws {
			w.mb.close()
		}
	}
	for _, ws := range s.colWatch {
		for w := range ws {
			w.mb.close()
		}
	}
	s.pollMu.Unlock()

	close(s.stop)
	<-s.loopDone
	if s.fsw != nil {
		s.fsw.Close()
	}
	return s.db.Close()
}
