// Package logs keeps recent go-log output in memory for the UI API.
package logs

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/duocall/internal/util"
)

// Entry is one captured log line. Seq increases by one per line.
type Entry struct {
	Seq    uint64    `json:"seq"`
	TS     time.Time `json:"ts"`
	Level  string    `json:"level,omitempty"`
	Logger string    `json:"logger,omitempty"`
	Msg    string    `json:"msg"`
}

// Buffer holds the newest lines and fans new ones out to followers.
type Buffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[Entry]
	seq     uint64
	partial bytes.Buffer
	subs    map[chan Entry]struct{}
}

func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = 500
	}
	return &Buffer{
		entries: util.NewRingBuffer[Entry](max),
		subs:    make(map[chan Entry]struct{}),
	}
}

// Capture copies every go-log line into b until stop is called.
func (b *Buffer) Capture() (stop func()) {
	r := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	go func() {
		_, _ = io.Copy(b, r)
	}()
	return func() { _ = r.Close() }
}

// Write implements io.Writer. Incomplete lines wait for their newline.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		i := bytes.IndexByte(b.partial.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(b.partial.Next(i + 1)[:i]), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		b.seq++
		e := parseLine(line)
		e.Seq = b.seq
		e.TS = time.Now()
		b.entries.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default: // slow follower misses lines
			}
		}
	}
	return len(p), nil
}

// parseLine splits go-log's plaintext layout:
// time, level, logger, caller and message separated by tabs.
func parseLine(line string) Entry {
	parts := strings.SplitN(line, "\t", 5)
	switch len(parts) {
	case 5:
		return Entry{Level: strings.ToLower(parts[1]), Logger: parts[2], Msg: parts[4]}
	case 4:
		return Entry{Level: strings.ToLower(parts[1]), Logger: parts[2], Msg: parts[3]}
	default:
		return Entry{Msg: line}
	}
}

// Since returns buffered entries after seq, oldest first. A non-empty
// logger keeps only that subsystem's lines.
func (b *Buffer) Since(seq uint64, logger string) []Entry {
	all := b.entries.Snapshot()
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if e.Seq > seq && Match(e, logger) {
			out = append(out, e)
		}
	}
	return out
}

// Match reports whether e belongs to logger; "" matches everything.
func Match(e Entry, logger string) bool {
	return logger == "" || e.Logger == logger
}

// Subscribe follows new lines until cancel is called.
func (b *Buffer) Subscribe() (<-chan Entry, func()) {
	ch := make(chan Entry, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
}
