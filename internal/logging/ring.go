package logging

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// Entry is one retained log record. Line is the fully encoded text.
type Entry struct {
	Time    time.Time     `json:"time"`
	Level   zapcore.Level `json:"level"`
	Logger  string        `json:"logger,omitempty"`
	Message string        `json:"msg"`
	Line    string        `json:"line"`
}

// Ring is a fixed-size circular store of the most recent log entries, fed by
// the core returned from Core and read by /api/logs.
type Ring struct {
	mu      sync.Mutex
	buf     []Entry
	next    int
	full    bool
	dropped uint64
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = 2000
	}
	return &Ring{buf: make([]Entry, size)}
}

func (r *Ring) add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		r.dropped++
	}
	r.buf[r.next] = e
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// ordered returns the retained entries oldest first. Callers hold mu.
func (r *Ring) ordered() []Entry {
	if !r.full {
		return r.buf[:r.next]
	}
	out := make([]Entry, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Entries returns the last tail entries at or above floor, oldest first.
// tail <= 0 means 200.
func (r *Ring) Entries(tail int, floor zapcore.Level) []Entry {
	if tail <= 0 {
		tail = 200
	}
	r.mu.Lock()
	all := r.ordered()
	var out []Entry
	for i := len(all) - 1; i >= 0 && len(out) < tail; i-- {
		if all[i].Level >= floor {
			out = append(out, all[i])
		}
	}
	r.mu.Unlock()
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Snapshot is Entries as text, plus the number of entries overwritten so far.
func (r *Ring) Snapshot(tail int, floor zapcore.Level) (lines []string, dropped uint64) {
	for _, e := range r.Entries(tail, floor) {
		lines = append(lines, e.Line)
	}
	r.mu.Lock()
	dropped = r.dropped
	r.mu.Unlock()
	return lines, dropped
}

// Core returns a zapcore.Core that records every enabled entry into r.
func (r *Ring) Core(enc zapcore.Encoder, enab zapcore.LevelEnabler) zapcore.Core {
	return &ringCore{LevelEnabler: enab, enc: enc, ring: r}
}

type ringCore struct {
	zapcore.LevelEnabler
	enc  zapcore.Encoder
	ring *Ring
}

func (c *ringCore) With(fields []zapcore.Field) zapcore.Core {
	enc := c.enc.Clone()
	for i := range fields {
		fields[i].AddTo(enc)
	}
	return &ringCore{LevelEnabler: c.LevelEnabler, enc: enc, ring: c.ring}
}

func (c *ringCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *ringCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	line := strings.TrimRight(buf.String(), "\r\n")
	buf.Free()
	c.ring.add(Entry{
		Time:    ent.Time,
		Level:   ent.Level,
		Logger:  ent.LoggerName,
		Message: ent.Message,
		Line:    line,
	})
	return nil
}

func (c *ringCore) Sync() error { return nil }
