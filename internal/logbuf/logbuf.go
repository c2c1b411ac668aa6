// Package logbuf retains recent log records in memory so the gateway can
// serve logs.tail without touching disk.
package logbuf

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Record is one retained log line.
type Record struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Buffer is a fixed-capacity ring of log records. It implements slog.Handler
// so it can sit next to the main handler via Tee.
type Buffer struct {
	mu      sync.Mutex
	records []Record
	next    int
	full    bool

	attrs []slog.Attr
	buf   *Buffer // group/attr children share the parent ring
}

// New creates a ring holding the most recent capacity records.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &Buffer{records: make([]Record, capacity)}
}

func (b *Buffer) root() *Buffer {
	if b.buf != nil {
		return b.buf
	}
	return b
}

// Enabled reports true for every level; filtering belongs to the main handler.
func (b *Buffer) Enabled(context.Context, slog.Level) bool { return true }

// Handle appends the record to the ring.
func (b *Buffer) Handle(_ context.Context, r slog.Record) error {
	rec := Record{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
	}
	if r.NumAttrs() > 0 || len(b.attrs) > 0 {
		rec.Attrs = make(map[string]any, r.NumAttrs()+len(b.attrs))
		for _, a := range b.attrs {
			rec.Attrs[a.Key] = a.Value.Any()
		}
		r.Attrs(func(a slog.Attr) bool {
			rec.Attrs[a.Key] = a.Value.Any()
			return true
		})
	}

	root := b.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	root.records[root.next] = rec
	root.next = (root.next + 1) % len(root.records)
	if root.next == 0 {
		root.full = true
	}
	return nil
}

// WithAttrs returns a handler that stamps the attrs on every record while
// writing into the same ring.
func (b *Buffer) WithAttrs(attrs []slog.Attr) slog.Handler {
	child := &Buffer{buf: b.root()}
	child.attrs = append(append([]slog.Attr{}, b.attrs...), attrs...)
	return child
}

// WithGroup is accepted but flattened; the ring keeps attrs ungrouped.
func (b *Buffer) WithGroup(string) slog.Handler { return b }

// Tail returns up to n most recent records, oldest first.
func (b *Buffer) Tail(n int) []Record {
	root := b.root()
	root.mu.Lock()
	defer root.mu.Unlock()

	size := root.next
	if root.full {
		size = len(root.records)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Record, 0, n)
	start := root.next - n
	if start < 0 {
		start += len(root.records)
	}
	for i := 0; i < n; i++ {
		out = append(out, root.records[(start+i)%len(root.records)])
	}
	return out
}

// Tee fans records out to both handlers. Used to attach the ring alongside
// the process's main log handler.
type Tee struct {
	Primary slog.Handler
	Ring    *Buffer
}

func (t Tee) Enabled(ctx context.Context, level slog.Level) bool {
	return t.Primary.Enabled(ctx, level) || t.Ring.Enabled(ctx, level)
}

func (t Tee) Handle(ctx context.Context, r slog.Record) error {
	_ = t.Ring.Handle(ctx, r)
	if t.Primary.Enabled(ctx, r.Level) {
		return t.Primary.Handle(ctx, r)
	}
	return nil
}

func (t Tee) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Tee{Primary: t.Primary.WithAttrs(attrs), Ring: t.Ring.WithAttrs(attrs).(*Buffer)}
}

func (t Tee) WithGroup(name string) slog.Handler {
	return Tee{Primary: t.Primary.WithGroup(name), Ring: t.Ring}
}
