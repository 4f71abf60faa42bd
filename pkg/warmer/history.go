package warmer

import (
	"context"
	"sync"
	"time"

	"github.com/openfroyo/linkval/pkg/cache"
)

// Access is a real lookup of a validator. Hits counts lookups folded into
// one entry; zero reads as one.
type Access struct {
	Key  cache.Key `json:"key"`
	At   time.Time `json:"at"`
	Hits int       `json:"hits"`
}

// Weight returns the number of lookups a represents.
func (a Access) Weight() int {
	return max(a.Hits, 1)
}

// HistoryStore persists access history across restarts.
type HistoryStore interface {
	AppendAccess(ctx context.Context, a Access) error
	RecentAccesses(ctx context.Context, since time.Time, limit int) ([]Access, error)
	PruneAccesses(ctx context.Context, before time.Time) (int64, error)
}

// History is a bounded ring of accesses. When full the oldest access is
// overwritten.
type History struct {
	mu    sync.Mutex
	buf   []Access
	start int
	size  int
}

// NewHistory creates a history holding at most limit accesses.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistorySize
	}
	return &History{buf: make([]Access, limit)}
}

// Append records a.
func (h *History) Append(a Access) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = a
		h.size++
		return
	}
	h.buf[h.start] = a
	h.start = (h.start + 1) % len(h.buf)
}

// Since returns accesses at or after t, oldest first.
func (h *History) Since(t time.Time) []Access {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Access, 0, h.size)
	for i := 0; i < h.size; i++ {
		a := h.buf[(h.start+i)%len(h.buf)]
		if !a.At.Before(t) {
			out = append(out, a)
		}
	}
	return out
}

// Snapshot returns every retained access, oldest first.
func (h *History) Snapshot() []Access {
	return h.Since(time.Time{})
}

// Len returns the number of retained accesses.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Cap returns the history bound.
func (h *History) Cap() int {
	return len(h.buf)
}
