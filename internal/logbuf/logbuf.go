// internal/logbuf/logbuf.go
package logbuf

import (
	"sync"
	"time"
)

// Capacity is the fixed number of retained entries.
// Eviction is strictly FIFO once the buffer is full.
const Capacity = 200

// Entry is one structured log record.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Buffer is a bounded, append-only ring of log entries with live
// subscriptions. Append never blocks; slow subscribers lose entries.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	subs    map[int]chan Entry
	nextID  int
}

// New creates an empty buffer.
func New() *Buffer {
	return &Buffer{
		subs: make(map[int]chan Entry),
	}
}

// Append stores an entry, evicting the oldest one when full, and fans it
// out to live subscribers (best effort: full subscriber channels are skipped).
func (b *Buffer) Append(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, e)
	if len(b.entries) > Capacity {
		b.entries = b.entries[len(b.entries)-Capacity:]
	}

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// ExportAll returns an ordered copy of all retained entries.
func (b *Buffer) ExportAll() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len returns the number of retained entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Subscribe registers a live observer. The returned channel receives entries
// appended after this call. cancel unregisters the observer and closes the
// channel; re-subscribing starts a fresh stream.
func (b *Buffer) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Entry, buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
