// internal/logbuf/logbuf_test.go
package logbuf

import (
	"fmt"
	"log/slog"
	"testing"
	"time"
)

func entry(i int) Entry {
	return Entry{
		Time:    time.Unix(int64(i), 0),
		Level:   "info",
		Message: fmt.Sprintf("entry-%d", i),
	}
}

func TestAppend_FIFOEviction(t *testing.T) {
	b := New()

	total := Capacity + 50
	for i := 0; i < total; i++ {
		b.Append(entry(i))
	}

	got := b.ExportAll()
	if len(got) != Capacity {
		t.Fatalf("retained %d entries, want %d", len(got), Capacity)
	}

	// Oldest 50 must be gone, order preserved.
	for i, e := range got {
		want := fmt.Sprintf("entry-%d", i+50)
		if e.Message != want {
			t.Fatalf("entry %d: got %q, want %q", i, e.Message, want)
		}
	}
}

func TestExportAll_ReturnsCopy(t *testing.T) {
	b := New()
	b.Append(entry(1))

	out := b.ExportAll()
	out[0].Message = "mutated"

	if b.ExportAll()[0].Message != "entry-1" {
		t.Fatal("ExportAll must return a copy")
	}
}

func TestSubscribe_DeliversAndCancels(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(4)

	b.Append(entry(1))
	b.Append(entry(2))

	if e := <-ch; e.Message != "entry-1" {
		t.Fatalf("got %q, want entry-1", e.Message)
	}
	if e := <-ch; e.Message != "entry-2" {
		t.Fatalf("got %q, want entry-2", e.Message)
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel must be closed after cancel")
	}

	// Appends after cancel must not panic or block.
	b.Append(entry(3))

	// Re-subscribing starts a fresh stream.
	ch2, cancel2 := b.Subscribe(1)
	defer cancel2()
	b.Append(entry(4))
	if e := <-ch2; e.Message != "entry-4" {
		t.Fatalf("got %q, want entry-4", e.Message)
	}
}

func TestSubscribe_SlowObserverDoesNotBlockAppend(t *testing.T) {
	b := New()
	_, cancel := b.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		// Buffer of 1, nobody reading: second append must drop, not block.
		b.Append(entry(1))
		b.Append(entry(2))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Append blocked on a slow subscriber")
	}
}

func TestHandler_FeedsBuffer(t *testing.T) {
	b := New()
	logger := slog.New(NewHandler(b, nil)).With("component", "test")

	logger.Info("card inserted", "serial", "A1B2")
	logger.Warn("probe slow")
	logger.Error("read failed")

	got := b.ExportAll()
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	if got[0].Level != "info" || got[1].Level != "warn" || got[2].Level != "error" {
		t.Fatalf("levels: %s %s %s", got[0].Level, got[1].Level, got[2].Level)
	}
	if got[0].Message != "card inserted component=test serial=A1B2" {
		t.Fatalf("message: %q", got[0].Message)
	}
}
