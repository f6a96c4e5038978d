package debounce

import (
	"sync"
	"testing"
	"time"

	"whatsapp-chatbot/internal/clock"
)

type recorder struct {
	mu      sync.Mutex
	flushes map[string][][]string
}

func newRecorder() *recorder {
	return &recorder{flushes: map[string][][]string{}}
}

func (r *recorder) flush(key string, items []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes[key] = append(r.flushes[key], items)
}

func (r *recorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flushes[key])
}

func TestBurstFlushesOnceAfterQuietWindow(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	rec := newRecorder()
	buf := New[string](clk, 11*time.Second, 30*time.Second, rec.flush)

	buf.Add("k", "a")
	clk.Advance(5 * time.Second)
	buf.Add("k", "b")
	clk.Advance(5 * time.Second)
	buf.Add("k", "c")

	clk.Advance(10 * time.Second)
	if rec.count("k") != 0 {
		t.Fatal("flushed before the window expired")
	}
	clk.Advance(time.Second)
	if rec.count("k") != 1 {
		t.Fatalf("flushes = %d, want 1", rec.count("k"))
	}
	got := rec.flushes["k"][0]
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("items = %v", got)
	}
	if buf.Len() != 0 {
		t.Error("flushed key still pending")
	}
}

// WHAT: a sender keeps typing every 10s, never leaving an 11s gap.
// WHY: without the cap the burst would never flush.
func TestMaxWaitCapsBuffering(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	rec := newRecorder()
	buf := New[string](clk, 11*time.Second, 30*time.Second, rec.flush)

	for i := 0; i < 4; i++ {
		buf.Add("k", "x")
		clk.Advance(10 * time.Second)
	}
	if rec.count("k") != 1 {
		t.Fatalf("flushes = %d, want 1 by the 30s cap", rec.count("k"))
	}
	if n := len(rec.flushes["k"][0]); n != 3 {
		t.Errorf("first flush carried %d items, want 3", n)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	clk := clock.NewFake(time.Now())
	rec := newRecorder()
	buf := New[string](clk, time.Second, time.Second, rec.flush)

	buf.Add("a", "1")
	buf.Add("b", "2")
	if buf.Len() != 2 {
		t.Fatalf("len = %d", buf.Len())
	}
	buf.Cancel("b")
	clk.Advance(2 * time.Second)
	if rec.count("a") != 1 || rec.count("b") != 0 {
		t.Errorf("flushes a=%d b=%d", rec.count("a"), rec.count("b"))
	}
}

func TestFlushAll(t *testing.T) {
	clk := clock.NewFake(time.Now())
	rec := newRecorder()
	buf := New[string](clk, time.Minute, time.Minute, rec.flush)
	buf.Add("a", "1")
	buf.Add("b", "2")

	buf.FlushAll()
	if rec.count("a") != 1 || rec.count("b") != 1 {
		t.Fatalf("flush all: %v", rec.flushes)
	}
	clk.Advance(2 * time.Minute)
	if rec.count("a") != 1 {
		t.Error("stopped timer flushed again")
	}
}
