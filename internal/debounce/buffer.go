// Package debounce merges bursts of items per key into one flush.
package debounce

import (
	"sync"
	"time"

	"whatsapp-chatbot/internal/clock"
)

// FlushFunc receives every item buffered for key, in arrival order.
type FlushFunc[T any] func(key string, items []T)

// Buffer holds items per key until no new item arrived for the window, or
// until maxWait passed since the first item of the burst. Each Add re-arms the
// key's timer; flushed keys are removed.
type Buffer[T any] struct {
	clock   clock.Clock
	window  time.Duration
	maxWait time.Duration
	flush   FlushFunc[T]

	mu      sync.Mutex
	pending map[string]*burst[T]
}

type burst[T any] struct {
	items []T
	first time.Time
	timer clock.Timer
	seq   uint64
}

func New[T any](clk clock.Clock, window, maxWait time.Duration, flush FlushFunc[T]) *Buffer[T] {
	if maxWait < window {
		maxWait = window
	}
	return &Buffer[T]{
		clock:   clk,
		window:  window,
		maxWait: maxWait,
		flush:   flush,
		pending: make(map[string]*burst[T]),
	}
}

// Add appends item to the key's burst and returns the burst size.
func (b *Buffer[T]) Add(key string, item T) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	e, ok := b.pending[key]
	if !ok {
		e = &burst[T]{first: now}
		b.pending[key] = e
	}
	e.items = append(e.items, item)
	e.seq++
	if e.timer != nil {
		e.timer.Stop()
	}

	delay := b.window
	if deadline := e.first.Add(b.maxWait); now.Add(delay).After(deadline) {
		delay = deadline.Sub(now)
		if delay < 0 {
			delay = 0
		}
	}
	seq := e.seq
	e.timer = b.clock.AfterFunc(delay, func() { b.fire(key, seq) })
	return len(e.items)
}

// fire flushes the burst unless a later Add re-armed it; a timer that lost
// the race with Stop sees a newer seq and does nothing.
func (b *Buffer[T]) fire(key string, seq uint64) {
	b.mu.Lock()
	e, ok := b.pending[key]
	if !ok || e.seq != seq {
		b.mu.Unlock()
		return
	}
	delete(b.pending, key)
	b.mu.Unlock()

	b.flush(key, e.items)
}

// Cancel drops the key's burst without flushing it.
func (b *Buffer[T]) Cancel(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.pending[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(b.pending, key)
	return true
}

// Len returns the number of keys currently buffering.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// FlushAll flushes every pending burst synchronously, for shutdown.
func (b *Buffer[T]) FlushAll() {
	b.mu.Lock()
	all := b.pending
	b.pending = make(map[string]*burst[T])
	b.mu.Unlock()

	for key, e := range all {
		e.timer.Stop()
		b.flush(key, e.items)
	}
}
