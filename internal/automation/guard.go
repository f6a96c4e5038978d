package automation

import (
	"sync"
	"time"
)

// RateLimiter allows max messages per span for a key; exceeding it blocks
// the key for the cooldown.
type RateLimiter struct {
	max      int
	span     time.Duration
	cooldown time.Duration

	mu      sync.Mutex
	records map[string]*rateRecord
	calls   int
}

type rateRecord struct {
	count     int
	start     time.Time
	blockedAt time.Time
	blocked   bool
}

func NewRateLimiter(limit int, span, cooldown time.Duration) *RateLimiter {
	return &RateLimiter{max: limit, span: span, cooldown: cooldown, records: map[string]*rateRecord{}}
}

func (r *RateLimiter) Allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls++
	if r.calls%1024 == 0 {
		r.sweep(now)
	}

	rec, ok := r.records[key]
	if !ok {
		r.records[key] = &rateRecord{count: 1, start: now}
		return true
	}
	if rec.blocked {
		if now.Sub(rec.blockedAt) > r.cooldown {
			r.records[key] = &rateRecord{count: 1, start: now}
			return true
		}
		return false
	}
	if now.Sub(rec.start) > r.span {
		rec.count, rec.start = 1, now
		return true
	}
	rec.count++
	if rec.count > r.max {
		rec.blocked, rec.blockedAt = true, now
		return false
	}
	return true
}

func (r *RateLimiter) sweep(now time.Time) {
	for key, rec := range r.records {
		if rec.blocked && now.Sub(rec.blockedAt) > r.cooldown {
			delete(r.records, key)
		} else if !rec.blocked && now.Sub(rec.start) > r.span {
			delete(r.records, key)
		}
	}
}

// PauseBook tracks conversations where the bot stays quiet for a human.
type PauseBook struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func NewPauseBook() *PauseBook {
	return &PauseBook{until: map[string]time.Time{}}
}

func (p *PauseBook) Pause(key string, until time.Time) {
	p.mu.Lock()
	p.until[key] = until
	p.mu.Unlock()
}

func (p *PauseBook) Paused(key string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.until[key]
	if !ok {
		return false
	}
	if !now.Before(u) {
		delete(p.until, key)
		return false
	}
	return true
}

func (p *PauseBook) Resume(key string) {
	p.mu.Lock()
	delete(p.until, key)
	p.mu.Unlock()
}
