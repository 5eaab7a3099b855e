// Package ratelimit provides a fixed-window limiter for outbound remote
// calls. It is constructed once per process and passed to its consumers as an
// explicit dependency.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

type Config struct {
	// Window is the fixed window length. Default: 1 minute.
	Window time.Duration
	// Limit is the number of calls allowed per key per window.
	Limit int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Window:     time.Minute,
		Limit:      30,
		MaxEntries: 10_000,
		EntryTTL:   30 * time.Minute,
	}
}

// Limiter counts calls per (bucket, identity) key within fixed windows.
type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*window
}

type window struct {
	start    time.Time
	count    int
	lastSeen time.Time
}

func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = def.EntryTTL
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*window),
	}
}

type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter int
}

// Allow records one call attempt for the given bucket and identity.
func (l *Limiter) Allow(bucket, identity string, now time.Time) Decision {
	if identity == "" {
		identity = "anonymous"
	}
	key := bucket + "/" + identity

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// If still too big, drop one arbitrary entry (bounded memory > perfect fairness).
		if len(l.m) >= l.cfg.MaxEntries {
			for k := range l.m {
				delete(l.m, k)
				break
			}
		}
	}

	w, ok := l.m[key]
	if !ok || now.Sub(w.start) >= l.cfg.Window {
		w = &window{start: now}
		l.m[key] = w
	}
	w.lastSeen = now

	if w.count >= l.cfg.Limit {
		wait := l.cfg.Window - now.Sub(w.start)
		retryAfter := int(math.Ceil(wait.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}

	w.count++
	return Decision{Allowed: true, Remaining: l.cfg.Limit - w.count}
}

func (l *Limiter) gcLocked(now time.Time) {
	ttl := l.cfg.EntryTTL
	for k, v := range l.m {
		if now.Sub(v.lastSeen) > ttl {
			delete(l.m, k)
		}
	}
}
