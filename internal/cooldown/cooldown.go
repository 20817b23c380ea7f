// Package cooldown rate-limits notifications per anomaly key.
package cooldown

import (
	"sync"
	"time"
)

// Limiter remembers when each key last produced a notification. It is shared
// by every producer in a lab so checks and updates never race.
type Limiter struct {
	mu       sync.Mutex
	window   time.Duration
	lastSent map[string]time.Time
	now      func() time.Time
}

// New returns a Limiter that suppresses repeats of a key within window.
func New(window time.Duration) *Limiter {
	return &Limiter{
		window:   window,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Allow reports whether a notification for key may be sent now and, if so,
// records the send. A key is suppressed while now-last <= window.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if last, ok := l.lastSent[key]; ok && now.Sub(last) <= l.window {
		return false
	}
	l.lastSent[key] = now
	return true
}

// Last returns when key was last allowed.
func (l *Limiter) Last(key string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.lastSent[key]
	return t, ok
}

// Window returns the configured suppression window.
func (l *Limiter) Window() time.Duration { return l.window }

// Len returns the number of keys seen.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lastSent)
}
