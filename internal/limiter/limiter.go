// Package limiter implements the per-connection, per-action sliding-window
// rate limiting that protects shared room state from abuse.
package limiter

import (
	"sync"
	"time"
)

// Action identifies a rate-limited operation kind.
type Action string

const (
	ActionCreate      Action = "create"
	ActionJoin        Action = "join"
	ActionLocation    Action = "location"
	ActionMessage     Action = "message"
	ActionDestination Action = "destination"
)

// Window is the sliding-window size every ceiling applies to.
const Window = time.Minute

// DefaultCeilings are the per-minute budgets for each action.
func DefaultCeilings() map[Action]int {
	return map[Action]int{
		ActionCreate:      3,
		ActionJoin:        5,
		ActionLocation:    60,
		ActionMessage:     30,
		ActionDestination: 10,
	}
}

// Limiter records admission timestamps per (connection, action) pair and
// admits an action only while the count inside the sliding window is below
// the action's ceiling. Rejected actions are not recorded.
type Limiter struct {
	mu       sync.Mutex
	window   time.Duration
	ceilings map[Action]int
	buckets  map[string][]time.Time
}

// New builds a limiter with the production window and ceilings.
func New() *Limiter {
	return NewWithConfig(Window, DefaultCeilings())
}

// NewWithConfig builds a limiter with explicit window and ceilings,
// primarily for tests.
func NewWithConfig(window time.Duration, ceilings map[Action]int) *Limiter {
	return &Limiter{
		window:   window,
		ceilings: ceilings,
		buckets:  make(map[string][]time.Time),
	}
}

// Allow checks and records one attempt of the given action by the given
// connection. It prunes entries older than the window, then admits iff the
// remaining count is below the action's ceiling. Unknown actions are
// always admitted.
func (l *Limiter) Allow(connID string, action Action) bool {
	ceiling, limited := l.ceilings[action]
	if !limited {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := connID + ":" + string(action)
	now := time.Now()
	stamps := prune(l.buckets[key], now.Add(-l.window))

	if len(stamps) >= ceiling {
		l.buckets[key] = stamps
		return false
	}
	l.buckets[key] = append(stamps, now)
	return true
}

// Forget drops all state held for a connection. Called on disconnect.
func (l *Limiter) Forget(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.buckets {
		if len(key) > len(connID) && key[:len(connID)] == connID && key[len(connID)] == ':' {
			delete(l.buckets, key)
		}
	}
}

// Sweep prunes expired timestamps everywhere and drops empty buckets,
// keeping memory bounded for long-lived idle connections.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-l.window)
	for key, stamps := range l.buckets {
		stamps = prune(stamps, cutoff)
		if len(stamps) == 0 {
			delete(l.buckets, key)
		} else {
			l.buckets[key] = stamps
		}
	}
}

func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(stamps) && !stamps[idx].After(cutoff) {
		idx++
	}
	return stamps[idx:]
}
