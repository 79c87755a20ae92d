// Package typing coalesces keystroke pulses into typing-started / typing-stopped edges.
// A Tracker is owned by a single session actor and is not safe for concurrent use.
package typing

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// DefaultWindow is how long one pulse keeps a user marked as typing.
const DefaultWindow = 3 * time.Second

// Tracker maps users to the time their typing signal expires.
type Tracker struct {
	window   time.Duration
	expiries map[uuid.UUID]time.Time
}

// NewTracker creates a tracker with the given expiry window.
func NewTracker(window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{window: window, expiries: make(map[uuid.UUID]time.Time)}
}

// Window returns the expiry window, which is also the sweep interval.
func (t *Tracker) Window() time.Duration { return t.window }

// Pulse extends userID's expiry. started is true only on the leading edge. An entry that has
// expired but not been swept yet is still tracked, so edges stay paired with Sweep and Stop.
func (t *Tracker) Pulse(userID uuid.UUID, now time.Time) (started bool) {
	_, ok := t.expiries[userID]
	t.expiries[userID] = now.Add(t.window)
	return !ok
}

// Stop clears userID immediately. It reports whether they were typing.
func (t *Tracker) Stop(userID uuid.UUID) bool {
	if _, ok := t.expiries[userID]; !ok {
		return false
	}
	delete(t.expiries, userID)
	return true
}

// Sweep removes and returns every user whose expiry has passed, sorted for stable output.
func (t *Tracker) Sweep(now time.Time) []uuid.UUID {
	var expired []uuid.UUID
	for id, exp := range t.expiries {
		if !now.Before(exp) {
			expired = append(expired, id)
			delete(t.expiries, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].String() < expired[j].String() })
	return expired
}

// Active is the number of tracked users, expired or not.
func (t *Tracker) Active() int { return len(t.expiries) }
