package typing

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestTracker_LeadingEdgeOnly(t *testing.T) {
	req := require.New(t)
	tr := NewTracker(3 * time.Second)
	u := uuid.New()
	t0 := time.Now()

	req.True(tr.Pulse(u, t0))
	// Keystrokes inside the window are coalesced
	for i := 1; i <= 10; i++ {
		req.False(tr.Pulse(u, t0.Add(time.Duration(i)*200*time.Millisecond)))
	}
	req.Empty(tr.Sweep(t0.Add(4*time.Second)), "the last pulse extended the window")
	req.Equal(1, tr.Active())
}

func TestTracker_SweepExpires(t *testing.T) {
	req := require.New(t)
	tr := NewTracker(time.Second)
	a, b := uuid.New(), uuid.New()
	t0 := time.Now()

	tr.Pulse(a, t0)
	tr.Pulse(b, t0.Add(800*time.Millisecond))

	req.Empty(tr.Sweep(t0.Add(500 * time.Millisecond)))
	req.Equal([]uuid.UUID{a}, tr.Sweep(t0.Add(time.Second)))
	req.Equal(1, tr.Active())
	req.Equal([]uuid.UUID{b}, tr.Sweep(t0.Add(2*time.Second)))
	req.Zero(tr.Active())

	// A pulse after expiry is a new leading edge
	req.True(tr.Pulse(a, t0.Add(3*time.Second)))
}

func TestTracker_PulseAfterUnsweptExpiry(t *testing.T) {
	req := require.New(t)
	tr := NewTracker(time.Second)
	u := uuid.New()
	t0 := time.Now()

	tr.Pulse(u, t0)
	// Expired but not swept: the pulse revives the entry without a second started edge
	req.False(tr.Pulse(u, t0.Add(2*time.Second)))
	req.Empty(tr.Sweep(t0.Add(2500 * time.Millisecond)))
	req.Equal([]uuid.UUID{u}, tr.Sweep(t0.Add(3*time.Second)))
}

func TestTracker_Stop(t *testing.T) {
	req := require.New(t)
	tr := NewTracker(0)
	u := uuid.New()

	req.Equal(DefaultWindow, tr.Window())
	req.False(tr.Stop(u))
	tr.Pulse(u, time.Now())
	req.True(tr.Stop(u))
	req.Zero(tr.Active())
	req.False(tr.Stop(u))
}
