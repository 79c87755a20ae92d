package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFullJitterCeiling(t *testing.T) {
	var ceilings []int64
	b := newFullJitter(time.Second, 30*time.Second)
	b.rand = func(n int64) int64 {
		ceilings = append(ceilings, n-1)
		return n - 1
	}

	for i := 0; i < 8; i++ {
		b.NextBackOff()
	}
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30}
	for i, w := range want {
		require.Equal(t, int64(w*time.Second), ceilings[i], "attempt %d", i)
	}

	b.Reset()
	require.Equal(t, time.Second, b.NextBackOff())
}

func TestFullJitterStaysInRange(t *testing.T) {
	b := newFullJitter(10*time.Millisecond, 50*time.Millisecond)
	for i := 0; i < 100; i++ {
		d := b.NextBackOff()
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 50*time.Millisecond)
	}
}
