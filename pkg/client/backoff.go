package client

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// fullJitter draws each delay uniformly from [0, min(limit, base*2^attempt)].
type fullJitter struct {
	base    time.Duration
	limit   time.Duration
	attempt uint
	rand    func(n int64) int64
}

var _ backoff.BackOff = (*fullJitter)(nil)

func newFullJitter(base, limit time.Duration) *fullJitter {
	return &fullJitter{base: base, limit: limit, rand: rand.Int64N}
}

func (b *fullJitter) NextBackOff() time.Duration {
	ceil := b.limit
	if b.attempt < 32 {
		if d := b.base << b.attempt; d > 0 && d < b.limit {
			ceil = d
		}
	}
	b.attempt++
	return time.Duration(b.rand(int64(ceil) + 1))
}

func (b *fullJitter) Reset() { b.attempt = 0 }
