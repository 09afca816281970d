package realtime

import (
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy 重连退避策略：min(Base*2^n, Cap) + [0, Jitter)
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter time.Duration
	// Rand returns a value in [0, n). Defaults to math/rand.
	Rand func(n int64) int64
}

// DefaultPolicy 默认退避：500ms 起步，30s 封顶
func DefaultPolicy() Policy {
	return Policy{
		Base:   500 * time.Millisecond,
		Cap:    30 * time.Second,
		Jitter: 250 * time.Millisecond,
	}
}

// Delay returns the jitter-free delay for the given retry count.
func (p Policy) Delay(retry int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	limit := p.Cap
	if limit < p.Base {
		limit = p.Base
	}
	d := p.Base
	for i := 0; i < retry && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}

// NextDelay returns Delay(retry) plus random jitter.
func (p Policy) NextDelay(retry int) time.Duration {
	d := p.Delay(retry)
	if p.Jitter > 0 {
		rnd := p.Rand
		if rnd == nil {
			rnd = rand.Int63n
		}
		d += time.Duration(rnd(int64(p.Jitter)))
	}
	return d
}

// reconnectBackOff adapts Policy to backoff.BackOff. It never returns backoff.Stop;
// only context cancellation ends the retry loop.
type reconnectBackOff struct {
	policy  Policy
	retries atomic.Int64
}

var _ backoff.BackOff = (*reconnectBackOff)(nil)

func newReconnectBackOff(p Policy) *reconnectBackOff {
	return &reconnectBackOff{policy: p}
}

func (b *reconnectBackOff) NextBackOff() time.Duration {
	n := b.retries.Add(1) - 1
	return b.policy.NextDelay(int(n))
}

func (b *reconnectBackOff) Reset() { b.retries.Store(0) }

func (b *reconnectBackOff) Count() int { return int(b.retries.Load()) }
