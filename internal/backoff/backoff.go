// Package backoff computes retry delays for failed sync runs and queued operations.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	DefaultBase   = time.Second
	DefaultCap    = 15 * time.Minute
	DefaultJitter = 0.2
)

// Policy is an exponential backoff with symmetric jitter:
// delay(k) = min(Base * 2^k * (1 ± Jitter), Cap).
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // 0.2 means ±20%

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// Default returns the policy used for sync failures: 1s base, 15 min cap, ±20% jitter.
func Default() Policy {
	return Policy{Base: DefaultBase, Cap: DefaultCap, Jitter: DefaultJitter}
}

func (p Policy) normalized() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Cap <= 0 {
		p.Cap = DefaultCap
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = DefaultJitter
	}
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
	return p
}

// Delay returns the wait after k consecutive failures.
func (p Policy) Delay(k int) time.Duration {
	p = p.normalized()
	if k < 0 {
		k = 0
	}
	factor := 1 + (p.Rand()*2-1)*p.Jitter
	d := float64(p.Base) * math.Pow(2, float64(k)) * factor
	if d >= float64(p.Cap) || math.IsInf(d, 1) {
		return p.Cap
	}
	return time.Duration(d)
}

// DelayWithRetryAfter honours a provider-supplied Retry-After when it asks
// for a longer wait than the computed delay. The cap does not shorten it.
func (p Policy) DelayWithRetryAfter(k int, retryAfter time.Duration) time.Duration {
	d := p.Delay(k)
	if retryAfter > d {
		return retryAfter
	}
	return d
}
