package dispatch

import (
	"math/rand"
	"strings"
	"time"
)

// Backoff selects how the delay grows between attempts.
type Backoff int

const (
	Fixed Backoff = iota
	Exponential
)

func ParseBackoff(s string) Backoff {
	if strings.EqualFold(strings.TrimSpace(s), "fixed") {
		return Fixed
	}
	return Exponential
}

// Policy is the retry schedule for one channel type.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Backoff     Backoff
	MaxDelay    time.Duration
	// Timeout bounds each attempt.
	Timeout time.Duration
	// Jitter spreads delays by ±30%.
	Jitter bool
}

func (p Policy) attempts() int { return max(1, p.MaxAttempts) }

func (p Policy) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return 30 * time.Second
}

// DelayAfter returns the wait before attempt n+1, given n failed attempts.
func (p Policy) DelayAfter(n int) time.Duration {
	d := p.Delay
	if p.Backoff == Exponential {
		for i := 1; i < n; i++ {
			d *= 2
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				break
			}
		}
	}
	if p.Jitter && d > 0 {
		d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return max(d, 0)
}
