package client

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// backoff computes reconnect delays: min(base * decay^attempt, cap) with
// ±jitter uniform jitter so a fleet of clients does not redial in
// lockstep.
type backoff struct {
	base   time.Duration
	cap    time.Duration
	decay  float64
	jitter float64

	mu  sync.Mutex
	rng *rand.Rand
}

func newBackoff(base, cap time.Duration, decay float64) *backoff {
	return &backoff{
		base:   base,
		cap:    cap,
		decay:  decay,
		jitter: 0.2,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// delay returns the wait before reconnect attempt n (0-based).
func (b *backoff) delay(attempt int) time.Duration {
	d := float64(b.base) * math.Pow(b.decay, float64(attempt))
	if d > float64(b.cap) {
		d = float64(b.cap)
	}

	b.mu.Lock()
	f := 1 + b.jitter*(2*b.rng.Float64()-1)
	b.mu.Unlock()

	return time.Duration(d * f)
}
