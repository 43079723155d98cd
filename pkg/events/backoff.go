package events

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff computes reconnect delays for one connection. Each connection
// owns its own instance with its own random source, so jitter is
// independent across connections and one flapping subscription never
// synchronizes its siblings into a reconnect storm.
type Backoff struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// Multiplier grows the delay per attempt.
	Multiplier float64

	// Cap bounds the delay regardless of attempt count.
	Cap time.Duration

	// Jitter is the random fraction added on top, in [0, Jitter).
	Jitter float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBackoff creates a backoff calculator with its own random source.
func NewBackoff(base, cap time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = time.Minute
	}
	return &Backoff{
		Base:       base,
		Multiplier: 2,
		Cap:        cap,
		Jitter:     0.25,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano() ^ rand.Int63())),
	}
}

// Delay returns the delay before retry number attempt (zero based). The
// deterministic part is Base * Multiplier^attempt capped at Cap; the
// jittered part adds up to Jitter of that on top.
func (b *Backoff) Delay(attempt int) time.Duration {
	delay := time.Duration(float64(b.Base) * math.Pow(b.Multiplier, float64(attempt)))
	if delay > b.Cap || delay <= 0 {
		delay = b.Cap
	}

	b.mu.Lock()
	jitter := time.Duration(b.rng.Float64() * b.Jitter * float64(delay))
	b.mu.Unlock()

	return delay + jitter
}
