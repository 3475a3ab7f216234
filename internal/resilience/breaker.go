package resilience

import (
	"sync"

	"github.com/rotisserie/eris"
)

// ErrBreakerOpen is returned once a breaker has tripped.
var ErrBreakerOpen = eris.New("failure threshold reached")

// Breaker counts consecutive failures and trips once they reach a threshold.
// A tripped breaker stays open until Reset. It is safe for concurrent use.
type Breaker struct {
	threshold int
	onTrip    func(failures int, last error)

	mu          sync.Mutex
	consecutive int
	open        bool
	lastErr     error
}

// NewBreaker creates a breaker that trips after threshold consecutive
// failures. A threshold below 1 is treated as 1. onTrip may be nil.
func NewBreaker(threshold int, onTrip func(failures int, last error)) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{threshold: threshold, onTrip: onTrip}
}

// Record registers the outcome of one unit of work. A nil error resets the
// consecutive failure count. It returns true if this call tripped the breaker.
func (b *Breaker) Record(err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open {
		return false
	}
	if err == nil {
		b.consecutive = 0
		return false
	}

	b.consecutive++
	b.lastErr = err
	if b.consecutive < b.threshold {
		return false
	}
	b.open = true
	if b.onTrip != nil {
		b.onTrip(b.consecutive, err)
	}
	return true
}

// Allow returns ErrBreakerOpen once the breaker has tripped.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return eris.Wrapf(ErrBreakerOpen, "%d consecutive failures", b.consecutive)
	}
	return nil
}

// Open reports whether the breaker has tripped.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Counters returns the consecutive failure count and the last recorded error.
func (b *Breaker) Counters() (consecutive int, last error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive, b.lastErr
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.consecutive = 0
	b.lastErr = nil
}
