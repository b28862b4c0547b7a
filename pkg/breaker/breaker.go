package breaker

import (
	"sync"
	"time"

	"github.com/verisimdb/verisimdb/pkg/log"
	"github.com/verisimdb/verisimdb/pkg/verr"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Breaker is a per-peer (or per-store) circuit breaker. Closed passes
// requests through; Open fails them fast; HalfOpen admits a single probe.
type Breaker struct {
	mu sync.Mutex

	name      string
	threshold int
	coolDown  time.Duration

	state        State
	failures     int
	totalCalls   uint64
	totalFails   uint64
	openedAt     time.Time
	probeInFlight bool

	now func() time.Time
}

// Stats is a point-in-time snapshot of breaker counters.
type Stats struct {
	Name        string  `json:"name"`
	State       State   `json:"state"`
	Failures    int     `json:"failures"`
	TotalCalls  uint64  `json:"total_calls"`
	TotalFails  uint64  `json:"total_fails"`
	FailureRate float64 `json:"failure_rate"`
}

// New creates a closed breaker that opens after threshold consecutive
// failures and probes again after coolDown.
func New(name string, threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		coolDown:  coolDown,
		state:     StateClosed,
		now:       time.Now,
	}
}

// Allow reports whether a request may proceed. In HalfOpen only one probe
// is admitted at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.coolDown {
			b.transition(StateHalfOpen)
			b.probeInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	b.failures = 0
	b.probeInFlight = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// Failure records a failed call and may open the breaker.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	b.totalFails++
	b.failures++
	b.probeInFlight = false

	switch b.state {
	case StateClosed:
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.openedAt = b.now()
		b.transition(StateOpen)
	}
}

// Do runs op through the breaker, recording the outcome. When the breaker
// is open it fails fast with a store_unavailable error.
func (b *Breaker) Do(op func() error) error {
	if !b.Allow() {
		return verr.Runtime(verr.CodeStoreUnavailable, "%s: circuit open", b.name)
	}
	err := op()
	if err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	rate := 0.0
	if b.totalCalls > 0 {
		rate = float64(b.totalFails) / float64(b.totalCalls)
	}
	return Stats{
		Name:        b.name,
		State:       b.state,
		Failures:    b.failures,
		TotalCalls:  b.totalCalls,
		TotalFails:  b.totalFails,
		FailureRate: rate,
	}
}

// transition logs and applies a state change. Caller holds the lock.
func (b *Breaker) transition(to State) {
	log.WithComponent("breaker").Info().
		Str("name", b.name).
		Str("from", string(b.state)).
		Str("to", string(to)).
		Msg("circuit breaker transition")
	b.state = to
}
