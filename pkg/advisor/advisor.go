package advisor

import (
	"time"

	"github.com/verisimdb/verisimdb/pkg/breaker"
	"github.com/verisimdb/verisimdb/pkg/cache"
)

// Observations is the metric snapshot handed to the advisor each poll.
type Observations struct {
	Cache          cache.Stats
	Breakers       []breaker.Stats
	MeanDriftScore float64
	QueriesPerMin  float64
}

// Thresholds is an atomic bundle of tunables the advisor may propose.
// Zero values leave the current setting untouched.
type Thresholds struct {
	RepairThreshold float64
	SampleInterval  time.Duration
	CacheTTL        time.Duration
}

// Advisor proposes new thresholds from observed metrics. The engine polls
// it and applies proposals atomically; engine correctness never depends on
// advisor output.
type Advisor interface {
	Propose(obs Observations) (Thresholds, bool)
}

// Static is the default advisor: it never proposes a change.
type Static struct{}

func (Static) Propose(Observations) (Thresholds, bool) { return Thresholds{}, false }
