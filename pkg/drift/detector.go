package drift

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/verisimdb/verisimdb/pkg/events"
	"github.com/verisimdb/verisimdb/pkg/log"
	"github.com/verisimdb/verisimdb/pkg/types"
)

// Metric names a similarity metric for CONSISTENT predicates.
type Metric string

const (
	MetricCosine     Metric = "cosine"
	MetricEuclidean  Metric = "euclidean"
	MetricDotProduct Metric = "dot_product"
	MetricJaccard    Metric = "jaccard"
)

// ParseMetric maps a VQL metric keyword to a Metric.
func ParseMetric(name string) (Metric, bool) {
	switch strings.ToUpper(name) {
	case "COSINE", "":
		return MetricCosine, true
	case "EUCLIDEAN":
		return MetricEuclidean, true
	case "DOT_PRODUCT":
		return MetricDotProduct, true
	case "JACCARD":
		return MetricJaccard, true
	}
	return "", false
}

// Severity classifies a drift event for the normalizer. Classification is
// advisory input; Critical is never re-classified downward.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityLow      Severity = "low"
)

// Config tunes the detector.
type Config struct {
	RepairThreshold    float64
	FrequencyThreshold int
	SampleInterval     time.Duration
	WorkingSetSize     int
}

// Detector maintains the pairwise drift matrix per tracked hexad.
// Scores are recomputed lazily on read and eagerly, sampled, for hexads in
// the working set.
type Detector struct {
	mu      sync.Mutex
	cfg     Config
	fp      Fingerprinter
	broker  *events.Broker
	scores  map[string]map[pairKey]float64
	touched []string
	writes  map[string]int
}

type pairKey struct{ a, b types.Modality }

func orderedPair(a, b types.Modality) pairKey {
	if b < a {
		a, b = b, a
	}
	return pairKey{a, b}
}

// NewDetector creates a detector publishing drift events on broker.
// A nil fingerprinter uses the built-in embedding derivation.
func NewDetector(cfg Config, broker *events.Broker, fp Fingerprinter) *Detector {
	if fp == nil {
		fp = Embed
	}
	if cfg.RepairThreshold <= 0 {
		cfg.RepairThreshold = 0.3
	}
	if cfg.WorkingSetSize <= 0 {
		cfg.WorkingSetSize = 1024
	}
	return &Detector{
		cfg:    cfg,
		fp:     fp,
		broker: broker,
		scores: make(map[string]map[pairKey]float64),
		writes: make(map[string]int),
	}
}

// Score computes the drift score between two modalities of a hexad:
// 1 - cosine(emb(a), emb(b)), clamped to [0,1]. A missing modality on
// either side scores 1.0 (maximum drift). The score is recorded in the
// matrix and a drift event is emitted above the repair threshold.
func (d *Detector) Score(h *types.Hexad, a, b types.Modality) float64 {
	score := d.compute(h, a, b)

	d.mu.Lock()
	m, ok := d.scores[h.ID]
	if !ok {
		m = make(map[pairKey]float64)
		d.scores[h.ID] = m
	}
	m[orderedPair(a, b)] = score
	d.mu.Unlock()

	if score > d.cfg.RepairThreshold && d.broker != nil {
		d.broker.Publish(&events.Event{
			Type:    events.EventDriftDetected,
			Message: "drift above repair threshold",
			Metadata: map[string]string{
				"hexad_id":   h.ID,
				"modality_a": string(a),
				"modality_b": string(b),
				"severity":   string(d.Classify(score, false)),
			},
		})
	}
	return score
}

func (d *Detector) compute(h *types.Hexad, a, b types.Modality) float64 {
	if !h.Has(a) || !h.Has(b) {
		return 1.0
	}
	ea := d.fp(a, h.Modalities[a], h.Hashes[a])
	eb := d.fp(b, h.Modalities[b], h.Hashes[b])
	if len(ea) == 0 || len(eb) == 0 {
		return 1.0
	}
	return clamp01(1 - Cosine(ea, eb))
}

// Matrix returns the recorded pairwise scores for a hexad id.
func (d *Detector) Matrix(id string) map[[2]types.Modality]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[[2]types.Modality]float64)
	for k, v := range d.scores[id] {
		out[[2]types.Modality{k.a, k.b}] = v
	}
	return out
}

// Similarity computes the named metric between two modality payloads of a
// hexad, normalised into [0,1].
func (d *Detector) Similarity(h *types.Hexad, a, b types.Modality, metric Metric) float64 {
	if !h.Has(a) || !h.Has(b) {
		return 0
	}
	pa, pb := h.Modalities[a], h.Modalities[b]

	switch metric {
	case MetricJaccard:
		return jaccardKeys(pa.Fields, pb.Fields)
	}

	ea := d.fp(a, pa, h.Hashes[a])
	eb := d.fp(b, pb, h.Hashes[b])
	switch metric {
	case MetricEuclidean:
		return 1 / (1 + Euclidean(ea, eb))
	case MetricDotProduct:
		return sigmoid(Dot(ea, eb))
	default:
		return clamp01(Cosine(ea, eb))
	}
}

// Classify maps a score to a severity. integrity marks hash-mismatch
// violations, which are always Critical.
func (d *Detector) Classify(score float64, integrity bool) Severity {
	if integrity || score >= 0.9 {
		return SeverityCritical
	}
	if score >= 2*d.cfg.RepairThreshold {
		return SeverityHigh
	}
	return SeverityLow
}

// RecordWrite counts a write against the hexad's repair-frequency budget
// and adds it to the working set.
func (d *Detector) RecordWrite(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.writes[id]++
	d.touch(id)
}

// WriteFrequencyHigh reports whether the hexad's write count exceeds the
// configured frequency threshold.
func (d *Detector) WriteFrequencyHigh(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes[id] > d.cfg.FrequencyThreshold
}

// Touch adds the hexad to the background sampling working set.
func (d *Detector) Touch(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.touch(id)
}

func (d *Detector) touch(id string) {
	for _, t := range d.touched {
		if t == id {
			return
		}
	}
	d.touched = append(d.touched, id)
	if len(d.touched) > d.cfg.WorkingSetSize {
		d.touched = d.touched[1:]
	}
}

// Run samples the working set on the configured interval until ctx is
// cancelled, recomputing pairwise scores eagerly. fetch resolves a hexad
// id to its current state.
func (d *Detector) Run(ctx context.Context, fetch func(id string) (*types.Hexad, bool)) {
	interval := d.cfg.SampleInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	logger := log.WithComponent("drift")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range d.workingSet() {
				h, ok := fetch(id)
				if !ok {
					continue
				}
				pairs := presentPairs(h)
				for _, p := range pairs {
					score := d.Score(h, p[0], p[1])
					if score > d.cfg.RepairThreshold {
						logger.Debug().
							Str("hexad_id", id).
							Str("pair", string(p[0])+"/"+string(p[1])).
							Float64("score", score).
							Msg("background drift sample")
					}
				}
			}
		}
	}
}

func (d *Detector) workingSet() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.touched))
	copy(out, d.touched)
	return out
}

// Forget drops all recorded state for a hexad (called on delete).
func (d *Detector) Forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.scores, id)
	delete(d.writes, id)
	for i, t := range d.touched {
		if t == id {
			d.touched = append(d.touched[:i], d.touched[i+1:]...)
			break
		}
	}
}

func presentPairs(h *types.Hexad) [][2]types.Modality {
	var mods []types.Modality
	for m := range h.Modalities {
		if h.Has(m) {
			mods = append(mods, m)
		}
	}
	sort.Slice(mods, func(i, j int) bool { return mods[i] < mods[j] })

	var pairs [][2]types.Modality
	for i := 0; i < len(mods); i++ {
		for j := i + 1; j < len(mods); j++ {
			pairs = append(pairs, [2]types.Modality{mods[i], mods[j]})
		}
	}
	return pairs
}

func jaccardKeys(a, b map[string]any) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
