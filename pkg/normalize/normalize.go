package normalize

import (
	"context"
	"sort"
	"sync"

	"github.com/verisimdb/verisimdb/pkg/drift"
	"github.com/verisimdb/verisimdb/pkg/events"
	"github.com/verisimdb/verisimdb/pkg/log"
	"github.com/verisimdb/verisimdb/pkg/modality"
	"github.com/verisimdb/verisimdb/pkg/types"
)

// Strategy selects how a drifted modality is repaired.
type Strategy string

const (
	// StrategyPush synchronously rewrites the drifted modality from the
	// authoritative one.
	StrategyPush Strategy = "push"
	// StrategyPull substitutes the derived value on the next read and
	// schedules the write.
	StrategyPull Strategy = "pull"
	// StrategyHybrid pushes for critical/high severity, pulls for low.
	StrategyHybrid Strategy = "hybrid"
	// StrategyQuarantine marks the hexad unreadable by default queries.
	StrategyQuarantine Strategy = "quarantine"
)

// WriteFunc persists a repaired payload for one modality of one hexad.
type WriteFunc func(ctx context.Context, id string, m types.Modality, p *types.Payload) error

// Normalizer repairs cross-modal drift. For each field class at most one
// modality is authoritative; every repair derives the drifted modality
// from the authoritative value, so repair is idempotent and the repaired
// content hash equals the hash of the authoritative derivation.
type Normalizer struct {
	mu          sync.Mutex
	detector    *drift.Detector
	broker      *events.Broker
	write       WriteFunc
	strategy    Strategy
	quarantined map[string]bool
}

// New creates a normalizer using the given default strategy.
func New(detector *drift.Detector, broker *events.Broker, write WriteFunc, strategy Strategy) *Normalizer {
	if strategy == "" {
		strategy = StrategyHybrid
	}
	return &Normalizer{
		detector:    detector,
		broker:      broker,
		write:       write,
		strategy:    strategy,
		quarantined: make(map[string]bool),
	}
}

// Derive computes the target-modality payload from the authoritative one.
// The derivation is deterministic: deriving twice yields identical
// payloads, which is what makes repair idempotent.
func Derive(from *types.Payload, fromMod, toMod types.Modality) *types.Payload {
	if from == nil {
		return nil
	}
	switch toMod {
	case types.ModalityVector:
		return &types.Payload{
			Embedding: drift.Embed(fromMod, from, ""),
			Fields:    copyFields(from.Fields),
		}
	case types.ModalityDocument:
		text := from.Text
		if text == "" {
			text = flatten(from)
		}
		return &types.Payload{Text: text, Fields: copyFields(from.Fields)}
	default:
		return &types.Payload{Fields: copyFields(from.Fields)}
	}
}

// Repair repairs the drifted modality of h from the authoritative one
// according to severity and the configured strategy. It mutates h in
// memory and persists through the write func. Critical severity is never
// downgraded: it always pushes, or quarantines when the strategy says so.
func (n *Normalizer) Repair(ctx context.Context, h *types.Hexad, authoritative, drifted types.Modality, severity drift.Severity) error {
	if n.strategy == StrategyQuarantine && severity == drift.SeverityCritical {
		n.Quarantine(h.ID)
		return nil
	}

	switch n.strategy {
	case StrategyPush:
		return n.push(ctx, h, authoritative, drifted)
	case StrategyPull:
		if severity == drift.SeverityCritical {
			return n.push(ctx, h, authoritative, drifted)
		}
		n.pull(ctx, h, authoritative, drifted)
		return nil
	default: // hybrid
		if severity == drift.SeverityLow {
			n.pull(ctx, h, authoritative, drifted)
			return nil
		}
		return n.push(ctx, h, authoritative, drifted)
	}
}

// push synchronously derives and writes the drifted modality.
func (n *Normalizer) push(ctx context.Context, h *types.Hexad, authoritative, drifted types.Modality) error {
	derived := Derive(h.Modalities[authoritative], authoritative, drifted)
	if derived == nil {
		return nil
	}
	if n.write != nil {
		if err := n.write(ctx, h.ID, drifted, derived); err != nil {
			return err
		}
	}
	h.Modalities[drifted] = derived
	h.Versions[drifted]++
	h.Hashes[drifted] = modality.HashPayload(derived)

	if n.broker != nil {
		n.broker.Publish(&events.Event{
			Type:    events.EventDriftRepaired,
			Message: "pushed repair",
			Metadata: map[string]string{
				"hexad_id":      h.ID,
				"authoritative": string(authoritative),
				"repaired":      string(drifted),
			},
		})
	}
	return nil
}

// pull substitutes the derived value in the in-memory hexad so the current
// read observes the repaired state, and schedules the write.
func (n *Normalizer) pull(ctx context.Context, h *types.Hexad, authoritative, drifted types.Modality) {
	derived := Derive(h.Modalities[authoritative], authoritative, drifted)
	if derived == nil {
		return
	}
	h.Modalities[drifted] = derived
	h.Hashes[drifted] = modality.HashPayload(derived)

	if n.write == nil {
		return
	}
	id := h.ID
	go func() {
		// The scheduled write runs outside the reading query's deadline.
		if err := n.write(context.WithoutCancel(ctx), id, drifted, derived); err != nil {
			log.WithComponent("normalizer").Warn().
				Str("hexad_id", id).
				Err(err).
				Msg("scheduled pull repair write failed")
		}
	}()
}

// Quarantine marks the hexad unreadable by default queries until an
// operator releases it.
func (n *Normalizer) Quarantine(id string) {
	n.mu.Lock()
	n.quarantined[id] = true
	n.mu.Unlock()

	if n.broker != nil {
		n.broker.Publish(&events.Event{
			Type:     events.EventHexadQuarantined,
			Message:  "integrity violation",
			Metadata: map[string]string{"hexad_id": id},
		})
	}
}

// Release lifts a quarantine.
func (n *Normalizer) Release(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.quarantined, id)
}

// IsQuarantined reports whether default queries must skip the hexad.
func (n *Normalizer) IsQuarantined(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.quarantined[id]
}

func copyFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func flatten(p *types.Payload) string {
	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []byte
	for _, k := range keys {
		out = append(out, k...)
		if s, ok := p.Fields[k].(string); ok {
			out = append(out, s...)
		}
	}
	return string(out)
}
