package typecheck

import (
	"time"

	"github.com/verisimdb/verisimdb/pkg/types"
	"github.com/verisimdb/verisimdb/pkg/verr"
	"github.com/verisimdb/verisimdb/pkg/vql"
)

// Strategy orders the obligations of a composed proof plan.
type Strategy string

const (
	// StrategyIndependent obligations verify in parallel.
	StrategyIndependent Strategy = "independent"
	// StrategySequential obligations verify in plan order.
	StrategySequential Strategy = "sequential"
)

// ProofPlan is the composed verification plan for one statement.
type ProofPlan struct {
	Strategy    Strategy
	Obligations []types.Obligation
	Estimated   time.Duration
}

// witnessFields lists the runtime witness each obligation kind demands.
func witnessFields(kind types.ProofKind) []string {
	switch kind {
	case types.ProofExistence:
		return []string{"hexad_id"}
	case types.ProofIntegrity:
		return []string{"content_hashes", "merkle_root"}
	case types.ProofConsistency:
		return []string{"embedding_a", "embedding_b", "drift_threshold"}
	case types.ProofProvenance:
		return []string{"source_chain"}
	case types.ProofFreshness:
		return []string{"timestamp", "max_age"}
	case types.ProofAccess:
		return []string{"principal", "capability"}
	case types.ProofCitation:
		return []string{"citations"}
	case types.ProofCustom:
		return []string{"payload"}
	}
	return nil
}

// estimatedTime is the planning estimate per obligation kind.
func estimatedTime(kind types.ProofKind) time.Duration {
	switch kind {
	case types.ProofExistence, types.ProofFreshness, types.ProofAccess:
		return 50 * time.Millisecond
	case types.ProofIntegrity, types.ProofCitation:
		return 200 * time.Millisecond
	case types.ProofConsistency, types.ProofProvenance:
		return 500 * time.Millisecond
	case types.ProofCustom:
		return time.Second
	}
	return 100 * time.Millisecond
}

// BuildPlan generates one obligation per proof spec and composes them.
// Custom contracts advertise disjoint composability and may only compose
// with other Custom contracts. Citation combined with Provenance forces a
// sequential plan with the citation obligation verified first.
func (c *Checker) BuildPlan(specs []vql.ProofSpec, declared []types.Modality) (*ProofPlan, error) {
	hasCustom, hasOther := false, false
	hasCitation, hasProvenance := false, false

	obligations := make([]types.Obligation, 0, len(specs))
	for _, spec := range specs {
		switch spec.Kind {
		case types.ProofCustom:
			hasCustom = true
		default:
			hasOther = true
		}
		if spec.Kind == types.ProofCitation {
			hasCitation = true
		}
		if spec.Kind == types.ProofProvenance {
			hasProvenance = true
		}

		obligations = append(obligations, types.Obligation{
			Kind:          spec.Kind,
			Contract:      spec.Contract,
			WitnessFields: witnessFields(spec.Kind),
			// CUSTOM circuits are an opaque passthrough keyed by contract
			// name; built-in kinds use a fixed circuit per kind.
			CircuitID:     circuitFor(spec),
			Modalities:    declared,
			EstimatedTime: estimatedTime(spec.Kind),
		})
	}

	if hasCustom && hasOther {
		return nil, verr.Type(verr.CodeProofComposition,
			"CUSTOM contracts advertise disjoint composability and cannot combine with built-in proof kinds")
	}

	plan := &ProofPlan{Strategy: StrategyIndependent, Obligations: obligations}
	if hasCitation && hasProvenance {
		plan.Strategy = StrategySequential
		// Citation is verified before Provenance.
		ordered := make([]types.Obligation, 0, len(obligations))
		for _, o := range obligations {
			if o.Kind == types.ProofCitation {
				ordered = append(ordered, o)
			}
		}
		for _, o := range obligations {
			if o.Kind != types.ProofCitation {
				ordered = append(ordered, o)
			}
		}
		plan.Obligations = ordered
	}

	for _, o := range plan.Obligations {
		plan.Estimated += o.EstimatedTime
	}
	return plan, nil
}

func circuitFor(spec vql.ProofSpec) string {
	if spec.Kind == types.ProofCustom {
		return spec.Contract
	}
	return "circuit-" + string(spec.Kind)
}
