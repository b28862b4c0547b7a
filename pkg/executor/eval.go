package executor

import (
	"github.com/verisimdb/verisimdb/pkg/drift"
	"github.com/verisimdb/verisimdb/pkg/modality"
	"github.com/verisimdb/verisimdb/pkg/types"
	"github.com/verisimdb/verisimdb/pkg/verr"
	"github.com/verisimdb/verisimdb/pkg/vql"
)

// evalCondition computes the (possibly cross-modal) condition tree for one
// hexad. Numeric comparisons use the standard total order; DRIFT and
// CONSISTENT delegate to the detector; EXISTS is truthy when the modality
// payload is present and non-empty.
func (e *Executor) evalCondition(h *types.Hexad, cond vql.Condition) (bool, error) {
	switch n := cond.(type) {
	case *vql.And:
		l, err := e.evalCondition(h, n.Left)
		if err != nil || !l {
			return false, err
		}
		return e.evalCondition(h, n.Right)

	case *vql.Or:
		l, err := e.evalCondition(h, n.Left)
		if err != nil {
			return false, err
		}
		if l {
			return true, nil
		}
		return e.evalCondition(h, n.Right)

	case *vql.Not:
		inner, err := e.evalCondition(h, n.Inner)
		return !inner, err

	case *vql.FieldPred:
		val := fieldOf(h, n.Ref)
		if val == nil {
			return false, nil
		}
		return modality.Compare(val, cmpToOp(n.Op), n.Value.Value()), nil

	case *vql.CrossFieldPred:
		left := fieldOf(h, n.Left)
		right := fieldOf(h, n.Right)
		if left == nil || right == nil {
			return false, nil
		}
		return modality.Compare(left, cmpToOp(n.Op), right), nil

	case *vql.ContainsPred:
		p := h.Modalities[n.Ref.Modality]
		if p == nil {
			return false, nil
		}
		op := modality.OpContains
		if n.Regex {
			op = modality.OpMatches
		}
		return modality.Matches(modality.Predicate{Clauses: []modality.Clause{{
			Field: n.Ref.Field, Op: op, Value: n.Pattern,
		}}}, p), nil

	case *vql.SimilarPred:
		p := h.Modalities[n.Modality]
		if p == nil {
			return false, nil
		}
		return modality.Matches(modality.Predicate{Clauses: []modality.Clause{{
			Op: modality.OpSimilar, Vector: n.Vector, Threshold: n.Threshold,
		}}}, p), nil

	case *vql.TriplePred:
		p := h.Modalities[types.ModalityGraph]
		if p == nil {
			return false, nil
		}
		return modality.Matches(modality.Predicate{Clauses: []modality.Clause{{
			Op: modality.OpTriple,
			Triple: &types.Triple{
				Subject:   n.Subject,
				Predicate: n.Predicate,
				Object:    n.Object,
			},
		}}}, p), nil

	case *vql.DriftPred:
		score := e.detector.Score(h, n.A, n.B)
		return compareFloat(score, n.Op, n.Threshold), nil

	case *vql.ConsistentPred:
		metric, ok := drift.ParseMetric(n.Metric)
		if !ok {
			metric = drift.MetricCosine
		}
		sim := e.detector.Similarity(h, n.A, n.B, metric)
		return sim >= e.consistentFloor, nil

	case *vql.ExistsPred:
		present := h.Has(n.Modality)
		if n.Negated {
			return !present, nil
		}
		return present, nil

	case *vql.HavingPred:
		// Aggregate predicates are evaluated against grouped rows, never
		// against raw hexads.
		return false, verr.Type(verr.CodeShape, "aggregate condition outside HAVING")
	}
	return false, verr.Runtime(verr.CodeInternal, "unknown condition node")
}

func fieldOf(h *types.Hexad, ref vql.FieldRef) any {
	p := h.Modalities[ref.Modality]
	if p == nil || p.Fields == nil {
		return nil
	}
	return p.Fields[ref.Field]
}

func compareFloat(a float64, op vql.CmpOp, b float64) bool {
	switch op {
	case vql.CmpEq:
		return a == b
	case vql.CmpNe:
		return a != b
	case vql.CmpLt:
		return a < b
	case vql.CmpLe:
		return a <= b
	case vql.CmpGt:
		return a > b
	case vql.CmpGe:
		return a >= b
	}
	return false
}
