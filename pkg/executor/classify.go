package executor

import (
	"github.com/verisimdb/verisimdb/pkg/modality"
	"github.com/verisimdb/verisimdb/pkg/types"
	"github.com/verisimdb/verisimdb/pkg/vql"
)

// classified is the outcome of folding a WHERE tree: per-modality pushdown
// clause lists plus the cross-modal residual evaluated post-fetch.
type classified struct {
	pushdown map[types.Modality][]modality.Clause
	residual vql.Condition // nil when everything was pushed down
}

// classify folds the condition tree. Simple per-modality predicates under
// the top-level conjunction become pushdown clauses; DRIFT, CONSISTENT,
// EXISTS, cross-modal field compares, and any disjunction containing a
// cross-modal operand stay in the residual. The And/Or/Not structure of
// the residual is preserved.
func classify(cond vql.Condition) classified {
	c := classified{pushdown: make(map[types.Modality][]modality.Clause)}
	if cond == nil {
		return c
	}

	var residual []vql.Condition
	for _, conjunct := range splitConjuncts(cond) {
		if m, clause, ok := pushable(conjunct); ok {
			c.pushdown[m] = append(c.pushdown[m], clause)
			continue
		}
		residual = append(residual, conjunct)
	}
	c.residual = joinConjuncts(residual)
	return c
}

// splitConjuncts flattens nested top-level ANDs.
func splitConjuncts(cond vql.Condition) []vql.Condition {
	if and, ok := cond.(*vql.And); ok {
		return append(splitConjuncts(and.Left), splitConjuncts(and.Right)...)
	}
	return []vql.Condition{cond}
}

func joinConjuncts(conds []vql.Condition) vql.Condition {
	if len(conds) == 0 {
		return nil
	}
	out := conds[0]
	for _, c := range conds[1:] {
		out = &vql.And{Left: out, Right: c}
	}
	return out
}

// pushable reports whether a single conjunct is a modality-local predicate
// and converts it to a store clause. Disjunctions and negations are never
// pushed: a disjunction with a cross-modal operand is cross-modal as a
// whole, and pushing one side of any disjunction would over-filter.
func pushable(cond vql.Condition) (types.Modality, modality.Clause, bool) {
	switch n := cond.(type) {
	case *vql.FieldPred:
		return n.Ref.Modality, modality.Clause{
			Field: n.Ref.Field,
			Op:    cmpToOp(n.Op),
			Value: n.Value.Value(),
		}, true
	case *vql.ContainsPred:
		op := modality.OpContains
		if n.Regex {
			op = modality.OpMatches
		}
		return n.Ref.Modality, modality.Clause{Field: n.Ref.Field, Op: op, Value: n.Pattern}, true
	case *vql.SimilarPred:
		return n.Modality, modality.Clause{
			Op:        modality.OpSimilar,
			Vector:    n.Vector,
			Threshold: n.Threshold,
		}, true
	case *vql.TriplePred:
		return types.ModalityGraph, modality.Clause{
			Op: modality.OpTriple,
			Triple: &types.Triple{
				Subject:   n.Subject,
				Predicate: n.Predicate,
				Object:    n.Object,
			},
		}, true
	}
	return "", modality.Clause{}, false
}

func cmpToOp(op vql.CmpOp) modality.Op {
	switch op {
	case vql.CmpEq:
		return modality.OpEq
	case vql.CmpNe:
		return modality.OpNe
	case vql.CmpLt:
		return modality.OpLt
	case vql.CmpLe:
		return modality.OpLe
	case vql.CmpGt:
		return modality.OpGt
	case vql.CmpGe:
		return modality.OpGe
	}
	return modality.OpEq
}
