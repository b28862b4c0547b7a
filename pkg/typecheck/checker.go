package typecheck

import (
	"github.com/verisimdb/verisimdb/pkg/types"
	"github.com/verisimdb/verisimdb/pkg/verr"
	"github.com/verisimdb/verisimdb/pkg/vql"
)

// Checker validates parsed statements bidirectionally: synthesize infers a
// node's type, check verifies a node against an expected type. Queries with
// PROOF clauses additionally yield a composed proof plan.
type Checker struct {
	schemas    *SchemaRegistry
	modalities []types.Modality
	strict     bool
}

// New creates a checker over the configured modality set. In strict mode
// unknown fields are errors; otherwise they synthesize as String.
func New(schemas *SchemaRegistry, modalities []types.Modality, strict bool) *Checker {
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	if len(modalities) == 0 {
		modalities = types.CoreModalities()
	}
	return &Checker{schemas: schemas, modalities: modalities, strict: strict}
}

// Checked is the result of checking one statement.
type Checked struct {
	Statement vql.Statement
	// Declared is the query's modality set after * expansion.
	Declared []types.Modality
	// Result is the synthesized statement type: QueryResult<...> for
	// slipstream queries, Σ(QueryResult<...>, proofs) with PROOF.
	Result Type
	// Plan is nil for slipstream statements.
	Plan *ProofPlan
}

// Check validates stmt and synthesizes its type.
func (c *Checker) Check(stmt vql.Statement) (*Checked, error) {
	switch s := stmt.(type) {
	case *vql.Query:
		return c.checkQuery(s)
	case *vql.Insert:
		return c.checkInsert(s)
	case *vql.Update:
		return c.checkUpdate(s)
	case *vql.Delete:
		return c.checkDelete(s)
	}
	return nil, verr.Type(verr.CodeShape, "unknown statement node")
}

func (c *Checker) checkQuery(q *vql.Query) (*Checked, error) {
	declared, err := c.resolveDeclared(q)
	if err != nil {
		return nil, err
	}

	if q.Source.Kind == vql.SourceHexad && q.Source.HexadID == "" {
		return nil, verr.Type(verr.CodeShape, "hexad source requires a non-empty id")
	}

	if q.Where != nil {
		if err := c.checkCondition(q.Where, declared, false); err != nil {
			return nil, err
		}
	}

	columns, err := c.checkProjections(q, declared)
	if err != nil {
		return nil, err
	}

	if err := c.checkGrouping(q); err != nil {
		return nil, err
	}

	if q.Having != nil {
		if len(q.GroupBy) == 0 {
			return nil, verr.Type(verr.CodeShape, "HAVING requires GROUP BY").
				WithHint("add a GROUP BY clause or drop HAVING")
		}
		if err := c.checkCondition(q.Having, declared, true); err != nil {
			return nil, err
		}
	}

	if err := c.checkOrdering(q); err != nil {
		return nil, err
	}

	result := Type{Kind: KindQueryResult, Columns: columns}
	checked := &Checked{Statement: q, Declared: declared, Result: result}

	if len(q.Proofs) > 0 {
		plan, err := c.BuildPlan(q.Proofs, declared)
		if err != nil {
			return nil, err
		}
		checked.Plan = plan

		proofs := make([]ProofType, len(plan.Obligations))
		for i, o := range plan.Obligations {
			proofs[i] = ProofType{Kind: o.Kind, Contract: o.Contract}
		}
		checked.Result = Type{Kind: KindSigma, Result: &result, Proofs: proofs}
	}

	return checked, nil
}

// resolveDeclared computes the query's modality set: the union of the
// projection modalities, with * expanding to the configured set.
func (c *Checker) resolveDeclared(q *vql.Query) ([]types.Modality, error) {
	seen := make(map[types.Modality]bool)
	var out []types.Modality

	add := func(m types.Modality) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}

	for _, p := range q.Projections {
		if p.Star {
			for _, m := range c.modalities {
				add(m)
			}
			continue
		}
		if p.Agg != "" && p.AggStar {
			continue
		}
		if !c.configured(p.Modality) {
			return nil, verr.Type(verr.CodeMissingModality, "modality %s is not configured", p.Modality).
				WithSpan(p.Span.Start, p.Span.End)
		}
		add(p.Modality)
	}

	if len(out) == 0 {
		// Aggregate-only queries still need somewhere to read from.
		for _, m := range c.modalities {
			add(m)
		}
	}
	return out, nil
}

func (c *Checker) configured(m types.Modality) bool {
	for _, have := range c.modalities {
		if have == m {
			return true
		}
	}
	return false
}

// synthField synthesizes the type of MOD.field from the schema registry.
func (c *Checker) synthField(ref vql.FieldRef) (Type, error) {
	if t, ok := c.schemas.Field(ref.Modality, ref.Field); ok {
		return t, nil
	}
	if c.strict {
		return Type{}, verr.Type(verr.CodeShape, "unknown field %s in strict mode", ref.String())
	}
	return Type{Kind: KindString}, nil
}

// synthLiteral synthesizes a literal's type.
func synthLiteral(l vql.Literal) Type {
	switch l.Kind {
	case vql.LitString:
		return Type{Kind: KindString}
	case vql.LitInt:
		return Type{Kind: KindInt}
	case vql.LitFloat:
		return Type{Kind: KindFloat}
	case vql.LitBool:
		return Type{Kind: KindBool}
	case vql.LitVector:
		return Type{Kind: KindVector, Dim: len(l.Vector)}
	}
	return Type{Kind: KindAny}
}

// checkOperands verifies both operand types are in the operator's valid
// set: ordering operators need comparable operands of compatible types,
// equality needs compatible types only.
func checkOperands(op vql.CmpOp, left, right Type, span vql.Span) error {
	switch op {
	case vql.CmpLt, vql.CmpLe, vql.CmpGt, vql.CmpGe:
		if !left.IsComparable() || !right.IsComparable() {
			return verr.Type(verr.CodeShape, "operator %s requires comparable operands, got %s and %s", op, left, right).
				WithSpan(span.Start, span.End)
		}
	}
	if !left.Compatible(right) {
		return verr.Type(verr.CodeShape, "incompatible operand types %s and %s", left, right).
			WithSpan(span.Start, span.End)
	}
	return nil
}

// checkCondition walks a condition tree in check mode. having selects the
// HAVING operand table (aggregate columns allowed, modality predicates
// checked as usual).
func (c *Checker) checkCondition(cond vql.Condition, declared []types.Modality, having bool) error {
	switch n := cond.(type) {
	case *vql.And:
		if err := c.checkCondition(n.Left, declared, having); err != nil {
			return err
		}
		return c.checkCondition(n.Right, declared, having)
	case *vql.Or:
		if err := c.checkCondition(n.Left, declared, having); err != nil {
			return err
		}
		return c.checkCondition(n.Right, declared, having)
	case *vql.Not:
		return c.checkCondition(n.Inner, declared, having)

	case *vql.FieldPred:
		if !c.configured(n.Ref.Modality) {
			return verr.Type(verr.CodeMissingModality, "modality %s is not configured", n.Ref.Modality).
				WithSpan(n.Span.Start, n.Span.End)
		}
		ft, err := c.synthField(n.Ref)
		if err != nil {
			return err
		}
		return checkOperands(n.Op, ft, synthLiteral(n.Value), n.Span)

	case *vql.CrossFieldPred:
		for _, m := range []types.Modality{n.Left.Modality, n.Right.Modality} {
			if !c.configured(m) {
				return verr.Type(verr.CodeMissingModality, "modality %s is not configured", m).
					WithSpan(n.Span.Start, n.Span.End)
			}
		}
		lt, err := c.synthField(n.Left)
		if err != nil {
			return err
		}
		rt, err := c.synthField(n.Right)
		if err != nil {
			return err
		}
		return checkOperands(n.Op, lt, rt, n.Span)

	case *vql.ContainsPred:
		ft, err := c.synthField(n.Ref)
		if err != nil {
			return err
		}
		if ft.Kind != KindString && ft.Kind != KindAny {
			return verr.Type(verr.CodeShape, "CONTAINS/MATCHES requires a string field, got %s", ft).
				WithSpan(n.Span.Start, n.Span.End)
		}
		return nil

	case *vql.SimilarPred:
		if len(n.Vector) == 0 {
			return verr.Type(verr.CodeShape, "SIMILAR TO vector literal has dimension 0").
				WithSpan(n.Span.Start, n.Span.End).
				WithHint("provide at least one component")
		}
		if n.Threshold < 0 || n.Threshold > 1 {
			return verr.Type(verr.CodeShape, "similarity threshold %v outside [0,1]", n.Threshold).
				WithSpan(n.Span.Start, n.Span.End)
		}
		return nil

	case *vql.TriplePred:
		if !c.configured(types.ModalityGraph) {
			return verr.Type(verr.CodeMissingModality, "graph modality is not configured").
				WithSpan(n.Span.Start, n.Span.End)
		}
		return nil

	case *vql.DriftPred:
		for _, m := range []types.Modality{n.A, n.B} {
			if !c.configured(m) {
				return verr.Type(verr.CodeMissingModality, "modality %s is not configured", m).
					WithSpan(n.Span.Start, n.Span.End)
			}
		}
		if n.A == n.B {
			return verr.Type(verr.CodeShape, "DRIFT requires two distinct modalities").
				WithSpan(n.Span.Start, n.Span.End)
		}
		return nil

	case *vql.ConsistentPred:
		for _, m := range []types.Modality{n.A, n.B} {
			if !c.configured(m) {
				return verr.Type(verr.CodeMissingModality, "modality %s is not configured", m).
					WithSpan(n.Span.Start, n.Span.End)
			}
		}
		if n.Metric != "" {
			switch n.Metric {
			case "COSINE", "EUCLIDEAN", "DOT_PRODUCT", "JACCARD":
			default:
				return verr.Type(verr.CodeShape, "unknown consistency metric %q", n.Metric).
					WithSpan(n.Span.Start, n.Span.End).
					WithHint("metrics are COSINE, EUCLIDEAN, DOT_PRODUCT, JACCARD")
			}
		}
		return nil

	case *vql.ExistsPred:
		if !c.configured(n.Modality) {
			return verr.Type(verr.CodeMissingModality, "modality %s is not configured", n.Modality).
				WithSpan(n.Span.Start, n.Span.End)
		}
		return nil

	case *vql.HavingPred:
		if !having {
			return verr.Type(verr.CodeShape, "aggregate condition %s is only valid in HAVING", n.Column).
				WithSpan(n.Span.Start, n.Span.End)
		}
		return checkOperands(n.Op, Type{Kind: KindFloat}, synthLiteral(n.Value), n.Span)
	}
	return verr.Type(verr.CodeShape, "unknown condition node")
}

// checkProjections synthesizes the result columns. Aggregate typing:
// SUM/AVG require numeric source, MIN/MAX comparable, COUNT anything;
// AVG yields Float, the others preserve the source type.
func (c *Checker) checkProjections(q *vql.Query, declared []types.Modality) ([]Column, error) {
	var columns []Column
	for _, p := range q.Projections {
		switch {
		case p.Star:
			for _, m := range declared {
				columns = append(columns, Column{Name: string(m), Type: Type{Kind: KindModality, Modality: m}})
			}

		case p.Agg != "":
			if p.AggStar {
				if p.Agg != vql.AggCount {
					return nil, verr.Type(verr.CodeShape, "%s(*) is not defined; only COUNT accepts *", p.Agg).
						WithSpan(p.Span.Start, p.Span.End)
				}
				columns = append(columns, Column{Name: p.Column(), Type: Type{Kind: KindInt}})
				continue
			}
			src, err := c.synthField(vql.FieldRef{Modality: p.Modality, Field: p.Field})
			if err != nil {
				return nil, err
			}
			switch p.Agg {
			case vql.AggSum, vql.AggAvg:
				if !src.IsNumeric() {
					return nil, verr.Type(verr.CodeShape, "%s requires a numeric source, got %s", p.Agg, src).
						WithSpan(p.Span.Start, p.Span.End)
				}
			case vql.AggMin, vql.AggMax:
				if !src.IsComparable() {
					return nil, verr.Type(verr.CodeShape, "%s requires a comparable source, got %s", p.Agg, src).
						WithSpan(p.Span.Start, p.Span.End)
				}
			}
			out := src
			switch p.Agg {
			case vql.AggAvg:
				out = Type{Kind: KindFloat}
			case vql.AggCount:
				out = Type{Kind: KindInt}
			}
			columns = append(columns, Column{Name: p.Column(), Type: out})

		case p.Field == "":
			columns = append(columns, Column{Name: p.Column(), Type: Type{Kind: KindModality, Modality: p.Modality}})

		default:
			ft, err := c.synthField(vql.FieldRef{Modality: p.Modality, Field: p.Field})
			if err != nil {
				return nil, err
			}
			columns = append(columns, Column{Name: p.Column(), Type: ft})
		}
	}
	return columns, nil
}

// checkGrouping enforces that every GROUP BY reference is present in the
// SELECT list, explicitly or covered by aggregates.
func (c *Checker) checkGrouping(q *vql.Query) error {
	if len(q.GroupBy) == 0 {
		return nil
	}
	hasAggregate := false
	for _, p := range q.Projections {
		if p.Agg != "" {
			hasAggregate = true
			break
		}
	}
	for _, ref := range q.GroupBy {
		found := false
		for _, p := range q.Projections {
			if p.Star {
				found = true
				break
			}
			if p.Agg == "" && p.Modality == ref.Modality && p.Field == ref.Field {
				found = true
				break
			}
		}
		if !found && !hasAggregate {
			return verr.Type(verr.CodeShape, "GROUP BY %s is not in the SELECT list", ref.String())
		}
	}
	return nil
}

// checkOrdering enforces that ORDER BY references a projected field or an
// aggregated column.
func (c *Checker) checkOrdering(q *vql.Query) error {
	for _, item := range q.OrderBy {
		if item.AggColumn != "" {
			found := false
			for _, p := range q.Projections {
				if p.Agg != "" && p.Column() == item.AggColumn {
					found = true
					break
				}
			}
			if !found {
				return verr.Type(verr.CodeShape, "ORDER BY %s does not match a projected aggregate", item.AggColumn)
			}
			continue
		}
		found := false
		for _, p := range q.Projections {
			if p.Star {
				found = true
				break
			}
			if p.Agg == "" && p.Modality == item.Ref.Modality && p.Field == item.Ref.Field {
				found = true
				break
			}
		}
		for _, g := range q.GroupBy {
			if g == item.Ref {
				found = true
				break
			}
		}
		if !found {
			return verr.Type(verr.CodeShape, "ORDER BY %s must refer to a projected or grouped expression", item.Ref.String())
		}
	}
	return nil
}

func (c *Checker) checkInsert(ins *vql.Insert) (*Checked, error) {
	if len(ins.Data) == 0 {
		return nil, verr.Type(verr.CodeShape, "INSERT requires at least one modality payload")
	}
	var declared []types.Modality
	for _, d := range ins.Data {
		if !c.configured(d.Modality) {
			return nil, verr.Type(verr.CodeMissingModality, "modality %s is not configured", d.Modality).
				WithSpan(d.Span.Start, d.Span.End)
		}
		if d.Modality == types.ModalityVector && len(d.Vector) == 0 && len(d.Fields) == 0 {
			return nil, verr.Type(verr.CodeShape, "vector payload has dimension 0").
				WithSpan(d.Span.Start, d.Span.End)
		}
		declared = append(declared, d.Modality)
	}
	return c.finishMutation(ins, declared, ins.Proofs)
}

func (c *Checker) checkUpdate(upd *vql.Update) (*Checked, error) {
	if upd.HexadID == "" {
		return nil, verr.Type(verr.CodeShape, "UPDATE requires a hexad id")
	}
	if len(upd.Sets) == 0 {
		return nil, verr.Type(verr.CodeShape, "UPDATE requires at least one SET clause")
	}
	var declared []types.Modality
	for _, s := range upd.Sets {
		if !c.configured(s.Ref.Modality) {
			return nil, verr.Type(verr.CodeMissingModality, "modality %s is not configured", s.Ref.Modality).
				WithSpan(s.Span.Start, s.Span.End)
		}
		ft, err := c.synthField(s.Ref)
		if err != nil {
			return nil, err
		}
		if err := checkOperands(vql.CmpEq, ft, synthLiteral(s.Value), s.Span); err != nil {
			return nil, err
		}
		declared = append(declared, s.Ref.Modality)
	}
	return c.finishMutation(upd, declared, upd.Proofs)
}

func (c *Checker) checkDelete(del *vql.Delete) (*Checked, error) {
	if del.HexadID == "" {
		return nil, verr.Type(verr.CodeShape, "DELETE requires a hexad id")
	}
	return c.finishMutation(del, c.modalities, del.Proofs)
}

func (c *Checker) finishMutation(stmt vql.Statement, declared []types.Modality, proofs []vql.ProofSpec) (*Checked, error) {
	result := Type{Kind: KindQueryResult, Columns: []Column{{Name: "hexad_id", Type: Type{Kind: KindHexad}}}}
	checked := &Checked{Statement: stmt, Declared: declared, Result: result}
	if len(proofs) > 0 {
		plan, err := c.BuildPlan(proofs, declared)
		if err != nil {
			return nil, err
		}
		checked.Plan = plan
		pts := make([]ProofType, len(plan.Obligations))
		for i, o := range plan.Obligations {
			pts[i] = ProofType{Kind: o.Kind, Contract: o.Contract}
		}
		checked.Result = Type{Kind: KindSigma, Result: &result, Proofs: pts}
	}
	return checked, nil
}
