package vql

import (
	"github.com/verisimdb/verisimdb/pkg/types"
)

// Statement is either a *Query or one of the mutation nodes.
type Statement interface {
	stmt()
}

// SourceKind discriminates query sources.
type SourceKind string

const (
	SourceHexad      SourceKind = "hexad"
	SourceFederation SourceKind = "federation"
	SourceStore      SourceKind = "store"
)

// Source names where a query reads from.
type Source struct {
	Kind    SourceKind
	HexadID string
	Glob    string
	StoreID string
	Drift   types.DriftPolicy // federation only; the parser sets TOLERATE when no WITH DRIFT is given
}

// AggFn is an aggregate function name.
type AggFn string

const (
	AggCount AggFn = "COUNT"
	AggSum   AggFn = "SUM"
	AggAvg   AggFn = "AVG"
	AggMin   AggFn = "MIN"
	AggMax   AggFn = "MAX"
)

// Projection is one SELECT item: *, MOD, MOD.field, or an aggregate.
type Projection struct {
	Star     bool
	Modality types.Modality
	Field    string
	Agg      AggFn  // empty for plain projections
	AggStar  bool   // COUNT(*)
	Span     Span
}

// Column returns the output column name for the projection.
func (p *Projection) Column() string {
	if p.Agg != "" {
		if p.AggStar {
			return string(p.Agg) + "(*)"
		}
		return string(p.Agg) + "(" + string(p.Modality) + "." + p.Field + ")"
	}
	if p.Star {
		return "*"
	}
	if p.Field == "" {
		return string(p.Modality)
	}
	return string(p.Modality) + "." + p.Field
}

// FieldRef names MOD.field.
type FieldRef struct {
	Modality types.Modality
	Field    string
}

// String returns the column form of the reference.
func (f FieldRef) String() string { return string(f.Modality) + "." + f.Field }

// OrderItem is one ORDER BY key.
type OrderItem struct {
	Ref        FieldRef
	AggColumn  string // set when ordering by an aggregate column, e.g. COUNT(*)
	Descending bool
}

// ProofSpec is one PROOF item: KIND(contract).
type ProofSpec struct {
	Kind     types.ProofKind
	Contract string
	Span     Span
}

// Query is a parsed SELECT statement.
type Query struct {
	Projections []Projection
	Source      Source
	Where       Condition // nil when absent
	GroupBy     []FieldRef
	Having      Condition // nil when absent
	Proofs      []ProofSpec
	// ProofConnectives holds the connective ("AND"/"OR") between proof i
	// and proof i+1.
	ProofConnectives []string
	OrderBy          []OrderItem
	Limit            int // -1 when absent
	Offset           int
}

func (*Query) stmt() {}

// LiteralKind discriminates literal values.
type LiteralKind string

const (
	LitString LiteralKind = "string"
	LitInt    LiteralKind = "int"
	LitFloat  LiteralKind = "float"
	LitBool   LiteralKind = "bool"
	LitVector LiteralKind = "vector"
)

// Literal is a typed constant.
type Literal struct {
	Kind   LiteralKind
	Str    string
	Int    int64
	Float  float64
	Bool   bool
	Vector []float64
	Span   Span
}

// Value returns the literal as an untyped Go value.
func (l *Literal) Value() any {
	switch l.Kind {
	case LitString:
		return l.Str
	case LitInt:
		return float64(l.Int) // numbers carry as float64 throughout evaluation
	case LitFloat:
		return l.Float
	case LitBool:
		return l.Bool
	case LitVector:
		return l.Vector
	}
	return nil
}

// CmpOp is a comparison operator.
type CmpOp string

const (
	CmpEq CmpOp = "="
	CmpNe CmpOp = "!="
	CmpLt CmpOp = "<"
	CmpLe CmpOp = "<="
	CmpGt CmpOp = ">"
	CmpGe CmpOp = ">="
)

// Condition is the WHERE/HAVING tree. Concrete nodes are And, Or, Not and
// the predicate leaves.
type Condition interface {
	cond()
}

// And is a conjunction.
type And struct{ Left, Right Condition }

// Or is a disjunction.
type Or struct{ Left, Right Condition }

// Not negates a condition.
type Not struct{ Inner Condition }

// FieldPred compares MOD.field against a literal.
type FieldPred struct {
	Ref   FieldRef
	Op    CmpOp
	Value Literal
	Span  Span
}

// CrossFieldPred compares fields of two modalities.
type CrossFieldPred struct {
	Left  FieldRef
	Op    CmpOp
	Right FieldRef
	Span  Span
}

// ContainsPred is full-text CONTAINS / MATCHES on MOD.field.
type ContainsPred struct {
	Ref     FieldRef
	Pattern string
	Regex   bool // MATCHES
	Span    Span
}

// SimilarPred is MOD SIMILAR TO [..] WITHIN t.
type SimilarPred struct {
	Modality  types.Modality
	Vector    []float64
	Threshold float64
	Span      Span
}

// TriplePred is the graph pattern subj edge obj ("?" is a wildcard).
type TriplePred struct {
	Subject   string
	Predicate string
	Object    string
	Span      Span
}

// DriftPred is DRIFT(A, B) op t.
type DriftPred struct {
	A, B      types.Modality
	Op        CmpOp
	Threshold float64
	Span      Span
}

// ConsistentPred is CONSISTENT(A, B) [USING metric].
type ConsistentPred struct {
	A, B   types.Modality
	Metric string // upper-case metric name; empty means COSINE
	Span   Span
}

// ExistsPred is MOD EXISTS / MOD NOT EXISTS.
type ExistsPred struct {
	Modality types.Modality
	Negated  bool
	Span     Span
}

// HavingPred compares an aggregate column against a literal, e.g.
// COUNT(*) > 2.
type HavingPred struct {
	Column string
	Op     CmpOp
	Value  Literal
	Span   Span
}

func (*And) cond()            {}
func (*Or) cond()             {}
func (*Not) cond()            {}
func (*FieldPred) cond()      {}
func (*CrossFieldPred) cond() {}
func (*ContainsPred) cond()   {}
func (*SimilarPred) cond()    {}
func (*TriplePred) cond()     {}
func (*DriftPred) cond()      {}
func (*ConsistentPred) cond() {}
func (*ExistsPred) cond()     {}
func (*HavingPred) cond()     {}

// ModalityData is one INSERT payload: a modality plus its literal content.
type ModalityData struct {
	Modality types.Modality
	Fields   map[string]Literal // object form
	Vector   []float64          // vector form
	Span     Span
}

// Insert is INSERT HEXAD WITH mod_data_list [PROOF ...].
type Insert struct {
	Data   []ModalityData
	Proofs []ProofSpec
}

// SetClause is one SET MOD.field = literal.
type SetClause struct {
	Ref   FieldRef
	Value Literal
	Span  Span
}

// Update is UPDATE HEXAD id SET set_list [PROOF ...].
type Update struct {
	HexadID string
	Sets    []SetClause
	Proofs  []ProofSpec
}

// Delete is DELETE HEXAD id [PROOF ...].
type Delete struct {
	HexadID string
	Proofs  []ProofSpec
}

func (*Insert) stmt() {}
func (*Update) stmt() {}
func (*Delete) stmt() {}
