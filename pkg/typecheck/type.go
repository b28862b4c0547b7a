package typecheck

import (
	"fmt"
	"strings"

	"github.com/verisimdb/verisimdb/pkg/types"
)

// Kind discriminates type forms.
type Kind string

const (
	// Base scalar types.
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"

	// Size-indexed refinements.
	KindVector Kind = "vector"
	KindTensor Kind = "tensor"

	// Domain types.
	KindModality Kind = "modality"
	KindHexad    Kind = "hexad"

	// Dependent forms.
	KindQueryResult Kind = "query_result"
	KindSigma       Kind = "sigma" // proved result: Σ(result, proofs)
	KindPi          Kind = "pi"    // parametric obligation
	KindProof       Kind = "proof"

	// Permissive-mode wildcard.
	KindAny Kind = "any"
)

// Type is one type form. Vector and tensor types carry size refinements;
// sigma types pair a result with the proofs discharged for it.
type Type struct {
	Kind     Kind
	Dim      int            // vector refinement; 0 means unknown size
	Shape    []int          // tensor refinement
	Modality types.Modality // modality/hexad types
	Columns  []Column       // query result shape
	Result   *Type          // sigma: the result component
	Proofs   []ProofType    // sigma: the proof components
}

// Column is one output column of a query result type.
type Column struct {
	Name string
	Type Type
}

// ProofType types one discharged obligation.
type ProofType struct {
	Kind     types.ProofKind
	Contract string
}

// String renders the type for diagnostics.
func (t Type) String() string {
	switch t.Kind {
	case KindVector:
		if t.Dim > 0 {
			return fmt.Sprintf("Vector<%d>", t.Dim)
		}
		return "Vector"
	case KindTensor:
		return "Tensor"
	case KindModality:
		return "Modality<" + string(t.Modality) + ">"
	case KindHexad:
		return "Hexad"
	case KindQueryResult:
		names := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			names[i] = c.Name
		}
		return "QueryResult<" + strings.Join(names, ", ") + ">"
	case KindSigma:
		parts := make([]string, len(t.Proofs))
		for i, p := range t.Proofs {
			parts[i] = fmt.Sprintf("Proof<%s, %s>", p.Kind, p.Contract)
		}
		return fmt.Sprintf("Σ(%s, %s)", t.Result.String(), strings.Join(parts, " ∧ "))
	}
	name := string(t.Kind)
	if name == "" {
		return "Unknown"
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// IsNumeric reports whether the type supports arithmetic aggregation.
func (t Type) IsNumeric() bool {
	return t.Kind == KindInt || t.Kind == KindFloat || t.Kind == KindAny
}

// IsComparable reports whether the type supports total ordering.
func (t Type) IsComparable() bool {
	switch t.Kind {
	case KindInt, KindFloat, KindString, KindBool, KindAny:
		return true
	}
	return false
}

// Compatible reports whether a value of type o can be compared against t.
func (t Type) Compatible(o Type) bool {
	if t.Kind == KindAny || o.Kind == KindAny {
		return true
	}
	if t.IsNumeric() && o.IsNumeric() {
		return true
	}
	return t.Kind == o.Kind
}
