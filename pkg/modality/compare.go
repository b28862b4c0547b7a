package modality

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/verisimdb/verisimdb/pkg/drift"
	"github.com/verisimdb/verisimdb/pkg/types"
)

// Matches evaluates a pushdown predicate against one payload.
func Matches(pred Predicate, p *types.Payload) bool {
	for _, c := range pred.Clauses {
		if !matchClause(c, p) {
			return false
		}
	}
	return true
}

func matchClause(c Clause, p *types.Payload) bool {
	if p == nil {
		return false
	}
	switch c.Op {
	case OpContains:
		text := fieldText(p, c.Field)
		needle, _ := c.Value.(string)
		return strings.Contains(text, needle)
	case OpMatches:
		text := fieldText(p, c.Field)
		pattern, _ := c.Value.(string)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(text)
	case OpSimilar:
		if len(p.Embedding) == 0 || len(c.Vector) == 0 {
			return false
		}
		return drift.Cosine(p.Embedding, c.Vector) >= 1-c.Threshold
	case OpTriple:
		if c.Triple == nil {
			return false
		}
		for _, t := range p.Triples {
			if tripleMatches(*c.Triple, t) {
				return true
			}
		}
		return false
	}

	val, ok := p.Fields[c.Field]
	if !ok {
		return false
	}
	return Compare(val, c.Op, c.Value)
}

// tripleMatches matches a pattern against a stored triple; empty pattern
// components are wildcards.
func tripleMatches(pattern, t types.Triple) bool {
	if pattern.Subject != "" && pattern.Subject != t.Subject {
		return false
	}
	if pattern.Predicate != "" && pattern.Predicate != t.Predicate {
		return false
	}
	if pattern.Object != "" && pattern.Object != t.Object {
		return false
	}
	return true
}

func fieldText(p *types.Payload, field string) string {
	if field == "" || field == "text" {
		if p.Text != "" {
			return p.Text
		}
	}
	if v, ok := p.Fields[field]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return p.Text
}

// Compare applies op to two scalar values using the standard total order.
// Numbers compare numerically regardless of concrete type; strings compare
// lexicographically; booleans support equality only.
func Compare(a any, op Op, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return compareFloat(fa, op, fb)
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return compareString(sa, op, sb)
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch op {
			case OpEq:
				return ba == bb
			case OpNe:
				return ba != bb
			}
			return false
		}
	}
	// Incomparable operands only ever satisfy inequality.
	return op == OpNe
}

func compareFloat(a float64, op Op, b float64) bool {
	switch op {
	case OpEq:
		return a == b
	case OpNe:
		return a != b
	case OpLt:
		return a < b
	case OpLe:
		return a <= b
	case OpGt:
		return a > b
	case OpGe:
		return a >= b
	}
	return false
}

func compareString(a string, op Op, b string) bool {
	switch op {
	case OpEq:
		return a == b
	case OpNe:
		return a != b
	case OpLt:
		return a < b
	case OpLe:
		return a <= b
	case OpGt:
		return a > b
	case OpGe:
		return a >= b
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
