package executor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/verisimdb/verisimdb/pkg/modality"
	"github.com/verisimdb/verisimdb/pkg/types"
	"github.com/verisimdb/verisimdb/pkg/verr"
	"github.com/verisimdb/verisimdb/pkg/vql"
)

// postprocess turns the filtered hexads into output rows: group and
// aggregate, apply HAVING, order deterministically, project, paginate.
func (e *Executor) postprocess(q *vql.Query, hexads []*types.Hexad) ([]*types.Row, error) {
	hasAggregate := false
	for _, p := range q.Projections {
		if p.Agg != "" {
			hasAggregate = true
			break
		}
	}

	var rows []*types.Row
	if hasAggregate || len(q.GroupBy) > 0 {
		grouped, err := e.aggregate(q, hexads)
		if err != nil {
			return nil, err
		}
		rows = grouped
	} else {
		for _, h := range hexads {
			rows = append(rows, projectHexad(q, h))
		}
	}

	if q.Having != nil {
		kept := rows[:0:0]
		for _, r := range rows {
			ok, err := evalHaving(r, q.Having)
			if err != nil {
				return nil, err
			}
			if ok {
				kept = append(kept, r)
			}
		}
		rows = kept
	}

	orderRows(rows, q.OrderBy)

	// Pagination. LIMIT 0 yields an empty result, not an error.
	if q.Offset > 0 {
		if q.Offset >= len(rows) {
			rows = nil
		} else {
			rows = rows[q.Offset:]
		}
	}
	if q.Limit >= 0 && q.Limit < len(rows) {
		rows = rows[:q.Limit]
	}
	if rows == nil {
		rows = []*types.Row{}
	}
	return rows, nil
}

// projectHexad builds one output row for a slipstream (ungrouped) query.
func projectHexad(q *vql.Query, h *types.Hexad) *types.Row {
	row := &types.Row{
		HexadID: h.ID,
		Fields:  make(map[types.Modality]map[string]any),
		Values:  make(map[string]any),
	}
	for m, p := range h.Modalities {
		if p != nil {
			row.Fields[m] = p.Fields
		}
	}

	for _, p := range q.Projections {
		switch {
		case p.Star:
			row.Values["hexad_id"] = h.ID
			for m, payload := range h.Modalities {
				if payload != nil {
					row.Values[string(m)] = payload.Fields
				}
			}
		case p.Agg != "":
			// Unreachable: aggregates route through the grouping path.
		case p.Field == "":
			if payload := h.Modalities[p.Modality]; payload != nil {
				row.Values[p.Column()] = payload.Fields
			}
		default:
			row.Values[p.Column()] = fieldOf(h, vql.FieldRef{Modality: p.Modality, Field: p.Field})
		}
	}
	return row
}

// aggregate groups hexads by the GROUP BY tuple and computes each
// aggregate per group. Without GROUP BY all rows form one group.
func (e *Executor) aggregate(q *vql.Query, hexads []*types.Hexad) ([]*types.Row, error) {
	type group struct {
		key    string
		sample *types.Hexad
		keyVals map[string]any
		members []*types.Hexad
	}

	groups := make(map[string]*group)
	var order []string
	for _, h := range hexads {
		var sb strings.Builder
		keyVals := make(map[string]any, len(q.GroupBy))
		for _, ref := range q.GroupBy {
			v := fieldOf(h, ref)
			keyVals[ref.String()] = v
			fmt.Fprintf(&sb, "%v\x00", v)
		}
		key := sb.String()
		g, ok := groups[key]
		if !ok {
			g = &group{key: key, sample: h, keyVals: keyVals}
			groups[key] = g
			order = append(order, key)
		}
		g.members = append(g.members, h)
	}
	sort.Strings(order)

	var rows []*types.Row
	for _, key := range order {
		g := groups[key]
		row := &types.Row{
			HexadID: g.sample.ID,
			Fields:  make(map[types.Modality]map[string]any),
			Values:  make(map[string]any),
		}
		for col, v := range g.keyVals {
			row.Values[col] = v
		}
		for _, p := range q.Projections {
			switch {
			case p.Agg != "":
				val, err := computeAggregate(p, g.members)
				if err != nil {
					return nil, err
				}
				row.Values[p.Column()] = val
			case p.Star:
				// Star under grouping carries only the grouped columns.
			default:
				row.Values[p.Column()] = fieldOf(g.sample, vql.FieldRef{Modality: p.Modality, Field: p.Field})
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func computeAggregate(p vql.Projection, members []*types.Hexad) (any, error) {
	if p.Agg == vql.AggCount {
		if p.AggStar {
			return float64(len(members)), nil
		}
		n := 0
		for _, h := range members {
			if fieldOf(h, vql.FieldRef{Modality: p.Modality, Field: p.Field}) != nil {
				n++
			}
		}
		return float64(n), nil
	}

	ref := vql.FieldRef{Modality: p.Modality, Field: p.Field}
	switch p.Agg {
	case vql.AggSum, vql.AggAvg:
		sum := 0.0
		n := 0
		for _, h := range members {
			if f, ok := numericField(h, ref); ok {
				sum += f
				n++
			}
		}
		if p.Agg == vql.AggAvg {
			if n == 0 {
				return nil, nil
			}
			return sum / float64(n), nil
		}
		return sum, nil

	case vql.AggMin, vql.AggMax:
		var best any
		for _, h := range members {
			v := fieldOf(h, ref)
			if v == nil {
				continue
			}
			if best == nil {
				best = v
				continue
			}
			less := modality.Compare(v, modality.OpLt, best)
			if (p.Agg == vql.AggMin && less) || (p.Agg == vql.AggMax && !less && !equalValues(v, best)) {
				best = v
			}
		}
		return best, nil
	}
	return nil, verr.Runtime(verr.CodeInternal, "unknown aggregate %s", p.Agg)
}

func numericField(h *types.Hexad, ref vql.FieldRef) (float64, bool) {
	v := fieldOf(h, ref)
	if v == nil {
		return 0, false
	}
	return toFloat64(v)
}

func equalValues(a, b any) bool {
	return modality.Compare(a, modality.OpEq, b)
}

// evalHaving evaluates the HAVING tree against one grouped row: aggregate
// predicates read the aggregate columns, field predicates read the
// grouped columns.
func evalHaving(row *types.Row, cond vql.Condition) (bool, error) {
	switch n := cond.(type) {
	case *vql.And:
		l, err := evalHaving(row, n.Left)
		if err != nil || !l {
			return false, err
		}
		return evalHaving(row, n.Right)
	case *vql.Or:
		l, err := evalHaving(row, n.Left)
		if err != nil {
			return false, err
		}
		if l {
			return true, nil
		}
		return evalHaving(row, n.Right)
	case *vql.Not:
		inner, err := evalHaving(row, n.Inner)
		return !inner, err
	case *vql.HavingPred:
		v, ok := row.Values[n.Column]
		if !ok {
			return false, nil
		}
		return modality.Compare(v, cmpToOp(n.Op), n.Value.Value()), nil
	case *vql.FieldPred:
		v, ok := row.Values[n.Ref.String()]
		if !ok {
			return false, nil
		}
		return modality.Compare(v, cmpToOp(n.Op), n.Value.Value()), nil
	}
	return false, verr.Type(verr.CodeShape, "unsupported HAVING condition")
}

// orderRows sorts deterministically: the declared keys in order with
// per-column direction and nulls last, then the hexad id as the final
// tie-break.
func orderRows(rows []*types.Row, keys []vql.OrderItem) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range keys {
			col := k.AggColumn
			if col == "" {
				col = k.Ref.String()
			}
			vi, vj := rows[i].Values[col], rows[j].Values[col]
			switch {
			case vi == nil && vj == nil:
				continue
			case vi == nil:
				return false // nulls sort last regardless of direction
			case vj == nil:
				return true
			}
			if equalValues(vi, vj) {
				continue
			}
			less := modality.Compare(vi, modality.OpLt, vj)
			if k.Descending {
				return !less
			}
			return less
		}
		return rows[i].HexadID < rows[j].HexadID
	})
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
