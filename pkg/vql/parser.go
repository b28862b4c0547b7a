package vql

import (
	"strconv"
	"strings"

	"github.com/verisimdb/verisimdb/pkg/types"
	"github.com/verisimdb/verisimdb/pkg/verr"
)

// Parse parses one VQL statement. The parser is pure: no I/O, no state
// beyond the input string. Malformed input fails with a parse error
// carrying a span and a hint; unknown tokens never succeed silently.
func Parse(input string) (Statement, error) {
	p := &parser{lex: newLexer(input), input: input}
	stmt, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	if p.lex.lastErr != nil {
		e := p.lex.lastErr
		return nil, verr.Parse(verr.CodeSyntax, "%s", e.msg).WithSpan(e.span.Start, e.span.End)
	}
	if t := p.lex.peek(); t.kind != tokEOF {
		return nil, verr.Parse(verr.CodeUnknownToken, "unexpected trailing input %q", t.text).
			WithSpan(t.span.Start, t.span.End).
			WithHint("remove text after the end of the statement")
	}
	return stmt, nil
}

type parser struct {
	lex   *lexer
	input string
}

func (p *parser) errAt(t token, format string, args ...any) *verr.Error {
	return verr.Parse(verr.CodeSyntax, format, args...).WithSpan(t.span.Start, t.span.End)
}

// expectKeyword consumes an identifier token with the exact text kw.
func (p *parser) expectKeyword(kw string) (token, error) {
	t := p.lex.next()
	if t.kind != tokIdent || t.text != kw {
		return t, p.errAt(t, "expected %s, found %q", kw, t.text)
	}
	return t, nil
}

func (p *parser) peekKeyword(kw string) bool {
	t := p.lex.peek()
	return t.kind == tokIdent && t.text == kw
}

func (p *parser) acceptKeyword(kw string) bool {
	if p.peekKeyword(kw) {
		p.lex.next()
		return true
	}
	return false
}

func (p *parser) parseStatement() (Statement, error) {
	t := p.lex.peek()
	if t.kind != tokIdent {
		return nil, p.errAt(t, "expected SELECT, INSERT, UPDATE or DELETE").
			WithHint("a statement begins with a keyword")
	}
	switch t.text {
	case "SELECT":
		return p.parseQuery()
	case "INSERT":
		return p.parseInsert()
	case "UPDATE":
		return p.parseUpdate()
	case "DELETE":
		return p.parseDelete()
	}
	return nil, p.errAt(t, "unknown statement keyword %q", t.text)
}

func (p *parser) parseQuery() (*Query, error) {
	if _, err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}

	q := &Query{Limit: -1}

	if p.peekKeyword("FROM") {
		t := p.lex.peek()
		return nil, p.errAt(t, "empty SELECT list").
			WithHint("project at least one modality, field or aggregate")
	}

	for {
		proj, err := p.parseProjection()
		if err != nil {
			return nil, err
		}
		q.Projections = append(q.Projections, proj)
		if p.lex.peek().kind == tokComma {
			p.lex.next()
			continue
		}
		break
	}

	if _, err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	src, err := p.parseSource()
	if err != nil {
		return nil, err
	}
	q.Source = src

	if p.acceptKeyword("WHERE") {
		cond, err := p.parseCondition()
		if err != nil {
			return nil, err
		}
		q.Where = cond
	}

	if p.peekKeyword("GROUP") {
		p.lex.next()
		if _, err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			ref, err := p.parseFieldRef()
			if err != nil {
				return nil, err
			}
			q.GroupBy = append(q.GroupBy, ref)
			if p.lex.peek().kind == tokComma {
				p.lex.next()
				continue
			}
			break
		}
	}

	if p.acceptKeyword("HAVING") {
		cond, err := p.parseCondition()
		if err != nil {
			return nil, err
		}
		q.Having = cond
	}

	if p.acceptKeyword("PROOF") {
		specs, conns, err := p.parseProofList()
		if err != nil {
			return nil, err
		}
		q.Proofs = specs
		q.ProofConnectives = conns
	}

	if p.peekKeyword("ORDER") {
		p.lex.next()
		if _, err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			item, err := p.parseOrderItem()
			if err != nil {
				return nil, err
			}
			q.OrderBy = append(q.OrderBy, item)
			if p.lex.peek().kind == tokComma {
				p.lex.next()
				continue
			}
			break
		}
	}

	if p.acceptKeyword("LIMIT") {
		n, err := p.parseInt()
		if err != nil {
			return nil, err
		}
		q.Limit = n
	}

	if p.acceptKeyword("OFFSET") {
		n, err := p.parseInt()
		if err != nil {
			return nil, err
		}
		q.Offset = n
	}

	return q, nil
}

func (p *parser) parseInt() (int, error) {
	t := p.lex.next()
	if t.kind != tokInt {
		return 0, p.errAt(t, "expected integer, found %q", t.text)
	}
	n, err := strconv.Atoi(t.text)
	if err != nil || n < 0 {
		return 0, p.errAt(t, "invalid integer %q", t.text)
	}
	return n, nil
}

func isAggFn(name string) bool {
	switch AggFn(name) {
	case AggCount, AggSum, AggAvg, AggMin, AggMax:
		return true
	}
	return false
}

func (p *parser) parseProjection() (Projection, error) {
	t := p.lex.peek()

	if t.kind == tokStar {
		p.lex.next()
		return Projection{Star: true, Span: t.span}, nil
	}
	if t.kind != tokIdent {
		return Projection{}, p.errAt(t, "expected projection, found %q", t.text)
	}

	if isAggFn(t.text) {
		return p.parseAggregate()
	}

	mod, ok := types.ParseModality(t.text)
	if !ok {
		return Projection{}, p.errAt(t, "unknown modality %q in projection", t.text).
			WithHint("modalities are GRAPH, VECTOR, TENSOR, SEMANTIC, DOCUMENT, TEMPORAL")
	}
	p.lex.next()

	proj := Projection{Modality: mod, Span: t.span}
	if p.lex.peek().kind == tokDot {
		p.lex.next()
		ft := p.lex.next()
		if ft.kind != tokIdent {
			return Projection{}, p.errAt(ft, "expected field name after %s.", t.text)
		}
		proj.Field = ft.text
		proj.Span.End = ft.span.End
	}
	return proj, nil
}

func (p *parser) parseAggregate() (Projection, error) {
	fn := p.lex.next() // aggregate keyword
	lp := p.lex.next()
	if lp.kind != tokLParen {
		return Projection{}, p.errAt(lp, "expected ( after %s", fn.text)
	}

	proj := Projection{Agg: AggFn(fn.text), Span: fn.span}
	t := p.lex.next()
	switch {
	case t.kind == tokStar:
		proj.AggStar = true
	case t.kind == tokIdent:
		mod, ok := types.ParseModality(t.text)
		if !ok {
			return Projection{}, p.errAt(t, "unknown modality %q in aggregate", t.text)
		}
		dot := p.lex.next()
		if dot.kind != tokDot {
			return Projection{}, p.errAt(dot, "expected . after modality in aggregate")
		}
		ft := p.lex.next()
		if ft.kind != tokIdent {
			return Projection{}, p.errAt(ft, "expected field name in aggregate")
		}
		proj.Modality = mod
		proj.Field = ft.text
	default:
		return Projection{}, p.errAt(t, "expected * or MOD.field in aggregate")
	}

	rp := p.lex.next()
	if rp.kind != tokRParen {
		return Projection{}, p.errAt(rp, "expected ) to close aggregate")
	}
	proj.Span.End = rp.span.End
	return proj, nil
}

func (p *parser) parseSource() (Source, error) {
	t := p.lex.next()
	if t.kind != tokIdent {
		return Source{}, p.errAt(t, "expected HEXAD, FEDERATION or STORE")
	}
	switch t.text {
	case "HEXAD":
		id := p.lex.next()
		if id.kind != tokIdent && id.kind != tokString {
			return Source{}, p.errAt(id, "expected hexad id after HEXAD")
		}
		if id.text == "" {
			return Source{}, p.errAt(id, "empty hexad id")
		}
		return Source{Kind: SourceHexad, HexadID: id.text}, nil

	case "FEDERATION":
		glob := p.lex.nextRaw()
		if glob.text == "" {
			return Source{}, p.errAt(glob, "expected glob pattern after FEDERATION")
		}
		src := Source{Kind: SourceFederation, Glob: glob.text, Drift: types.DriftTolerate}
		if p.acceptKeyword("WITH") {
			if _, err := p.expectKeyword("DRIFT"); err != nil {
				return Source{}, err
			}
			pol := p.lex.next()
			if pol.kind != tokIdent {
				return Source{}, p.errAt(pol, "expected drift policy")
			}
			switch pol.text {
			case "STRICT":
				src.Drift = types.DriftStrict
			case "REPAIR":
				src.Drift = types.DriftRepair
			case "TOLERATE":
				src.Drift = types.DriftTolerate
			case "LATEST":
				src.Drift = types.DriftLatest
			default:
				return Source{}, p.errAt(pol, "unknown drift policy %q", pol.text).
					WithHint("policies are STRICT, REPAIR, TOLERATE, LATEST")
			}
		}
		return src, nil

	case "STORE":
		id := p.lex.next()
		if id.kind != tokIdent && id.kind != tokString {
			return Source{}, p.errAt(id, "expected store id after STORE")
		}
		return Source{Kind: SourceStore, StoreID: id.text}, nil
	}
	return Source{}, p.errAt(t, "unknown source %q", t.text)
}

// parseCondition parses the Or level.
func (p *parser) parseCondition() (Condition, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Or{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Condition, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peekKeyword("AND") {
		p.lex.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &And{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Condition, error) {
	if p.acceptKeyword("NOT") {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Not{Inner: inner}, nil
	}
	if p.lex.peek().kind == tokLParen {
		p.lex.next()
		inner, err := p.parseCondition()
		if err != nil {
			return nil, err
		}
		rp := p.lex.next()
		if rp.kind != tokRParen {
			return nil, p.errAt(rp, "expected ) to close condition group")
		}
		return inner, nil
	}
	return p.parsePredicate()
}

func (p *parser) parsePredicate() (Condition, error) {
	t := p.lex.peek()
	if t.kind == tokString || t.kind == tokQuestion {
		return p.parseTriple()
	}
	if t.kind != tokIdent {
		return nil, p.errAt(t, "expected predicate, found %q", t.text)
	}

	switch t.text {
	case "DRIFT":
		return p.parseDrift()
	case "CONSISTENT":
		return p.parseConsistent()
	}

	if isAggFn(t.text) {
		return p.parseHavingPred()
	}

	if mod, ok := types.ParseModality(t.text); ok {
		start := p.lex.next() // modality keyword
		nt := p.lex.peek()
		switch {
		case nt.kind == tokDot:
			p.lex.next()
			ft := p.lex.next()
			if ft.kind != tokIdent {
				return nil, p.errAt(ft, "expected field name after %s.", t.text)
			}
			return p.parseFieldTail(FieldRef{Modality: mod, Field: ft.text}, start.span)
		case nt.kind == tokIdent && nt.text == "EXISTS":
			p.lex.next()
			return &ExistsPred{Modality: mod, Span: Span{start.span.Start, nt.span.End}}, nil
		case nt.kind == tokIdent && nt.text == "NOT":
			p.lex.next()
			et, err := p.expectKeyword("EXISTS")
			if err != nil {
				return nil, err
			}
			return &ExistsPred{Modality: mod, Negated: true, Span: Span{start.span.Start, et.span.End}}, nil
		case nt.kind == tokIdent && nt.text == "SIMILAR":
			return p.parseSimilar(mod, start.span)
		}
		return nil, p.errAt(nt, "expected ., EXISTS, NOT EXISTS or SIMILAR after modality %s", t.text)
	}

	// Bare identifier: a graph triple pattern.
	return p.parseTriple()
}

// parseFieldTail finishes a predicate that began with MOD.field.
func (p *parser) parseFieldTail(ref FieldRef, start Span) (Condition, error) {
	t := p.lex.peek()

	if t.kind == tokIdent && (t.text == "CONTAINS" || t.text == "MATCHES") {
		p.lex.next()
		st := p.lex.next()
		if st.kind != tokString {
			return nil, p.errAt(st, "expected quoted pattern after %s", t.text)
		}
		return &ContainsPred{
			Ref:     ref,
			Pattern: st.text,
			Regex:   t.text == "MATCHES",
			Span:    Span{start.Start, st.span.End},
		}, nil
	}

	op, err := p.parseCmpOp()
	if err != nil {
		return nil, err
	}

	// MOD.field op MOD.field is a cross-modal comparison.
	nt := p.lex.peek()
	if nt.kind == tokIdent {
		if mod2, ok := types.ParseModality(nt.text); ok {
			p.lex.next()
			dot := p.lex.next()
			if dot.kind != tokDot {
				return nil, p.errAt(dot, "expected . after modality %s", nt.text)
			}
			ft := p.lex.next()
			if ft.kind != tokIdent {
				return nil, p.errAt(ft, "expected field name after %s.", nt.text)
			}
			return &CrossFieldPred{
				Left:  ref,
				Op:    op,
				Right: FieldRef{Modality: mod2, Field: ft.text},
				Span:  Span{start.Start, ft.span.End},
			}, nil
		}
	}

	lit, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return &FieldPred{Ref: ref, Op: op, Value: lit, Span: Span{start.Start, lit.Span.End}}, nil
}

func (p *parser) parseSimilar(mod types.Modality, start Span) (Condition, error) {
	if _, err := p.expectKeyword("SIMILAR"); err != nil {
		return nil, err
	}
	if _, err := p.expectKeyword("TO"); err != nil {
		return nil, err
	}
	lit, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	if lit.Kind != LitVector {
		return nil, verr.Parse(verr.CodeSyntax, "SIMILAR TO requires a vector literal").
			WithSpan(lit.Span.Start, lit.Span.End)
	}
	if _, err := p.expectKeyword("WITHIN"); err != nil {
		return nil, err
	}
	th, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	var threshold float64
	switch th.Kind {
	case LitFloat:
		threshold = th.Float
	case LitInt:
		threshold = float64(th.Int)
	default:
		return nil, verr.Parse(verr.CodeSyntax, "WITHIN requires a numeric threshold").
			WithSpan(th.Span.Start, th.Span.End)
	}
	return &SimilarPred{
		Modality:  mod,
		Vector:    lit.Vector,
		Threshold: threshold,
		Span:      Span{start.Start, th.Span.End},
	}, nil
}

func (p *parser) parseDrift() (Condition, error) {
	start := p.lex.next() // DRIFT
	if lp := p.lex.next(); lp.kind != tokLParen {
		return nil, p.errAt(lp, "expected ( after DRIFT")
	}
	a, err := p.parseModalityName()
	if err != nil {
		return nil, err
	}
	if c := p.lex.next(); c.kind != tokComma {
		return nil, p.errAt(c, "expected , between DRIFT modalities")
	}
	b, err := p.parseModalityName()
	if err != nil {
		return nil, err
	}
	if rp := p.lex.next(); rp.kind != tokRParen {
		return nil, p.errAt(rp, "expected ) to close DRIFT")
	}
	op, err := p.parseCmpOp()
	if err != nil {
		return nil, err
	}
	lit, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	var threshold float64
	switch lit.Kind {
	case LitFloat:
		threshold = lit.Float
	case LitInt:
		threshold = float64(lit.Int)
	default:
		return nil, verr.Parse(verr.CodeSyntax, "DRIFT threshold must be numeric").
			WithSpan(lit.Span.Start, lit.Span.End)
	}
	return &DriftPred{A: a, B: b, Op: op, Threshold: threshold, Span: Span{start.span.Start, lit.Span.End}}, nil
}

func (p *parser) parseConsistent() (Condition, error) {
	start := p.lex.next() // CONSISTENT
	if lp := p.lex.next(); lp.kind != tokLParen {
		return nil, p.errAt(lp, "expected ( after CONSISTENT")
	}
	a, err := p.parseModalityName()
	if err != nil {
		return nil, err
	}
	if c := p.lex.next(); c.kind != tokComma {
		return nil, p.errAt(c, "expected , between CONSISTENT modalities")
	}
	b, err := p.parseModalityName()
	if err != nil {
		return nil, err
	}
	rp := p.lex.next()
	if rp.kind != tokRParen {
		return nil, p.errAt(rp, "expected ) to close CONSISTENT")
	}
	pred := &ConsistentPred{A: a, B: b, Span: Span{start.span.Start, rp.span.End}}
	if p.acceptKeyword("USING") {
		mt := p.lex.next()
		if mt.kind != tokIdent {
			return nil, p.errAt(mt, "expected metric name after USING")
		}
		pred.Metric = mt.text
		pred.Span.End = mt.span.End
	}
	return pred, nil
}

func (p *parser) parseHavingPred() (Condition, error) {
	proj, err := p.parseAggregate()
	if err != nil {
		return nil, err
	}
	op, err := p.parseCmpOp()
	if err != nil {
		return nil, err
	}
	lit, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return &HavingPred{Column: proj.Column(), Op: op, Value: lit, Span: Span{proj.Span.Start, lit.Span.End}}, nil
}

func (p *parser) parseTriple() (Condition, error) {
	terms := make([]string, 0, 3)
	start := p.lex.peek().span
	var end Span
	for i := 0; i < 3; i++ {
		t := p.lex.next()
		switch t.kind {
		case tokIdent, tokString:
			terms = append(terms, t.text)
		case tokQuestion:
			terms = append(terms, "")
		default:
			return nil, p.errAt(t, "expected graph pattern term, found %q", t.text)
		}
		end = t.span
	}
	return &TriplePred{
		Subject:   terms[0],
		Predicate: terms[1],
		Object:    terms[2],
		Span:      Span{start.Start, end.End},
	}, nil
}

func (p *parser) parseModalityName() (types.Modality, error) {
	t := p.lex.next()
	if t.kind != tokIdent {
		return "", p.errAt(t, "expected modality name")
	}
	mod, ok := types.ParseModality(t.text)
	if !ok {
		return "", p.errAt(t, "unknown modality %q", t.text)
	}
	return mod, nil
}

func (p *parser) parseCmpOp() (CmpOp, error) {
	t := p.lex.next()
	switch t.kind {
	case tokEq:
		return CmpEq, nil
	case tokNe:
		return CmpNe, nil
	case tokLt:
		return CmpLt, nil
	case tokLe:
		return CmpLe, nil
	case tokGt:
		return CmpGt, nil
	case tokGe:
		return CmpGe, nil
	}
	return "", p.errAt(t, "expected comparison operator, found %q", t.text)
}

func (p *parser) parseLiteral() (Literal, error) {
	t := p.lex.next()
	switch t.kind {
	case tokString:
		return Literal{Kind: LitString, Str: t.text, Span: t.span}, nil
	case tokInt:
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return Literal{}, p.errAt(t, "invalid integer %q", t.text)
		}
		return Literal{Kind: LitInt, Int: n, Span: t.span}, nil
	case tokFloat:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return Literal{}, p.errAt(t, "invalid float %q", t.text)
		}
		return Literal{Kind: LitFloat, Float: f, Span: t.span}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return Literal{Kind: LitBool, Bool: true, Span: t.span}, nil
		case "false":
			return Literal{Kind: LitBool, Bool: false, Span: t.span}, nil
		}
		// Bare identifiers are accepted as string literals (hexad ids,
		// contract names).
		return Literal{Kind: LitString, Str: t.text, Span: t.span}, nil
	case tokLBracket:
		return p.parseVectorTail(t.span)
	}
	return Literal{}, p.errAt(t, "expected literal, found %q", t.text)
}

func (p *parser) parseVectorTail(start Span) (Literal, error) {
	lit := Literal{Kind: LitVector, Span: start}
	if p.lex.peek().kind == tokRBracket {
		rb := p.lex.next()
		lit.Span.End = rb.span.End
		return lit, nil // empty vector; rejected by the type checker
	}
	for {
		t := p.lex.next()
		switch t.kind {
		case tokFloat:
			f, _ := strconv.ParseFloat(t.text, 64)
			lit.Vector = append(lit.Vector, f)
		case tokInt:
			n, _ := strconv.ParseInt(t.text, 10, 64)
			lit.Vector = append(lit.Vector, float64(n))
		default:
			return Literal{}, p.errAt(t, "expected number in vector literal")
		}
		nt := p.lex.next()
		if nt.kind == tokComma {
			continue
		}
		if nt.kind == tokRBracket {
			lit.Span.End = nt.span.End
			return lit, nil
		}
		return Literal{}, p.errAt(nt, "expected , or ] in vector literal")
	}
}

func (p *parser) parseFieldRef() (FieldRef, error) {
	t := p.lex.next()
	if t.kind != tokIdent {
		return FieldRef{}, p.errAt(t, "expected MOD.field reference")
	}
	mod, ok := types.ParseModality(t.text)
	if !ok {
		return FieldRef{}, p.errAt(t, "unknown modality %q", t.text)
	}
	dot := p.lex.next()
	if dot.kind != tokDot {
		return FieldRef{}, p.errAt(dot, "expected . after modality %s", t.text)
	}
	ft := p.lex.next()
	if ft.kind != tokIdent {
		return FieldRef{}, p.errAt(ft, "expected field name after %s.", t.text)
	}
	return FieldRef{Modality: mod, Field: ft.text}, nil
}

func (p *parser) parseOrderItem() (OrderItem, error) {
	t := p.lex.peek()
	var item OrderItem

	if t.kind == tokIdent && isAggFn(t.text) {
		proj, err := p.parseAggregate()
		if err != nil {
			return OrderItem{}, err
		}
		item.AggColumn = proj.Column()
	} else {
		ref, err := p.parseFieldRef()
		if err != nil {
			return OrderItem{}, err
		}
		item.Ref = ref
	}

	if p.acceptKeyword("DESC") {
		item.Descending = true
	} else {
		p.acceptKeyword("ASC")
	}
	return item, nil
}

func (p *parser) parseProofList() ([]ProofSpec, []string, error) {
	var specs []ProofSpec
	var conns []string
	for {
		spec, err := p.parseProofSpec()
		if err != nil {
			return nil, nil, err
		}
		specs = append(specs, spec)

		t := p.lex.peek()
		if t.kind == tokIdent && (t.text == "AND" || t.text == "OR") {
			// AND/OR here belongs to the proof list only when another proof
			// kind follows; otherwise it is not valid anyway because PROOF
			// is the last condition-bearing clause before ORDER BY.
			p.lex.next()
			conns = append(conns, t.text)
			continue
		}
		break
	}
	return specs, conns, nil
}

func (p *parser) parseProofSpec() (ProofSpec, error) {
	t := p.lex.next()
	if t.kind != tokIdent {
		return ProofSpec{}, p.errAt(t, "expected proof kind")
	}
	kind, ok := types.ParseProofKind(t.text)
	if !ok {
		return ProofSpec{}, p.errAt(t, "unknown proof kind %q", t.text).
			WithHint("kinds are EXISTENCE, INTEGRITY, CONSISTENCY, PROVENANCE, FRESHNESS, ACCESS, CITATION, CUSTOM")
	}
	if lp := p.lex.next(); lp.kind != tokLParen {
		return ProofSpec{}, p.errAt(lp, "expected ( after proof kind %s", t.text)
	}
	ct := p.lex.next()
	if ct.kind != tokIdent && ct.kind != tokString {
		return ProofSpec{}, p.errAt(ct, "expected contract name in proof spec")
	}
	rp := p.lex.next()
	if rp.kind != tokRParen {
		return ProofSpec{}, p.errAt(rp, "expected ) to close proof spec")
	}
	return ProofSpec{Kind: kind, Contract: ct.text, Span: Span{t.span.Start, rp.span.End}}, nil
}

func (p *parser) parseInsert() (*Insert, error) {
	p.lex.next() // INSERT
	if _, err := p.expectKeyword("HEXAD"); err != nil {
		return nil, err
	}
	if _, err := p.expectKeyword("WITH"); err != nil {
		return nil, err
	}

	ins := &Insert{}
	for {
		data, err := p.parseModalityData()
		if err != nil {
			return nil, err
		}
		ins.Data = append(ins.Data, data)
		if p.lex.peek().kind == tokComma {
			p.lex.next()
			continue
		}
		break
	}

	if p.acceptKeyword("PROOF") {
		specs, _, err := p.parseProofList()
		if err != nil {
			return nil, err
		}
		ins.Proofs = specs
	}
	return ins, nil
}

// parseModalityData parses `MOD {field: literal, ...}` or `MOD [f, f, ...]`.
func (p *parser) parseModalityData() (ModalityData, error) {
	t := p.lex.next()
	if t.kind != tokIdent {
		return ModalityData{}, p.errAt(t, "expected modality name in INSERT data")
	}
	mod, ok := types.ParseModality(t.text)
	if !ok {
		return ModalityData{}, p.errAt(t, "unknown modality %q in INSERT data", t.text)
	}

	data := ModalityData{Modality: mod, Span: t.span}
	nt := p.lex.next()
	switch nt.kind {
	case tokLBracket:
		lit, err := p.parseVectorTail(nt.span)
		if err != nil {
			return ModalityData{}, err
		}
		data.Vector = lit.Vector
		data.Span.End = lit.Span.End
		return data, nil

	case tokLBrace:
		data.Fields = make(map[string]Literal)
		if p.lex.peek().kind == tokRBrace {
			rb := p.lex.next()
			data.Span.End = rb.span.End
			return data, nil
		}
		for {
			key := p.lex.next()
			if key.kind != tokIdent && key.kind != tokString {
				return ModalityData{}, p.errAt(key, "expected field name in object literal")
			}
			if c := p.lex.next(); c.kind != tokColon {
				return ModalityData{}, p.errAt(c, "expected : after field name %q", key.text)
			}
			lit, err := p.parseLiteral()
			if err != nil {
				return ModalityData{}, err
			}
			data.Fields[key.text] = lit

			sep := p.lex.next()
			if sep.kind == tokComma {
				continue
			}
			if sep.kind == tokRBrace {
				data.Span.End = sep.span.End
				return data, nil
			}
			return ModalityData{}, p.errAt(sep, "expected , or } in object literal")
		}
	}
	return ModalityData{}, p.errAt(nt, "expected { or [ after modality %s", t.text)
}

func (p *parser) parseUpdate() (*Update, error) {
	p.lex.next() // UPDATE
	if _, err := p.expectKeyword("HEXAD"); err != nil {
		return nil, err
	}
	id := p.lex.next()
	if id.kind != tokIdent && id.kind != tokString {
		return nil, p.errAt(id, "expected hexad id after UPDATE HEXAD")
	}
	if _, err := p.expectKeyword("SET"); err != nil {
		return nil, err
	}

	upd := &Update{HexadID: id.text}
	for {
		ref, err := p.parseFieldRef()
		if err != nil {
			return nil, err
		}
		eq := p.lex.next()
		if eq.kind != tokEq {
			return nil, p.errAt(eq, "expected = in SET clause")
		}
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		upd.Sets = append(upd.Sets, SetClause{Ref: ref, Value: lit, Span: lit.Span})
		if p.lex.peek().kind == tokComma {
			p.lex.next()
			continue
		}
		break
	}

	if p.acceptKeyword("PROOF") {
		specs, _, err := p.parseProofList()
		if err != nil {
			return nil, err
		}
		upd.Proofs = specs
	}
	return upd, nil
}

func (p *parser) parseDelete() (*Delete, error) {
	p.lex.next() // DELETE
	if _, err := p.expectKeyword("HEXAD"); err != nil {
		return nil, err
	}
	id := p.lex.next()
	if id.kind != tokIdent && id.kind != tokString {
		return nil, p.errAt(id, "expected hexad id after DELETE HEXAD")
	}

	del := &Delete{HexadID: id.text}
	if p.acceptKeyword("PROOF") {
		specs, _, err := p.parseProofList()
		if err != nil {
			return nil, err
		}
		del.Proofs = specs
	}
	return del, nil
}

// Keywords reserved by the grammar; identifiers may not shadow them.
var keywords = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "GROUP": true, "BY": true,
	"HAVING": true, "PROOF": true, "ORDER": true, "LIMIT": true, "OFFSET": true,
	"INSERT": true, "UPDATE": true, "DELETE": true, "HEXAD": true, "WITH": true,
	"SET": true, "FEDERATION": true, "STORE": true, "DRIFT": true,
	"AND": true, "OR": true, "NOT": true, "EXISTS": true, "CONTAINS": true,
	"MATCHES": true, "SIMILAR": true, "TO": true, "WITHIN": true,
	"CONSISTENT": true, "USING": true, "ASC": true, "DESC": true,
}

// IsKeyword reports whether s is reserved.
func IsKeyword(s string) bool {
	return keywords[strings.ToUpper(s)] && s == strings.ToUpper(s)
}
