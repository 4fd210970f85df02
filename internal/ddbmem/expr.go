package ddbmem

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokName  // #placeholder
	tokValue // :placeholder
	tokNumber
	tokLParen
	tokRParen
	tokComma
	tokDot
	tokLBracket
	tokRBracket
	tokCompare // = <> < <= > >=
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func isIdentRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func tokenize(s string) ([]token, error) {
	var toks []token
	rs := []rune(s)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case r == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case r == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case r == '.':
			toks = append(toks, token{tokDot, ".", i})
			i++
		case r == '[':
			toks = append(toks, token{tokLBracket, "[", i})
			i++
		case r == ']':
			toks = append(toks, token{tokRBracket, "]", i})
			i++
		case r == '=':
			toks = append(toks, token{tokCompare, "=", i})
			i++
		case r == '<' || r == '>':
			op := string(r)
			if i+1 < len(rs) && (rs[i+1] == '=' || (r == '<' && rs[i+1] == '>')) {
				op += string(rs[i+1])
			}
			toks = append(toks, token{tokCompare, op, i})
			i += len(op)
		case r == '#' || r == ':':
			j := i + 1
			for j < len(rs) && isIdentRune(rs[j]) {
				j++
			}
			if j == i+1 {
				return nil, fmt.Errorf("invalid placeholder at position %d", i)
			}
			kind := tokName
			if r == ':' {
				kind = tokValue
			}
			toks = append(toks, token{kind, string(rs[i:j]), i})
			i = j
		case unicode.IsDigit(r):
			j := i
			for j < len(rs) && unicode.IsDigit(rs[j]) {
				j++
			}
			toks = append(toks, token{tokNumber, string(rs[i:j]), i})
			i = j
		case isIdentRune(r):
			j := i
			for j < len(rs) && isIdentRune(rs[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, string(rs[i:j]), i})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", r, i)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(rs)}), nil
}

// evalContext resolves placeholders against one item.
type evalContext struct {
	item   map[string]types.AttributeValue
	names  map[string]string
	values map[string]types.AttributeValue
}

type condition interface {
	eval(ec *evalContext) bool
}

type operand interface {
	resolve(ec *evalContext) (types.AttributeValue, bool)
}

type orCond struct{ left, right condition }

func (c orCond) eval(ec *evalContext) bool { return c.left.eval(ec) || c.right.eval(ec) }

type andCond struct{ left, right condition }

func (c andCond) eval(ec *evalContext) bool { return c.left.eval(ec) && c.right.eval(ec) }

type notCond struct{ inner condition }

func (c notCond) eval(ec *evalContext) bool { return !c.inner.eval(ec) }

type compareCond struct {
	op          string
	left, right operand
}

func (c compareCond) eval(ec *evalContext) bool {
	l, lok := c.left.resolve(ec)
	r, rok := c.right.resolve(ec)
	if c.op == "<>" {
		if !lok || !rok {
			return lok != rok
		}
		return !equalValues(l, r)
	}
	if !lok || !rok {
		return false
	}
	if c.op == "=" {
		return equalValues(l, r)
	}
	cmp, ok := compareValues(l, r)
	if !ok {
		return false
	}
	switch c.op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}

type betweenCond struct{ subject, lo, hi operand }

func (c betweenCond) eval(ec *evalContext) bool {
	v, ok := c.subject.resolve(ec)
	if !ok {
		return false
	}
	lo, lok := c.lo.resolve(ec)
	hi, hok := c.hi.resolve(ec)
	if !lok || !hok {
		return false
	}
	cl, ok1 := compareValues(v, lo)
	ch, ok2 := compareValues(v, hi)
	return ok1 && ok2 && cl >= 0 && ch <= 0
}

type inCond struct {
	subject operand
	list    []operand
}

func (c inCond) eval(ec *evalContext) bool {
	v, ok := c.subject.resolve(ec)
	if !ok {
		return false
	}
	for _, o := range c.list {
		if cand, ok := o.resolve(ec); ok && equalValues(v, cand) {
			return true
		}
	}
	return false
}

type funcCond struct {
	name string
	args []operand
}

func (c funcCond) eval(ec *evalContext) bool {
	first, exists := c.args[0].resolve(ec)
	switch c.name {
	case "attribute_exists":
		return exists
	case "attribute_not_exists":
		return !exists
	}
	if !exists {
		return false
	}
	arg, ok := c.args[1].resolve(ec)
	if !ok {
		return false
	}
	switch c.name {
	case "begins_with":
		switch v := first.(type) {
		case *types.AttributeValueMemberS:
			p, ok := arg.(*types.AttributeValueMemberS)
			return ok && strings.HasPrefix(v.Value, p.Value)
		case *types.AttributeValueMemberB:
			p, ok := arg.(*types.AttributeValueMemberB)
			return ok && bytes.HasPrefix(v.Value, p.Value)
		}
	case "contains":
		switch v := first.(type) {
		case *types.AttributeValueMemberS:
			p, ok := arg.(*types.AttributeValueMemberS)
			return ok && strings.Contains(v.Value, p.Value)
		case *types.AttributeValueMemberB:
			p, ok := arg.(*types.AttributeValueMemberB)
			return ok && bytes.Contains(v.Value, p.Value)
		case *types.AttributeValueMemberSS:
			for _, s := range v.Value {
				if equalValues(&types.AttributeValueMemberS{Value: s}, arg) {
					return true
				}
			}
		case *types.AttributeValueMemberNS:
			for _, n := range v.Value {
				if equalValues(&types.AttributeValueMemberN{Value: n}, arg) {
					return true
				}
			}
		case *types.AttributeValueMemberBS:
			for _, b := range v.Value {
				if equalValues(&types.AttributeValueMemberB{Value: b}, arg) {
					return true
				}
			}
		case *types.AttributeValueMemberL:
			for _, e := range v.Value {
				if equalValues(e, arg) {
					return true
				}
			}
		}
	case "attribute_type":
		t, ok := arg.(*types.AttributeValueMemberS)
		return ok && typeName(first) == t.Value
	}
	return false
}

// pathElem is one step of a document path: an attribute name or a list index.
type pathElem struct {
	name  string
	ref   bool
	index int
	isIdx bool
}

type pathOperand struct{ elems []pathElem }

func (p pathOperand) resolve(ec *evalContext) (types.AttributeValue, bool) {
	var cur types.AttributeValue
	for i, e := range p.elems {
		if e.isIdx {
			l, ok := cur.(*types.AttributeValueMemberL)
			if !ok || e.index >= len(l.Value) {
				return nil, false
			}
			cur = l.Value[e.index]
			continue
		}
		name := e.name
		if e.ref {
			name = ec.names[e.name]
		}
		if i == 0 {
			v, ok := ec.item[name]
			if !ok {
				return nil, false
			}
			cur = v
			continue
		}
		m, ok := cur.(*types.AttributeValueMemberM)
		if !ok {
			return nil, false
		}
		v, ok := m.Value[name]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, cur != nil
}

type valueOperand struct{ ref string }

func (v valueOperand) resolve(ec *evalContext) (types.AttributeValue, bool) {
	av, ok := ec.values[v.ref]
	return av, ok
}

type sizeOperand struct{ path pathOperand }

func (s sizeOperand) resolve(ec *evalContext) (types.AttributeValue, bool) {
	v, ok := s.path.resolve(ec)
	if !ok {
		return nil, false
	}
	n, ok := size(v)
	if !ok {
		return nil, false
	}
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}, true
}

// expression is a parsed condition plus the placeholders it references.
type expression struct {
	root   condition
	names  map[string]bool
	values map[string]bool
	ranges []betweenCond
}

// checkRanges rejects BETWEEN bounds whose lower value sorts after the upper.
func (e *expression) checkRanges(what string, values map[string]types.AttributeValue) error {
	if e == nil {
		return nil
	}
	ec := &evalContext{values: values}
	for _, r := range e.ranges {
		lo, lok := r.lo.(valueOperand)
		hi, hok := r.hi.(valueOperand)
		if !lok || !hok {
			continue
		}
		lv, lok := lo.resolve(ec)
		hv, hok := hi.resolve(ec)
		if !lok || !hok {
			continue
		}
		if cmp, ok := compareValues(lv, hv); ok && cmp > 0 {
			return validationError("Invalid %s: The BETWEEN operator requires upper bound to be greater than or equal to lower bound; lowerBound: %s, upperBound: %s", what, lo.ref, hi.ref)
		}
	}
	return nil
}

func (e *expression) matches(item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) bool {
	if e == nil {
		return true
	}
	return e.root.eval(&evalContext{item: item, names: names, values: values})
}

type parser struct {
	toks   []token
	pos    int
	names  map[string]bool
	values map[string]bool
	ranges []betweenCond
}

// parseExpression compiles a condition, key condition or filter expression.
func parseExpression(s string) (*expression, error) {
	toks, err := tokenize(s)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, names: map[string]bool{}, values: map[string]bool{}}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected token %q at position %d", p.peek().text, p.peek().pos)
	}
	return &expression{root: root, names: p.names, values: p.values, ranges: p.ranges}, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) keyword(word string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, word) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, fmt.Errorf("expected %s at position %d, got %q", what, t.pos, t.text)
	}
	return t, nil
}

func (p *parser) parseOr() (condition, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orCond{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (condition, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = andCond{left, right}
	}
	return left, nil
}

func (p *parser) parseNot() (condition, error) {
	if p.keyword("NOT") {
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notCond{inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (condition, error) {
	t := p.peek()
	if t.kind == tokLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	}

	if t.kind == tokIdent && p.toks[p.pos+1].kind == tokLParen && !strings.EqualFold(t.text, "size") {
		return p.parseFunction()
	}

	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	switch {
	case p.keyword("BETWEEN"):
		lo, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		if !p.keyword("AND") {
			return nil, fmt.Errorf("expected AND in BETWEEN at position %d", p.peek().pos)
		}
		hi, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		c := betweenCond{left, lo, hi}
		p.ranges = append(p.ranges, c)
		return c, nil
	case p.keyword("IN"):
		if _, err := p.expect(tokLParen, "'('"); err != nil {
			return nil, err
		}
		var list []operand
		for {
			o, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			list = append(list, o)
			if p.peek().kind == tokComma {
				p.next()
				continue
			}
			break
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inCond{left, list}, nil
	}

	op, err := p.expect(tokCompare, "comparator")
	if err != nil {
		return nil, err
	}
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return compareCond{op.text, left, right}, nil
}

func (p *parser) parseFunction() (condition, error) {
	name := strings.ToLower(p.next().text)
	arity := map[string]int{
		"attribute_exists":     1,
		"attribute_not_exists": 1,
		"attribute_type":       2,
		"begins_with":          2,
		"contains":             2,
	}
	want, ok := arity[name]
	if !ok {
		return nil, fmt.Errorf("invalid function name: %s", name)
	}
	p.next() // (
	var args []operand
	for {
		o, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		args = append(args, o)
		if p.peek().kind == tokComma {
			p.next()
			continue
		}
		break
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	if len(args) != want {
		return nil, fmt.Errorf("function %s takes %d arguments, got %d", name, want, len(args))
	}
	if _, isPath := args[0].(pathOperand); !isPath {
		return nil, fmt.Errorf("function %s requires a document path as first argument", name)
	}
	return funcCond{name, args}, nil
}

func (p *parser) parseOperand() (operand, error) {
	t := p.peek()
	switch t.kind {
	case tokValue:
		p.next()
		p.values[t.text] = true
		return valueOperand{t.text}, nil
	case tokIdent:
		if strings.EqualFold(t.text, "size") && p.toks[p.pos+1].kind == tokLParen {
			p.next()
			p.next()
			path, err := p.parsePath()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRParen, "')'"); err != nil {
				return nil, err
			}
			return sizeOperand{path}, nil
		}
		return p.parsePath()
	case tokName:
		return p.parsePath()
	}
	return nil, fmt.Errorf("expected operand at position %d, got %q", t.pos, t.text)
}

func (p *parser) parsePath() (pathOperand, error) {
	var path pathOperand
	elem, err := p.pathName()
	if err != nil {
		return path, err
	}
	path.elems = append(path.elems, elem)
	for {
		switch p.peek().kind {
		case tokDot:
			p.next()
			elem, err := p.pathName()
			if err != nil {
				return path, err
			}
			path.elems = append(path.elems, elem)
		case tokLBracket:
			p.next()
			n, err := p.expect(tokNumber, "list index")
			if err != nil {
				return path, err
			}
			idx, _ := strconv.Atoi(n.text)
			if _, err := p.expect(tokRBracket, "']'"); err != nil {
				return path, err
			}
			path.elems = append(path.elems, pathElem{index: idx, isIdx: true})
		default:
			return path, nil
		}
	}
}

func (p *parser) pathName() (pathElem, error) {
	t := p.next()
	switch t.kind {
	case tokName:
		p.names[t.text] = true
		return pathElem{name: t.text, ref: true}, nil
	case tokIdent:
		if isReserved(t.text) {
			return pathElem{}, fmt.Errorf("attribute name is a reserved keyword; reserved keyword: %s", t.text)
		}
		return pathElem{name: t.text}, nil
	}
	return pathElem{}, fmt.Errorf("expected attribute name at position %d, got %q", t.pos, t.text)
}

// isReserved covers the reserved words that collide with expression syntax
// and the key names most often used unaliased.
func isReserved(word string) bool {
	switch strings.ToUpper(word) {
	case "AND", "OR", "NOT", "BETWEEN", "IN", "NAME", "STATUS", "DATA", "KEY", "TTL", "TIMESTAMP", "DATE", "TYPE", "VALUE", "USER", "COUNT", "SIZE":
		return true
	}
	return false
}
