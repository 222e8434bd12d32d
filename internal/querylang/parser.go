package querylang

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/massmailer/internal/registry"
)

// Resolver is the registry view the parser needs. It is passed per call
// so the parser holds no global state.
type Resolver interface {
	LookupEntity(name string) (*registry.EntityType, error)
	LookupEnum(name string) (registry.Enum, error)
}

var keywords = map[string]bool{
	"and": true, "or": true, "not": true, "as": true, "alias": true,
	"between": true, "is": true, "null": true, "none": true, "empty": true,
	"does": true, "doesn't": true,
	"contain": true, "contains": true, "start": true, "starts": true,
	"end": true, "ends": true, "with": true, "match": true, "matches": true,
	"true": true, "false": true,
}

// Parse parses query text into a Query, resolving the model and any enum
// literals through r.
func Parse(text string, r Resolver) (*Query, error) {
	toks, err := lex(text)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, r: r}
	return p.parseQuery()
}

type parser struct {
	toks []token
	i    int
	r    Resolver
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) peekAt(n int) token {
	if p.i+n < len(p.toks) {
		return p.toks[p.i+n]
	}
	return p.toks[len(p.toks)-1]
}

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) isKeyword(word string) bool {
	t := p.peek()
	return t.kind == tokIdent && t.text == word
}

func (p *parser) expected(what string) error {
	t := p.peek()
	return &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("expected %s, found %s", what, t.describe())}
}

func (p *parser) expect(kind tokenKind) (token, error) {
	if p.peek().kind != kind {
		return token{}, p.expected(kind.String())
	}
	return p.next(), nil
}

func (p *parser) expectKeyword(word string) error {
	if !p.isKeyword(word) {
		return p.expected(fmt.Sprintf("%q", word))
	}
	p.next()
	return nil
}

func (p *parser) parseQuery() (*Query, error) {
	t := p.peek()
	if t.kind != tokIdent || !isModelName(t.text) {
		return nil, p.expected("model name")
	}
	p.next()
	model, err := p.r.LookupEntity(t.text)
	if err != nil {
		return nil, &ParseError{Pos: t.pos, Msg: err.Error(), Err: err}
	}
	q := &Query{Model: model, ModelName: t.text}

	if p.isKeyword("as") {
		p.next()
		name, err := p.parseName("model label")
		if err != nil {
			return nil, err
		}
		q.Label = name.text
	}

	if p.startsFilter() {
		if q.Filter, err = p.parseOr(); err != nil {
			return nil, err
		}
	}

	for p.isKeyword("alias") {
		at := p.next()
		name, err := p.parseName("alias name")
		if err != nil {
			return nil, err
		}
		var field FieldRef = &Path{Segments: []string{name.text}, Pos: name.pos}
		if p.peek().kind == tokEq {
			p.next()
			if field, err = p.parseField(); err != nil {
				return nil, err
			}
		}
		q.Aliases = append(q.Aliases, Alias{Name: name.text, Field: field, Pos: at.pos})
	}

	if p.peek().kind != tokEOF {
		if q.Filter == nil && len(q.Aliases) == 0 {
			return nil, p.expected("filter, alias or end of query")
		}
		return nil, p.expected("alias or end of query")
	}
	return q, nil
}

func (p *parser) parseName(what string) (token, error) {
	t := p.peek()
	if t.kind != tokIdent || keywords[t.text] {
		return token{}, p.expected(what)
	}
	return p.next(), nil
}

// startsFilter reports whether the next token can begin a not_expr.
func (p *parser) startsFilter() bool {
	t := p.peek()
	switch t.kind {
	case tokDot, tokLParen:
		return true
	case tokIdent:
		if t.text == "not" {
			return true
		}
		return !keywords[t.text] && p.peekAt(1).kind == tokLParen
	}
	return false
}

func (p *parser) parseOr() (Filter, error) {
	pos := p.peek().pos
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	ops := []Filter{first}
	for p.isKeyword("or") {
		p.next()
		f, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		ops = append(ops, f)
	}
	if len(ops) == 1 {
		return first, nil
	}
	return &Or{Operands: ops, Pos: pos}, nil
}

func (p *parser) parseAnd() (Filter, error) {
	pos := p.peek().pos
	first, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	ops := []Filter{first}
	for {
		if p.isKeyword("and") {
			p.next()
		} else if !p.startsFilter() {
			break
		}
		f, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		ops = append(ops, f)
	}
	if len(ops) == 1 {
		return first, nil
	}
	return &And{Operands: ops, Pos: pos}, nil
}

func (p *parser) parseNot() (Filter, error) {
	t := p.peek()
	if p.isKeyword("not") {
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Not{Operand: operand, Pos: t.pos}, nil
	}
	if t.kind == tokLParen {
		p.next()
		f, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return f, nil
	}
	if !p.startsFilter() {
		return nil, p.expected("filter clause")
	}
	return p.parseClause()
}

var compareOps = map[tokenKind]Op{
	tokEq: OpEq, tokNe: OpNe, tokLt: OpLt, tokLe: OpLe, tokGt: OpGt, tokGe: OpGe,
}

func (p *parser) parseClause() (Filter, error) {
	field, err := p.parseField()
	if err != nil {
		return nil, err
	}
	c := &Comparison{Field: field, Pos: field.Position()}

	if op, ok := compareOps[p.peek().kind]; ok {
		p.next()
		c.Op = op
		if c.Value, err = p.parseValue(); err != nil {
			return nil, err
		}
		return c, nil
	}

	switch {
	case p.isKeyword("not") && p.peekAt(1).kind == tokIdent && p.peekAt(1).text == "between":
		p.next()
		c.Negated = true
		return p.parseBetween(c)
	case p.isKeyword("between"):
		return p.parseBetween(c)
	case p.isKeyword("is"):
		p.next()
		if p.isKeyword("not") {
			p.next()
			c.Negated = true
		}
		switch {
		case p.isKeyword("null"), p.isKeyword("none"):
			c.Op = OpIsNull
		case p.isKeyword("empty"):
			c.Op = OpIsEmpty
		default:
			return nil, p.expected("null, none or empty")
		}
		p.next()
		return c, nil
	case p.isKeyword("does"):
		p.next()
		if err := p.expectKeyword("not"); err != nil {
			return nil, err
		}
		c.Negated = true
		return p.parseTextOp(c)
	case p.isKeyword("doesn't"):
		p.next()
		c.Negated = true
		return p.parseTextOp(c)
	}
	return p.parseTextOp(c)
}

func (p *parser) parseBetween(c *Comparison) (Filter, error) {
	if err := p.expectKeyword("between"); err != nil {
		return nil, err
	}
	c.Op = OpBetween
	var err error
	if c.Value, err = p.parseValue(); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("and"); err != nil {
		return nil, err
	}
	if c.High, err = p.parseValue(); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *parser) parseTextOp(c *Comparison) (Filter, error) {
	t := p.peek()
	if t.kind != tokIdent {
		return nil, p.expected("comparison operator")
	}
	switch t.text {
	case "contain", "contains":
		p.next()
		c.Op = OpContains
	case "start", "starts":
		p.next()
		if err := p.expectKeyword("with"); err != nil {
			return nil, err
		}
		c.Op = OpStartsWith
	case "end", "ends":
		p.next()
		if err := p.expectKeyword("with"); err != nil {
			return nil, err
		}
		c.Op = OpEndsWith
	case "match", "matches":
		p.next()
		c.Op = OpMatches
	default:
		if c.Negated {
			return nil, p.expected("contains, starts with, ends with or matches")
		}
		return nil, p.expected("comparison operator")
	}

	s := p.peek()
	if s.kind != tokString {
		return nil, p.expected(fmt.Sprintf("string after %q", string(c.Op)))
	}
	p.next()
	c.Value = &String{Value: s.text, NoCase: s.nocase, Pos: s.pos}
	return c, nil
}

func (p *parser) parseField() (FieldRef, error) {
	t := p.peek()
	switch {
	case t.kind == tokDot:
		return p.parsePath()
	case t.kind == tokIdent && !keywords[t.text] && p.peekAt(1).kind == tokLParen:
		return p.parseCall()
	}
	return nil, p.expected("field path or function call")
}

// parsePath reads ".a.b.c". Segments after the first must follow without
// whitespace so that ".a .b" reads as two paths.
func (p *parser) parsePath() (*Path, error) {
	path := &Path{Pos: p.peek().pos}
	for {
		p.next() // '.'
		seg := p.peek()
		if seg.kind != tokIdent || seg.spaceBefore {
			return nil, p.expected("field name after '.'")
		}
		p.next()
		path.Segments = append(path.Segments, seg.text)
		if nt := p.peek(); nt.kind != tokDot || nt.spaceBefore {
			return path, nil
		}
	}
}

func (p *parser) parseCall() (*Call, error) {
	name := p.next()
	p.next() // '('
	call := &Call{Name: name.text, Pos: name.pos}
	for {
		arg, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, arg)
		if p.peek().kind != tokComma {
			break
		}
		p.next()
	}
	if _, err := p.expect(tokRParen); err != nil {
		return nil, err
	}
	return call, nil
}

func (p *parser) parseValue() (Value, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokPlus && t.kind != tokMinus {
			return left, nil
		}
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: opText(t.kind), Left: left, Right: right, Pos: left.Position()}
	}
}

func (p *parser) parseTerm() (Value, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokStar && t.kind != tokSlash {
			return left, nil
		}
		p.next()
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: opText(t.kind), Left: left, Right: right, Pos: left.Position()}
	}
}

func (p *parser) parseFactor() (Value, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokPow {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "**", Left: left, Right: right, Pos: left.Position()}
	}
	return left, nil
}

func (p *parser) parseUnary() (Value, error) {
	t := p.peek()
	if t.kind != tokMinus {
		return p.parseAtom()
	}
	p.next()
	operand, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	if n, ok := operand.(*Number); ok {
		return &Number{Text: "-" + n.Text, Int: -n.Int, Float: -n.Float, IsFloat: n.IsFloat, Pos: t.pos}, nil
	}
	return &Unary{Op: "-", Operand: operand, Pos: t.pos}, nil
}

func (p *parser) parseAtom() (Value, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.next()
		return parseNumber(t)
	case tokString:
		p.next()
		return &String{Value: t.text, NoCase: t.nocase, Pos: t.pos}, nil
	case tokDot:
		path, err := p.parsePath()
		if err != nil {
			return nil, err
		}
		return &FieldValue{Field: path, Pos: path.Pos}, nil
	case tokLParen:
		p.next()
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return v, nil
	case tokIdent:
		switch {
		case t.text == "true" || t.text == "false":
			p.next()
			return &Bool{Value: t.text == "true", Pos: t.pos}, nil
		case keywords[t.text]:
		case p.peekAt(1).kind == tokLParen:
			call, err := p.parseCall()
			if err != nil {
				return nil, err
			}
			return &FieldValue{Field: call, Pos: call.Pos}, nil
		case p.peekAt(1).kind == tokDot && !p.peekAt(1).spaceBefore:
			return p.parseEnum()
		}
	}
	return nil, p.expected("value")
}

// parseEnum reads and resolves Namespace.Enum.member.
func (p *parser) parseEnum() (Value, error) {
	start := p.peek()
	parts := []string{p.next().text}
	for len(parts) < 3 {
		if dot := p.peek(); dot.kind != tokDot || dot.spaceBefore {
			return nil, p.expected("enum literal Namespace.Enum.member")
		}
		p.next()
		seg := p.peek()
		if seg.kind != tokIdent || seg.spaceBefore {
			return nil, p.expected("enum literal Namespace.Enum.member")
		}
		parts = append(parts, p.next().text)
	}
	if nt := p.peek(); nt.kind == tokDot && !nt.spaceBefore {
		return nil, p.expected("end of enum literal")
	}

	name := parts[0] + "." + parts[1]
	member := parts[2]
	enum, err := p.r.LookupEnum(name)
	if err != nil {
		return nil, &ParseError{Pos: start.pos, Msg: err.Error(), Err: err}
	}
	m, ok := enum.ByName(member)
	if !ok {
		m, ok = enum.ByValue(member)
	}
	if !ok {
		err := &registry.UnknownEnumMemberError{Enum: name, Member: member}
		return nil, &ParseError{Pos: start.pos, Msg: err.Error(), Err: err}
	}
	return &EnumValue{Enum: name, Member: m.Name, Value: m.Value, Pos: start.pos}, nil
}

func parseNumber(t token) (Value, error) {
	n := &Number{Text: t.text, Pos: t.pos}
	if i, err := strconv.ParseInt(t.text, 0, 64); err == nil {
		n.Int, n.Float = i, float64(i)
		return n, nil
	}
	lower := strings.ToLower(t.text)
	if !strings.HasPrefix(lower, "0x") && !strings.HasPrefix(lower, "0o") && !strings.HasPrefix(lower, "0b") {
		if f, err := strconv.ParseFloat(t.text, 64); err == nil {
			n.Float, n.IsFloat = f, true
			return n, nil
		}
	}
	return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("invalid number %s", t.text)}
}

func opText(k tokenKind) string {
	switch k {
	case tokPlus:
		return "+"
	case tokMinus:
		return "-"
	case tokStar:
		return "*"
	case tokSlash:
		return "/"
	}
	return "?"
}

func isModelName(s string) bool {
	if s == "" || s[0] < 'A' || s[0] > 'Z' {
		return false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
