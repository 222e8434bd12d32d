package compiler

import (
	"fmt"

	"github.com/roach88/massmailer/internal/queryir"
	"github.com/roach88/massmailer/internal/querylang"
	"github.com/roach88/massmailer/internal/registry"
)

// RecipientAlias is the alias that must lead to the recipient entity when
// the root entity is not the recipient.
const RecipientAlias = "user"

// Compile lowers a parsed query to a CompiledQuery.
//
// Compile is a pure function of its inputs. Synthetic annotation names
// (func_0, func_1, ...) restart at zero on every call, so compiling the
// same tree twice yields identical results.
func Compile(q *querylang.Query, reg *registry.Registry) (*queryir.CompiledQuery, error) {
	if q == nil {
		return nil, fmt.Errorf("compile: nil query")
	}
	root, err := reg.LookupEntity(q.ModelName)
	if err != nil {
		return nil, parseErrorf(q.ModelName, err, "%s", err.Error())
	}
	c := &compiler{reg: reg, root: root}

	out := &queryir.CompiledQuery{
		Root:  queryir.NewEntityRef(root),
		Label: q.Label,
	}
	if out.Label == "" {
		out.Label = root.Label()
	}

	if q.Filter != nil {
		pred, anns, err := c.compileFilter(q.Filter)
		if err != nil {
			return nil, err
		}
		out.Filter = pred
		out.Annotations = anns
	}

	aliases, err := c.compileAliases(q.Aliases, out.Label)
	if err != nil {
		return nil, err
	}
	out.Aliases = aliases

	recipient, err := c.resolveRecipient(q.Aliases)
	if err != nil {
		return nil, err
	}
	out.Recipient = recipient

	if err := queryir.Validate(out).Err(); err != nil {
		return nil, fmt.Errorf("compile %s: %w", root.Name, err)
	}
	return out, nil
}

// compiler holds per-call state: the registry snapshot, the root entity
// and the annotation counter.
type compiler struct {
	reg  *registry.Registry
	root *registry.EntityType
	next int
}

// compileFilter returns the predicate for f together with the annotations
// it introduced. Combinators merge the annotations of their operands.
func (c *compiler) compileFilter(f querylang.Filter) (queryir.Predicate, []queryir.NamedExpr, error) {
	switch node := f.(type) {
	case *querylang.And:
		preds, anns, err := c.compileOperands(node.Operands)
		if err != nil {
			return nil, nil, err
		}
		return &queryir.And{Predicates: preds}, anns, nil
	case *querylang.Or:
		preds, anns, err := c.compileOperands(node.Operands)
		if err != nil {
			return nil, nil, err
		}
		return &queryir.Or{Predicates: preds}, anns, nil
	case *querylang.Not:
		pred, anns, err := c.compileFilter(node.Operand)
		if err != nil {
			return nil, nil, err
		}
		return &queryir.Not{Predicate: pred}, anns, nil
	case *querylang.Comparison:
		return c.compileComparison(node)
	default:
		return nil, nil, fmt.Errorf("compile: unknown filter node %T", f)
	}
}

func (c *compiler) compileOperands(ops []querylang.Filter) ([]queryir.Predicate, []queryir.NamedExpr, error) {
	preds := make([]queryir.Predicate, 0, len(ops))
	var anns []queryir.NamedExpr
	for _, op := range ops {
		p, a, err := c.compileFilter(op)
		if err != nil {
			return nil, nil, err
		}
		preds = append(preds, p)
		anns = append(anns, a...)
	}
	return preds, anns, nil
}

var compareOps = map[querylang.Op]queryir.CmpOp{
	querylang.OpEq: queryir.Eq,
	querylang.OpNe: queryir.Eq,
	querylang.OpLt: queryir.Lt,
	querylang.OpLe: queryir.Le,
	querylang.OpGt: queryir.Gt,
	querylang.OpGe: queryir.Ge,
}

var textOps = map[querylang.Op]queryir.TextOp{
	querylang.OpContains:   queryir.Contains,
	querylang.OpStartsWith: queryir.StartsWith,
	querylang.OpEndsWith:   queryir.EndsWith,
	querylang.OpMatches:    queryir.Matches,
}

func (c *compiler) compileComparison(cmp *querylang.Comparison) (queryir.Predicate, []queryir.NamedExpr, error) {
	var anns []queryir.NamedExpr
	left, leftType, err := c.compileFieldRef(cmp.Field, &anns)
	if err != nil {
		return nil, nil, err
	}

	var pred queryir.Predicate
	switch {
	case cmp.Op == querylang.OpBetween:
		low, _, err := c.compileValue(cmp.Value, &anns)
		if err != nil {
			return nil, nil, err
		}
		high, _, err := c.compileValue(cmp.High, &anns)
		if err != nil {
			return nil, nil, err
		}
		pred = &queryir.Range{Expr: left, Low: low, High: high}

	case cmp.Op == querylang.OpIsNull:
		pred = &queryir.IsNull{Expr: left}

	case cmp.Op == querylang.OpIsEmpty:
		pred = &queryir.Compare{Left: left, Op: queryir.Eq, Right: &queryir.Literal{Value: ""}}

	case cmp.Op.IsText():
		if leftType != "" && leftType != registry.TypeString {
			return nil, nil, &UnsupportedOperationError{Op: string(cmp.Op), Type: leftType}
		}
		s, ok := cmp.Value.(*querylang.String)
		if !ok {
			return nil, nil, &UnsupportedOperationError{Op: string(cmp.Op), Type: valueType(cmp.Value)}
		}
		pred = &queryir.Text{Expr: left, Op: textOps[cmp.Op], Pattern: s.Value, NoCase: s.NoCase}

	default:
		op, ok := compareOps[cmp.Op]
		if !ok {
			return nil, nil, fmt.Errorf("compile: unknown operator %q", cmp.Op)
		}
		right, _, err := c.compileValue(cmp.Value, &anns)
		if err != nil {
			return nil, nil, err
		}
		noCase := false
		if s, ok := cmp.Value.(*querylang.String); ok && s.NoCase && op == queryir.Eq {
			noCase = true
		}
		pred = &queryir.Compare{Left: left, Op: op, Right: right, NoCase: noCase}
		if cmp.Op == querylang.OpNe {
			pred = &queryir.Not{Predicate: pred}
		}
	}

	if cmp.Negated {
		pred = &queryir.Not{Predicate: pred}
	}
	return pred, anns, nil
}

// compileFieldRef compiles the left-hand side of a comparison. Function
// calls become annotations and are referenced by name.
func (c *compiler) compileFieldRef(f querylang.FieldRef, anns *[]queryir.NamedExpr) (queryir.Expr, registry.ValueType, error) {
	switch ref := f.(type) {
	case *querylang.Path:
		col, err := c.column(ref)
		if err != nil {
			return nil, "", err
		}
		return col, col.Type, nil
	case *querylang.Call:
		call, typ, err := c.compileCall(ref, anns)
		if err != nil {
			return nil, "", err
		}
		name := fmt.Sprintf("func_%d", c.next)
		c.next++
		*anns = append(*anns, queryir.NamedExpr{Name: name, Expr: call})
		return &queryir.Annotation{Name: name}, typ, nil
	default:
		return nil, "", fmt.Errorf("compile: unknown field node %T", f)
	}
}

func (c *compiler) compileCall(call *querylang.Call, anns *[]queryir.NamedExpr) (*queryir.Call, registry.ValueType, error) {
	fn, err := c.reg.LookupFunction(call.Name)
	if err != nil {
		return nil, "", parseErrorf(c.root.Name, err, "%s", err.Error())
	}
	if !fn.AcceptsArgs(len(call.Args) - 1) {
		return nil, "", parseErrorf(c.root.Name, nil, "%s() does not accept %d argument(s)", fn.Name, len(call.Args))
	}

	out := &queryir.Call{Func: fn.Name, SQL: fn.SQL, Aggregate: fn.Aggregate}
	var argType registry.ValueType

	if fn.Aggregate {
		fv, ok := call.Args[0].(*querylang.FieldValue)
		path, isPath := fieldPath(fv, ok)
		if !isPath {
			return nil, "", parseErrorf(c.root.Name, nil, "%s() expects a field path as its first argument", fn.Name)
		}
		col, err := c.column(path)
		if err != nil {
			return nil, "", err
		}
		if !queryir.HasMany(col.Hops) {
			return nil, "", parseErrorf(c.root.Name, nil, "%s() needs a to-many relation, %s.%s is not one",
				fn.Name, c.root.Name, path.Dotted()[1:])
		}
		out.Args = append(out.Args, col)
		argType = col.Type
	} else {
		first, typ, err := c.compileValue(call.Args[0], anns)
		if err != nil {
			return nil, "", err
		}
		if col, ok := first.(*queryir.Column); ok && queryir.HasMany(col.Hops) {
			return nil, "", parseErrorf(c.root.Name, nil,
				"%s() reads one value per row; use an aggregate over the to-many relation instead", fn.Name)
		}
		out.Args = append(out.Args, first)
		argType = typ
	}

	for _, a := range call.Args[1:] {
		e, _, err := c.compileValue(a, anns)
		if err != nil {
			return nil, "", err
		}
		out.Args = append(out.Args, e)
	}

	typ := fn.Result
	if typ == "" {
		typ = argType
	}
	return out, typ, nil
}

func fieldPath(fv *querylang.FieldValue, ok bool) (*querylang.Path, bool) {
	if !ok {
		return nil, false
	}
	p, isPath := fv.Field.(*querylang.Path)
	return p, isPath
}

// compileValue compiles an operand. The returned type is empty when it
// cannot be known statically.
func (c *compiler) compileValue(v querylang.Value, anns *[]queryir.NamedExpr) (queryir.Expr, registry.ValueType, error) {
	switch val := v.(type) {
	case *querylang.Number:
		if val.IsFloat {
			return &queryir.Literal{Value: val.Float}, registry.TypeFloat, nil
		}
		return &queryir.Literal{Value: val.Int}, registry.TypeInt, nil
	case *querylang.String:
		return &queryir.Literal{Value: val.Value}, registry.TypeString, nil
	case *querylang.Bool:
		return &queryir.Literal{Value: val.Value}, registry.TypeBool, nil
	case *querylang.EnumValue:
		lit, typ := enumLiteral(val.Value)
		return lit, typ, nil
	case *querylang.FieldValue:
		return c.compileFieldRef(val.Field, anns)
	case *querylang.Unary:
		operand, typ, err := c.compileValue(val.Operand, anns)
		if err != nil {
			return nil, "", err
		}
		return &queryir.Negate{Operand: operand}, typ, nil
	case *querylang.Binary:
		left, lt, err := c.compileValue(val.Left, anns)
		if err != nil {
			return nil, "", err
		}
		right, rt, err := c.compileValue(val.Right, anns)
		if err != nil {
			return nil, "", err
		}
		typ := registry.TypeInt
		if lt == registry.TypeFloat || rt == registry.TypeFloat || val.Op == "/" || val.Op == "**" {
			typ = registry.TypeFloat
		}
		return &queryir.Arith{Op: val.Op, Left: left, Right: right}, typ, nil
	default:
		return nil, "", fmt.Errorf("compile: unknown value node %T", v)
	}
}

func enumLiteral(v any) (*queryir.Literal, registry.ValueType) {
	switch n := v.(type) {
	case int:
		return &queryir.Literal{Value: int64(n)}, registry.TypeInt
	case int32:
		return &queryir.Literal{Value: int64(n)}, registry.TypeInt
	case int64:
		return &queryir.Literal{Value: n}, registry.TypeInt
	case float32:
		return &queryir.Literal{Value: float64(n)}, registry.TypeFloat
	case float64:
		return &queryir.Literal{Value: n}, registry.TypeFloat
	case string:
		return &queryir.Literal{Value: n}, registry.TypeString
	case bool:
		return &queryir.Literal{Value: n}, registry.TypeBool
	default:
		return &queryir.Literal{Value: fmt.Sprint(v)}, registry.TypeString
	}
}

func valueType(v querylang.Value) registry.ValueType {
	switch v.(type) {
	case *querylang.Number:
		return registry.TypeFloat
	case *querylang.Bool:
		return registry.TypeBool
	default:
		return registry.TypeString
	}
}

// walk resolves every segment of path. It returns the hops taken to reach
// the last segment's owner, the owner, and the last field.
func (c *compiler) walk(path *querylang.Path) ([]queryir.Hop, *registry.EntityType, registry.Field, error) {
	cur := c.root
	var hops []queryir.Hop
	for i, seg := range path.Segments {
		f, err := cur.Field(seg)
		if err != nil {
			return nil, nil, registry.Field{}, parseErrorf(c.root.Name, err, "%s", err.Error())
		}
		if i == len(path.Segments)-1 {
			return hops, cur, f, nil
		}
		if !f.IsRelation() {
			return nil, nil, registry.Field{}, parseErrorf(c.root.Name, nil,
				"%s.%s is not a relation, cannot read .%s from it", cur.Name, f.Name, path.Segments[i+1])
		}
		hop, target, err := c.hop(f)
		if err != nil {
			return nil, nil, registry.Field{}, err
		}
		hops = append(hops, hop)
		cur = target
	}
	return nil, nil, registry.Field{}, parseErrorf(c.root.Name, nil, "empty field path")
}

func (c *compiler) hop(f registry.Field) (queryir.Hop, *registry.EntityType, error) {
	target, err := c.reg.LookupEntity(f.Target)
	if err != nil {
		return queryir.Hop{}, nil, parseErrorf(c.root.Name, err, "%s", err.Error())
	}
	h := queryir.Hop{Field: f.Name, Entity: target.Name, Table: target.Table}
	if f.Kind == registry.KindToMany {
		back, err := target.Field(f.Via)
		if err != nil {
			return queryir.Hop{}, nil, parseErrorf(c.root.Name, err, "%s", err.Error())
		}
		h.Many = true
		h.Column = back.Column
	} else {
		h.Column = f.Column
	}
	return h, target, nil
}

// column resolves a path used as a value. A to-one relation reads its
// foreign key; a to-many relation reads the related rows' ids.
func (c *compiler) column(path *querylang.Path) (*queryir.Column, error) {
	hops, _, f, err := c.walk(path)
	if err != nil {
		return nil, err
	}
	switch f.Kind {
	case registry.KindToMany:
		hop, _, err := c.hop(f)
		if err != nil {
			return nil, err
		}
		return &queryir.Column{Hops: append(hops, hop), Field: "id", Column: "id", Type: registry.TypeInt}, nil
	default:
		return &queryir.Column{Hops: hops, Field: f.Name, Column: f.Column, Type: f.Type}, nil
	}
}

// compileAliases binds aliases in declaration order. A later alias with
// the same name replaces the earlier one; an alias named like the root
// label is dropped since the label already names the row itself.
func (c *compiler) compileAliases(aliases []querylang.Alias, label string) ([]queryir.AliasBinding, error) {
	var out []queryir.AliasBinding
	index := map[string]int{}
	for _, a := range aliases {
		if a.Name == label {
			continue
		}
		path, ok := a.Field.(*querylang.Path)
		if !ok {
			return nil, parseErrorf(c.root.Name, nil, "alias %s must be bound to a field path", a.Name)
		}
		hops, _, f, err := c.walk(path)
		if err != nil {
			return nil, err
		}
		b := queryir.AliasBinding{Name: a.Name, Kind: f.Kind}
		if f.IsRelation() {
			hop, target, err := c.hop(f)
			if err != nil {
				return nil, err
			}
			ref := queryir.NewEntityRef(target)
			b.Hops = append(hops, hop)
			b.Target = &ref
		} else {
			b.Hops = hops
			b.Column = &queryir.Column{Hops: hops, Field: f.Name, Column: f.Column, Type: f.Type}
		}
		if i, dup := index[a.Name]; dup {
			out[i] = b
			continue
		}
		index[a.Name] = len(out)
		out = append(out, b)
	}
	return out, nil
}

// resolveRecipient applies the recipient rule: a root that is not the
// recipient entity must declare a `user` alias made only of to-one hops
// and ending on the recipient entity.
func (c *compiler) resolveRecipient(aliases []querylang.Alias) (queryir.RecipientBinding, error) {
	recipient := c.reg.Recipient()
	binding := queryir.RecipientBinding{
		Entity: queryir.NewEntityRef(recipient),
	}
	addr, err := recipient.Field(c.reg.AddressField())
	if err != nil {
		return binding, fmt.Errorf("recipient address: %w", err)
	}
	binding.Address = addr.Column

	if c.root.Name == recipient.Name {
		return binding, nil
	}

	var alias *querylang.Alias
	for i := range aliases {
		if aliases[i].Name == RecipientAlias {
			alias = &aliases[i]
		}
	}
	if alias == nil {
		return binding, parseErrorf(c.root.Name, nil,
			"The root model %s is not %s. You must provide a `%s` alias.", c.root.Name, recipient.Name, RecipientAlias)
	}
	path, ok := alias.Field.(*querylang.Path)
	if !ok {
		return binding, parseErrorf(c.root.Name, nil, "the `%s` alias must be a field path", RecipientAlias)
	}

	hops, owner, f, err := c.walk(path)
	if err != nil {
		return binding, err
	}
	for _, h := range hops {
		if h.Many {
			return binding, parseErrorf(c.root.Name, nil,
				"the `%s` alias crosses the to-many relation .%s; every step must be a to-one relation",
				RecipientAlias, h.Field)
		}
	}
	if f.Kind != registry.KindToOne || f.Target != recipient.Name {
		return binding, parseErrorf(c.root.Name, nil, "%s.%s is not %s", owner.Name, f.Name, recipient.Name)
	}
	hop, _, err := c.hop(f)
	if err != nil {
		return binding, err
	}
	binding.Alias = RecipientAlias
	binding.Hops = append(hops, hop)
	return binding, nil
}
