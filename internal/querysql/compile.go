package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/massmailer/internal/queryir"
)

// SQLCompiler compiles a CompiledQuery to parameterized SQL for SQLite.
//
// CRITICAL: every statement ends in ORDER BY t0."id" so results are stable.
// CRITICAL: literal values are always bound as parameters, never inlined.
type SQLCompiler struct{}

// NewSQLCompiler creates a new SQLCompiler.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{}
}

// Compile converts q to a single SELECT.
// Returns (sql, params, error) tuple.
//
// The result columns are, in order: the root columns, one column per
// annotation, the recipient id and address, then the columns backing
// scalar and to-one aliases. To-many aliases are loaded separately.
func (c *SQLCompiler) Compile(q *queryir.CompiledQuery) (string, []any, error) {
	st, err := c.compile(q)
	if err != nil {
		return "", nil, err
	}
	return st.sql, st.params, nil
}

// statement is a compiled SELECT together with its column layout.
type statement struct {
	sql    string
	params []any
	layout layout
}

// layout records which result columns hold what.
type layout struct {
	root        []queryir.ColumnRef
	annotations []string
	// aliases lists the aliases read from the main statement.
	aliases []queryir.AliasBinding
}

func (c *SQLCompiler) compile(q *queryir.CompiledQuery) (*statement, error) {
	if q == nil {
		return nil, fmt.Errorf("cannot compile nil query")
	}
	b := &builder{q: q}
	root := b.newScope(nil, nil, "t0", false)

	var cols []string
	var params []any
	lay := layout{root: q.Root.Columns}

	for _, col := range q.Root.Columns {
		cols = append(cols, "t0."+quote(col.Column))
	}
	for _, a := range q.Annotations {
		sql, p, err := b.expr(root, a.Expr)
		if err != nil {
			return nil, fmt.Errorf("annotation %s: %w", a.Name, err)
		}
		cols = append(cols, sql+" AS "+quote(a.Name))
		params = append(params, p...)
		lay.annotations = append(lay.annotations, a.Name)
	}

	rcpt, err := root.join(q.Recipient.Hops)
	if err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}
	cols = append(cols, rcpt+`."id"`, rcpt+"."+quote(q.Recipient.Address))

	for _, a := range q.Aliases {
		if queryir.HasMany(a.Hops) {
			continue
		}
		switch {
		case a.Column != nil:
			sql, _, err := b.column(root, a.Column)
			if err != nil {
				return nil, fmt.Errorf("alias %s: %w", a.Name, err)
			}
			cols = append(cols, sql)
		case a.Target != nil:
			alias, err := root.join(a.Hops)
			if err != nil {
				return nil, fmt.Errorf("alias %s: %w", a.Name, err)
			}
			for _, tc := range a.Target.Columns {
				cols = append(cols, alias+"."+quote(tc.Column))
			}
		}
		lay.aliases = append(lay.aliases, a)
	}

	var where string
	if q.Filter != nil {
		sql, p, err := b.predicate(root, q.Filter)
		if err != nil {
			return nil, fmt.Errorf("compile filter: %w", err)
		}
		where = " WHERE " + sql
		params = append(params, p...)
	}

	sql := fmt.Sprintf("SELECT %s FROM %s t0%s%s ORDER BY t0.\"id\" ASC",
		strings.Join(cols, ", "),
		quote(q.Root.Table),
		root.joinClause(),
		where)
	return &statement{sql: sql, params: params, layout: lay}, nil
}

// compileMany builds the statement loading a to-many alias for a set of
// root ids. Each result row is (root id, value columns...).
func (c *SQLCompiler) compileMany(q *queryir.CompiledQuery, a queryir.AliasBinding, ids []int64) (string, []any, error) {
	b := &builder{q: q}
	root := b.newScope(nil, nil, "t0", true)

	var cols []string
	order := `t0."id" ASC`
	switch {
	case a.Column != nil:
		sql, _, err := b.column(root, a.Column)
		if err != nil {
			return "", nil, err
		}
		owner, err := root.join(a.Column.Hops)
		if err != nil {
			return "", nil, err
		}
		cols = append(cols, sql)
		order += ", " + owner + `."id" ASC`
	case a.Target != nil:
		alias, err := root.join(a.Hops)
		if err != nil {
			return "", nil, err
		}
		for _, tc := range a.Target.Columns {
			cols = append(cols, alias+"."+quote(tc.Column))
		}
		order += ", " + alias + `."id" ASC`
	default:
		return "", nil, fmt.Errorf("alias %s binds nothing", a.Name)
	}

	marks := make([]string, len(ids))
	params := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		params[i] = id
	}
	sql := fmt.Sprintf("SELECT t0.\"id\", %s FROM %s t0%s WHERE t0.\"id\" IN (%s) ORDER BY %s",
		strings.Join(cols, ", "),
		quote(q.Root.Table),
		root.joinClause(),
		strings.Join(marks, ", "),
		order)
	return sql, params, nil
}

// builder renders expressions and predicates. It hands out table aliases
// so every alias in one statement is unique.
type builder struct {
	q    *queryir.CompiledQuery
	next int
}

func (b *builder) alias(prefix string) string {
	b.next++
	return fmt.Sprintf("%s%d", prefix, b.next)
}

// scope is a FROM clause: a base table reached from the root by prefix,
// plus the joins added while rendering. With fanout, to-many hops become
// inner joins; otherwise they need an EXISTS subquery.
type scope struct {
	b      *builder
	parent *scope
	prefix []queryir.Hop
	base   string
	fanout bool
	joins  []string
	joined map[string]string
}

func (b *builder) newScope(parent *scope, prefix []queryir.Hop, base string, fanout bool) *scope {
	return &scope{b: b, parent: parent, prefix: prefix, base: base, fanout: fanout, joined: map[string]string{}}
}

func (s *scope) top() *scope {
	for s.parent != nil {
		s = s.parent
	}
	return s
}

func (s *scope) joinClause() string {
	if len(s.joins) == 0 {
		return ""
	}
	return " " + strings.Join(s.joins, " ")
}

// join walks hops from the scope's base table and returns the alias of the
// table reached. Joins are shared between expressions following the same
// path.
func (s *scope) join(hops []queryir.Hop) (string, error) {
	cur := s.base
	key := ""
	for _, h := range hops {
		key += "." + h.Field
		if a, ok := s.joined[key]; ok {
			cur = a
			continue
		}
		a := s.b.alias("j")
		switch {
		case !h.Many:
			s.joins = append(s.joins, fmt.Sprintf(`LEFT JOIN %s %s ON %s."id" = %s.%s`,
				quote(h.Table), a, a, cur, quote(h.Column)))
		case s.fanout:
			s.joins = append(s.joins, fmt.Sprintf(`JOIN %s %s ON %s.%s = %s."id"`,
				quote(h.Table), a, a, quote(h.Column), cur))
		default:
			return "", fmt.Errorf("relation %s needs a subquery", h.Field)
		}
		s.joined[key] = a
		cur = a
	}
	return cur, nil
}

// owns reports whether hops start with the scope's prefix.
func (s *scope) owns(hops []queryir.Hop) bool {
	if len(hops) < len(s.prefix) {
		return false
	}
	for i, h := range s.prefix {
		if hops[i] != h {
			return false
		}
	}
	return true
}

// column renders col in the innermost scope that owns its path.
func (b *builder) column(s *scope, col *queryir.Column) (string, []any, error) {
	for sc := s; sc != nil; sc = sc.parent {
		if !sc.owns(col.Hops) {
			continue
		}
		alias, err := sc.join(col.Hops[len(sc.prefix):])
		if err != nil {
			return "", nil, err
		}
		return alias + "." + quote(col.Column), nil, nil
	}
	return "", nil, fmt.Errorf("column %s is not reachable", col.Field)
}

func (b *builder) expr(s *scope, e queryir.Expr) (string, []any, error) {
	switch expr := e.(type) {
	case *queryir.Column:
		return b.column(s, expr)
	case *queryir.Annotation:
		inner, ok := b.q.Annotation(expr.Name)
		if !ok {
			return "", nil, fmt.Errorf("undefined annotation %s", expr.Name)
		}
		sql, params, err := b.expr(s, inner)
		if err != nil {
			return "", nil, err
		}
		return "(" + sql + ")", params, nil
	case *queryir.Literal:
		if expr.Value == nil {
			return "NULL", nil, nil
		}
		return "?", []any{expr.Value}, nil
	case *queryir.Negate:
		sql, params, err := b.expr(s, expr.Operand)
		if err != nil {
			return "", nil, err
		}
		return "(-" + sql + ")", params, nil
	case *queryir.Arith:
		return b.arith(s, expr)
	case *queryir.Call:
		if expr.Aggregate {
			return b.aggregate(s, expr)
		}
		return b.call(s, expr)
	default:
		return "", nil, fmt.Errorf("unsupported expression type: %T", e)
	}
}

func (b *builder) arith(s *scope, a *queryir.Arith) (string, []any, error) {
	left, lp, err := b.expr(s, a.Left)
	if err != nil {
		return "", nil, err
	}
	right, rp, err := b.expr(s, a.Right)
	if err != nil {
		return "", nil, err
	}
	params := append(lp, rp...)
	switch a.Op {
	case "+", "-", "*":
		return fmt.Sprintf("(%s %s %s)", left, a.Op, right), params, nil
	case "/":
		return fmt.Sprintf("(CAST(%s AS REAL) / %s)", left, right), params, nil
	case "**":
		return fmt.Sprintf("mm_pow(%s, %s)", left, right), params, nil
	default:
		return "", nil, fmt.Errorf("unsupported arithmetic operator %q", a.Op)
	}
}

func (b *builder) call(s *scope, call *queryir.Call) (string, []any, error) {
	args := make([]string, len(call.Args))
	var params []any
	for i, a := range call.Args {
		sql, p, err := b.expr(s, a)
		if err != nil {
			return "", nil, err
		}
		args[i] = sql
		params = append(params, p...)
	}
	return fmt.Sprintf("%s(%s)", call.SQL, strings.Join(args, ", ")), params, nil
}

// aggregate renders a correlated scalar subquery over the to-many part of
// the first argument's path. It always correlates with the root row.
func (b *builder) aggregate(s *scope, call *queryir.Call) (string, []any, error) {
	col, ok := call.Args[0].(*queryir.Column)
	if !ok {
		return "", nil, fmt.Errorf("aggregate %s needs a column argument", call.Func)
	}
	k := firstMany(col.Hops)
	if k < 0 {
		return "", nil, fmt.Errorf("aggregate %s needs a to-many relation", call.Func)
	}
	root := s.top()
	owner, err := root.join(col.Hops[:k])
	if err != nil {
		return "", nil, err
	}
	many := col.Hops[k]
	sub := b.newScope(root, col.Hops[:k+1], b.alias("a"), true)

	args := make([]string, len(call.Args))
	var params []any
	for i, a := range call.Args {
		sql, p, err := b.expr(sub, a)
		if err != nil {
			return "", nil, err
		}
		args[i] = sql
		params = append(params, p...)
	}
	sql := fmt.Sprintf(`(SELECT %s(%s) FROM %s %s%s WHERE %s.%s = %s."id")`,
		call.SQL, strings.Join(args, ", "),
		quote(many.Table), sub.base, sub.joinClause(),
		sub.base, quote(many.Column), owner)
	return sql, params, nil
}

func firstMany(hops []queryir.Hop) int {
	for i, h := range hops {
		if h.Many {
			return i
		}
	}
	return -1
}

func (b *builder) predicate(s *scope, p queryir.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case *queryir.And:
		return b.junction(s, pred.Predicates, " AND ", "1")
	case *queryir.Or:
		return b.junction(s, pred.Predicates, " OR ", "0")
	case *queryir.Not:
		sql, params, err := b.predicate(s, pred.Predicate)
		if err != nil {
			return "", nil, err
		}
		return "NOT COALESCE(" + sql + ", 0)", params, nil
	case *queryir.Compare, *queryir.Range, *queryir.IsNull, *queryir.Text:
		return b.leaf(s, p)
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func (b *builder) junction(s *scope, preds []queryir.Predicate, sep, empty string) (string, []any, error) {
	if len(preds) == 0 {
		return empty, nil, nil
	}
	parts := make([]string, len(preds))
	var params []any
	for i, p := range preds {
		sql, pp, err := b.predicate(s, p)
		if err != nil {
			return "", nil, err
		}
		parts[i] = sql
		params = append(params, pp...)
	}
	return "(" + strings.Join(parts, sep) + ")", params, nil
}

// leaf renders a comparison. When one of its columns crosses a to-many
// relation not yet opened by s, the comparison moves into an EXISTS
// subquery over that relation.
func (b *builder) leaf(s *scope, p queryir.Predicate) (string, []any, error) {
	hops, ok := b.pendingMany(s, p)
	if !ok {
		return b.comparison(s, p)
	}
	owner, err := s.join(hops[len(s.prefix) : len(hops)-1])
	if err != nil {
		return "", nil, err
	}
	many := hops[len(hops)-1]

	exists := func(withPred bool) (string, []any, error) {
		sub := b.newScope(s, hops, b.alias("s"), false)
		cond := ""
		var params []any
		if withPred {
			sql, pp, err := b.leaf(sub, p)
			if err != nil {
				return "", nil, err
			}
			cond = " AND " + sql
			params = pp
		}
		return fmt.Sprintf(`EXISTS (SELECT 1 FROM %s %s%s WHERE %s.%s = %s."id"%s)`,
			quote(many.Table), sub.base, sub.joinClause(),
			sub.base, quote(many.Column), owner, cond), params, nil
	}

	sql, params, err := exists(true)
	if err != nil {
		return "", nil, err
	}
	if _, isNull := p.(*queryir.IsNull); isNull {
		none, _, err := exists(false)
		if err != nil {
			return "", nil, err
		}
		sql = "(" + sql + " OR NOT " + none + ")"
	}
	return sql, params, nil
}

// pendingMany finds the first column in p whose path crosses a to-many
// relation beyond what s covers. It returns the path up to and including
// that relation.
func (b *builder) pendingMany(s *scope, p queryir.Predicate) ([]queryir.Hop, bool) {
	for _, col := range b.leafColumns(p) {
		if !s.owns(col.Hops) {
			continue
		}
		rest := col.Hops[len(s.prefix):]
		if k := firstMany(rest); k >= 0 {
			return col.Hops[:len(s.prefix)+k+1], true
		}
	}
	return nil, false
}

// leafColumns lists the columns a comparison reads directly. Aggregate
// arguments are excluded since aggregates open their own subquery.
func (b *builder) leafColumns(p queryir.Predicate) []*queryir.Column {
	var out []*queryir.Column
	var walk func(e queryir.Expr)
	walk = func(e queryir.Expr) {
		switch expr := e.(type) {
		case *queryir.Column:
			out = append(out, expr)
		case *queryir.Annotation:
			if inner, ok := b.q.Annotation(expr.Name); ok {
				walk(inner)
			}
		case *queryir.Negate:
			walk(expr.Operand)
		case *queryir.Arith:
			walk(expr.Left)
			walk(expr.Right)
		case *queryir.Call:
			if expr.Aggregate {
				return
			}
			for _, a := range expr.Args {
				walk(a)
			}
		}
	}
	switch pred := p.(type) {
	case *queryir.Compare:
		walk(pred.Left)
		walk(pred.Right)
	case *queryir.Range:
		walk(pred.Expr)
		walk(pred.Low)
		walk(pred.High)
	case *queryir.IsNull:
		walk(pred.Expr)
	case *queryir.Text:
		walk(pred.Expr)
	}
	return out
}

func (b *builder) comparison(s *scope, p queryir.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case *queryir.Compare:
		left, lp, err := b.expr(s, pred.Left)
		if err != nil {
			return "", nil, err
		}
		right, rp, err := b.expr(s, pred.Right)
		if err != nil {
			return "", nil, err
		}
		if pred.NoCase {
			left, right = "casefold("+left+")", "casefold("+right+")"
		}
		return fmt.Sprintf("%s %s %s", left, pred.Op, right), append(lp, rp...), nil

	case *queryir.Range:
		e, ep, err := b.expr(s, pred.Expr)
		if err != nil {
			return "", nil, err
		}
		low, lp, err := b.expr(s, pred.Low)
		if err != nil {
			return "", nil, err
		}
		high, hp, err := b.expr(s, pred.High)
		if err != nil {
			return "", nil, err
		}
		params := append(append(ep, lp...), hp...)
		return fmt.Sprintf("%s BETWEEN %s AND %s", e, low, high), params, nil

	case *queryir.IsNull:
		e, ep, err := b.expr(s, pred.Expr)
		if err != nil {
			return "", nil, err
		}
		return e + " IS NULL", ep, nil

	case *queryir.Text:
		e, ep, err := b.expr(s, pred.Expr)
		if err != nil {
			return "", nil, err
		}
		if pred.Op == queryir.Matches {
			pattern := pred.Pattern
			if pred.NoCase {
				pattern = "(?i)" + pattern
			}
			return fmt.Sprintf("regexp(?, %s)", e), append([]any{pattern}, ep...), nil
		}
		fn, ok := textFuncs[pred.Op]
		if !ok {
			return "", nil, fmt.Errorf("unsupported text operator %q", pred.Op)
		}
		nocase := 0
		if pred.NoCase {
			nocase = 1
		}
		return fmt.Sprintf("%s(%s, ?, %d)", fn, e, nocase), append(ep, pred.Pattern), nil

	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

var textFuncs = map[queryir.TextOp]string{
	queryir.Contains:   "mm_contains",
	queryir.StartsWith: "mm_startswith",
	queryir.EndsWith:   "mm_endswith",
}

// quote renders an SQL identifier.
func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
