package queryir

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ValidationResult lists structural problems found in a CompiledQuery.
type ValidationResult struct {
	// Valid is true when Problems is empty.
	Valid bool

	Problems []string
}

// Err folds the problems into one error, or returns nil.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return errors.New("invalid compiled query: " + strings.Join(r.Problems, "; "))
}

// Validate checks the invariants backends rely on:
//   - every Annotation reference names a defined annotation
//   - annotation and alias names are unique
//   - aggregate calls read a to-many path
//   - recipient hops are to-one
//   - Matches patterns are valid regular expressions
//
// Validate is a pure function with no side effects.
func Validate(q *CompiledQuery) ValidationResult {
	v := &validator{annotations: map[string]bool{}}
	v.validateQuery(q)
	return ValidationResult{Valid: len(v.problems) == 0, Problems: v.problems}
}

type validator struct {
	problems    []string
	annotations map[string]bool
}

func (v *validator) addProblem(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) validateQuery(q *CompiledQuery) {
	if q == nil {
		v.addProblem("nil query")
		return
	}
	if q.Root.Table == "" {
		v.addProblem("root entity has no table")
	}

	for _, a := range q.Annotations {
		if v.annotations[a.Name] {
			v.addProblem("annotation %s defined twice", a.Name)
		}
		v.validateExpr(a.Expr)
		v.annotations[a.Name] = true
	}

	seen := map[string]bool{}
	for _, a := range q.Aliases {
		if a.Name == "" {
			v.addProblem("alias with empty name")
		}
		if seen[a.Name] {
			v.addProblem("alias %s bound twice", a.Name)
		}
		seen[a.Name] = true
		if a.Column == nil && a.Target == nil {
			v.addProblem("alias %s binds nothing", a.Name)
		}
	}

	for _, h := range q.Recipient.Hops {
		if h.Many {
			v.addProblem("recipient path crosses to-many relation %s", h.Field)
		}
	}
	if q.Recipient.Address == "" {
		v.addProblem("recipient has no address column")
	}

	if q.Filter != nil {
		v.validatePredicate(q.Filter)
	}
}

func (v *validator) validatePredicate(p Predicate) {
	switch pred := p.(type) {
	case *Compare:
		switch pred.Op {
		case Eq, Lt, Le, Gt, Ge:
		default:
			v.addProblem("unknown comparison operator %q", pred.Op)
		}
		v.validateExpr(pred.Left)
		v.validateExpr(pred.Right)
	case *Range:
		v.validateExpr(pred.Expr)
		v.validateExpr(pred.Low)
		v.validateExpr(pred.High)
	case *IsNull:
		v.validateExpr(pred.Expr)
	case *Text:
		v.validateExpr(pred.Expr)
		if pred.Op == Matches {
			if _, err := regexp.Compile(pred.Pattern); err != nil {
				v.addProblem("invalid pattern %q: %v", pred.Pattern, err)
			}
		}
	case *And:
		for _, c := range pred.Predicates {
			v.validatePredicate(c)
		}
	case *Or:
		for _, c := range pred.Predicates {
			v.validatePredicate(c)
		}
	case *Not:
		if pred.Predicate == nil {
			v.addProblem("not without operand")
			return
		}
		v.validatePredicate(pred.Predicate)
	case nil:
		v.addProblem("nil predicate")
	default:
		v.addProblem("unknown predicate type %T", p)
	}
}

func (v *validator) validateExpr(e Expr) {
	switch expr := e.(type) {
	case *Column:
		if expr.Column == "" {
			v.addProblem("column %s has no backing column", expr.Field)
		}
	case *Annotation:
		if !v.annotations[expr.Name] {
			v.addProblem("reference to undefined annotation %s", expr.Name)
		}
	case *Literal:
	case *Arith:
		v.validateExpr(expr.Left)
		v.validateExpr(expr.Right)
	case *Negate:
		v.validateExpr(expr.Operand)
	case *Call:
		if len(expr.Args) == 0 {
			v.addProblem("call to %s without arguments", expr.Func)
			return
		}
		if expr.Aggregate {
			col, ok := expr.Args[0].(*Column)
			if !ok || !HasMany(col.Hops) {
				v.addProblem("aggregate %s must read a to-many relation", expr.Func)
			}
		}
		for _, a := range expr.Args {
			v.validateExpr(a)
		}
	case nil:
		v.addProblem("nil expression")
	default:
		v.addProblem("unknown expression type %T", e)
	}
}
