// Package aggregate builds parameterized SQL fragments for conditional
// aggregation, used to derive per-state counts in one pass over a table.
package aggregate

import (
	"fmt"
	"strings"
)

// Expr is an SQL fragment with its bound parameters.
type Expr struct {
	SQL    string
	Params []any
}

// ConditionalSum counts rows where column equals value:
//
//	SUM(CASE WHEN column = ? THEN 1 ELSE 0 END)
//
// It yields 0 rather than NULL over an empty table.
func ConditionalSum(column string, value any) Expr {
	return Expr{
		SQL:    fmt.Sprintf("COALESCE(SUM(CASE WHEN %s = ? THEN 1 ELSE 0 END), 0)", column),
		Params: []any{value},
	}
}

// When is one arm of a CaseMapping.
type When struct {
	Key   any
	Value any
}

// CaseMapping maps expr through a lookup table:
//
//	CASE WHEN expr = ? THEN ? ... ELSE ? END
//
// An empty mapping yields the default alone.
func CaseMapping(expr string, arms []When, def any) Expr {
	if len(arms) == 0 {
		return Expr{SQL: "?", Params: []any{def}}
	}
	var b strings.Builder
	params := make([]any, 0, 2*len(arms)+1)
	b.WriteString("CASE")
	for _, arm := range arms {
		fmt.Fprintf(&b, " WHEN %s = ? THEN ?", expr)
		params = append(params, arm.Key, arm.Value)
	}
	b.WriteString(" ELSE ? END")
	params = append(params, def)
	return Expr{SQL: b.String(), Params: params}
}

// Select joins expressions into a SELECT list, concatenating their
// parameters in order.
func Select(exprs ...Expr) Expr {
	parts := make([]string, len(exprs))
	var params []any
	for i, e := range exprs {
		parts[i] = e.SQL
		params = append(params, e.Params...)
	}
	return Expr{SQL: strings.Join(parts, ", "), Params: params}
}
