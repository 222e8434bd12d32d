package compiler

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/roach88/massmailer/internal/querylang"
)

// maxStoreErrorLen bounds store error text shown to operators.
const maxStoreErrorLen = 200

// Describe renders err for an operator.
//
// Syntax errors carry their position. Parse and unsupported-operation
// errors are shown verbatim. Store errors are truncated since backend
// messages are not stable.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var se *querylang.SyntaxError
	if errors.As(err, &se) {
		return fmt.Sprintf("Syntax error at position %d: %s", se.Pos, se.Msg)
	}
	var qpe *querylang.ParseError
	if errors.As(err, &qpe) {
		return qpe.Msg
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Msg
	}
	var uoe *UnsupportedOperationError
	if errors.As(err, &uoe) {
		return uoe.Error()
	}
	var ste *StoreError
	if errors.As(err, &ste) {
		return "Query failed: " + truncate(ste.Err.Error(), maxStoreErrorLen)
	}
	return err.Error()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
