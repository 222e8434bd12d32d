package compiler

import (
	"errors"
	"fmt"

	"github.com/roach88/massmailer/internal/querylang"
	"github.com/roach88/massmailer/internal/registry"
)

// ParseError reports a query that parses but cannot be compiled against
// the registry: unknown fields or functions, bad aliases, or a missing
// recipient alias. Err holds the underlying registry error, if any.
type ParseError struct {
	Entity string
	Msg    string
	Err    error
}

func (e *ParseError) Error() string {
	return e.Msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// UnsupportedOperationError reports a text operator applied to a
// non-string value.
type UnsupportedOperationError struct {
	Op   string
	Type registry.ValueType
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("'%s <%s>' is unsupported", e.Op, e.Type)
}

// StoreError wraps a failure from the backend executing a compiled query.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string {
	return "execute query: " + e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsUserError reports whether err is fixable by editing the query text:
// syntax errors, resolution errors and unsupported operations.
func IsUserError(err error) bool {
	var (
		pe  *ParseError
		uoe *UnsupportedOperationError
	)
	return errors.As(err, &pe) || errors.As(err, &uoe) ||
		querylang.IsSyntaxError(err) || querylang.IsParseError(err)
}

// IsStoreError reports whether err came from query execution.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

func parseErrorf(entity string, cause error, format string, args ...any) *ParseError {
	return &ParseError{Entity: entity, Msg: fmt.Sprintf(format, args...), Err: cause}
}
