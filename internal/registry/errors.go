package registry

import (
	"fmt"
	"strings"
)

// UnknownEntityError reports a model name with no registered entity.
type UnknownEntityError struct {
	Name      string
	Available []string
}

func (e *UnknownEntityError) Error() string {
	return fmt.Sprintf("unknown model %q (available models: %s)", e.Name, strings.Join(e.Available, ", "))
}

// UnknownFieldError reports a field missing from an entity.
type UnknownFieldError struct {
	Entity string
	Field  string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("%s has no field `%s`", e.Entity, e.Field)
}

// UnknownFunctionError reports a call to an unregistered function.
type UnknownFunctionError struct {
	Name string
}

func (e *UnknownFunctionError) Error() string {
	return fmt.Sprintf("unknown function %q", e.Name)
}

// UnknownEnumError reports an enum namespace that is not registered.
type UnknownEnumError struct {
	Name      string
	Available []string
}

func (e *UnknownEnumError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("unknown enum %q (no enums registered)", e.Name)
	}
	return fmt.Sprintf("unknown enum %q (available enums: %s)", e.Name, strings.Join(e.Available, ", "))
}

// UnknownEnumMemberError reports a member name absent from a known enum.
type UnknownEnumMemberError struct {
	Enum   string
	Member string
}

func (e *UnknownEnumMemberError) Error() string {
	return fmt.Sprintf("enum %s has no member %q", e.Enum, e.Member)
}
