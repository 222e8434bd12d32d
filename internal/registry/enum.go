package registry

import (
	"fmt"
	"math"
)

// EnumMember is one (name, value) pair of an enumeration.
type EnumMember struct {
	Name  string
	Value any
}

// Enum is a namespaced, ordered set of members that can be looked up by
// member name or by raw value.
type Enum interface {
	// Name is the registered "Namespace.Name".
	Name() string
	Members() []EnumMember
	ByName(name string) (EnumMember, bool)
	ByValue(v any) (EnumMember, bool)
}

// NewEnum returns an Enum backed by the given members in order. Values must
// be strings, bools or numbers.
func NewEnum(name string, members ...EnumMember) Enum {
	e := &staticEnum{name: name, members: members, byName: make(map[string]int, len(members))}
	for i, m := range members {
		e.byName[m.Name] = i
	}
	return e
}

type staticEnum struct {
	name    string
	members []EnumMember
	byName  map[string]int
}

func (e *staticEnum) Name() string { return e.name }

func (e *staticEnum) Members() []EnumMember {
	out := make([]EnumMember, len(e.members))
	copy(out, e.members)
	return out
}

func (e *staticEnum) ByName(name string) (EnumMember, bool) {
	i, ok := e.byName[name]
	if !ok {
		return EnumMember{}, false
	}
	return e.members[i], true
}

func (e *staticEnum) ByValue(v any) (EnumMember, bool) {
	for _, m := range e.members {
		if sameValue(m.Value, v) {
			return m, true
		}
	}
	return EnumMember{}, false
}

func (e *staticEnum) String() string {
	return fmt.Sprintf("Enum(%s)", e.name)
}

// sameValue compares enum values, treating all numeric kinds as one.
func sameValue(a, b any) bool {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum || bNum {
		return aNum && bNum && fa == fb
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		if math.IsNaN(n) {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
