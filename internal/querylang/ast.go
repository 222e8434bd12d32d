package querylang

import (
	"github.com/roach88/massmailer/internal/registry"
)

// Query is the abstract query tree produced by Parse. It is immutable once
// returned and may be shared between goroutines.
type Query struct {
	// Model is the resolved root entity.
	Model *registry.EntityType
	// ModelName is the model as written in the query.
	ModelName string
	// Label is the name given with "as", empty when absent.
	Label string
	// Filter is nil when the query selects every row.
	Filter  Filter
	Aliases []Alias
}

// Alias binds a name to a field path for the render context.
type Alias struct {
	Name  string
	Field FieldRef
	Pos   int
}

// Filter is a boolean node of the tree.
//
// This is a sealed interface: And, Or, Not and Comparison implement it.
type Filter interface {
	filterNode()
	Position() int
}

// FieldRef is the left-hand side of a comparison.
//
// This is a sealed interface: Path and Call implement it.
type FieldRef interface {
	fieldNode()
	Position() int
}

// Value is an operand expression.
//
// This is a sealed interface: Number, String, Bool, EnumValue, FieldValue,
// Unary and Binary implement it.
type Value interface {
	valueNode()
	Position() int
}

// And holds two or more operands that must all hold.
type And struct {
	Operands []Filter
	Pos      int
}

// Or holds two or more operands of which one must hold.
type Or struct {
	Operands []Filter
	Pos      int
}

// Not negates its operand.
type Not struct {
	Operand Filter
	Pos     int
}

// Op is a comparison operator.
type Op string

const (
	OpEq         Op = "="
	OpNe         Op = "!="
	OpLt         Op = "<"
	OpLe         Op = "<="
	OpGt         Op = ">"
	OpGe         Op = ">="
	OpBetween    Op = "between"
	OpIsNull     Op = "is null"
	OpIsEmpty    Op = "is empty"
	OpContains   Op = "contains"
	OpStartsWith Op = "starts with"
	OpEndsWith   Op = "ends with"
	OpMatches    Op = "matches"
)

// IsText reports whether the operator only applies to string values.
func (o Op) IsText() bool {
	switch o {
	case OpContains, OpStartsWith, OpEndsWith, OpMatches:
		return true
	}
	return false
}

// Comparison is a single clause. Value is unused for OpIsNull and
// OpIsEmpty; High is only set for OpBetween. Negated records a leading
// "not" / "does not" in the clause itself.
type Comparison struct {
	Field   FieldRef
	Op      Op
	Value   Value
	High    Value
	Negated bool
	Pos     int
}

// Path is a dotted field path such as ".user.email".
type Path struct {
	Segments []string
	Pos      int
}

// Call is a function application such as "count(.children)". Args[0] is
// the field argument.
type Call struct {
	Name string
	Args []Value
	Pos  int
}

// Number is a numeric literal as written.
type Number struct {
	Text    string
	Int     int64
	Float   float64
	IsFloat bool
	Pos     int
}

// String is a quoted literal. NoCase is set by the i prefix.
type String struct {
	Value  string
	NoCase bool
	Pos    int
}

// Bool is true or false.
type Bool struct {
	Value bool
	Pos   int
}

// EnumValue is a resolved Namespace.Enum.member literal.
type EnumValue struct {
	Enum   string
	Member string
	Value  any
	Pos    int
}

// FieldValue uses a field as an operand.
type FieldValue struct {
	Field FieldRef
	Pos   int
}

// Unary is a negated operand.
type Unary struct {
	Op      string
	Operand Value
	Pos     int
}

// Binary is an arithmetic operation: + - * / **.
type Binary struct {
	Op          string
	Left, Right Value
	Pos         int
}

func (*And) filterNode()        {}
func (*Or) filterNode()         {}
func (*Not) filterNode()        {}
func (*Comparison) filterNode() {}

func (*Path) fieldNode() {}
func (*Call) fieldNode() {}

func (*Number) valueNode()     {}
func (*String) valueNode()     {}
func (*Bool) valueNode()       {}
func (*EnumValue) valueNode()  {}
func (*FieldValue) valueNode() {}
func (*Unary) valueNode()      {}
func (*Binary) valueNode()     {}

func (n *And) Position() int        { return n.Pos }
func (n *Or) Position() int         { return n.Pos }
func (n *Not) Position() int        { return n.Pos }
func (n *Comparison) Position() int { return n.Pos }
func (n *Path) Position() int       { return n.Pos }
func (n *Call) Position() int       { return n.Pos }
func (n *Number) Position() int     { return n.Pos }
func (n *String) Position() int     { return n.Pos }
func (n *Bool) Position() int       { return n.Pos }
func (n *EnumValue) Position() int  { return n.Pos }
func (n *FieldValue) Position() int { return n.Pos }
func (n *Unary) Position() int      { return n.Pos }
func (n *Binary) Position() int     { return n.Pos }

// Dotted renders the path as written, e.g. ".user.email".
func (p *Path) Dotted() string {
	s := ""
	for _, seg := range p.Segments {
		s += "." + seg
	}
	return s
}
