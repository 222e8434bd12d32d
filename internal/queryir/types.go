package queryir

import "github.com/roach88/massmailer/internal/registry"

// Predicate is a boolean condition on root rows.
//
// This is a sealed interface - only types in this package implement it.
type Predicate interface {
	predicateNode() // Marker method - seals interface to this package
}

// Expr is a scalar expression evaluated per root row.
//
// This is a sealed interface - only types in this package implement it.
type Expr interface {
	exprNode() // Marker method - seals interface to this package
}

// Hop is one relation traversal.
//
// For a to-one hop Column is the foreign key on the source table and the
// target row is matched on its id. For a to-many hop Column is the foreign
// key on the target table that points back at the source row's id.
type Hop struct {
	Field  string
	Many   bool
	Entity string
	Table  string
	Column string
}

// HasMany reports whether any hop is to-many.
func HasMany(hops []Hop) bool {
	for _, h := range hops {
		if h.Many {
			return true
		}
	}
	return false
}

// Column reads a column reached from the root by following Hops.
type Column struct {
	Hops   []Hop
	Field  string
	Column string
	Type   registry.ValueType
}

// Annotation refers to a named entry of CompiledQuery.Annotations.
type Annotation struct {
	Name string
}

// Literal is a constant: int64, float64, string, bool or nil.
type Literal struct {
	Value any
}

// Arith applies + - * / or ** to two operands.
type Arith struct {
	Op          string
	Left, Right Expr
}

// Negate is unary minus.
type Negate struct {
	Operand Expr
}

// Call applies a registered function. For aggregates Args[0] is a Column
// whose Hops include a to-many hop; the function reduces the related rows
// to one value per root row.
type Call struct {
	Func      string
	SQL       string
	Aggregate bool
	Args      []Expr
}

func (*Column) exprNode()     {}
func (*Annotation) exprNode() {}
func (*Literal) exprNode()    {}
func (*Arith) exprNode()      {}
func (*Negate) exprNode()     {}
func (*Call) exprNode()       {}

// CmpOp is an ordering or equality operator.
type CmpOp string

const (
	Eq CmpOp = "="
	Lt CmpOp = "<"
	Le CmpOp = "<="
	Gt CmpOp = ">"
	Ge CmpOp = ">="
)

// Compare holds when Left Op Right. With NoCase both sides are compared
// after Unicode case folding.
type Compare struct {
	Left   Expr
	Op     CmpOp
	Right  Expr
	NoCase bool
}

// Range holds when Low <= Expr <= High.
type Range struct {
	Expr      Expr
	Low, High Expr
}

// IsNull holds when Expr is NULL.
type IsNull struct {
	Expr Expr
}

// TextOp is a string matching operator.
type TextOp string

const (
	Contains   TextOp = "contains"
	StartsWith TextOp = "startswith"
	EndsWith   TextOp = "endswith"
	Matches    TextOp = "matches"
)

// Text matches Expr against a literal pattern. For Matches the pattern is
// a regular expression.
type Text struct {
	Expr    Expr
	Op      TextOp
	Pattern string
	NoCase  bool
}

// And holds when every predicate holds (vacuously true when empty).
type And struct {
	Predicates []Predicate
}

// Or holds when any predicate holds (false when empty).
type Or struct {
	Predicates []Predicate
}

// Not negates its operand, treating NULL as false.
type Not struct {
	Predicate Predicate
}

func (*Compare) predicateNode() {}
func (*Range) predicateNode()   {}
func (*IsNull) predicateNode()  {}
func (*Text) predicateNode()    {}
func (*And) predicateNode()     {}
func (*Or) predicateNode()      {}
func (*Not) predicateNode()     {}

// EntityRef names a table and the columns hydrated from it.
type EntityRef struct {
	Name    string
	Table   string
	Columns []ColumnRef
}

// ColumnRef maps a row key to a table column.
type ColumnRef struct {
	Key    string
	Column string
}

// NewEntityRef lists id followed by every column-backed field of e.
// Foreign keys are keyed by their column name ("user_id").
func NewEntityRef(e *registry.EntityType) EntityRef {
	ref := EntityRef{Name: e.Name, Table: e.Table}
	ref.Columns = append(ref.Columns, ColumnRef{Key: "id", Column: "id"})
	for _, f := range e.ScalarFields() {
		key := f.Name
		if f.Kind == registry.KindToOne {
			key = f.Column
		}
		ref.Columns = append(ref.Columns, ColumnRef{Key: key, Column: f.Column})
	}
	return ref
}

// NamedExpr is an annotation: a synthetic name bound to an expression.
type NamedExpr struct {
	Name string
	Expr Expr
}

// AliasBinding exports a field path under Name.
//
// A scalar alias yields the column value. A to-one alias yields the target
// row as a map (nil when absent). A to-many alias yields the list of
// related rows, ordered by id.
type AliasBinding struct {
	Name   string
	Kind   registry.FieldKind
	Column *Column    // scalar aliases
	Hops   []Hop      // relation aliases: full path including the final hop
	Target *EntityRef // relation aliases
}

// RecipientBinding ties rows to the recipient entity. Hops is empty when
// the root entity is the recipient; otherwise it is the chain of to-one
// hops named by Alias.
type RecipientBinding struct {
	Alias   string
	Hops    []Hop
	Entity  EntityRef
	Address string
}

// CompiledQuery is the executable form of a query.
type CompiledQuery struct {
	Root        EntityRef
	Label       string
	Filter      Predicate // nil selects every row
	Annotations []NamedExpr
	Aliases     []AliasBinding
	Recipient   RecipientBinding
}

// Annotation returns the expression bound to name.
func (q *CompiledQuery) Annotation(name string) (Expr, bool) {
	for _, a := range q.Annotations {
		if a.Name == name {
			return a.Expr, true
		}
	}
	return nil, false
}

// Row is one result of executing a CompiledQuery.
type Row struct {
	ID int64
	// Values holds root columns keyed as in Root.Columns plus annotations.
	Values map[string]any
	// Aliases holds one entry per AliasBinding.
	Aliases map[string]any
	// RecipientID is nil when the row has no recipient.
	RecipientID *int64
	Address     string
}
