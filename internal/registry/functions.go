package registry

// Variadic as MaxArgs accepts any number of extra arguments.
const Variadic = -1

// Function is a callable usable on the left-hand side of a comparison.
//
// The first argument is always a field path. MinArgs and MaxArgs bound the
// number of extra value arguments. Aggregate functions reduce a to-many
// path to one value per root row; scalar functions map one value to one.
type Function struct {
	Name      string
	SQL       string
	Aggregate bool
	MinArgs   int
	MaxArgs   int
	// Result is the value type produced. Empty means "same as the argument".
	Result ValueType
}

// AcceptsArgs reports whether n extra arguments are allowed.
func (f Function) AcceptsArgs(n int) bool {
	if n < f.MinArgs {
		return false
	}
	return f.MaxArgs == Variadic || n <= f.MaxArgs
}

// DefaultFunctions is the function set every Builder starts from.
func DefaultFunctions() []Function {
	return []Function{
		{Name: "count", SQL: "COUNT", Aggregate: true, Result: TypeInt},
		{Name: "sum", SQL: "SUM", Aggregate: true},
		{Name: "avg", SQL: "AVG", Aggregate: true, Result: TypeFloat},
		{Name: "min", SQL: "MIN", Aggregate: true},
		{Name: "max", SQL: "MAX", Aggregate: true},

		{Name: "lower", SQL: "LOWER", Result: TypeString},
		{Name: "upper", SQL: "UPPER", Result: TypeString},
		{Name: "length", SQL: "LENGTH", Result: TypeInt},
		{Name: "trim", SQL: "TRIM", Result: TypeString},
		{Name: "substr", SQL: "SUBSTR", MinArgs: 1, MaxArgs: 2, Result: TypeString},
		{Name: "abs", SQL: "ABS"},
		{Name: "round", SQL: "ROUND", MaxArgs: 1},
		{Name: "coalesce", SQL: "COALESCE", MinArgs: 1, MaxArgs: Variadic},
	}
}
