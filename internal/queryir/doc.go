// Package queryir is the compiled form of a recipient query.
//
// The compiler lowers a parsed query into a CompiledQuery: a filter
// predicate, the synthetic annotations that function-based comparisons
// depend on, the alias bindings exported to templates, and the recipient
// binding that ties each row to an addressable entity.
//
//	[query text] → querylang.Query → queryir.CompiledQuery → [querysql backend]
//
// Everything a backend needs is carried in the IR: relation hops name the
// tables and join columns they traverse, so a backend never consults the
// registry.
//
// SEALED INTERFACES:
//
// Predicate and Expr are sealed with marker methods. Backends can switch
// exhaustively:
//
//	switch p := pred.(type) {
//	case *Compare, *Range, *IsNull, *Text:
//	    // leaf
//	case *And, *Or, *Not:
//	    // combinator
//	}
//
// NULL SEMANTICS:
//
// A leaf predicate over a NULL value is false, and Not of a false leaf is
// true. Backends must render Not so that rows where the operand is NULL
// are included in the negation.
//
// TO-MANY PATHS:
//
// A leaf that reads a column through a to-many hop holds when any related
// row satisfies it. IsNull over a to-many path also holds when there is no
// related row at all.
package queryir
