// Package querylang parses recipient query text into an abstract query tree.
//
// A query names a root model, an optional filter and optional aliases:
//
//	# users that bought something recently
//	Order as order
//	  .created_at > "2024-01-01"
//	  count(.lines) >= 2
//	  (.status = Shop.OrderStatus.paid or .total > 100)
//	alias user = .customer
//
// Adjacent clauses are joined with "and". Precedence from tightest to
// loosest is "not", "and", "or". Strings prefixed with i ("i'foo'") compare
// case-insensitively.
//
// Model names and enum literals are resolved while parsing through the
// Resolver passed to Parse, so a successful parse guarantees they exist.
// Field paths and function names are resolved later by the compiler.
//
// Parsing is total: any input the grammar does not accept returns a
// *SyntaxError with the character offset of the offending token.
package querylang
