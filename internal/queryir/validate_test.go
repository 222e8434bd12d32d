package queryir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/massmailer/internal/registry"
)

func childHop() Hop {
	return Hop{Field: "children", Many: true, Entity: "SomeChild", Table: "some_child", Column: "parent_id"}
}

func baseQuery() *CompiledQuery {
	return &CompiledQuery{
		Root:      EntityRef{Name: "SomeModel", Table: "some_model"},
		Label:     "somemodel",
		Recipient: RecipientBinding{Address: "email"},
	}
}

func TestValidate_ValidQuery(t *testing.T) {
	q := baseQuery()
	q.Annotations = []NamedExpr{{Name: "func_0", Expr: &Call{
		Func: "count", SQL: "COUNT", Aggregate: true,
		Args: []Expr{&Column{Hops: []Hop{childHop()}, Field: "id", Column: "id", Type: registry.TypeInt}},
	}}}
	q.Filter = &And{Predicates: []Predicate{
		&Compare{Left: &Annotation{Name: "func_0"}, Op: Eq, Right: &Literal{Value: int64(2)}},
		&Not{Predicate: &Text{Expr: &Column{Field: "text_field", Column: "text_field"}, Op: Matches, Pattern: "^fo+"}},
	}}

	result := Validate(q)
	assert.True(t, result.Valid, "problems: %v", result.Problems)
	assert.NoError(t, result.Err())
}

func TestValidate_Problems(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(q *CompiledQuery)
		want   string
	}{
		{
			name: "undefined annotation",
			mutate: func(q *CompiledQuery) {
				q.Filter = &Compare{Left: &Annotation{Name: "func_9"}, Op: Eq, Right: &Literal{Value: int64(1)}}
			},
			want: "undefined annotation func_9",
		},
		{
			name: "aggregate without to-many",
			mutate: func(q *CompiledQuery) {
				q.Annotations = []NamedExpr{{Name: "func_0", Expr: &Call{
					Func: "count", SQL: "COUNT", Aggregate: true,
					Args: []Expr{&Column{Field: "int_field", Column: "int_field"}},
				}}}
			},
			want: "aggregate count must read a to-many relation",
		},
		{
			name: "recipient through to-many",
			mutate: func(q *CompiledQuery) {
				q.Recipient.Hops = []Hop{childHop()}
			},
			want: "recipient path crosses to-many",
		},
		{
			name: "bad regexp",
			mutate: func(q *CompiledQuery) {
				q.Filter = &Text{Expr: &Column{Field: "t", Column: "t"}, Op: Matches, Pattern: "(unclosed"}
			},
			want: "invalid pattern",
		},
		{
			name: "duplicate alias",
			mutate: func(q *CompiledQuery) {
				col := &Column{Field: "t", Column: "t"}
				q.Aliases = []AliasBinding{{Name: "a", Column: col}, {Name: "a", Column: col}}
			},
			want: "alias a bound twice",
		},
		{
			name: "empty not",
			mutate: func(q *CompiledQuery) {
				q.Filter = &Not{}
			},
			want: "not without operand",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := baseQuery()
			tt.mutate(q)
			result := Validate(q)
			require.False(t, result.Valid)
			assert.Contains(t, result.Err().Error(), tt.want)
		})
	}
}

func TestValidate_NilQuery(t *testing.T) {
	result := Validate(nil)
	assert.False(t, result.Valid)
	assert.Equal(t, []string{"nil query"}, result.Problems)
}
