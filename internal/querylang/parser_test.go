package querylang_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ql "github.com/roach88/massmailer/internal/querylang"
	"github.com/roach88/massmailer/internal/registry"
	"github.com/roach88/massmailer/internal/testutil"
)

// treeOpts compares trees structurally, ignoring positions and the
// resolved model pointer.
var treeOpts = cmp.Options{
	cmpopts.IgnoreFields(ql.Query{}, "Model"),
	cmp.FilterPath(func(p cmp.Path) bool {
		return p.Last().String() == ".Pos"
	}, cmp.Ignore()),
}

func path(segs ...string) *ql.Path { return &ql.Path{Segments: segs} }

func num(text string, i int64) *ql.Number {
	return &ql.Number{Text: text, Int: i, Float: float64(i)}
}

func str(s string) *ql.String { return &ql.String{Value: s} }

func cmpNode(f ql.FieldRef, op ql.Op, v ql.Value) *ql.Comparison {
	return &ql.Comparison{Field: f, Op: op, Value: v}
}

func TestParseTrees(t *testing.T) {
	reg := testutil.SampleRegistry()

	tests := []struct {
		name string
		text string
		want *ql.Query
	}{
		{
			name: "bare model",
			text: "SomeModel",
			want: &ql.Query{ModelName: "SomeModel"},
		},
		{
			name: "comments and label",
			text: "# leading\nSomeModel as meh # trailing\n",
			want: &ql.Query{ModelName: "SomeModel", Label: "meh"},
		},
		{
			name: "equality",
			text: "SomeModel .text_field = 'foo'",
			want: &ql.Query{ModelName: "SomeModel", Filter: cmpNode(path("text_field"), ql.OpEq, str("foo"))},
		},
		{
			name: "implicit and",
			text: "SomeModel .int_field = 42 .text_field = \"foo\"",
			want: &ql.Query{ModelName: "SomeModel", Filter: &ql.And{Operands: []ql.Filter{
				cmpNode(path("int_field"), ql.OpEq, num("42", 42)),
				cmpNode(path("text_field"), ql.OpEq, str("foo")),
			}}},
		},
		{
			name: "and binds tighter than or",
			text: "SomeModel .int_field = 1 or .int_field = 2 and .bool_field = true",
			want: &ql.Query{ModelName: "SomeModel", Filter: &ql.Or{Operands: []ql.Filter{
				cmpNode(path("int_field"), ql.OpEq, num("1", 1)),
				&ql.And{Operands: []ql.Filter{
					cmpNode(path("int_field"), ql.OpEq, num("2", 2)),
					cmpNode(path("bool_field"), ql.OpEq, &ql.Bool{Value: true}),
				}},
			}}},
		},
		{
			name: "not binds tighter than and",
			text: "SomeModel not .int_field = 1 .int_field = 2",
			want: &ql.Query{ModelName: "SomeModel", Filter: &ql.And{Operands: []ql.Filter{
				&ql.Not{Operand: cmpNode(path("int_field"), ql.OpEq, num("1", 1))},
				cmpNode(path("int_field"), ql.OpEq, num("2", 2)),
			}}},
		},
		{
			name: "parenthesised group",
			text: "SomeModel not (.int_field = 1 or .int_field = 2)",
			want: &ql.Query{ModelName: "SomeModel", Filter: &ql.Not{Operand: &ql.Or{Operands: []ql.Filter{
				cmpNode(path("int_field"), ql.OpEq, num("1", 1)),
				cmpNode(path("int_field"), ql.OpEq, num("2", 2)),
			}}}},
		},
		{
			name: "between and negated between",
			text: "SomeModel .int_field between 42 and 50 .float_field not between -1 and 1.5",
			want: &ql.Query{ModelName: "SomeModel", Filter: &ql.And{Operands: []ql.Filter{
				&ql.Comparison{Field: path("int_field"), Op: ql.OpBetween, Value: num("42", 42), High: num("50", 50)},
				&ql.Comparison{Field: path("float_field"), Op: ql.OpBetween, Negated: true,
					Value: num("-1", -1), High: &ql.Number{Text: "1.5", Float: 1.5, IsFloat: true}},
			}}},
		},
		{
			name: "presence",
			text: "SomeModel .user is null .text_field is not empty .user.name is none",
			want: &ql.Query{ModelName: "SomeModel", Filter: &ql.And{Operands: []ql.Filter{
				&ql.Comparison{Field: path("user"), Op: ql.OpIsNull},
				&ql.Comparison{Field: path("text_field"), Op: ql.OpIsEmpty, Negated: true},
				&ql.Comparison{Field: path("user", "name"), Op: ql.OpIsNull},
			}}},
		},
		{
			name: "text operators",
			text: `SomeModel .text_field contains i'oo' .text_field doesn't start with "f"
				.text_field does not end with 'x' .text_field matches '^b.*'`,
			want: &ql.Query{ModelName: "SomeModel", Filter: &ql.And{Operands: []ql.Filter{
				cmpNode(path("text_field"), ql.OpContains, &ql.String{Value: "oo", NoCase: true}),
				&ql.Comparison{Field: path("text_field"), Op: ql.OpStartsWith, Value: str("f"), Negated: true},
				&ql.Comparison{Field: path("text_field"), Op: ql.OpEndsWith, Value: str("x"), Negated: true},
				cmpNode(path("text_field"), ql.OpMatches, str("^b.*")),
			}}},
		},
		{
			name: "function call and arithmetic",
			text: "SomeModel count(.children) >= 1 + 2 * 3 substr(.text_field, 1, 2) != 'fo'",
			want: &ql.Query{ModelName: "SomeModel", Filter: &ql.And{Operands: []ql.Filter{
				cmpNode(&ql.Call{Name: "count", Args: []ql.Value{&ql.FieldValue{Field: path("children")}}}, ql.OpGe,
					&ql.Binary{Op: "+", Left: num("1", 1), Right: &ql.Binary{Op: "*", Left: num("2", 2), Right: num("3", 3)}}),
				cmpNode(&ql.Call{Name: "substr", Args: []ql.Value{
					&ql.FieldValue{Field: path("text_field")}, num("1", 1), num("2", 2),
				}}, ql.OpNe, str("fo")),
			}}},
		},
		{
			name: "field operand",
			text: "SomeModel .float_field < .int_field ** 2",
			want: &ql.Query{ModelName: "SomeModel", Filter: cmpNode(path("float_field"), ql.OpLt,
				&ql.Binary{Op: "**", Left: &ql.FieldValue{Field: path("int_field")}, Right: num("2", 2)})},
		},
		{
			name: "enum literal",
			text: "SomeModel .int_field = MyApp.SomeEnum.foo",
			want: &ql.Query{ModelName: "SomeModel", Filter: cmpNode(path("int_field"), ql.OpEq,
				&ql.EnumValue{Enum: "MyApp.SomeEnum", Member: "foo", Value: int64(42)})},
		},
		{
			name: "aliases",
			text: "SomeModel alias user = .user alias text_field # the raw text\nalias kids = .children",
			want: &ql.Query{ModelName: "SomeModel", Aliases: []ql.Alias{
				{Name: "user", Field: path("user")},
				{Name: "text_field", Field: path("text_field")},
				{Name: "kids", Field: path("children")},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ql.Parse(tt.text, reg)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got, treeOpts); diff != "" {
				t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tt.text, diff)
			}
			assert.Equal(t, "SomeModel", got.Model.Name)
		})
	}
}

func TestParseNumbers(t *testing.T) {
	reg := testutil.SampleRegistry()

	tests := []struct {
		text    string
		intVal  int64
		float   float64
		isFloat bool
	}{
		{"42", 42, 42, false},
		{"0x2a", 42, 42, false},
		{"0o52", 42, 42, false},
		{"0b101010", 42, 42, false},
		{"1_000", 1000, 1000, false},
		{"4.2e1", 0, 42, true},
		{"1e-3", 0, 0.001, true},
		{"-7", -7, -7, false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			q, err := ql.Parse("SomeModel .int_field = "+tt.text, reg)
			require.NoError(t, err)
			n, ok := q.Filter.(*ql.Comparison).Value.(*ql.Number)
			require.True(t, ok)
			assert.Equal(t, tt.isFloat, n.IsFloat)
			assert.Equal(t, tt.float, n.Float)
			if !tt.isFloat {
				assert.Equal(t, tt.intVal, n.Int)
			}
		})
	}
}

func TestParseSyntaxErrors(t *testing.T) {
	reg := testutil.SampleRegistry()

	tests := []struct {
		name string
		text string
		pos  int
		msg  string
	}{
		{"empty", "", 0, "expected model name"},
		{"lowercase model", "somemodel", 0, "expected model name"},
		{"missing value", "SomeModel .int_field =", 22, "expected value"},
		{"missing operator", "SomeModel .int_field 42", 21, "expected comparison operator"},
		{"unclosed group", "SomeModel (.a = 1", 17, "expected ')'"},
		{"unterminated string", "SomeModel .a = 'x", 15, "unterminated string"},
		{"dangling alias", "SomeModel .a = 1 alias", 22, "expected alias name"},
		{"bad character", "SomeModel .a ! 1", 13, "unexpected character"},
		{"contains needs string", "SomeModel .a contains 3", 22, "expected string"},
		{"between needs and", "SomeModel .a between 1 2", 23, "expected \"and\""},
		{"is needs null", "SomeModel .a is 3", 16, "expected null, none or empty"},
		{"trailing garbage", "SomeModel garbage", 10, "expected filter, alias or end of query"},
		{"filter after alias", "SomeModel alias x .a = 1", 18, "expected alias or end of query"},
		{"short enum", "SomeModel .a = Foo.bar", 22, "expected enum literal"},
		{"empty call", "SomeModel count() = 1", 16, "expected value"},
		{"bad hex", "SomeModel .a = 0xzz", 15, "invalid number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ql.Parse(tt.text, reg)
			require.Error(t, err)
			var se *ql.SyntaxError
			require.True(t, errors.As(err, &se), "want *SyntaxError, got %T: %v", err, err)
			assert.Equal(t, tt.pos, se.Pos)
			assert.Contains(t, se.Msg, tt.msg)
			assert.True(t, ql.IsSyntaxError(err))
			assert.False(t, ql.IsParseError(err))
		})
	}
}

func TestParseResolutionErrors(t *testing.T) {
	reg := testutil.SampleRegistry()

	tests := []struct {
		name    string
		text    string
		target  any
		wantMsg string
	}{
		{"unknown model", "Garbage as foo", new(*registry.UnknownEntityError), "unknown model \"Garbage\""},
		{"unknown enum", "SomeModel .int_field = Do.Not.Exist", new(*registry.UnknownEnumError), "unknown enum"},
		{"unknown enum, other case", "SomeModel .int_field = Not.Even.close", new(*registry.UnknownEnumError), "unknown enum"},
		{"unknown member", "SomeModel .int_field = MyApp.SomeEnum.baz", new(*registry.UnknownEnumMemberError), "has no member"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ql.Parse(tt.text, reg)
			require.Error(t, err)
			assert.True(t, ql.IsParseError(err))
			assert.True(t, errors.As(err, tt.target))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestParseEnumByValue(t *testing.T) {
	reg := testutil.SampleRegistry()

	q, err := ql.Parse("SomeModel .text_field = MyApp.SomeEnum.BAROO", reg)
	require.NoError(t, err)
	ev := q.Filter.(*ql.Comparison).Value.(*ql.EnumValue)
	assert.Equal(t, "bar", ev.Member)
	assert.Equal(t, "BAROO", ev.Value)
}

func TestParseDeterministic(t *testing.T) {
	reg := testutil.SampleRegistry()
	text := "SomeModel as m .int_field between 1 and 5 or count(.children) > 0 alias user = .user"

	a, err := ql.Parse(text, reg)
	require.NoError(t, err)
	b, err := ql.Parse(text, reg)
	require.NoError(t, err)

	assert.Empty(t, cmp.Diff(a, b, cmpopts.IgnoreFields(ql.Query{}, "Model")))
	assert.NotSame(t, a, b)
}
