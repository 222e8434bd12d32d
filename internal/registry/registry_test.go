package registry_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/massmailer/internal/registry"
	"github.com/roach88/massmailer/internal/testutil"
)

func TestLookupEntity(t *testing.T) {
	r := testutil.SampleRegistry()

	e, err := r.LookupEntity("SomeModel")
	require.NoError(t, err)
	assert.Equal(t, "some_model", e.Table)
	assert.Equal(t, "somemodel", e.Label())

	_, err = r.LookupEntity("Nope")
	var ue *registry.UnknownEntityError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "Nope", ue.Name)
	assert.Contains(t, err.Error(), "unknown model")
	assert.Equal(t, []string{"SomeChild", "SomeModel", "User"}, ue.Available)
}

func TestFieldDefaults(t *testing.T) {
	r := testutil.SampleRegistry()
	e, err := r.LookupEntity("SomeModel")
	require.NoError(t, err)

	tests := []struct {
		name   string
		kind   registry.FieldKind
		column string
		target string
	}{
		{"text_field", registry.KindScalar, "text_field", ""},
		{"user", registry.KindToOne, "user_id", "User"},
		{"children", registry.KindToMany, "", "SomeChild"},
		{"id", registry.KindScalar, "id", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := e.Field(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, f.Kind)
			assert.Equal(t, tt.column, f.Column)
			assert.Equal(t, tt.target, f.Target)
		})
	}

	_, err = e.Field("missing")
	var fe *registry.UnknownFieldError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "SomeModel has no field `missing`", err.Error())
}

func TestEnumLookup(t *testing.T) {
	r := testutil.SampleRegistry()

	e, err := r.LookupEnum("MyApp.SomeEnum")
	require.NoError(t, err)

	m, ok := e.ByName("bar")
	require.True(t, ok)
	assert.Equal(t, "BAROO", m.Value)

	m, ok = e.ByValue(42)
	require.True(t, ok)
	assert.Equal(t, "foo", m.Name)

	m, ok = e.ByValue(42.0)
	require.True(t, ok)
	assert.Equal(t, "foo", m.Name)

	_, ok = e.ByValue("42")
	assert.False(t, ok)

	_, err = r.LookupEnum("Do.Not")
	var ee *registry.UnknownEnumError
	require.True(t, errors.As(err, &ee))
	assert.Contains(t, err.Error(), "unknown enum")
	assert.Contains(t, err.Error(), "MyApp.SomeEnum")
}

func TestLookupFunction(t *testing.T) {
	r := testutil.SampleRegistry()

	f, err := r.LookupFunction("count")
	require.NoError(t, err)
	assert.True(t, f.Aggregate)
	assert.True(t, f.AcceptsArgs(0))
	assert.False(t, f.AcceptsArgs(1))

	c, err := r.LookupFunction("coalesce")
	require.NoError(t, err)
	assert.True(t, c.AcceptsArgs(5))
	assert.False(t, c.AcceptsArgs(0))

	_, err = r.LookupFunction("frobnicate")
	var fe *registry.UnknownFunctionError
	assert.True(t, errors.As(err, &fe))
}

func TestBuildValidation(t *testing.T) {
	tests := []struct {
		name    string
		build   func() *registry.Builder
		wantErr string
	}{
		{
			name: "no recipient",
			build: func() *registry.Builder {
				return registry.NewBuilder().Entity("User", "", registry.String("email"))
			},
			wantErr: "no recipient",
		},
		{
			name: "unknown relation target",
			build: func() *registry.Builder {
				return registry.NewBuilder().
					Entity("User", "", registry.String("email"), registry.ToOne("team", "Team")).
					Recipient("User", "")
			},
			wantErr: "unknown entity \"Team\"",
		},
		{
			name: "to-many via is not a back reference",
			build: func() *registry.Builder {
				return registry.NewBuilder().
					Entity("User", "", registry.String("email"), registry.ToMany("posts", "Post", "title")).
					Entity("Post", "", registry.String("title")).
					Recipient("User", "")
			},
			wantErr: "is not a relation to User",
		},
		{
			name: "address must be a string",
			build: func() *registry.Builder {
				return registry.NewBuilder().
					Entity("User", "", registry.Int("email")).
					Recipient("User", "email")
			},
			wantErr: "must be a string column",
		},
		{
			name: "lowercase entity",
			build: func() *registry.Builder {
				return registry.NewBuilder().Entity("user", "", registry.String("email")).Recipient("user", "")
			},
			wantErr: "PascalCase",
		},
		{
			name: "duplicate field",
			build: func() *registry.Builder {
				return registry.NewBuilder().
					Entity("User", "", registry.String("email"), registry.String("email")).
					Recipient("User", "")
			},
			wantErr: "declared twice",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build().Build()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestVersionTracksContent(t *testing.T) {
	a := testutil.SampleRegistry()
	b := testutil.SampleRegistry()
	assert.Equal(t, a.Version(), b.Version())

	c, err := registry.NewBuilder().
		Entity("User", "users", registry.String("email")).
		Recipient("User", "email").
		Build()
	require.NoError(t, err)
	assert.NotEqual(t, a.Version(), c.Version())
}

func TestBuilderReuseDoesNotShareEntities(t *testing.T) {
	b := registry.NewBuilder().Entity("User", "", registry.String("email")).Recipient("User", "")
	r1, err := b.Build()
	require.NoError(t, err)
	r2, err := b.Build()
	require.NoError(t, err)

	e1, _ := r1.LookupEntity("User")
	e2, _ := r2.LookupEntity("User")
	assert.NotSame(t, e1, e2)
	assert.Equal(t, "user", e1.Table)
}
