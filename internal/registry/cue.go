package registry

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
)

// SchemaError is a problem in a CUE schema file, with source position
// when CUE can supply one.
type SchemaError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *SchemaError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadCUE builds a Registry from a CUE schema file or package directory.
//
// Schema shape:
//
//	recipient: "User"
//	address:   "email"
//	entity: User: {
//	  table: "users"
//	  fields: {
//	    email: "string"
//	    unsubscribe_url: "string"
//	  }
//	}
//	entity: SomeModel: {
//	  fields: {
//	    text_field: "string"
//	    user: {to: "User"}
//	    children: {many: "SomeChild", via: "parent"}
//	  }
//	}
//	enum: "MyApp.SomeEnum": {foo: 42, bar: "BAROO"}
//	function: initial: {sql: "SUBSTR", min_args: 2, max_args: 2}
//
// Field and member order follows declaration order in the file.
func LoadCUE(path string) (*Registry, error) {
	v, err := loadValue(path)
	if err != nil {
		return nil, err
	}
	return FromCUE(v)
}

func loadValue(path string) (cue.Value, error) {
	info, err := os.Stat(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("schema: %w", err)
	}
	ctx := cuecontext.New()
	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return cue.Value{}, fmt.Errorf("schema: %w", err)
		}
		v := ctx.CompileBytes(data, cue.Filename(path))
		if err := v.Err(); err != nil {
			return cue.Value{}, formatCUEError(err)
		}
		return v, nil
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: path})
	if len(instances) == 0 {
		return cue.Value{}, fmt.Errorf("schema: no CUE package in %s", path)
	}
	if err := instances[0].Err; err != nil {
		return cue.Value{}, formatCUEError(err)
	}
	v := ctx.BuildInstance(instances[0])
	if err := v.Err(); err != nil {
		return cue.Value{}, formatCUEError(err)
	}
	return v, nil
}

// FromCUE builds a Registry from an already compiled CUE value.
func FromCUE(v cue.Value) (*Registry, error) {
	b := NewBuilder()

	recipient, err := requiredString(v, "recipient")
	if err != nil {
		return nil, err
	}
	address := "email"
	if a := v.LookupPath(cue.ParsePath("address")); a.Exists() {
		if address, err = a.String(); err != nil {
			return nil, formatCUEError(err)
		}
	}
	b.Recipient(recipient, address)

	if err := eachField(v, "entity", func(name string, ev cue.Value) error {
		return parseEntity(b, name, ev)
	}); err != nil {
		return nil, err
	}

	if err := eachField(v, "enum", func(name string, ev cue.Value) error {
		e, err := parseEnum(name, ev)
		if err != nil {
			return err
		}
		b.Enum(e)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := eachField(v, "function", func(name string, fv cue.Value) error {
		f, err := parseFunction(name, fv)
		if err != nil {
			return err
		}
		b.Function(f)
		return nil
	}); err != nil {
		return nil, err
	}

	return b.Build()
}

func parseEntity(b *Builder, name string, v cue.Value) error {
	table := ""
	if t := v.LookupPath(cue.ParsePath("table")); t.Exists() {
		s, err := t.String()
		if err != nil {
			return formatCUEError(err)
		}
		table = s
	}

	var fields []Field
	err := eachField(v, "fields", func(fname string, fv cue.Value) error {
		f, err := parseField(fname, fv)
		if err != nil {
			return err
		}
		fields = append(fields, f)
		return nil
	})
	if err != nil {
		return err
	}
	b.Entity(name, table, fields...)
	return nil
}

// parseField accepts either a type name string or a relation struct.
func parseField(name string, v cue.Value) (Field, error) {
	if s, err := v.String(); err == nil {
		t := ValueType(s)
		if !t.Valid() {
			return Field{}, &SchemaError{Field: name, Message: fmt.Sprintf("unknown field type %q", s), Pos: v.Pos()}
		}
		return Field{Name: name, Kind: KindScalar, Type: t}, nil
	}

	column, err := optionalString(v, "column")
	if err != nil {
		return Field{}, err
	}
	if to, err := optionalString(v, "to"); err != nil {
		return Field{}, err
	} else if to != "" {
		f := ToOne(name, to)
		f.Column = column
		return f, nil
	}
	many, err := optionalString(v, "many")
	if err != nil {
		return Field{}, err
	}
	if many == "" {
		return Field{}, &SchemaError{Field: name, Message: "field must be a type name or a {to} / {many, via} relation", Pos: v.Pos()}
	}
	via, err := optionalString(v, "via")
	if err != nil {
		return Field{}, err
	}
	if via == "" {
		return Field{}, &SchemaError{Field: name, Message: "to-many relation requires via", Pos: v.Pos()}
	}
	return ToMany(name, many, via), nil
}

func parseEnum(name string, v cue.Value) (Enum, error) {
	var members []EnumMember
	err := eachField(v, "", func(member string, mv cue.Value) error {
		val, err := decodeScalar(mv)
		if err != nil {
			return err
		}
		members = append(members, EnumMember{Name: member, Value: val})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return NewEnum(name, members...), nil
}

func parseFunction(name string, v cue.Value) (Function, error) {
	f := Function{Name: name}
	var err error
	if f.SQL, err = requiredString(v, "sql"); err != nil {
		return Function{}, err
	}
	if a := v.LookupPath(cue.ParsePath("aggregate")); a.Exists() {
		if f.Aggregate, err = a.Bool(); err != nil {
			return Function{}, formatCUEError(err)
		}
	}
	for _, p := range []struct {
		key string
		dst *int
	}{{"min_args", &f.MinArgs}, {"max_args", &f.MaxArgs}} {
		n := v.LookupPath(cue.ParsePath(p.key))
		if !n.Exists() {
			continue
		}
		i, err := n.Int64()
		if err != nil {
			return Function{}, formatCUEError(err)
		}
		*p.dst = int(i)
	}
	result, err := optionalString(v, "result")
	if err != nil {
		return Function{}, err
	}
	f.Result = ValueType(result)
	return f, nil
}

func decodeScalar(v cue.Value) (any, error) {
	switch v.IncompleteKind() {
	case cue.StringKind:
		s, err := v.String()
		return s, formatCUEError(err)
	case cue.BoolKind:
		b, err := v.Bool()
		return b, formatCUEError(err)
	case cue.IntKind:
		i, err := v.Int64()
		return i, formatCUEError(err)
	case cue.FloatKind, cue.NumberKind:
		f, err := v.Float64()
		return f, formatCUEError(err)
	default:
		return nil, &SchemaError{Field: "enum", Message: fmt.Sprintf("unsupported member value kind %v", v.IncompleteKind()), Pos: v.Pos()}
	}
}

// eachField iterates the struct at path (or v itself when path is empty)
// in declaration order. A missing path is not an error.
func eachField(v cue.Value, path string, fn func(name string, v cue.Value) error) error {
	target := v
	if path != "" {
		target = v.LookupPath(cue.ParsePath(path))
		if !target.Exists() {
			return nil
		}
	}
	iter, err := target.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		if err := fn(iter.Selector().Unquoted(), iter.Value()); err != nil {
			return err
		}
	}
	return nil
}

func requiredString(v cue.Value, path string) (string, error) {
	s, err := optionalString(v, path)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", &SchemaError{Field: path, Message: path + " is required", Pos: v.Pos()}
	}
	return s, nil
}

func optionalString(v cue.Value, path string) (string, error) {
	f := v.LookupPath(cue.ParsePath(path))
	if !f.Exists() {
		return "", nil
	}
	s, err := f.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// formatCUEError keeps the first error and its position.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &SchemaError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
