package testutil

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/massmailer/internal/registry"
)

// SampleSchemaCUE is the CUE rendering of SampleRegistry.
const SampleSchemaCUE = `
recipient: "User"
address:   "email"

entity: User: {
	table: "users"
	fields: {
		email:           "string"
		name:            "string"
		unsubscribe_url: "string"
	}
}

entity: SomeModel: {
	table: "some_model"
	fields: {
		text_field:  "string"
		int_field:   "int"
		bool_field:  "bool"
		float_field: "float"
		user: {to: "User"}
		children: {many: "SomeChild", via: "parent"}
	}
}

entity: SomeChild: {
	table: "some_child"
	fields: {
		parent: {to: "SomeModel"}
		child_field: "string"
	}
}

enum: "MyApp.SomeEnum": {
	foo: 42
	bar: "BAROO"
}
`

// SampleRegistry returns the registry used across package tests:
// SomeModel rows with SomeChild children, each optionally owned by a User.
func SampleRegistry() *registry.Registry {
	r, err := registry.NewBuilder().
		Entity("User", "users",
			registry.String("email"),
			registry.String("name"),
			registry.String("unsubscribe_url"),
		).
		Entity("SomeModel", "some_model",
			registry.String("text_field"),
			registry.Int("int_field"),
			registry.Bool("bool_field"),
			registry.Float("float_field"),
			registry.ToOne("user", "User"),
			registry.ToMany("children", "SomeChild", "parent"),
		).
		Entity("SomeChild", "some_child",
			registry.ToOne("parent", "SomeModel"),
			registry.String("child_field"),
		).
		Enum(registry.NewEnum("MyApp.SomeEnum",
			registry.EnumMember{Name: "foo", Value: int64(42)},
			registry.EnumMember{Name: "bar", Value: "BAROO"},
		)).
		Recipient("User", "email").
		Build()
	if err != nil {
		panic(fmt.Sprintf("sample registry: %v", err))
	}
	return r
}

// SampleFixtures creates and fills the SampleRegistry tables:
//
//	users:      1 alice, 2 bob
//	some_model: 1 foo/42/true (alice, 2 children)
//	            2 BAROO/1337/false (bob, 1 child)
//	            3 coq/3/false (no user, no children)
const SampleFixtures = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY,
	email TEXT NOT NULL,
	name TEXT,
	unsubscribe_url TEXT
);
CREATE TABLE IF NOT EXISTS some_model (
	id INTEGER PRIMARY KEY,
	text_field TEXT,
	int_field INTEGER,
	bool_field BOOLEAN,
	float_field REAL,
	user_id INTEGER REFERENCES users(id)
);
CREATE TABLE IF NOT EXISTS some_child (
	id INTEGER PRIMARY KEY,
	parent_id INTEGER REFERENCES some_model(id),
	child_field TEXT
);
INSERT INTO users (id, email, name, unsubscribe_url) VALUES
	(1, 'alice@example.com', 'Alice', 'https://example.com/unsub/1'),
	(2, 'bob@example.com', 'Bob', NULL);
INSERT INTO some_model (id, text_field, int_field, bool_field, float_field, user_id) VALUES
	(1, 'foo', 42, 1, 0.5, 1),
	(2, 'BAROO', 1337, 0, 2.5, 2),
	(3, 'coq', 3, 0, NULL, NULL);
INSERT INTO some_child (id, parent_id, child_field) VALUES
	(1, 1, 'first'),
	(2, 1, 'second'),
	(3, 2, 'third');
`

// LoadSampleFixtures executes SampleFixtures against db.
func LoadSampleFixtures(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, SampleFixtures); err != nil {
		return fmt.Errorf("load sample fixtures: %w", err)
	}
	return nil
}
