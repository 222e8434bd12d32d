package querysql

import (
	"database/sql"
	"fmt"
	"math"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/text/cases"
)

// DriverName is the database/sql driver that carries the SQL functions
// compiled queries call. Open every database that executes compiled
// queries with it.
const DriverName = "sqlite3_massmailer"

func init() {
	sql.Register(DriverName, &sqlite3.SQLiteDriver{
		ConnectHook: registerFunctions,
	})
}

// patterns caches compiled regular expressions across connections.
var patterns, _ = lru.New[string, *regexp.Regexp](128)

func registerFunctions(conn *sqlite3.SQLiteConn) error {
	funcs := []struct {
		name string
		impl any
	}{
		{"casefold", casefold},
		{"mm_contains", textContains},
		{"mm_startswith", textStartsWith},
		{"mm_endswith", textEndsWith},
		{"regexp", textMatches},
		{"mm_pow", pow},
	}
	for _, f := range funcs {
		if err := conn.RegisterFunc(f.name, f.impl, true); err != nil {
			return fmt.Errorf("register %s: %w", f.name, err)
		}
	}
	return nil
}

// casefold applies Unicode case folding to text and passes other values
// through unchanged.
func casefold(v any) any {
	switch s := v.(type) {
	case string:
		return cases.Fold().String(s)
	case []byte:
		return cases.Fold().String(string(s))
	default:
		return v
	}
}

func text(v any) (string, bool) {
	switch s := v.(type) {
	case nil:
		return "", false
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return fmt.Sprint(s), true
	}
}

// textOp adapts a string predicate to SQL semantics: NULL in, NULL out.
func textOp(value, pattern, nocase any, match func(s, p string) bool) any {
	s, ok := text(value)
	if !ok {
		return nil
	}
	p, ok := text(pattern)
	if !ok {
		return nil
	}
	if n, _ := nocase.(int64); n != 0 {
		s, p = cases.Fold().String(s), cases.Fold().String(p)
	}
	if match(s, p) {
		return int64(1)
	}
	return int64(0)
}

func textContains(value, pattern, nocase any) any {
	return textOp(value, pattern, nocase, strings.Contains)
}

func textStartsWith(value, pattern, nocase any) any {
	return textOp(value, pattern, nocase, strings.HasPrefix)
}

func textEndsWith(value, pattern, nocase any) any {
	return textOp(value, pattern, nocase, strings.HasSuffix)
}

// textMatches implements SQLite's REGEXP operator: regexp(pattern, value).
func textMatches(pattern, value any) (any, error) {
	p, ok := text(pattern)
	if !ok {
		return nil, nil
	}
	s, ok := text(value)
	if !ok {
		return nil, nil
	}
	re, ok := patterns.Get(p)
	if !ok {
		var err error
		re, err = regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("regexp: %w", err)
		}
		patterns.Add(p, re)
	}
	if re.MatchString(s) {
		return int64(1), nil
	}
	return int64(0), nil
}

func pow(base, exp any) any {
	b, ok := number(base)
	if !ok {
		return nil
	}
	e, ok := number(exp)
	if !ok {
		return nil
	}
	return math.Pow(b, e)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
