package aggregate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/massmailer/internal/aggregate"
)

func TestConditionalSum(t *testing.T) {
	e := aggregate.ConditionalSum("state", 3)
	assert.Equal(t, "COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0)", e.SQL)
	assert.Equal(t, []any{3}, e.Params)
}

func TestCaseMapping(t *testing.T) {
	tests := []struct {
		name       string
		arms       []aggregate.When
		wantSQL    string
		wantParams []any
	}{
		{
			name:       "empty mapping is the default",
			wantSQL:    "?",
			wantParams: []any{"unknown"},
		},
		{
			name:       "two arms",
			arms:       []aggregate.When{{Key: 1, Value: "pending"}, {Key: 2, Value: "sending"}},
			wantSQL:    "CASE WHEN state = ? THEN ? WHEN state = ? THEN ? ELSE ? END",
			wantParams: []any{1, "pending", 2, "sending", "unknown"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := aggregate.CaseMapping("state", tt.arms, "unknown")
			assert.Equal(t, tt.wantSQL, e.SQL)
			assert.Equal(t, tt.wantParams, e.Params)
		})
	}
}

func TestSelect(t *testing.T) {
	e := aggregate.Select(
		aggregate.ConditionalSum("state", 1),
		aggregate.Expr{SQL: "COUNT(*)"},
		aggregate.ConditionalSum("state", 2),
	)
	assert.Equal(t,
		"COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0), COUNT(*), COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0)",
		e.SQL)
	assert.Equal(t, []any{1, 2}, e.Params)
}
