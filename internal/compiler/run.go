package compiler

import (
	"context"
	"fmt"

	"github.com/roach88/massmailer/internal/queryir"
	"github.com/roach88/massmailer/internal/querylang"
	"github.com/roach88/massmailer/internal/registry"
)

// Backend executes compiled queries against a store.
//
// Execute must return rows ordered by root id ascending.
type Backend interface {
	Execute(ctx context.Context, q *queryir.CompiledQuery) ([]queryir.Row, error)
}

// ExecutionResult is the outcome of running a query.
type ExecutionResult struct {
	Query *queryir.CompiledQuery
	Rows  []queryir.Row
	Count int

	// RecipientIDs lists distinct recipients reached, in first-seen order.
	// Rows without a recipient are skipped.
	RecipientIDs []int64
}

// Prepare parses text (through cache when non-nil) and compiles it.
func Prepare(text string, reg *registry.Registry, cache *querylang.Cache) (*queryir.CompiledQuery, error) {
	var (
		q   *querylang.Query
		err error
	)
	if cache != nil {
		q, err = cache.Parse(text, reg)
	} else {
		q, err = querylang.Parse(text, reg)
	}
	if err != nil {
		return nil, err
	}
	return Compile(q, reg)
}

// Run compiles q and executes it on b.
//
// Compile failures are returned as-is. Backend failures are wrapped in
// *StoreError so callers can format the two classes differently.
func Run(ctx context.Context, b Backend, q *querylang.Query, reg *registry.Registry) (*ExecutionResult, error) {
	cq, err := Compile(q, reg)
	if err != nil {
		return nil, err
	}
	return Execute(ctx, b, cq)
}

// Execute runs an already compiled query on b.
func Execute(ctx context.Context, b Backend, cq *queryir.CompiledQuery) (*ExecutionResult, error) {
	if b == nil {
		return nil, fmt.Errorf("execute: nil backend")
	}
	rows, err := b.Execute(ctx, cq)
	if err != nil {
		return nil, &StoreError{Err: err}
	}
	return &ExecutionResult{
		Query:        cq,
		Rows:         rows,
		Count:        len(rows),
		RecipientIDs: distinctRecipients(rows),
	}, nil
}

func distinctRecipients(rows []queryir.Row) []int64 {
	seen := make(map[int64]bool, len(rows))
	var ids []int64
	for _, r := range rows {
		if r.RecipientID == nil || seen[*r.RecipientID] {
			continue
		}
		seen[*r.RecipientID] = true
		ids = append(ids, *r.RecipientID)
	}
	return ids
}
