package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Collection names for everything the engine persists.
const (
	CollGlobalConfig      = "trading_configs_global"
	CollSymbolConfig      = "trading_configs_symbol"
	CollSymbolSideConfig  = "trading_configs_symbol_side"
	CollConfigAudit       = "trading_configs_audit"
	CollLeverageStatus    = "leverage_status"
	CollStrategyPositions = "strategy_positions"
	CollExchangePositions = "exchange_positions"
	CollContributions     = "position_contributions"
	CollOrderHistory      = "order_history"
	CollRiskEvents        = "risk_events"
	CollSignalEvents      = "signal_events"
)

// ErrNotFound is returned by QueryOne when no document matches.
var ErrNotFound = errors.New("datastore: document not found")

// Filter selects documents by exact match on top-level JSON fields.
type Filter map[string]any

// Sort orders query results by a top-level field. Numbers sort
// numerically, strings lexicographically.
type Sort struct {
	Field string
	Desc  bool
}

// QueryOptions bounds and orders a Query. The zero value returns every
// matching document in storage order.
type QueryOptions struct {
	Sort  *Sort
	Limit int
}

// Store is the document persistence capability the engine consumes.
// Implementations must be safe for concurrent use.
type Store interface {
	Query(ctx context.Context, collection string, filter Filter, opts QueryOptions) ([]json.RawMessage, error)
	InsertOne(ctx context.Context, collection string, doc any) error
	// UpdateOne replaces the first matching document and reports whether
	// a match existed.
	UpdateOne(ctx context.Context, collection string, filter Filter, doc any) (bool, error)
	// UpsertOne replaces the first matching document or inserts the
	// document when nothing matches.
	UpsertOne(ctx context.Context, collection string, filter Filter, doc any) error
	// DeleteOne removes the first matching document and reports whether
	// a match existed.
	DeleteOne(ctx context.Context, collection string, filter Filter) (bool, error)
	Health(ctx context.Context) error
	Close()
}

// QueryAs runs a query and decodes every document into T.
func QueryAs[T any](ctx context.Context, s Store, collection string, filter Filter, opts QueryOptions) ([]T, error) {
	raw, err := s.Query(ctx, collection, filter, opts)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for _, doc := range raw {
		var v T
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, fmt.Errorf("decode %s document: %w", collection, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// QueryOne returns the first matching document decoded into T, or
// ErrNotFound.
func QueryOne[T any](ctx context.Context, s Store, collection string, filter Filter) (*T, error) {
	results, err := QueryAs[T](ctx, s, collection, filter, QueryOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNotFound
	}
	return &results[0], nil
}
