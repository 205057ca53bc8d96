package tradingconfig

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradeengine/internal/datastore"
)

// ErrConfigNotFound is returned by DeleteConfig when no stored layer
// matches the scope.
var ErrConfigNotFound = errors.New("trading config not found")

// DefaultCacheTTL bounds how stale a resolved view may get.
const DefaultCacheTTL = 60 * time.Second

type cacheEntry struct {
	params     Parameters
	insertedAt time.Time
}

// Resolver merges config layers and caches resolved views per
// (symbol, side) shape.
type Resolver struct {
	store datastore.Store
	log   zerolog.Logger
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewResolver(store datastore.Store, logger zerolog.Logger, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Resolver{
		store: store,
		log:   logger.With().Str("component", "ConfigResolver").Logger(),
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
	}
}

// Start launches the cache sweeper.
func (r *Resolver) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go r.sweepLoop(sweepCtx)
	r.log.Info().Dur("cache_ttl", r.ttl).Msg("Config resolver started")
}

// Stop cancels the sweeper and waits for it to exit.
func (r *Resolver) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Resolver) sweepLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evictStale()
		}
	}
}

func (r *Resolver) evictStale() {
	cutoff := time.Now().Add(-r.ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, entry := range r.cache {
		if entry.insertedAt.Before(cutoff) {
			delete(r.cache, key)
		}
	}
}

func cacheKey(symbol, side string) string {
	s := symbol
	if s == "" {
		s = "global"
	}
	d := side
	if d == "" {
		d = "all"
	}
	return s + ":" + d
}

// GetConfig returns the resolved parameter view for the given shape.
// Later layers override earlier keys: defaults, global, symbol,
// symbol-side.
func (r *Resolver) GetConfig(ctx context.Context, symbol, side string) (Parameters, error) {
	symbol = strings.ToUpper(symbol)
	side = strings.ToUpper(side)
	key := cacheKey(symbol, side)

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && time.Since(entry.insertedAt) < r.ttl {
		return entry.params.Clone(), nil
	}

	resolved, err := r.resolve(ctx, symbol, side)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{params: resolved.Clone(), insertedAt: time.Now()}
	r.mu.Unlock()
	return resolved, nil
}

func (r *Resolver) resolve(ctx context.Context, symbol, side string) (Parameters, error) {
	resolved := Defaults()

	layers := []datastore.Filter{{"scope": string(ScopeGlobal)}}
	if symbol != "" {
		layers = append(layers, datastore.Filter{"scope": string(ScopeSymbol), "symbol": symbol})
		if side != "" {
			layers = append(layers, datastore.Filter{
				"scope": string(ScopeSymbolSide), "symbol": symbol, "side": side,
			})
		}
	}

	for _, filter := range layers {
		stored, err := datastore.QueryOne[TradingConfig](ctx, r.store, collectionFor(filter), filter)
		if errors.Is(err, datastore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load config layer: %w", err)
		}
		resolved = resolved.Merge(stored.Parameters)
	}
	return resolved, nil
}

func collectionFor(filter datastore.Filter) string {
	switch Scope(filter["scope"].(string)) {
	case ScopeSymbol:
		return datastore.CollSymbolConfig
	case ScopeSymbolSide:
		return datastore.CollSymbolSideConfig
	default:
		return datastore.CollGlobalConfig
	}
}

// SetRequest describes one config mutation.
type SetRequest struct {
	Parameters   Parameters
	ChangedBy    string
	Symbol       string
	Side         string
	Reason       string
	ValidateOnly bool
}

// SetResult reports the outcome. When validation fails, OK is false
// and Errors holds every violation.
type SetResult struct {
	OK     bool              `json:"ok"`
	Config *TradingConfig    `json:"config,omitempty"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// SetConfig validates, versions, persists and audits a config layer.
func (r *Resolver) SetConfig(ctx context.Context, req SetRequest) (*SetResult, error) {
	symbol := strings.ToUpper(req.Symbol)
	side := strings.ToUpper(req.Side)
	if symbol == "" && side != "" {
		return nil, fmt.Errorf("side %q given without a symbol", req.Side)
	}

	if errs := Validate(req.Parameters); len(errs) > 0 {
		return &SetResult{OK: false, Errors: errs}, nil
	}
	if req.ValidateOnly {
		return &SetResult{OK: true}, nil
	}

	scope, collection, filter := scopeFor(symbol, side)
	now := time.Now().UTC()

	current, err := datastore.QueryOne[TradingConfig](ctx, r.store, collection, filter)
	if err != nil && !errors.Is(err, datastore.ErrNotFound) {
		return nil, fmt.Errorf("load current config: %w", err)
	}

	cfg := &TradingConfig{
		Scope:      scope,
		Symbol:     symbol,
		Side:       side,
		Parameters: req.Parameters.Clone(),
		Version:    1,
		CreatedBy:  req.ChangedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	audit := AuditRecord{
		AuditID:      uuid.NewString(),
		Scope:        scope,
		Symbol:       symbol,
		Side:         side,
		Action:       "set",
		After:        cfg.Parameters,
		VersionAfter: 1,
		ChangedBy:    req.ChangedBy,
		Reason:       req.Reason,
		ChangedAt:    now,
	}
	if current != nil {
		cfg.Version = current.Version + 1
		cfg.CreatedBy = current.CreatedBy
		cfg.CreatedAt = current.CreatedAt
		audit.Before = current.Parameters
		audit.VersionBefore = current.Version
		audit.VersionAfter = cfg.Version
	}

	if err := r.store.UpsertOne(ctx, collection, filter, cfg); err != nil {
		return nil, fmt.Errorf("persist config: %w", err)
	}
	if err := r.store.InsertOne(ctx, datastore.CollConfigAudit, audit); err != nil {
		return nil, fmt.Errorf("write config audit: %w", err)
	}

	r.InvalidateCache(symbol, side)
	r.log.Info().
		Str("scope", string(scope)).
		Str("symbol", symbol).
		Str("side", side).
		Int("version", cfg.Version).
		Str("changed_by", req.ChangedBy).
		Msg("Trading config updated")

	return &SetResult{OK: true, Config: cfg}, nil
}

// DeleteConfig removes a stored layer and writes an audit record.
func (r *Resolver) DeleteConfig(ctx context.Context, changedBy, symbol, side, reason string) error {
	symbol = strings.ToUpper(symbol)
	side = strings.ToUpper(side)
	if symbol == "" && side != "" {
		return fmt.Errorf("side %q given without a symbol", side)
	}

	scope, collection, filter := scopeFor(symbol, side)
	current, err := datastore.QueryOne[TradingConfig](ctx, r.store, collection, filter)
	if errors.Is(err, datastore.ErrNotFound) {
		return ErrConfigNotFound
	}
	if err != nil {
		return fmt.Errorf("load current config: %w", err)
	}

	if _, err := r.store.DeleteOne(ctx, collection, filter); err != nil {
		return fmt.Errorf("delete config: %w", err)
	}

	audit := AuditRecord{
		AuditID:       uuid.NewString(),
		Scope:         scope,
		Symbol:        symbol,
		Side:          side,
		Action:        "delete",
		Before:        current.Parameters,
		VersionBefore: current.Version,
		ChangedBy:     changedBy,
		Reason:        reason,
		ChangedAt:     time.Now().UTC(),
	}
	if err := r.store.InsertOne(ctx, datastore.CollConfigAudit, audit); err != nil {
		return fmt.Errorf("write config audit: %w", err)
	}

	r.InvalidateCache(symbol, side)
	r.log.Info().
		Str("scope", string(scope)).
		Str("symbol", symbol).
		Str("side", side).
		Str("changed_by", changedBy).
		Msg("Trading config deleted")
	return nil
}

// InvalidateCache drops the resolved view for one shape.
func (r *Resolver) InvalidateCache(symbol, side string) {
	key := cacheKey(strings.ToUpper(symbol), strings.ToUpper(side))
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, key)
}

// InvalidateAll drops every cached view. Used after bulk admin edits.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cacheEntry)
}

// AuditTrail returns the most recent audit records, newest first.
func (r *Resolver) AuditTrail(ctx context.Context, limit int) ([]AuditRecord, error) {
	return datastore.QueryAs[AuditRecord](ctx, r.store, datastore.CollConfigAudit, nil,
		datastore.QueryOptions{Sort: &datastore.Sort{Field: "changed_at", Desc: true}, Limit: limit})
}

func scopeFor(symbol, side string) (Scope, string, datastore.Filter) {
	switch {
	case symbol == "":
		return ScopeGlobal, datastore.CollGlobalConfig, datastore.Filter{"scope": string(ScopeGlobal)}
	case side == "":
		return ScopeSymbol, datastore.CollSymbolConfig, datastore.Filter{
			"scope": string(ScopeSymbol), "symbol": symbol,
		}
	default:
		return ScopeSymbolSide, datastore.CollSymbolSideConfig, datastore.Filter{
			"scope": string(ScopeSymbolSide), "symbol": symbol, "side": side,
		}
	}
}
