// Package leverage keeps venue leverage in line with configured
// targets and tracks the sync state per symbol.
package leverage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tradeengine/internal/datastore"
	"tradeengine/internal/exchange"
)

// Status records the last leverage sync outcome for one symbol.
type Status struct {
	Symbol             string    `json:"symbol"`
	ConfiguredLeverage int       `json:"configured_leverage"`
	ActualLeverage     *int      `json:"actual_leverage,omitempty"`
	LastSyncAt         time.Time `json:"last_sync_at"`
	LastSyncSuccess    bool      `json:"last_sync_success"`
	LastSyncError      string    `json:"last_sync_error,omitempty"`
}

// Manager applies leverage changes through the exchange client and
// persists a Status document per symbol.
type Manager struct {
	exchange exchange.Client
	store    datastore.Store
	log      zerolog.Logger
}

func NewManager(ex exchange.Client, store datastore.Store, logger zerolog.Logger) *Manager {
	return &Manager{
		exchange: ex,
		store:    store,
		log:      logger.With().Str("component", "LeverageManager").Logger(),
	}
}

// EnsureLeverage sets leverage best-effort. When the venue refuses
// because a position already exists, the refusal is logged and the
// trade proceeds on the existing leverage.
func (m *Manager) EnsureLeverage(ctx context.Context, symbol string, target int) error {
	if err := validTarget(target); err != nil {
		return err
	}

	actual, err := m.exchange.ChangeLeverage(ctx, symbol, target)
	if err == nil {
		m.recordStatus(ctx, symbol, target, &actual, nil)
		m.log.Info().Str("symbol", symbol).Int("leverage", actual).Msg("Leverage set")
		return nil
	}

	if exchange.IsLeverageNotModified(err) {
		m.recordStatus(ctx, symbol, target, nil, err)
		m.log.Warn().
			Str("symbol", symbol).
			Int("target", target).
			Err(err).
			Msg("Leverage unchanged, continuing with existing leverage")
		return nil
	}

	m.recordStatus(ctx, symbol, target, nil, err)
	return fmt.Errorf("change leverage for %s: %w", symbol, err)
}

// ForceLeverage sets leverage and fails on any venue refusal,
// including leverage-not-modified.
func (m *Manager) ForceLeverage(ctx context.Context, symbol string, target int) error {
	if err := validTarget(target); err != nil {
		return err
	}

	actual, err := m.exchange.ChangeLeverage(ctx, symbol, target)
	if err != nil {
		m.recordStatus(ctx, symbol, target, nil, err)
		return fmt.Errorf("change leverage for %s: %w", symbol, err)
	}

	m.recordStatus(ctx, symbol, target, &actual, nil)
	m.log.Info().Str("symbol", symbol).Int("leverage", actual).Msg("Leverage forced")
	return nil
}

// SyncAll runs EnsureLeverage over every configured symbol. Individual
// failures are collected, not fatal.
func (m *Manager) SyncAll(ctx context.Context, targets map[string]int) (succeeded, failed int) {
	for symbol, target := range targets {
		if err := m.EnsureLeverage(ctx, symbol, target); err != nil {
			failed++
			m.log.Error().Str("symbol", symbol).Err(err).Msg("Leverage sync failed")
			continue
		}
		succeeded++
	}
	m.log.Info().Int("succeeded", succeeded).Int("failed", failed).Msg("Leverage sync pass complete")
	return succeeded, failed
}

// Status returns the stored sync state for one symbol.
func (m *Manager) Status(ctx context.Context, symbol string) (*Status, error) {
	return datastore.QueryOne[Status](ctx, m.store, datastore.CollLeverageStatus,
		datastore.Filter{"symbol": symbol})
}

// Statuses lists every stored sync state.
func (m *Manager) Statuses(ctx context.Context) ([]Status, error) {
	return datastore.QueryAs[Status](ctx, m.store, datastore.CollLeverageStatus, nil,
		datastore.QueryOptions{Sort: &datastore.Sort{Field: "symbol"}})
}

func (m *Manager) recordStatus(ctx context.Context, symbol string, target int, actual *int, syncErr error) {
	status := Status{
		Symbol:             symbol,
		ConfiguredLeverage: target,
		ActualLeverage:     actual,
		LastSyncAt:         time.Now().UTC(),
		LastSyncSuccess:    syncErr == nil,
	}
	if syncErr != nil {
		status.LastSyncError = syncErr.Error()
	}

	err := m.store.UpsertOne(ctx, datastore.CollLeverageStatus,
		datastore.Filter{"symbol": symbol}, status)
	if err != nil {
		m.log.Error().Str("symbol", symbol).Err(err).Msg("Failed to persist leverage status")
	}
}

func validTarget(target int) error {
	if target < 1 || target > 125 {
		return fmt.Errorf("leverage %d out of range [1, 125]", target)
	}
	return nil
}
