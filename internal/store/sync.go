package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tradechart/internal/broker"
	apperrors "tradechart/internal/errors"
	"tradechart/internal/logging"
	"tradechart/internal/models"
	"tradechart/internal/series"
)

// SyncConfig holds configuration for the sync manager.
type SyncConfig struct {
	// StaleAfter is how old the last sync may be before cached candles count as stale.
	StaleAfter time.Duration
	Logger     zerolog.Logger
}

// DefaultSyncConfig returns default sync configuration.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		StaleAfter: time.Hour,
		Logger:     zerolog.Nop(),
	}
}

// DataFreshness represents the freshness of cached candles for one series.
type DataFreshness struct {
	Key         models.SeriesKey
	LastUpdated time.Time
	LastCandle  time.Time
	IsFresh     bool
	Age         time.Duration
}

// SyncResult summarizes one sync run.
type SyncResult struct {
	Key      models.SeriesKey
	Fetched  int
	First    int64
	Last     int64
	SyncedAt time.Time
}

// SyncManager copies history from a live source into the cache.
type SyncManager struct {
	store  CandleStore
	config SyncConfig
	logger zerolog.Logger
}

// NewSyncManager creates a new sync manager.
func NewSyncManager(store CandleStore, config SyncConfig) *SyncManager {
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultSyncConfig().StaleAfter
	}
	return &SyncManager{
		store:  store,
		config: config,
		logger: logging.WithComponent(config.Logger, "sync"),
	}
}

// Sync fetches limit candles for key from src and stores them.
func (sm *SyncManager) Sync(ctx context.Context, src broker.HistorySource, key models.SeriesKey, limit int) (*SyncResult, error) {
	candles, err := src.GetCandles(ctx, key.Symbol, key.Interval, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", key, err)
	}
	if len(candles) == 0 {
		return nil, apperrors.NewDataError("candles", key.Symbol, "no candles to sync", apperrors.ErrNoData)
	}

	if err := sm.store.SaveCandles(ctx, key, candles); err != nil {
		return nil, err
	}
	if err := sm.MarkSynced(key); err != nil {
		return nil, err
	}

	r, _ := series.Normalize(candles).Range()
	result := &SyncResult{
		Key:      key,
		Fetched:  len(candles),
		First:    r.From,
		Last:     r.To,
		SyncedAt: sm.store.GetLastSync(key),
	}
	sm.logger.Info().Str("key", key.String()).Int("candles", result.Fetched).Msg("Series synced")
	return result, nil
}

// MarkSynced marks key as synced now.
func (sm *SyncManager) MarkSynced(key models.SeriesKey) error {
	if err := sm.store.SetLastSync(key, time.Now()); err != nil {
		return fmt.Errorf("failed to mark %s as synced: %w", key, err)
	}
	return nil
}

// GetDataFreshness returns the freshness status of cached candles for key.
func (sm *SyncManager) GetDataFreshness(ctx context.Context, key models.SeriesKey) (*DataFreshness, error) {
	lastCandle, err := sm.store.GetCandlesFreshness(ctx, key)
	if err != nil {
		return nil, err
	}
	lastSync := sm.store.GetLastSync(key)
	age := time.Since(lastSync)

	return &DataFreshness{
		Key:         key,
		LastUpdated: lastSync,
		LastCandle:  lastCandle,
		IsFresh:     !lastSync.IsZero() && age < sm.config.StaleAfter,
		Age:         age,
	}, nil
}

// FormatFreshness returns a human-readable freshness string.
func FormatFreshness(freshness *DataFreshness) string {
	if freshness.LastUpdated.IsZero() {
		return "Never synced"
	}

	age := freshness.Age
	var ageStr string

	switch {
	case age < time.Minute:
		ageStr = "just now"
	case age < time.Hour:
		ageStr = fmt.Sprintf("%d minutes ago", int(age.Minutes()))
	case age < 24*time.Hour:
		ageStr = fmt.Sprintf("%d hours ago", int(age.Hours()))
	default:
		ageStr = fmt.Sprintf("%d days ago", int(age.Hours()/24))
	}

	if freshness.IsFresh {
		return fmt.Sprintf("Updated %s", ageStr)
	}
	return fmt.Sprintf("Stale data - Updated %s", ageStr)
}

// CachedSource wraps a live HistorySource and writes every fetched batch to the cache.
type CachedSource struct {
	source broker.HistorySource
	store  CandleStore
	logger zerolog.Logger

	// Fallback serves cached candles when the live source fails with a network error.
	Fallback bool
}

// NewCachedSource creates a write-through source.
func NewCachedSource(source broker.HistorySource, store CandleStore, logger zerolog.Logger) *CachedSource {
	return &CachedSource{
		source: source,
		store:  store,
		logger: logging.WithComponent(logger, "cache"),
	}
}

// GetCandles implements broker.HistorySource.
func (cs *CachedSource) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	key := models.SeriesKey{Symbol: symbol, Interval: interval}

	candles, err := cs.source.GetCandles(ctx, symbol, interval, limit)
	if err != nil {
		if cs.Fallback && apperrors.Is(err, apperrors.ErrNetwork) {
			cached, cerr := cs.store.GetCandles(ctx, key, limit)
			if cerr == nil && len(cached) > 0 {
				cs.logger.Warn().Err(err).Str("key", key.String()).Msg("Live source unavailable, serving cached candles")
				return cached, nil
			}
		}
		return nil, err
	}

	if len(candles) > 0 {
		if err := cs.store.SaveCandles(ctx, key, candles); err != nil {
			cs.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to cache candles")
		} else if err := cs.store.SetLastSync(key, time.Now()); err != nil {
			cs.logger.Warn().Err(err).Msg("Failed to record sync time")
		}
	}
	return candles, nil
}

// OfflineSource serves history from the cache only.
type OfflineSource struct {
	store CandleStore
}

// NewOfflineSource creates a cache-only history source.
func NewOfflineSource(store CandleStore) *OfflineSource {
	return &OfflineSource{store: store}
}

// GetCandles implements broker.HistorySource. An empty cache yields no candles.
func (src *OfflineSource) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	return src.store.GetCandles(ctx, models.SeriesKey{Symbol: symbol, Interval: interval}, limit)
}
