// Package store provides candle persistence for offline rendering.
package store

import (
	"context"
	"time"

	"tradechart/internal/models"
)

// CandleStore defines the interface for candle persistence.
type CandleStore interface {
	SaveCandles(ctx context.Context, key models.SeriesKey, candles []models.Candle) error
	// GetCandles returns up to limit of the most recent candles, oldest first.
	GetCandles(ctx context.Context, key models.SeriesKey, limit int) ([]models.Candle, error)
	GetCandlesFreshness(ctx context.Context, key models.SeriesKey) (time.Time, error)

	GetLastSync(key models.SeriesKey) time.Time
	SetLastSync(key models.SeriesKey, t time.Time) error

	Close() error
}
