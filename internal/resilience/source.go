package resilience

import (
	"context"

	"tradechart/internal/broker"
	"tradechart/internal/models"
)

// Source puts one breaker in front of the history and trade endpoints of the same API.
type Source struct {
	history broker.HistorySource
	trades  broker.TradeSource
	breaker *Breaker
}

// NewSource guards history and trades with b. trades may be nil.
func NewSource(history broker.HistorySource, trades broker.TradeSource, b *Breaker) *Source {
	return &Source{history: history, trades: trades, breaker: b}
}

// GetCandles implements broker.HistorySource.
func (s *Source) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	return Do(ctx, s.breaker, func(ctx context.Context) ([]models.Candle, error) {
		return s.history.GetCandles(ctx, symbol, interval, limit)
	})
}

// GetOpenPositions implements broker.TradeSource.
func (s *Source) GetOpenPositions(ctx context.Context) ([]models.OpenPosition, error) {
	if s.trades == nil {
		return nil, nil
	}
	return Do(ctx, s.breaker, func(ctx context.Context) ([]models.OpenPosition, error) {
		return s.trades.GetOpenPositions(ctx)
	})
}

// Breaker returns the shared breaker.
func (s *Source) Breaker() *Breaker {
	return s.breaker
}
