// Package broker provides the price history and open-trade sources the chart consumes.
package broker

import (
	"context"

	"tradechart/internal/models"
)

// HistorySource fetches OHLC history. A nil slice with a nil error means the
// endpoint answered with no payload.
type HistorySource interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
}

// TradeSource lists the account's open positions.
type TradeSource interface {
	GetOpenPositions(ctx context.Context) ([]models.OpenPosition, error)
}

// HistorySourceFunc adapts a function to HistorySource.
type HistorySourceFunc func(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)

// GetCandles implements HistorySource.
func (f HistorySourceFunc) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	return f(ctx, symbol, interval, limit)
}

// SelectTrade returns the snapshot for symbol, or nil when no position is open.
//
// The side comes from the sign of the position size; the explicit side field is
// consulted only when the size is exactly zero.
func SelectTrade(positions []models.OpenPosition, symbol string) *models.TradeSnapshot {
	for _, p := range positions {
		if p.Symbol != symbol {
			continue
		}

		var side models.Side
		switch {
		case p.Size > 0:
			side = models.SideLong
		case p.Size < 0:
			side = models.SideShort
		default:
			s, ok := models.ParseSide(p.Side)
			if !ok {
				s = models.SideLong
			}
			side = s
		}

		return &models.TradeSnapshot{
			Symbol:             p.Symbol,
			Side:               side,
			EntryPrice:         p.EntryPrice,
			CurrentPrice:       p.CurrentPrice,
			StopLoss:           p.StopLoss,
			TakeProfit:         p.TakeProfit,
			TakeProfitValueUSD: p.TakeProfitValueUSD,
			StopLossRatio:      p.StopLossRatio,
			CurrentPnLUSD:      p.PnLUSD,
			EntryTime:          p.EntryTime,
			Precision:          p.Precision,
		}
	}
	return nil
}

// FetchTrade looks up the open trade for symbol.
func FetchTrade(ctx context.Context, src TradeSource, symbol string) (*models.TradeSnapshot, error) {
	if src == nil {
		return nil, nil
	}
	positions, err := src.GetOpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	return SelectTrade(positions, symbol), nil
}
