package overlay

import (
	"sort"
	"time"

	"tradechart/internal/models"
)

const (
	leadCandles  = 2
	trailPeriods = 2
	fallbackSpan = 24 * time.Hour
)

// Window returns the time range the overlay spans.
//
// It starts two candles before the candle nearest the entry time and ends two
// intervals past the last candle. Without enough candles it falls back to the
// visible range, then to now ± 24h.
func Window(trade *models.TradeSnapshot, series models.PriceSeries, visible *models.TimeRange, now time.Time) models.TimeRange {
	var r models.TimeRange

	switch {
	case len(series) > 0:
		idx := 0
		if trade != nil {
			idx = NearestIndex(series, trade.EntryTime)
		}
		idx -= leadCandles
		if idx < 0 {
			idx = 0
		}
		r.From = series[idx].Time
	case visible != nil:
		r.From = visible.From
	default:
		r.From = now.Add(-fallbackSpan).Unix()
	}

	switch {
	case len(series) >= 2:
		last := series[len(series)-1].Time
		spacing := last - series[len(series)-2].Time
		r.To = last + trailPeriods*spacing
	case visible != nil:
		r.To = visible.To
	default:
		r.To = now.Add(fallbackSpan).Unix()
	}

	if r.To <= r.From {
		r.To = r.From + int64(fallbackSpan/time.Second)
	}
	return r
}

// NearestIndex returns the index of the candle whose time is closest to ts.
// Ties resolve to the earlier candle. series must be non-empty and ascending.
func NearestIndex(series models.PriceSeries, ts int64) int {
	i := sort.Search(len(series), func(i int) bool { return series[i].Time >= ts })
	if i == 0 {
		return 0
	}
	if i == len(series) {
		return len(series) - 1
	}
	if ts-series[i-1].Time <= series[i].Time-ts {
		return i - 1
	}
	return i
}
