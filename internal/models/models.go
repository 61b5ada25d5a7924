// Package models provides domain models for the chart engine.
package models

import (
	"time"
)

// Candle represents OHLC data for one interval. Time is the interval open in unix seconds.
type Candle struct {
	Time  int64   `json:"time" csv:"time"`
	Open  float64 `json:"open" csv:"open"`
	High  float64 `json:"high" csv:"high"`
	Low   float64 `json:"low" csv:"low"`
	Close float64 `json:"close" csv:"close"`
}

// Timestamp returns the candle open time.
func (c Candle) Timestamp() time.Time {
	return time.Unix(c.Time, 0)
}

// PriceSeries is an ordered candle sequence for one (symbol, interval) pair.
// Times are strictly increasing.
type PriceSeries []Candle

// Len returns the number of candles.
func (s PriceSeries) Len() int {
	return len(s)
}

// Last returns the most recent candle.
func (s PriceSeries) Last() (Candle, bool) {
	if len(s) == 0 {
		return Candle{}, false
	}
	return s[len(s)-1], true
}

// Clone returns a copy that shares no backing array with s.
func (s PriceSeries) Clone() PriceSeries {
	if s == nil {
		return nil
	}
	out := make(PriceSeries, len(s))
	copy(out, s)
	return out
}

// IsAscending reports whether times are strictly increasing.
func (s PriceSeries) IsAscending() bool {
	for i := 1; i < len(s); i++ {
		if s[i].Time <= s[i-1].Time {
			return false
		}
	}
	return true
}

// Range returns the time span covered by the series.
func (s PriceSeries) Range() (TimeRange, bool) {
	if len(s) == 0 {
		return TimeRange{}, false
	}
	return TimeRange{From: s[0].Time, To: s[len(s)-1].Time}, true
}

// SeriesKey identifies the active series.
type SeriesKey struct {
	Symbol   string
	Interval string
}

func (k SeriesKey) String() string {
	return k.Symbol + "@" + k.Interval
}

// TimeRange is an inclusive range of unix seconds.
type TimeRange struct {
	From int64
	To   int64
}

// Valid reports whether the range is non-empty.
func (r TimeRange) Valid() bool {
	return r.To > r.From
}
