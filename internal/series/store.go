// Package series holds the authoritative in-memory price series for the active chart.
package series

import (
	"context"
	"sort"
	"sync"

	"tradechart/internal/broker"
	apperrors "tradechart/internal/errors"
	"tradechart/internal/models"
)

// patchWindow is the number of candles requested by PatchLast.
const patchWindow = 2

// Store keeps one active price series. Switching the key discards the old series;
// loads are wholesale replacements and patches touch only the last element.
type Store struct {
	source broker.HistorySource

	mu      sync.RWMutex
	key     models.SeriesKey
	series  models.PriceSeries
	loadErr error
	loads   uint64
}

// NewStore creates a store backed by source.
func NewStore(source broker.HistorySource) *Store {
	return &Store{source: source}
}

// Activate makes key the active series. The previous series is dropped when the key changes.
func (s *Store) Activate(key models.SeriesKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key == key {
		return
	}
	s.key = key
	s.series = nil
	s.loadErr = nil
}

// Key returns the active key.
func (s *Store) Key() models.SeriesKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key
}

// Series returns a copy of the active series.
func (s *Store) Series() models.PriceSeries {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.series.Clone()
}

// Last returns the most recent stored candle.
func (s *Store) Last() (models.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.series.Last()
}

// Err returns the error of the last full load, if any.
func (s *Store) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadErr
}

// LoadFull requests up to limit candles for key and replaces the series on success.
// On failure the prior series is kept. A response for a key that is no longer active
// is discarded with ErrStaleResponse.
func (s *Store) LoadFull(ctx context.Context, key models.SeriesKey, limit int) (models.PriceSeries, error) {
	candles, err := s.source.GetCandles(ctx, key.Symbol, key.Interval, limit)
	if err == nil && len(candles) == 0 {
		err = apperrors.NewDataError("candles", key.Symbol, "history endpoint returned nothing", apperrors.ErrNoData)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key != key {
		return nil, apperrors.Wrapf(apperrors.ErrStaleResponse, "load for %s", key)
	}
	if err != nil {
		s.loadErr = err
		return nil, err
	}

	s.series = Normalize(candles)
	s.loadErr = nil
	s.loads++
	return s.series.Clone(), nil
}

// PatchLast requests the most recent candles and merges the newest one.
// It reports changed=false, and leaves the series untouched, when the upstream last
// candle has the same time and close as the stored one. A patch that overlaps a
// full load is discarded with ErrStaleResponse.
func (s *Store) PatchLast(ctx context.Context, key models.SeriesKey) (models.Candle, bool, error) {
	s.mu.RLock()
	loads := s.loads
	s.mu.RUnlock()

	candles, err := s.source.GetCandles(ctx, key.Symbol, key.Interval, patchWindow)
	if err != nil {
		return models.Candle{}, false, err
	}
	latest, ok := Normalize(candles).Last()
	if !ok {
		return models.Candle{}, false, apperrors.NewDataError("candles", key.Symbol, "no recent candle", apperrors.ErrNoData)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key != key || s.loads != loads {
		return models.Candle{}, false, apperrors.Wrapf(apperrors.ErrStaleResponse, "patch for %s", key)
	}

	stored, ok := s.series.Last()
	switch {
	case !ok || latest.Time > stored.Time:
		next := make(models.PriceSeries, len(s.series), len(s.series)+1)
		copy(next, s.series)
		s.series = append(next, latest)
	case latest.Time == stored.Time:
		if latest.Close == stored.Close {
			return stored, false, nil
		}
		next := s.series.Clone()
		next[len(next)-1] = latest
		s.series = next
	default:
		// upstream went backwards; keep the series ascending
		return stored, false, nil
	}
	return latest, true, nil
}

// Normalize returns candles sorted by time with duplicates collapsed to the
// last-seen candle for each time.
func Normalize(candles []models.Candle) models.PriceSeries {
	if len(candles) == 0 {
		return nil
	}

	byTime := make(map[int64]models.Candle, len(candles))
	for _, c := range candles {
		byTime[c.Time] = c
	}

	out := make(models.PriceSeries, 0, len(byTime))
	for _, c := range byTime {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out
}
