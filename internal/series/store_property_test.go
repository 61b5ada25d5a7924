package series

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"tradechart/internal/broker"
	"tradechart/internal/models"
)

// Property: whatever order and duplication the source returns, the stored series is
// strictly ascending and holds one candle per distinct time.
func TestProperty_SeriesAscendingWithoutDuplicates(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("LoadFull yields ascending unique times", prop.ForAll(
		func(offsets []int) bool {
			candles := make([]models.Candle, len(offsets))
			distinct := make(map[int64]bool)
			for i, off := range offsets {
				ts := int64(off) * 60
				candles[i] = candle(ts, float64(off))
				distinct[ts] = true
			}

			s := NewStore(broker.HistorySourceFunc(func(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
				return candles, nil
			}))
			s.Activate(key)

			got, err := s.LoadFull(context.Background(), key, len(candles))
			if err != nil {
				return false
			}
			return got.IsAscending() && got.Len() == len(distinct)
		},
		gen.SliceOf(gen.IntRange(0, 25)).SuchThat(func(v []int) bool { return len(v) > 0 }),
	))

	properties.Property("Repeating an unchanged patch is a no-op", prop.ForAll(
		func(n int, close float64) bool {
			base := make([]models.Candle, n)
			for i := range base {
				base[i] = candle(int64(i+1)*60, close)
			}
			tail := base[n-1:]

			calls := 0
			s := NewStore(broker.HistorySourceFunc(func(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
				calls++
				if calls > 1 {
					return tail, nil
				}
				return base, nil
			}))
			s.Activate(key)
			if _, err := s.LoadFull(context.Background(), key, n); err != nil {
				return false
			}

			for i := 0; i < 3; i++ {
				if _, changed, err := s.PatchLast(context.Background(), key); err != nil || changed {
					return false
				}
			}
			return s.Series().Len() == n
		},
		gen.IntRange(1, 50),
		gen.Float64Range(0.0001, 100000),
	))

	properties.TestingRun(t)
}
