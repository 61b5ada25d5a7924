package store

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"tradechart/internal/models"
)

// Property: saving candles and reading them back yields the same candles in ascending order.
func TestProperty_CandleRoundTripConsistency(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "candles.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT", "BNBUSDT"}
	intervalGen := gen.OneConstOf("1m", "5m", "15m", "1h", "4h", "1d")
	run := 0

	properties.Property("Candle round-trip: save then retrieve produces equivalent data", prop.ForAll(
		func(symbolIdx int, interval string, count int, basePrice float64) bool {
			ctx := context.Background()
			run++
			key := models.SeriesKey{
				Symbol:   fmt.Sprintf("%s_%d", symbols[symbolIdx%len(symbols)], run),
				Interval: interval,
			}

			candles := generateTestCandles(count, basePrice)
			if err := store.SaveCandles(ctx, key, candles); err != nil {
				t.Logf("Failed to save candles: %v", err)
				return false
			}

			retrieved, err := store.GetCandles(ctx, key, 0)
			if err != nil {
				t.Logf("Failed to get candles: %v", err)
				return false
			}
			if len(retrieved) != len(candles) {
				t.Logf("Count mismatch: expected %d, got %d", len(candles), len(retrieved))
				return false
			}
			for i, orig := range candles {
				if !candlesEqual(orig, retrieved[i]) {
					t.Logf("Candle mismatch at index %d: original=%+v, retrieved=%+v", i, orig, retrieved[i])
					return false
				}
			}
			return true
		},
		gen.IntRange(0, len(symbols)-1),
		intervalGen,
		gen.IntRange(1, 20),
		gen.Float64Range(1.0, 50000.0),
	))

	properties.Property("Limit keeps the most recent candles in ascending order", prop.ForAll(
		func(count, limit int) bool {
			ctx := context.Background()
			run++
			key := models.SeriesKey{Symbol: fmt.Sprintf("LIMIT_%d", run), Interval: "1m"}

			candles := generateTestCandles(count, 100)
			if err := store.SaveCandles(ctx, key, candles); err != nil {
				return false
			}
			got, err := store.GetCandles(ctx, key, limit)
			if err != nil {
				return false
			}

			want := limit
			if count < want {
				want = count
			}
			if len(got) != want || !models.PriceSeries(got).IsAscending() {
				return false
			}
			return got[len(got)-1].Time == candles[count-1].Time
		},
		gen.IntRange(1, 30),
		gen.IntRange(1, 30),
	))

	properties.Property("Empty candles: saving empty slice should succeed", prop.ForAll(
		func(interval string) bool {
			return store.SaveCandles(context.Background(), models.SeriesKey{Symbol: "EMPTY", Interval: interval}, nil) == nil
		},
		intervalGen,
	))

	properties.TestingRun(t)
}

func TestSaveCandles_ReplacesSameTime(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "candles.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	key := models.SeriesKey{Symbol: "BTCUSDT", Interval: "1m"}

	first := []models.Candle{{Time: 60, Open: 1, High: 2, Low: 0.5, Close: 1.5}}
	second := []models.Candle{{Time: 60, Open: 1, High: 3, Low: 0.5, Close: 2.5}}
	if err := store.SaveCandles(ctx, key, first); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveCandles(ctx, key, second); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetCandles(ctx, key, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Close != 2.5 {
		t.Fatalf("expected the replaced candle, got %+v", got)
	}

	latest, err := store.GetCandlesFreshness(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if latest.Unix() != 60 {
		t.Errorf("freshness = %v, want unix 60", latest.Unix())
	}
}

func TestLastSync(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "candles.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	key := models.SeriesKey{Symbol: "ETHUSDT", Interval: "5m"}
	if !store.GetLastSync(key).IsZero() {
		t.Fatal("expected zero last sync for a new key")
	}

	now := time.Now().Truncate(time.Second)
	if err := store.SetLastSync(key, now); err != nil {
		t.Fatal(err)
	}
	if got := store.GetLastSync(key); !got.Equal(now) {
		t.Errorf("GetLastSync = %v, want %v", got, now)
	}
}

// generateTestCandles creates valid candles one minute apart.
func generateTestCandles(count int, basePrice float64) []models.Candle {
	candles := make([]models.Candle, count)
	baseTime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Unix()

	for i := 0; i < count; i++ {
		variation := float64(i%10) * 0.01 * basePrice
		open := basePrice + variation
		close := basePrice + variation*0.5
		high := math.Max(open, close) * 1.01
		low := math.Min(open, close) * 0.99

		candles[i] = models.Candle{
			Time:  baseTime + int64(i)*60,
			Open:  roundToDecimal(open, 2),
			High:  roundToDecimal(high, 2),
			Low:   roundToDecimal(low, 2),
			Close: roundToDecimal(close, 2),
		}
	}
	return candles
}

func roundToDecimal(val float64, places int) float64 {
	multiplier := math.Pow(10, float64(places))
	return math.Round(val*multiplier) / multiplier
}

// candlesEqual compares two candles with floating point tolerance.
func candlesEqual(a, b models.Candle) bool {
	const tolerance = 0.01
	return a.Time == b.Time &&
		floatEqual(a.Open, b.Open, tolerance) &&
		floatEqual(a.High, b.High, tolerance) &&
		floatEqual(a.Low, b.Low, tolerance) &&
		floatEqual(a.Close, b.Close, tolerance)
}

func floatEqual(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}
