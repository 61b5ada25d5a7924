package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/spf13/cobra"

	apperrors "tradechart/internal/errors"
	"tradechart/internal/models"
	"tradechart/internal/series"
	"tradechart/internal/store"
	"tradechart/pkg/utils"
)

func addDataCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newSyncCmd(app))
	rootCmd.AddCommand(newExportCmd(app))
}

func newSyncCmd(app *App) *cobra.Command {
	var (
		interval string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "sync SYMBOL",
		Short: "Copy candle history into the local cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if app.Offline {
				return fmt.Errorf("sync needs the live API; drop --offline")
			}
			key := models.SeriesKey{Symbol: strings.ToUpper(args[0]), Interval: interval}

			cache, err := app.Cache()
			if err != nil {
				return err
			}
			sm := store.NewSyncManager(cache, store.SyncConfig{
				StaleAfter: time.Hour,
				Logger:     app.Logger,
			})

			result, err := sm.Sync(cmd.Context(), app.upstream(), key, limit)
			if err != nil {
				output.Error("✗ Sync failed (%s): %v", apperrors.Kind(err), err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(result)
			}
			f := app.Zone.Formatter()
			output.Success("✓ Synced %d candles for %s", result.Fetched, key)
			output.Dim("  %s → %s", f.Tooltip(result.First), f.Tooltip(result.Last))
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&interval, "interval", "i", app.Config.Chart.Interval, "candle interval")
	cmd.Flags().IntVarP(&limit, "limit", "n", app.Config.Chart.HistoryLimit, "number of candles")

	cmd.AddCommand(&cobra.Command{
		Use:   "status SYMBOL",
		Short: "Show cache freshness for a symbol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			key := models.SeriesKey{Symbol: strings.ToUpper(args[0]), Interval: interval}

			cache, err := app.Cache()
			if err != nil {
				return err
			}
			freshness, err := store.NewSyncManager(cache, store.SyncConfig{Logger: app.Logger}).GetDataFreshness(cmd.Context(), key)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(freshness)
			}
			msg := fmt.Sprintf("%s: %s", key, store.FormatFreshness(freshness))
			if freshness.IsFresh {
				output.Success("%s", msg)
			} else {
				output.Warning("%s", msg)
			}
			return nil
		},
	})

	return cmd
}

func newExportCmd(app *App) *cobra.Command {
	var (
		interval  string
		limit     int
		precision int
		out       string
	)

	cmd := &cobra.Command{
		Use:   "export SYMBOL",
		Short: "Export candle history as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			key := models.SeriesKey{Symbol: strings.ToUpper(args[0]), Interval: interval}

			history, err := app.HistorySource()
			if err != nil {
				return err
			}

			s := series.NewStore(history)
			s.Activate(key)
			candles, err := s.LoadFull(cmd.Context(), key, limit)
			if err != nil {
				output.Error("✗ %s: %v", apperrors.Kind(err), err)
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("creating %s: %w", out, err)
				}
				defer f.Close()
				w = f
			}

			if err := WriteCandlesCSV(w, candles, precision); err != nil {
				return err
			}
			if out != "" && out != "-" {
				output.Success("✓ Exported %d candles to %s", len(candles), out)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&interval, "interval", "i", app.Config.Chart.Interval, "candle interval")
	cmd.Flags().IntVarP(&limit, "limit", "n", app.Config.Chart.HistoryLimit, "number of candles")
	cmd.Flags().IntVar(&precision, "precision", 0, "round prices to this many decimals (0 keeps them as is)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

// WriteCandlesCSV writes candles as CSV with a header row. A positive precision
// rounds prices first.
func WriteCandlesCSV(w io.Writer, candles models.PriceSeries, precision int) error {
	rows := candles.Clone()
	if precision > 0 {
		for i := range rows {
			rows[i].Open = utils.RoundTo(rows[i].Open, precision)
			rows[i].High = utils.RoundTo(rows[i].High, precision)
			rows[i].Low = utils.RoundTo(rows[i].Low, precision)
			rows[i].Close = utils.RoundTo(rows[i].Close, precision)
		}
	}
	if err := gocsv.Marshal(&rows, w); err != nil {
		return fmt.Errorf("writing csv: %w", err)
	}
	return nil
}
