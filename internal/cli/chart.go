package cli

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"tradechart/internal/config"
	apperrors "tradechart/internal/errors"
	"tradechart/internal/logging"
	"tradechart/internal/models"
	"tradechart/internal/overlay"
	"tradechart/internal/refresh"
	"tradechart/internal/resilience"
	"tradechart/internal/series"
	"tradechart/internal/surface"
	"tradechart/pkg/utils"
)

// chartOptions are the per-invocation chart settings.
type chartOptions struct {
	interval string
	output   string
	width    int
	height   int
	timezone string
	realtime bool
}

func (app *App) bindChartFlags(cmd *cobra.Command, opts *chartOptions) {
	cfg := app.Config.Chart
	cmd.Flags().StringVarP(&opts.interval, "interval", "i", cfg.Interval, "candle interval")
	cmd.Flags().StringVarP(&opts.output, "output", "o", cfg.Output, "chart image path")
	cmd.Flags().IntVar(&opts.width, "width", cfg.Width, "chart width in pixels (0 waits for a layout)")
	cmd.Flags().IntVar(&opts.height, "height", cfg.Height, "chart height in pixels")
	cmd.Flags().StringVar(&opts.timezone, "tz", "", "display timezone (default from config)")
}

// chart bundles the components behind one mounted chart.
type chart struct {
	scheduler *refresh.Scheduler
	manager   *surface.Manager
	container *surface.FileContainer
}

func (app *App) newChart(opts chartOptions) (*chart, error) {
	if opts.timezone != "" {
		if err := app.Zone.Set(opts.timezone); err != nil {
			return nil, err
		}
	}

	history, err := app.HistorySource()
	if err != nil {
		return nil, err
	}

	style := overlay.Style{
		ProfitColor: app.Config.Style.ProfitColor,
		LossColor:   app.Config.Style.LossColor,
		HighOpacity: app.Config.Style.HighOpacity,
		LowOpacity:  app.Config.Style.LowOpacity,
	}

	manager := surface.NewManager(surface.ManagerConfig{
		Backend: surface.NewGoChartBackend(style),
		Zone:    app.Zone,
		Logger:  app.Logger,
	})

	scheduler := refresh.NewScheduler(refresh.Config{
		HistoryLimit: app.Config.Chart.HistoryLimit,
		PollInterval: app.Config.Chart.PollInterval,
		Height:       opts.height,
		Logger:       app.Logger,
	}, series.NewStore(history), app.TradeSource(), manager, overlay.NewBuilder(style))

	return &chart{
		scheduler: scheduler,
		manager:   manager,
		container: surface.NewFileContainer(opts.output, opts.width),
	}, nil
}

func addChartCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newRenderCmd(app))
	rootCmd.AddCommand(newWatchCmd(app))
}

func newRenderCmd(app *App) *cobra.Command {
	var opts chartOptions

	cmd := &cobra.Command{
		Use:   "render SYMBOL",
		Short: "Render one chart image and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			key := models.SeriesKey{Symbol: strings.ToUpper(args[0]), Interval: opts.interval}

			c, err := app.newChart(opts)
			if err != nil {
				return err
			}

			ctx := logging.WithLogger(cmd.Context(), logging.WithSymbol(app.Logger, key.Symbol, key.Interval))
			loadErr := c.scheduler.Mount(ctx, c.container, key)
			trade := c.scheduler.Trade()
			if err := c.scheduler.Unmount(); err != nil {
				app.Logger.Warn().Err(err).Msg("Teardown failed")
			}

			if output.IsJSON() {
				return output.JSON(chartSummary(key, c, trade, loadErr))
			}
			if loadErr != nil {
				output.Error("✗ %s: %s", apperrors.Kind(loadErr), loadErr)
				return loadErr
			}
			output.Success("✓ Rendered %s to %s", key, opts.output)
			printTrade(output, trade)
			return nil
		},
	}

	app.bindChartFlags(cmd, &opts)
	return cmd
}

func newWatchCmd(app *App) *cobra.Command {
	var opts chartOptions

	cmd := &cobra.Command{
		Use:   "watch SYMBOL",
		Short: "Render a chart and keep its last candle and trade overlay live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			key := models.SeriesKey{Symbol: strings.ToUpper(args[0]), Interval: opts.interval}

			c, err := app.newChart(opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// The callback runs under the scheduler lock; it must not call back into it.
			c.scheduler.OnStateChange(func(state refresh.State, err error) {
				if output.IsJSON() {
					return
				}
				switch state {
				case refresh.StateLoading:
					output.Dim("… loading %s", key)
				case refresh.StateReady:
					output.Success("✓ Chart ready: %s", opts.output)
				case refresh.StatePolling:
					output.Info("⟳ Polling every %s", app.Config.Chart.PollInterval)
				case refresh.StateError:
					output.Error("✗ %s: %v", apperrors.Kind(err), err)
				}
			})

			c.scheduler.SetRealtime(opts.realtime && !app.Offline)
			if err := c.scheduler.Mount(ctx, c.container, key); err != nil {
				if uerr := c.scheduler.Unmount(); uerr != nil {
					app.Logger.Warn().Err(uerr).Msg("Teardown failed")
				}
				return err
			}
			if !output.IsJSON() {
				printTrade(output, c.scheduler.Trade())
			}
			if !c.scheduler.Realtime() {
				output.Warning("Realtime updates are off; press Ctrl+C to exit")
			}

			edits := liveEdits{
				width:    !cmd.Flags().Changed("width"),
				timezone: !cmd.Flags().Changed("tz"),
			}
			if err := config.Watch(app.ConfigDir, func(cfg *config.Config) {
				app.applyLiveEdits(c, cfg, edits)
			}, func(err error) {
				app.Logger.Warn().Err(err).Msg("Ignoring config edit")
			}); err != nil {
				app.Logger.Debug().Err(err).Msg("Config file not watched")
			}

			<-ctx.Done()
			trade, lastErr := c.scheduler.Trade(), c.scheduler.Err()
			err = c.scheduler.Unmount()
			if err != nil {
				app.Logger.Warn().Err(err).Msg("Teardown failed")
			}

			stats := c.scheduler.Stats()
			if output.IsJSON() {
				s := chartSummary(key, c, trade, lastErr)
				s.Polls = &stats
				if app.breaker != nil {
					b := app.breaker.Stats()
					s.Breaker = &b
				}
				return output.JSON(s)
			}
			output.Dim("Polled %d times: %d changed, %d failed", stats.Ticks, stats.Changed, stats.Failed)
			return err
		},
	}

	app.bindChartFlags(cmd, &opts)
	cmd.Flags().BoolVar(&opts.realtime, "realtime", app.Config.Chart.Realtime, "poll the last candle")
	return cmd
}

// liveEdits selects the config keys a running watch follows. Keys pinned by a flag are skipped.
type liveEdits struct {
	width    bool
	timezone bool
}

// applyLiveEdits applies an edited config file to a mounted chart.
func (app *App) applyLiveEdits(c *chart, cfg *config.Config, edits liveEdits) {
	if edits.width && cfg.Chart.Width > 0 {
		if err := c.manager.Resize(cfg.Chart.Width); err != nil {
			app.Logger.Warn().Err(err).Int("width", cfg.Chart.Width).Msg("Resize failed")
		}
	}
	if edits.timezone && cfg.Chart.Timezone != app.Zone.Name() {
		if err := app.Zone.Set(cfg.Chart.Timezone); err != nil {
			app.Logger.Warn().Err(err).Str("timezone", cfg.Chart.Timezone).Msg("Timezone change failed")
		}
	}
}

// summary is the JSON view of a chart run.
type summary struct {
	Symbol   string                `json:"symbol"`
	Interval string                `json:"interval"`
	Output   string                `json:"output"`
	State    string                `json:"state"`
	Error    string                `json:"error,omitempty"`
	Kind     string                `json:"error_kind,omitempty"`
	Trade    *models.TradeSnapshot `json:"trade,omitempty"`

	Polls   *refresh.PollStats       `json:"polls,omitempty"`
	Breaker *resilience.BreakerStats `json:"breaker,omitempty"`
}

func chartSummary(key models.SeriesKey, c *chart, trade *models.TradeSnapshot, err error) summary {
	s := summary{
		Symbol:   key.Symbol,
		Interval: key.Interval,
		Output:   c.container.Path,
		State:    "ok",
		Trade:    trade,
	}
	if err != nil {
		s.State = "error"
		s.Error = err.Error()
		s.Kind = apperrors.Kind(err)
	}
	return s
}

func printTrade(output *Output, trade *models.TradeSnapshot) {
	if trade == nil {
		output.Dim("No open position")
		return
	}

	output.Bold("%s %s", trade.Side, trade.Symbol)
	output.Printf("  Entry:   %s\n", utils.FormatPrice(trade.EntryPrice, trade.Precision))
	output.Printf("  Current: %s\n", utils.FormatPrice(trade.CurrentPrice, trade.Precision))
	if trade.StopLoss != nil {
		output.Printf("  Stop:    %s\n", utils.FormatPrice(*trade.StopLoss, trade.Precision))
	}
	if trade.TakeProfit != nil {
		target := utils.FormatPrice(*trade.TakeProfit, trade.Precision)
		if trade.TakeProfitValueUSD != nil {
			target += " (" + utils.FormatUSD(*trade.TakeProfitValueUSD) + ")"
		}
		output.Printf("  Target:  %s\n", target)
	}
	if trade.EntryPrice > 0 {
		output.Printf("  Move:    %s\n", utils.FormatPercent(movePercent(trade)))
	}
	if trade.CurrentPnLUSD != nil {
		output.Printf("  P&L:     %s\n", output.FormatPnL(*trade.CurrentPnLUSD))
	}
}

// movePercent is the price move since entry in the position's favor.
func movePercent(trade *models.TradeSnapshot) float64 {
	move := (trade.CurrentPrice - trade.EntryPrice) / trade.EntryPrice * 100
	if trade.Side == models.SideShort {
		return -move
	}
	return move
}
