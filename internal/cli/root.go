package cli

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tradechart/internal/broker"
	"tradechart/internal/config"
	"tradechart/internal/logging"
	"tradechart/internal/resilience"
	"tradechart/internal/store"
	"tradechart/internal/timefmt"
)

// Version information
const (
	Version   = "0.3.0"
	BuildDate = "2026-10-01"
)

// App holds the application dependencies.
type App struct {
	Config    *config.Config
	ConfigDir string
	Logger    zerolog.Logger
	Zone      *timefmt.Zone
	Offline   bool

	client  *broker.RESTClient
	api     marketAPI
	breaker *resilience.Breaker
	cache   *store.SQLiteStore
}

// marketAPI serves both candle history and open trades.
type marketAPI interface {
	broker.HistorySource
	broker.TradeSource
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, configDir string, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config:    cfg,
		ConfigDir: configDir,
		Logger:    logger,
	}

	rootCmd := &cobra.Command{
		Use:   "tradechart",
		Short: "Candlestick charts with live trade overlays",
		Long: `tradechart renders a candlestick chart for one symbol and overlays the open
trade on it: entry, stop-loss and take-profit lines with shaded risk and reward zones.

In watch mode the last candle is refreshed on a fixed poll interval and the chart
image is rewritten after every change.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			app.Offline, _ = cmd.Flags().GetBool("offline")

			zone, err := timefmt.NewZone(app.Config.Chart.Timezone)
			if err != nil {
				return err
			}
			app.Zone = zone
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.Close()
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/tradechart)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("offline", false, "read history from the local candle cache only")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	addChartCommands(rootCmd, app)
	addDataCommands(rootCmd, app)

	return rootCmd
}

// Close releases the cache database, if open.
func (app *App) Close() error {
	if app.cache == nil {
		return nil
	}
	err := app.cache.Close()
	app.cache = nil
	return err
}

func (app *App) restClient() *broker.RESTClient {
	if app.client == nil {
		app.client = broker.NewRESTClient(broker.RESTConfig{
			BaseURL: app.Config.API.BaseURL,
			APIKey:  app.Config.API.APIKey,
			Timeout: app.Config.API.Timeout,
			Retries: app.Config.API.Retries,
			Logger:  app.Logger,
		})
		app.Logger.Debug().Str("base_url", app.Config.API.BaseURL).Msg("REST client initialized")
	}
	return app.client
}

// upstream returns the REST client, behind a circuit breaker unless disabled.
func (app *App) upstream() marketAPI {
	if app.api != nil {
		return app.api
	}
	client := app.restClient()
	if app.Config.API.BreakerThreshold <= 0 {
		app.api = client
		return app.api
	}
	app.breaker = resilience.NewBreaker(app.Config.API.BaseURL, resilience.BreakerConfig{
		FailureThreshold: app.Config.API.BreakerThreshold,
		Cooldown:         app.Config.API.BreakerCooldown,
		Logger:           app.Logger,
	})
	app.api = resilience.NewSource(client, client, app.breaker)
	return app.api
}

// Cache opens the SQLite candle cache.
func (app *App) Cache() (*store.SQLiteStore, error) {
	if app.cache != nil {
		return app.cache, nil
	}
	path := app.Config.Cache.Path
	if path == "" {
		path = filepath.Join(app.ConfigDir, "candles.db")
	}
	cache, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("opening candle cache: %w", err)
	}
	app.cache = cache
	app.Logger.Debug().Str("path", path).Msg("SQLite cache initialized")
	return cache, nil
}

// HistorySource returns the history source for the current mode: the cache when
// offline, the guarded API with write-through caching when the cache is enabled,
// and the guarded API otherwise.
func (app *App) HistorySource() (broker.HistorySource, error) {
	if app.Offline {
		cache, err := app.Cache()
		if err != nil {
			return nil, err
		}
		return store.NewOfflineSource(cache), nil
	}

	api := app.upstream()
	if !app.Config.Cache.Enabled {
		return api, nil
	}
	cache, err := app.Cache()
	if err != nil {
		app.Logger.Warn().Err(err).Msg("Failed to open cache, continuing without it")
		return api, nil
	}
	cached := store.NewCachedSource(api, cache, app.Logger)
	cached.Fallback = true
	return cached, nil
}

// TradeSource returns the open-trade source, nil when offline.
func (app *App) TradeSource() broker.TradeSource {
	if app.Offline {
		return nil
	}
	return app.upstream()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("tradechart v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": app.ConfigDir})
			} else {
				output.Println(app.ConfigDir)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("✓ Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	apiKey := "(not set)"
	if cfg.API.APIKey != "" {
		apiKey = "(set)"
	}

	output.Bold("API")
	output.Printf("  Base URL:        %s\n", cfg.API.BaseURL)
	output.Printf("  API Key:         %s\n", apiKey)
	output.Printf("  Timeout:         %s\n", cfg.API.Timeout)
	output.Printf("  Retries:         %d\n", cfg.API.Retries)
	output.Printf("  Breaker:         %d failures / %s\n", cfg.API.BreakerThreshold, cfg.API.BreakerCooldown)
	output.Println()

	output.Bold("Chart")
	output.Printf("  Interval:        %s\n", cfg.Chart.Interval)
	output.Printf("  History Limit:   %d\n", cfg.Chart.HistoryLimit)
	output.Printf("  Poll Interval:   %s\n", cfg.Chart.PollInterval)
	output.Printf("  Realtime:        %v\n", cfg.Chart.Realtime)
	output.Printf("  Size:            %dx%d\n", cfg.Chart.Width, cfg.Chart.Height)
	output.Printf("  Output:          %s\n", cfg.Chart.Output)
	output.Printf("  Timezone:        %s\n", cfg.Chart.Timezone)
	output.Println()

	output.Bold("Style")
	output.Printf("  Profit Color:    %s\n", cfg.Style.ProfitColor)
	output.Printf("  Loss Color:      %s\n", cfg.Style.LossColor)
	output.Printf("  Opacity:         %.2f / %.2f\n", cfg.Style.HighOpacity, cfg.Style.LowOpacity)
	output.Println()

	output.Bold("Cache")
	output.Printf("  Enabled:         %v\n", cfg.Cache.Enabled)
	output.Printf("  Path:            %s\n", cfg.Cache.Path)
}
