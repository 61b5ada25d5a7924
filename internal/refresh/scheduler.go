// Package refresh sequences full reloads and last-candle polling for one chart.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tradechart/internal/broker"
	apperrors "tradechart/internal/errors"
	"tradechart/internal/logging"
	"tradechart/internal/models"
	"tradechart/internal/overlay"
	"tradechart/internal/series"
	"tradechart/internal/surface"
)

// State is a refresh state machine state.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StatePolling
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StatePolling:
		return "polling"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Config holds configuration for the Scheduler.
type Config struct {
	HistoryLimit int
	PollInterval time.Duration
	Height       int
	Logger       zerolog.Logger
	// Now is the clock used for overlay fallbacks.
	Now func() time.Time
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		HistoryLimit: 500,
		PollInterval: 7 * time.Second,
		Height:       480,
		Logger:       zerolog.Nop(),
		Now:          time.Now,
	}
}

// poller is one polling session: a cron entry plus the context its ticks run under.
type poller struct {
	cron   *cron.Cron
	cancel context.CancelFunc
	token  uint64
}

// Scheduler drives one chart: Idle → Loading → Ready ⇄ Polling, Loading → Error.
//
// Every full load carries a generation number; a response whose generation is no
// longer current is dropped. At most one poller is live, and it is always stopped
// before a new one is scheduled.
type Scheduler struct {
	cfg     Config
	trades  broker.TradeSource
	store   *series.Store
	chart   *surface.Manager
	builder *overlay.Builder
	logger  zerolog.Logger
	stats   pollCounters

	mu        sync.Mutex
	state     State
	err       error
	key       models.SeriesKey
	container surface.Container
	mounted   bool
	gen       uint64
	realtime  bool
	trade     *models.TradeSnapshot
	poll      *poller
	pollSeq   uint64
	onState   func(State, error)
}

// NewScheduler creates a scheduler. trades may be nil when no open-trade source exists.
func NewScheduler(cfg Config, store *series.Store, trades broker.TradeSource, chart *surface.Manager, builder *overlay.Builder) *Scheduler {
	def := DefaultConfig()
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Height <= 0 {
		cfg.Height = def.Height
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		cfg:     cfg,
		trades:  trades,
		store:   store,
		chart:   chart,
		builder: builder,
		logger:  logging.WithComponent(cfg.Logger, "refresh"),
	}
}

// OnStateChange registers fn to observe transitions. fn runs with the scheduler
// locked and must not call back into it.
func (s *Scheduler) OnStateChange(fn func(State, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the scheduler to StateError.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Key returns the active symbol and interval.
func (s *Scheduler) Key() models.SeriesKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// Trade returns the last trade snapshot, nil when no position is open.
func (s *Scheduler) Trade() *models.TradeSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trade
}

// Realtime reports whether polling is requested.
func (s *Scheduler) Realtime() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realtime
}

// Mount mounts the chart into c and performs the first full load.
func (s *Scheduler) Mount(ctx context.Context, c surface.Container, key models.SeriesKey) error {
	s.mu.Lock()
	if s.mounted {
		s.mu.Unlock()
		return apperrors.ErrAlreadyMounted
	}
	if err := s.chart.Mount(c, s.cfg.Height); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mounted = true
	s.container = c
	s.key = key
	s.store.Activate(key)
	gen := s.beginLoadLocked()
	s.mu.Unlock()

	return s.load(ctx, gen, key)
}

// SetSymbol switches the chart to key. A new symbol remounts the surface; a new
// interval on the same symbol only reloads.
func (s *Scheduler) SetSymbol(ctx context.Context, key models.SeriesKey) error {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return apperrors.ErrNotMounted
	}

	s.stopPollingLocked()
	if key.Symbol != s.key.Symbol {
		s.trade = nil
		if err := s.remountLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.key = key
	s.store.Activate(key)
	gen := s.beginLoadLocked()
	s.mu.Unlock()

	return s.load(ctx, gen, key)
}

// Reload performs a full reload of the active series.
func (s *Scheduler) Reload(ctx context.Context) error {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return apperrors.ErrNotMounted
	}
	s.stopPollingLocked()
	key := s.key
	gen := s.beginLoadLocked()
	s.mu.Unlock()

	return s.load(ctx, gen, key)
}

// SetRealtime turns last-candle polling on or off. Polling starts once the chart is Ready.
func (s *Scheduler) SetRealtime(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.realtime == on {
		return
	}
	s.realtime = on
	if on {
		if s.state == StateReady {
			s.startPollingLocked()
		}
		return
	}
	s.stopPollingLocked()
	if s.state == StatePolling {
		s.setStateLocked(StateReady, nil)
	}
}

// Unmount stops polling and tears the surface down. Safe to call repeatedly.
func (s *Scheduler) Unmount() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopPollingLocked()
	if !s.mounted {
		return nil
	}
	s.mounted = false
	s.gen++
	s.trade = nil
	s.container = nil
	err := s.chart.Teardown()
	s.setStateLocked(StateIdle, nil)
	return err
}

func (s *Scheduler) remountLocked() error {
	if err := s.chart.Teardown(); err != nil {
		s.logger.Warn().Err(err).Msg("Teardown before remount failed")
	}
	if err := s.chart.Mount(s.container, s.cfg.Height); err != nil {
		s.mounted = false
		s.setStateLocked(StateError, err)
		return err
	}
	return nil
}

func (s *Scheduler) beginLoadLocked() uint64 {
	s.gen++
	s.setStateLocked(StateLoading, nil)
	return s.gen
}

// load fetches history and the trade snapshot concurrently and applies them if gen is current.
func (s *Scheduler) load(ctx context.Context, gen uint64, key models.SeriesKey) error {
	var (
		candles models.PriceSeries
		trade   *models.TradeSnapshot
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := s.store.LoadFull(gctx, key, s.cfg.HistoryLimit)
		candles = c
		return err
	})
	g.Go(func() error {
		t, err := broker.FetchTrade(gctx, s.trades, key.Symbol)
		trade = t
		return err
	})
	err := g.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || !s.mounted {
		s.logger.Debug().Str("key", key.String()).Msg("Discarding stale load")
		return apperrors.Wrapf(apperrors.ErrStaleResponse, "load for %s", key)
	}

	if err != nil {
		s.setStateLocked(StateError, err)
		if serr := s.chart.ShowError(err); serr != nil {
			s.logger.Warn().Err(serr).Msg("Failed to show error state")
		}
		return err
	}

	if err := s.chart.SetCandles(candles); err != nil {
		s.setStateLocked(StateError, err)
		return err
	}
	s.trade = trade
	s.applyOverlayLocked()
	s.setStateLocked(StateReady, nil)

	if s.realtime {
		s.startPollingLocked()
	}
	return nil
}

// applyOverlayLocked rebuilds the overlay from the current trade and series.
func (s *Scheduler) applyOverlayLocked() {
	o := s.builder.Build(overlay.Input{
		Trade:   s.trade,
		Series:  s.store.Series(),
		Visible: s.chart.VisibleRange(),
		Now:     s.cfg.Now(),
	})
	if err := s.chart.ApplyOverlay(o); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to apply overlay")
	}
}

func (s *Scheduler) setStateLocked(next State, err error) {
	prev := s.state
	s.state = next
	s.err = err
	if prev != next || err != nil {
		logging.LogStateChange(s.logger, prev.String(), next.String(), err)
	}
	if s.onState != nil {
		s.onState(next, err)
	}
}
