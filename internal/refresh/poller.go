package refresh

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"tradechart/internal/broker"
	apperrors "tradechart/internal/errors"
	"tradechart/internal/logging"
)

// startPollingLocked cancels any live poller, schedules a new one and runs the
// first tick immediately.
func (s *Scheduler) startPollingLocked() {
	s.stopPollingLocked()

	s.pollSeq++
	token := s.pollSeq
	ctx, cancel := context.WithCancel(context.Background())

	logger := cronLogger{logger: s.logger}
	job := cron.NewChain(cron.SkipIfStillRunning(logger)).Then(cron.FuncJob(func() {
		s.tick(ctx, token)
	}))

	c := cron.New(cron.WithLogger(logger))
	c.Schedule(cron.Every(s.cfg.PollInterval), job)
	c.Start()

	s.poll = &poller{cron: c, cancel: cancel, token: token}
	s.setStateLocked(StatePolling, nil)

	go job.Run()
}

// stopPollingLocked stops the live poller, if any. It does not wait for a running
// tick; the tick notices its cancelled context or stale token.
func (s *Scheduler) stopPollingLocked() {
	if s.poll == nil {
		return
	}
	s.poll.cancel()
	s.poll.cron.Stop()
	s.poll = nil
}

// Polling reports whether a poller is live.
func (s *Scheduler) Polling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poll != nil
}

// tick refreshes the last candle. Failures are logged and polling carries on.
func (s *Scheduler) tick(ctx context.Context, token uint64) {
	s.mu.Lock()
	if !s.liveLocked(token) {
		s.mu.Unlock()
		return
	}
	key := s.key
	s.mu.Unlock()

	s.stats.ticks.Add(1)
	s.stats.lastTick.Store(s.cfg.Now().UnixNano())

	candle, changed, err := s.store.PatchLast(ctx, key)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrStaleResponse) {
			s.logger.Debug().Str("key", key.String()).Msg("Discarding patch overlapped by a reload")
			return
		}
		if ctx.Err() == nil {
			s.stats.failed.Add(1)
			s.logger.Warn().
				Err(apperrors.Wrap(err, apperrors.ErrPartialRefresh.Error())).
				Str("key", key.String()).
				Msg("Polling tick failed, keeping stale data")
		}
		return
	}
	logging.LogRefresh(s.logger, candle.Time, candle.Close, changed)
	if !changed {
		return
	}
	s.stats.changed.Add(1)

	trade, tradeErr := broker.FetchTrade(ctx, s.trades, key.Symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.liveLocked(token) || s.key != key {
		return
	}
	if err := s.chart.PatchLastCandle(candle); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to patch last candle")
		return
	}
	if tradeErr != nil {
		s.logger.Warn().Err(tradeErr).Msg("Trade snapshot refresh failed, keeping previous")
	} else {
		s.trade = trade
	}
	s.applyOverlayLocked()
}

// liveLocked reports whether token belongs to the current poller of a mounted chart.
func (s *Scheduler) liveLocked(token uint64) bool {
	return s.mounted && s.poll != nil && s.poll.token == token
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
