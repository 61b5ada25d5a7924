package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	apperrors "tradechart/internal/errors"
	"tradechart/internal/models"
	"tradechart/internal/overlay"
	"tradechart/internal/series"
	"tradechart/internal/surface"
	"tradechart/internal/timefmt"
)

// fakeHistory serves canned candles per symbol and counts patch-sized requests.
type fakeHistory struct {
	mu       sync.Mutex
	bySymbol map[string][]models.Candle
	patch    func(symbol string) ([]models.Candle, error)
	block    map[string]chan struct{}
	started  chan string
	full     int
	patches  int
	patched  chan struct{}
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		bySymbol: make(map[string][]models.Candle),
		block:    make(map[string]chan struct{}),
		started:  make(chan string, 8),
		patched:  make(chan struct{}, 64),
	}
}

func (f *fakeHistory) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	f.mu.Lock()
	if limit == 2 {
		f.patches++
		patch := f.patch
		f.mu.Unlock()
		defer func() { f.patched <- struct{}{} }()
		if patch != nil {
			return patch(symbol)
		}
		f.mu.Lock()
		candles := f.bySymbol[symbol]
		f.mu.Unlock()
		if len(candles) > 2 {
			candles = candles[len(candles)-2:]
		}
		return append([]models.Candle(nil), candles...), nil
	}
	f.full++
	gate := f.block[symbol]
	candles := append([]models.Candle(nil), f.bySymbol[symbol]...)
	f.mu.Unlock()

	f.started <- symbol
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return candles, nil
}

func (f *fakeHistory) patchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.patches
}

// fakeTrades returns fixed positions or an error.
type fakeTrades struct {
	mu        sync.Mutex
	positions []models.OpenPosition
	err       error
	calls     int
}

func (f *fakeTrades) GetOpenPositions(ctx context.Context) ([]models.OpenPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.positions, f.err
}

// recordingSurface counts every mutation.
type recordingSurface struct {
	mu         sync.Mutex
	candles    models.PriceSeries
	overlays   []models.Overlay
	setCalls   int
	patchCalls int
	errors     []string
	released   bool
}

func (s *recordingSurface) Resize(width, height int) error { return nil }

func (s *recordingSurface) SetCandles(series models.PriceSeries) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setCalls++
	s.candles = series
	return nil
}

func (s *recordingSurface) UpdateLastCandle(c models.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patchCalls++
	if n := len(s.candles); n > 0 && s.candles[n-1].Time == c.Time {
		s.candles[n-1] = c
	} else {
		s.candles = append(s.candles, c)
	}
	return nil
}

func (s *recordingSurface) ReplaceOverlay(o models.Overlay) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlays = append(s.overlays, o)
	return nil
}

func (s *recordingSurface) ShowError(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, message)
	return nil
}

func (s *recordingSurface) ApplyLocale(f timefmt.Formatter) error { return nil }

func (s *recordingSurface) VisibleRange() (models.TimeRange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.candles.Range()
}

func (s *recordingSurface) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	return nil
}

func (s *recordingSurface) counts() (set, patch, overlays, errs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setCalls, s.patchCalls, len(s.overlays), len(s.errors)
}

type recordingBackend struct {
	mu       sync.Mutex
	surfaces []*recordingSurface
}

func (b *recordingBackend) Open(c surface.Container, width, height int, f timefmt.Formatter) (surface.Surface, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &recordingSurface{}
	b.surfaces = append(b.surfaces, s)
	return s, nil
}

func (b *recordingBackend) last() *recordingSurface {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.surfaces[len(b.surfaces)-1]
}

func (b *recordingBackend) opened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.surfaces)
}

type fixedContainer int

func (c fixedContainer) Width() int { return int(c) }

type harness struct {
	history *fakeHistory
	trades  *fakeTrades
	backend *recordingBackend
	sched   *Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		history: newFakeHistory(),
		trades:  &fakeTrades{},
		backend: &recordingBackend{},
	}
	h.history.bySymbol["BTCUSDT"] = testCandles(1_700_000_000, 10, 100)
	h.history.bySymbol["ETHUSDT"] = testCandles(1_700_000_000, 6, 2000)

	manager := surface.NewManager(surface.ManagerConfig{Backend: h.backend, Logger: zerolog.Nop()})
	h.sched = NewScheduler(Config{
		HistoryLimit: 100,
		PollInterval: time.Hour,
		Logger:       zerolog.Nop(),
		Now:          func() time.Time { return time.Unix(1_700_100_000, 0) },
	}, series.NewStore(h.history), h.trades, manager, overlay.NewBuilder(overlay.DefaultStyle()))
	t.Cleanup(func() { h.sched.Unmount() })
	return h
}

func testCandles(start int64, n int, price float64) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		p := price + float64(i)
		out[i] = models.Candle{Time: start + int64(i)*3600, Open: p, High: p + 1, Low: p - 1, Close: p + 0.5}
	}
	return out
}

var btc = models.SeriesKey{Symbol: "BTCUSDT", Interval: "1h"}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestScheduler_MountLoadsCandlesAndOverlay(t *testing.T) {
	h := newHarness(t)
	h.trades.positions = []models.OpenPosition{{
		Symbol: "BTCUSDT", Size: 1, EntryPrice: 104, CurrentPrice: 106,
		StopLoss: models.Float(100), TakeProfit: models.Float(112), PnLUSD: models.Float(2), Precision: 2,
	}}

	if err := h.sched.Mount(context.Background(), fixedContainer(800), btc); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	if h.sched.State() != StateReady {
		t.Fatalf("expected Ready, got %s", h.sched.State())
	}

	s := h.backend.last()
	set, patch, overlays, errs := s.counts()
	if set != 1 || patch != 0 || overlays != 1 || errs != 0 {
		t.Fatalf("unexpected surface calls: set=%d patch=%d overlays=%d errors=%d", set, patch, overlays, errs)
	}
	if len(s.candles) != 10 {
		t.Errorf("expected 10 candles, got %d", len(s.candles))
	}
	o := s.overlays[0]
	if len(o.ReferenceLines) != 3 || len(o.Zones) != 2 {
		t.Errorf("expected 3 lines and 2 zones, got %d and %d", len(o.ReferenceLines), len(o.Zones))
	}
	if h.sched.Trade() == nil || h.sched.Trade().Side != models.SideLong {
		t.Errorf("expected a LONG trade snapshot, got %+v", h.sched.Trade())
	}
}

func TestScheduler_MountTwice(t *testing.T) {
	h := newHarness(t)
	if err := h.sched.Mount(context.Background(), fixedContainer(800), btc); err != nil {
		t.Fatal(err)
	}
	if err := h.sched.Mount(context.Background(), fixedContainer(800), btc); !errors.Is(err, apperrors.ErrAlreadyMounted) {
		t.Fatalf("expected ErrAlreadyMounted, got %v", err)
	}
	if h.backend.opened() != 1 {
		t.Errorf("expected one surface, got %d", h.backend.opened())
	}
}

func TestScheduler_EmptyHistoryGoesToError(t *testing.T) {
	h := newHarness(t)
	h.history.bySymbol["BTCUSDT"] = []models.Candle{}

	err := h.sched.Mount(context.Background(), fixedContainer(800), btc)
	if !errors.Is(err, apperrors.ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
	if h.sched.State() != StateError {
		t.Fatalf("expected Error state, got %s", h.sched.State())
	}
	if apperrors.Kind(h.sched.Err()) != "NoData" {
		t.Errorf("expected NoData kind, got %s", apperrors.Kind(h.sched.Err()))
	}

	set, _, overlays, errs := h.backend.last().counts()
	if set != 0 || overlays != 0 {
		t.Errorf("nothing should be drawn, got set=%d overlays=%d", set, overlays)
	}
	if errs != 1 {
		t.Errorf("expected one visible error, got %d", errs)
	}
}

func TestScheduler_TradeFetchFailureGoesToError(t *testing.T) {
	h := newHarness(t)
	h.trades.err = apperrors.NewTransportError("/trades/open", 503, errors.New("unavailable"))

	err := h.sched.Mount(context.Background(), fixedContainer(800), btc)
	if !errors.Is(err, apperrors.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if h.sched.State() != StateError {
		t.Fatalf("expected Error state, got %s", h.sched.State())
	}
}

func TestScheduler_ReloadRecoversFromError(t *testing.T) {
	h := newHarness(t)
	h.history.bySymbol["BTCUSDT"] = nil

	if err := h.sched.Mount(context.Background(), fixedContainer(800), btc); err == nil {
		t.Fatal("expected first load to fail")
	}

	h.history.mu.Lock()
	h.history.bySymbol["BTCUSDT"] = testCandles(1_700_000_000, 4, 100)
	h.history.mu.Unlock()

	if err := h.sched.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if h.sched.State() != StateReady || h.sched.Err() != nil {
		t.Fatalf("expected Ready without error, got %s (%v)", h.sched.State(), h.sched.Err())
	}
}

func TestScheduler_StaleLoadDiscardedAfterSymbolChange(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.history.block["BTCUSDT"] = gate

	mountErr := make(chan error, 1)
	go func() {
		mountErr <- h.sched.Mount(context.Background(), fixedContainer(800), btc)
	}()
	if sym := <-h.history.started; sym != "BTCUSDT" {
		t.Fatalf("expected BTCUSDT load first, got %s", sym)
	}

	eth := models.SeriesKey{Symbol: "ETHUSDT", Interval: "1h"}
	if err := h.sched.SetSymbol(context.Background(), eth); err != nil {
		t.Fatalf("SetSymbol failed: %v", err)
	}

	close(gate)
	if err := <-mountErr; !errors.Is(err, apperrors.ErrStaleResponse) {
		t.Fatalf("expected stale response for the BTCUSDT load, got %v", err)
	}

	if h.backend.opened() != 2 {
		t.Fatalf("a symbol change should remount, got %d surfaces", h.backend.opened())
	}
	first := h.backend.surfaces[0]
	if set, _, _, _ := first.counts(); set != 0 || !first.released {
		t.Errorf("old surface should be released untouched, set=%d released=%v", set, first.released)
	}

	current := h.backend.last()
	current.mu.Lock()
	candles := current.candles
	current.mu.Unlock()
	if len(candles) != 6 || candles[0].Open != 2000 {
		t.Errorf("expected ETHUSDT candles on the live surface, got %+v", candles)
	}
	if h.sched.Key() != eth || h.sched.State() != StateReady {
		t.Errorf("expected Ready on %s, got %s on %s", eth, h.sched.State(), h.sched.Key())
	}
}

func TestScheduler_IntervalChangeReloadsWithoutRemount(t *testing.T) {
	h := newHarness(t)
	if err := h.sched.Mount(context.Background(), fixedContainer(800), btc); err != nil {
		t.Fatal(err)
	}

	if err := h.sched.SetSymbol(context.Background(), models.SeriesKey{Symbol: "BTCUSDT", Interval: "4h"}); err != nil {
		t.Fatal(err)
	}
	if h.backend.opened() != 1 {
		t.Errorf("interval change should not remount, got %d surfaces", h.backend.opened())
	}
	if set, _, _, _ := h.backend.last().counts(); set != 2 {
		t.Errorf("expected a second SetCandles, got %d", set)
	}
}

func TestScheduler_RealtimeToggleWithinPeriod(t *testing.T) {
	h := newHarness(t)
	if err := h.sched.Mount(context.Background(), fixedContainer(800), btc); err != nil {
		t.Fatal(err)
	}

	h.sched.SetRealtime(true)
	h.sched.SetRealtime(false)
	time.Sleep(50 * time.Millisecond)

	if n := h.history.patchCount(); n > 1 {
		t.Errorf("expected at most one patch request, got %d", n)
	}
	if h.sched.Polling() {
		t.Error("poller should be stopped")
	}
	if h.sched.State() != StateReady {
		t.Errorf("expected Ready, got %s", h.sched.State())
	}
}

func TestScheduler_UnchangedTickWritesNothing(t *testing.T) {
	h := newHarness(t)
	if err := h.sched.Mount(context.Background(), fixedContainer(800), btc); err != nil {
		t.Fatal(err)
	}

	h.sched.SetRealtime(true)
	<-h.history.patched
	time.Sleep(20 * time.Millisecond)

	if h.sched.State() != StatePolling {
		t.Fatalf("expected Polling, got %s", h.sched.State())
	}
	set, patch, overlays, _ := h.backend.last().counts()
	if set != 1 || patch != 0 || overlays != 1 {
		t.Errorf("unchanged tick must not touch the surface: set=%d patch=%d overlays=%d", set, patch, overlays)
	}
	if stats := h.sched.Stats(); stats.Ticks != 1 || stats.Changed != 0 || stats.LastTick.IsZero() {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestScheduler_ChangedTickPatchesAndRebuildsOverlay(t *testing.T) {
	h := newHarness(t)
	h.trades.positions = []models.OpenPosition{{Symbol: "BTCUSDT", Size: -2, EntryPrice: 108, CurrentPrice: 109.5, StopLoss: models.Float(112)}}
	if err := h.sched.Mount(context.Background(), fixedContainer(800), btc); err != nil {
		t.Fatal(err)
	}

	candles := testCandles(1_700_000_000, 10, 100)
	last := candles[len(candles)-1]
	last.Close += 3
	h.history.mu.Lock()
	h.history.patch = func(string) ([]models.Candle, error) {
		return []models.Candle{candles[len(candles)-2], last}, nil
	}
	h.history.mu.Unlock()

	h.sched.SetRealtime(true)
	s := h.backend.last()
	waitFor(t, func() bool {
		_, patch, overlays, _ := s.counts()
		return patch == 1 && overlays == 2
	})

	s.mu.Lock()
	got := s.candles[len(s.candles)-1].Close
	s.mu.Unlock()
	if got != last.Close {
		t.Errorf("last close = %v, want %v", got, last.Close)
	}
	if h.sched.Trade().Side != models.SideShort {
		t.Errorf("expected SHORT from negative size, got %s", h.sched.Trade().Side)
	}
	if stats := h.sched.Stats(); stats.Changed != 1 {
		t.Errorf("expected one changed tick, got %+v", stats)
	}
}

func TestScheduler_PollFailureKeepsPolling(t *testing.T) {
	h := newHarness(t)
	if err := h.sched.Mount(context.Background(), fixedContainer(800), btc); err != nil {
		t.Fatal(err)
	}

	h.history.mu.Lock()
	h.history.patch = func(string) ([]models.Candle, error) {
		return nil, apperrors.NewTransportError("/klines", 0, errors.New("connection reset"))
	}
	h.history.mu.Unlock()

	h.sched.SetRealtime(true)
	<-h.history.patched
	time.Sleep(20 * time.Millisecond)

	if h.sched.State() != StatePolling || h.sched.Err() != nil {
		t.Errorf("poll failure must be swallowed, got %s (%v)", h.sched.State(), h.sched.Err())
	}
	if _, _, _, errs := h.backend.last().counts(); errs != 0 {
		t.Errorf("poll failure must not show an error, got %d", errs)
	}
	if stats := h.sched.Stats(); stats.Failed != 1 {
		t.Errorf("expected one failed tick, got %+v", stats)
	}
}

func TestScheduler_RealtimeBeforeMountStartsPollingWhenReady(t *testing.T) {
	h := newHarness(t)
	h.sched.SetRealtime(true)
	if h.sched.Polling() {
		t.Fatal("polling must not start before the first load")
	}

	if err := h.sched.Mount(context.Background(), fixedContainer(800), btc); err != nil {
		t.Fatal(err)
	}
	if h.sched.State() != StatePolling || !h.sched.Polling() {
		t.Errorf("expected Polling after load, got %s", h.sched.State())
	}
}

func TestScheduler_UnmountStopsEverything(t *testing.T) {
	h := newHarness(t)
	var states []State
	h.sched.OnStateChange(func(s State, err error) { states = append(states, s) })

	if err := h.sched.Mount(context.Background(), fixedContainer(800), btc); err != nil {
		t.Fatal(err)
	}
	h.sched.SetRealtime(true)
	<-h.history.patched

	if err := h.sched.Unmount(); err != nil {
		t.Fatalf("Unmount failed: %v", err)
	}
	if err := h.sched.Unmount(); err != nil {
		t.Fatalf("second Unmount should be a no-op, got %v", err)
	}

	if h.sched.State() != StateIdle || h.sched.Polling() {
		t.Errorf("expected Idle without poller, got %s polling=%v", h.sched.State(), h.sched.Polling())
	}
	if !h.backend.last().released {
		t.Error("surface should be released")
	}

	want := []State{StateLoading, StateReady, StatePolling, StateIdle}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}

	if err := h.sched.Reload(context.Background()); !errors.Is(err, apperrors.ErrNotMounted) {
		t.Errorf("Reload after Unmount should fail with ErrNotMounted, got %v", err)
	}
}

func (h *harness) pollToken(t *testing.T) uint64 {
	t.Helper()
	h.sched.mu.Lock()
	defer h.sched.mu.Unlock()
	if h.sched.poll == nil {
		t.Fatal("no live poller")
	}
	return h.sched.poll.token
}

func (h *harness) startPolling(t *testing.T) uint64 {
	t.Helper()
	if err := h.sched.Mount(context.Background(), fixedContainer(800), btc); err != nil {
		t.Fatal(err)
	}
	h.sched.SetRealtime(true)
	<-h.history.patched
	if h.sched.State() != StatePolling {
		t.Fatalf("expected Polling, got %s", h.sched.State())
	}
	return h.pollToken(t)
}

// assertSinglePoller checks that exactly one poller was scheduled after old and
// that a tick carrying old is ignored.
func (h *harness) assertSinglePoller(t *testing.T, old uint64) {
	t.Helper()
	<-h.history.patched

	if h.sched.State() != StatePolling || !h.sched.Polling() {
		t.Fatalf("expected polling to resume, got %s", h.sched.State())
	}
	current := h.pollToken(t)
	h.sched.mu.Lock()
	seq := h.sched.pollSeq
	h.sched.mu.Unlock()
	if current != old+1 || seq != current {
		t.Fatalf("expected exactly one new poller, old=%d current=%d seq=%d", old, current, seq)
	}

	patches := h.history.patchCount()
	ticks := h.sched.Stats().Ticks
	h.sched.tick(context.Background(), old)
	if n := h.history.patchCount(); n != patches {
		t.Errorf("old poller issued a patch request: %d -> %d", patches, n)
	}
	if n := h.sched.Stats().Ticks; n != ticks {
		t.Errorf("old poller tick was counted: %d -> %d", ticks, n)
	}
	if _, patch, _, _ := h.backend.last().counts(); patch != 0 {
		t.Errorf("old poller patched the surface %d times", patch)
	}
}

func TestScheduler_SymbolChangeWhilePollingReplacesPoller(t *testing.T) {
	h := newHarness(t)
	old := h.startPolling(t)

	eth := models.SeriesKey{Symbol: "ETHUSDT", Interval: "1h"}
	if err := h.sched.SetSymbol(context.Background(), eth); err != nil {
		t.Fatalf("SetSymbol failed: %v", err)
	}

	h.assertSinglePoller(t, old)
	if h.sched.Key() != eth {
		t.Errorf("key = %s, want %s", h.sched.Key(), eth)
	}
}

func TestScheduler_IntervalChangeWhilePollingReplacesPoller(t *testing.T) {
	h := newHarness(t)
	old := h.startPolling(t)

	if err := h.sched.SetSymbol(context.Background(), models.SeriesKey{Symbol: "BTCUSDT", Interval: "4h"}); err != nil {
		t.Fatalf("SetSymbol failed: %v", err)
	}

	h.assertSinglePoller(t, old)
	if h.backend.opened() != 1 {
		t.Errorf("interval change should not remount, got %d surfaces", h.backend.opened())
	}
}

func TestScheduler_ReloadWhilePollingReplacesPoller(t *testing.T) {
	h := newHarness(t)
	old := h.startPolling(t)

	if err := h.sched.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	h.assertSinglePoller(t, old)
	if set, _, _, _ := h.backend.last().counts(); set != 2 {
		t.Errorf("expected the reload to set candles again, got %d", set)
	}
}

func TestScheduler_TickOverlappingReloadIsDropped(t *testing.T) {
	h := newHarness(t)
	if err := h.sched.Mount(context.Background(), fixedContainer(800), btc); err != nil {
		t.Fatal(err)
	}

	candles := testCandles(1_700_000_000, 10, 100)
	moved := candles[len(candles)-1]
	moved.Close += 3

	inFlight := make(chan struct{})
	gate := make(chan struct{})
	var calls int
	h.history.mu.Lock()
	h.history.patch = func(string) ([]models.Candle, error) {
		h.history.mu.Lock()
		calls++
		first := calls == 1
		h.history.mu.Unlock()
		if first {
			close(inFlight)
			<-gate
			return []models.Candle{candles[len(candles)-2], moved}, nil
		}
		return candles[len(candles)-2:], nil
	}
	h.history.mu.Unlock()

	h.sched.SetRealtime(true)
	<-inFlight

	if err := h.sched.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	close(gate)
	waitFor(t, func() bool { return h.history.patchCount() == 2 })
	time.Sleep(20 * time.Millisecond)

	_, patch, overlays, _ := h.backend.last().counts()
	if patch != 0 || overlays != 2 {
		t.Errorf("overlapped tick must not touch the surface: patch=%d overlays=%d", patch, overlays)
	}
	if last, _ := h.sched.store.Last(); last.Close != candles[len(candles)-1].Close {
		t.Errorf("store last close = %v, want the reloaded %v", last.Close, candles[len(candles)-1].Close)
	}
	if stats := h.sched.Stats(); stats.Changed != 0 || stats.Failed != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if h.sched.State() != StatePolling {
		t.Errorf("expected Polling, got %s", h.sched.State())
	}
}
