// Package surface owns the chart rendering surface and its drawable series.
package surface

import (
	"sync"

	"github.com/rs/zerolog"

	apperrors "tradechart/internal/errors"
	"tradechart/internal/logging"
	"tradechart/internal/models"
	"tradechart/internal/timefmt"
)

// DefaultFallbackWidth is used when a container is mounted before it has a layout.
const DefaultFallbackWidth = 800

// Container is the region a surface is mounted into. Width is zero until laid out.
type Container interface {
	Width() int
}

// Surface is a live rendering surface with one candlestick series and one overlay layer.
type Surface interface {
	Resize(width, height int) error
	SetCandles(series models.PriceSeries) error
	UpdateLastCandle(c models.Candle) error
	// ReplaceOverlay removes every reference line and zone and draws o in one batch.
	ReplaceOverlay(o models.Overlay) error
	ShowError(message string) error
	ApplyLocale(f timefmt.Formatter) error
	VisibleRange() (models.TimeRange, bool)
	Release() error
}

// Backend creates surfaces.
type Backend interface {
	Open(c Container, width, height int, f timefmt.Formatter) (Surface, error)
}

// ManagerConfig holds configuration for the Manager.
type ManagerConfig struct {
	Backend       Backend
	Zone          *timefmt.Zone
	FallbackWidth int
	Logger        zerolog.Logger
}

// Manager owns at most one mounted surface. All surface mutation goes through it.
type Manager struct {
	backend       Backend
	zone          *timefmt.Zone
	fallbackWidth int
	logger        zerolog.Logger

	mu             sync.Mutex
	surface        Surface
	height         int
	awaitingLayout bool
	unsubscribe    func()
}

// NewManager creates a new surface manager.
func NewManager(cfg ManagerConfig) *Manager {
	width := cfg.FallbackWidth
	if width <= 0 {
		width = DefaultFallbackWidth
	}
	return &Manager{
		backend:       cfg.Backend,
		zone:          cfg.Zone,
		fallbackWidth: width,
		logger:        logging.WithComponent(cfg.Logger, "surface"),
	}
}

func (m *Manager) formatter() timefmt.Formatter {
	if m.zone == nil {
		return timefmt.NewFormatter(nil)
	}
	return m.zone.Formatter()
}

// Mount creates the surface inside c. A container without a layout is mounted at the
// fallback width and picks up its real width on the first Resize.
func (m *Manager) Mount(c Container, height int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.surface != nil {
		return apperrors.ErrAlreadyMounted
	}

	width := c.Width()
	awaiting := width <= 0
	if awaiting {
		width = m.fallbackWidth
	}

	s, err := m.backend.Open(c, width, height, m.formatter())
	if err != nil {
		return apperrors.Wrap(err, "opening surface")
	}

	m.surface = s
	m.height = height
	m.awaitingLayout = awaiting
	if m.zone != nil {
		m.unsubscribe = m.zone.Subscribe(m.applyLocale)
	}

	m.logger.Debug().Int("width", width).Int("height", height).Bool("awaiting_layout", awaiting).Msg("Surface mounted")
	return nil
}

// Resize applies a new container width. View state is left alone.
func (m *Manager) Resize(width int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.surface == nil {
		return apperrors.ErrNotMounted
	}
	if width <= 0 {
		return nil
	}
	m.awaitingLayout = false
	return m.surface.Resize(width, m.height)
}

// SetCandles replaces the candlestick data wholesale.
func (m *Manager) SetCandles(series models.PriceSeries) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.surface == nil {
		return apperrors.ErrNotMounted
	}
	return m.surface.SetCandles(series.Clone())
}

// PatchLastCandle updates only the last point.
func (m *Manager) PatchLastCandle(c models.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.surface == nil {
		return apperrors.ErrNotMounted
	}
	return m.surface.UpdateLastCandle(c)
}

// ApplyOverlay swaps the whole overlay in one batch.
func (m *Manager) ApplyOverlay(o models.Overlay) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.surface == nil {
		return apperrors.ErrNotMounted
	}
	return m.surface.ReplaceOverlay(o)
}

// ShowError replaces the chart with a visible error state.
func (m *Manager) ShowError(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.surface == nil {
		return apperrors.ErrNotMounted
	}
	return m.surface.ShowError(apperrors.Kind(err) + ": " + err.Error())
}

// VisibleRange returns the time range currently shown, if any.
func (m *Manager) VisibleRange() *models.TimeRange {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.surface == nil {
		return nil
	}
	r, ok := m.surface.VisibleRange()
	if !ok {
		return nil
	}
	return &r
}

// Teardown releases the surface. It must be paired with exactly one Mount.
func (m *Manager) Teardown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.surface == nil {
		return apperrors.ErrNotMounted
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	err := m.surface.Release()
	m.surface = nil
	m.awaitingLayout = false
	m.logger.Debug().Msg("Surface released")
	return err
}

// Mounted reports whether a surface is live.
func (m *Manager) Mounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.surface != nil
}

// AwaitingLayout reports whether the surface still runs at the fallback width.
func (m *Manager) AwaitingLayout() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.awaitingLayout
}

// applyLocale re-applies axis and tooltip formatting after a zone change.
func (m *Manager) applyLocale(f timefmt.Formatter) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.surface == nil {
		return
	}
	if err := m.surface.ApplyLocale(f); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to apply locale")
	}
}
