package surface

import (
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"tradechart/internal/models"
	"tradechart/internal/overlay"
	"tradechart/internal/timefmt"
)

const (
	labelFontSize = 9.0
	errorFontSize = 14.0
	rangePadding  = 0.05
)

// GoChartBackend renders surfaces to PNG frames with go-chart.
type GoChartBackend struct {
	Style     overlay.Style
	UpColor   string
	DownColor string
}

// NewGoChartBackend creates a backend using style for the overlay.
func NewGoChartBackend(style overlay.Style) *GoChartBackend {
	return &GoChartBackend{
		Style:     style,
		UpColor:   style.ProfitColor,
		DownColor: style.LossColor,
	}
}

// Open implements Backend. The container must be a Sink.
func (b *GoChartBackend) Open(c Container, width, height int, f timefmt.Formatter) (Surface, error) {
	sink, ok := c.(Sink)
	if !ok {
		return nil, fmt.Errorf("container %T cannot receive frames", c)
	}
	return &chartSurface{
		sink:      sink,
		width:     width,
		height:    height,
		formatter: f,
		style:     b.Style,
		up:        hexColor(b.UpColor),
		down:      hexColor(b.DownColor),
	}, nil
}

// chartSurface keeps the drawable state and re-renders a frame after every change.
type chartSurface struct {
	mu        sync.Mutex
	sink      Sink
	width     int
	height    int
	formatter timefmt.Formatter
	style     overlay.Style
	up, down  drawing.Color

	candles  models.PriceSeries
	overlay  models.Overlay
	errMsg   string
	released bool
}

func (s *chartSurface) Resize(width, height int) error {
	return s.update(func() {
		s.width, s.height = width, height
	})
}

func (s *chartSurface) SetCandles(series models.PriceSeries) error {
	return s.update(func() {
		s.candles = series
		s.errMsg = ""
	})
}

func (s *chartSurface) UpdateLastCandle(c models.Candle) error {
	return s.update(func() {
		n := len(s.candles)
		if n > 0 && s.candles[n-1].Time == c.Time {
			s.candles[n-1] = c
			return
		}
		s.candles = append(s.candles, c)
	})
}

func (s *chartSurface) ReplaceOverlay(o models.Overlay) error {
	return s.update(func() {
		s.overlay = o
	})
}

func (s *chartSurface) ShowError(message string) error {
	return s.update(func() {
		s.errMsg = message
	})
}

func (s *chartSurface) ApplyLocale(f timefmt.Formatter) error {
	return s.update(func() {
		s.formatter = f
	})
}

func (s *chartSurface) VisibleRange() (models.TimeRange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.candles.Range()
}

func (s *chartSurface) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return fmt.Errorf("surface already released")
	}
	s.released = true
	s.candles = nil
	s.overlay = models.Overlay{}
	return nil
}

func (s *chartSurface) update(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return fmt.Errorf("surface released")
	}
	fn()
	return s.flush()
}

// flush writes the current frame. Nothing is written before the first candles arrive.
func (s *chartSurface) flush() error {
	switch {
	case s.errMsg != "":
		return s.sink.WriteFrame(s.renderError)
	case len(s.candles) == 0:
		return nil
	default:
		return s.sink.WriteFrame(s.render)
	}
}

func (s *chartSurface) render(w io.Writer) error {
	xr, yr := s.ranges()
	formatter := s.formatter

	series := []chart.Series{
		zoneSeries{zones: s.overlay.Zones, style: s.style},
		candleSeries{candles: s.candles, up: s.up, down: s.down},
		lineSeries{lines: s.overlay.ReferenceLines, window: s.overlay.Window},
	}

	graph := chart.Chart{
		Width:  s.width,
		Height: s.height,
		Background: chart.Style{
			Padding: chart.Box{Top: 20, Left: 10, Right: 10, Bottom: 10},
		},
		XAxis: chart.XAxis{
			Range: &chart.ContinuousRange{Min: xr[0], Max: xr[1]},
			ValueFormatter: func(v interface{}) string {
				if f, ok := v.(float64); ok {
					return formatter.Tick(int64(f))
				}
				return ""
			},
		},
		YAxis: chart.YAxis{
			Range: &chart.ContinuousRange{Min: yr[0], Max: yr[1]},
			ValueFormatter: func(v interface{}) string {
				if f, ok := v.(float64); ok {
					return fmt.Sprintf("%.2f", f)
				}
				return ""
			},
		},
		Series: series,
	}
	return graph.Render(chart.PNG, w)
}

// ranges returns the x (unix seconds) and y (price) extents covering candles and overlay.
func (s *chartSurface) ranges() ([2]float64, [2]float64) {
	first, last := s.candles[0], s.candles[len(s.candles)-1]
	xmin, xmax := float64(first.Time), float64(last.Time)
	if len(s.candles) > 1 {
		xmax += float64(last.Time - s.candles[len(s.candles)-2].Time)
	}

	ymin, ymax := math.MaxFloat64, -math.MaxFloat64
	for _, c := range s.candles {
		ymin = math.Min(ymin, c.Low)
		ymax = math.Max(ymax, c.High)
	}

	if s.overlay.Window.Valid() {
		xmin = math.Min(xmin, float64(s.overlay.Window.From))
		xmax = math.Max(xmax, float64(s.overlay.Window.To))
	}
	for _, l := range s.overlay.ReferenceLines {
		ymin = math.Min(ymin, l.Price)
		ymax = math.Max(ymax, l.Price)
	}
	for _, z := range s.overlay.Zones {
		ymin = math.Min(ymin, z.LowerBound)
		ymax = math.Max(ymax, z.UpperBound)
	}

	if xmax <= xmin {
		xmax = xmin + 60
	}
	pad := (ymax - ymin) * rangePadding
	if pad == 0 {
		pad = math.Max(math.Abs(ymax)*rangePadding, 1)
	}
	return [2]float64{xmin, xmax}, [2]float64{ymin - pad, ymax + pad}
}

func (s *chartSurface) renderError(w io.Writer) error {
	r, err := chart.PNG(s.width, s.height)
	if err != nil {
		return err
	}

	r.SetFillColor(drawing.ColorWhite)
	r.MoveTo(0, 0)
	r.LineTo(s.width, 0)
	r.LineTo(s.width, s.height)
	r.LineTo(0, s.height)
	r.Close()
	r.Fill()

	if font, err := chart.GetDefaultFont(); err == nil {
		r.SetFont(font)
		r.SetFontColor(s.down)
		r.SetFontSize(errorFontSize)
		r.Text(s.errMsg, 20, s.height/2)
	}
	return r.Save(w)
}

// candleSeries draws OHLC wicks and bodies.
type candleSeries struct {
	candles  models.PriceSeries
	up, down drawing.Color
}

func (cs candleSeries) GetName() string { return "candles" }
func (cs candleSeries) GetYAxis() chart.YAxisType { return chart.YAxisPrimary }
func (cs candleSeries) GetStyle() chart.Style { return chart.Style{} }
func (cs candleSeries) Validate() error { return nil }

func (cs candleSeries) Render(r chart.Renderer, box chart.Box, xrange, yrange chart.Range, _ chart.Style) {
	if len(cs.candles) == 0 {
		return
	}
	half := 1
	if len(cs.candles) > 1 {
		step := xrange.Translate(float64(cs.candles[1].Time)) - xrange.Translate(float64(cs.candles[0].Time))
		if h := int(float64(step) * 0.35); h > half {
			half = h
		}
	}
	y := func(v float64) int { return box.Bottom - yrange.Translate(v) }

	for _, c := range cs.candles {
		x := box.Left + xrange.Translate(float64(c.Time))
		color := cs.up
		if c.Close < c.Open {
			color = cs.down
		}

		r.SetStrokeColor(color)
		r.SetStrokeWidth(1)
		r.MoveTo(x, y(c.High))
		r.LineTo(x, y(c.Low))
		r.Stroke()

		top, bottom := y(math.Max(c.Open, c.Close)), y(math.Min(c.Open, c.Close))
		if bottom <= top {
			bottom = top + 1
		}
		r.SetFillColor(color)
		r.MoveTo(x-half, top)
		r.LineTo(x+half, top)
		r.LineTo(x+half, bottom)
		r.LineTo(x-half, bottom)
		r.Close()
		r.FillStroke()
	}
}

// zoneSeries fills each zone as translucent bands, one per opacity tier.
type zoneSeries struct {
	zones []models.ShadedZone
	style overlay.Style
}

func (zs zoneSeries) GetName() string { return "zones" }
func (zs zoneSeries) GetYAxis() chart.YAxisType { return chart.YAxisPrimary }
func (zs zoneSeries) GetStyle() chart.Style { return chart.Style{} }
func (zs zoneSeries) Validate() error { return nil }

func (zs zoneSeries) Render(r chart.Renderer, box chart.Box, xrange, yrange chart.Range, _ chart.Style) {
	for _, z := range zs.zones {
		left := box.Left + xrange.Translate(float64(z.Window.From))
		right := box.Left + xrange.Translate(float64(z.Window.To))
		base := hexColor(z.Color)

		for _, band := range z.Bands() {
			top := box.Bottom - yrange.Translate(band.Upper)
			bottom := box.Bottom - yrange.Translate(band.Lower)
			if bottom <= top {
				bottom = top + 1
			}
			r.SetFillColor(base.WithAlpha(uint8(zs.style.Alpha(band.Opacity) * 255)))
			r.MoveTo(left, top)
			r.LineTo(right, top)
			r.LineTo(right, bottom)
			r.LineTo(left, bottom)
			r.Close()
			r.Fill()
		}
	}
}

// lineSeries draws the reference lines with their titles.
type lineSeries struct {
	lines  []models.OverlayLine
	window models.TimeRange
}

func (ls lineSeries) GetName() string { return "reference" }
func (ls lineSeries) GetYAxis() chart.YAxisType { return chart.YAxisPrimary }
func (ls lineSeries) GetStyle() chart.Style { return chart.Style{} }
func (ls lineSeries) Validate() error { return nil }

func (ls lineSeries) Render(r chart.Renderer, box chart.Box, xrange, yrange chart.Range, _ chart.Style) {
	if len(ls.lines) == 0 {
		return
	}
	left := box.Left + xrange.Translate(float64(ls.window.From))
	right := box.Left + xrange.Translate(float64(ls.window.To))
	font, fontErr := chart.GetDefaultFont()

	for _, l := range ls.lines {
		color := hexColor(l.Color)
		y := box.Bottom - yrange.Translate(l.Price)

		r.SetStrokeColor(color)
		r.SetStrokeWidth(1.5)
		if l.Kind == models.LineEntry {
			r.SetStrokeDashArray(nil)
		} else {
			r.SetStrokeDashArray([]float64{6, 4})
		}
		r.MoveTo(left, y)
		r.LineTo(right, y)
		r.Stroke()

		if fontErr == nil && l.Title != "" {
			r.SetFont(font)
			r.SetFontColor(color)
			r.SetFontSize(labelFontSize)
			r.Text(l.Title, left+4, y-3)
		}
	}
	r.SetStrokeDashArray(nil)
}

func hexColor(hex string) drawing.Color {
	return drawing.ColorFromHex(strings.TrimPrefix(hex, "#"))
}
