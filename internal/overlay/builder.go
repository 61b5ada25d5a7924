// Package overlay derives trade reference lines and shaded risk/reward zones.
//
// Build is a pure function of its Input: the same trade, series, visible range and
// clock always yield the same Overlay. Nothing is cached between calls.
package overlay

import (
	"math"
	"time"

	"tradechart/internal/models"
	"tradechart/pkg/utils"
)

// Style holds the overlay palette.
type Style struct {
	ProfitColor string
	LossColor   string
	HighOpacity float64
	LowOpacity  float64
}

// DefaultStyle returns the default palette.
func DefaultStyle() Style {
	return Style{
		ProfitColor: "#26a69a",
		LossColor:   "#ef5350",
		HighOpacity: 0.35,
		LowOpacity:  0.12,
	}
}

// Alpha maps an opacity tier to its configured opacity.
func (s Style) Alpha(o models.Opacity) float64 {
	if o == models.OpacityHigh {
		return s.HighOpacity
	}
	return s.LowOpacity
}

// Input is everything an overlay depends on.
type Input struct {
	Trade   *models.TradeSnapshot
	Series  models.PriceSeries
	Visible *models.TimeRange
	Now     time.Time
}

// Builder turns trade snapshots into overlays.
type Builder struct {
	style Style
}

// NewBuilder creates a builder with the given palette.
func NewBuilder(style Style) *Builder {
	return &Builder{style: style}
}

// Style returns the builder palette.
func (b *Builder) Style() Style {
	return b.style
}

// Build derives the overlay for in. A nil trade yields an empty overlay.
func (b *Builder) Build(in Input) models.Overlay {
	window := Window(in.Trade, in.Series, in.Visible, in.Now)
	out := models.Overlay{Window: window}

	t := in.Trade
	if t == nil || t.EntryPrice <= 0 {
		return out
	}

	out.ReferenceLines = append(out.ReferenceLines, b.entryLine(t))

	if t.StopLoss != nil {
		out.ReferenceLines = append(out.ReferenceLines, b.stopLine(t))
		if zone, ok := b.zone(t, models.LineStop, *t.StopLoss, b.style.LossColor, window); ok {
			out.Zones = append(out.Zones, zone)
		}
	}
	if t.TakeProfit != nil {
		out.ReferenceLines = append(out.ReferenceLines, b.targetLine(t))
		if zone, ok := b.zone(t, models.LineTarget, *t.TakeProfit, b.style.ProfitColor, window); ok {
			out.Zones = append(out.Zones, zone)
		}
	}
	return out
}

func (b *Builder) entryLine(t *models.TradeSnapshot) models.OverlayLine {
	line := models.OverlayLine{
		Kind:  models.LineEntry,
		Price: t.EntryPrice,
		Color: b.style.LossColor,
		Title: "Entry",
	}
	if t.CurrentPnLUSD != nil {
		line.Title = "Entry " + utils.FormatSignedUSD(*t.CurrentPnLUSD)
		// zero PnL stays on the loss color
		if *t.CurrentPnLUSD > 0 {
			line.Color = b.style.ProfitColor
		}
	}
	return line
}

func (b *Builder) stopLine(t *models.TradeSnapshot) models.OverlayLine {
	stop := *t.StopLoss
	title := "SL -" + utils.FormatPrice(utils.RoundTo(math.Abs(t.EntryPrice-stop), t.Precision), t.Precision)
	if t.TakeProfitValueUSD != nil && t.StopLossRatio != nil && *t.StopLossRatio != 0 {
		title = "SL " + utils.FormatSignedUSD(-math.Abs(*t.TakeProfitValueUSD / *t.StopLossRatio))
	}
	return models.OverlayLine{
		Kind:  models.LineStop,
		Price: stop,
		Color: b.style.LossColor,
		Title: title,
	}
}

func (b *Builder) targetLine(t *models.TradeSnapshot) models.OverlayLine {
	target := *t.TakeProfit
	title := "TP +" + utils.FormatPrice(utils.RoundTo(math.Abs(target-t.EntryPrice), t.Precision), t.Precision)
	if t.TakeProfitValueUSD != nil {
		title = "TP " + utils.FormatSignedUSD(math.Abs(*t.TakeProfitValueUSD))
	}
	return models.OverlayLine{
		Kind:  models.LineTarget,
		Price: target,
		Color: b.style.ProfitColor,
		Title: title,
	}
}

func (b *Builder) zone(t *models.TradeSnapshot, kind models.LineKind, boundary float64, color string, window models.TimeRange) (models.ShadedZone, bool) {
	if boundary == t.EntryPrice {
		return models.ShadedZone{}, false
	}

	current := t.CurrentPrice
	if current <= 0 {
		current = t.EntryPrice
	}

	return models.ShadedZone{
		Kind:          kind,
		LowerBound:    math.Min(t.EntryPrice, boundary),
		UpperBound:    math.Max(t.EntryPrice, boundary),
		ExcursionLow:  math.Min(t.EntryPrice, current),
		ExcursionHigh: math.Max(t.EntryPrice, current),
		Color:         color,
		Window:        window,
	}, true
}
