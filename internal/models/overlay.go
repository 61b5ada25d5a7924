package models

import "math"

// LineKind identifies a reference line.
type LineKind string

const (
	LineEntry  LineKind = "ENTRY"
	LineStop   LineKind = "STOP"
	LineTarget LineKind = "TARGET"
)

// OverlayLine is a horizontal reference price line drawn across the overlay window.
type OverlayLine struct {
	Kind  LineKind
	Price float64
	Color string
	Title string
}

// Opacity is the tier a zone step is drawn with.
type Opacity string

const (
	OpacityHigh Opacity = "HIGH"
	OpacityLow  Opacity = "LOW"
)

// ZoneStrip is one thin constant-price line of a rasterized zone.
type ZoneStrip struct {
	Price   float64
	Opacity Opacity
}

// ZoneBand is a contiguous price band sharing one opacity tier.
type ZoneBand struct {
	Lower   float64
	Upper   float64
	Opacity Opacity
}

const (
	zoneStepsPerUnit = 5000
	zoneMinSteps     = 200
)

// ShadedZone is the band between the entry and a boundary price (stop or target).
// Prices inside [ExcursionLow, ExcursionHigh] have already been traversed by the
// position and are drawn with the high opacity tier.
type ShadedZone struct {
	Kind          LineKind
	LowerBound    float64
	UpperBound    float64
	ExcursionLow  float64
	ExcursionHigh float64
	Color         string
	Window        TimeRange
}

// Steps returns the number of subdivisions of the zone's price interval.
func (z ShadedZone) Steps() int {
	n := int(math.Floor(math.Abs(z.UpperBound-z.LowerBound) * zoneStepsPerUnit))
	if n < zoneMinSteps {
		n = zoneMinSteps
	}
	return n
}

// OpacityAt returns the tier for a price inside the zone.
func (z ShadedZone) OpacityAt(price float64) Opacity {
	if price >= z.ExcursionLow && price <= z.ExcursionHigh {
		return OpacityHigh
	}
	return OpacityLow
}

// Strips rasterizes the zone into Steps()+1 constant-price lines covering
// [LowerBound, UpperBound]. Backends without a filled-band primitive draw these.
func (z ShadedZone) Strips() []ZoneStrip {
	n := z.Steps()
	delta := z.UpperBound - z.LowerBound
	strips := make([]ZoneStrip, 0, n+1)
	for i := 0; i <= n; i++ {
		price := z.LowerBound + delta*float64(i)/float64(n)
		strips = append(strips, ZoneStrip{Price: price, Opacity: z.OpacityAt(price)})
	}
	return strips
}

// Bands returns the zone as at most three contiguous bands, ordered bottom-up.
func (z ShadedZone) Bands() []ZoneBand {
	lo := math.Max(z.LowerBound, z.ExcursionLow)
	hi := math.Min(z.UpperBound, z.ExcursionHigh)
	if lo > hi {
		return []ZoneBand{{Lower: z.LowerBound, Upper: z.UpperBound, Opacity: OpacityLow}}
	}

	var bands []ZoneBand
	if lo > z.LowerBound {
		bands = append(bands, ZoneBand{Lower: z.LowerBound, Upper: lo, Opacity: OpacityLow})
	}
	bands = append(bands, ZoneBand{Lower: lo, Upper: hi, Opacity: OpacityHigh})
	if hi < z.UpperBound {
		bands = append(bands, ZoneBand{Lower: hi, Upper: z.UpperBound, Opacity: OpacityLow})
	}
	return bands
}

// Overlay is the full set of trade annotations for one chart.
type Overlay struct {
	Window         TimeRange
	ReferenceLines []OverlayLine
	Zones          []ShadedZone
}

// Empty reports whether there is nothing to draw.
func (o Overlay) Empty() bool {
	return len(o.ReferenceLines) == 0 && len(o.Zones) == 0
}
