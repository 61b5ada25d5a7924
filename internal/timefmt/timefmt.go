// Package timefmt formats chart timestamps under an externally supplied IANA timezone.
package timefmt

import (
	"sync"
	"time"

	apperrors "tradechart/internal/errors"
)

const (
	tickLayout    = "15:04"
	dayLayout     = "02 Jan"
	tooltipLayout = "Mon 02 Jan 2006 15:04 MST"
)

// Formatter renders unix-second timestamps in one location.
type Formatter struct {
	Location *time.Location
}

// NewFormatter returns a formatter for loc, defaulting to UTC.
func NewFormatter(loc *time.Location) Formatter {
	if loc == nil {
		loc = time.UTC
	}
	return Formatter{Location: loc}
}

func (f Formatter) at(ts int64) time.Time {
	loc := f.Location
	if loc == nil {
		loc = time.UTC
	}
	return time.Unix(ts, 0).In(loc)
}

// Tick returns a short axis label: the clock time, or the date at local midnight.
func (f Formatter) Tick(ts int64) string {
	t := f.at(ts)
	if t.Hour() == 0 && t.Minute() == 0 {
		return t.Format(dayLayout)
	}
	return t.Format(tickLayout)
}

// Tooltip returns the full label used for crosshair tooltips.
func (f Formatter) Tooltip(ts int64) string {
	return f.at(ts).Format(tooltipLayout)
}

// Zone is the observable timezone context.
type Zone struct {
	mu        sync.RWMutex
	name      string
	loc       *time.Location
	nextID    int
	listeners map[int]func(Formatter)
}

// NewZone creates a zone context for name.
func NewZone(name string) (*Zone, error) {
	loc, err := load(name)
	if err != nil {
		return nil, err
	}
	return &Zone{
		name:      name,
		loc:       loc,
		listeners: make(map[int]func(Formatter)),
	}, nil
}

func load(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrUnknownTimezone, "%q", name)
	}
	return loc, nil
}

// Name returns the IANA zone name.
func (z *Zone) Name() string {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.name
}

// Formatter returns a formatter for the current zone.
func (z *Zone) Formatter() Formatter {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return NewFormatter(z.loc)
}

// Set switches the zone and notifies subscribers. Setting the current zone is a no-op.
func (z *Zone) Set(name string) error {
	loc, err := load(name)
	if err != nil {
		return err
	}

	z.mu.Lock()
	if name == z.name {
		z.mu.Unlock()
		return nil
	}
	z.name = name
	z.loc = loc
	listeners := make([]func(Formatter), 0, len(z.listeners))
	for _, fn := range z.listeners {
		listeners = append(listeners, fn)
	}
	z.mu.Unlock()

	f := NewFormatter(loc)
	for _, fn := range listeners {
		fn(f)
	}
	return nil
}

// Subscribe registers fn for zone changes and returns a func that removes it.
func (z *Zone) Subscribe(fn func(Formatter)) func() {
	z.mu.Lock()
	id := z.nextID
	z.nextID++
	z.listeners[id] = fn
	z.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			z.mu.Lock()
			delete(z.listeners, id)
			z.mu.Unlock()
		})
	}
}

// Subscribers returns the number of registered listeners.
func (z *Zone) Subscribers() int {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return len(z.listeners)
}
