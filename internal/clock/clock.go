// Package clock owns the reporting zone. Every instant used for recurrence
// arithmetic or persisted on a schedule passes through Zoned or Parse.
package clock

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// Clock returns "now" in the reporting zone.
type Clock interface {
	Now() time.Time
	Location() *time.Location
}

type zoneClock struct {
	loc *time.Location
	now func() time.Time
}

// New returns a wall clock bound to the named IANA zone.
func New(zone string) (Clock, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("failed to load reporting zone %q: %w", zone, err)
	}
	return &zoneClock{loc: loc, now: time.Now}, nil
}

func (c *zoneClock) Now() time.Time          { return c.now().In(c.loc) }
func (c *zoneClock) Location() *time.Location { return c.loc }

// Fixed is a clock frozen at a settable instant. Used by tests and by the
// CLI preview command.
type Fixed struct {
	At  time.Time
	Loc *time.Location
}

func NewFixed(at time.Time, loc *time.Location) *Fixed {
	return &Fixed{At: at.In(loc), Loc: loc}
}

func (f *Fixed) Now() time.Time          { return f.At.In(f.Loc) }
func (f *Fixed) Location() *time.Location { return f.Loc }

// Advance moves the frozen instant forward.
func (f *Fixed) Advance(d time.Duration) { f.At = f.At.Add(d) }

// Zoned returns t expressed in loc. The instant is unchanged; only the
// presentation zone moves. Zero times stay zero.
func Zoned(t time.Time, loc *time.Location) time.Time {
	if t.IsZero() {
		return t
	}
	return t.In(loc)
}

// ZonedPtr is Zoned for optional instants.
func ZonedPtr(t *time.Time, loc *time.Location) *time.Time {
	if t == nil {
		return nil
	}
	z := Zoned(*t, loc)
	return &z
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Parse reads a timestamp. Inputs carrying an offset (RFC 3339) keep their
// instant; naive inputs are interpreted as wall-clock time in loc. The
// result is always expressed in loc.
func Parse(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}
