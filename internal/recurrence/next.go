package recurrence

import "time"

// Calculator evaluates rules in a fixed reporting zone.
type Calculator struct {
	loc *time.Location
}

func NewCalculator(loc *time.Location) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return &Calculator{loc: loc}
}

func (c *Calculator) Location() *time.Location { return c.loc }

// Next returns the smallest instant strictly after from that satisfies r,
// with zero seconds. ok is false when r does not recur, the end date has
// been reached, or no instant exists.
func (c *Calculator) Next(r Rule, from time.Time) (next time.Time, ok bool) {
	from = from.In(c.loc)
	if r.EndDate != nil && !r.EndDate.After(from) {
		return time.Time{}, false
	}

	switch r.Type {
	case Minute:
		next, ok = nextMinute(r, from)
	case Hour:
		next, ok = nextHour(r, from)
	case Daily:
		next, ok = nextDaily(r, from)
	case Weekly:
		next, ok = nextWeekly(r, from)
	case Monthly:
		next, ok = nextMonthly(r, from)
	case Yearly:
		next, ok = nextYearly(r, from)
	case Custom:
		next, ok = nextCustom(r, from)
	default:
		return time.Time{}, false
	}
	if !ok || !next.After(from) {
		return time.Time{}, false
	}
	if r.EndDate != nil && !r.EndDate.After(next) {
		return time.Time{}, false
	}
	return next, true
}

// Upcoming chains Next n times starting at from.
func (c *Calculator) Upcoming(r Rule, from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		next, ok := c.Next(r, from)
		if !ok {
			break
		}
		out = append(out, next)
		anchor := next
		r.Anchor = &anchor
		from = next
	}
	return out
}

// at builds the wall-clock instant h:m on t's calendar day, in t's zone.
func at(t time.Time, h, m int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), h, m, 0, 0, t.Location())
}

// addDays moves t by n calendar days keeping the wall clock.
func addDays(t time.Time, n int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+n, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// civilDay numbers calendar days independently of zone offsets and DST.
func civilDay(t time.Time) int64 {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix() / 86400
}

func lastDayOfMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// LastDayOfMonth is exported for callers asserting month-end firings.
func LastDayOfMonth(year int, month time.Month) int { return lastDayOfMonth(year, month) }

func clampDay(year int, month time.Month, day int) int {
	last := lastDayOfMonth(year, month)
	if day == LastDay || day > last {
		return last
	}
	if day < 1 {
		return 1
	}
	return day
}

func nextWorkday(t time.Time) time.Time {
	for !IsWorkday(t) {
		t = addDays(t, 1)
	}
	return t
}
