package recurrence

import "time"

func nextMinute(r Rule, from time.Time) (time.Time, bool) {
	step := time.Duration(r.interval()) * time.Minute
	next := at(from, from.Hour(), from.Minute()).Add(step)
	if !next.After(from) {
		next = next.Add(step)
	}
	return next, true
}

func nextHour(r Rule, from time.Time) (time.Time, bool) {
	next := hourCandidate(r, from)
	if !r.WorkdaysOnly {
		return next, true
	}
	// Weekend slots are replaced by the first slot of the following day.
	for i := 0; i < 7 && !IsWorkday(next); i++ {
		next = hourCandidate(r, at(next, 23, 59).Add(59*time.Second))
	}
	return next, IsWorkday(next)
}

func hourCandidate(r Rule, from time.Time) time.Time {
	switch {
	case r.hasRange():
		return intraday(*r.HourRangeStart, *r.HourRangeEnd, r.HourRangeInterval, from)
	case r.Hour != nil:
		step := time.Duration(r.interval()) * time.Hour
		next := at(from, *r.Hour, r.minute())
		for !next.After(from) {
			next = next.Add(step)
			if !sameDay(next, from) {
				return at(addDays(from, 1), *r.Hour, r.minute())
			}
		}
		return next
	default:
		step := r.interval()
		for h := 0; h < 24; h += step {
			if next := at(from, h, r.minute()); next.After(from) {
				return next
			}
		}
		return at(addDays(from, 1), 0, r.minute())
	}
}

// intraday fires every stepMinutes between start (inclusive) and end
// (exclusive), rolling over to the next day's start.
func intraday(start, end TimeOfDay, stepMinutes int, from time.Time) time.Time {
	if stepMinutes <= 0 {
		stepMinutes = 60
	}
	secs := from.Hour()*3600 + from.Minute()*60 + from.Second()
	startSecs := start.Minutes() * 60
	endSecs := end.Minutes() * 60

	if secs < startSecs {
		return at(from, start.Hour, start.Minute)
	}
	if secs < endSecs {
		steps := (secs-startSecs)/(stepMinutes*60) + 1
		m := start.Minutes() + steps*stepMinutes
		if m < end.Minutes() {
			return at(from, m/60, m%60)
		}
	}
	return at(addDays(from, 1), start.Hour, start.Minute)
}

func nextDaily(r Rule, from time.Time) (time.Time, bool) {
	next := at(from, r.hour(), r.minute())
	if !next.After(from) {
		next = at(addDays(from, 1), r.hour(), r.minute())
	}
	if r.WorkdaysOnly {
		next = nextWorkday(next)
	}
	return next, true
}

func nextWeekly(r Rule, from time.Time) (time.Time, bool) {
	for i := 0; i <= 14; i++ {
		next := at(addDays(from, i), r.hour(), r.minute())
		if r.hasDay(WeekdayOf(next.Weekday())) && next.After(from) {
			return next, true
		}
	}
	return time.Time{}, false
}

func nextMonthly(r Rule, from time.Time) (time.Time, bool) {
	for i := 0; i < 24; i++ {
		month := time.Date(from.Year(), from.Month()+time.Month(i), 1, 0, 0, 0, 0, from.Location())
		next, ok := monthlyCandidate(r, month)
		if !ok {
			return time.Time{}, false
		}
		if next.After(from) {
			return next, true
		}
	}
	return time.Time{}, false
}

// monthlyCandidate resolves the firing slot inside the month of first.
func monthlyCandidate(r Rule, first time.Time) (time.Time, bool) {
	year, month := first.Year(), first.Month()
	switch {
	case r.WeekOfMonth != nil && len(r.DaysOfWeek) > 0:
		day := nthWeekday(year, month, r.DaysOfWeek[0], *r.WeekOfMonth, first.Location())
		return at(day, r.hour(), r.minute()), true
	case r.DayOfMonth != nil:
		day := clampDay(year, month, *r.DayOfMonth)
		next := time.Date(year, month, day, r.hour(), r.minute(), 0, 0, first.Location())
		if r.WorkdaysOnly {
			next = nextWorkday(next)
		}
		return next, true
	case r.WorkdaysOnly:
		return nextWorkday(at(first, r.hour(), r.minute())), true
	default:
		return time.Time{}, false
	}
}

// nthWeekday returns the n-th (1-based) occurrence of weekday wd in the
// month. n is at most 4, so the day always exists.
func nthWeekday(year int, month time.Month, wd, n int, loc *time.Location) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	offset := (wd - WeekdayOf(first.Weekday()) + 7) % 7
	return time.Date(year, month, 1+offset+7*(n-1), 0, 0, 0, 0, loc)
}

func nextYearly(r Rule, from time.Time) (time.Time, bool) {
	if r.Month == nil {
		return time.Time{}, false
	}
	month := time.Month(*r.Month)
	dom := 1
	if r.DayOfMonth != nil {
		dom = *r.DayOfMonth
	}
	for i := 0; i < 8; i++ {
		year := from.Year() + i
		next := time.Date(year, month, clampDay(year, month, dom), r.hour(), r.minute(), 0, 0, from.Location())
		if next.After(from) {
			return next, true
		}
	}
	return time.Time{}, false
}

// nextCustom handles "every N days" and, when days of week are chosen,
// "every N weeks on those days". Counting starts at the anchor slot, or at
// from when the series has not fired yet.
func nextCustom(r Rule, from time.Time) (time.Time, bool) {
	anchor := from
	if r.Anchor != nil {
		anchor = r.Anchor.In(from.Location())
	}
	if len(r.DaysOfWeek) > 0 {
		return nextCustomWeekly(r, from, anchor)
	}

	step := int64(r.interval())
	day := from
	if k := civilDay(from) - civilDay(anchor); k < 0 {
		day = anchor
	} else if rem := k % step; rem != 0 {
		day = addDays(from, int(step-rem))
	}
	next := at(day, r.hour(), r.minute())
	if !next.After(from) {
		next = at(addDays(day, int(step)), r.hour(), r.minute())
	}
	if r.WorkdaysOnly {
		next = nextWorkday(next)
	}
	return next, true
}

func nextCustomWeekly(r Rule, from, anchor time.Time) (time.Time, bool) {
	step := int64(r.interval())
	anchorWeek := civilDay(anchor) - int64(WeekdayOf(anchor.Weekday()))
	for i := 0; i <= 7*int(step)+7; i++ {
		next := at(addDays(from, i), r.hour(), r.minute())
		wd := WeekdayOf(next.Weekday())
		if !r.hasDay(wd) || !next.After(from) {
			continue
		}
		if r.WorkdaysOnly && wd >= Saturday {
			continue
		}
		week := civilDay(next) - int64(wd)
		if weeks := (week - anchorWeek) / 7; weeks >= 0 && weeks%step == 0 {
			return next, true
		}
	}
	return time.Time{}, false
}
