// Package recurrence computes the next firing instant of a report schedule.
//
// All computations happen in a single reporting zone with one-minute
// granularity. Each rule variant is a pure function of (rule, from).
package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Type string

const (
	None    Type = "none"
	Minute  Type = "minute"
	Hour    Type = "hour"
	Daily   Type = "daily"
	Weekly  Type = "weekly"
	Monthly Type = "monthly"
	Yearly  Type = "yearly"
	Custom  Type = "custom"
)

// Types lists every recurrence type in declaration order.
var Types = []Type{None, Minute, Hour, Daily, Weekly, Monthly, Yearly, Custom}

func (t Type) Valid() bool {
	for _, v := range Types {
		if v == t {
			return true
		}
	}
	return false
}

// LastDay is the dayOfMonth sentinel meaning "last day of the month".
const LastDay = -1

// Weekday numbering used by schedules: 0 = Monday ... 6 = Sunday.
const (
	Monday = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

// WeekdayOf converts a Go weekday to schedule numbering.
func WeekdayOf(d time.Weekday) int {
	return (int(d) + 6) % 7
}

// IsWorkday reports whether t falls Monday through Friday.
func IsWorkday(t time.Time) bool {
	return WeekdayOf(t.Weekday()) < Saturday
}

// TimeOfDay is a wall-clock minute of the day.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay accepts "HH:MM" or "HH:MM:SS" (seconds ignored).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// Minutes returns minutes since midnight.
func (t TimeOfDay) Minutes() int { return t.Hour*60 + t.Minute }

func (t TimeOfDay) Before(o TimeOfDay) bool { return t.Minutes() < o.Minutes() }

// Rule is the recurrence configuration of a schedule. Optional numeric
// fields are pointers so "unset" differs from zero.
type Rule struct {
	Type         Type
	Interval     int
	Minute       *int
	Hour         *int
	DaysOfWeek   []int
	DayOfMonth   *int
	WeekOfMonth  *int
	Month        *int
	WorkdaysOnly bool

	HourRangeStart    *TimeOfDay
	HourRangeEnd      *TimeOfDay
	HourRangeInterval int

	EndDate *time.Time

	// Anchor is the slot the series last fired at. Only custom rules use it,
	// to keep "every N days/weeks" counting from the series instead of from
	// the moment the dispatcher woke up.
	Anchor *time.Time
}

func (r Rule) interval() int {
	if r.Interval < 1 {
		return 1
	}
	return r.Interval
}

func (r Rule) minute() int {
	if r.Minute == nil {
		return 0
	}
	return *r.Minute
}

func (r Rule) hour() int {
	if r.Hour == nil {
		return 0
	}
	return *r.Hour
}

func (r Rule) hasRange() bool {
	return r.HourRangeStart != nil && r.HourRangeEnd != nil
}

func (r Rule) hasDay(wd int) bool {
	for _, d := range r.DaysOfWeek {
		if d == wd {
			return true
		}
	}
	return false
}

// Check reports the structural problems that make the rule unusable,
// keyed by field name. A nil map means the rule is consistent.
func (r Rule) Check() map[string]string {
	problems := map[string]string{}
	if !r.Type.Valid() {
		problems["recurrence_type"] = fmt.Sprintf("unknown recurrence type %q", r.Type)
		return problems
	}
	if r.Interval < 0 {
		problems["interval"] = "must be a positive integer"
	}
	if r.Minute != nil && (*r.Minute < 0 || *r.Minute > 59) {
		problems["minute"] = "must be between 0 and 59"
	}
	if r.Hour != nil && (*r.Hour < 0 || *r.Hour > 23) {
		problems["hour"] = "must be between 0 and 23"
	}
	if r.DayOfMonth != nil && *r.DayOfMonth != LastDay && (*r.DayOfMonth < 1 || *r.DayOfMonth > 31) {
		problems["day_of_month"] = "must be between 1 and 31, or -1 for the last day"
	}
	if r.WeekOfMonth != nil && (*r.WeekOfMonth < 1 || *r.WeekOfMonth > 4) {
		problems["week_of_month"] = "must be between 1 and 4"
	}
	if r.Month != nil && (*r.Month < 1 || *r.Month > 12) {
		problems["month"] = "must be between 1 and 12"
	}
	for _, d := range r.DaysOfWeek {
		if d < Monday || d > Sunday {
			problems["days_of_week"] = "days must be between 0 (Monday) and 6 (Sunday)"
			break
		}
	}
	if r.HourRangeStart != nil || r.HourRangeEnd != nil {
		switch {
		case r.HourRangeStart == nil:
			problems["hour_range_start"] = "required when hour_range_end is set"
		case r.HourRangeEnd == nil:
			problems["hour_range_end"] = "required when hour_range_start is set"
		case !r.HourRangeStart.Before(*r.HourRangeEnd):
			problems["hour_range_end"] = "must be after hour_range_start"
		}
		if r.HourRangeInterval <= 0 {
			problems["hour_range_interval"] = "must be a positive number of minutes"
		}
	}

	switch r.Type {
	case Weekly:
		if len(r.DaysOfWeek) == 0 {
			problems["days_of_week"] = "required for weekly recurrence"
		}
	case Yearly:
		if r.Month == nil {
			problems["month"] = "required for yearly recurrence"
		}
	case Monthly:
		nth := r.WeekOfMonth != nil && len(r.DaysOfWeek) > 0
		if r.DayOfMonth == nil && !nth && !r.WorkdaysOnly {
			problems["day_of_month"] = "monthly recurrence needs day_of_month, week_of_month with days_of_week, or workdays_only"
		}
		if r.WeekOfMonth != nil && len(r.DaysOfWeek) != 1 {
			problems["days_of_week"] = "exactly one day is required with week_of_month"
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return problems
}
