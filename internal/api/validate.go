package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/sigeti/reports/internal/clock"
	"github.com/sigeti/reports/internal/mail"
	"github.com/sigeti/reports/internal/models"
	"github.com/sigeti/reports/internal/recurrence"
)

// ValidationError carries field-scoped rejection reasons.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, reason := range e.Fields {
		parts = append(parts, field+": "+reason)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// applyInput copies the fields present in in onto rec. On create every
// field is considered; on update only the keys the client sent.
func applyInput(rec *models.ReportSchedule, in *scheduleInput, loc *time.Location, creating bool) map[string]string {
	problems := map[string]string{}
	set := func(key string) bool { return creating || in.has(key) }

	if set("name") && in.Name != nil {
		rec.Name = strings.TrimSpace(*in.Name)
	}
	if set("dashboards") || set("dashboard") {
		switch {
		case len(in.Dashboards) > 0:
			rec.SetDashboards(in.Dashboards)
		case in.Dashboard != nil && *in.Dashboard != "":
			rec.SetDashboards([]string{*in.Dashboard})
		case creating:
			problems["dashboards"] = "provide dashboards or dashboard"
		}
	}
	if set("recipients") && in.Recipients != nil {
		rec.Recipients = strings.TrimSpace(*in.Recipients)
	}
	if set("is_recurring") && in.IsRecurring != nil {
		rec.IsRecurring = *in.IsRecurring
	}
	if set("recurrence_type") {
		rec.RecurrenceType = recurrence.None
		if in.RecurrenceType != nil && *in.RecurrenceType != "" {
			rec.RecurrenceType = recurrence.Type(strings.ToLower(*in.RecurrenceType))
		}
	}
	if set("interval") {
		rec.Interval = 1
		if in.Interval != nil {
			rec.Interval = *in.Interval
		}
	}
	if set("minute") {
		rec.Minute = in.Minute
	}
	if set("hour") {
		rec.Hour = in.Hour
	}
	if set("days_of_week") {
		rec.DaysOfWeek = append([]int{}, in.DaysOfWeek...)
	}
	if set("day_of_month") {
		rec.DayOfMonth = in.DayOfMonth
	}
	if set("week_of_month") {
		rec.WeekOfMonth = in.WeekOfMonth
	}
	if set("month") {
		rec.Month = in.Month
	}
	if set("workdays_only") && in.WorkdaysOnly != nil {
		rec.WorkdaysOnly = *in.WorkdaysOnly
	}
	if set("hour_range_start") {
		rec.HourRangeStart = normalizeTimeOfDay(in.HourRangeStart, "hour_range_start", problems)
	}
	if set("hour_range_end") {
		rec.HourRangeEnd = normalizeTimeOfDay(in.HourRangeEnd, "hour_range_end", problems)
	}
	if set("hour_range_interval") {
		rec.HourRangeInterval = in.HourRangeInterval
	}
	if set("end_date") {
		rec.EndDate = nil
		if in.EndDate != nil {
			t, err := clock.Parse(*in.EndDate, loc)
			if err != nil {
				problems["end_date"] = err.Error()
			} else {
				rec.EndDate = &t
			}
		}
	}
	if set("scheduled_at") && in.ScheduledAt != nil {
		t, err := clock.Parse(*in.ScheduledAt, loc)
		if err != nil {
			problems["scheduled_at"] = err.Error()
		} else {
			rec.ScheduledAt = t
		}
	}
	return problems
}

func normalizeTimeOfDay(s *string, field string, problems map[string]string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	tod, err := recurrence.ParseTimeOfDay(*s)
	if err != nil {
		problems[field] = err.Error()
		return nil
	}
	out := tod.String()
	return &out
}

// validateSchedule checks rec and fills in derived values: the dashboard
// mirror, a none type for one-shot rows, and a first slot for recurring
// rows created without one.
func validateSchedule(rec *models.ReportSchedule, calc *recurrence.Calculator, now time.Time, problems map[string]string) error {
	if problems == nil {
		problems = map[string]string{}
	}

	if rec.Name == "" {
		problems["name"] = "required"
	}

	tags := rec.Tags()
	if len(tags) == 0 {
		if _, ok := problems["dashboards"]; !ok {
			problems["dashboards"] = "provide dashboards or dashboard"
		}
	}
	seen := map[string]bool{}
	for _, tag := range tags {
		if !models.IsDashboard(tag) {
			problems["dashboards"] = fmt.Sprintf("unknown dashboard %q", tag)
			break
		}
		if seen[tag] {
			problems["dashboards"] = fmt.Sprintf("dashboard %q listed twice", tag)
			break
		}
		seen[tag] = true
	}
	if len(tags) > 0 {
		rec.SetDashboards(tags)
	}

	if _, err := mail.ParseRecipients(rec.Recipients); err != nil {
		problems["recipients"] = err.Error()
	}

	if rec.Interval == 0 {
		rec.Interval = 1
	}
	if !rec.IsRecurring {
		rec.RecurrenceType = recurrence.None
	} else if rec.RecurrenceType == "" || rec.RecurrenceType == recurrence.None {
		problems["recurrence_type"] = "required when is_recurring is true"
	}

	rule, err := rec.Rule()
	if err != nil {
		problems["hour_range"] = err.Error()
	} else {
		// range and per-type checks apply even to one-shot rows
		rule.Type = rec.RecurrenceType
		if rule.Type == "" {
			rule.Type = recurrence.None
		}
		for field, reason := range rule.Check() {
			if _, ok := problems[field]; !ok {
				problems[field] = reason
			}
		}
	}

	if rec.ScheduledAt.IsZero() {
		if _, bad := problems["scheduled_at"]; !bad {
			switch {
			case !rec.IsRecurring:
				problems["scheduled_at"] = "required for a one-shot schedule"
			case len(problems) == 0:
				next, ok := calc.Next(rule, now)
				if !ok {
					problems["scheduled_at"] = "the recurrence never fires after now"
				} else {
					rec.ScheduledAt = next
				}
			}
		}
	} else {
		rec.ScheduledAt = clock.Zoned(rec.ScheduledAt, calc.Location())
	}

	if len(problems) > 0 {
		return &ValidationError{Fields: problems}
	}
	return nil
}
