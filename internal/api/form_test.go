package api

import (
	"errors"
	"testing"
	"time"

	"github.com/sigeti/reports/internal/models"
	"github.com/sigeti/reports/internal/recurrence"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestDecodeScheduleCoercesStrings(t *testing.T) {
	in, err := decodeSchedule(map[string]interface{}{
		"dashboards":    `["financier", "alerts"]`,
		"days_of_week":  "1, 3",
		"is_recurring":  "1",
		"workdays_only": "off",
		"interval":      "2",
		"recipients":    []interface{}{"a@sigeti.ci", "b@sigeti.ci"},
		"end_date":      "",
	})
	assert.NilError(t, err)
	assert.DeepEqual(t, in.Dashboards, []string{"financier", "alerts"})
	assert.DeepEqual(t, in.DaysOfWeek, []int{1, 3})
	assert.Equal(t, *in.IsRecurring, true)
	assert.Equal(t, *in.WorkdaysOnly, false)
	assert.Equal(t, *in.Interval, 2)
	assert.Equal(t, *in.Recipients, "a@sigeti.ci, b@sigeti.ci")
	assert.Assert(t, in.EndDate == nil)
	assert.Assert(t, in.has("end_date"))
	assert.Assert(t, !in.has("hour"))
}

func TestDecodeScheduleRejectsBadValues(t *testing.T) {
	_, err := decodeSchedule(map[string]interface{}{"is_recurring": "perhaps"})
	assert.ErrorContains(t, err, "invalid boolean")

	_, err = decodeSchedule(map[string]interface{}{"dashboards": `["financier"`})
	assert.ErrorContains(t, err, "invalid JSON array")
}

func TestValidateHourRange(t *testing.T) {
	loc, err := time.LoadLocation("Africa/Abidjan")
	assert.NilError(t, err)
	calc := recurrence.NewCalculator(loc)
	now := time.Date(2025, 11, 18, 10, 22, 0, 0, loc)

	in, err := decodeSchedule(map[string]interface{}{
		"name":                "Intraday",
		"dashboard":           "operationnel",
		"is_recurring":        true,
		"recurrence_type":     "hour",
		"hour_range_start":    "08:00:00",
		"hour_range_end":      "7:30",
		"hour_range_interval": 30,
	})
	assert.NilError(t, err)
	rec := &models.ReportSchedule{Interval: 1}
	err = validateSchedule(rec, calc, now, applyInput(rec, in, loc, true))
	var verr *ValidationError
	assert.Assert(t, errors.As(err, &verr))
	assert.Check(t, is.Contains(verr.Fields, "hour_range_end"))

	in.HourRangeEnd = strp("18:00")
	rec = &models.ReportSchedule{Interval: 1}
	assert.NilError(t, validateSchedule(rec, calc, now, applyInput(rec, in, loc, true)))
	assert.Equal(t, *rec.HourRangeStart, "08:00")
	assert.Assert(t, rec.ScheduledAt.Equal(time.Date(2025, 11, 18, 10, 30, 0, 0, loc)), rec.ScheduledAt.String())
}

func TestValidateCoercesOneShotType(t *testing.T) {
	loc, err := time.LoadLocation("Africa/Abidjan")
	assert.NilError(t, err)
	calc := recurrence.NewCalculator(loc)

	in, err := decodeSchedule(map[string]interface{}{
		"name":            "Once",
		"dashboard":       "clients",
		"recurrence_type": "weekly",
		"scheduled_at":    "2025-12-01T09:00:00+01:00",
	})
	assert.NilError(t, err)
	rec := &models.ReportSchedule{}
	assert.NilError(t, validateSchedule(rec, calc, time.Now(), applyInput(rec, in, loc, true)))
	assert.Equal(t, rec.RecurrenceType, recurrence.None)
	assert.Equal(t, rec.Interval, 1)
	assert.Equal(t, rec.ScheduledAt.Location(), loc)
	assert.Equal(t, rec.ScheduledAt.Hour(), 8)
}

func strp(s string) *string { return &s }
