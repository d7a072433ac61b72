package models

import (
	"fmt"
	"time"

	"github.com/sigeti/reports/internal/recurrence"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliveryClaimed DeliveryStatus = "claimed"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliverySkipped DeliveryStatus = "skipped"
)

// ReportSchedule is one occurrence of a (possibly recurring) report mailing.
// A series is a root row plus the children spawned after each successful
// firing; children point at the root, never at their predecessor.
type ReportSchedule struct {
	gorm.Model
	Name        string                      `gorm:"not null"`
	CreatedByID *uint                       `gorm:"index"`
	CreatedBy   *User                       `gorm:"foreignKey:CreatedByID"`
	Dashboard   string                      `gorm:"not null"`
	Dashboards  datatypes.JSONSlice[string] `gorm:"not null"`
	Recipients  string

	ScheduledAt    time.Time `gorm:"index;not null"`
	Sent           bool      `gorm:"index;not null"`
	SentAt         *time.Time
	DeliveryStatus DeliveryStatus `gorm:"default:pending"`
	LastError      string
	PdfsData       datatypes.JSONMap

	IsRecurring       bool
	RecurrenceType    recurrence.Type `gorm:"default:none"`
	Interval          int             `gorm:"default:1"`
	Minute            *int
	Hour              *int
	DaysOfWeek        datatypes.JSONSlice[int]
	DayOfMonth        *int
	WeekOfMonth       *int
	Month             *int
	WorkdaysOnly      bool
	HourRangeStart    *string
	HourRangeEnd      *string
	HourRangeInterval *int
	EndDate           *time.Time

	ParentScheduleID *uint `gorm:"index"`
	OccurrenceNumber int   `gorm:"default:1"`
}

// Tags returns the dashboards to send, falling back to the legacy single
// dashboard column.
func (s *ReportSchedule) Tags() []string {
	if len(s.Dashboards) > 0 {
		return append([]string(nil), s.Dashboards...)
	}
	if s.Dashboard != "" {
		return []string{s.Dashboard}
	}
	return nil
}

// SetDashboards keeps Dashboard equal to the first element of Dashboards.
func (s *ReportSchedule) SetDashboards(tags []string) {
	s.Dashboards = datatypes.JSONSlice[string](append([]string(nil), tags...))
	if len(tags) > 0 {
		s.Dashboard = tags[0]
	}
}

// RootID is the id of the series root this row belongs to.
func (s *ReportSchedule) RootID() uint {
	if s.ParentScheduleID != nil {
		return *s.ParentScheduleID
	}
	return s.ID
}

// Recurs reports whether firing this row may spawn a child.
func (s *ReportSchedule) Recurs() bool {
	return s.IsRecurring && s.RecurrenceType != "" && s.RecurrenceType != recurrence.None
}

// PdfIndex returns the {dashboard: relative path} artifact index.
func (s *ReportSchedule) PdfIndex() map[string]string {
	if len(s.PdfsData) == 0 {
		return nil
	}
	out := make(map[string]string, len(s.PdfsData))
	for tag, v := range s.PdfsData {
		if p, ok := v.(string); ok && p != "" {
			out[tag] = p
		}
	}
	return out
}

func (s *ReportSchedule) SetPdfIndex(index map[string]string) {
	if len(index) == 0 {
		s.PdfsData = nil
		return
	}
	m := make(datatypes.JSONMap, len(index))
	for tag, p := range index {
		m[tag] = p
	}
	s.PdfsData = m
}

// Rule converts the persisted recurrence columns into a calculator rule.
func (s *ReportSchedule) Rule() (recurrence.Rule, error) {
	r := recurrence.Rule{
		Type:         s.RecurrenceType,
		Interval:     s.Interval,
		Minute:       s.Minute,
		Hour:         s.Hour,
		DaysOfWeek:   []int(s.DaysOfWeek),
		DayOfMonth:   s.DayOfMonth,
		WeekOfMonth:  s.WeekOfMonth,
		Month:        s.Month,
		WorkdaysOnly: s.WorkdaysOnly,
		EndDate:      s.EndDate,
	}
	if !s.IsRecurring || r.Type == "" {
		r.Type = recurrence.None
	}
	if s.HourRangeStart != nil && *s.HourRangeStart != "" {
		start, err := recurrence.ParseTimeOfDay(*s.HourRangeStart)
		if err != nil {
			return r, fmt.Errorf("hour_range_start: %w", err)
		}
		r.HourRangeStart = &start
	}
	if s.HourRangeEnd != nil && *s.HourRangeEnd != "" {
		end, err := recurrence.ParseTimeOfDay(*s.HourRangeEnd)
		if err != nil {
			return r, fmt.Errorf("hour_range_end: %w", err)
		}
		r.HourRangeEnd = &end
	}
	if s.HourRangeInterval != nil {
		r.HourRangeInterval = *s.HourRangeInterval
	}
	return r, nil
}

// SpawnChild builds the next occurrence of the series. The recurrence
// configuration is copied verbatim; delivery state starts fresh.
func (s *ReportSchedule) SpawnChild(at time.Time) *ReportSchedule {
	root := s.RootID()
	child := &ReportSchedule{
		Name:              s.Name,
		CreatedByID:       s.CreatedByID,
		Recipients:        s.Recipients,
		ScheduledAt:       at,
		DeliveryStatus:    DeliveryPending,
		IsRecurring:       s.IsRecurring,
		RecurrenceType:    s.RecurrenceType,
		Interval:          s.Interval,
		Minute:            copyInt(s.Minute),
		Hour:              copyInt(s.Hour),
		DaysOfWeek:        append(datatypes.JSONSlice[int](nil), s.DaysOfWeek...),
		DayOfMonth:        copyInt(s.DayOfMonth),
		WeekOfMonth:       copyInt(s.WeekOfMonth),
		Month:             copyInt(s.Month),
		WorkdaysOnly:      s.WorkdaysOnly,
		HourRangeStart:    copyString(s.HourRangeStart),
		HourRangeEnd:      copyString(s.HourRangeEnd),
		HourRangeInterval: copyInt(s.HourRangeInterval),
		EndDate:           copyTime(s.EndDate),
		ParentScheduleID:  &root,
		OccurrenceNumber:  s.OccurrenceNumber + 1,
	}
	child.SetDashboards(s.Tags())
	return child
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
