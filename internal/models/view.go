package models

import (
	"time"

	"github.com/sigeti/reports/internal/recurrence"
)

// ScheduleView is the wire form of a ReportSchedule.
type ScheduleView struct {
	ID                uint              `json:"id"`
	Name              string            `json:"name"`
	CreatedBy         *uint             `json:"created_by"`
	CreatedByName     string            `json:"created_by_name,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	Dashboard         string            `json:"dashboard"`
	Dashboards        []string          `json:"dashboards"`
	Recipients        string            `json:"recipients"`
	ScheduledAt       time.Time         `json:"scheduled_at"`
	Sent              bool              `json:"sent"`
	SentAt            *time.Time        `json:"sent_at"`
	DeliveryStatus    DeliveryStatus    `json:"delivery_status"`
	LastError         string            `json:"last_error,omitempty"`
	PdfsData          map[string]string `json:"pdfs_data"`
	IsRecurring       bool              `json:"is_recurring"`
	RecurrenceType    recurrence.Type   `json:"recurrence_type"`
	Interval          int               `json:"interval"`
	Minute            *int              `json:"minute"`
	Hour              *int              `json:"hour"`
	DaysOfWeek        []int             `json:"days_of_week"`
	DayOfMonth        *int              `json:"day_of_month"`
	WeekOfMonth       *int              `json:"week_of_month"`
	Month             *int              `json:"month"`
	WorkdaysOnly      bool              `json:"workdays_only"`
	HourRangeStart    *string           `json:"hour_range_start"`
	HourRangeEnd      *string           `json:"hour_range_end"`
	HourRangeInterval *int              `json:"hour_range_interval"`
	EndDate           *time.Time        `json:"end_date"`
	ParentSchedule    *uint             `json:"parent_schedule"`
	OccurrenceNumber  int               `json:"occurrence_number"`
}

func NewScheduleView(s *ReportSchedule) ScheduleView {
	v := ScheduleView{
		ID:                s.ID,
		Name:              s.Name,
		CreatedBy:         s.CreatedByID,
		CreatedAt:         s.CreatedAt,
		Dashboard:         s.Dashboard,
		Dashboards:        s.Tags(),
		Recipients:        s.Recipients,
		ScheduledAt:       s.ScheduledAt,
		Sent:              s.Sent,
		SentAt:            s.SentAt,
		DeliveryStatus:    s.DeliveryStatus,
		LastError:         s.LastError,
		PdfsData:          s.PdfIndex(),
		IsRecurring:       s.IsRecurring,
		RecurrenceType:    s.RecurrenceType,
		Interval:          s.Interval,
		Minute:            s.Minute,
		Hour:              s.Hour,
		DaysOfWeek:        []int(s.DaysOfWeek),
		DayOfMonth:        s.DayOfMonth,
		WeekOfMonth:       s.WeekOfMonth,
		Month:             s.Month,
		WorkdaysOnly:      s.WorkdaysOnly,
		HourRangeStart:    s.HourRangeStart,
		HourRangeEnd:      s.HourRangeEnd,
		HourRangeInterval: s.HourRangeInterval,
		EndDate:           s.EndDate,
		ParentSchedule:    s.ParentScheduleID,
		OccurrenceNumber:  s.OccurrenceNumber,
	}
	if v.DaysOfWeek == nil {
		v.DaysOfWeek = []int{}
	}
	if s.CreatedBy != nil {
		v.CreatedByName = s.CreatedBy.Username
	}
	return v
}

// SMTPConfigView never exposes the password, only whether one is set.
type SMTPConfigView struct {
	ID               uint           `json:"id"`
	Host             string         `json:"host"`
	Port             int            `json:"port"`
	Username         string         `json:"username"`
	HasPassword      bool           `json:"has_password"`
	UseTLS           bool           `json:"use_tls"`
	UseSSL           bool           `json:"use_ssl"`
	Timeout          int            `json:"timeout"`
	DefaultFromEmail string         `json:"default_from_email"`
	IsActive         bool           `json:"is_active"`
	LastTestedAt     *time.Time     `json:"last_tested_at"`
	LastTestStatus   SMTPTestStatus `json:"last_test_status"`
	LastError        string         `json:"last_error,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func NewSMTPConfigView(c *SMTPConfig) SMTPConfigView {
	return SMTPConfigView{
		ID:               c.ID,
		Host:             c.Host,
		Port:             c.Port,
		Username:         c.Username,
		HasPassword:      c.Password != "",
		UseTLS:           c.UseTLS,
		UseSSL:           c.UseSSL,
		Timeout:          c.Timeout,
		DefaultFromEmail: c.DefaultFromEmail,
		IsActive:         c.IsActive,
		LastTestedAt:     c.LastTestedAt,
		LastTestStatus:   c.LastTestStatus,
		LastError:        c.LastError,
		UpdatedAt:        c.UpdatedAt,
	}
}
