// Package store persists report schedules and SMTP configuration records.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sigeti/reports/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound       = errors.New("schedule not found")
	ErrAlreadyClaimed = errors.New("schedule already claimed")
)

// Schedules is the schedule store. Instants are written in UTC and
// returned in the reporting zone.
type Schedules struct {
	db  *gorm.DB
	loc *time.Location
}

func NewSchedules(db *gorm.DB, loc *time.Location) *Schedules {
	if loc == nil {
		loc = time.UTC
	}
	return &Schedules{db: db, loc: loc}
}

func (s *Schedules) DB() *gorm.DB { return s.db }

// FindDue returns unsent schedules whose slot is at or before now, oldest
// first, ties broken by id.
func (s *Schedules) FindDue(ctx context.Context, now time.Time) ([]models.ReportSchedule, error) {
	var rows []models.ReportSchedule
	err := s.db.WithContext(ctx).
		Where("sent = ? AND scheduled_at <= ?", false, now.UTC()).
		Order("scheduled_at asc").Order("id asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query due schedules: %w", err)
	}
	s.localizeAll(rows)
	return rows, nil
}

// Claim flips sent to true for an unsent row. Exactly one caller wins;
// the others get ErrAlreadyClaimed. On postgres the row is additionally
// locked with SKIP LOCKED so concurrent workers never block on each other.
func (s *Schedules) Claim(ctx context.Context, id uint, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			var row models.ReportSchedule
			err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
				Select("id").
				Where("id = ? AND sent = ?", id, false).
				Take(&row).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAlreadyClaimed
			}
			if err != nil {
				return fmt.Errorf("failed to lock schedule %d: %w", id, err)
			}
		}

		res := tx.Model(&models.ReportSchedule{}).
			Where("id = ? AND sent = ?", id, false).
			Updates(map[string]interface{}{
				"sent":            true,
				"sent_at":         at.UTC(),
				"delivery_status": models.DeliveryClaimed,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to claim schedule %d: %w", id, res.Error)
		}
		if res.RowsAffected != 1 {
			return ErrAlreadyClaimed
		}
		return nil
	})
}

// MarkSent records a successful delivery.
func (s *Schedules) MarkSent(ctx context.Context, id uint, at time.Time) error {
	return s.update(ctx, id, map[string]interface{}{
		"sent":            true,
		"sent_at":         at.UTC(),
		"delivery_status": models.DeliverySent,
		"last_error":      "",
	})
}

// MarkFailed keeps the row sent so it is never retried, and records why.
func (s *Schedules) MarkFailed(ctx context.Context, id uint, at time.Time, reason string) error {
	return s.update(ctx, id, map[string]interface{}{
		"sent":            true,
		"sent_at":         at.UTC(),
		"delivery_status": models.DeliveryFailed,
		"last_error":      reason,
	})
}

// NoteSkipped records why a due row was not fired. The row stays unsent
// and due; the next successful claim overwrites the status.
func (s *Schedules) NoteSkipped(ctx context.Context, id uint, reason string) error {
	return s.update(ctx, id, map[string]interface{}{
		"delivery_status": models.DeliverySkipped,
		"last_error":      reason,
	})
}

func (s *Schedules) AttachPdfs(ctx context.Context, id uint, index map[string]string) error {
	var rec models.ReportSchedule
	rec.SetPdfIndex(index)
	return s.update(ctx, id, map[string]interface{}{"pdfs_data": rec.PdfsData})
}

func (s *Schedules) update(ctx context.Context, id uint, fields map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&models.ReportSchedule{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("failed to update schedule %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Insert persists a new schedule, user-created or spawned.
func (s *Schedules) Insert(ctx context.Context, rec *models.ReportSchedule) error {
	if rec.OccurrenceNumber < 1 {
		rec.OccurrenceNumber = 1
	}
	if rec.DeliveryStatus == "" {
		rec.DeliveryStatus = models.DeliveryPending
	}
	if rec.DaysOfWeek == nil {
		rec.DaysOfWeek = []int{}
	}
	s.normalize(rec)
	defer s.localize(rec)
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	return nil
}

func (s *Schedules) Get(ctx context.Context, id uint) (*models.ReportSchedule, error) {
	var rec models.ReportSchedule
	err := s.db.WithContext(ctx).Preload("CreatedBy").First(&rec, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule %d: %w", id, err)
	}
	s.localize(&rec)
	return &rec, nil
}

// List pages through schedules, keeping each series together: rows are
// grouped by series root and ordered by occurrence inside a series.
func (s *Schedules) List(ctx context.Context, page, pageSize int) ([]models.ReportSchedule, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&models.ReportSchedule{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count schedules: %w", err)
	}

	var rows []models.ReportSchedule
	err := s.db.WithContext(ctx).
		Order("COALESCE(parent_schedule_id, id) desc").
		Order("occurrence_number asc").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list schedules: %w", err)
	}
	s.localizeAll(rows)
	return rows, total, nil
}

// Series returns the root and every spawned child, in occurrence order.
func (s *Schedules) Series(ctx context.Context, rootID uint) ([]models.ReportSchedule, error) {
	var rows []models.ReportSchedule
	err := s.db.WithContext(ctx).
		Where("id = ? OR parent_schedule_id = ?", rootID, rootID).
		Order("occurrence_number asc").Order("id asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load series %d: %w", rootID, err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	s.localizeAll(rows)
	return rows, nil
}

// Update rewrites the user-editable columns. Delivery state, the artifact
// index and series linkage are never touched here.
func (s *Schedules) Update(ctx context.Context, rec *models.ReportSchedule) error {
	if rec.DaysOfWeek == nil {
		rec.DaysOfWeek = []int{}
	}
	s.normalize(rec)
	defer s.localize(rec)
	res := s.db.WithContext(ctx).Model(rec).
		Select(editableColumns).
		Updates(rec)
	if res.Error != nil {
		return fmt.Errorf("failed to update schedule %d: %w", rec.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

var editableColumns = []string{
	"name", "dashboard", "dashboards", "recipients", "scheduled_at",
	"is_recurring", "recurrence_type", "interval", "minute", "hour",
	"days_of_week", "day_of_month", "week_of_month", "month", "workdays_only",
	"hour_range_start", "hour_range_end", "hour_range_interval", "end_date",
}

func (s *Schedules) Delete(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.ReportSchedule{}, id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete schedule %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingInSeries counts unsent rows of a series.
func (s *Schedules) PendingInSeries(ctx context.Context, rootID uint) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.ReportSchedule{}).
		Where("(id = ? OR parent_schedule_id = ?) AND sent = ?", rootID, rootID, false).
		Count(&n).Error
	return n, err
}

func (s *Schedules) normalize(rec *models.ReportSchedule) {
	rec.ScheduledAt = rec.ScheduledAt.UTC()
	if rec.SentAt != nil {
		t := rec.SentAt.UTC()
		rec.SentAt = &t
	}
	if rec.EndDate != nil {
		t := rec.EndDate.UTC()
		rec.EndDate = &t
	}
}

func (s *Schedules) localize(rec *models.ReportSchedule) {
	rec.ScheduledAt = rec.ScheduledAt.In(s.loc)
	if rec.SentAt != nil {
		t := rec.SentAt.In(s.loc)
		rec.SentAt = &t
	}
	if rec.EndDate != nil {
		t := rec.EndDate.In(s.loc)
		rec.EndDate = &t
	}
}

func (s *Schedules) localizeAll(rows []models.ReportSchedule) {
	for i := range rows {
		s.localize(&rows[i])
	}
}
