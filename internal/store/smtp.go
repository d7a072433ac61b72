package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sigeti/reports/internal/models"
	"gorm.io/gorm"
)

// SMTPConfigs stores the DB-backed SMTP configuration records.
type SMTPConfigs struct {
	db *gorm.DB
}

func NewSMTPConfigs(db *gorm.DB) *SMTPConfigs {
	return &SMTPConfigs{db: db}
}

// Active returns the most recently updated active record, or nil when the
// static configuration should be used.
func (s *SMTPConfigs) Active(ctx context.Context) (*models.SMTPConfig, error) {
	var cfg models.SMTPConfig
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("updated_at desc").Order("id desc").
		First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active smtp config: %w", err)
	}
	return &cfg, nil
}

// Save creates or replaces a record. Saving an active record deactivates
// every other one.
func (s *SMTPConfigs) Save(ctx context.Context, cfg *models.SMTPConfig) error {
	if cfg.UseTLS && cfg.UseSSL {
		return fmt.Errorf("use_tls and use_ssl are mutually exclusive")
	}
	if cfg.LastTestStatus == "" {
		cfg.LastTestStatus = models.SMTPTestNever
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(cfg).Error; err != nil {
			return fmt.Errorf("failed to save smtp config: %w", err)
		}
		if !cfg.IsActive {
			return nil
		}
		err := tx.Model(&models.SMTPConfig{}).
			Where("id <> ? AND is_active = ?", cfg.ID, true).
			Update("is_active", false).Error
		if err != nil {
			return fmt.Errorf("failed to deactivate smtp configs: %w", err)
		}
		return nil
	})
}

// RecordTest stores the outcome of the last send attempted with the record.
func (s *SMTPConfigs) RecordTest(ctx context.Context, id uint, at time.Time, sendErr error) error {
	fields := map[string]interface{}{
		"last_tested_at":   at.UTC(),
		"last_test_status": models.SMTPTestSuccess,
		"last_error":       "",
	}
	if sendErr != nil {
		fields["last_test_status"] = models.SMTPTestFailed
		fields["last_error"] = sendErr.Error()
	}
	err := s.db.WithContext(ctx).Model(&models.SMTPConfig{}).Where("id = ?", id).Updates(fields).Error
	if err != nil {
		return fmt.Errorf("failed to record smtp test: %w", err)
	}
	return nil
}

func (s *SMTPConfigs) Get(ctx context.Context, id uint) (*models.SMTPConfig, error) {
	var cfg models.SMTPConfig
	err := s.db.WithContext(ctx).First(&cfg, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
