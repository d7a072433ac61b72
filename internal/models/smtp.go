package models

import (
	"time"

	"gorm.io/gorm"
)

type SMTPTestStatus string

const (
	SMTPTestNever   SMTPTestStatus = "never"
	SMTPTestSuccess SMTPTestStatus = "success"
	SMTPTestFailed  SMTPTestStatus = "failed"
)

// SMTPConfig is the DB-backed mail configuration. The most recently
// updated active row overrides the static configuration.
type SMTPConfig struct {
	gorm.Model
	Host             string
	Port             int
	Username         string
	Password         string
	UseTLS           bool
	UseSSL           bool
	Timeout          int // seconds
	DefaultFromEmail string
	IsActive         bool `gorm:"index"`

	LastTestedAt   *time.Time
	LastTestStatus SMTPTestStatus `gorm:"default:never"`
	LastError      string
}
