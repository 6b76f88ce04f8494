package sshaudit

import (
	"fmt"
	"log"
	"time"

	"github.com/gluk-w/webterm/internal/logutil"
	"gorm.io/gorm"
)

// EventType identifies an audited terminal event.
type EventType string

const (
	EventOpen            EventType = "terminal_open"
	EventOpenFailed      EventType = "terminal_open_failed"
	EventClose           EventType = "terminal_close"
	EventDisconnected    EventType = "terminal_disconnected"
	EventUpload          EventType = "file_upload"
	EventUploadFailed    EventType = "file_upload_failed"
	EventHostKeyRejected EventType = "host_key_rejected"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

// AuditEntry is one row of the terminal_audit_logs table.
type AuditEntry struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType  EventType `gorm:"not null;index;size:40" json:"event_type"`
	SessionID  string    `gorm:"index;size:128" json:"session_id"`
	ClientID   string    `gorm:"size:64" json:"client_id"`
	Protocol   string    `gorm:"size:16" json:"protocol"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	Username   string    `json:"username"`
	SourceIP   string    `gorm:"size:64" json:"source_ip"`
	Details    string    `json:"details"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (AuditEntry) TableName() string { return "terminal_audit_logs" }

// Auditor writes and queries terminal audit records.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
}

// NewAuditor migrates the audit table and returns an Auditor writing to db.
// If retentionDays is not positive, DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) (*Auditor, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if err := db.AutoMigrate(&AuditEntry{}); err != nil {
		return nil, fmt.Errorf("migrate audit table: %w", err)
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}, nil
}

// Record stores entry and mirrors it to the standard logger.
func (a *Auditor) Record(entry AuditEntry) error {
	entry.ID = 0
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = a.nowFn()
	}
	if err := a.db.Create(&entry).Error; err != nil {
		log.Printf("[ssh-audit] failed to write audit log: %v", err)
		return err
	}

	log.Printf("[ssh-audit] %s session=%s proto=%s target=%s@%s:%d ip=%s details=%s",
		entry.EventType,
		logutil.SanitizeForLog(entry.SessionID),
		entry.Protocol,
		logutil.SanitizeForLog(entry.Username),
		logutil.SanitizeForLog(entry.Host),
		entry.Port,
		entry.SourceIP,
		logutil.SanitizeForLog(entry.Details),
	)
	return nil
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	SessionID string
	EventType EventType
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// Query returns matching entries newest first, plus the total match count.
func (a *Auditor) Query(opts QueryOptions) ([]AuditEntry, int64, error) {
	tx := a.db.Model(&AuditEntry{})

	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var entries []AuditEntry
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// PurgeOlderThan removes entries older than days (the configured retention
// when days is not positive) and returns the number deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	result := a.db.Where("created_at < ?", cutoff).Delete(&AuditEntry{})
	if result.Error != nil {
		log.Printf("[ssh-audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[ssh-audit] purged %d audit log entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
