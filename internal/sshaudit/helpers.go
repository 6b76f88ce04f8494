package sshaudit

import (
	"net/http"
	"strconv"
	"strings"
	"sync"

	"gorm.io/gorm"
)

var (
	globalAuditor *Auditor
	registryMu    sync.RWMutex
)

// InitGlobal creates and stores the process-wide Auditor.
// Call this once during startup after the database is initialized.
func InitGlobal(db *gorm.DB, retentionDays int) (*Auditor, error) {
	a, err := NewAuditor(db, retentionDays)
	if err != nil {
		return nil, err
	}
	SetGlobal(a)
	return a, nil
}

// GetAuditor returns the process-wide Auditor, or nil.
func GetAuditor() *Auditor {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return globalAuditor
}

// SetGlobal replaces the process-wide Auditor. Passing nil disables auditing.
func SetGlobal(a *Auditor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	globalAuditor = a
}

// Target identifies the remote end of a terminal session for audit records.
type Target struct {
	SessionID string
	ClientID  string
	Protocol  string
	Host      string
	Port      int
	Username  string
	SourceIP  string
}

func (t Target) entry(eventType EventType, details string) AuditEntry {
	return AuditEntry{
		EventType: eventType,
		SessionID: t.SessionID,
		ClientID:  t.ClientID,
		Protocol:  t.Protocol,
		Host:      t.Host,
		Port:      t.Port,
		Username:  t.Username,
		SourceIP:  t.SourceIP,
		Details:   details,
	}
}

func record(e AuditEntry) {
	if a := GetAuditor(); a != nil {
		a.Record(e)
	}
}

// LogOpen records a successful terminal open.
func LogOpen(t Target) {
	record(t.entry(EventOpen, ""))
}

// LogOpenFailed records a failed terminal open with the reason shown to the user.
func LogOpenFailed(t Target, reason string) {
	record(t.entry(EventOpenFailed, reason))
}

// LogClose records an operator-initiated close.
func LogClose(t Target, durationMs int64) {
	e := t.entry(EventClose, "")
	e.DurationMs = durationMs
	record(e)
}

// LogDisconnected records a session lost to EOF or an I/O failure.
func LogDisconnected(t Target, durationMs int64) {
	e := t.entry(EventDisconnected, "")
	e.DurationMs = durationMs
	record(e)
}

// LogUpload records an upload attempt. A nil err means success.
func LogUpload(t Target, destination string, size int, err error) {
	if err != nil {
		record(t.entry(EventUploadFailed, destination+": "+err.Error()))
		return
	}
	record(t.entry(EventUpload, destination+" ("+strconv.Itoa(size)+" bytes)"))
}

// LogHostKeyRejected records a connection refused by the host key policy.
func LogHostKeyRejected(t Target, details string) {
	record(t.entry(EventHostKeyRejected, details))
}

// ExtractSourceIP extracts the client IP from an HTTP request,
// preferring X-Forwarded-For and X-Real-IP headers.
func ExtractSourceIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
