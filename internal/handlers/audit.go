package handlers

import (
	"net/http"
	"time"

	"github.com/gluk-w/webterm/internal/sshaudit"
)

// GetAuditLogs returns paginated terminal audit log entries, newest first.
//
// Query parameters:
//
//	session_id - filter by terminal session ID
//	event_type - filter by event type
//	since      - RFC3339 timestamp, only entries after this time
//	until      - RFC3339 timestamp, only entries before this time
//	limit      - max entries to return (default 100, max 1000)
//	offset     - pagination offset
func GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	auditor := sshaudit.GetAuditor()
	if auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit system not initialized")
		return
	}

	q := r.URL.Query()
	opts := sshaudit.QueryOptions{
		SessionID: q.Get("session_id"),
		EventType: sshaudit.EventType(q.Get("event_type")),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since timestamp (use RFC3339)")
			return
		}
		opts.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid until timestamp (use RFC3339)")
			return
		}
		opts.Until = &t
	}
	var ok bool
	if opts.Limit, ok = queryInt(r, "limit", 0, 1); !ok {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	if opts.Offset, ok = queryInt(r, "offset", 0, 0); !ok {
		writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	entries, total, err := auditor.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit logs")
		return
	}
	if entries == nil {
		entries = []sshaudit.AuditEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   total,
		"offset":  opts.Offset,
	})
}

// PurgeAuditLogs deletes audit entries older than the retention period.
//
// Query parameters:
//
//	days - number of days to retain (uses configured default if omitted)
func PurgeAuditLogs(w http.ResponseWriter, r *http.Request) {
	auditor := sshaudit.GetAuditor()
	if auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit system not initialized")
		return
	}

	days, ok := queryInt(r, "days", 0, 1)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid days parameter")
		return
	}

	deleted, err := auditor.PurgeOlderThan(days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to purge audit logs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted":        deleted,
		"retention_days": auditor.RetentionDays(),
	})
}
