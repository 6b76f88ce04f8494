// Package sshaudit records terminal session activity (opens, closes,
// disconnects, uploads) to the database and the standard logger.
//
// [Auditor] wraps a GORM connection and owns the terminal_audit_logs table.
// The package keeps one process-wide Auditor: [InitGlobal] creates it at
// startup and the helpers in helpers.go ([LogOpen], [LogClose], ...) are
// safe to call before initialization, in which case events are dropped.
//
// Entries older than the retention period are removed by
// [Auditor.PurgeOlderThan]; [StartPurgeSchedule] runs it on a cron schedule.
//
// Audit log messages use the [ssh-audit] prefix.
package sshaudit
