package core

import "time"

// ErrorAuditEntry is a durable record of one failed operation. It is written
// in its own unit of work so it survives the rollback of the business
// transaction it describes. Message is always set; Code, Line and Context are
// best-effort.
type ErrorAuditEntry struct {
	ID         int
	Operation  string
	Code       string
	Message    string
	Line       int
	Context    string
	OccurredAt time.Time
}

// HealthIssue is one row of the store integrity check result set, consumed by
// the external monitoring layer.
type HealthIssue struct {
	Check  string
	Detail string
}
