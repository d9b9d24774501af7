package capability

import (
	"time"

	"github.com/google/uuid"
)

// DefaultAuditCapacity bounds the registry audit ring.
const DefaultAuditCapacity = 1024

// AuditAction classifies a registry audit record.
type AuditAction string

const (
	AuditGrant     AuditAction = "GRANT"
	AuditRevoke    AuditAction = "REVOKE"
	AuditRevokeAll AuditAction = "REVOKE_ALL"
	AuditDelegate  AuditAction = "DELEGATE"
	AuditCheck     AuditAction = "CHECK"
	AuditGC        AuditAction = "GC"
)

// AuditEntry is one record in the registry's bounded audit trail.
type AuditEntry struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Namespace Namespace   `json:"namespace"`
	Action    AuditAction `json:"action"`
	Kind      KindType    `json:"kind,omitempty"`
	GrantID   GrantID     `json:"grant_id,omitempty"`
	Outcome   string      `json:"outcome,omitempty"`
	Detail    string      `json:"detail,omitempty"`
}

// Audit appends an entry, evicting the oldest past capacity. ID and
// Timestamp are filled in when empty.
func (r *Registry) Audit(entry AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.clock()
	}
	r.audit.Push(entry)
}

// AuditLog returns the retained audit trail, oldest first.
func (r *Registry) AuditLog() []AuditEntry {
	return r.audit.Items()
}
