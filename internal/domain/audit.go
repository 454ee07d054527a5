package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditKind distinguishes full commit entries from lightweight discard events.
type AuditKind string

const (
	AuditKindCommit  AuditKind = "commit"
	AuditKindDiscard AuditKind = "discard"
)

// AuditEntry is the immutable provenance record written when a delta is
// committed (or, as a lightweight event, discarded). Commit entries capture
// the before/after values of exactly the fields that changed, which is also
// what crash recovery reads to decide whether a commit reached its terminal
// outcome.
type AuditEntry struct {
	ID             uuid.UUID `json:"id"`
	CommitTxID     uuid.UUID `json:"commit_tx_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	RecordID       uuid.UUID `json:"record_id"`
	SessionID      uuid.UUID `json:"session_id"`
	ActorID        uuid.UUID `json:"actor_id"`
	Kind           AuditKind `json:"kind"`
	Before         FieldMap  `json:"before,omitempty"`
	After          FieldMap  `json:"after,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
