package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rpattn/pfasync/internal/domain"
)

// MirrorRepository defines access to the baseline mirror of externally
// sourced records. Only the reconciler upserts whole records; the commit path
// applies individual field changes inside its own transaction.
type MirrorRepository interface {
	Upsert(ctx context.Context, record domain.MirrorRecord) (domain.MirrorRecord, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.MirrorRecord, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.MirrorRecord, error)
	GetByCode(ctx context.Context, organizationID uuid.UUID, code string) (domain.MirrorRecord, error)
	List(ctx context.Context, organizationID uuid.UUID, limit, offset int) ([]domain.MirrorRecord, int, error)
	DistinctOrganizations(ctx context.Context) ([]uuid.UUID, error)
	ApplyFields(ctx context.Context, tx pgx.Tx, recordID uuid.UUID, fields domain.FieldMap) error
}

// LedgerRepository defines access to pending modifications. Save is an upsert
// keyed by (record, session): a second save replaces the prior delta
// wholesale rather than merging into it.
type LedgerRepository interface {
	Save(ctx context.Context, delta domain.Modification) error
	Get(ctx context.Context, recordID, sessionID uuid.UUID) (domain.Modification, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]domain.Modification, error)
	ListByRecords(ctx context.Context, recordIDs []uuid.UUID) ([]domain.Modification, error)
	SetState(ctx context.Context, recordID, sessionID uuid.UUID, state domain.DeltaState) error
	Delete(ctx context.Context, recordID, sessionID uuid.UUID) (bool, error)
	DeleteTx(ctx context.Context, tx pgx.Tx, recordID, sessionID uuid.UUID) error
	DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int, error)
	ListPendingCommit(ctx context.Context) ([]domain.Modification, error)
}

// AuditRepository stores the immutable provenance trail. Rows are insert-only.
type AuditRepository interface {
	Insert(ctx context.Context, entry domain.AuditEntry) error
	InsertTx(ctx context.Context, tx pgx.Tx, entry domain.AuditEntry) error
	ListByRecord(ctx context.Context, recordID uuid.UUID, limit int) ([]domain.AuditEntry, error)
	LatestCommit(ctx context.Context, recordID, sessionID uuid.UUID) (domain.AuditEntry, error)
}
