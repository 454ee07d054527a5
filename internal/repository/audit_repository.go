package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/pfasync/internal/domain"
)

// auditRepository implements AuditRepository on Postgres. The table is
// insert-only; nothing here updates or deletes rows.
type auditRepository struct {
	pool *pgxpool.Pool
}

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(pool *pgxpool.Pool) AuditRepository {
	return &auditRepository{pool: pool}
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Insert writes one audit entry outside any transaction (discard events).
func (r *auditRepository) Insert(ctx context.Context, entry domain.AuditEntry) error {
	return insertAudit(ctx, r.pool, entry)
}

// InsertTx writes one audit entry inside the caller's commit transaction, so
// the entry and the mirror update land atomically.
func (r *auditRepository) InsertTx(ctx context.Context, tx pgx.Tx, entry domain.AuditEntry) error {
	return insertAudit(ctx, tx, entry)
}

func insertAudit(ctx context.Context, db execer, entry domain.AuditEntry) error {
	beforeJSON, err := json.Marshal(entry.Before)
	if err != nil {
		return fmt.Errorf("failed to marshal audit before state: %w", err)
	}
	afterJSON, err := json.Marshal(entry.After)
	if err != nil {
		return fmt.Errorf("failed to marshal audit after state: %w", err)
	}

	if _, err := db.Exec(ctx, `
		INSERT INTO audit_entries
			(id, commit_tx_id, organization_id, record_id, session_id, actor_id, kind, before_fields, after_fields, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.CommitTxID, entry.OrganizationID, entry.RecordID, entry.SessionID,
		entry.ActorID, entry.Kind, beforeJSON, afterJSON, entry.Reason, entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// ListByRecord retrieves the newest audit entries for one record.
func (r *auditRepository) ListByRecord(ctx context.Context, recordID uuid.UUID, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, commit_tx_id, organization_id, record_id, session_id, actor_id, kind, before_fields, after_fields, reason, created_at
		FROM audit_entries WHERE record_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, recordID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit entries: %w", err)
	}
	return entries, nil
}

// LatestCommit returns the most recent commit entry for a (record, session)
// pair. Crash recovery uses its presence to decide whether an interrupted
// commit reached its terminal outcome.
func (r *auditRepository) LatestCommit(ctx context.Context, recordID, sessionID uuid.UUID) (domain.AuditEntry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, commit_tx_id, organization_id, record_id, session_id, actor_id, kind, before_fields, after_fields, reason, created_at
		FROM audit_entries
		WHERE record_id = $1 AND session_id = $2 AND kind = $3
		ORDER BY created_at DESC
		LIMIT 1`, recordID, sessionID, domain.AuditKindCommit,
	)
	entry, err := scanAuditEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AuditEntry{}, fmt.Errorf("commit audit for record %s session %s: %w", recordID, sessionID, domain.ErrNotFound)
		}
		return domain.AuditEntry{}, fmt.Errorf("failed to get latest commit entry: %w", err)
	}
	return entry, nil
}

func scanAuditEntry(row pgx.Row) (domain.AuditEntry, error) {
	var (
		entry      domain.AuditEntry
		beforeJSON []byte
		afterJSON  []byte
	)
	if err := row.Scan(&entry.ID, &entry.CommitTxID, &entry.OrganizationID, &entry.RecordID,
		&entry.SessionID, &entry.ActorID, &entry.Kind, &beforeJSON, &afterJSON, &entry.Reason, &entry.CreatedAt); err != nil {
		return domain.AuditEntry{}, err
	}
	if err := json.Unmarshal(beforeJSON, &entry.Before); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("failed to decode audit before state: %w", err)
	}
	if err := json.Unmarshal(afterJSON, &entry.After); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("failed to decode audit after state: %w", err)
	}
	return entry, nil
}
