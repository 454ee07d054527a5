package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/pfasync/internal/domain"
)

// ledgerRepository implements LedgerRepository on Postgres.
type ledgerRepository struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository creates a new modification ledger repository.
func NewLedgerRepository(pool *pgxpool.Pool) LedgerRepository {
	return &ledgerRepository{pool: pool}
}

// Save upserts a delta keyed by (record, session). The field set and baseline
// are replaced wholesale; partial in-place patching would let the row drift
// from the caller's full diff against baseline.
func (r *ledgerRepository) Save(ctx context.Context, delta domain.Modification) error {
	fieldsJSON, err := json.Marshal(delta.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal delta fields: %w", err)
	}
	baselineJSON, err := json.Marshal(delta.Baseline)
	if err != nil {
		return fmt.Errorf("failed to marshal delta baseline: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO ledger_deltas
			(record_id, session_id, actor_id, organization_id, fields, baseline, reason, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (record_id, session_id) DO UPDATE
		SET fields = EXCLUDED.fields,
		    baseline = EXCLUDED.baseline,
		    reason = EXCLUDED.reason,
		    state = EXCLUDED.state,
		    created_at = EXCLUDED.created_at,
		    updated_at = now()`,
		delta.RecordID, delta.SessionID, delta.ActorID, delta.OrganizationID,
		fieldsJSON, baselineJSON, delta.Reason, delta.State, delta.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to save delta: %v", domain.ErrTransientStorage, err)
	}
	return nil
}

// Get retrieves the delta for one (record, session) pair.
func (r *ledgerRepository) Get(ctx context.Context, recordID, sessionID uuid.UUID) (domain.Modification, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT record_id, session_id, actor_id, organization_id, fields, baseline, reason, state, created_at
		FROM ledger_deltas WHERE record_id = $1 AND session_id = $2`,
		recordID, sessionID,
	)
	delta, err := scanModification(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Modification{}, fmt.Errorf("delta for record %s session %s: %w", recordID, sessionID, domain.ErrNotFound)
		}
		return domain.Modification{}, fmt.Errorf("failed to get delta: %w", err)
	}
	return delta, nil
}

// ListBySession retrieves every delta owned by the session, oldest first.
func (r *ledgerRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]domain.Modification, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT record_id, session_id, actor_id, organization_id, fields, baseline, reason, state, created_at
		FROM ledger_deltas WHERE session_id = $1
		ORDER BY created_at`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list deltas by session: %w", err)
	}
	defer rows.Close()
	return collectModifications(rows)
}

// ListByRecords retrieves every pending delta touching the given records,
// across all sessions, oldest first.
func (r *ledgerRepository) ListByRecords(ctx context.Context, recordIDs []uuid.UUID) ([]domain.Modification, error) {
	if len(recordIDs) == 0 {
		return []domain.Modification{}, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT record_id, session_id, actor_id, organization_id, fields, baseline, reason, state, created_at
		FROM ledger_deltas WHERE record_id = ANY($1)
		ORDER BY created_at`, recordIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list deltas by records: %w", err)
	}
	defer rows.Close()
	return collectModifications(rows)
}

// SetState transitions one delta's lifecycle state.
func (r *ledgerRepository) SetState(ctx context.Context, recordID, sessionID uuid.UUID, state domain.DeltaState) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE ledger_deltas SET state = $3, updated_at = now()
		WHERE record_id = $1 AND session_id = $2`,
		recordID, sessionID, state,
	)
	if err != nil {
		return fmt.Errorf("failed to set delta state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delta for record %s session %s: %w", recordID, sessionID, domain.ErrNotFound)
	}
	return nil
}

// Delete removes one delta outright. Returns false when no row matched,
// which callers treat as a no-op rather than an error.
func (r *ledgerRepository) Delete(ctx context.Context, recordID, sessionID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM ledger_deltas WHERE record_id = $1 AND session_id = $2`,
		recordID, sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("%w: failed to delete delta: %v", domain.ErrTransientStorage, err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteTx removes one delta inside the caller's commit transaction.
func (r *ledgerRepository) DeleteTx(ctx context.Context, tx pgx.Tx, recordID, sessionID uuid.UUID) error {
	if _, err := tx.Exec(ctx, `
		DELETE FROM ledger_deltas WHERE record_id = $1 AND session_id = $2`,
		recordID, sessionID,
	); err != nil {
		return fmt.Errorf("failed to delete committed delta: %w", err)
	}
	return nil
}

// DeleteIdleBefore garbage-collects drafts that have not been touched since
// the cutoff. Separate from discard: no audit event is written.
func (r *ledgerRepository) DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM ledger_deltas WHERE state = $1 AND updated_at < $2`,
		domain.DeltaStateDraft, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to garbage-collect idle deltas: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListPendingCommit returns deltas stranded mid-commit, for crash recovery.
func (r *ledgerRepository) ListPendingCommit(ctx context.Context) ([]domain.Modification, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT record_id, session_id, actor_id, organization_id, fields, baseline, reason, state, created_at
		FROM ledger_deltas WHERE state = $1
		ORDER BY created_at`, domain.DeltaStatePendingCommit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending-commit deltas: %w", err)
	}
	defer rows.Close()
	return collectModifications(rows)
}

func scanModification(row pgx.Row) (domain.Modification, error) {
	var (
		delta        domain.Modification
		fieldsJSON   []byte
		baselineJSON []byte
	)
	if err := row.Scan(&delta.RecordID, &delta.SessionID, &delta.ActorID, &delta.OrganizationID,
		&fieldsJSON, &baselineJSON, &delta.Reason, &delta.State, &delta.CreatedAt); err != nil {
		return domain.Modification{}, err
	}
	if err := json.Unmarshal(fieldsJSON, &delta.Fields); err != nil {
		return domain.Modification{}, fmt.Errorf("failed to decode delta fields for record %s: %w", delta.RecordID, err)
	}
	if err := json.Unmarshal(baselineJSON, &delta.Baseline); err != nil {
		return domain.Modification{}, fmt.Errorf("failed to decode delta baseline for record %s: %w", delta.RecordID, err)
	}
	return delta, nil
}

func collectModifications(rows pgx.Rows) ([]domain.Modification, error) {
	var deltas []domain.Modification
	for rows.Next() {
		delta, err := scanModification(rows)
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, delta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read deltas: %w", err)
	}
	return deltas, nil
}
