package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/pfasync/internal/domain"
)

// mirrorRepository implements MirrorRepository on Postgres.
type mirrorRepository struct {
	pool *pgxpool.Pool
}

// NewMirrorRepository creates a new mirror repository.
func NewMirrorRepository(pool *pgxpool.Pool) MirrorRepository {
	return &mirrorRepository{pool: pool}
}

// Upsert writes the externally-confirmed state of one record, keyed by
// (organization, code). Reconciler use only.
func (r *mirrorRepository) Upsert(ctx context.Context, record domain.MirrorRecord) (domain.MirrorRecord, error) {
	fieldsJSON, err := json.Marshal(record.Fields)
	if err != nil {
		return domain.MirrorRecord{}, fmt.Errorf("failed to marshal mirror fields: %w", err)
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO mirror_records (id, organization_id, code, fields, source_version, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (organization_id, code) DO UPDATE
		SET fields = EXCLUDED.fields,
		    source_version = EXCLUDED.source_version,
		    synced_at = EXCLUDED.synced_at
		RETURNING id, organization_id, code, fields, source_version, synced_at`,
		record.ID, record.OrganizationID, record.Code, fieldsJSON, record.SourceVersion, record.SyncedAt,
	)

	return scanMirrorRecord(row)
}

// GetByID retrieves one mirror record.
func (r *mirrorRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.MirrorRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, organization_id, code, fields, source_version, synced_at
		FROM mirror_records WHERE id = $1`, id,
	)
	record, err := scanMirrorRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MirrorRecord{}, fmt.Errorf("mirror record %s: %w", id, domain.ErrNotFound)
		}
		return domain.MirrorRecord{}, fmt.Errorf("failed to get mirror record: %w", err)
	}
	return record, nil
}

// GetByIDs retrieves multiple mirror records in one round trip.
func (r *mirrorRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.MirrorRecord, error) {
	if len(ids) == 0 {
		return []domain.MirrorRecord{}, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, organization_id, code, fields, source_version, synced_at
		FROM mirror_records WHERE id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get mirror records by ids: %w", err)
	}
	defer rows.Close()

	return collectMirrorRecords(rows)
}

// GetByCode retrieves a record by its human-facing business code.
func (r *mirrorRepository) GetByCode(ctx context.Context, organizationID uuid.UUID, code string) (domain.MirrorRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, organization_id, code, fields, source_version, synced_at
		FROM mirror_records WHERE organization_id = $1 AND code = $2`,
		organizationID, code,
	)
	record, err := scanMirrorRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MirrorRecord{}, fmt.Errorf("mirror record %s/%s: %w", organizationID, code, domain.ErrNotFound)
		}
		return domain.MirrorRecord{}, fmt.Errorf("failed to get mirror record by code: %w", err)
	}
	return record, nil
}

// List retrieves a page of mirror records for an organization along with the
// total count. A limit of zero disables paging and returns every record.
func (r *mirrorRepository) List(ctx context.Context, organizationID uuid.UUID, limit, offset int) ([]domain.MirrorRecord, int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, organization_id, code, fields, source_version, synced_at,
		       COUNT(*) OVER() AS total_count
		FROM mirror_records
		WHERE organization_id = $1
		ORDER BY code
		LIMIT NULLIF($2, 0) OFFSET $3`,
		organizationID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list mirror records: %w", err)
	}
	defer rows.Close()

	var records []domain.MirrorRecord
	total := 0
	for rows.Next() {
		var (
			record     domain.MirrorRecord
			fieldsJSON []byte
		)
		if err := rows.Scan(&record.ID, &record.OrganizationID, &record.Code, &fieldsJSON, &record.SourceVersion, &record.SyncedAt, &total); err != nil {
			return nil, 0, fmt.Errorf("failed to scan mirror record: %w", err)
		}
		if err := json.Unmarshal(fieldsJSON, &record.Fields); err != nil {
			return nil, 0, fmt.Errorf("failed to decode fields for record %s: %w", record.ID, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read mirror records: %w", err)
	}

	return records, total, nil
}

// DistinctOrganizations returns every organization with mirrored records,
// for the reconciler's periodic sweep.
func (r *mirrorRepository) DistinctOrganizations(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT organization_id FROM mirror_records`)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan organization id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read organization ids: %w", err)
	}
	return ids, nil
}

// ApplyFields merges committed field values into the mirror row inside the
// caller's transaction. The JSONB concatenation keeps untouched fields as-is.
func (r *mirrorRepository) ApplyFields(ctx context.Context, tx pgx.Tx, recordID uuid.UUID, fields domain.FieldMap) error {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal committed fields: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE mirror_records SET fields = fields || $2::jsonb WHERE id = $1`,
		recordID, fieldsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to apply committed fields: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mirror record %s: %w", recordID, domain.ErrNotFound)
	}
	return nil
}

func scanMirrorRecord(row pgx.Row) (domain.MirrorRecord, error) {
	var (
		record     domain.MirrorRecord
		fieldsJSON []byte
	)
	if err := row.Scan(&record.ID, &record.OrganizationID, &record.Code, &fieldsJSON, &record.SourceVersion, &record.SyncedAt); err != nil {
		return domain.MirrorRecord{}, err
	}
	if err := json.Unmarshal(fieldsJSON, &record.Fields); err != nil {
		return domain.MirrorRecord{}, fmt.Errorf("failed to decode fields for record %s: %w", record.ID, err)
	}
	return record, nil
}

func collectMirrorRecords(rows pgx.Rows) ([]domain.MirrorRecord, error) {
	var records []domain.MirrorRecord
	for rows.Next() {
		var (
			record     domain.MirrorRecord
			fieldsJSON []byte
		)
		if err := rows.Scan(&record.ID, &record.OrganizationID, &record.Code, &fieldsJSON, &record.SourceVersion, &record.SyncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mirror record: %w", err)
		}
		if err := json.Unmarshal(fieldsJSON, &record.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode fields for record %s: %w", record.ID, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read mirror records: %w", err)
	}
	return records, nil
}
