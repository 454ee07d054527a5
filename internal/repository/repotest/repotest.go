// Package repotest provides in-memory repository implementations for tests.
// They honor the same contracts as the pgx implementations (wholesale ledger
// replace on save, domain.ErrNotFound on misses) without a database.
package repotest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rpattn/pfasync/internal/domain"
)

// MirrorStore is an in-memory MirrorRepository.
type MirrorStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]domain.MirrorRecord

	// FailApplyFields forces the next ApplyFields call to fail, for
	// exercising commit rollback paths.
	FailApplyFields bool

	// BeforeApplyFields runs at the top of ApplyFields, before the context
	// is checked. Tests use it to cancel the request mid-commit.
	BeforeApplyFields func()
}

func NewMirrorStore(records ...domain.MirrorRecord) *MirrorStore {
	s := &MirrorStore{records: make(map[uuid.UUID]domain.MirrorRecord)}
	for _, record := range records {
		s.records[record.ID] = record
	}
	return s
}

func (s *MirrorStore) Upsert(_ context.Context, record domain.MirrorRecord) (domain.MirrorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = record
	return record, nil
}

func (s *MirrorStore) GetByID(_ context.Context, id uuid.UUID) (domain.MirrorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return domain.MirrorRecord{}, fmt.Errorf("mirror record %s: %w", id, domain.ErrNotFound)
	}
	return record, nil
}

func (s *MirrorStore) GetByIDs(_ context.Context, ids []uuid.UUID) ([]domain.MirrorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.MirrorRecord, 0, len(ids))
	for _, id := range ids {
		if record, ok := s.records[id]; ok {
			out = append(out, record)
		}
	}
	return out, nil
}

func (s *MirrorStore) GetByCode(_ context.Context, organizationID uuid.UUID, code string) (domain.MirrorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.records {
		if record.OrganizationID == organizationID && record.Code == code {
			return record, nil
		}
	}
	return domain.MirrorRecord{}, fmt.Errorf("mirror record %s: %w", code, domain.ErrNotFound)
}

func (s *MirrorStore) List(_ context.Context, organizationID uuid.UUID, limit, offset int) ([]domain.MirrorRecord, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []domain.MirrorRecord
	for _, record := range s.records {
		if record.OrganizationID == organizationID {
			all = append(all, record)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Code < all[j].Code })
	total := len(all)
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

func (s *MirrorStore) DistinctOrganizations(_ context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[uuid.UUID]struct{}{}
	var out []uuid.UUID
	for _, record := range s.records {
		if _, ok := seen[record.OrganizationID]; ok {
			continue
		}
		seen[record.OrganizationID] = struct{}{}
		out = append(out, record.OrganizationID)
	}
	return out, nil
}

func (s *MirrorStore) ApplyFields(ctx context.Context, _ pgx.Tx, recordID uuid.UUID, fields domain.FieldMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.BeforeApplyFields != nil {
		s.BeforeApplyFields()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.FailApplyFields {
		return fmt.Errorf("apply fields: forced failure")
	}
	record, ok := s.records[recordID]
	if !ok {
		return fmt.Errorf("mirror record %s: %w", recordID, domain.ErrNotFound)
	}
	merged := record.Fields.Clone()
	for name, value := range fields {
		merged[name] = value
	}
	record.Fields = merged
	s.records[recordID] = record
	return nil
}

type ledgerKey struct {
	recordID  uuid.UUID
	sessionID uuid.UUID
}

// LedgerStore is an in-memory LedgerRepository.
type LedgerStore struct {
	mu      sync.Mutex
	deltas  map[ledgerKey]domain.Modification
	touched map[ledgerKey]time.Time
}

func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		deltas:  make(map[ledgerKey]domain.Modification),
		touched: make(map[ledgerKey]time.Time),
	}
}

func (s *LedgerStore) Save(_ context.Context, delta domain.Modification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ledgerKey{delta.RecordID, delta.SessionID}
	s.deltas[key] = delta
	s.touched[key] = time.Now()
	return nil
}

func (s *LedgerStore) Get(_ context.Context, recordID, sessionID uuid.UUID) (domain.Modification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delta, ok := s.deltas[ledgerKey{recordID, sessionID}]
	if !ok {
		return domain.Modification{}, fmt.Errorf("delta %s/%s: %w", recordID, sessionID, domain.ErrNotFound)
	}
	return delta, nil
}

func (s *LedgerStore) ListBySession(_ context.Context, sessionID uuid.UUID) ([]domain.Modification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Modification
	for key, delta := range s.deltas {
		if key.sessionID == sessionID {
			out = append(out, delta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *LedgerStore) ListByRecords(_ context.Context, recordIDs []uuid.UUID) ([]domain.Modification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[uuid.UUID]struct{}, len(recordIDs))
	for _, id := range recordIDs {
		wanted[id] = struct{}{}
	}
	var out []domain.Modification
	for key, delta := range s.deltas {
		if _, ok := wanted[key.recordID]; ok {
			out = append(out, delta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *LedgerStore) SetState(ctx context.Context, recordID, sessionID uuid.UUID, state domain.DeltaState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	key := ledgerKey{recordID, sessionID}
	delta, ok := s.deltas[key]
	if !ok {
		return fmt.Errorf("delta %s/%s: %w", recordID, sessionID, domain.ErrNotFound)
	}
	delta.State = state
	s.deltas[key] = delta
	s.touched[key] = time.Now()
	return nil
}

func (s *LedgerStore) Delete(_ context.Context, recordID, sessionID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ledgerKey{recordID, sessionID}
	if _, ok := s.deltas[key]; !ok {
		return false, nil
	}
	delete(s.deltas, key)
	delete(s.touched, key)
	return true, nil
}

func (s *LedgerStore) DeleteTx(ctx context.Context, _ pgx.Tx, recordID, sessionID uuid.UUID) error {
	_, err := s.Delete(ctx, recordID, sessionID)
	return err
}

func (s *LedgerStore) DeleteIdleBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, delta := range s.deltas {
		if delta.State != domain.DeltaStateDraft {
			continue
		}
		if s.touched[key].Before(cutoff) {
			delete(s.deltas, key)
			delete(s.touched, key)
			removed++
		}
	}
	return removed, nil
}

func (s *LedgerStore) ListPendingCommit(_ context.Context) ([]domain.Modification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Modification
	for _, delta := range s.deltas {
		if delta.State == domain.DeltaStatePendingCommit {
			out = append(out, delta)
		}
	}
	return out, nil
}

// Touch backdates a delta's last activity, for garbage collection tests.
func (s *LedgerStore) Touch(recordID, sessionID uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched[ledgerKey{recordID, sessionID}] = at
}

// AuditStore is an in-memory AuditRepository.
type AuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry

	// FailInsertTx forces transactional inserts to fail, for exercising
	// commit rollback paths.
	FailInsertTx bool
}

func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Insert(_ context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *AuditStore) InsertTx(ctx context.Context, _ pgx.Tx, entry domain.AuditEntry) error {
	if s.FailInsertTx {
		return fmt.Errorf("insert audit entry: forced failure")
	}
	return s.Insert(ctx, entry)
}

func (s *AuditStore) ListByRecord(_ context.Context, recordID uuid.UUID, limit int) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditEntry
	for _, entry := range s.entries {
		if entry.RecordID == recordID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *AuditStore) LatestCommit(_ context.Context, recordID, sessionID uuid.UUID) (domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *domain.AuditEntry
	for i := range s.entries {
		entry := s.entries[i]
		if entry.RecordID != recordID || entry.SessionID != sessionID || entry.Kind != domain.AuditKindCommit {
			continue
		}
		if latest == nil || entry.CreatedAt.After(latest.CreatedAt) {
			latest = &s.entries[i]
		}
	}
	if latest == nil {
		return domain.AuditEntry{}, fmt.Errorf("no commit entry for %s/%s: %w", recordID, sessionID, domain.ErrNotFound)
	}
	return *latest, nil
}

// Entries returns a copy of everything inserted so far.
func (s *AuditStore) Entries() []domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// TxRunner runs the transaction function with a nil pgx.Tx; the stores above
// ignore the handle.
type TxRunner struct{}

func (TxRunner) WithTx(_ context.Context, fn func(pgx.Tx) error) error {
	return fn(nil)
}
