// Package reconciler refreshes the mirror from the external system of record
// and flags drafts whose baseline the refresh invalidated. External truth
// always wins on refresh: the mirror is updated even when drafts conflict,
// but conflicted drafts are never deleted and never silently re-applied —
// resolving them takes an explicit reapply or discard.
package reconciler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/pfasync/internal/domain"
	"github.com/rpattn/pfasync/internal/repository"
)

// Source is the external system-of-record connector boundary.
type Source interface {
	FetchOrganization(ctx context.Context, organizationID uuid.UUID) ([]domain.ExternalSnapshot, error)
}

// Locker serializes mirror refreshes against in-flight commits for the same
// record. Satisfied by the coordinator.
type Locker interface {
	WithRecordLock(ctx context.Context, recordID uuid.UUID, fn func() error) error
}

// RefreshResult reports one record's refresh outcome.
type RefreshResult struct {
	Code          string
	Updated       bool
	ConflictsWith []uuid.UUID // sessions whose drafts were flagged conflicted
}

// Reconciler owns the mirror store: outside the commit path, it is the only
// writer.
type Reconciler struct {
	mirrors repository.MirrorRepository
	ledger  repository.LedgerRepository
	source  Source
	locker  Locker

	interval time.Duration
}

// New creates a reconciler.
func New(
	mirrors repository.MirrorRepository,
	ledger repository.LedgerRepository,
	source Source,
	locker Locker,
	interval time.Duration,
) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		mirrors:  mirrors,
		ledger:   ledger,
		source:   source,
		locker:   locker,
		interval: interval,
	}
}

// RefreshMirror applies one external snapshot to the mirror. Records are
// matched by business code within the organization; unknown codes create new
// mirror rows. Pending deltas touching an externally-changed field are
// flagged conflicted and surfaced to their owning sessions on next read.
func (r *Reconciler) RefreshMirror(ctx context.Context, organizationID uuid.UUID, snap domain.ExternalSnapshot) (RefreshResult, error) {
	if err := snap.Fields.Validate(); err != nil {
		return RefreshResult{}, err
	}

	current, err := r.mirrors.GetByCode(ctx, organizationID, snap.Code)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return RefreshResult{}, err
		}
		record := domain.NewMirrorRecord(organizationID, snap.Code, snap.Fields, snap.SourceVersion)
		record.SyncedAt = snap.ObservedAt
		if _, err := r.mirrors.Upsert(ctx, record); err != nil {
			return RefreshResult{}, err
		}
		return RefreshResult{Code: snap.Code, Updated: true}, nil
	}

	changed := changedFields(current.Fields, snap.Fields)
	if len(changed) == 0 && current.SourceVersion == snap.SourceVersion {
		return RefreshResult{Code: snap.Code}, nil
	}

	result := RefreshResult{Code: snap.Code, Updated: true}
	err = r.locker.WithRecordLock(ctx, current.ID, func() error {
		deltas, err := r.ledger.ListByRecords(ctx, []uuid.UUID{current.ID})
		if err != nil {
			return err
		}

		flagged := map[uuid.UUID]struct{}{}
		for _, delta := range deltas {
			if !touchesAny(delta, changed) {
				continue
			}
			if delta.State != domain.DeltaStateConflicted {
				if err := r.ledger.SetState(ctx, delta.RecordID, delta.SessionID, domain.DeltaStateConflicted); err != nil {
					return err
				}
			}
			if _, seen := flagged[delta.SessionID]; !seen {
				flagged[delta.SessionID] = struct{}{}
				result.ConflictsWith = append(result.ConflictsWith, delta.SessionID)
			}
		}

		refreshed := current
		refreshed.Fields = snap.Fields.Clone()
		refreshed.SourceVersion = snap.SourceVersion
		refreshed.SyncedAt = snap.ObservedAt
		_, err = r.mirrors.Upsert(ctx, refreshed)
		return err
	})
	if err != nil {
		return RefreshResult{}, err
	}
	return result, nil
}

// RefreshOrganization drains every pending snapshot for one organization and
// applies each in turn, returning the per-record outcomes.
func (r *Reconciler) RefreshOrganization(ctx context.Context, organizationID uuid.UUID) ([]RefreshResult, error) {
	snapshots, err := r.source.FetchOrganization(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	results := make([]RefreshResult, 0, len(snapshots))
	for _, snap := range snapshots {
		result, err := r.RefreshMirror(ctx, organizationID, snap)
		if err != nil {
			return results, err
		}
		if len(result.ConflictsWith) > 0 {
			log.Printf("[RECONCILER] record %s in org %s now conflicts with %d session(s)",
				snap.Code, organizationID, len(result.ConflictsWith))
		}
		results = append(results, result)
	}
	return results, nil
}

// Run sweeps every known organization on the configured interval until the
// context is cancelled. Safe to run concurrently with in-flight commits; the
// per-record lock serializes the overlap.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			orgs, err := r.mirrors.DistinctOrganizations(ctx)
			if err != nil {
				log.Printf("[RECONCILER] failed to list organizations: %v", err)
				continue
			}
			for _, org := range orgs {
				if _, err := r.RefreshOrganization(ctx, org); err != nil {
					log.Printf("[RECONCILER] refresh failed for org %s: %v", org, err)
				}
			}
		}
	}
}

func changedFields(current, next domain.FieldMap) map[domain.FieldName]struct{} {
	changed := map[domain.FieldName]struct{}{}
	for name, value := range next {
		before, ok := current[name]
		if !ok || !before.Equal(value) {
			changed[name] = struct{}{}
		}
	}
	for name := range current {
		if _, ok := next[name]; !ok {
			changed[name] = struct{}{}
		}
	}
	return changed
}

func touchesAny(delta domain.Modification, changed map[domain.FieldName]struct{}) bool {
	for name := range delta.Fields {
		if _, ok := changed[name]; ok {
			return true
		}
	}
	return false
}
