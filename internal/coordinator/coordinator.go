// Package coordinator owns the draft lifecycle: save-draft, commit and
// discard, plus crash recovery and idle-draft garbage collection. Commit
// promotes a session's deltas into the mirror one record at a time, each
// under a per-record lock and inside a single transaction with its audit
// entry and ledger delete, so a record is never left half-committed.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rpattn/pfasync/internal/auth"
	"github.com/rpattn/pfasync/internal/domain"
	"github.com/rpattn/pfasync/internal/repository"
	"github.com/rpattn/pfasync/internal/session"
)

// guardSession rejects calls where the request principal carried on the
// context is not the session's owner.
func guardSession(ctx context.Context, sess session.Session) error {
	if actor, ok := auth.ActorIDFromContext(ctx); ok && actor != sess.ActorID {
		return fmt.Errorf("%w: session %s belongs to another actor", domain.ErrPermissionDenied, sess.ID)
	}
	return nil
}

// DraftInput is one record's requested change set within a save call. Fields
// is the caller's full diff against its baseline, not an incremental patch.
type DraftInput struct {
	RecordID uuid.UUID       `json:"recordId"`
	Delta    domain.FieldMap `json:"delta"`
	Reason   string          `json:"reason,omitempty"`
}

// SaveResult reports how many deltas were persisted. Empty deltas are
// skipped, not saved, so Saved can be less than the number of inputs.
type SaveResult struct {
	Saved int `json:"saved"`
}

// RecordOutcome is the per-record result of a commit batch. Partial success
// is expected: conflicted records stay in draft while the rest commit.
type RecordOutcome struct {
	RecordID uuid.UUID `json:"recordId"`
	Reason   string    `json:"reason,omitempty"`
}

// CommitResult is the structured per-record outcome of a commit call.
type CommitResult struct {
	Committed int             `json:"committed"`
	Conflicts []RecordOutcome `json:"conflicts,omitempty"`
	Failures  []RecordOutcome `json:"failures,omitempty"`
}

// DiscardResult reports how many deltas were deleted.
type DiscardResult struct {
	Discarded int `json:"discarded"`
}

const lockShards = 64

// TxRunner executes a function inside a database transaction. Satisfied by
// *db.Connection.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(pgx.Tx) error) error
}

// Coordinator implements the draft state machine over the mirror, ledger and
// audit repositories.
type Coordinator struct {
	conn    TxRunner
	mirrors repository.MirrorRepository
	ledger  repository.LedgerRepository
	audit   repository.AuditRepository

	// Per-record commit locks, sharded by record id. Two concurrent commits
	// for the same record serialize here; different records proceed in
	// parallel.
	locks [lockShards]chan struct{}

	now func() time.Time
}

// New creates a coordinator.
func New(
	conn TxRunner,
	mirrors repository.MirrorRepository,
	ledger repository.LedgerRepository,
	audit repository.AuditRepository,
) *Coordinator {
	c := &Coordinator{
		conn:    conn,
		mirrors: mirrors,
		ledger:  ledger,
		audit:   audit,
		now:     time.Now,
	}
	for i := range c.locks {
		c.locks[i] = make(chan struct{}, 1)
	}
	return c
}

func (c *Coordinator) lockRecord(ctx context.Context, recordID uuid.UUID) (func(), error) {
	shard := c.locks[int(recordID[0])%lockShards]
	select {
	case shard <- struct{}{}:
		return func() { <-shard }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WithRecordLock runs fn while holding the record's commit lock. The
// reconciler uses this so a mirror refresh never interleaves with an
// in-flight commit for the same record.
func (c *Coordinator) WithRecordLock(ctx context.Context, recordID uuid.UUID, fn func() error) error {
	unlock, err := c.lockRecord(ctx, recordID)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// SaveDraft validates, re-minimizes and upserts the session's deltas. The
// capability check runs before anything is persisted; a denied field fails
// the whole call. Each delta is re-validated against the current mirror
// baseline rather than trusting the client's diff, since the client's notion
// of baseline may itself be stale.
func (c *Coordinator) SaveDraft(ctx context.Context, sess session.Session, inputs []DraftInput) (SaveResult, error) {
	if err := guardSession(ctx, sess); err != nil {
		return SaveResult{}, err
	}
	caps := sess.CapabilitySet()
	for _, input := range inputs {
		if err := input.Delta.Validate(); err != nil {
			return SaveResult{}, err
		}
		if !caps.Can(input.Delta.Names()) {
			return SaveResult{}, fmt.Errorf("%w: actor %s may not change fields %v",
				domain.ErrPermissionDenied, sess.ActorID, input.Delta.Names())
		}
	}

	result := SaveResult{}
	for _, input := range inputs {
		mirror, err := c.mirrors.GetByID(ctx, input.RecordID)
		if err != nil {
			return result, err
		}
		if mirror.OrganizationID != sess.OrganizationID {
			return result, fmt.Errorf("record %s: %w", input.RecordID, domain.ErrNotFound)
		}

		// Server-side re-minimization: drop fields equal to the current
		// mirror value and capture that value as the delta's baseline.
		fields := domain.FieldMap{}
		baseline := domain.FieldMap{}
		for name, value := range input.Delta {
			current, ok := mirror.Fields[name]
			if ok && current.Equal(value) {
				continue
			}
			fields[name] = value
			if ok {
				baseline[name] = current
			}
		}
		if len(fields) == 0 {
			// Nothing diverges from baseline; saving would persist a no-op.
			continue
		}

		delta := domain.Modification{
			RecordID:       input.RecordID,
			SessionID:      sess.ID,
			ActorID:        sess.ActorID,
			OrganizationID: sess.OrganizationID,
			Fields:         fields,
			Baseline:       baseline,
			Reason:         input.Reason,
			State:          domain.DeltaStateDraft,
			CreatedAt:      c.now(),
		}
		if err := c.ledger.Save(ctx, delta); err != nil {
			return result, err
		}
		result.Saved++
	}
	return result, nil
}

// Commit promotes the session's drafts into the mirror. Records commit
// independently: a conflict on one never blocks the others, and the result
// lists each record's outcome rather than a single boolean. Committing a
// session with no deltas is a no-op.
func (c *Coordinator) Commit(ctx context.Context, sess session.Session, recordIDs []uuid.UUID) (CommitResult, error) {
	if err := guardSession(ctx, sess); err != nil {
		return CommitResult{}, err
	}
	deltas, err := c.ledger.ListBySession(ctx, sess.ID)
	if err != nil {
		return CommitResult{}, err
	}
	deltas = filterByRecords(deltas, recordIDs)

	result := CommitResult{}
	for _, delta := range deltas {
		outcome := c.commitOne(ctx, delta)
		switch {
		case outcome == nil:
			result.Committed++
		case errors.Is(outcome, domain.ErrConflictDetected):
			result.Conflicts = append(result.Conflicts, RecordOutcome{RecordID: delta.RecordID, Reason: outcome.Error()})
		default:
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.Failures = append(result.Failures, RecordOutcome{RecordID: delta.RecordID, Reason: outcome.Error()})
		}
	}
	return result, nil
}

// commitOne runs the draft -> committing -> committed transition for a single
// record. Any failure puts the delta back into draft so the caller can retry.
func (c *Coordinator) commitOne(ctx context.Context, delta domain.Modification) error {
	unlock, err := c.lockRecord(ctx, delta.RecordID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := c.ledger.SetState(ctx, delta.RecordID, delta.SessionID, domain.DeltaStatePendingCommit); err != nil {
		return err
	}

	mirror, err := c.mirrors.GetByID(ctx, delta.RecordID)
	if err != nil {
		c.revertToDraft(ctx, delta)
		return err
	}

	// Re-validate against the current mirror: external truth may have moved
	// under the draft since its baseline was captured.
	if conflicted := delta.ConflictingFields(mirror.Fields); len(conflicted) > 0 {
		if err := c.ledger.SetState(ctx, delta.RecordID, delta.SessionID, domain.DeltaStateConflicted); err != nil {
			return err
		}
		return fmt.Errorf("%w: fields %v diverged from baseline", domain.ErrConflictDetected, conflicted)
	}

	before := domain.FieldMap{}
	for name := range delta.Fields {
		if value, ok := mirror.Fields[name]; ok {
			before[name] = value
		}
	}

	entry := domain.AuditEntry{
		ID:             uuid.New(),
		CommitTxID:     uuid.New(),
		OrganizationID: delta.OrganizationID,
		RecordID:       delta.RecordID,
		SessionID:      delta.SessionID,
		ActorID:        delta.ActorID,
		Kind:           domain.AuditKindCommit,
		Before:         before,
		After:          delta.Fields.Clone(),
		Reason:         delta.Reason,
		CreatedAt:      c.now(),
	}

	err = c.conn.WithTx(ctx, func(tx pgx.Tx) error {
		if err := c.mirrors.ApplyFields(ctx, tx, delta.RecordID, delta.Fields); err != nil {
			return err
		}
		if err := c.audit.InsertTx(ctx, tx, entry); err != nil {
			return err
		}
		return c.ledger.DeleteTx(ctx, tx, delta.RecordID, delta.SessionID)
	})
	if err != nil {
		c.revertToDraft(ctx, delta)
		return fmt.Errorf("%w: commit transaction failed: %v", domain.ErrTransientStorage, err)
	}
	return nil
}

// revertToDraft is the compensating write after a failed commit. The request
// that triggered it may already be cancelled, so the revert runs detached
// from its deadline; otherwise the delta stays in pending_commit until the
// next restart recovers it.
func (c *Coordinator) revertToDraft(ctx context.Context, delta domain.Modification) {
	ctx = context.WithoutCancel(ctx)
	if err := c.ledger.SetState(ctx, delta.RecordID, delta.SessionID, domain.DeltaStateDraft); err != nil {
		log.Printf("[COORDINATOR] failed to revert delta %s/%s to draft: %v", delta.RecordID, delta.SessionID, err)
	}
}

// Discard deletes the session's drafts without touching the mirror. A session
// with no deltas discards zero rows; that is not an error. A lightweight
// audit event records that the discard occurred.
func (c *Coordinator) Discard(ctx context.Context, sess session.Session, recordIDs []uuid.UUID) (DiscardResult, error) {
	if err := guardSession(ctx, sess); err != nil {
		return DiscardResult{}, err
	}
	deltas, err := c.ledger.ListBySession(ctx, sess.ID)
	if err != nil {
		return DiscardResult{}, err
	}
	deltas = filterByRecords(deltas, recordIDs)

	result := DiscardResult{}
	for _, delta := range deltas {
		deleted, err := c.ledger.Delete(ctx, delta.RecordID, delta.SessionID)
		if err != nil {
			return result, err
		}
		if !deleted {
			continue
		}
		result.Discarded++

		event := domain.AuditEntry{
			ID:             uuid.New(),
			CommitTxID:     uuid.Nil,
			OrganizationID: delta.OrganizationID,
			RecordID:       delta.RecordID,
			SessionID:      delta.SessionID,
			ActorID:        delta.ActorID,
			Kind:           domain.AuditKindDiscard,
			CreatedAt:      c.now(),
		}
		if err := c.audit.Insert(ctx, event); err != nil {
			// The discard itself succeeded; the event is advisory.
			log.Printf("[COORDINATOR] failed to record discard event for %s: %v", delta.RecordID, err)
		}
	}
	return result, nil
}

// Reapply rebases the session's conflicted deltas onto the refreshed mirror
// and returns them to draft. Fields whose drafted value now matches the
// mirror are dropped; a delta left empty by the rebase is deleted.
func (c *Coordinator) Reapply(ctx context.Context, sess session.Session, recordIDs []uuid.UUID) (SaveResult, error) {
	if err := guardSession(ctx, sess); err != nil {
		return SaveResult{}, err
	}
	deltas, err := c.ledger.ListBySession(ctx, sess.ID)
	if err != nil {
		return SaveResult{}, err
	}
	deltas = filterByRecords(deltas, recordIDs)

	result := SaveResult{}
	for _, delta := range deltas {
		if delta.State != domain.DeltaStateConflicted {
			continue
		}
		mirror, err := c.mirrors.GetByID(ctx, delta.RecordID)
		if err != nil {
			return result, err
		}
		rebased := delta.Rebase(mirror.Fields)
		if rebased.IsEmpty() {
			if _, err := c.ledger.Delete(ctx, delta.RecordID, delta.SessionID); err != nil {
				return result, err
			}
			continue
		}
		if err := c.ledger.Save(ctx, rebased); err != nil {
			return result, err
		}
		result.Saved++
	}
	return result, nil
}

// Recover repairs deltas stranded in pending_commit by a crash. The audit log
// is the source of truth: if a commit entry newer than the delta exists, the
// commit transaction landed and the leftover row is deleted; otherwise the
// commit never completed and the delta returns to draft.
func (c *Coordinator) Recover(ctx context.Context) error {
	stranded, err := c.ledger.ListPendingCommit(ctx)
	if err != nil {
		return err
	}
	for _, delta := range stranded {
		entry, err := c.audit.LatestCommit(ctx, delta.RecordID, delta.SessionID)
		switch {
		case err == nil && !entry.CreatedAt.Before(delta.CreatedAt):
			if _, err := c.ledger.Delete(ctx, delta.RecordID, delta.SessionID); err != nil {
				return err
			}
			log.Printf("[COORDINATOR] recovered committed delta %s/%s", delta.RecordID, delta.SessionID)
		case err == nil || errors.Is(err, domain.ErrNotFound):
			if err := c.ledger.SetState(ctx, delta.RecordID, delta.SessionID, domain.DeltaStateDraft); err != nil {
				return err
			}
			log.Printf("[COORDINATOR] reverted interrupted commit for %s/%s", delta.RecordID, delta.SessionID)
		default:
			return err
		}
	}
	return nil
}

// GarbageCollect removes drafts idle since before the cutoff. Policy cleanup,
// distinct from discard: no audit event is written.
func (c *Coordinator) GarbageCollect(ctx context.Context, cutoff time.Time) (int, error) {
	return c.ledger.DeleteIdleBefore(ctx, cutoff)
}

func filterByRecords(deltas []domain.Modification, recordIDs []uuid.UUID) []domain.Modification {
	if len(recordIDs) == 0 {
		return deltas
	}
	wanted := make(map[uuid.UUID]struct{}, len(recordIDs))
	for _, id := range recordIDs {
		wanted[id] = struct{}{}
	}
	out := deltas[:0]
	for _, delta := range deltas {
		if _, ok := wanted[delta.RecordID]; ok {
			out = append(out, delta)
		}
	}
	return out
}
