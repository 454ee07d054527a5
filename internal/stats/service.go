// Package stats computes summary aggregates over an organization's mirror and
// a session's pending deltas.
package stats

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/rpattn/pfasync/internal/domain"
	"github.com/rpattn/pfasync/internal/recordloader"
	"github.com/rpattn/pfasync/internal/repository"
)

// OrganizationStats summarizes one organization's mirror plus, when a session
// is given, that session's draft footprint.
type OrganizationStats struct {
	OrganizationID uuid.UUID     `json:"organizationId"`
	RecordTotal    int           `json:"recordTotal"`
	ActiveRecords  int           `json:"activeRecords"`
	Session        *SessionStats `json:"session,omitempty"`
}

// SessionStats summarizes the deltas one session holds.
type SessionStats struct {
	SessionID      uuid.UUID `json:"sessionId"`
	DraftCount     int       `json:"draftCount"`
	PendingCount   int       `json:"pendingCount"`
	ConflictCount  int       `json:"conflictCount"`
	ModifiedFields int       `json:"modifiedFields"`
	RateDriftCents int64     `json:"rateDriftCents"`
}

type Service struct {
	mirrors repository.MirrorRepository
	ledger  repository.LedgerRepository
}

func NewService(mirrors repository.MirrorRepository, ledger repository.LedgerRepository) *Service {
	return &Service{mirrors: mirrors, ledger: ledger}
}

// Organization computes aggregates for one organization. When sessionID is
// non-nil the session's deltas within the organization are summarized too.
func (s *Service) Organization(ctx context.Context, organizationID, sessionID uuid.UUID) (OrganizationStats, error) {
	out := OrganizationStats{OrganizationID: organizationID}

	records, total, err := s.mirrors.List(ctx, organizationID, 0, 0)
	if err != nil {
		return OrganizationStats{}, fmt.Errorf("list mirror records: %w", err)
	}
	out.RecordTotal = total
	for _, record := range records {
		if v, ok := record.Fields[domain.FieldActive]; ok && v.Kind == domain.KindBool && v.Bool {
			out.ActiveRecords++
		}
	}

	if sessionID == uuid.Nil {
		return out, nil
	}

	session, err := s.sessionStats(ctx, organizationID, sessionID)
	if err != nil {
		return OrganizationStats{}, err
	}
	out.Session = &session
	return out, nil
}

func (s *Service) sessionStats(ctx context.Context, organizationID, sessionID uuid.UUID) (SessionStats, error) {
	out := SessionStats{SessionID: sessionID}

	deltas, err := s.ledger.ListBySession(ctx, sessionID)
	if err != nil {
		return SessionStats{}, fmt.Errorf("list session deltas: %w", err)
	}

	scoped := deltas[:0:0]
	for _, delta := range deltas {
		if delta.OrganizationID != organizationID {
			continue
		}
		scoped = append(scoped, delta)
	}
	if len(scoped) == 0 {
		return out, nil
	}

	ids := make([]uuid.UUID, len(scoped))
	for i, delta := range scoped {
		ids[i] = delta.RecordID
	}
	// Fresh loader per call: the dataloader caches per instance.
	loader := recordloader.NewRecordLoader(s.mirrors)
	records, err := loader.LoadMany(ctx, ids)
	if err != nil {
		return SessionStats{}, fmt.Errorf("resolve delta records: %w", err)
	}
	byID := make(map[uuid.UUID]domain.MirrorRecord, len(records))
	for _, record := range records {
		byID[record.ID] = record
	}

	for _, delta := range scoped {
		switch delta.State {
		case domain.DeltaStateDraft:
			out.DraftCount++
		case domain.DeltaStatePendingCommit:
			out.PendingCount++
		case domain.DeltaStateConflicted:
			out.ConflictCount++
		}
		out.ModifiedFields += len(delta.Fields)

		draft, ok := delta.Fields[domain.FieldRate]
		if !ok || draft.Kind != domain.KindMoney {
			continue
		}
		record, ok := byID[delta.RecordID]
		if !ok {
			continue
		}
		if current, ok := record.Fields[domain.FieldRate]; ok && current.Kind == domain.KindMoney {
			out.RateDriftCents += draft.Money - current.Money
		}
	}
	return out, nil
}
