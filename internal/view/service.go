// Package view assembles the read model: mirror records overlaid with the
// requesting session's pending deltas. Views are computed on every read and
// never persisted; the merge itself lives in the domain package.
package view

import (
	"context"

	"github.com/google/uuid"

	"github.com/rpattn/pfasync/internal/domain"
	"github.com/rpattn/pfasync/internal/repository"
)

// Page is one page of merged views plus pagination metadata.
type Page struct {
	Items  []domain.PfaView `json:"items"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

// Service reads mirror records and overlays session deltas.
type Service struct {
	mirrors repository.MirrorRepository
	ledger  repository.LedgerRepository
	cache   *Cache
}

// NewService creates a view service. The cache is optional.
func NewService(mirrors repository.MirrorRepository, ledger repository.LedgerRepository, cache *Cache) *Service {
	return &Service{mirrors: mirrors, ledger: ledger, cache: cache}
}

// List returns a page of merged views for the organization. When sessionID is
// non-nil the session's own deltas are overlaid; other sessions' drafts are
// never visible. Without a session the views are pristine mirror state.
func (s *Service) List(ctx context.Context, organizationID, sessionID uuid.UUID, limit, offset int) (Page, error) {
	records, total, err := s.mirrors.List(ctx, organizationID, limit, offset)
	if err != nil {
		return Page{}, err
	}

	deltasByRecord := map[uuid.UUID][]domain.Modification{}
	if sessionID != uuid.Nil {
		deltas, err := s.ledger.ListBySession(ctx, sessionID)
		if err != nil {
			return Page{}, err
		}
		for _, delta := range deltas {
			deltasByRecord[delta.RecordID] = append(deltasByRecord[delta.RecordID], delta)
		}
	}

	items := make([]domain.PfaView, 0, len(records))
	for _, record := range records {
		items = append(items, s.merge(record, deltasByRecord[record.ID]))
	}

	return Page{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

// Get returns the merged view of a single record for the session.
func (s *Service) Get(ctx context.Context, recordID, sessionID uuid.UUID) (domain.PfaView, error) {
	record, err := s.mirrors.GetByID(ctx, recordID)
	if err != nil {
		return domain.PfaView{}, err
	}

	var deltas []domain.Modification
	if sessionID != uuid.Nil {
		all, err := s.ledger.ListBySession(ctx, sessionID)
		if err != nil {
			return domain.PfaView{}, err
		}
		for _, delta := range all {
			if delta.RecordID == recordID {
				deltas = append(deltas, delta)
			}
		}
	}

	return s.merge(record, deltas), nil
}

func (s *Service) merge(record domain.MirrorRecord, deltas []domain.Modification) domain.PfaView {
	if s.cache == nil {
		return domain.Merge(record, deltas)
	}
	key := Key(record, deltas)
	if cached, ok := s.cache.Get(key); ok {
		return cached
	}
	merged := domain.Merge(record, deltas)
	s.cache.Put(key, merged)
	return merged
}
