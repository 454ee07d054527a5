package reconciler

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/rpattn/pfasync/internal/domain"
)

// PushSource is an inbox-style Source: snapshots arrive by push (the refresh
// endpoint) instead of being pulled from the external system. FetchOrganization
// drains whatever has been enqueued since the last sweep.
type PushSource struct {
	mu     sync.Mutex
	queued map[uuid.UUID][]domain.ExternalSnapshot
}

func NewPushSource() *PushSource {
	return &PushSource{queued: make(map[uuid.UUID][]domain.ExternalSnapshot)}
}

// Enqueue stages snapshots for the organization's next refresh.
func (p *PushSource) Enqueue(organizationID uuid.UUID, snaps []domain.ExternalSnapshot) {
	if len(snaps) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queued[organizationID] = append(p.queued[organizationID], snaps...)
}

// FetchOrganization drains the organization's inbox. Later snapshots for the
// same code win because RefreshMirror applies them in order.
func (p *PushSource) FetchOrganization(_ context.Context, organizationID uuid.UUID) ([]domain.ExternalSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snaps := p.queued[organizationID]
	delete(p.queued, organizationID)
	return snaps, nil
}
