package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rpattn/pfasync/internal/capability"
	"github.com/rpattn/pfasync/internal/domain"
)

func newTestManager(t *testing.T, idleTTL time.Duration) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewManagerWithClient(client, idleTTL), mr
}

func TestOpenAndLookup(t *testing.T) {
	mgr, _ := newTestManager(t, time.Minute)
	ctx := context.Background()
	actorID, orgID := uuid.New(), uuid.New()

	opened, err := mgr.Open(ctx, actorID, orgID, capability.NewSet(capability.CapabilityFinancial))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	found, err := mgr.Lookup(ctx, opened.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found.ActorID != actorID || found.OrganizationID != orgID {
		t.Fatalf("session identity lost: %+v", found)
	}
	if !found.CapabilitySet().Can([]domain.FieldName{domain.FieldRate}) {
		t.Fatal("financial grant lost across the round trip")
	}
	if found.CapabilitySet().Can([]domain.FieldName{domain.FieldStartDate}) {
		t.Fatal("session gained an ungranted capability")
	}
}

func TestOpenRequiresActorAndOrganization(t *testing.T) {
	mgr, _ := newTestManager(t, time.Minute)

	if _, err := mgr.Open(context.Background(), uuid.Nil, uuid.New(), nil); !errors.Is(err, domain.ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed for nil actor, got %v", err)
	}
	if _, err := mgr.Open(context.Background(), uuid.New(), uuid.Nil, nil); !errors.Is(err, domain.ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed for nil organization, got %v", err)
	}
}

func TestLookupUnknownSession(t *testing.T) {
	mgr, _ := newTestManager(t, time.Minute)

	if _, err := mgr.Lookup(context.Background(), uuid.New()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIdleExpiryAndSlidingTTL(t *testing.T) {
	mgr, mr := newTestManager(t, time.Minute)
	ctx := context.Background()

	opened, err := mgr.Open(ctx, uuid.New(), uuid.New(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Half the TTL passes, then a lookup refreshes it.
	mr.FastForward(30 * time.Second)
	if _, err := mgr.Lookup(ctx, opened.ID); err != nil {
		t.Fatalf("lookup at half TTL: %v", err)
	}

	// Another 45s: past the original deadline but inside the refreshed one.
	mr.FastForward(45 * time.Second)
	if _, err := mgr.Lookup(ctx, opened.ID); err != nil {
		t.Fatalf("sliding TTL did not extend the session: %v", err)
	}

	// A full idle window with no activity expires it.
	mr.FastForward(2 * time.Minute)
	if _, err := mgr.Lookup(ctx, opened.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected idle session to expire, got %v", err)
	}
}

func TestCloseRemovesSession(t *testing.T) {
	mgr, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	opened, err := mgr.Open(ctx, uuid.New(), uuid.New(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := mgr.Close(ctx, opened.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := mgr.Lookup(ctx, opened.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected closed session to be gone, got %v", err)
	}
	// Closing again is harmless.
	if err := mgr.Close(ctx, opened.ID); err != nil {
		t.Fatalf("double close: %v", err)
	}
}
