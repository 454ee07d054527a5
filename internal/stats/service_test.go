package stats

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/pfasync/internal/domain"
	"github.com/rpattn/pfasync/internal/repository/repotest"
)

func TestOrganizationCountsRecords(t *testing.T) {
	orgID := uuid.New()
	active := domain.NewMirrorRecord(orgID, "CR-0001", domain.FieldMap{
		domain.FieldRate:   domain.MoneyValue(100000),
		domain.FieldActive: domain.BoolValue(true),
	}, 1)
	idle := domain.NewMirrorRecord(orgID, "CR-0002", domain.FieldMap{
		domain.FieldRate:   domain.MoneyValue(50000),
		domain.FieldActive: domain.BoolValue(false),
	}, 1)
	svc := NewService(repotest.NewMirrorStore(active, idle), repotest.NewLedgerStore())

	out, err := svc.Organization(context.Background(), orgID, uuid.Nil)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if out.RecordTotal != 2 || out.ActiveRecords != 1 {
		t.Fatalf("unexpected counts: %+v", out)
	}
	if out.Session != nil {
		t.Fatal("no session stats requested")
	}
}

func TestSessionStatsAggregatesDeltas(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	record := domain.NewMirrorRecord(orgID, "CR-0001", domain.FieldMap{
		domain.FieldRate:   domain.MoneyValue(100000),
		domain.FieldActive: domain.BoolValue(true),
	}, 1)
	other := domain.NewMirrorRecord(orgID, "CR-0002", domain.FieldMap{
		domain.FieldRate: domain.MoneyValue(50000),
	}, 1)
	mirrors := repotest.NewMirrorStore(record, other)
	ledger := repotest.NewLedgerStore()
	sessionID := uuid.New()

	ledger.Save(ctx, domain.Modification{
		RecordID: record.ID, SessionID: sessionID, OrganizationID: orgID,
		Fields: domain.FieldMap{
			domain.FieldRate:   domain.MoneyValue(130000),
			domain.FieldActive: domain.BoolValue(false),
		},
		State: domain.DeltaStateDraft, CreatedAt: time.Now(),
	})
	ledger.Save(ctx, domain.Modification{
		RecordID: other.ID, SessionID: sessionID, OrganizationID: orgID,
		Fields: domain.FieldMap{domain.FieldRate: domain.MoneyValue(45000)},
		State:  domain.DeltaStateConflicted, CreatedAt: time.Now(),
	})
	// A delta from another organization must not leak into the aggregates.
	ledger.Save(ctx, domain.Modification{
		RecordID: uuid.New(), SessionID: sessionID, OrganizationID: uuid.New(),
		Fields: domain.FieldMap{domain.FieldRate: domain.MoneyValue(1)},
		State:  domain.DeltaStateDraft, CreatedAt: time.Now(),
	})

	out, err := NewService(mirrors, ledger).Organization(ctx, orgID, sessionID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if out.Session == nil {
		t.Fatal("expected session stats")
	}
	if out.Session.DraftCount != 1 || out.Session.ConflictCount != 1 || out.Session.PendingCount != 0 {
		t.Fatalf("unexpected state counts: %+v", out.Session)
	}
	if out.Session.ModifiedFields != 3 {
		t.Fatalf("expected 3 modified fields, got %d", out.Session.ModifiedFields)
	}
	// +30000 on the first record, -5000 on the second.
	if out.Session.RateDriftCents != 25000 {
		t.Fatalf("expected rate drift 25000, got %d", out.Session.RateDriftCents)
	}
}
