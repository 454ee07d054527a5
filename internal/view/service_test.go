package view

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/pfasync/internal/domain"
	"github.com/rpattn/pfasync/internal/repository/repotest"
)

func testService(t *testing.T, records ...domain.MirrorRecord) (*Service, *repotest.MirrorStore, *repotest.LedgerStore) {
	t.Helper()
	mirrors := repotest.NewMirrorStore(records...)
	ledger := repotest.NewLedgerStore()
	cache, err := NewCache(0)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	return NewService(mirrors, ledger, cache), mirrors, ledger
}

func TestListOverlaysOnlyRequestingSession(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	record := domain.NewMirrorRecord(orgID, "CR-0001", domain.FieldMap{
		domain.FieldRate: domain.MoneyValue(100000),
	}, 1)
	svc, _, ledger := testService(t, record)

	mine, theirs := uuid.New(), uuid.New()
	ledger.Save(ctx, domain.Modification{
		RecordID: record.ID, SessionID: mine, ActorID: uuid.New(), OrganizationID: orgID,
		Fields: domain.FieldMap{domain.FieldRate: domain.MoneyValue(120000)},
		State:  domain.DeltaStateDraft, CreatedAt: time.Now(),
	})
	ledger.Save(ctx, domain.Modification{
		RecordID: record.ID, SessionID: theirs, ActorID: uuid.New(), OrganizationID: orgID,
		Fields: domain.FieldMap{domain.FieldRate: domain.MoneyValue(999999)},
		State:  domain.DeltaStateDraft, CreatedAt: time.Now(),
	})

	page, err := svc.List(ctx, orgID, mine, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 1 || page.Total != 1 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if got := page.Items[0].Fields[domain.FieldRate].Money; got != 120000 {
		t.Fatalf("expected my draft value, got %d", got)
	}
	if page.Items[0].SyncState != domain.SyncStateDraft {
		t.Fatalf("expected draft sync state, got %s", page.Items[0].SyncState)
	}
}

func TestListWithoutSessionIsPristine(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	record := domain.NewMirrorRecord(orgID, "CR-0001", domain.FieldMap{
		domain.FieldRate: domain.MoneyValue(100000),
	}, 1)
	svc, _, ledger := testService(t, record)
	ledger.Save(ctx, domain.Modification{
		RecordID: record.ID, SessionID: uuid.New(), ActorID: uuid.New(), OrganizationID: orgID,
		Fields: domain.FieldMap{domain.FieldRate: domain.MoneyValue(120000)},
		State:  domain.DeltaStateDraft, CreatedAt: time.Now(),
	})

	page, err := svc.List(ctx, orgID, uuid.Nil, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Items[0].SyncState != domain.SyncStatePristine {
		t.Fatalf("sessionless reads must be pristine, got %s", page.Items[0].SyncState)
	}
	if got := page.Items[0].Fields[domain.FieldRate].Money; got != 100000 {
		t.Fatalf("sessionless reads must show the mirror value, got %d", got)
	}
}

func TestListPaginates(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	a := domain.NewMirrorRecord(orgID, "CR-0001", domain.FieldMap{domain.FieldRate: domain.MoneyValue(1)}, 1)
	b := domain.NewMirrorRecord(orgID, "CR-0002", domain.FieldMap{domain.FieldRate: domain.MoneyValue(2)}, 1)
	c := domain.NewMirrorRecord(orgID, "CR-0003", domain.FieldMap{domain.FieldRate: domain.MoneyValue(3)}, 1)
	svc, _, _ := testService(t, a, b, c)

	page, err := svc.List(ctx, orgID, uuid.Nil, 2, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 3 || len(page.Items) != 1 {
		t.Fatalf("unexpected page: total=%d items=%d", page.Total, len(page.Items))
	}
	if page.Items[0].Code != "CR-0003" {
		t.Fatalf("expected the last record by code, got %s", page.Items[0].Code)
	}
}

func TestGetReflectsFreshDeltaDespiteCache(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	record := domain.NewMirrorRecord(orgID, "CR-0001", domain.FieldMap{
		domain.FieldRate: domain.MoneyValue(100000),
	}, 1)
	svc, _, ledger := testService(t, record)
	sessionID := uuid.New()

	first, err := svc.Get(ctx, record.ID, sessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first.IsModified {
		t.Fatal("expected pristine view before any draft")
	}

	ledger.Save(ctx, domain.Modification{
		RecordID: record.ID, SessionID: sessionID, ActorID: uuid.New(), OrganizationID: orgID,
		Fields: domain.FieldMap{domain.FieldRate: domain.MoneyValue(120000)},
		State:  domain.DeltaStateDraft, CreatedAt: time.Now(),
	})

	// The delta changes the cache key, so the memoized pristine view is not
	// served.
	second, err := svc.Get(ctx, record.ID, sessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if second.Fields[domain.FieldRate].Money != 120000 {
		t.Fatalf("stale cached view served, got %d", second.Fields[domain.FieldRate].Money)
	}
}

func TestGetSeesCommittedFieldsDespiteCache(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	record := domain.NewMirrorRecord(orgID, "CR-0001", domain.FieldMap{
		domain.FieldRate: domain.MoneyValue(100000),
	}, 1)
	svc, mirrors, _ := testService(t, record)

	first, err := svc.Get(ctx, record.ID, uuid.Nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first.Fields[domain.FieldRate].Money != 100000 {
		t.Fatalf("unexpected pristine rate %d", first.Fields[domain.FieldRate].Money)
	}

	// A commit rewrites mirror fields in place without touching
	// source_version or synced_at. The memoized pristine view must not
	// outlive that write.
	if err := mirrors.ApplyFields(ctx, nil, record.ID, domain.FieldMap{
		domain.FieldRate: domain.MoneyValue(120000),
	}); err != nil {
		t.Fatalf("apply fields: %v", err)
	}

	second, err := svc.Get(ctx, record.ID, uuid.Nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := second.Fields[domain.FieldRate].Money; got != 120000 {
		t.Fatalf("stale view served after mirror write: want 120000, got %d", got)
	}
}

func TestCacheKeyChangesWithMirrorAndDeltas(t *testing.T) {
	record := domain.NewMirrorRecord(uuid.New(), "CR-0001", domain.FieldMap{
		domain.FieldRate: domain.MoneyValue(100000),
	}, 1)
	delta := domain.Modification{
		RecordID: record.ID, SessionID: uuid.New(),
		Fields:    domain.FieldMap{domain.FieldRate: domain.MoneyValue(120000)},
		State:     domain.DeltaStateDraft,
		CreatedAt: time.Now(),
	}

	base := Key(record, nil)
	withDelta := Key(record, []domain.Modification{delta})
	if base == withDelta {
		t.Fatal("delta set must change the cache key")
	}

	bumped := record
	bumped.SourceVersion = 2
	if Key(bumped, nil) == base {
		t.Fatal("mirror version must change the cache key")
	}

	rewritten := record
	rewritten.Fields = domain.FieldMap{domain.FieldRate: domain.MoneyValue(120000)}
	if Key(rewritten, nil) == base {
		t.Fatal("mirror field content must change the cache key")
	}

	flagged := delta
	flagged.State = domain.DeltaStateConflicted
	if Key(record, []domain.Modification{flagged}) == withDelta {
		t.Fatal("delta state must change the cache key")
	}
}
