package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rpattn/pfasync/internal/coordinator"
	"github.com/rpattn/pfasync/internal/domain"
	"github.com/rpattn/pfasync/internal/export"
	"github.com/rpattn/pfasync/internal/reconciler"
	"github.com/rpattn/pfasync/internal/repository/repotest"
	"github.com/rpattn/pfasync/internal/session"
	"github.com/rpattn/pfasync/internal/stats"
	"github.com/rpattn/pfasync/internal/view"
)

type env struct {
	server  *httptest.Server
	mirrors *repotest.MirrorStore
	ledger  *repotest.LedgerStore
	audit   *repotest.AuditStore
	inbox   *reconciler.PushSource
	orgID   uuid.UUID
	record  domain.MirrorRecord
}

func newEnv(t *testing.T) *env {
	t.Helper()
	orgID := uuid.New()
	record := domain.NewMirrorRecord(orgID, "CR-0001", domain.FieldMap{
		domain.FieldRate:     domain.MoneyValue(100000),
		domain.FieldCategory: domain.TextValue("crane"),
		domain.FieldActive:   domain.BoolValue(true),
	}, 1)

	mirrors := repotest.NewMirrorStore(record)
	ledger := repotest.NewLedgerStore()
	audit := repotest.NewAuditStore()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	sessions := session.NewManagerWithClient(client, time.Minute)

	coord := coordinator.New(repotest.TxRunner{}, mirrors, ledger, audit)
	inbox := reconciler.NewPushSource()
	recon := reconciler.New(mirrors, ledger, inbox, coord, 0)

	cache, err := view.NewCache(0)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	views := view.NewService(mirrors, ledger, cache)

	handler := NewHTTPHandler(
		sessions, views, coord,
		stats.NewService(mirrors, ledger),
		export.NewService(views),
		audit, recon, inbox, Options{},
	)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &env{server: srv, mirrors: mirrors, ledger: ledger, audit: audit, inbox: inbox, orgID: orgID, record: record}
}

func (e *env) post(t *testing.T, path string, payload, out any) int {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (e *env) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (e *env) openSession(t *testing.T, capabilities ...string) session.Session {
	t.Helper()
	if len(capabilities) == 0 {
		capabilities = []string{"financial", "scheduling"}
	}
	var sess session.Session
	status := e.post(t, "/sessions", map[string]any{
		"actorId":        uuid.New().String(),
		"organizationId": e.orgID.String(),
		"capabilities":   capabilities,
	}, &sess)
	if status != http.StatusCreated {
		t.Fatalf("open session: status %d", status)
	}
	return sess
}

func TestDraftCommitFlow(t *testing.T) {
	e := newEnv(t)
	sess := e.openSession(t)
	base := "/records/" + e.orgID.String()

	var saved coordinator.SaveResult
	status := e.post(t, base+"/draft", map[string]any{
		"sessionId": sess.ID.String(),
		"drafts": []map[string]any{{
			"recordId": e.record.ID.String(),
			"delta": map[string]any{
				"rate": map[string]any{"kind": "money", "money": 150000},
			},
			"reason": "new contract",
		}},
	}, &saved)
	if status != http.StatusOK || saved.Saved != 1 {
		t.Fatalf("draft save failed: status=%d saved=%d", status, saved.Saved)
	}

	// The session sees its draft; a sessionless read stays pristine.
	var page view.Page
	if status := e.get(t, base+"?sessionId="+sess.ID.String(), &page); status != http.StatusOK {
		t.Fatalf("list: status %d", status)
	}
	if page.Items[0].Fields[domain.FieldRate].Money != 150000 {
		t.Fatalf("draft not visible to its session: %d", page.Items[0].Fields[domain.FieldRate].Money)
	}
	if status := e.get(t, base, &page); status != http.StatusOK {
		t.Fatalf("pristine list: status %d", status)
	}
	if page.Items[0].Fields[domain.FieldRate].Money != 100000 {
		t.Fatal("draft leaked into sessionless read")
	}

	var committed coordinator.CommitResult
	status = e.post(t, base+"/commit", map[string]any{
		"sessionId": sess.ID.String(),
	}, &committed)
	if status != http.StatusOK || committed.Committed != 1 {
		t.Fatalf("commit failed: status=%d result=%+v", status, committed)
	}

	var entries []domain.AuditEntry
	if status := e.get(t, fmt.Sprintf("%s/audit?recordId=%s", base, e.record.ID), &entries); status != http.StatusOK {
		t.Fatalf("audit: status %d", status)
	}
	if len(entries) != 1 || entries[0].Kind != domain.AuditKindCommit {
		t.Fatalf("expected one commit entry, got %+v", entries)
	}
}

func TestDraftDeniedWithoutCapability(t *testing.T) {
	e := newEnv(t)
	sess := e.openSession(t, "scheduling")

	status := e.post(t, "/records/"+e.orgID.String()+"/draft", map[string]any{
		"sessionId": sess.ID.String(),
		"drafts": []map[string]any{{
			"recordId": e.record.ID.String(),
			"delta": map[string]any{
				"rate": map[string]any{"kind": "money", "money": 1},
			},
		}},
	}, nil)
	if status != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", status)
	}
}

func TestSessionOrganizationMismatch(t *testing.T) {
	e := newEnv(t)
	sess := e.openSession(t)

	status := e.post(t, "/records/"+uuid.New().String()+"/commit", map[string]any{
		"sessionId": sess.ID.String(),
	}, nil)
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign organization, got %d", status)
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	e := newEnv(t)

	status := e.post(t, "/records/"+e.orgID.String()+"/commit", map[string]any{
		"sessionId": uuid.New().String(),
	}, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", status)
	}
}

func TestRefreshEndpointFlagsConflicts(t *testing.T) {
	e := newEnv(t)
	sess := e.openSession(t)
	base := "/records/" + e.orgID.String()

	if status := e.post(t, base+"/draft", map[string]any{
		"sessionId": sess.ID.String(),
		"drafts": []map[string]any{{
			"recordId": e.record.ID.String(),
			"delta": map[string]any{
				"rate": map[string]any{"kind": "money", "money": 150000},
			},
		}},
	}, nil); status != http.StatusOK {
		t.Fatalf("draft: status %d", status)
	}

	var results []refreshResponse
	status := e.post(t, base+"/refresh", map[string]any{
		"snapshots": []map[string]any{{
			"code": e.record.Code,
			"fields": map[string]any{
				"rate":     map[string]any{"kind": "money", "money": 110000},
				"category": map[string]any{"kind": "text", "text": "crane"},
				"active":   map[string]any{"kind": "bool", "bool": true},
			},
			"sourceVersion": 2,
		}},
	}, &results)
	if status != http.StatusOK {
		t.Fatalf("refresh: status %d", status)
	}
	if len(results) != 1 || !results[0].Updated || len(results[0].ConflictsWith) != 1 {
		t.Fatalf("expected one updated record with one conflicted session, got %+v", results)
	}

	delta, err := e.ledger.Get(context.Background(), e.record.ID, sess.ID)
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if delta.State != domain.DeltaStateConflicted {
		t.Fatalf("expected conflicted draft after refresh, got %s", delta.State)
	}

	// The conflicted view surfaces to the session.
	var page view.Page
	e.get(t, base+"?sessionId="+sess.ID.String(), &page)
	if page.Items[0].SyncState != domain.SyncStateConflicted {
		t.Fatalf("expected conflicted sync state, got %s", page.Items[0].SyncState)
	}
}

func TestRefreshEndpointDrainsSharedInbox(t *testing.T) {
	e := newEnv(t)
	base := "/records/" + e.orgID.String()
	ctx := context.Background()

	// A snapshot staged out of band rides along on the next refresh sweep.
	e.inbox.Enqueue(e.orgID, []domain.ExternalSnapshot{{
		Code:          "CR-0002",
		Fields:        domain.FieldMap{domain.FieldRate: domain.MoneyValue(90000)},
		SourceVersion: 1,
		ObservedAt:    time.Now(),
	}})

	var results []refreshResponse
	status := e.post(t, base+"/refresh", map[string]any{
		"snapshots": []map[string]any{{
			"code": "CR-0003",
			"fields": map[string]any{
				"rate": map[string]any{"kind": "money", "money": 80000},
			},
			"sourceVersion": 1,
		}},
	}, &results)
	if status != http.StatusOK {
		t.Fatalf("refresh: status %d", status)
	}
	if len(results) != 2 || results[0].Code != "CR-0002" || results[1].Code != "CR-0003" {
		t.Fatalf("expected staged and posted snapshots applied in order, got %+v", results)
	}

	for _, code := range []string{"CR-0002", "CR-0003"} {
		if _, err := e.mirrors.GetByCode(ctx, e.orgID, code); err != nil {
			t.Fatalf("expected mirror row for %s: %v", code, err)
		}
	}
	if snaps, _ := e.inbox.FetchOrganization(ctx, e.orgID); len(snaps) != 0 {
		t.Fatalf("expected drained inbox, got %d snapshots", len(snaps))
	}
}

func TestStatsEndpoint(t *testing.T) {
	e := newEnv(t)
	sess := e.openSession(t)
	base := "/records/" + e.orgID.String()

	e.post(t, base+"/draft", map[string]any{
		"sessionId": sess.ID.String(),
		"drafts": []map[string]any{{
			"recordId": e.record.ID.String(),
			"delta": map[string]any{
				"rate": map[string]any{"kind": "money", "money": 130000},
			},
		}},
	}, nil)

	var out stats.OrganizationStats
	if status := e.get(t, base+"/stats?sessionId="+sess.ID.String(), &out); status != http.StatusOK {
		t.Fatalf("stats: status %d", status)
	}
	if out.RecordTotal != 1 || out.Session == nil {
		t.Fatalf("unexpected stats: %+v", out)
	}
	if out.Session.DraftCount != 1 || out.Session.RateDriftCents != 30000 {
		t.Fatalf("unexpected session stats: %+v", out.Session)
	}
}

func TestExportEndpointContentType(t *testing.T) {
	e := newEnv(t)
	base := "/records/" + e.orgID.String()

	resp, err := http.Get(e.server.URL + base + "/export?format=csv")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export: status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("expected text/csv, got %q", ct)
	}
}
