package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/pfasync/internal/domain"
	"github.com/rpattn/pfasync/internal/repository/repotest"
	"github.com/rpattn/pfasync/internal/view"
)

func exportFixture(t *testing.T) (*Service, *repotest.LedgerStore, domain.MirrorRecord) {
	t.Helper()
	orgID := uuid.New()
	record := domain.NewMirrorRecord(orgID, "CR-0001", domain.FieldMap{
		domain.FieldRate:      domain.MoneyValue(123450),
		domain.FieldStartDate: domain.DateValue(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)),
		domain.FieldCategory:  domain.TextValue("crane"),
		domain.FieldTags:      domain.SetValue([]string{"rental", "heavy"}),
		domain.FieldActive:    domain.BoolValue(true),
	}, 1)
	ledger := repotest.NewLedgerStore()
	views := view.NewService(repotest.NewMirrorStore(record), ledger, nil)
	return NewService(views), ledger, record
}

func TestWriteWorkbook(t *testing.T) {
	svc, _, record := exportFixture(t)

	var buf bytes.Buffer
	if err := svc.WriteWorkbook(context.Background(), record.OrganizationID, uuid.Nil, &buf); err != nil {
		t.Fatalf("write workbook: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(sheetName)
	if err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header plus one record, got %d rows", len(rows))
	}
	if rows[0][0] != "Code" {
		t.Fatalf("unexpected header: %v", rows[0])
	}
	if rows[1][0] != "CR-0001" {
		t.Fatalf("unexpected code cell: %q", rows[1][0])
	}
	if rows[1][1] != "1234.50" {
		t.Fatalf("rate must render as decimal major units, got %q", rows[1][1])
	}
	if rows[1][2] != "2026-02-01" {
		t.Fatalf("unexpected start date cell: %q", rows[1][2])
	}
}

func TestWriteCSVReflectsSessionDrafts(t *testing.T) {
	svc, ledger, record := exportFixture(t)
	sessionID := uuid.New()
	ledger.Save(context.Background(), domain.Modification{
		RecordID: record.ID, SessionID: sessionID, OrganizationID: record.OrganizationID,
		Fields: domain.FieldMap{domain.FieldRate: domain.MoneyValue(200000)},
		State:  domain.DeltaStateDraft, CreatedAt: time.Now(),
	})

	var buf bytes.Buffer
	if err := svc.WriteCSV(context.Background(), record.OrganizationID, sessionID, &buf); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header plus one record, got %d", len(rows))
	}
	if rows[1][1] != "2000.00" {
		t.Fatalf("export must reflect the session draft, got %q", rows[1][1])
	}
	if rows[1][7] != string(domain.SyncStateDraft) {
		t.Fatalf("expected draft sync state column, got %q", rows[1][7])
	}
}
