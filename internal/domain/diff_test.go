package domain

import (
	"errors"
	"testing"
	"time"
)

func fullSnapshot() RecordSnapshot {
	return RecordSnapshot{Fields: FieldMap{
		FieldRate:      MoneyValue(120000),
		FieldStartDate: DateValue(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)),
		FieldEndDate:   DateValue(time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)),
		FieldCategory:  TextValue("crane"),
		FieldTags:      SetValue([]string{"rental", "heavy"}),
		FieldActive:    BoolValue(true),
	}}
}

func TestExtractDeltaMinimal(t *testing.T) {
	baseline := fullSnapshot()
	current := baseline.
		WithField(FieldRate, MoneyValue(135000)).
		WithField(FieldCategory, TextValue("mobile crane"))

	fields, base, err := ExtractDelta(current, baseline)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(fields) != 2 {
		t.Fatalf("expected exactly the 2 changed fields, got %v", fields.Names())
	}
	if fields[FieldRate].Money != 135000 {
		t.Fatalf("wrong new rate: %d", fields[FieldRate].Money)
	}
	if base[FieldRate].Money != 120000 {
		t.Fatalf("wrong baseline rate: %d", base[FieldRate].Money)
	}
	if _, ok := fields[FieldTags]; ok {
		t.Fatal("unchanged field must not appear in the delta")
	}
}

func TestExtractDeltaIdenticalSnapshotsYieldEmpty(t *testing.T) {
	baseline := fullSnapshot()
	fields, _, err := ExtractDelta(baseline.Clone(), baseline)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(fields) != 0 {
		t.Fatalf("expected empty change set, got %v", fields.Names())
	}
}

func TestExtractDeltaNormalizedValuesDoNotDiff(t *testing.T) {
	baseline := fullSnapshot()
	// Same day, different wall clock; same tags, different order.
	current := baseline.
		WithField(FieldStartDate, DateValue(time.Date(2026, 2, 1, 17, 45, 0, 0, time.UTC))).
		WithField(FieldTags, SetValue([]string{"heavy", "rental"}))

	fields, _, err := ExtractDelta(current, baseline)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(fields) != 0 {
		t.Fatalf("normalized-equal values must not diff, got %v", fields.Names())
	}
}

func TestExtractDeltaShapeMismatch(t *testing.T) {
	baseline := fullSnapshot()

	truncated := baseline.Clone()
	delete(truncated.Fields, FieldActive)
	if _, _, err := ExtractDelta(truncated, baseline); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch for missing field, got %v", err)
	}

	renamed := baseline.Clone()
	delete(renamed.Fields, FieldActive)
	renamed.Fields[FieldName("bogus")] = BoolValue(true)
	if _, _, err := ExtractDelta(renamed, baseline); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch for unknown field, got %v", err)
	}
}
