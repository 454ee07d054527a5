package domain

import (
	"time"

	"github.com/google/uuid"
)

// MirrorRecord is the last externally-confirmed state of one tracked PFA
// record. It is owned by the reconciler and, outside reconciliation, only the
// commit path may touch its fields.
type MirrorRecord struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	Code           string    `json:"code"`
	Fields         FieldMap  `json:"fields"`
	SourceVersion  int64     `json:"source_version"`
	SyncedAt       time.Time `json:"synced_at"`
}

// NewMirrorRecord builds a mirror record with a defensive copy of the fields.
func NewMirrorRecord(organizationID uuid.UUID, code string, fields FieldMap, sourceVersion int64) MirrorRecord {
	return MirrorRecord{
		ID:             uuid.New(),
		OrganizationID: organizationID,
		Code:           code,
		Fields:         fields.Clone(),
		SourceVersion:  sourceVersion,
		SyncedAt:       time.Now(),
	}
}

// Snapshot returns the record's field set as an immutable baseline snapshot.
func (r MirrorRecord) Snapshot() RecordSnapshot {
	return RecordSnapshot{Fields: r.Fields.Clone()}
}

// RecordSnapshot is a full, point-in-time copy of a record's editable fields.
// The diff extractor compares two of these; they must carry identical field
// sets or the comparison fails with ErrShapeMismatch.
type RecordSnapshot struct {
	Fields FieldMap `json:"fields"`
}

// WithField returns a new snapshot with one field replaced.
func (s RecordSnapshot) WithField(name FieldName, value FieldValue) RecordSnapshot {
	fields := s.Fields.Clone()
	fields[name] = value
	return RecordSnapshot{Fields: fields}
}

// Clone returns a deep copy of the snapshot.
func (s RecordSnapshot) Clone() RecordSnapshot {
	return RecordSnapshot{Fields: s.Fields.Clone()}
}

// ExternalSnapshot is what the system-of-record connector hands the
// reconciler for one record: the external field values plus the source
// version marker they were read at.
type ExternalSnapshot struct {
	Code          string
	Fields        FieldMap
	SourceVersion int64
	ObservedAt    time.Time
}
