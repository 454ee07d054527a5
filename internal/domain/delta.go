package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeltaState tracks where a pending modification sits in its lifecycle.
// Committed and discarded deltas do not exist as rows; commit converts the
// delta into an audit entry plus a mirror update, discard deletes it.
type DeltaState string

const (
	DeltaStateDraft         DeltaState = "draft"
	DeltaStatePendingCommit DeltaState = "pending_commit"
	DeltaStateConflicted    DeltaState = "conflicted"
)

// Modification is a sparse set of pending field changes for one record,
// scoped to one session and one authoring actor. Fields holds the new values;
// Baseline holds, for the same field names, the mirror values the delta was
// computed against. A modification never stores a field whose new value
// equals its baseline value.
type Modification struct {
	RecordID       uuid.UUID  `json:"record_id"`
	SessionID      uuid.UUID  `json:"session_id"`
	ActorID        uuid.UUID  `json:"actor_id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	Fields         FieldMap   `json:"fields"`
	Baseline       FieldMap   `json:"baseline"`
	Reason         string     `json:"reason,omitempty"`
	State          DeltaState `json:"state"`
	CreatedAt      time.Time  `json:"created_at"`
}

// IsEmpty reports whether the delta carries no field changes. Empty deltas
// are no-ops and are never persisted.
func (m Modification) IsEmpty() bool {
	return len(m.Fields) == 0
}

// ConflictingFields returns the delta fields whose baseline no longer matches
// the given mirror fields, i.e. the external value moved under the draft.
func (m Modification) ConflictingFields(mirror FieldMap) []FieldName {
	var conflicted []FieldName
	for _, name := range m.Fields.Names() {
		base, ok := m.Baseline[name]
		if !ok {
			conflicted = append(conflicted, name)
			continue
		}
		current, ok := mirror[name]
		if !ok || !current.Equal(base) {
			conflicted = append(conflicted, name)
		}
	}
	return conflicted
}

// Rebase recomputes the delta against a fresh mirror baseline: fields whose
// new value already matches the mirror are dropped, the baseline is replaced
// wholesale, and the delta returns to draft. Used by the explicit reapply
// action on conflicted deltas.
func (m Modification) Rebase(mirror FieldMap) Modification {
	fields := make(FieldMap, len(m.Fields))
	baseline := make(FieldMap, len(m.Fields))
	for name, value := range m.Fields {
		current, ok := mirror[name]
		if ok && current.Equal(value) {
			continue
		}
		fields[name] = value
		if ok {
			baseline[name] = current
		}
	}
	rebased := m
	rebased.Fields = fields
	rebased.Baseline = baseline
	rebased.State = DeltaStateDraft
	return rebased
}
