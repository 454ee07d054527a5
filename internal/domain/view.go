package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// SyncState is the derived draft status surfaced on every merged view.
type SyncState string

const (
	SyncStatePristine      SyncState = "pristine"
	SyncStateDraft         SyncState = "draft"
	SyncStatePendingCommit SyncState = "pendingCommit"
	SyncStateConflicted    SyncState = "conflicted"
)

// PfaView is the read model returned to callers: mirror fields overlaid by
// the applicable pending deltas, plus derived metadata. It is never persisted
// and is recomputed on every read.
type PfaView struct {
	RecordID       uuid.UUID   `json:"record_id"`
	OrganizationID uuid.UUID   `json:"organization_id"`
	Code           string      `json:"code"`
	Fields         FieldMap    `json:"fields"`
	SourceVersion  int64       `json:"source_version"`
	SyncedAt       time.Time   `json:"synced_at"`
	IsModified     bool        `json:"is_modified"`
	ModifiedFields []FieldName `json:"modified_fields,omitempty"`
	ModifiedAt     *time.Time  `json:"modified_at,omitempty"`
	ModifiedBy     *uuid.UUID  `json:"modified_by,omitempty"`
	SyncState      SyncState   `json:"sync_state"`
}

// Merge overlays the mirror record with the given deltas, applied in
// ascending creation-time order so a later delta's field wins over an earlier
// one. Fields absent from every delta pass through from the mirror unchanged.
// Runs in O(fields x deltas) and is safe to call on every read.
func Merge(mirror MirrorRecord, deltas []Modification) PfaView {
	view := PfaView{
		RecordID:       mirror.ID,
		OrganizationID: mirror.OrganizationID,
		Code:           mirror.Code,
		Fields:         mirror.Fields.Clone(),
		SourceVersion:  mirror.SourceVersion,
		SyncedAt:       mirror.SyncedAt,
		SyncState:      SyncStatePristine,
	}

	ordered := make([]Modification, 0, len(deltas))
	for _, delta := range deltas {
		if delta.IsEmpty() {
			continue
		}
		ordered = append(ordered, delta)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	modified := map[FieldName]struct{}{}
	for _, delta := range ordered {
		for name, value := range delta.Fields {
			view.Fields[name] = value
			modified[name] = struct{}{}
		}
		createdAt := delta.CreatedAt
		actorID := delta.ActorID
		view.ModifiedAt = &createdAt
		view.ModifiedBy = &actorID
		view.SyncState = higherSyncState(view.SyncState, stateForDelta(delta.State))
	}

	if len(modified) > 0 {
		view.IsModified = true
		names := make([]FieldName, 0, len(modified))
		for name := range modified {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
		view.ModifiedFields = names
	}

	return view
}

func stateForDelta(state DeltaState) SyncState {
	switch state {
	case DeltaStateConflicted:
		return SyncStateConflicted
	case DeltaStatePendingCommit:
		return SyncStatePendingCommit
	default:
		return SyncStateDraft
	}
}

var syncStateRank = map[SyncState]int{
	SyncStatePristine:      0,
	SyncStateDraft:         1,
	SyncStatePendingCommit: 2,
	SyncStateConflicted:    3,
}

func higherSyncState(a, b SyncState) SyncState {
	if syncStateRank[b] > syncStateRank[a] {
		return b
	}
	return a
}
