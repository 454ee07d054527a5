// Package history maintains the local undo/redo timeline for an editing
// surface. It stores invertible field patches rather than full working-set
// copies, which bounds memory on large working sets. The engine is
// independent of the modification ledger: undoing or redoing never saves or
// commits anything.
package history

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/rpattn/pfasync/internal/domain"
)

// WorkingSet is the client-visible editing surface: the current snapshot of
// every record being edited, keyed by record id.
type WorkingSet map[uuid.UUID]domain.RecordSnapshot

// Clone returns a deep copy of the working set.
func (ws WorkingSet) Clone() WorkingSet {
	out := make(WorkingSet, len(ws))
	for id, snapshot := range ws {
		out[id] = snapshot.Clone()
	}
	return out
}

// FieldChange is one invertible edit: applying it forward sets the field to
// After, applying the inverse restores Before.
type FieldChange struct {
	RecordID uuid.UUID
	Field    domain.FieldName
	Before   domain.FieldValue
	After    domain.FieldValue
}

// Patch groups the field changes produced by one user action, so a single
// undo reverses the whole action.
type Patch []FieldChange

// Inverse returns the patch that reverses the receiver.
func (p Patch) Inverse() Patch {
	out := make(Patch, len(p))
	for i, change := range p {
		out[len(p)-1-i] = FieldChange{
			RecordID: change.RecordID,
			Field:    change.Field,
			Before:   change.After,
			After:    change.Before,
		}
	}
	return out
}

// DefaultDepth bounds the undo stack when no explicit depth is configured.
const DefaultDepth = 100

// Engine holds the working set and the two patch stacks. It is not safe for
// concurrent use; each editing surface owns exactly one engine.
type Engine struct {
	working WorkingSet
	undo    []Patch
	redo    []Patch
	depth   int
}

// NewEngine creates an engine with an empty working set.
func NewEngine(depth int) *Engine {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Engine{working: WorkingSet{}, depth: depth}
}

// Reset replaces the working set and clears both stacks. Called whenever
// fresh mirror data is loaded or a commit or discard succeeds; undoing past a
// data reload is unsupported.
func (e *Engine) Reset(ws WorkingSet) {
	e.working = ws.Clone()
	e.undo = nil
	e.redo = nil
}

// Commit validates the patch against the current working set, applies it,
// and records it for undo. A new edit clears the redo stack.
func (e *Engine) Commit(patch Patch) error {
	if len(patch) == 0 {
		return nil
	}
	for _, change := range patch {
		snapshot, ok := e.working[change.RecordID]
		if !ok {
			return fmt.Errorf("history: record %s not in working set", change.RecordID)
		}
		current, ok := snapshot.Fields[change.Field]
		if !ok {
			return fmt.Errorf("history: field %q not present on record %s", change.Field, change.RecordID)
		}
		if !current.Equal(change.Before) {
			return fmt.Errorf("history: stale patch for %s.%s", change.RecordID, change.Field)
		}
	}

	e.apply(patch)
	e.undo = append(e.undo, patch)
	if len(e.undo) > e.depth {
		e.undo = e.undo[len(e.undo)-e.depth:]
	}
	e.redo = nil
	return nil
}

// Undo reverses the most recent patch and returns the resulting working set,
// or nil when there is nothing to undo.
func (e *Engine) Undo() WorkingSet {
	if len(e.undo) == 0 {
		return nil
	}
	patch := e.undo[len(e.undo)-1]
	e.undo = e.undo[:len(e.undo)-1]
	e.apply(patch.Inverse())
	e.redo = append(e.redo, patch)
	return e.working.Clone()
}

// Redo re-applies the most recently undone patch and returns the resulting
// working set, or nil when there is nothing to redo.
func (e *Engine) Redo() WorkingSet {
	if len(e.redo) == 0 {
		return nil
	}
	patch := e.redo[len(e.redo)-1]
	e.redo = e.redo[:len(e.redo)-1]
	e.apply(patch)
	e.undo = append(e.undo, patch)
	return e.working.Clone()
}

// Working returns a copy of the current working set.
func (e *Engine) Working() WorkingSet {
	return e.working.Clone()
}

// CanUndo reports whether an undo step is available.
func (e *Engine) CanUndo() bool { return len(e.undo) > 0 }

// CanRedo reports whether a redo step is available.
func (e *Engine) CanRedo() bool { return len(e.redo) > 0 }

func (e *Engine) apply(patch Patch) {
	for _, change := range patch {
		snapshot := e.working[change.RecordID]
		e.working[change.RecordID] = snapshot.WithField(change.Field, change.After)
	}
}
