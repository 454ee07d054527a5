package domain

import "fmt"

// ExtractDelta compares a candidate snapshot against its baseline and returns
// the minimal field-level change set: only fields whose typed value differs
// appear in the result, each paired with the baseline value it was computed
// against. The comparison is pure and side-effect free; an identical pair of
// snapshots yields an empty change set, which callers must treat as a no-op.
//
// The two snapshots must carry identical field sets drawn from the closed
// field registry; anything else is a caller bug reported as ErrShapeMismatch.
func ExtractDelta(current, baseline RecordSnapshot) (FieldMap, FieldMap, error) {
	if err := checkShape(current, baseline); err != nil {
		return nil, nil, err
	}

	fields := FieldMap{}
	base := FieldMap{}
	for name, value := range current.Fields {
		before := baseline.Fields[name]
		if value.Equal(before) {
			continue
		}
		fields[name] = value
		base[name] = before
	}
	return fields, base, nil
}

func checkShape(current, baseline RecordSnapshot) error {
	if len(current.Fields) != len(baseline.Fields) {
		return fmt.Errorf("%w: current has %d fields, baseline has %d",
			ErrShapeMismatch, len(current.Fields), len(baseline.Fields))
	}
	for name := range current.Fields {
		if _, known := fieldKinds[name]; !known {
			return fmt.Errorf("%w: field %q is not part of the record shape", ErrShapeMismatch, name)
		}
		if _, ok := baseline.Fields[name]; !ok {
			return fmt.Errorf("%w: field %q missing from baseline", ErrShapeMismatch, name)
		}
	}
	return nil
}
