package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// FieldName identifies one editable field of a PFA record. The set is closed:
// deltas may only reference the names registered in fieldKinds.
type FieldName string

const (
	FieldRate      FieldName = "rate"
	FieldStartDate FieldName = "start_date"
	FieldEndDate   FieldName = "end_date"
	FieldCategory  FieldName = "category"
	FieldTags      FieldName = "tags"
	FieldActive    FieldName = "active"
)

// ValueKind tags the concrete type carried by a FieldValue.
type ValueKind string

const (
	KindMoney ValueKind = "money"
	KindDate  ValueKind = "date"
	KindText  ValueKind = "text"
	KindSet   ValueKind = "set"
	KindBool  ValueKind = "bool"
)

var fieldKinds = map[FieldName]ValueKind{
	FieldRate:      KindMoney,
	FieldStartDate: KindDate,
	FieldEndDate:   KindDate,
	FieldCategory:  KindText,
	FieldTags:      KindSet,
	FieldActive:    KindBool,
}

// KnownFields returns the closed field set in a stable order.
func KnownFields() []FieldName {
	names := make([]FieldName, 0, len(fieldKinds))
	for name := range fieldKinds {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// KindOf returns the value kind registered for a field name.
func KindOf(name FieldName) (ValueKind, bool) {
	kind, ok := fieldKinds[name]
	return kind, ok
}

// FieldValue is a tagged union holding exactly one typed value. Money is
// stored in minor units (cents) so rates are never derived from free text,
// and dates are normalized to UTC midnight on construction.
type FieldValue struct {
	Kind  ValueKind `json:"kind"`
	Money int64     `json:"money,omitempty"`
	Date  time.Time `json:"date,omitzero"`
	Text  string    `json:"text,omitempty"`
	Set   []string  `json:"set,omitempty"`
	Bool  bool      `json:"bool,omitempty"`
}

// MoneyValue builds a monetary value in minor units.
func MoneyValue(cents int64) FieldValue {
	return FieldValue{Kind: KindMoney, Money: cents}
}

// DateValue normalizes the input to UTC midnight before storing it, so two
// timestamps on the same calendar day always compare equal.
func DateValue(t time.Time) FieldValue {
	utc := t.UTC()
	return FieldValue{Kind: KindDate, Date: time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)}
}

// TextValue builds a categorical text value.
func TextValue(text string) FieldValue {
	return FieldValue{Kind: KindText, Text: text}
}

// SetValue stores the members sorted and de-duplicated, which makes equality
// order-insensitive.
func SetValue(members []string) FieldValue {
	seen := make(map[string]struct{}, len(members))
	out := make([]string, 0, len(members))
	for _, member := range members {
		if _, ok := seen[member]; ok {
			continue
		}
		seen[member] = struct{}{}
		out = append(out, member)
	}
	sort.Strings(out)
	return FieldValue{Kind: KindSet, Set: out}
}

// BoolValue builds a boolean flag value.
func BoolValue(b bool) FieldValue {
	return FieldValue{Kind: KindBool, Bool: b}
}

// Equal compares two values with the comparator appropriate for their kind.
// Values of different kinds are never equal.
func (v FieldValue) Equal(other FieldValue) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindMoney:
		return v.Money == other.Money
	case KindDate:
		return v.Date.Equal(other.Date)
	case KindText:
		return v.Text == other.Text
	case KindBool:
		return v.Bool == other.Bool
	case KindSet:
		if len(v.Set) != len(other.Set) {
			return false
		}
		for i := range v.Set {
			if v.Set[i] != other.Set[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Validate checks that the value's kind matches what the field registry
// declares for the given name.
func (v FieldValue) Validate(name FieldName) error {
	kind, ok := fieldKinds[name]
	if !ok {
		return fmt.Errorf("%w: unknown field %q", ErrValidationFailed, name)
	}
	if v.Kind != kind {
		return fmt.Errorf("%w: field %q expects %s value, got %s", ErrValidationFailed, name, kind, v.Kind)
	}
	return nil
}

// FieldMap is the field set carried by mirror records, snapshots and deltas.
type FieldMap map[FieldName]FieldValue

// Clone returns a copy that shares no mutable state with the receiver.
func (m FieldMap) Clone() FieldMap {
	if m == nil {
		return FieldMap{}
	}
	out := make(FieldMap, len(m))
	for name, value := range m {
		if value.Kind == KindSet {
			members := make([]string, len(value.Set))
			copy(members, value.Set)
			value.Set = members
		}
		out[name] = value
	}
	return out
}

// Names returns the field names present in the map, sorted.
func (m FieldMap) Names() []FieldName {
	names := make([]FieldName, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Validate checks every entry against the closed field registry.
func (m FieldMap) Validate() error {
	for name, value := range m {
		if err := value.Validate(name); err != nil {
			return err
		}
	}
	return nil
}

// MarshalJSON keeps the wire form keyed by field name.
func (m FieldMap) MarshalJSON() ([]byte, error) {
	plain := make(map[string]FieldValue, len(m))
	for name, value := range m {
		plain[string(name)] = value
	}
	return json.Marshal(plain)
}

// UnmarshalJSON decodes the keyed wire form back into typed values.
func (m *FieldMap) UnmarshalJSON(data []byte) error {
	var plain map[string]FieldValue
	if err := json.Unmarshal(data, &plain); err != nil {
		return err
	}
	out := make(FieldMap, len(plain))
	for name, value := range plain {
		out[FieldName(name)] = value
	}
	*m = out
	return nil
}
