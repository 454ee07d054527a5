// Package capability models the per-field-class permissions consulted before
// any ledger write. Financial fields require a distinct capability from
// scheduling fields; the permission engine that grants capabilities to actors
// is an external collaborator.
package capability

import "github.com/rpattn/pfasync/internal/domain"

type Capability string

const (
	CapabilityFinancial  Capability = "financial"
	CapabilityScheduling Capability = "scheduling"
)

// fieldClasses maps each editable field to the capability its change requires.
var fieldClasses = map[domain.FieldName]Capability{
	domain.FieldRate:      CapabilityFinancial,
	domain.FieldStartDate: CapabilityScheduling,
	domain.FieldEndDate:   CapabilityScheduling,
	domain.FieldCategory:  CapabilityScheduling,
	domain.FieldTags:      CapabilityScheduling,
	domain.FieldActive:    CapabilityScheduling,
}

// Set is an actor's granted capabilities.
type Set map[Capability]struct{}

// NewSet builds a capability set from the given grants.
func NewSet(grants ...Capability) Set {
	set := make(Set, len(grants))
	for _, grant := range grants {
		set[grant] = struct{}{}
	}
	return set
}

// Names returns the grants as strings, for serialization.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for grant := range s {
		names = append(names, string(grant))
	}
	return names
}

// Can reports whether the set covers a change to every one of the given
// fields. Unknown fields are denied; validation rejects them separately.
func (s Set) Can(fields []domain.FieldName) bool {
	for _, field := range fields {
		class, ok := fieldClasses[field]
		if !ok {
			return false
		}
		if _, granted := s[class]; !granted {
			return false
		}
	}
	return true
}

// Normalize parses a stored capability name, dropping anything unrecognised.
func Normalize(raw string) (Capability, bool) {
	switch Capability(raw) {
	case CapabilityFinancial, CapabilityScheduling:
		return Capability(raw), true
	default:
		return "", false
	}
}
