// Package cutover resolves which implementation of a capability is
// authoritative for a project: the legacy one, the new one, or both with
// one shadowing the other.
package cutover

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Mode is a graduated migration step.
type Mode string

const (
	ModeOld       Mode = "old"
	ModeShadow    Mode = "shadow"
	ModePreferNew Mode = "prefer_new"
	ModeNewOnly   Mode = "new_only"
)

// Modes lists every mode from most to least conservative.
var Modes = []Mode{ModeOld, ModeShadow, ModePreferNew, ModeNewOnly}

// rank orders modes by how much traffic the new implementation owns.
func (m Mode) rank() int {
	for i, v := range Modes {
		if v == m {
			return i
		}
	}
	return -1
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m.rank() >= 0 }

// UsesNew reports whether the new implementation is invoked at all.
func (m Mode) UsesNew() bool { return m.Valid() && m != ModeOld }

// ParseMode accepts any casing and dashes ("PREFER_NEW", "prefer-new").
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !m.Valid() {
		return "", eris.Errorf("cutover: unknown mode %q", s)
	}
	return m, nil
}

// Capability is an independently migratable subsystem.
type Capability string

const (
	CapabilityRetrieval Capability = "retrieval"
	CapabilityIngest    Capability = "ingest"
	CapabilityExtract   Capability = "extract"
	CapabilityReview    Capability = "review"
	CapabilityRules     Capability = "rules"
)

// Capabilities lists every known capability.
var Capabilities = []Capability{
	CapabilityRetrieval,
	CapabilityIngest,
	CapabilityExtract,
	CapabilityReview,
	CapabilityRules,
}

// ParseCapability validates a capability name.
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	for _, v := range Capabilities {
		if v == c {
			return c, nil
		}
	}
	return "", eris.Errorf("cutover: unknown capability %q", s)
}
