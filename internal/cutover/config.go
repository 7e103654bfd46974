package cutover

import (
	"fmt"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-cli/internal/config"
)

// Conflict records a project listed under more than one mode for the same
// capability. The most conservative mode wins.
type Conflict struct {
	Capability Capability
	ProjectID  string
	Modes      []Mode
	Chosen     Mode
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s/%s listed under %v, using %s", c.Capability, c.ProjectID, c.Modes, c.Chosen)
}

// Config is an immutable snapshot of cutover settings. Build it with
// NewConfig; the zero value and nil resolve every capability to ModeOld.
type Config struct {
	global    map[Capability]Mode
	projects  map[Capability]map[string]Mode
	conflicts []Conflict
}

// NewConfig copies global modes and per-project overrides
// (capability -> mode -> project ids) into an immutable Config.
func NewConfig(global map[Capability]Mode, overrides map[Capability]map[Mode][]string) *Config {
	c := &Config{
		global:   make(map[Capability]Mode, len(global)),
		projects: make(map[Capability]map[string]Mode, len(overrides)),
	}
	for capability, m := range global {
		if m.Valid() {
			c.global[capability] = m
		}
	}

	// Iterate modes in rank order so conflict reports are stable.
	for capability, byMode := range overrides {
		idx := make(map[string]Mode)
		seen := make(map[string][]Mode)
		for _, m := range Modes {
			for _, pid := range byMode[m] {
				seen[pid] = append(seen[pid], m)
				if _, ok := idx[pid]; !ok {
					idx[pid] = m
				}
			}
		}
		for pid, modes := range seen {
			if len(modes) > 1 {
				c.conflicts = append(c.conflicts, Conflict{
					Capability: capability,
					ProjectID:  pid,
					Modes:      modes,
					Chosen:     idx[pid],
				})
			}
		}
		if len(idx) > 0 {
			c.projects[capability] = idx
		}
	}
	sort.Slice(c.conflicts, func(i, j int) bool {
		if c.conflicts[i].Capability != c.conflicts[j].Capability {
			return c.conflicts[i].Capability < c.conflicts[j].Capability
		}
		return c.conflicts[i].ProjectID < c.conflicts[j].ProjectID
	})
	return c
}

// Resolve returns the effective mode for capability and project:
// project override, then the capability's global mode, then ModeOld.
func (c *Config) Resolve(capability Capability, projectID string) Mode {
	if c == nil {
		return ModeOld
	}
	if m, ok := c.projects[capability][projectID]; ok {
		return m
	}
	if m, ok := c.global[capability]; ok {
		return m
	}
	return ModeOld
}

// Conflicts returns the overrides that named a project more than once.
func (c *Config) Conflicts() []Conflict {
	if c == nil {
		return nil
	}
	out := make([]Conflict, len(c.conflicts))
	copy(out, c.conflicts)
	return out
}

// Global returns a copy of the per-capability global modes with unset
// capabilities filled in as ModeOld.
func (c *Config) Global() map[Capability]Mode {
	out := make(map[Capability]Mode, len(Capabilities))
	for _, capability := range Capabilities {
		out[capability] = c.Resolve(capability, "")
	}
	return out
}

// FromSettings builds a Config from the viper-backed cutover section.
// Unknown capabilities or modes are rejected so typos never silently
// resolve to ModeOld.
func FromSettings(s config.CutoverConfig) (*Config, error) {
	global := make(map[Capability]Mode, len(s.Modes))
	for name, raw := range s.Modes {
		capability, err := ParseCapability(name)
		if err != nil {
			return nil, err
		}
		m, err := ParseMode(raw)
		if err != nil {
			return nil, eris.Wrapf(err, "cutover: modes.%s", name)
		}
		global[capability] = m
	}

	overrides := make(map[Capability]map[Mode][]string, len(s.Overrides))
	for name, byMode := range s.Overrides {
		capability, err := ParseCapability(name)
		if err != nil {
			return nil, err
		}
		converted := make(map[Mode][]string, len(byMode))
		for rawMode, projects := range byMode {
			m, err := ParseMode(rawMode)
			if err != nil {
				return nil, eris.Wrapf(err, "cutover: overrides.%s", name)
			}
			converted[m] = append(converted[m], projects...)
		}
		overrides[capability] = converted
	}

	return NewConfig(global, overrides), nil
}
