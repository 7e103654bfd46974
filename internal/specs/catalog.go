// Package specs loads the extraction spec catalog from YAML.
package specs

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/evidence-cli/internal/extract"
	"github.com/sells-group/evidence-cli/internal/schema"
)

// ErrUnknownSpec is returned for a name the catalog does not define.
var ErrUnknownSpec = eris.New("specs: unknown spec")

// File is the YAML document. Everything sits under a top-level
// "extraction" key.
type File struct {
	Defaults Defaults                  `yaml:"defaults"`
	Schemas  map[string]map[string]any `yaml:"schemas"`
	Specs    []SpecConfig              `yaml:"specs"`
	Plans    []PlanConfig              `yaml:"plans"`
}

// Defaults fill unset per-spec values.
type Defaults struct {
	TopKPerQuery int    `yaml:"topk_per_query"`
	TopKTotal    int    `yaml:"topk_total"`
	MaxTokens    int    `yaml:"max_tokens"`
	EvidenceKey  string `yaml:"evidence_key"`
}

// SpecConfig is one spec entry.
type SpecConfig struct {
	Name         string               `yaml:"name"`
	SystemPrompt string               `yaml:"system_prompt"`
	Prompt       string               `yaml:"prompt"`
	Queries      []extract.NamedQuery `yaml:"queries"`
	TopKPerQuery int                  `yaml:"topk_per_query"`
	TopKTotal    int                  `yaml:"topk_total"`
	DocTypes     []string             `yaml:"doc_types"`
	MaxTokens    int                  `yaml:"max_tokens"`
	EvidenceKey  string               `yaml:"evidence_key"`
	// Schema names a registry entry or an entry under schemas.
	Schema string `yaml:"schema"`
	// Rules is an inline validator rule map; it wins over Schema.
	Rules map[string]any `yaml:"rules"`
}

// PlanConfig is a multi-stage plan over catalog specs.
type PlanConfig struct {
	Name   string        `yaml:"name"`
	Stages []StageConfig `yaml:"stages"`
}

// StageConfig is one plan stage.
type StageConfig struct {
	Name string            `yaml:"name"`
	Spec string            `yaml:"spec"`
	Vars map[string]string `yaml:"vars"`
}

// Catalog resolves spec and plan names.
type Catalog struct {
	specs map[string]*extract.Spec
	plans map[string]*extract.Plan
}

// LoadFile reads and parses a catalog file.
func LoadFile(path string, reg *schema.Registry, fallback Defaults) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "specs: read catalog %s", path)
	}
	return Parse(data, reg, fallback)
}

// Parse builds a catalog. fallback supplies defaults the file leaves
// unset; reg resolves schema names not defined in the file and receives
// the file's own named schemas. reg may be nil.
func Parse(data []byte, reg *schema.Registry, fallback Defaults) (*Catalog, error) {
	var wrapper struct {
		Extraction File `yaml:"extraction"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "specs: parse catalog")
	}
	f := &wrapper.Extraction
	d := f.Defaults.merge(fallback)

	if reg == nil {
		reg = schema.NewRegistry()
	}
	for name, rules := range f.Schemas {
		reg.Register(name, schema.Rules(rules))
	}

	c := &Catalog{
		specs: make(map[string]*extract.Spec, len(f.Specs)),
		plans: make(map[string]*extract.Plan, len(f.Plans)),
	}
	for _, sc := range f.Specs {
		if _, dup := c.specs[sc.Name]; dup {
			return nil, eris.Errorf("specs: spec %q defined twice", sc.Name)
		}
		spec, err := sc.build(d, reg)
		if err != nil {
			return nil, err
		}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		c.specs[spec.Name] = spec
	}

	for _, pc := range f.Plans {
		if _, dup := c.plans[pc.Name]; dup {
			return nil, eris.Errorf("specs: plan %q defined twice", pc.Name)
		}
		if _, clash := c.specs[pc.Name]; clash {
			return nil, eris.Errorf("specs: plan %q shadows a spec of the same name", pc.Name)
		}
		plan := &extract.Plan{Name: pc.Name}
		for _, st := range pc.Stages {
			spec, ok := c.specs[st.Spec]
			if !ok {
				return nil, eris.Wrapf(ErrUnknownSpec, "plan %q stage %q references %q", pc.Name, st.Name, st.Spec)
			}
			name := st.Name
			if name == "" {
				name = st.Spec
			}
			plan.Stages = append(plan.Stages, extract.Stage{Name: name, Spec: spec, Vars: st.Vars})
		}
		if err := plan.Validate(); err != nil {
			return nil, err
		}
		c.plans[plan.Name] = plan
	}
	return c, nil
}

func (d Defaults) merge(fallback Defaults) Defaults {
	if d.TopKPerQuery == 0 {
		d.TopKPerQuery = fallback.TopKPerQuery
	}
	if d.TopKTotal == 0 {
		d.TopKTotal = fallback.TopKTotal
	}
	if d.MaxTokens == 0 {
		d.MaxTokens = fallback.MaxTokens
	}
	if d.EvidenceKey == "" {
		d.EvidenceKey = fallback.EvidenceKey
	}
	return d
}

func (sc SpecConfig) build(d Defaults, reg *schema.Registry) (*extract.Spec, error) {
	spec := &extract.Spec{
		Name:           sc.Name,
		SystemPrompt:   sc.SystemPrompt,
		PromptTemplate: sc.Prompt,
		Queries:        sc.Queries,
		TopKPerQuery:   sc.TopKPerQuery,
		TopKTotal:      sc.TopKTotal,
		DocTypes:       sc.DocTypes,
		MaxTokens:      sc.MaxTokens,
		EvidenceKey:    sc.EvidenceKey,
	}
	if spec.TopKPerQuery == 0 {
		spec.TopKPerQuery = d.TopKPerQuery
	}
	if spec.TopKTotal == 0 {
		spec.TopKTotal = d.TopKTotal
	}
	if spec.MaxTokens == 0 {
		spec.MaxTokens = d.MaxTokens
	}
	if spec.EvidenceKey == "" {
		spec.EvidenceKey = d.EvidenceKey
	}

	switch {
	case len(sc.Rules) > 0:
		spec.Schema = schema.Rules(sc.Rules)
	case sc.Schema != "":
		v, err := reg.Get(sc.Schema)
		if err != nil {
			return nil, eris.Wrapf(err, "specs: spec %q", sc.Name)
		}
		spec.Schema = v
	}
	return spec, nil
}

// Spec returns the named spec.
func (c *Catalog) Spec(name string) (*extract.Spec, error) {
	s, ok := c.specs[name]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownSpec, "%q", name)
	}
	return s, nil
}

// Plan returns the named plan, or a single-stage plan for a spec name.
func (c *Catalog) Plan(name string) (*extract.Plan, error) {
	if p, ok := c.plans[name]; ok {
		return p, nil
	}
	s, err := c.Spec(name)
	if err != nil {
		return nil, err
	}
	return extract.SingleStage(s), nil
}

// Names lists spec and plan names, sorted.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.specs)+len(c.plans))
	for n := range c.specs {
		out = append(out, n)
	}
	for n := range c.plans {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
