// Package extract turns retrieved evidence into validated structured data:
// retrieve per named query, merge, prompt the model, repair and validate
// its JSON, and cross-check the cited evidence.
package extract

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-cli/internal/schema"
)

// DefaultEvidenceKey is the data key the model uses to cite chunk ids.
const DefaultEvidenceKey = "evidence_chunk_ids"

// NamedQuery is one retrieval query of a spec. Declaration order matters:
// it is the primary merge order.
type NamedQuery struct {
	Name     string   `json:"name" yaml:"name"`
	Query    string   `json:"query" yaml:"query"`
	DocTypes []string `json:"doc_types,omitempty" yaml:"doc_types,omitempty"`
}

// Spec describes one extraction.
type Spec struct {
	Name           string
	SystemPrompt   string
	PromptTemplate string
	Queries        []NamedQuery
	TopKPerQuery   int
	TopKTotal      int
	DocTypes       []string
	MaxTokens      int
	// EvidenceKey overrides DefaultEvidenceKey.
	EvidenceKey string
	// Schema is optional. When nil the parsed object is accepted as is.
	Schema schema.Validator
}

// Validate checks the spec is runnable.
func (s *Spec) Validate() error {
	if s == nil {
		return eris.New("extract: nil spec")
	}
	if s.Name == "" {
		return eris.New("extract: spec name is required")
	}
	if s.PromptTemplate == "" {
		return eris.Errorf("extract: spec %q has no prompt template", s.Name)
	}
	if len(s.Queries) == 0 {
		return eris.Errorf("extract: spec %q has no queries", s.Name)
	}
	seen := make(map[string]bool, len(s.Queries))
	for _, q := range s.Queries {
		if q.Name == "" || q.Query == "" {
			return eris.Errorf("extract: spec %q has a query without name or text", s.Name)
		}
		if seen[q.Name] {
			return eris.Errorf("extract: spec %q declares query %q twice", s.Name, q.Name)
		}
		seen[q.Name] = true
	}
	if s.TopKPerQuery <= 0 || s.TopKTotal <= 0 {
		return eris.Errorf("extract: spec %q needs positive topk values", s.Name)
	}
	return nil
}

func (s *Spec) evidenceKey() string {
	if s.EvidenceKey != "" {
		return s.EvidenceKey
	}
	return DefaultEvidenceKey
}

// StageContext is what a stage of a multi-stage plan sees of the plan.
// Prior holds deep copies of earlier stages' validated data keyed by stage
// name, so a stage cannot alter what later stages receive.
type StageContext struct {
	Name  string
	Index int
	Prior map[string]map[string]any
	Vars  map[string]string
}

// cloneData deep-copies a decoded JSON object.
func cloneData(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}
