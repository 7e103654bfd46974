package model

import "time"

// RuleType selects how a rule is checked.
type RuleType string

const (
	RuleTypeExists       RuleType = "exists"
	RuleTypeMissingField RuleType = "missing_field"
	RuleTypeDateCompare  RuleType = "date_compare"
)

// RuleDefinition is one check in a versioned rule set.
type RuleDefinition struct {
	RuleID     string   `json:"rule_id" yaml:"rule_id"`
	Type       RuleType `json:"type" yaml:"type"`
	Query      string   `json:"query,omitempty" yaml:"query,omitempty"`
	FieldRef   string   `json:"field_ref,omitempty" yaml:"field_ref,omitempty"`
	FieldRefB  string   `json:"field_ref_b,omitempty" yaml:"field_ref_b,omitempty"`
	Comparator string   `json:"comparator,omitempty" yaml:"comparator,omitempty"`
	Dimension  string   `json:"dimension" yaml:"dimension"`
	Rigid      bool     `json:"rigid" yaml:"rigid"`
	DocTypes   []string `json:"doc_types,omitempty" yaml:"doc_types,omitempty"`
	Threshold  *float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	TopK       int      `json:"top_k,omitempty" yaml:"top_k,omitempty"`
}

// RuleSet is an immutable, versioned collection of rules.
type RuleSet struct {
	Version   string           `json:"version" yaml:"version"`
	Rules     []RuleDefinition `json:"rules" yaml:"rules"`
	CreatedAt time.Time        `json:"created_at" yaml:"-"`
}

// FindingResult is the outcome of one rule.
type FindingResult string

const (
	FindingPass FindingResult = "pass"
	FindingRisk FindingResult = "risk"
	FindingFail FindingResult = "fail"
)

// Finding is the evaluated outcome of a rule for a project.
type Finding struct {
	ID               string        `json:"id"`
	ProjectID        string        `json:"project_id"`
	RuleSetVersion   string        `json:"rule_set_version"`
	RuleID           string        `json:"rule_id"`
	Dimension        string        `json:"dimension"`
	Result           FindingResult `json:"result"`
	EvidenceChunkIDs []string      `json:"evidence_chunk_ids"`
	Remark           string        `json:"remark"`
	CreatedAt        time.Time     `json:"created_at"`
}

// FailOrRisk returns FindingFail for rigid rules and FindingRisk otherwise.
func (r RuleDefinition) FailOrRisk() FindingResult {
	if r.Rigid {
		return FindingFail
	}
	return FindingRisk
}
