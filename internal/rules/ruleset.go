// Package rules evaluates versioned rule sets against a project's indexed
// documents and prior extraction results, producing findings.
package rules

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/evidence-cli/internal/model"
)

// ParseRuleSet decodes and validates a YAML rule set.
func ParseRuleSet(data []byte) (*model.RuleSet, error) {
	var rs model.RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, eris.Wrap(err, "rules: parse rule set")
	}
	if err := ValidateRuleSet(&rs); err != nil {
		return nil, err
	}
	if rs.CreatedAt.IsZero() {
		rs.CreatedAt = time.Now().UTC()
	}
	return &rs, nil
}

// LoadRuleSetFile reads a YAML rule set from path.
func LoadRuleSetFile(path string) (*model.RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "rules: read %s", path)
	}
	return ParseRuleSet(data)
}

// ValidateRuleSet checks that rs has a version, unique rule ids and that
// each rule carries the fields its type needs.
func ValidateRuleSet(rs *model.RuleSet) error {
	if strings.TrimSpace(rs.Version) == "" {
		return eris.New("rules: rule set version is required")
	}
	var problems []string
	seen := make(map[string]bool, len(rs.Rules))
	for i, r := range rs.Rules {
		if r.RuleID == "" {
			problems = append(problems, fmt.Sprintf("rule #%d: rule_id is required", i+1))
			continue
		}
		if seen[r.RuleID] {
			problems = append(problems, "rule "+r.RuleID+": duplicate rule_id")
		}
		seen[r.RuleID] = true
		if err := validateRule(r); err != nil {
			problems = append(problems, "rule "+r.RuleID+": "+err.Error())
		}
	}
	if len(problems) > 0 {
		return eris.Errorf("rules: invalid rule set %s: %s", rs.Version, strings.Join(problems, "; "))
	}
	return nil
}

func validateRule(r model.RuleDefinition) error {
	switch r.Type {
	case model.RuleTypeExists:
		if strings.TrimSpace(r.Query) == "" {
			return eris.New("exists rule needs a query")
		}
		if r.Threshold != nil && *r.Threshold < 0 {
			return eris.New("threshold must be >= 0")
		}
	case model.RuleTypeMissingField:
		if r.FieldRef == "" {
			return eris.New("missing_field rule needs field_ref")
		}
	case model.RuleTypeDateCompare:
		if r.FieldRef == "" || r.FieldRefB == "" {
			return eris.New("date_compare rule needs field_ref and field_ref_b")
		}
		// Names resolve against the evaluator's registry at evaluation time.
		if strings.TrimSpace(r.Comparator) == "" {
			return eris.New("date_compare rule needs a comparator")
		}
	default:
		return eris.Errorf("unknown rule type %q", r.Type)
	}
	return nil
}
