package model

import (
	"encoding/json"
	"time"
)

// ShadowDiffRecord is an append-only comparison of legacy and new output for
// identical input.
type ShadowDiffRecord struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	EntityID    string          `json:"entity_id"`
	ProjectID   string          `json:"project_id,omitempty"`
	OldResult   json.RawMessage `json:"old_result"`
	NewResult   json.RawMessage `json:"new_result"`
	DiffSummary map[string]any  `json:"diff_summary"`
	CreatedAt   time.Time       `json:"created_at"`
}
