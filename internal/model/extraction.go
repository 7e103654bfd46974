package model

import "time"

// QueryTrace records what a single named query returned.
type QueryTrace struct {
	Name         string   `json:"name"`
	Count        int      `json:"count"`
	ChunkIDs     []string `json:"chunk_ids"`
	ProviderUsed string   `json:"provider_used"`
	LatencyMS    int64    `json:"latency_ms"`
}

// RetrievalTrace explains how the evidence for an extraction was gathered.
type RetrievalTrace struct {
	Queries      []QueryTrace `json:"queries"`
	MergedIDs    []string     `json:"merged_ids"`
	ResolvedMode string       `json:"resolved_mode"`
	ProviderUsed string       `json:"provider_used"`
	Model        string       `json:"model,omitempty"`
	Stage        string       `json:"stage,omitempty"`
}

// ExtractionResult is the validated output of one engine invocation.
type ExtractionResult struct {
	Data             map[string]any `json:"data"`
	EvidenceChunkIDs []string       `json:"evidence_chunk_ids"`
	RetrievalTrace   RetrievalTrace `json:"retrieval_trace"`
}

// ExtractionRecord is a persisted extraction result for a project.
type ExtractionRecord struct {
	ID        string           `json:"id"`
	ProjectID string           `json:"project_id"`
	RunID     string           `json:"run_id"`
	SpecName  string           `json:"spec_name"`
	Stage     string           `json:"stage,omitempty"`
	Result    ExtractionResult `json:"result"`
	CreatedAt time.Time        `json:"created_at"`
}
