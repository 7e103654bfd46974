package model

// ChunkMetadata describes where a chunk came from.
type ChunkMetadata struct {
	PageNo       *int   `json:"page_no,omitempty"`
	DocVersionID string `json:"doc_version_id,omitempty"`
	DocType      string `json:"doc_type"`
}

// RetrievedChunk is one retrieval hit. Chunks are treated as immutable once a
// provider returns them; consumers copy rather than modify.
type RetrievedChunk struct {
	ChunkID  string        `json:"chunk_id"`
	Text     string        `json:"text"`
	Score    float64       `json:"score"`
	Metadata ChunkMetadata `json:"metadata"`
}

// ChunkIDs returns the ids of chunks in order.
func ChunkIDs(chunks []RetrievedChunk) []string {
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ChunkID
	}
	return ids
}

// IndexedChunk is a chunk as written by the ingestion collaborator into a
// provider's index.
type IndexedChunk struct {
	ChunkID      string    `json:"chunk_id"`
	ProjectID    string    `json:"project_id"`
	DocumentID   string    `json:"document_id"`
	DocVersionID string    `json:"doc_version_id"`
	VersionNo    int       `json:"version_no"`
	DocType      string    `json:"doc_type"`
	PageNo       *int      `json:"page_no,omitempty"`
	Text         string    `json:"text"`
	Embedding    []float32 `json:"embedding,omitempty"`
}
