package hybrid

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/db"
	"github.com/sells-group/evidence-cli/internal/model"
)

const migration = `
CREATE TABLE IF NOT EXISTS doc_chunks (
	chunk_id        TEXT PRIMARY KEY,
	project_id      TEXT NOT NULL,
	document_id     TEXT NOT NULL,
	doc_version_id  TEXT NOT NULL,
	version_no      INTEGER NOT NULL DEFAULT 1,
	doc_type        TEXT NOT NULL DEFAULT '',
	page_no         INTEGER,
	text            TEXT NOT NULL,
	embedding       REAL[],
	embedding_norm  DOUBLE PRECISION,
	tsv             TSVECTOR GENERATED ALWAYS AS (to_tsvector('simple', text)) STORED,
	indexed_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_doc_chunks_tsv ON doc_chunks USING GIN (tsv);
CREATE INDEX IF NOT EXISTS idx_doc_chunks_latest ON doc_chunks (project_id, document_id, version_no DESC);
`

var indexColumns = []string{
	"chunk_id", "project_id", "document_id", "doc_version_id", "version_no",
	"doc_type", "page_no", "text", "embedding", "embedding_norm",
}

// Migrate creates the doc_chunks table and its indexes.
func (p *Provider) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, migration)
	return eris.Wrap(err, "hybrid: migrate")
}

// Index upserts chunks by chunk id. Chunks without an embedding are
// searchable by text only.
func (p *Provider) Index(ctx context.Context, chunks []model.IndexedChunk) (int, error) {
	rows := make([][]any, 0, len(chunks))
	for _, c := range chunks {
		if c.ChunkID == "" || c.ProjectID == "" {
			return 0, eris.Errorf("hybrid: chunk missing id or project (chunk_id=%q)", c.ChunkID)
		}
		version := c.VersionNo
		if version == 0 {
			version = 1
		}
		var (
			embedding any
			norm      any
		)
		if len(c.Embedding) > 0 {
			embedding = c.Embedding
			norm = Norm(c.Embedding)
		}
		var page any
		if c.PageNo != nil {
			page = *c.PageNo
		}
		rows = append(rows, []any{
			c.ChunkID, c.ProjectID, documentID(c), c.DocVersionID, version,
			c.DocType, page, c.Text, embedding, norm,
		})
	}

	n, err := db.BulkUpsert(ctx, p.pool, db.UpsertConfig{
		Table:        "doc_chunks",
		Columns:      indexColumns,
		ConflictKeys: []string{"chunk_id"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "hybrid: index")
	}
	zap.L().Info("hybrid: indexed chunks", zap.Int("chunks", len(chunks)), zap.Int64("rows", n))
	return int(n), nil
}

// documentID falls back to the version id so version filtering still
// works for collaborators that do not send a document id.
func documentID(c model.IndexedChunk) string {
	if c.DocumentID != "" {
		return c.DocumentID
	}
	return c.DocVersionID
}
