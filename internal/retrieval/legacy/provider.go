// Package legacy serves retrieval from the prior keyword index, a SQLite
// FTS5 table ranked by bm25.
package legacy

import (
	"context"
	"database/sql"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-cli/internal/db"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/retrieval"
)

// Name is the provider name reported in errors and logs.
const Name = "legacy"

const migration = `
CREATE VIRTUAL TABLE IF NOT EXISTS legacy_chunks USING fts5(
	chunk_id UNINDEXED,
	project_id UNINDEXED,
	doc_type UNINDEXED,
	doc_version_id UNINDEXED,
	page_no UNINDEXED,
	text,
	tokenize = 'unicode61'
);
`

// Provider searches the legacy FTS5 index.
type Provider struct {
	db *sql.DB
}

// Open opens (and migrates) the index at path.
func Open(ctx context.Context, path string) (*Provider, error) {
	sqlDB, err := db.OpenSQLite(path)
	if err != nil {
		return nil, eris.Wrap(err, "legacy: open index")
	}
	p := New(sqlDB)
	if err := p.Migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return p, nil
}

// New wraps an existing database handle.
func New(sqlDB *sql.DB) *Provider {
	return &Provider{db: sqlDB}
}

// Migrate creates the index table.
func (p *Provider) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, migration)
	return eris.Wrap(err, "legacy: migrate")
}

// Close closes the index.
func (p *Provider) Close() error {
	return p.db.Close()
}

// Name implements retrieval.Provider.
func (p *Provider) Name() string { return Name }

// Retrieve implements retrieval.Provider. Terms are OR-ed; scores are
// negated bm25 so higher is better and every hit scores above zero.
func (p *Provider) Retrieve(ctx context.Context, q retrieval.Query) ([]model.RetrievedChunk, error) {
	match := matchExpr(q.Text)
	if match == "" {
		return []model.RetrievedChunk{}, nil
	}

	var sb strings.Builder
	sb.WriteString(`SELECT chunk_id, text, doc_type, doc_version_id, page_no, -bm25(legacy_chunks) AS score
		FROM legacy_chunks
		WHERE legacy_chunks MATCH ? AND project_id = ?`)
	args := []any{match, q.ProjectID}
	if len(q.DocTypes) > 0 {
		sb.WriteString(" AND doc_type IN (?" + strings.Repeat(", ?", len(q.DocTypes)-1) + ")")
		for _, dt := range q.DocTypes {
			args = append(args, dt)
		}
	}
	sb.WriteString(" ORDER BY score DESC, chunk_id ASC LIMIT ?")
	args = append(args, q.TopK)

	rows, err := p.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, eris.Wrap(err, "legacy: search")
	}
	defer rows.Close()

	out := []model.RetrievedChunk{}
	for rows.Next() {
		var (
			c       model.RetrievedChunk
			version sql.NullString
			page    sql.NullInt64
		)
		if err := rows.Scan(&c.ChunkID, &c.Text, &c.Metadata.DocType, &version, &page, &c.Score); err != nil {
			return nil, eris.Wrap(err, "legacy: scan")
		}
		c.Metadata.DocVersionID = version.String
		if page.Valid {
			n := int(page.Int64)
			c.Metadata.PageNo = &n
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "legacy: rows")
}

// Index replaces chunks in the index by chunk id.
func (p *Provider) Index(ctx context.Context, chunks []model.IndexedChunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "legacy: begin index")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx, `DELETE FROM legacy_chunks WHERE chunk_id = ?`, c.ChunkID); err != nil {
			return 0, eris.Wrapf(err, "legacy: delete chunk %s", c.ChunkID)
		}
		var page any
		if c.PageNo != nil {
			page = *c.PageNo
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO legacy_chunks (chunk_id, project_id, doc_type, doc_version_id, page_no, text) VALUES (?, ?, ?, ?, ?, ?)`,
			c.ChunkID, c.ProjectID, c.DocType, c.DocVersionID, page, c.Text,
		); err != nil {
			return 0, eris.Wrapf(err, "legacy: insert chunk %s", c.ChunkID)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "legacy: commit index")
	}
	return len(chunks), nil
}

// matchExpr builds an FTS5 query OR-ing every term, each quoted so user
// text cannot inject FTS operators.
func matchExpr(text string) string {
	terms := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(terms))
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(t)
		if seen[t] {
			continue
		}
		seen[t] = true
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " OR ")
}
