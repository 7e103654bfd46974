// Package hybrid is the new retrieval provider: Postgres full-text ranking
// fused with cosine similarity over stored embeddings, restricted to the
// latest version of each document.
package hybrid

import (
	"context"
	"math"
	"sort"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/evidence-cli/internal/config"
	"github.com/sells-group/evidence-cli/internal/db"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/retrieval"
)

// Name is the provider name reported in errors and logs.
const Name = "hybrid"

// Embedder turns query text into a vector in the same space as the stored
// chunk embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Options tunes rank fusion.
type Options struct {
	TextWeight    float64
	VectorWeight  float64
	RRFK          int
	CandidatePool int
}

// OptionsFromSettings converts config units.
func OptionsFromSettings(s config.HybridConfig) Options {
	return Options{
		TextWeight:    s.TextWeight,
		VectorWeight:  s.VectorWeight,
		RRFK:          s.RRFK,
		CandidatePool: s.CandidatePool,
	}
}

// Provider searches doc_chunks.
type Provider struct {
	pool  db.Pool
	embed Embedder
	opts  Options
}

// New creates a provider. embed may be nil, in which case only full-text
// ranking is used.
func New(pool db.Pool, embed Embedder, opts Options) *Provider {
	if opts.RRFK <= 0 {
		opts.RRFK = 60
	}
	if opts.TextWeight <= 0 && opts.VectorWeight <= 0 {
		opts.TextWeight, opts.VectorWeight = 1, 1
	}
	return &Provider{pool: pool, embed: embed, opts: opts}
}

// Name implements retrieval.Provider.
func (p *Provider) Name() string { return Name }

// candidate is one ranked hit from a single search leg.
type candidate struct {
	chunk model.RetrievedChunk
	rank  int
}

// Retrieve implements retrieval.Provider. Scores are fused reciprocal
// ranks, so they are comparable within one query only.
func (p *Provider) Retrieve(ctx context.Context, q retrieval.Query) ([]model.RetrievedChunk, error) {
	limit := q.TopK
	if p.opts.CandidatePool > limit {
		limit = p.opts.CandidatePool
	}

	var textHits, vectorHits []candidate
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		textHits, err = p.searchText(gctx, q, limit)
		return err
	})
	if p.embed != nil && p.opts.VectorWeight > 0 {
		g.Go(func() error {
			vec, err := p.embed.Embed(gctx, q.Text)
			if err != nil {
				return eris.Wrap(err, "hybrid: embed query")
			}
			vectorHits, err = p.searchVector(gctx, q, vec, limit)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return fuse(textHits, vectorHits, p.opts, q.TopK), nil
}

// fuse combines the legs with weighted reciprocal rank fusion. Ties break
// on chunk id so output is deterministic.
func fuse(text, vector []candidate, opts Options, topK int) []model.RetrievedChunk {
	k := float64(opts.RRFK)
	scores := make(map[string]float64)
	chunks := make(map[string]model.RetrievedChunk)

	add := func(hits []candidate, weight float64) {
		if weight <= 0 {
			return
		}
		for _, h := range hits {
			scores[h.chunk.ChunkID] += weight / (k + float64(h.rank))
			if _, ok := chunks[h.chunk.ChunkID]; !ok {
				chunks[h.chunk.ChunkID] = h.chunk
			}
		}
	}
	add(text, opts.TextWeight)
	add(vector, opts.VectorWeight)

	out := make([]model.RetrievedChunk, 0, len(chunks))
	for id, c := range chunks {
		c.Score = scores[id]
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

// latestCTE restricts a project's chunks to the newest version of each
// document. $1 is the project id.
const latestCTE = `WITH latest AS (
	SELECT DISTINCT ON (document_id) document_id, doc_version_id
	FROM doc_chunks
	WHERE project_id = $1
	ORDER BY document_id, version_no DESC
)`

const textSQL = latestCTE + `
SELECT c.chunk_id, c.text, c.doc_type, c.doc_version_id, c.page_no,
	ts_rank_cd(c.tsv, plainto_tsquery('simple', $2))::float8 AS score
FROM doc_chunks c
JOIN latest l ON l.document_id = c.document_id AND l.doc_version_id = c.doc_version_id
WHERE c.project_id = $1
	AND c.tsv @@ plainto_tsquery('simple', $2)
	AND (cardinality($3::text[]) = 0 OR c.doc_type = ANY($3))
ORDER BY score DESC, c.chunk_id
LIMIT $4`

const vectorSQL = latestCTE + `
SELECT c.chunk_id, c.text, c.doc_type, c.doc_version_id, c.page_no,
	((SELECT sum(a * b) FROM unnest(c.embedding, $2::real[]) AS t(a, b)) / (c.embedding_norm * $5))::float8 AS score
FROM doc_chunks c
JOIN latest l ON l.document_id = c.document_id AND l.doc_version_id = c.doc_version_id
WHERE c.project_id = $1
	AND c.embedding_norm > 0
	AND cardinality(c.embedding) = cardinality($2::real[])
	AND (cardinality($3::text[]) = 0 OR c.doc_type = ANY($3))
ORDER BY score DESC, c.chunk_id
LIMIT $4`

func (p *Provider) searchText(ctx context.Context, q retrieval.Query, limit int) ([]candidate, error) {
	hits, err := p.search(ctx, textSQL, q.ProjectID, q.Text, docTypes(q), limit)
	return hits, eris.Wrap(err, "hybrid: text search")
}

func (p *Provider) searchVector(ctx context.Context, q retrieval.Query, vec []float32, limit int) ([]candidate, error) {
	norm := Norm(vec)
	if norm == 0 {
		return nil, nil
	}
	hits, err := p.search(ctx, vectorSQL, q.ProjectID, vec, docTypes(q), limit, norm)
	return hits, eris.Wrap(err, "hybrid: vector search")
}

func (p *Provider) search(ctx context.Context, sql string, args ...any) ([]candidate, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []candidate
	for rows.Next() {
		var (
			c    model.RetrievedChunk
			page *int
		)
		if err := rows.Scan(&c.ChunkID, &c.Text, &c.Metadata.DocType, &c.Metadata.DocVersionID, &page, &c.Score); err != nil {
			return nil, err
		}
		c.Metadata.PageNo = page
		out = append(out, candidate{chunk: c, rank: len(out) + 1})
	}
	return out, rows.Err()
}

func docTypes(q retrieval.Query) []string {
	if q.DocTypes == nil {
		return []string{}
	}
	return q.DocTypes
}

// Norm returns the Euclidean norm of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
