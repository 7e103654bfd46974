package hybrid

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/retrieval"
)

var resultCols = []string{"chunk_id", "text", "doc_type", "doc_version_id", "page_no", "score"}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f fakeEmbedder) Embed(context.Context, string) ([]float32, error) { return f.vec, f.err }

func intPtr(n int) *int { return &n }

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestRetrieve_TextOnly(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`ts_rank_cd`).
		WithArgs("p1", "bid bond", []string{}, 50).
		WillReturnRows(pgxmock.NewRows(resultCols).
			AddRow("c1", "bid bond required", "tender", "v2", intPtr(3), 0.8).
			AddRow("c2", "bond amount", "tender", "v2", nil, 0.4))

	p := New(mock, nil, Options{RRFK: 60, CandidatePool: 50})
	got, err := p.Retrieve(context.Background(), retrieval.Query{Text: "bid bond", ProjectID: "p1", TopK: 5})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"c1", "c2"}, model.ChunkIDs(got))
	assert.InDelta(t, 1.0/61, got[0].Score, 1e-9)
	assert.Equal(t, 3, *got[0].Metadata.PageNo)
	assert.Nil(t, got[1].Metadata.PageNo)
	assert.Equal(t, "v2", got[0].Metadata.DocVersionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetrieve_EmptyProjectReturnsEmptySlice(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`ts_rank_cd`).
		WithArgs("empty", "anything", []string{"contract"}, 10).
		WillReturnRows(pgxmock.NewRows(resultCols))

	p := New(mock, nil, Options{})
	got, err := p.Retrieve(context.Background(), retrieval.Query{Text: "anything", ProjectID: "empty", DocTypes: []string{"contract"}, TopK: 10})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestRetrieve_FusesTextAndVector(t *testing.T) {
	mock := newMock(t)
	mock.MatchExpectationsInOrder(false)
	mock.ExpectQuery(`ts_rank_cd`).
		WithArgs("p1", "bond", []string{}, 3).
		WillReturnRows(pgxmock.NewRows(resultCols).
			AddRow("a", "A", "tender", "v1", nil, 0.9).
			AddRow("b", "B", "tender", "v1", nil, 0.5))
	mock.ExpectQuery(`unnest`).
		WithArgs("p1", []float32{3, 4}, []string{}, 3, 5.0).
		WillReturnRows(pgxmock.NewRows(resultCols).
			AddRow("b", "B", "tender", "v1", nil, 0.99).
			AddRow("c", "C", "tender", "v1", nil, 0.7))

	p := New(mock, fakeEmbedder{vec: []float32{3, 4}}, Options{TextWeight: 1, VectorWeight: 1, RRFK: 1})
	got, err := p.Retrieve(context.Background(), retrieval.Query{Text: "bond", ProjectID: "p1", TopK: 3})
	require.NoError(t, err)

	// b: 1/3 + 1/2, a: 1/2, c: 1/3
	assert.Equal(t, []string{"b", "a", "c"}, model.ChunkIDs(got))
	assert.InDelta(t, 1.0/3+1.0/2, got[0].Score, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetrieve_EmbedErrorFails(t *testing.T) {
	mock := newMock(t)
	mock.MatchExpectationsInOrder(false)
	mock.ExpectQuery(`ts_rank_cd`).WillReturnRows(pgxmock.NewRows(resultCols))

	p := New(mock, fakeEmbedder{err: errors.New("quota")}, Options{})
	_, err := p.Retrieve(context.Background(), retrieval.Query{Text: "x", ProjectID: "p1", TopK: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embed query")
}

func TestRetrieve_QueryErrorFails(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`ts_rank_cd`).WillReturnError(errors.New("connection refused"))

	p := New(mock, nil, Options{})
	_, err := p.Retrieve(context.Background(), retrieval.Query{Text: "x", ProjectID: "p1", TopK: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "text search")
}

func TestFuse_TieBreaksOnChunkID(t *testing.T) {
	text := []candidate{
		{chunk: model.RetrievedChunk{ChunkID: "z"}, rank: 1},
	}
	vector := []candidate{
		{chunk: model.RetrievedChunk{ChunkID: "a"}, rank: 1},
	}
	got := fuse(text, vector, Options{TextWeight: 1, VectorWeight: 1, RRFK: 60}, 10)
	assert.Equal(t, []string{"a", "z"}, model.ChunkIDs(got))

	got = fuse(text, vector, Options{TextWeight: 1, VectorWeight: 1, RRFK: 60}, 1)
	assert.Len(t, got, 1)
}

func TestNorm(t *testing.T) {
	assert.InDelta(t, 5.0, Norm([]float32{3, 4}), 1e-9)
	assert.Equal(t, 0.0, Norm(nil))
}

func TestMigrate(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS doc_chunks`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	p := New(mock, nil, Options{})
	require.NoError(t, p.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIndex_BulkUpserts(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_doc_chunks"}, indexColumns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "doc_chunks" .* ON CONFLICT \("chunk_id"\) DO UPDATE SET`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	p := New(mock, nil, Options{})
	n, err := p.Index(context.Background(), []model.IndexedChunk{
		{ChunkID: "c1", ProjectID: "p1", DocumentID: "d1", DocVersionID: "v1", VersionNo: 2, Text: "a", Embedding: []float32{1, 0}},
		{ChunkID: "c2", ProjectID: "p1", DocVersionID: "v1", PageNo: intPtr(4), Text: "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIndex_RejectsChunkWithoutProject(t *testing.T) {
	mock := newMock(t)
	p := New(mock, nil, Options{})
	_, err := p.Index(context.Background(), []model.IndexedChunk{{ChunkID: "c1"}})
	assert.Error(t, err)
}

func TestDocumentIDFallsBackToVersion(t *testing.T) {
	assert.Equal(t, "d1", documentID(model.IndexedChunk{DocumentID: "d1", DocVersionID: "v1"}))
	assert.Equal(t, "v1", documentID(model.IndexedChunk{DocVersionID: "v1"}))
}
