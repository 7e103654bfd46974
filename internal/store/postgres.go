package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-cli/internal/db"
	"github.com/sells-group/evidence-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const runColumns = `id, project_id, kind, status, progress, request, result, error, COALESCE(worker_id, ''), created_at, updated_at`

// preparedStatements are prepared on each new connection for the hottest
// run-queue queries.
var preparedStatements = map[string]string{
	"claim_run": `UPDATE runs SET status = 'running', worker_id = $1, updated_at = $2
		WHERE id = (SELECT id FROM runs WHERE status = 'pending'
			AND ($3::text = '' OR id = $3::text)
			AND (cardinality($4::text[]) = 0 OR kind = ANY($4::text[]))
			ORDER BY created_at, id FOR UPDATE SKIP LOCKED LIMIT 1)
		RETURNING ` + runColumns,
	"get_run":             `SELECT ` + runColumns + ` FROM runs WHERE id = $1`,
	"update_run_progress": `UPDATE runs SET progress = $1, updated_at = $2 WHERE id = $3 AND worker_id = $4 AND status = 'running'`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller keeps ownership.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that share it,
// such as the hybrid retrieval index.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	progress   INTEGER NOT NULL DEFAULT 0,
	request    JSONB NOT NULL DEFAULT '{}'::jsonb,
	result     JSONB,
	error      JSONB,
	worker_id  TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status_created ON runs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id, created_at DESC);

CREATE TABLE IF NOT EXISTS extraction_results (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	run_id     TEXT NOT NULL DEFAULT '',
	spec_name  TEXT NOT NULL,
	stage      TEXT NOT NULL DEFAULT '',
	result     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_extraction_results_latest
	ON extraction_results(project_id, spec_name, stage, created_at DESC);

CREATE TABLE IF NOT EXISTS findings (
	id                 TEXT PRIMARY KEY,
	project_id         TEXT NOT NULL,
	rule_set_version   TEXT NOT NULL,
	rule_id            TEXT NOT NULL,
	dimension          TEXT NOT NULL DEFAULT '',
	result             TEXT NOT NULL,
	evidence_chunk_ids JSONB NOT NULL DEFAULT '[]'::jsonb,
	remark             TEXT NOT NULL DEFAULT '',
	position           INTEGER NOT NULL DEFAULT 0,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_findings_project ON findings(project_id, position);

CREATE TABLE IF NOT EXISTS shadow_diffs (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	entity_id    TEXT NOT NULL,
	project_id   TEXT NOT NULL DEFAULT '',
	old_result   JSONB,
	new_result   JSONB,
	diff_summary JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_shadow_diffs_kind_created ON shadow_diffs(kind, created_at DESC);

CREATE OR REPLACE FUNCTION shadow_diffs_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'shadow_diffs is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_shadow_diffs_append_only ON shadow_diffs;
CREATE TRIGGER trg_shadow_diffs_append_only
	BEFORE UPDATE OR DELETE ON shadow_diffs
	FOR EACH ROW EXECUTE FUNCTION shadow_diffs_append_only();

CREATE TABLE IF NOT EXISTS rule_sets (
	version    TEXT PRIMARY KEY,
	rules      JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, kind model.RunKind, projectID string, request json.RawMessage) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	if len(request) == 0 {
		request = json.RawMessage(`{}`)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, project_id, kind, status, progress, request, created_at, updated_at) VALUES ($1, $2, $3, $4, 0, $5, $6, $7)`,
		id, projectID, string(kind), string(model.RunStatusPending), []byte(request), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        id,
		ProjectID: projectID,
		Kind:      kind,
		Status:    model.RunStatusPending,
		Request:   request,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// ClaimNextRun atomically moves the oldest pending run matching filter to
// running under workerID. It returns nil, nil when nothing matches.
func (s *PostgresStore) ClaimNextRun(ctx context.Context, workerID string, filter ClaimFilter) (*model.Run, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx, preparedStatements["claim_run"],
		workerID, time.Now().UTC(), filter.RunID, filter.kindStrings(),
	))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim run")
	}
	return r, nil
}

func (s *PostgresStore) UpdateRunProgress(ctx context.Context, runID, workerID string, progress int) error {
	tag, err := s.pool.Exec(ctx, preparedStatements["update_run_progress"],
		clampProgress(progress), time.Now().UTC(), runID, workerID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run progress %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return s.denied(ctx, runID, workerID)
	}
	return nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID, workerID string, result json.RawMessage) error {
	var payload []byte
	if len(result) > 0 {
		payload = result
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, progress = 100, result = $2, updated_at = $3
		 WHERE id = $4 AND worker_id = $5 AND status = 'running'`,
		string(model.RunStatusSuccess), payload, time.Now().UTC(), runID, workerID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return s.denied(ctx, runID, workerID)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, runID, workerID string, runErr *model.RunError) error {
	errJSON, err := json.Marshal(runErr)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run error")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error = $2, updated_at = $3
		 WHERE id = $4 AND worker_id = $5 AND status = 'running'`,
		string(model.RunStatusFailed), errJSON, time.Now().UTC(), runID, workerID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return s.denied(ctx, runID, workerID)
	}
	return nil
}

// RequeueStaleRuns returns running runs not updated since olderThan to
// the pending queue. It recovers runs orphaned by a crashed worker.
func (s *PostgresStore) RequeueStaleRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = 'pending', worker_id = NULL, updated_at = $1
		 WHERE status = 'running' AND updated_at < $2`,
		time.Now().UTC(), olderThan,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: requeue stale runs")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) denied(ctx context.Context, runID, workerID string) error {
	r, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return writeDenied(r, workerID)
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx, preparedStatements["get_run"], runID))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.ProjectID != "" {
		query += fmt.Sprintf(` AND project_id = $%d`, argIdx)
		args = append(args, filter.ProjectID)
		argIdx++
	}
	if filter.Kind != "" {
		query += fmt.Sprintf(` AND kind = $%d`, argIdx)
		args = append(args, string(filter.Kind))
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC, id`

	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, clampLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	runs := []model.Run{}
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var (
		r                          model.Run
		request, result, errorJSON []byte
	)
	err := row.Scan(&r.ID, &r.ProjectID, &r.Kind, &r.Status, &r.Progress,
		&request, &result, &errorJSON, &r.WorkerID, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRun(&r, request, result, errorJSON)
}

// decodeRun attaches the JSON columns shared by both backends.
func decodeRun(r *model.Run, request, result, errorJSON []byte) (*model.Run, error) {
	if len(request) > 0 {
		r.Request = json.RawMessage(request)
	}
	if len(result) > 0 {
		r.Result = json.RawMessage(result)
	}
	if len(errorJSON) > 0 && string(errorJSON) != "null" {
		r.Error = &model.RunError{}
		if err := json.Unmarshal(errorJSON, r.Error); err != nil {
			return nil, eris.Wrap(err, "unmarshal run error")
		}
	}
	return r, nil
}

// --- Extraction results ---

func (s *PostgresStore) SaveExtraction(ctx context.Context, rec *model.ExtractionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	resultJSON, err := json.Marshal(rec.Result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal extraction")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO extraction_results (id, project_id, run_id, spec_name, stage, result, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.ProjectID, rec.RunID, rec.SpecName, rec.Stage, resultJSON, rec.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert extraction for %s", rec.ProjectID)
}

// GetLatestExtractions returns the newest result per (spec, stage).
func (s *PostgresStore) GetLatestExtractions(ctx context.Context, projectID string) ([]model.ExtractionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (spec_name, stage) id, project_id, run_id, spec_name, stage, result, created_at
		 FROM extraction_results WHERE project_id = $1
		 ORDER BY spec_name, stage, created_at DESC, id`,
		projectID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest extractions")
	}
	defer rows.Close()

	out := []model.ExtractionRecord{}
	for rows.Next() {
		var rec model.ExtractionRecord
		var resultJSON []byte
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.RunID, &rec.SpecName, &rec.Stage, &resultJSON, &rec.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan extraction")
		}
		if err := json.Unmarshal(resultJSON, &rec.Result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal extraction")
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: latest extractions iterate")
}

// --- Findings ---

// ReplaceFindings deletes the project's findings and inserts the new set in
// one transaction. Any failed insert rolls the whole replacement back.
func (s *PostgresStore) ReplaceFindings(ctx context.Context, projectID string, findings []model.Finding) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin replace findings")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM findings WHERE project_id = $1`, projectID); err != nil {
		return eris.Wrapf(err, "postgres: clear findings for %s", projectID)
	}
	for i, f := range findings {
		ids, err := json.Marshal(nonNilIDs(f.EvidenceChunkIDs))
		if err != nil {
			return eris.Wrap(err, "postgres: marshal evidence ids")
		}
		if f.ID == "" {
			f.ID = uuid.New().String()
		}
		if f.CreatedAt.IsZero() {
			f.CreatedAt = time.Now().UTC()
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO findings (id, project_id, rule_set_version, rule_id, dimension, result, evidence_chunk_ids, remark, position, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			f.ID, projectID, f.RuleSetVersion, f.RuleID, f.Dimension, string(f.Result), ids, f.Remark, i, f.CreatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert finding %d (%s)", i+1, f.RuleID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit replace findings")
	}
	return nil
}

func (s *PostgresStore) ListFindings(ctx context.Context, projectID string) ([]model.Finding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, rule_set_version, rule_id, dimension, result, evidence_chunk_ids, remark, created_at
		 FROM findings WHERE project_id = $1 ORDER BY position, id`,
		projectID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list findings")
	}
	defer rows.Close()

	out := []model.Finding{}
	for rows.Next() {
		var f model.Finding
		var ids []byte
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.RuleSetVersion, &f.RuleID, &f.Dimension, &f.Result, &ids, &f.Remark, &f.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan finding")
		}
		if err := json.Unmarshal(ids, &f.EvidenceChunkIDs); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal evidence ids")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list findings iterate")
}

// --- Shadow diffs ---

func (s *PostgresStore) AppendShadowDiff(ctx context.Context, rec *model.ShadowDiffRecord) error {
	summary, err := json.Marshal(rec.DiffSummary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal diff summary")
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO shadow_diffs (id, kind, entity_id, project_id, old_result, new_result, diff_summary, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.Kind, rec.EntityID, rec.ProjectID, rawOrNil(rec.OldResult), rawOrNil(rec.NewResult), summary, rec.CreatedAt,
	)
	return eris.Wrap(err, "postgres: append shadow diff")
}

func (s *PostgresStore) ListShadowDiffs(ctx context.Context, filter ShadowDiffFilter) ([]model.ShadowDiffRecord, error) {
	query := `SELECT id, kind, entity_id, project_id, old_result, new_result, diff_summary, created_at FROM shadow_diffs WHERE true`
	args := []any{}
	argIdx := 1
	if filter.Kind != "" {
		query += fmt.Sprintf(` AND kind = $%d`, argIdx)
		args = append(args, filter.Kind)
		argIdx++
	}
	if filter.ProjectID != "" {
		query += fmt.Sprintf(` AND project_id = $%d`, argIdx)
		args = append(args, filter.ProjectID)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, argIdx)
	args = append(args, clampLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list shadow diffs")
	}
	defer rows.Close()

	out := []model.ShadowDiffRecord{}
	for rows.Next() {
		var rec model.ShadowDiffRecord
		var oldJSON, newJSON, summary []byte
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.EntityID, &rec.ProjectID, &oldJSON, &newJSON, &summary, &rec.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan shadow diff")
		}
		if err := decodeDiff(&rec, oldJSON, newJSON, summary); err != nil {
			return nil, eris.Wrap(err, "postgres: decode shadow diff")
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list shadow diffs iterate")
}

func rawOrNil(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func decodeDiff(rec *model.ShadowDiffRecord, oldJSON, newJSON, summary []byte) error {
	if len(oldJSON) > 0 {
		rec.OldResult = json.RawMessage(oldJSON)
	}
	if len(newJSON) > 0 {
		rec.NewResult = json.RawMessage(newJSON)
	}
	rec.DiffSummary = map[string]any{}
	if len(summary) > 0 {
		return json.Unmarshal(summary, &rec.DiffSummary)
	}
	return nil
}

// --- Rule sets ---

// SaveRuleSet stores rs under its version. Re-saving identical rules is a
// no-op; different rules under an existing version fail with
// ErrRuleSetExists.
func (s *PostgresStore) SaveRuleSet(ctx context.Context, rs *model.RuleSet) error {
	rulesJSON, err := json.Marshal(rs.Rules)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal rules")
	}
	if rs.CreatedAt.IsZero() {
		rs.CreatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO rule_sets (version, rules, created_at) VALUES ($1, $2, $3) ON CONFLICT (version) DO NOTHING`,
		rs.Version, rulesJSON, rs.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save rule set %s", rs.Version)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	existing, err := s.GetRuleSet(ctx, rs.Version)
	if err != nil {
		return err
	}
	same, err := rulesEqual(existing, rs)
	if err != nil {
		return err
	}
	if !same {
		return eris.Wrapf(ErrRuleSetExists, "version %s", rs.Version)
	}
	return nil
}

func (s *PostgresStore) GetRuleSet(ctx context.Context, version string) (*model.RuleSet, error) {
	rs := model.RuleSet{Version: version}
	var rulesJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT rules, created_at FROM rule_sets WHERE version = $1`, version,
	).Scan(&rulesJSON, &rs.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "rule set %s", version)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get rule set %s", version)
	}
	if err := json.Unmarshal(rulesJSON, &rs.Rules); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal rules")
	}
	return &rs, nil
}

func (s *PostgresStore) ListRuleSetVersions(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT version FROM rule_sets ORDER BY created_at DESC, version`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list rule sets")
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "postgres: scan rule set version")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list rule sets iterate")
}
