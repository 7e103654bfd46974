package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-cli/internal/db"
	"github.com/sells-group/evidence-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path in WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sqlDB, err := db.OpenSQLite(dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer at a time keeps claim and replace transactions serial.
	sqlDB.SetMaxOpenConns(1)
	return &SQLiteStore{db: sqlDB}, nil
}

// DB exposes the handle for collaborators that share the file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	progress   INTEGER NOT NULL DEFAULT 0,
	request    TEXT NOT NULL DEFAULT '{}',
	result     TEXT,
	error      TEXT,
	worker_id  TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status_created ON runs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id, created_at);

CREATE TABLE IF NOT EXISTS extraction_results (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	run_id     TEXT NOT NULL DEFAULT '',
	spec_name  TEXT NOT NULL,
	stage      TEXT NOT NULL DEFAULT '',
	result     TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_extraction_results_latest
	ON extraction_results(project_id, spec_name, stage, created_at);

CREATE TABLE IF NOT EXISTS findings (
	id                 TEXT PRIMARY KEY,
	project_id         TEXT NOT NULL,
	rule_set_version   TEXT NOT NULL,
	rule_id            TEXT NOT NULL,
	dimension          TEXT NOT NULL DEFAULT '',
	result             TEXT NOT NULL,
	evidence_chunk_ids TEXT NOT NULL DEFAULT '[]',
	remark             TEXT NOT NULL DEFAULT '',
	position           INTEGER NOT NULL DEFAULT 0,
	created_at         DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_findings_project ON findings(project_id, position);

CREATE TABLE IF NOT EXISTS shadow_diffs (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	entity_id    TEXT NOT NULL,
	project_id   TEXT NOT NULL DEFAULT '',
	old_result   TEXT,
	new_result   TEXT,
	diff_summary TEXT NOT NULL DEFAULT '{}',
	created_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_shadow_diffs_kind_created ON shadow_diffs(kind, created_at);

CREATE TRIGGER IF NOT EXISTS trg_shadow_diffs_no_update BEFORE UPDATE ON shadow_diffs
BEGIN
	SELECT RAISE(ABORT, 'shadow_diffs is append-only');
END;

CREATE TRIGGER IF NOT EXISTS trg_shadow_diffs_no_delete BEFORE DELETE ON shadow_diffs
BEGIN
	SELECT RAISE(ABORT, 'shadow_diffs is append-only');
END;

CREATE TABLE IF NOT EXISTS rule_sets (
	version    TEXT PRIMARY KEY,
	rules      TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Runs ---

const sqliteRunColumns = `id, project_id, kind, status, progress, request, result, error, COALESCE(worker_id, ''), created_at, updated_at`

func (s *SQLiteStore) CreateRun(ctx context.Context, kind model.RunKind, projectID string, request json.RawMessage) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	if len(request) == 0 {
		request = json.RawMessage(`{}`)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, project_id, kind, status, progress, request, created_at, updated_at) VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		id, projectID, string(kind), string(model.RunStatusPending), string(request), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
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

// ClaimNextRun uses a single UPDATE ... RETURNING so the pick and the
// status change are one statement.
func (s *SQLiteStore) ClaimNextRun(ctx context.Context, workerID string, filter ClaimFilter) (*model.Run, error) {
	var (
		where strings.Builder
		args  = []any{workerID, time.Now().UTC()}
	)
	where.WriteString("status = 'pending'")
	if filter.RunID != "" {
		where.WriteString(" AND id = ?")
		args = append(args, filter.RunID)
	}
	if len(filter.Kinds) > 0 {
		where.WriteString(" AND kind IN (" + strings.TrimSuffix(strings.Repeat("?,", len(filter.Kinds)), ",") + ")")
		for _, k := range filter.Kinds {
			args = append(args, string(k))
		}
	}

	row := s.db.QueryRowContext(ctx,
		`UPDATE runs SET status = 'running', worker_id = ?, updated_at = ?
		 WHERE id = (SELECT id FROM runs WHERE `+where.String()+` ORDER BY created_at, rowid LIMIT 1)
		   AND status = 'pending'
		 RETURNING `+sqliteRunColumns,
		args...,
	)
	r, err := scanSQLiteRun(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim run")
	}
	return r, nil
}

func (s *SQLiteStore) UpdateRunProgress(ctx context.Context, runID, workerID string, progress int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET progress = ?, updated_at = ? WHERE id = ? AND worker_id = ? AND status = 'running'`,
		clampProgress(progress), time.Now().UTC(), runID, workerID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run progress %s", runID)
	}
	return s.checkGuarded(ctx, res, runID, workerID)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID, workerID string, result json.RawMessage) error {
	var payload any
	if len(result) > 0 {
		payload = string(result)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, progress = 100, result = ?, updated_at = ?
		 WHERE id = ? AND worker_id = ? AND status = 'running'`,
		string(model.RunStatusSuccess), payload, time.Now().UTC(), runID, workerID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return s.checkGuarded(ctx, res, runID, workerID)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID, workerID string, runErr *model.RunError) error {
	errJSON, err := json.Marshal(runErr)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run error")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, updated_at = ?
		 WHERE id = ? AND worker_id = ? AND status = 'running'`,
		string(model.RunStatusFailed), string(errJSON), time.Now().UTC(), runID, workerID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	return s.checkGuarded(ctx, res, runID, workerID)
}

func (s *SQLiteStore) RequeueStaleRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = 'pending', worker_id = NULL, updated_at = ?
		 WHERE status = 'running' AND updated_at < ?`,
		time.Now().UTC(), olderThan.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: requeue stale runs")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: requeue stale runs rows")
}

func (s *SQLiteStore) checkGuarded(ctx context.Context, res sql.Result, runID, workerID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	r, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return writeDenied(r, workerID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteRunColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanSQLiteRun(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, clampLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	runs := []model.Run{}
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// timeScanner reads a timestamp whether the driver returns it typed or
// as text. RETURNING and subquery columns lose their declared type.
type timeScanner struct{ t *time.Time }

func sqlTime(t *time.Time) timeScanner { return timeScanner{t: t} }

var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (ts timeScanner) Scan(v any) error {
	var s string
	switch x := v.(type) {
	case nil:
		*ts.t = time.Time{}
		return nil
	case time.Time:
		*ts.t = x.UTC()
		return nil
	case string:
		s = x
	case []byte:
		s = string(x)
	default:
		return eris.Errorf("sqlite: cannot scan %T into time", v)
	}
	for _, layout := range sqliteTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*ts.t = t.UTC()
			return nil
		}
	}
	return eris.Errorf("sqlite: unparsable time %q", s)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row scannable) (*model.Run, error) {
	var (
		r                 model.Run
		request           string
		result, errorJSON sql.NullString
	)
	err := row.Scan(&r.ID, &r.ProjectID, &r.Kind, &r.Status, &r.Progress,
		&request, &result, &errorJSON, &r.WorkerID, sqlTime(&r.CreatedAt), sqlTime(&r.UpdatedAt))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRun(&r, []byte(request), []byte(result.String), []byte(errorJSON.String))
}

// --- Extraction results ---

func (s *SQLiteStore) SaveExtraction(ctx context.Context, rec *model.ExtractionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	resultJSON, err := json.Marshal(rec.Result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal extraction")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO extraction_results (id, project_id, run_id, spec_name, stage, result, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ProjectID, rec.RunID, rec.SpecName, rec.Stage, string(resultJSON), rec.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert extraction for %s", rec.ProjectID)
}

func (s *SQLiteStore) GetLatestExtractions(ctx context.Context, projectID string) ([]model.ExtractionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, run_id, spec_name, stage, result, created_at FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY spec_name, stage ORDER BY created_at DESC, rowid DESC) AS rn
			FROM extraction_results WHERE project_id = ?
		 ) WHERE rn = 1 ORDER BY spec_name, stage`,
		projectID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest extractions")
	}
	defer rows.Close() //nolint:errcheck

	out := []model.ExtractionRecord{}
	for rows.Next() {
		var rec model.ExtractionRecord
		var resultJSON string
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.RunID, &rec.SpecName, &rec.Stage, &resultJSON, sqlTime(&rec.CreatedAt)); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan extraction")
		}
		if err := json.Unmarshal([]byte(resultJSON), &rec.Result); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal extraction")
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: latest extractions iterate")
}

// --- Findings ---

func (s *SQLiteStore) ReplaceFindings(ctx context.Context, projectID string, findings []model.Finding) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin replace findings")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM findings WHERE project_id = ?`, projectID); err != nil {
		return eris.Wrapf(err, "sqlite: clear findings for %s", projectID)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO findings (id, project_id, rule_set_version, rule_id, dimension, result, evidence_chunk_ids, remark, position, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert finding")
	}
	defer stmt.Close() //nolint:errcheck

	for i, f := range findings {
		ids, err := json.Marshal(nonNilIDs(f.EvidenceChunkIDs))
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal evidence ids")
		}
		if f.ID == "" {
			f.ID = uuid.New().String()
		}
		if f.CreatedAt.IsZero() {
			f.CreatedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			f.ID, projectID, f.RuleSetVersion, f.RuleID, f.Dimension, string(f.Result), string(ids), f.Remark, i, f.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert finding %d (%s)", i+1, f.RuleID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit replace findings")
}

func (s *SQLiteStore) ListFindings(ctx context.Context, projectID string) ([]model.Finding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, rule_set_version, rule_id, dimension, result, evidence_chunk_ids, remark, created_at
		 FROM findings WHERE project_id = ? ORDER BY position, id`,
		projectID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list findings")
	}
	defer rows.Close() //nolint:errcheck

	out := []model.Finding{}
	for rows.Next() {
		var f model.Finding
		var ids string
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.RuleSetVersion, &f.RuleID, &f.Dimension, &f.Result, &ids, &f.Remark, sqlTime(&f.CreatedAt)); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan finding")
		}
		if err := json.Unmarshal([]byte(ids), &f.EvidenceChunkIDs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal evidence ids")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list findings iterate")
}

// --- Shadow diffs ---

func (s *SQLiteStore) AppendShadowDiff(ctx context.Context, rec *model.ShadowDiffRecord) error {
	summary, err := json.Marshal(rec.DiffSummary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal diff summary")
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO shadow_diffs (id, kind, entity_id, project_id, old_result, new_result, diff_summary, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Kind, rec.EntityID, rec.ProjectID, nullText(rec.OldResult), nullText(rec.NewResult), string(summary), rec.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: append shadow diff")
}

func (s *SQLiteStore) ListShadowDiffs(ctx context.Context, filter ShadowDiffFilter) ([]model.ShadowDiffRecord, error) {
	query := `SELECT id, kind, entity_id, project_id, old_result, new_result, diff_summary, created_at FROM shadow_diffs WHERE 1=1`
	var args []any
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, filter.Kind)
	}
	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, clampLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list shadow diffs")
	}
	defer rows.Close() //nolint:errcheck

	out := []model.ShadowDiffRecord{}
	for rows.Next() {
		var rec model.ShadowDiffRecord
		var oldJSON, newJSON sql.NullString
		var summary string
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.EntityID, &rec.ProjectID, &oldJSON, &newJSON, &summary, sqlTime(&rec.CreatedAt)); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan shadow diff")
		}
		if err := decodeDiff(&rec, []byte(oldJSON.String), []byte(newJSON.String), []byte(summary)); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode shadow diff")
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list shadow diffs iterate")
}

func nullText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// --- Rule sets ---

func (s *SQLiteStore) SaveRuleSet(ctx context.Context, rs *model.RuleSet) error {
	rulesJSON, err := json.Marshal(rs.Rules)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal rules")
	}
	if rs.CreatedAt.IsZero() {
		rs.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rule_sets (version, rules, created_at) VALUES (?, ?, ?) ON CONFLICT (version) DO NOTHING`,
		rs.Version, string(rulesJSON), rs.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save rule set %s", rs.Version)
	}
	if n, _ := res.RowsAffected(); n == 1 {
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

func (s *SQLiteStore) GetRuleSet(ctx context.Context, version string) (*model.RuleSet, error) {
	rs := model.RuleSet{Version: version}
	var rulesJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT rules, created_at FROM rule_sets WHERE version = ?`, version,
	).Scan(&rulesJSON, sqlTime(&rs.CreatedAt))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "rule set %s", version)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get rule set %s", version)
	}
	if err := json.Unmarshal([]byte(rulesJSON), &rs.Rules); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal rules")
	}
	return &rs, nil
}

func (s *SQLiteStore) ListRuleSetVersions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM rule_sets ORDER BY created_at DESC, version`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list rule sets")
	}
	defer rows.Close() //nolint:errcheck

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan rule set version")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list rule sets iterate")
}
