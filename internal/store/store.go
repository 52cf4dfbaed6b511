// Package store persists runs, test results and attachment links in a
// SQLite database, optionally encrypted with SQLCipher.
package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kuitang/webprobe/internal/errs"
	"github.com/kuitang/webprobe/internal/result"
)

const (
	// MaxOpenConns bounds connections for file databases. SQLite is
	// single-writer, so high counts are counterproductive.
	MaxOpenConns = 4
	MaxIdleConns = 2

	// LatestRun is accepted by GetRun in place of an ID.
	LatestRun = "latest"
)

// Store is a results database.
type Store struct {
	db   *sql.DB
	path string
}

// RunRecord is a stored run without its results.
type RunRecord struct {
	ID         string
	Name       string
	Engine     string
	StartedAt  time.Time
	FinishedAt time.Time
	Summary    result.Summary
}

// FlakyTest is a test that passed only after at least one retry.
type FlakyTest struct {
	Suite       string
	Name        string
	FlakyRuns   int // runs where it passed after retrying
	TotalRuns   int // runs with a final result
	MaxAttempts int
	LastSeen    time.Time
}

// Open opens or creates the database at path. A non-empty key must be 64
// hex characters and enables SQLCipher encryption.
func Open(path, key string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errs.New(errs.InvalidArgument, "store: empty database path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := path
	if key != "" {
		raw, err := hex.DecodeString(key)
		if err != nil || len(raw) != 32 {
			return nil, errs.New(errs.InvalidArgument, "store: key must be 64 hex characters")
		}
		dsn = fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", path, hex.EncodeToString(raw))
	}
	dsn = appendSQLiteParams(dsn, sqliteCommonParams())

	db, err := sql.Open(SQLiteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open results database: %w", err)
	}
	db.SetMaxOpenConns(MaxOpenConns)
	db.SetMaxIdleConns(MaxIdleConns)

	// With a wrong key this is the first statement that fails.
	var sqliteVersion string
	if err := db.QueryRow("SELECT sqlite_version()").Scan(&sqliteVersion); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.FailedPrecondition, "store: cannot read results database (wrong key?)", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.FailedPrecondition, "store: cannot initialize results database (wrong key?)", err)
	}
	return &Store{db: db, path: path}, nil
}

// OpenInMemory returns an empty private database. Each call gets its own.
func OpenInMemory() (*Store, error) {
	dsn := fmt.Sprintf("file:webprobe-%s?mode=memory&cache=shared&_foreign_keys=on", uuid.NewString())
	db, err := sql.Open(SQLiteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory results database: %w", err)
	}
	// One connection keeps the database alive and avoids shared-cache
	// table locks between writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyFastSQLitePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply fast SQLite pragmas: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize in-memory schema: %w", err)
	}
	return &Store{db: db, path: ":memory:"}, nil
}

// DB returns the underlying sql.DB for direct access when needed.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database path, ":memory:" for in-memory stores.
func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveRun inserts the run, or updates its name and engine if it exists.
func (s *Store) SaveRun(ctx context.Context, run *result.RunInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, name, engine, started_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, engine = excluded.engine`,
		run.ID, run.Name, run.Engine, millis(run.StartedAt))
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun stores the finish time and summary counts.
func (s *Store) FinishRun(ctx context.Context, run *result.RunInfo) error {
	sum := run.Summary()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, total = ?, passed = ?, failed = ?, skipped = ?, retried = ?
		WHERE id = ?`,
		millis(run.FinishedAt), sum.Total, sum.Passed, sum.Failed, sum.Skipped, sum.Retried, run.ID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.NotFound, "run "+run.ID+" not found")
	}
	return nil
}

// SaveResult upserts one attempt and replaces its attachments.
func (s *Store) SaveResult(ctx context.Context, res *result.TestResult) error {
	params, err := json.Marshal(nonNilParams(res.Params))
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	logs, err := json.Marshal(nonNilLogs(res.Logs))
	if err != nil {
		return fmt.Errorf("encode logs: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO results (run_id, suite, name, description, test_groups, attempt, status,
			started_at, finished_at, message, skip_reason, params, logs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, suite, name, attempt) DO UPDATE SET
			description = excluded.description,
			test_groups = excluded.test_groups,
			status = excluded.status,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			message = excluded.message,
			skip_reason = excluded.skip_reason,
			params = excluded.params,
			logs = excluded.logs`,
		res.RunID, res.Suite, res.Name, res.Description, strings.Join(res.Groups, ","),
		res.Attempt, res.Status.String(), millis(res.StartedAt), millis(res.FinishedAt),
		res.ErrorText(), res.SkipReason, string(params), string(logs),
	)
	if err != nil {
		return fmt.Errorf("save result %s attempt %d: %w", res.FullName(), res.Attempt, err)
	}

	// The bundled SQLCipher predates RETURNING, and LastInsertId is not
	// set when the upsert takes the update path.
	var id int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM results WHERE run_id = ? AND suite = ? AND name = ? AND attempt = ?`,
		res.RunID, res.Suite, res.Name, res.Attempt).Scan(&id); err != nil {
		return fmt.Errorf("lookup result id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE result_id = ?`, id); err != nil {
		return fmt.Errorf("clear attachments: %w", err)
	}
	for _, a := range res.Attachments() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attachments (result_id, name, content_type, url, size) VALUES (?, ?, ?, ?, ?)`,
			id, a.Name, a.ContentType, a.URL, a.Size); err != nil {
			return fmt.Errorf("save attachment %s: %w", a.Name, err)
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, engine, started_at, finished_at, total, passed, failed, skipped, retried
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var (
		rec               RunRecord
		started, finished int64
		total, pass, fail int
		skipped, retried  int
	)
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Engine, &started, &finished,
		&total, &pass, &fail, &skipped, &retried); err != nil {
		return RunRecord{}, err
	}
	rec.StartedAt = fromMillis(started)
	rec.FinishedAt = fromMillis(finished)
	rec.Summary = result.Summary{
		Total:   total,
		Passed:  pass,
		Failed:  fail,
		Skipped: skipped,
		Retried: retried,
	}
	if !rec.FinishedAt.IsZero() {
		rec.Summary.Duration = rec.FinishedAt.Sub(rec.StartedAt)
	}
	return rec, nil
}

// GetRun loads a run with every recorded attempt. id may be LatestRun.
func (s *Store) GetRun(ctx context.Context, id string) (*result.RunInfo, error) {
	query := `SELECT id, name, engine, started_at, finished_at, total, passed, failed, skipped, retried
		FROM runs WHERE id = ?`
	args := []any{id}
	if id == LatestRun {
		query = `SELECT id, name, engine, started_at, finished_at, total, passed, failed, skipped, retried
			FROM runs ORDER BY started_at DESC, id DESC LIMIT 1`
		args = nil
	}
	rec, err := scanRun(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "run "+id+" not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}

	run := &result.RunInfo{
		ID:         rec.ID,
		Name:       rec.Name,
		Engine:     rec.Engine,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
	}
	results, err := s.ResultsForRun(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	suites := map[string]*result.SuiteInfo{}
	for _, res := range results {
		run.Record(res)
		si, ok := suites[res.Suite]
		if !ok {
			si = &result.SuiteInfo{RunID: run.ID, Name: res.Suite, StartedAt: res.StartedAt}
			suites[res.Suite] = si
			run.Suites = append(run.Suites, si)
		}
		if res.Status.Final() {
			si.TestCount++
			si.Results = append(si.Results, res)
		}
		if res.FinishedAt.After(si.FinishedAt) {
			si.FinishedAt = res.FinishedAt
		}
	}
	return run, nil
}

// ResultsForRun returns every attempt of run id ordered by start time.
func (s *Store) ResultsForRun(ctx context.Context, id string) ([]*result.TestResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, suite, name, description, test_groups, attempt, status,
			started_at, finished_at, message, skip_reason, params, logs
		FROM results WHERE run_id = ? ORDER BY started_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("results for run %s: %w", id, err)
	}

	var (
		out []*result.TestResult
		ids []int64
	)
	for rows.Next() {
		var (
			rowID             int64
			res               = &result.TestResult{}
			groups, status    string
			started, finished int64
			params, logs      string
		)
		if err := rows.Scan(&rowID, &res.RunID, &res.Suite, &res.Name, &res.Description, &groups,
			&res.Attempt, &status, &started, &finished, &res.Message, &res.SkipReason, &params, &logs); err != nil {
			rows.Close()
			return nil, err
		}
		if res.Status, err = result.ParseStatus(status); err != nil {
			rows.Close()
			return nil, err
		}
		if groups != "" {
			res.Groups = strings.Split(groups, ",")
		}
		res.StartedAt = fromMillis(started)
		res.FinishedAt = fromMillis(finished)
		_ = json.Unmarshal([]byte(params), &res.Params)
		_ = json.Unmarshal([]byte(logs), &res.Logs)
		out = append(out, res)
		ids = append(ids, rowID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Attachments are loaded after the results cursor is closed so a
	// single-connection pool cannot deadlock.
	for i, rowID := range ids {
		if err := s.loadAttachments(ctx, rowID, out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) loadAttachments(ctx context.Context, resultID int64, res *result.TestResult) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, content_type, url, size FROM attachments WHERE result_id = ? ORDER BY id`, resultID)
	if err != nil {
		return fmt.Errorf("load attachments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a result.Attachment
		if err := rows.Scan(&a.Name, &a.ContentType, &a.URL, &a.Size); err != nil {
			return err
		}
		res.Attach(a)
	}
	return rows.Err()
}

// DeleteRun removes a run with its results and attachment links.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete run %s: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM attachments WHERE result_id IN (SELECT id FROM results WHERE run_id = ?)`, id); err != nil {
		return fmt.Errorf("delete attachments of %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM results WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("delete results of %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errs.New(errs.NotFound, "run "+id+" not found")
	}
	return tx.Commit()
}

// FlakyTests lists tests that needed a retry to pass, most frequent first.
func (s *Store) FlakyTests(ctx context.Context, limit int) ([]FlakyTest, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT suite, name,
			SUM(CASE WHEN status = 'PASS' AND attempt > 1 THEN 1 ELSE 0 END) AS flaky_runs,
			COUNT(*) AS total_runs,
			MAX(attempt) AS max_attempts,
			MAX(finished_at) AS last_seen
		FROM results
		WHERE is_final(status)
		GROUP BY suite, name
		HAVING flaky_runs > 0
		ORDER BY flaky_runs DESC, last_seen DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("flaky tests: %w", err)
	}
	defer rows.Close()

	var out []FlakyTest
	for rows.Next() {
		var (
			ft       FlakyTest
			lastSeen int64
		)
		if err := rows.Scan(&ft.Suite, &ft.Name, &ft.FlakyRuns, &ft.TotalRuns, &ft.MaxAttempts, &lastSeen); err != nil {
			return nil, err
		}
		ft.LastSeen = fromMillis(lastSeen)
		out = append(out, ft)
	}
	return out, rows.Err()
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nonNilParams(p map[string]string) map[string]string {
	if p == nil {
		return map[string]string{}
	}
	return p
}

func nonNilLogs(l []string) []string {
	if l == nil {
		return []string{}
	}
	return l
}

func sqliteCommonParams() string {
	return "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
}

func appendSQLiteParams(dsn, params string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}

func applyFastSQLitePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=MEMORY",
		"PRAGMA synchronous=OFF",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return err
		}
	}
	return nil
}
