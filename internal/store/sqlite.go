package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/stemsi/exstem-offline/internal/model"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS exam_state (
	session_id       TEXT PRIMARY KEY,
	answers          TEXT NOT NULL,
	current_question INTEGER NOT NULL,
	time_logs        TEXT NOT NULL,
	last_updated     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_submissions (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id      TEXT NOT NULL,
	ciphertext      TEXT NOT NULL,
	time_logs       TEXT NOT NULL,
	student_name    TEXT NOT NULL,
	integrity       TEXT,
	enqueued_at     INTEGER NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	abandoned_at    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS test_cache (
	session_id TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	cached_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_test_cache_expires_at ON test_cache (expires_at);
`

// SQLite is the durable Store backed by a single database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, unavailable("open state db", errors.New("empty path"))
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, unavailable("create state dir", err)
			}
		}
	}

	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, unavailable("open state db", err)
	}
	// One writer keeps per-key writes serialized without SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, unavailable("ping state db", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, unavailable("migrate state db", err)
	}
	if err := addColumn(ctx, db, "pending_submissions", "abandoned_at", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		db.Close()
		return nil, unavailable("migrate state db", err)
	}
	return &SQLite{db: db}, nil
}

// addColumn upgrades state files created before the column existed.
func addColumn(ctx context.Context, db *sql.DB, table, column, decl string) error {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil || n > 0 {
		return err
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl))
	return err
}

func (s *SQLite) Progress() ProgressTable { return sqlProgress{s.db} }
func (s *SQLite) Pending() PendingTable   { return sqlPending{s.db} }
func (s *SQLite) Cache() CacheTable       { return sqlCache{s.db} }

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func toMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// ─── Progress ───────────────────────────────────────────────────────

type sqlProgress struct{ db *sql.DB }

func (t sqlProgress) Put(ctx context.Context, p *model.ExamProgress) error {
	answers, err := json.Marshal(p.Answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}
	logs, err := json.Marshal(p.TimeLogs)
	if err != nil {
		return fmt.Errorf("encode time logs: %w", err)
	}
	_, err = t.db.ExecContext(ctx, `
		INSERT INTO exam_state (session_id, answers, current_question, time_logs, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			answers = excluded.answers,
			current_question = excluded.current_question,
			time_logs = excluded.time_logs,
			last_updated = excluded.last_updated`,
		p.SessionID, string(answers), p.CurrentQuestion, string(logs), toMs(p.LastUpdated))
	if err != nil {
		return unavailable("save progress", err)
	}
	return nil
}

func (t sqlProgress) Get(ctx context.Context, sessionID string) (*model.ExamProgress, error) {
	var (
		p              model.ExamProgress
		answers, logs  string
		lastUpdatedRaw int64
	)
	err := t.db.QueryRowContext(ctx, `
		SELECT session_id, answers, current_question, time_logs, last_updated
		FROM exam_state WHERE session_id = ?`, sessionID).
		Scan(&p.SessionID, &answers, &p.CurrentQuestion, &logs, &lastUpdatedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("load progress", err)
	}
	if err := json.Unmarshal([]byte(answers), &p.Answers); err != nil {
		return nil, fmt.Errorf("decode answers: %w", err)
	}
	if err := json.Unmarshal([]byte(logs), &p.TimeLogs); err != nil {
		return nil, fmt.Errorf("decode time logs: %w", err)
	}
	p.LastUpdated = fromMs(lastUpdatedRaw)
	return &p, nil
}

func (t sqlProgress) Delete(ctx context.Context, sessionID string) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM exam_state WHERE session_id = ?`, sessionID); err != nil {
		return unavailable("delete progress", err)
	}
	return nil
}

// ─── Pending submissions ────────────────────────────────────────────

type sqlPending struct{ db *sql.DB }

const pendingColumns = `id, session_id, ciphertext, time_logs, student_name, integrity,
	enqueued_at, attempts, next_attempt_at, last_error, abandoned_at`

func encodePending(p *model.PendingSubmission) (logs string, integrity sql.NullString, err error) {
	raw, err := json.Marshal(p.TimeLogs)
	if err != nil {
		return "", integrity, fmt.Errorf("encode time logs: %w", err)
	}
	if p.Integrity != nil {
		b, err := json.Marshal(p.Integrity)
		if err != nil {
			return "", integrity, fmt.Errorf("encode integrity: %w", err)
		}
		integrity = sql.NullString{String: string(b), Valid: true}
	}
	return string(raw), integrity, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPending(row rowScanner) (*model.PendingSubmission, error) {
	var (
		p                         model.PendingSubmission
		logs                      string
		integrity                 sql.NullString
		enqueuedAt, nextAttemptAt int64
		abandonedAt               int64
	)
	if err := row.Scan(&p.ID, &p.SessionID, &p.Ciphertext, &logs, &p.StudentName, &integrity,
		&enqueuedAt, &p.Attempts, &nextAttemptAt, &p.LastError, &abandonedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(logs), &p.TimeLogs); err != nil {
		return nil, fmt.Errorf("decode time logs: %w", err)
	}
	if integrity.Valid {
		p.Integrity = &model.Integrity{}
		if err := json.Unmarshal([]byte(integrity.String), p.Integrity); err != nil {
			return nil, fmt.Errorf("decode integrity: %w", err)
		}
	}
	p.EnqueuedAt = fromMs(enqueuedAt)
	p.NextAttemptAt = fromMs(nextAttemptAt)
	p.AbandonedAt = fromMs(abandonedAt)
	return &p, nil
}

func (t sqlPending) Enqueue(ctx context.Context, p *model.PendingSubmission) (int64, error) {
	logs, integrity, err := encodePending(p)
	if err != nil {
		return 0, err
	}
	res, err := t.db.ExecContext(ctx, `
		INSERT INTO pending_submissions
			(session_id, ciphertext, time_logs, student_name, integrity,
			 enqueued_at, attempts, next_attempt_at, last_error, abandoned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.SessionID, p.Ciphertext, logs, p.StudentName, integrity,
		toMs(p.EnqueuedAt), p.Attempts, toMs(p.NextAttemptAt), p.LastError, toMs(p.AbandonedAt))
	if err != nil {
		return 0, unavailable("enqueue submission", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, unavailable("enqueue submission", err)
	}
	p.ID = id
	return id, nil
}

func (t sqlPending) Update(ctx context.Context, p *model.PendingSubmission) error {
	logs, integrity, err := encodePending(p)
	if err != nil {
		return err
	}
	res, err := t.db.ExecContext(ctx, `
		UPDATE pending_submissions SET
			session_id = ?, ciphertext = ?, time_logs = ?, student_name = ?, integrity = ?,
			enqueued_at = ?, attempts = ?, next_attempt_at = ?, last_error = ?, abandoned_at = ?
		WHERE id = ?`,
		p.SessionID, p.Ciphertext, logs, p.StudentName, integrity,
		toMs(p.EnqueuedAt), p.Attempts, toMs(p.NextAttemptAt), p.LastError, toMs(p.AbandonedAt), p.ID)
	if err != nil {
		return unavailable("update submission", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t sqlPending) Get(ctx context.Context, id int64) (*model.PendingSubmission, error) {
	row := t.db.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending_submissions WHERE id = ?`, id)
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("load submission", err)
	}
	return p, nil
}

func (t sqlPending) List(ctx context.Context) ([]*model.PendingSubmission, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT `+pendingColumns+` FROM pending_submissions ORDER BY id ASC`)
	if err != nil {
		return nil, unavailable("list submissions", err)
	}
	defer rows.Close()

	var out []*model.PendingSubmission
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, unavailable("scan submission", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list submissions", err)
	}
	return out, nil
}

func (t sqlPending) Delete(ctx context.Context, id int64) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM pending_submissions WHERE id = ?`, id); err != nil {
		return unavailable("delete submission", err)
	}
	return nil
}

func (t sqlPending) Count(ctx context.Context) (int, error) {
	var n int
	if err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_submissions WHERE abandoned_at = 0`).Scan(&n); err != nil {
		return 0, unavailable("count submissions", err)
	}
	return n, nil
}

// ─── Test cache ─────────────────────────────────────────────────────

type sqlCache struct{ db *sql.DB }

func (t sqlCache) Put(ctx context.Context, c *model.CachedExam) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO test_cache (session_id, payload, expires_at, cached_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			payload = excluded.payload,
			expires_at = excluded.expires_at,
			cached_at = excluded.cached_at`,
		c.SessionID, c.Payload, toMs(c.ExpiresAt), toMs(c.CachedAt))
	if err != nil {
		return unavailable("cache test", err)
	}
	return nil
}

func (t sqlCache) Get(ctx context.Context, sessionID string, now time.Time) (*model.CachedExam, error) {
	var (
		c                   model.CachedExam
		expiresAt, cachedAt int64
	)
	err := t.db.QueryRowContext(ctx, `
		SELECT session_id, payload, expires_at, cached_at
		FROM test_cache WHERE session_id = ? AND expires_at > ?`, sessionID, now.UnixMilli()).
		Scan(&c.SessionID, &c.Payload, &expiresAt, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("load cached test", err)
	}
	c.ExpiresAt = fromMs(expiresAt)
	c.CachedAt = fromMs(cachedAt)
	return &c, nil
}

func (t sqlCache) Delete(ctx context.Context, sessionID string) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM test_cache WHERE session_id = ?`, sessionID); err != nil {
		return unavailable("delete cached test", err)
	}
	return nil
}

func (t sqlCache) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := t.db.ExecContext(ctx, `DELETE FROM test_cache WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, unavailable("purge cache", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
