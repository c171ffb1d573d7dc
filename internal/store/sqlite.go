package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taskforge/taskforge/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    args         TEXT,
    kwargs       TEXT,
    status       TEXT NOT NULL,
    result       BLOB,
    error        TEXT,
    retry_count  INTEGER NOT NULL DEFAULT 0,
    parent_kind  TEXT,
    parent_id    TEXT,
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    completed_at DATETIME
)`

const createSchedulesTable = `
CREATE TABLE IF NOT EXISTS schedules (
    name        TEXT PRIMARY KEY,
    task_name   TEXT NOT NULL,
    crontab     TEXT,
    interval_s  INTEGER,
    args        TEXT,
    kwargs      TEXT,
    enabled     INTEGER NOT NULL DEFAULT 1,
    last_run    DATETIME,
    next_run    DATETIME,
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
)`

const createReportsTable = `
CREATE TABLE IF NOT EXISTS reports (
    id           TEXT PRIMARY KEY,
    type         TEXT NOT NULL,
    status       TEXT NOT NULL,
    payload      BLOB,
    owner        TEXT,
    created_at   DATETIME NOT NULL,
    completed_at DATETIME
)`

// terminalStatuses is inlined into guarded UPDATEs so a terminal status is
// write-once at the database level, even under concurrent redeliveries.
const terminalStatuses = `('SUCCESS', 'FAILURE', 'REVOKED')`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Store time.Time values in SQLite's datetime text format so that SQL
	// date functions (julianday etc.) can read them back.
	dsn := dbPath
	if strings.Contains(dsn, "?") {
		dsn += "&_time_format=sqlite"
	} else {
		dsn += "?_time_format=sqlite"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection serializes writers and keeps :memory: databases
	// (which are per-connection in this driver) coherent across the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createTasksTable, createSchedulesTable, createReportsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// marshalJSON encodes v as JSON, mapping nil to a SQL NULL.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return string(b), nil
}

func unmarshalJSON(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}

// CreateTask inserts a new task record. Duplicate ids are ignored so that
// redelivered creation notifications leave the original record untouched.
// It reports whether a row was actually inserted.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) (bool, error) {
	args, err := marshalJSON(t.Args)
	if err != nil {
		return false, err
	}
	kwargs, err := marshalJSON(t.Kwargs)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tasks (
			id, name, args, kwargs, status, result, error, retry_count,
			parent_kind, parent_id, created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, args, kwargs, t.Status, t.Result, t.Error, t.RetryCount,
		t.ParentKind, t.ParentID, t.CreatedAt, t.StartedAt, t.CompletedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

const taskColumns = `id, name, args, kwargs, status, result, error, retry_count,
	parent_kind, parent_id, created_at, started_at, completed_at`

func scanTask(row interface{ Scan(...any) error }) (*model.Task, error) {
	t := &model.Task{}
	var args, kwargs sql.NullString
	var parentKind, parentID sql.NullString
	var errMsg sql.NullString
	var result []byte
	if err := row.Scan(
		&t.ID, &t.Name, &args, &kwargs, &t.Status, &result, &errMsg, &t.RetryCount,
		&parentKind, &parentID, &t.CreatedAt, &t.StartedAt, &t.CompletedAt,
	); err != nil {
		return nil, err
	}
	t.Result = result
	t.Error = errMsg.String
	t.ParentKind = parentKind.String
	t.ParentID = parentID.String
	if err := unmarshalJSON(args, &t.Args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	if err := unmarshalJSON(kwargs, &t.Kwargs); err != nil {
		return nil, fmt.Errorf("decode kwargs: %w", err)
	}
	return t, nil
}

// GetTask retrieves a task by id.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a paginated list of tasks ordered by created_at DESC,
// along with the total count of all tasks.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit, offset int) ([]*model.Task, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, total, nil
}

// UpdateTaskArgs rebinds a task's arguments before execution. Used by chain
// advancement to thread the prior step's result in as the first argument, so
// the stored record reflects what the handler actually received.
func (s *SQLiteStore) UpdateTaskArgs(ctx context.Context, id string, args []any) error {
	encoded, err := marshalJSON(args)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET args = ? WHERE id = ? AND status = ?`,
		encoded, id, model.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("update task args: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkStarted transitions a task to STARTED, keeping the first started_at.
// The guard admits only the statuses the model allows to transition into
// STARTED; a notification arriving after a terminal status is reported as
// not applied, never an error.
func (s *SQLiteStore) MarkStarted(ctx context.Context, id string, at time.Time) (bool, error) {
	from := model.TransitionSources(model.StatusStarted)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, started_at = COALESCE(started_at, ?)
		WHERE id = ? AND status IN (?`+repeatPlaceholder(len(from)-1)+`)`,
		append([]any{model.StatusStarted, at, id}, statusArgs(from)...)...,
	)
	if err != nil {
		return false, fmt.Errorf("mark started: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.GetTask(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// MarkRetry transitions a task to RETRY and increments its retry count. Only
// STARTED transitions into RETRY, so a redelivered failure notification
// cannot increment the count twice for the same retry cycle.
func (s *SQLiteStore) MarkRetry(ctx context.Context, id string) (bool, error) {
	from := model.TransitionSources(model.StatusRetry)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, retry_count = retry_count + 1
		WHERE id = ? AND status IN (?`+repeatPlaceholder(len(from)-1)+`)`,
		append([]any{model.StatusRetry, id}, statusArgs(from)...)...,
	)
	if err != nil {
		return false, fmt.Errorf("mark retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkTerminal writes a terminal status for a task. The first terminal write
// wins: a repeat of the same terminal status is a no-op, and a conflicting
// terminal status returns ErrAlreadyTerminal. It reports whether this call
// performed the terminal write.
func (s *SQLiteStore) MarkTerminal(ctx context.Context, id, status string, result []byte, errMsg string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result = ?, error = ?, completed_at = ?
		WHERE id = ? AND status NOT IN `+terminalStatuses,
		status, result, errMsg, at, id,
	)
	if err != nil {
		return false, fmt.Errorf("mark terminal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	t, err := s.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	if t.Status == status {
		return false, nil
	}
	return false, ErrAlreadyTerminal
}

// PruneTasks deletes terminal tasks completed before the cutoff. Live tasks
// are never touched, whatever their age. It returns the number of rows
// deleted.
func (s *SQLiteStore) PruneTasks(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE status IN `+terminalStatuses+` AND completed_at < ?`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}

// GetTaskStats returns aggregate counts and the average execution duration
// across tasks that have both started and completed timestamps.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &TaskStats{
		CountByStatus: make(map[string]int),
		CountByName:   make(map[string]int),
	}

	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	nameRows, err := tx.QueryContext(ctx, "SELECT name, COUNT(*) FROM tasks GROUP BY name")
	if err != nil {
		return nil, fmt.Errorf("count by name: %w", err)
	}
	defer nameRows.Close()
	for nameRows.Next() {
		var name string
		var count int
		if err := nameRows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("scan name count: %w", err)
		}
		stats.CountByName[name] = count
	}
	if err := nameRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate name counts: %w", err)
	}

	var avg sql.NullFloat64
	err = tx.QueryRowContext(ctx,
		`SELECT AVG((julianday(completed_at) - julianday(started_at)) * 86400000.0)
		FROM tasks WHERE started_at IS NOT NULL AND completed_at IS NOT NULL`,
	).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

// CreateSchedule inserts a new schedule entry.
func (s *SQLiteStore) CreateSchedule(ctx context.Context, e *model.ScheduleEntry) error {
	args, err := marshalJSON(e.Args)
	if err != nil {
		return err
	}
	kwargs, err := marshalJSON(e.Kwargs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (
			name, task_name, crontab, interval_s, args, kwargs, enabled,
			last_run, next_run, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Name, e.TaskName, e.Crontab, e.IntervalS, args, kwargs, e.Enabled,
		e.LastRun, e.NextRun, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

const scheduleColumns = `name, task_name, crontab, interval_s, args, kwargs,
	enabled, last_run, next_run, created_at, updated_at`

func scanSchedule(row interface{ Scan(...any) error }) (*model.ScheduleEntry, error) {
	e := &model.ScheduleEntry{}
	var crontab, args, kwargs sql.NullString
	if err := row.Scan(
		&e.Name, &e.TaskName, &crontab, &e.IntervalS, &args, &kwargs,
		&e.Enabled, &e.LastRun, &e.NextRun, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	e.Crontab = crontab.String
	if err := unmarshalJSON(args, &e.Args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	if err := unmarshalJSON(kwargs, &e.Kwargs); err != nil {
		return nil, fmt.Errorf("decode kwargs: %w", err)
	}
	return e, nil
}

// GetSchedule retrieves a schedule entry by name.
func (s *SQLiteStore) GetSchedule(ctx context.Context, name string) (*model.ScheduleEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE name = ?`, name)
	e, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return e, nil
}

// ListSchedules returns schedule entries ordered by name. With enabledOnly
// set, disabled entries are excluded.
func (s *SQLiteStore) ListSchedules(ctx context.Context, enabledOnly bool) ([]*model.ScheduleEntry, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var entries []*model.ScheduleEntry
	for rows.Next() {
		e, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return entries, nil
}

// UpdateScheduleRun persists a schedule's run bookkeeping. A nil lastRun
// keeps the existing value, which lets the scheduler initialize next_run for
// a fresh entry without inventing a run that never happened.
func (s *SQLiteStore) UpdateScheduleRun(ctx context.Context, name string, lastRun *time.Time, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_run = COALESCE(?, last_run), next_run = ?, updated_at = ?
		WHERE name = ?`,
		lastRun, nextRun, time.Now().UTC(), name,
	)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetScheduleEnabled flips a schedule's enabled flag. Moving from disabled
// to enabled also clears next_run, so the scheduler re-initializes it on the
// next sweep instead of firing on a deadline that went stale while the entry
// was off. Enabling an already-enabled entry leaves next_run alone.
func (s *SQLiteStore) SetScheduleEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET
			next_run = CASE WHEN ? AND NOT enabled THEN NULL ELSE next_run END,
			enabled = ?, updated_at = ?
		WHERE name = ?`,
		enabled, enabled, time.Now().UTC(), name,
	)
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateReport inserts a new report record.
func (s *SQLiteStore) CreateReport(ctx context.Context, r *model.Report) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (id, type, status, payload, owner, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Type, r.Status, r.Payload, r.Owner, r.CreatedAt, r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func scanReport(row interface{ Scan(...any) error }) (*model.Report, error) {
	r := &model.Report{}
	var owner sql.NullString
	var payload []byte
	if err := row.Scan(
		&r.ID, &r.Type, &r.Status, &payload, &owner, &r.CreatedAt, &r.CompletedAt,
	); err != nil {
		return nil, err
	}
	r.Payload = payload
	r.Owner = owner.String
	return r, nil
}

// GetReport retrieves a report by id.
func (s *SQLiteStore) GetReport(ctx context.Context, id string) (*model.Report, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, status, payload, owner, created_at, completed_at
		FROM reports WHERE id = ?`, id)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	return r, nil
}

// ListReports returns a paginated list of reports ordered by created_at DESC,
// along with the total count.
func (s *SQLiteStore) ListReports(ctx context.Context, limit, offset int) ([]*model.Report, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM reports").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count reports: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, type, status, payload, owner, created_at, completed_at
		FROM reports ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var reports []*model.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan report: %w", err)
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate reports: %w", err)
	}

	return reports, total, nil
}

// UpdateReportStatus advances a report through its lifecycle. The update is
// guarded by the set of statuses the model allows to transition into the
// target, so a completed or failed report stays immutable.
func (s *SQLiteStore) UpdateReportStatus(ctx context.Context, id, status string, payload []byte, at *time.Time) error {
	from := model.ReportTransitionSources(status)
	if len(from) == 0 {
		return ErrInvalidTransition
	}

	query := `UPDATE reports SET status = ?, payload = COALESCE(?, payload), completed_at = ?
		WHERE id = ? AND status IN (?` + repeatPlaceholder(len(from)-1) + `)`
	args := append([]any{status, payload, at, id}, statusArgs(from)...)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update report status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetReport(ctx, id); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

func statusArgs(statuses []string) []any {
	out := make([]any, len(statuses))
	for i, s := range statuses {
		out[i] = s
	}
	return out
}
