package provenance

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Column lists shared by the SELECT statements and the scan helpers
// below. Order must match the corresponding scan* function.
const (
	runCols      = "id, root_id, action, status, started_at, completed_at, error, summary, created_at, updated_at"
	activityCols = "id, subject_id, run_id, action, result_kind, input_snapshot, output_snapshot, error, started_at, ended_at, created_at"
	eventCols    = "id, run_id, widget_id, type, level, message, details, timestamp"
)

// Config holds SQLite store settings. Zero values for the pool knobs
// pick sensible defaults.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLiteStore implements Store on a single SQLite database file.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// NewSQLiteStore validates cfg and returns an unopened store. Call
// Init to connect and Migrate to bring the schema up to date.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database in WAL mode and verifies the connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate applies any pending schema migrations from the embedded
// migration files.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to prepare migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to set up migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// BeginTx opens a serializable transaction.
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

// CommitTx commits tx.
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls tx back.
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(r rowScanner) (*Run, error) {
	run := &Run{}
	err := r.Scan(
		&run.ID, &run.RootID, &run.Action, &run.Status,
		&run.StartedAt, &run.CompletedAt, &run.Error, &run.Summary,
		&run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func scanActivity(r rowScanner) (*Activity, error) {
	a := &Activity{}
	err := r.Scan(
		&a.ID, &a.SubjectID, &a.RunID, &a.Action, &a.ResultKind,
		&a.InputSnapshot, &a.OutputSnapshot, &a.Error,
		&a.StartedAt, &a.EndedAt, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func scanEvent(r rowScanner) (*Event, error) {
	e := &Event{}
	err := r.Scan(
		&e.ID, &e.RunID, &e.WidgetID, &e.Type,
		&e.Level, &e.Message, &e.Details, &e.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// CreateRun inserts a new run row.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := "INSERT INTO runs (" + runCols + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"

	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.RootID, run.Action, run.Status,
		run.StartedAt.UTC(), utcPtr(run.CompletedAt), run.Error, run.Summary,
		run.CreatedAt.UTC(), run.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun loads one run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := "SELECT " + runCols + " FROM runs WHERE id = ?"

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// UpdateRunStatus moves a run to status, recording errMsg and summary.
// A nil summary keeps the previous summary column; terminal statuses
// also stamp completed_at.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id string, status RunStatus, errMsg *string, summary *string) error {
	query := `
		UPDATE runs
		SET status = ?, error = ?, summary = COALESCE(?, summary), completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	var completedAt *time.Time
	switch status {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled, RunStatusPartial:
		now := time.Now().UTC()
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query, status, errMsg, summary, completedAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

// ListRuns returns runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := "SELECT " + runCols + " FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?"

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return collectRuns(rows)
}

// ListRunsByRoot returns runs rooted at the given widget, newest
// first.
func (s *SQLiteStore) ListRunsByRoot(ctx context.Context, rootID string, limit, offset int) ([]*Run, error) {
	query := "SELECT " + runCols + " FROM runs WHERE root_id = ? ORDER BY started_at DESC LIMIT ? OFFSET ?"

	rows, err := s.db.QueryContext(ctx, query, rootID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs by root: %w", err)
	}
	return collectRuns(rows)
}

func collectRuns(rows *sql.Rows) ([]*Run, error) {
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read runs: %w", err)
	}
	return runs, nil
}

// AppendActivity writes one activity row. There is no matching update
// or delete; the log only grows.
func (s *SQLiteStore) AppendActivity(ctx context.Context, activity *Activity) error {
	query := "INSERT INTO activities (" + activityCols + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"

	_, err := s.db.ExecContext(ctx, query,
		activity.ID, activity.SubjectID, activity.RunID, activity.Action, activity.ResultKind,
		activity.InputSnapshot, activity.OutputSnapshot, activity.Error,
		activity.StartedAt.UTC(), activity.EndedAt.UTC(), activity.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append activity: %w", err)
	}
	return nil
}

// GetActivity loads one activity by ID.
func (s *SQLiteStore) GetActivity(ctx context.Context, id string) (*Activity, error) {
	query := "SELECT " + activityCols + " FROM activities WHERE id = ?"

	activity, err := scanActivity(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("activity not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get activity: %w", err)
	}
	return activity, nil
}

// ListActivities returns activities newest first, filtered by any
// combination of subject, run, and start-time range. Filter times are
// normalized to UTC to match the stored representation.
func (s *SQLiteStore) ListActivities(ctx context.Context, subjectID *string, runID *string, since *time.Time, until *time.Time, limit, offset int) ([]*Activity, error) {
	query := "SELECT " + activityCols + ` FROM activities
		WHERE (? IS NULL OR subject_id = ?)
		  AND (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR started_at >= ?)
		  AND (? IS NULL OR started_at <= ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?`

	sinceUTC := utcPtr(since)
	untilUTC := utcPtr(until)

	rows, err := s.db.QueryContext(ctx, query,
		subjectID, subjectID,
		runID, runID,
		sinceUTC, sinceUTC,
		untilUTC, untilUTC,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	defer rows.Close()

	activities := []*Activity{}
	for rows.Next() {
		activity, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		activities = append(activities, activity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read activities: %w", err)
	}
	return activities, nil
}

// CountActivities counts activity rows, optionally for one subject.
func (s *SQLiteStore) CountActivities(ctx context.Context, subjectID *string) (int64, error) {
	query := "SELECT COUNT(*) FROM activities WHERE (? IS NULL OR subject_id = ?)"

	var count int64
	if err := s.db.QueryRowContext(ctx, query, subjectID, subjectID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count activities: %w", err)
	}
	return count, nil
}

// AppendEvent writes one event row and fills in its assigned ID.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (run_id, widget_id, type, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.RunID, event.WidgetID, event.Type, event.Level,
		event.Message, event.Details, event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read event id: %w", err)
	}
	event.ID = id
	return nil
}

// GetEvents returns events newest first, filtered by any combination
// of run, widget, and level.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID *string, widgetID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	query := "SELECT " + eventCols + ` FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR widget_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, runID, runID, widgetID, widgetID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Backup writes a consistent hot copy of the database to destPath
// using VACUUM INTO. The destination file must not exist.
func (s *SQLiteStore) Backup(ctx context.Context, destPath string) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if destPath == "" {
		return fmt.Errorf("backup destination is required")
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("failed to back up database: %w", err)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
