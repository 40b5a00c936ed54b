package provenance

import (
	"context"
	"database/sql"
	"time"
)

// RunStatus tracks a hierarchy run through its lifecycle.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPartial marks a run where some widgets produced output
	// and the rest failed or were skipped.
	RunStatusPartial RunStatus = "partial"
)

// EventLevel grades event severity.
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run is one recorded hierarchy execution. Status and Summary are
// updated as the run progresses; everything else is fixed at creation.
type Run struct {
	ID          string     `json:"id"`
	RootID      string     `json:"root_id"`
	Action      string     `json:"action"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Summary     string     `json:"summary"` // JSON-encoded run summary
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Activity is one execution attempt in the append-only provenance
// log. Rows are immutable once written; the store exposes no update or
// delete for them. Input and output snapshots are JSON-encoded.
type Activity struct {
	ID             string    `json:"id"`
	SubjectID      string    `json:"subject_id"`
	RunID          *string   `json:"run_id,omitempty"`
	Action         string    `json:"action"`
	ResultKind     string    `json:"result_kind"`
	InputSnapshot  string    `json:"input_snapshot"`
	OutputSnapshot string    `json:"output_snapshot"`
	Error          *string   `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// Event is one row in the append-only event log. ID is assigned by the
// store on insert.
type Event struct {
	ID        int64      `json:"id"`
	RunID     *string    `json:"run_id,omitempty"`
	WidgetID  *string    `json:"widget_id,omitempty"`
	Type      string     `json:"type"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON-encoded
	Timestamp time.Time  `json:"timestamp"`
}

// Store is the provenance persistence layer. Runs are mutable while in
// flight; activities and events only ever grow.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, errMsg *string, summary *string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	ListRunsByRoot(ctx context.Context, rootID string, limit, offset int) ([]*Run, error)

	AppendActivity(ctx context.Context, activity *Activity) error
	GetActivity(ctx context.Context, id string) (*Activity, error)
	ListActivities(ctx context.Context, subjectID *string, runID *string, since *time.Time, until *time.Time, limit, offset int) ([]*Activity, error)
	CountActivities(ctx context.Context, subjectID *string) (int64, error)

	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, widgetID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	HealthCheck(ctx context.Context) error
	Backup(ctx context.Context, destPath string) error
}
