package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/slateboard/slateboard/pkg/provenance"
)

// StoreRecorder persists activity and run records into a provenance
// store. It implements Recorder: write failures are logged and
// swallowed so recording never disturbs execution.
type StoreRecorder struct {
	store provenance.Store
}

// NewStoreRecorder creates a recorder backed by the given store.
func NewStoreRecorder(store provenance.Store) *StoreRecorder {
	return &StoreRecorder{store: store}
}

// RecordActivity appends one activity record to the provenance log.
func (r *StoreRecorder) RecordActivity(ctx context.Context, rec *ActivityRecord) {
	if rec == nil {
		return
	}

	activity := &provenance.Activity{
		ID:             rec.ID,
		SubjectID:      rec.SubjectID,
		Action:         rec.Action,
		ResultKind:     string(rec.ResultKind),
		InputSnapshot:  marshalSnapshot(rec.InputSnapshot),
		OutputSnapshot: marshalSnapshot(rec.OutputSnapshot),
		StartedAt:      rec.StartedAt,
		EndedAt:        rec.EndedAt,
		CreatedAt:      time.Now().UTC(),
	}
	if rec.RunID != "" {
		runID := rec.RunID
		activity.RunID = &runID
	}
	if rec.Error != "" {
		msg := rec.Error
		activity.Error = &msg
	}

	if err := r.store.AppendActivity(ctx, activity); err != nil {
		log.Error().Err(err).
			Str("activity_id", rec.ID).
			Str("widget_id", rec.SubjectID).
			Msg("Failed to record activity")
	}
}

// RecordRun inserts the run row on first sight and updates its status
// and summary on later calls.
func (r *StoreRecorder) RecordRun(ctx context.Context, run *Run) {
	if run == nil {
		return
	}

	summary := marshalSummary(run.Summary)
	now := time.Now().UTC()

	row := &provenance.Run{
		ID:          run.ID,
		RootID:      run.RootID,
		Action:      run.Action,
		Status:      provenance.RunStatus(run.Status),
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		Summary:     summary,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := r.store.CreateRun(ctx, row); err == nil {
		return
	}

	// Row already exists: record the latest status and summary.
	if err := r.store.UpdateRunStatus(ctx, run.ID, provenance.RunStatus(run.Status), nil, &summary); err != nil {
		log.Error().Err(err).
			Str("run_id", run.ID).
			Str("status", string(run.Status)).
			Msg("Failed to record run")
	}
}

// History returns the recorded activities for a widget inside the given
// time range. A zero since or until leaves that bound open.
func (r *StoreRecorder) History(ctx context.Context, widgetID string, since, until time.Time, limit, offset int) ([]*provenance.Activity, error) {
	var subject *string
	if widgetID != "" {
		subject = &widgetID
	}

	var sincePtr, untilPtr *time.Time
	if !since.IsZero() {
		sincePtr = &since
	}
	if !until.IsZero() {
		untilPtr = &until
	}

	return r.store.ListActivities(ctx, subject, nil, sincePtr, untilPtr, limit, offset)
}

// marshalSnapshot renders values as a JSON blob for storage.
func marshalSnapshot(values Values) string {
	if values == nil {
		return "{}"
	}
	data, err := json.Marshal(values)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to marshal snapshot")
		return "{}"
	}
	return string(data)
}

// marshalSummary renders a run summary as a JSON blob for storage.
func marshalSummary(summary RunSummary) string {
	data, err := json.Marshal(summary)
	if err != nil {
		return "{}"
	}
	return string(data)
}
