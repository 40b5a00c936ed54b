package engine

import (
	"encoding/json"
	"fmt"
)

// WorkState represents the lifecycle state of a widget's execution slot.
type WorkState string

const (
	// StateIdle indicates the widget has never been scheduled, or its last
	// result has been consumed and no new submission exists.
	StateIdle WorkState = "idle"

	// StateQueued indicates the work item is enqueued and waiting for a worker.
	StateQueued WorkState = "queued"

	// StateRunning indicates a worker is currently executing the work item.
	StateRunning WorkState = "running"

	// StateCompleted indicates the work item finished successfully.
	StateCompleted WorkState = "completed"

	// StateFailed indicates the work item finished with an error result.
	StateFailed WorkState = "failed"

	// StateStopped indicates the work item observed a cooperative stop request
	// at a checkpoint and terminated, possibly flushing partial results.
	StateStopped WorkState = "stopped"

	// StateHalted indicates the work item was preemptively terminated; no
	// output of the attempt propagates.
	StateHalted WorkState = "halted"
)

// IsTerminal returns true if the state represents a finished execution attempt.
func (s WorkState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed ||
		s == StateStopped || s == StateHalted
}

// IsActive returns true if the work item is queued or running.
func (s WorkState) IsActive() bool {
	return s == StateQueued || s == StateRunning
}

// Validate checks if the work state is valid.
func (s WorkState) Validate() error {
	switch s {
	case StateIdle, StateQueued, StateRunning,
		StateCompleted, StateFailed, StateStopped, StateHalted:
		return nil
	default:
		return fmt.Errorf("invalid work state: %s", s)
	}
}

// CanTransitionTo reports whether moving from s to next is a legal lifecycle
// step. Terminal states may only re-enter queued (a re-run); idle enters
// queued; queued may reach running or be cancelled to stopped/halted before a
// worker picks it up; running reaches any terminal state.
func (s WorkState) CanTransitionTo(next WorkState) bool {
	switch s {
	case StateIdle:
		return next == StateQueued
	case StateQueued:
		return next == StateRunning || next == StateStopped || next == StateHalted
	case StateRunning:
		return next.IsTerminal()
	case StateCompleted, StateFailed, StateStopped, StateHalted:
		return next == StateQueued
	default:
		return false
	}
}

// ResultKind classifies the outcome of one execution attempt. These are the
// values reported at the engine boundary and recorded on activity records.
type ResultKind string

const (
	// ResultSuccess indicates the attempt produced its outputs normally.
	ResultSuccess ResultKind = "success"

	// ResultCompilationError indicates transformation content failed
	// validation or could not be parsed/compiled.
	ResultCompilationError ResultKind = "compilation_error"

	// ResultRuntimeError indicates the widget action or transformation raised
	// an error while executing.
	ResultRuntimeError ResultKind = "runtime_error"

	// ResultTimeout indicates a transformation exceeded its declared timeout
	// and was terminated.
	ResultTimeout ResultKind = "timeout"

	// ResultPermissionError indicates a transformation attempted to use a
	// capability outside its allowlist.
	ResultPermissionError ResultKind = "permission_error"

	// ResultIntegrityError indicates fetched content did not match its
	// declared hash; the transformation was never executed.
	ResultIntegrityError ResultKind = "integrity_error"

	// ResultCycleError indicates a graph mutation was rejected because it
	// would create a cycle.
	ResultCycleError ResultKind = "cycle_error"

	// ResultDependencyFailure indicates an upstream widget did not complete,
	// so this widget was never scheduled.
	ResultDependencyFailure ResultKind = "dependency_failure"

	// ResultStopped records a cooperative stop. Not part of the error
	// taxonomy; present so every activity record carries a classification.
	ResultStopped ResultKind = "stopped"

	// ResultHalted records a preemptive halt.
	ResultHalted ResultKind = "halted"
)

// IsFailure returns true if the kind represents an unsuccessful attempt.
// Stopped and halted are cancellations, not failures.
func (k ResultKind) IsFailure() bool {
	switch k {
	case ResultCompilationError, ResultRuntimeError, ResultTimeout,
		ResultPermissionError, ResultIntegrityError, ResultCycleError,
		ResultDependencyFailure:
		return true
	default:
		return false
	}
}

// TerminalState returns the work state an attempt with this result kind ends
// in.
func (k ResultKind) TerminalState() WorkState {
	switch k {
	case ResultSuccess:
		return StateCompleted
	case ResultStopped:
		return StateStopped
	case ResultHalted:
		return StateHalted
	default:
		return StateFailed
	}
}

// Validate checks if the result kind is valid.
func (k ResultKind) Validate() error {
	switch k {
	case ResultSuccess, ResultCompilationError, ResultRuntimeError,
		ResultTimeout, ResultPermissionError, ResultIntegrityError,
		ResultCycleError, ResultDependencyFailure, ResultStopped, ResultHalted:
		return nil
	default:
		return fmt.Errorf("invalid result kind: %s", k)
	}
}

// RunStatus represents the overall status of a hierarchy run.
type RunStatus string

const (
	// RunStatusPending indicates the run is queued but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every work item in the run completed.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run failed with errors.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was stopped or halted by the caller.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPartial indicates some work items completed while others
	// failed or were skipped.
	RunStatusPartial RunStatus = "partial"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// IsActive returns true if the run is currently active (pending or running).
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// EventType represents the type of event in the execution timeline.
type EventType string

const (
	// EventTypeRunStarted indicates a hierarchy run has started.
	EventTypeRunStarted EventType = "run_started"

	// EventTypeRunCompleted indicates a hierarchy run has completed.
	EventTypeRunCompleted EventType = "run_completed"

	// EventTypeRunFailed indicates a hierarchy run has failed.
	EventTypeRunFailed EventType = "run_failed"

	// EventTypeWidgetQueued indicates a work item entered the queue.
	EventTypeWidgetQueued EventType = "widget_queued"

	// EventTypeWidgetStarted indicates a work item started executing.
	EventTypeWidgetStarted EventType = "widget_started"

	// EventTypeWidgetCompleted indicates a work item completed successfully.
	EventTypeWidgetCompleted EventType = "widget_completed"

	// EventTypeWidgetFailed indicates a work item failed.
	EventTypeWidgetFailed EventType = "widget_failed"

	// EventTypeWidgetSkipped indicates a work item was never scheduled
	// because an upstream dependency did not complete.
	EventTypeWidgetSkipped EventType = "widget_skipped"

	// EventTypeTransformInvoked indicates an edge transformation was invoked.
	EventTypeTransformInvoked EventType = "transform_invoked"

	// EventTypeIntegrityFailure indicates fetched content failed hash
	// verification.
	EventTypeIntegrityFailure EventType = "integrity_failure"

	// EventTypePolicyViolation indicates a transformation was denied by policy.
	EventTypePolicyViolation EventType = "policy_violation"

	// EventTypeError indicates an error occurred.
	EventTypeError EventType = "error"

	// EventTypeWarning indicates a warning was raised.
	EventTypeWarning EventType = "warning"

	// EventTypeInfo indicates informational event.
	EventTypeInfo EventType = "info"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeWidgetFailed, EventTypeIntegrityFailure,
		EventTypePolicyViolation, EventTypeError:
		return "error"
	case EventTypeWidgetSkipped, EventTypeWarning:
		return "warning"
	default:
		return "info"
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s WorkState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *WorkState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = WorkState(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (k ResultKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(k))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (k *ResultKind) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*k = ResultKind(str)
	return k.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}
