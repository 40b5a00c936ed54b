package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newRunningPool(t *testing.T, workers, queueSize int) *WorkPool {
	t.Helper()

	pool := NewWorkPool(PoolConfig{Workers: workers, QueueSize: queueSize})
	pool.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})
	return pool
}

func waitResult(t *testing.T, h *Handle) *WorkResult {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Expected a result, got: %v", err)
	}
	return result
}

// echoHandler returns the item's inputs as its outputs.
func echoHandler(_ context.Context, item *WorkItem, _ func(Values) error) (Values, error) {
	return item.Inputs.Clone(), nil
}

// stateTracker collects per-widget state transitions.
type stateTracker struct {
	mu     sync.Mutex
	states map[string][]WorkState
}

func newStateTracker() *stateTracker {
	return &stateTracker{states: make(map[string][]WorkState)}
}

func (s *stateTracker) record(widgetID string, state WorkState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[widgetID] = append(s.states[widgetID], state)
}

func (s *stateTracker) sequence(widgetID string) []WorkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WorkState(nil), s.states[widgetID]...)
}

func TestWorkPool_Submit_Completes(t *testing.T) {
	pool := newRunningPool(t, 2, 16)

	h, err := pool.Submit(&WorkItem{
		WidgetID: "sticky-note-1",
		Action:   "run",
		Inputs:   Values{"msg": "hello"},
	}, echoHandler)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if h.WorkID == "" {
		t.Error("Expected a work ID to be assigned")
	}

	result := waitResult(t, h)

	if result.Kind != ResultSuccess {
		t.Errorf("Expected success, got %s", result.Kind)
	}
	if result.Outputs["msg"] != "hello" {
		t.Errorf("Expected outputs to carry inputs, got %v", result.Outputs)
	}
	if result.WorkID != h.WorkID {
		t.Errorf("Expected result for work %s, got %s", h.WorkID, result.WorkID)
	}
	if result.EndedAt.Before(result.StartedAt) {
		t.Error("Expected end time at or after start time")
	}

	status := pool.Status("sticky-note-1")
	if status.State != StateCompleted {
		t.Errorf("Expected completed state, got %s", status.State)
	}
	if status.LastResult == nil || status.LastResult.Kind != ResultSuccess {
		t.Errorf("Expected last result on status, got %+v", status.LastResult)
	}
}

func TestWorkPool_Submit_InvalidItem(t *testing.T) {
	pool := newRunningPool(t, 1, 4)

	if _, err := pool.Submit(nil, echoHandler); err == nil {
		t.Error("Expected error for nil item, got nil")
	}
	if _, err := pool.Submit(&WorkItem{Action: "run"}, echoHandler); err == nil {
		t.Error("Expected error for missing widget ID, got nil")
	}
}

func TestWorkPool_Submit_AfterShutdown(t *testing.T) {
	pool := NewWorkPool(PoolConfig{Workers: 1, QueueSize: 4})
	pool.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	_, err := pool.Submit(&WorkItem{WidgetID: "sticky-note-1"}, echoHandler)
	if err == nil {
		t.Fatal("Expected error after shutdown, got nil")
	}
	if AsEngineError(err).Code != ErrCodePoolClosed {
		t.Errorf("Expected pool closed error, got: %v", err)
	}

	// Shutdown is idempotent.
	if err := pool.Shutdown(ctx); err != nil {
		t.Errorf("Expected no error on repeated shutdown, got: %v", err)
	}
}

func TestWorkPool_Submit_CoalescesActiveAttempt(t *testing.T) {
	pool := newRunningPool(t, 2, 16)

	started := make(chan struct{})
	release := make(chan struct{})
	h1, err := pool.Submit(&WorkItem{WidgetID: "sticky-note-1", Action: "run"},
		func(_ context.Context, _ *WorkItem, _ func(Values) error) (Values, error) {
			close(started)
			<-release
			return Values{"done": true}, nil
		})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	<-started

	// A duplicate submission folds into the in-flight attempt.
	h2, err := pool.Submit(&WorkItem{WidgetID: "sticky-note-1", Action: "run"}, echoHandler)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if h2.WorkID != h1.WorkID {
		t.Errorf("Expected coalesced handle %s, got %s", h1.WorkID, h2.WorkID)
	}

	close(release)
	r1 := waitResult(t, h1)
	r2 := waitResult(t, h2)
	if r1.Kind != ResultSuccess || r2.Kind != ResultSuccess {
		t.Errorf("Expected success on both handles, got %s and %s", r1.Kind, r2.Kind)
	}
	if r2.Outputs["done"] != true {
		t.Errorf("Expected the original attempt's outputs, got %v", r2.Outputs)
	}

	// After the attempt is terminal, a new submission starts fresh.
	h3, err := pool.Submit(&WorkItem{WidgetID: "sticky-note-1", Action: "run"}, echoHandler)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if h3.WorkID == h1.WorkID {
		t.Error("Expected a new attempt after the previous one finished")
	}
	if r3 := waitResult(t, h3); r3.Kind != ResultSuccess {
		t.Errorf("Expected success on re-run, got %s", r3.Kind)
	}
}

func TestWorkPool_Submit_QueueFullThrottled(t *testing.T) {
	pool := newRunningPool(t, 1, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	// Occupy the only worker.
	_, err := pool.Submit(&WorkItem{WidgetID: "chart-1", Action: "run"},
		func(_ context.Context, _ *WorkItem, _ func(Values) error) (Values, error) {
			close(started)
			<-release
			return nil, nil
		})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	<-started

	// One submission fits the queue; the next is rejected.
	h2, err := pool.Submit(&WorkItem{WidgetID: "chart-2", Action: "run"}, echoHandler)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	_, err = pool.Submit(&WorkItem{WidgetID: "chart-3", Action: "run"}, echoHandler)
	if err == nil {
		t.Fatal("Expected throttled error, got nil")
	}
	if !IsThrottled(err) {
		t.Errorf("Expected throttled error, got: %v", err)
	}

	// Draining the queue makes room again.
	release <- struct{}{}
	if r := waitResult(t, h2); r.Kind != ResultSuccess {
		t.Errorf("Expected success, got %s", r.Kind)
	}
	h3, err := pool.Submit(&WorkItem{WidgetID: "chart-3", Action: "run"}, echoHandler)
	if err != nil {
		t.Fatalf("Expected submission after drain, got: %v", err)
	}
	if r := waitResult(t, h3); r.Kind != ResultSuccess {
		t.Errorf("Expected success, got %s", r.Kind)
	}
}

func TestWorkPool_Stop_FlushesPartialOutputs(t *testing.T) {
	pool := newRunningPool(t, 2, 16)

	started := make(chan struct{})
	h, err := pool.Submit(&WorkItem{WidgetID: "sticky-note-1", Action: "run"},
		func(ctx context.Context, _ *WorkItem, checkpoint func(Values) error) (Values, error) {
			for i := 0; ; i++ {
				if err := checkpoint(Values{"progress": i}); err != nil {
					return nil, err
				}
				if i == 0 {
					close(started)
				}
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(5 * time.Millisecond):
				}
			}
		})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	<-started

	if err := pool.Stop("sticky-note-1"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	result := waitResult(t, h)
	if result.Kind != ResultStopped {
		t.Errorf("Expected stopped, got %s", result.Kind)
	}
	if result.Error != nil {
		t.Errorf("Expected no error on a stopped attempt, got: %v", result.Error)
	}
	if _, ok := result.Outputs["progress"]; !ok {
		t.Errorf("Expected flushed partial outputs, got %v", result.Outputs)
	}
	if status := pool.Status("sticky-note-1"); status.State != StateStopped {
		t.Errorf("Expected stopped state, got %s", status.State)
	}
}

func TestWorkPool_Halt_PreemptsStuckHandler(t *testing.T) {
	pool := newRunningPool(t, 2, 16)

	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	// The handler flushes a partial, then wedges without ever looking at its
	// context.
	h, err := pool.Submit(&WorkItem{WidgetID: "sticky-note-1", Action: "run"},
		func(_ context.Context, _ *WorkItem, checkpoint func(Values) error) (Values, error) {
			_ = checkpoint(Values{"partial": 1})
			close(started)
			<-release
			return Values{"leaked": true}, nil
		})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	<-started

	if err := pool.Halt("sticky-note-1"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	result := waitResult(t, h)
	if result.Kind != ResultHalted {
		t.Errorf("Expected halted, got %s", result.Kind)
	}
	if result.Outputs != nil {
		t.Errorf("Expected no output from a halted attempt, got %v", result.Outputs)
	}
	if status := pool.Status("sticky-note-1"); status.State != StateHalted {
		t.Errorf("Expected halted state, got %s", status.State)
	}

	// The worker has moved on despite the wedged handler.
	h2, err := pool.Submit(&WorkItem{WidgetID: "sticky-note-2", Action: "run", Inputs: Values{"n": 1}}, echoHandler)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if r := waitResult(t, h2); r.Kind != ResultSuccess {
		t.Errorf("Expected success, got %s", r.Kind)
	}
}

func TestWorkPool_StopHalt_NoActiveAttempt(t *testing.T) {
	pool := newRunningPool(t, 1, 4)

	if err := pool.Stop("sticky-note-99"); !IsConflict(err) {
		t.Errorf("Expected conflict error, got: %v", err)
	}
	if err := pool.Halt("sticky-note-99"); !IsConflict(err) {
		t.Errorf("Expected conflict error, got: %v", err)
	}

	// A terminal attempt is no longer stoppable.
	h, err := pool.Submit(&WorkItem{WidgetID: "sticky-note-1", Action: "run"}, echoHandler)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	waitResult(t, h)
	if err := pool.Stop("sticky-note-1"); !IsConflict(err) {
		t.Errorf("Expected conflict error, got: %v", err)
	}
}

func TestWorkPool_HandlerPanic_FailsAttemptOnly(t *testing.T) {
	pool := newRunningPool(t, 1, 4)

	h, err := pool.Submit(&WorkItem{WidgetID: "sticky-note-1", Action: "run"},
		func(_ context.Context, _ *WorkItem, _ func(Values) error) (Values, error) {
			panic("boom")
		})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	result := waitResult(t, h)
	if result.Kind != ResultRuntimeError {
		t.Errorf("Expected runtime error, got %s", result.Kind)
	}
	if result.Error == nil || !strings.Contains(result.Error.Message, "panicked") {
		t.Errorf("Expected panic message, got: %v", result.Error)
	}
	if status := pool.Status("sticky-note-1"); status.State != StateFailed {
		t.Errorf("Expected failed state, got %s", status.State)
	}

	// The single worker survived the panic.
	h2, err := pool.Submit(&WorkItem{WidgetID: "sticky-note-2", Action: "run", Inputs: Values{"n": 2}}, echoHandler)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if r := waitResult(t, h2); r.Kind != ResultSuccess {
		t.Errorf("Expected success after panic, got %s", r.Kind)
	}
}

func TestWorkPool_DeadlineError_MapsToTimeout(t *testing.T) {
	pool := newRunningPool(t, 1, 4)

	h, err := pool.Submit(&WorkItem{WidgetID: "sticky-note-1", Action: "run"},
		func(_ context.Context, _ *WorkItem, _ func(Values) error) (Values, error) {
			return nil, context.DeadlineExceeded
		})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	result := waitResult(t, h)
	if result.Kind != ResultTimeout {
		t.Errorf("Expected timeout, got %s", result.Kind)
	}

	// A timed-out item does not wedge the pool.
	h2, err := pool.Submit(&WorkItem{WidgetID: "sticky-note-2", Action: "run"}, echoHandler)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if r := waitResult(t, h2); r.Kind != ResultSuccess {
		t.Errorf("Expected success, got %s", r.Kind)
	}
}

func TestWorkPool_CancelWhileQueued(t *testing.T) {
	// Workers start only after the cancellations land, so both items are
	// still queued when stopped and halted.
	pool := NewWorkPool(PoolConfig{Workers: 1, QueueSize: 8})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	hStop, err := pool.Submit(&WorkItem{WidgetID: "sticky-note-1", Action: "run"}, echoHandler)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	hHalt, err := pool.Submit(&WorkItem{WidgetID: "sticky-note-2", Action: "run"}, echoHandler)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if err := pool.Stop("sticky-note-1"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := pool.Halt("sticky-note-2"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	pool.Start()

	if r := waitResult(t, hStop); r.Kind != ResultStopped {
		t.Errorf("Expected stopped, got %s", r.Kind)
	}
	if r := waitResult(t, hHalt); r.Kind != ResultHalted {
		t.Errorf("Expected halted, got %s", r.Kind)
	}
}

func TestWorkPool_Inject_ResolvesWithoutScheduling(t *testing.T) {
	pool := newRunningPool(t, 2, 16)

	err := pool.Inject(
		&WorkItem{WidgetID: "two-panel-1", Action: "run"},
		&WorkResult{Kind: ResultDependencyFailure},
	)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	status := pool.Status("two-panel-1")
	if status.State != StateFailed {
		t.Errorf("Expected failed state, got %s", status.State)
	}
	if status.LastResult == nil || status.LastResult.Kind != ResultDependencyFailure {
		t.Errorf("Expected dependency failure result, got %+v", status.LastResult)
	}

	// Injecting over an active attempt is a conflict.
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	_, err = pool.Submit(&WorkItem{WidgetID: "chart-1", Action: "run"},
		func(_ context.Context, _ *WorkItem, _ func(Values) error) (Values, error) {
			close(started)
			<-release
			return nil, nil
		})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	<-started
	err = pool.Inject(&WorkItem{WidgetID: "chart-1"}, &WorkResult{Kind: ResultHalted})
	if !IsConflict(err) {
		t.Errorf("Expected conflict error, got: %v", err)
	}

	if err := pool.Inject(nil, &WorkResult{Kind: ResultHalted}); err == nil {
		t.Error("Expected error for nil item, got nil")
	}
}

func TestWorkPool_Status_UnknownWidget(t *testing.T) {
	pool := newRunningPool(t, 1, 4)

	status := pool.Status("sticky-note-99")
	if status.State != StateIdle {
		t.Errorf("Expected idle state, got %s", status.State)
	}
	if status.LastResult != nil {
		t.Errorf("Expected no result, got %+v", status.LastResult)
	}
}

func TestWorkPool_Shutdown_HaltsActiveWork(t *testing.T) {
	pool := NewWorkPool(PoolConfig{Workers: 2, QueueSize: 8})
	pool.Start()

	started := make(chan struct{})
	h, err := pool.Submit(&WorkItem{WidgetID: "sticky-note-1", Action: "run"},
		func(ctx context.Context, _ *WorkItem, _ func(Values) error) (Values, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("Expected clean shutdown, got: %v", err)
	}

	if r := waitResult(t, h); r.Kind != ResultHalted {
		t.Errorf("Expected halted, got %s", r.Kind)
	}
}

func TestWorkPool_StateCallback_ObservesTransitions(t *testing.T) {
	tracker := newStateTracker()
	pool := NewWorkPool(PoolConfig{Workers: 1, QueueSize: 4, OnState: tracker.record})
	pool.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	h, err := pool.Submit(&WorkItem{WidgetID: "sticky-note-1", Action: "run"}, echoHandler)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	waitResult(t, h)

	seq := tracker.sequence("sticky-note-1")
	want := []WorkState{StateQueued, StateRunning, StateCompleted}
	if len(seq) != len(want) {
		t.Fatalf("Expected %d transitions, got %v", len(want), seq)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Errorf("Expected %s at step %d, got %s", want[i], i, seq[i])
		}
	}
}

func TestWorkPool_RecordsActivityPerAttempt(t *testing.T) {
	recorder := newMockRecorder()
	pool := NewWorkPool(PoolConfig{Workers: 2, QueueSize: 8, Recorder: recorder})
	pool.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	h, err := pool.Submit(&WorkItem{
		WidgetID: "sticky-note-1",
		Action:   "run",
		Inputs:   Values{"n": 1},
	}, echoHandler)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	waitResult(t, h)

	records := recorder.getActivities()
	if len(records) != 1 {
		t.Fatalf("Expected 1 activity record, got %d", len(records))
	}
	rec := records[0]
	if rec.SubjectID != "sticky-note-1" {
		t.Errorf("Expected subject sticky-note-1, got %s", rec.SubjectID)
	}
	if rec.ResultKind != ResultSuccess {
		t.Errorf("Expected success, got %s", rec.ResultKind)
	}
	if rec.InputSnapshot["n"] != 1 {
		t.Errorf("Expected input snapshot, got %v", rec.InputSnapshot)
	}
	if rec.OutputSnapshot["n"] != 1 {
		t.Errorf("Expected output snapshot, got %v", rec.OutputSnapshot)
	}
	if rec.ID == "" {
		t.Error("Expected a record ID")
	}

	// Failed attempts carry the error message.
	h2, err := pool.Submit(&WorkItem{WidgetID: "sticky-note-2", Action: "run"},
		func(_ context.Context, _ *WorkItem, _ func(Values) error) (Values, error) {
			return nil, errors.New("kaput")
		})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	waitResult(t, h2)

	rec2 := recorder.activityFor("sticky-note-2")
	if rec2 == nil {
		t.Fatal("Expected an activity record for sticky-note-2")
	}
	if rec2.ResultKind != ResultRuntimeError {
		t.Errorf("Expected runtime error, got %s", rec2.ResultKind)
	}
	if !strings.Contains(rec2.Error, "kaput") {
		t.Errorf("Expected error message in record, got %q", rec2.Error)
	}
}
