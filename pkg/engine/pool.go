package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HandlerFunc executes one work item. The context is the item's cooperative
// cancellation token: it is cancelled on stop, and transitively on halt.
// Handlers flush partial outputs through checkpoint and return promptly once
// it reports an error.
type HandlerFunc func(ctx context.Context, item *WorkItem, checkpoint func(Values) error) (Values, error)

// PoolConfig configures a work pool.
type PoolConfig struct {
	// Workers is the fixed number of concurrent workers.
	Workers int

	// QueueSize is the submission queue capacity. Submissions beyond it are
	// rejected with a throttled error.
	QueueSize int

	// Publisher receives execution events. May be nil.
	Publisher EventPublisher

	// Recorder receives one activity record per attempt. May be nil.
	Recorder Recorder

	// OnState is called after every state transition with the widget ID and
	// new state. May be nil.
	OnState func(widgetID string, state WorkState)
}

// WorkPool executes widget work items on a fixed set of workers. Each widget
// ID owns at most one active execution slot: submitting while a slot is
// queued or running coalesces into the in-flight attempt. Every attempt
// carries two independent cancellation tokens, one cooperative (stop) and
// one preemptive (halt).
type WorkPool struct {
	workers   int
	queue     chan *slot
	publisher EventPublisher
	recorder  Recorder
	onState   func(widgetID string, state WorkState)

	mu    sync.Mutex
	slots map[string]*slot

	shutdown chan struct{}
	wg       sync.WaitGroup
	closed   bool
}

// slot tracks one widget's current or most recent execution attempt.
type slot struct {
	widgetID string
	item     *WorkItem
	handler  HandlerFunc

	// haltCtx is the preemptive token; stopCtx derives from it so that a
	// halt also cancels the handler's context.
	haltCtx    context.Context
	haltCancel context.CancelFunc
	stopCtx    context.Context
	stopCancel context.CancelFunc

	state  WorkState
	result *WorkResult
	done   chan struct{}

	partialMu sync.Mutex
	partial   Values
}

// checkpoint records partial outputs and reports a pending stop or halt.
func (s *slot) checkpoint(partial Values) error {
	s.partialMu.Lock()
	s.partial = partial.Clone()
	s.partialMu.Unlock()
	return s.stopCtx.Err()
}

func (s *slot) flushedPartial() Values {
	s.partialMu.Lock()
	defer s.partialMu.Unlock()
	return s.partial
}

// Handle refers to one submitted attempt.
type Handle struct {
	// WidgetID is the widget the attempt belongs to.
	WidgetID string

	// WorkID is the attempt's work item ID.
	WorkID string

	s *slot
}

// Done returns a channel closed when the attempt reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.s.done
}

// Wait blocks until the attempt finishes or the context is cancelled.
func (h *Handle) Wait(ctx context.Context) (*WorkResult, error) {
	select {
	case <-h.s.done:
		return h.s.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NewWorkPool creates a work pool. Zero config values fall back to defaults.
func NewWorkPool(cfg PoolConfig) *WorkPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	return &WorkPool{
		workers:   cfg.Workers,
		queue:     make(chan *slot, cfg.QueueSize),
		publisher: cfg.Publisher,
		recorder:  cfg.Recorder,
		onState:   cfg.OnState,
		slots:     make(map[string]*slot),
		shutdown:  make(chan struct{}),
	}
}

// Start launches the workers.
func (p *WorkPool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Submit enqueues a work item. If the widget already has an active attempt,
// the existing handle is returned instead of enqueueing a duplicate.
func (p *WorkPool) Submit(item *WorkItem, handler HandlerFunc) (*Handle, error) {
	if item == nil || item.WidgetID == "" {
		return nil, NewPermanentError("work item is invalid", nil).WithCode(ErrCodeValidation)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, NewPermanentError("pool is closed", nil).WithCode(ErrCodePoolClosed)
	}

	if existing, ok := p.slots[item.WidgetID]; ok && existing.state.IsActive() {
		p.mu.Unlock()
		return &Handle{WidgetID: existing.widgetID, WorkID: existing.item.ID, s: existing}, nil
	}

	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	item.SubmittedAt = time.Now()

	haltCtx, haltCancel := context.WithCancel(context.Background())
	stopCtx, stopCancel := context.WithCancel(haltCtx)

	s := &slot{
		widgetID:   item.WidgetID,
		item:       item,
		handler:    handler,
		haltCtx:    haltCtx,
		haltCancel: haltCancel,
		stopCtx:    stopCtx,
		stopCancel: stopCancel,
		state:      StateQueued,
		done:       make(chan struct{}),
	}
	p.slots[item.WidgetID] = s
	p.mu.Unlock()

	// Notify before enqueueing so the queued transition always precedes the
	// worker's running transition.
	p.notifyState(item.WidgetID, StateQueued)

	select {
	case p.queue <- s:
	default:
		p.mu.Lock()
		delete(p.slots, item.WidgetID)
		p.mu.Unlock()
		haltCancel()
		stopCancel()
		p.notifyState(item.WidgetID, StateIdle)
		return nil, NewThrottledError("work queue is full", nil).WithWidget(item.WidgetID)
	}

	p.publishEvent(item.RunID, item.WidgetID, EventTypeWidgetQueued,
		fmt.Sprintf("Queued %s action %s", item.WidgetID, item.Action), "info")

	return &Handle{WidgetID: item.WidgetID, WorkID: item.ID, s: s}, nil
}

// Stop requests cooperative cancellation of a widget's active attempt. The
// handler observes the cancellation at its next checkpoint and may flush
// partial outputs before returning.
func (p *WorkPool) Stop(widgetID string) error {
	s, err := p.activeSlot(widgetID)
	if err != nil {
		return err
	}
	s.stopCancel()
	return nil
}

// Halt preemptively terminates a widget's active attempt. The pool abandons
// the handler immediately; no output of the attempt propagates.
func (p *WorkPool) Halt(widgetID string) error {
	s, err := p.activeSlot(widgetID)
	if err != nil {
		return err
	}
	s.haltCancel()
	return nil
}

func (p *WorkPool) activeSlot(widgetID string) (*slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slots[widgetID]
	if !ok || !s.state.IsActive() {
		return nil, NewConflictError(
			fmt.Sprintf("widget %s has no active execution", widgetID), nil).
			WithWidget(widgetID)
	}
	return s, nil
}

// Inject records a terminal result for a widget without scheduling it. The
// orchestrator uses this for plan items that are never executed, such as
// dependents of a failed upstream widget. Injecting over an active attempt
// is a conflict.
func (p *WorkPool) Inject(item *WorkItem, result *WorkResult) error {
	if item == nil || item.WidgetID == "" || result == nil {
		return NewPermanentError("injected result is invalid", nil).WithCode(ErrCodeValidation)
	}

	p.mu.Lock()
	if existing, ok := p.slots[item.WidgetID]; ok && existing.state.IsActive() {
		p.mu.Unlock()
		return NewConflictError(
			fmt.Sprintf("widget %s has an active execution", item.WidgetID), nil).
			WithWidget(item.WidgetID)
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	result.WorkID = item.ID
	result.WidgetID = item.WidgetID

	s := &slot{
		widgetID: item.WidgetID,
		item:     item,
		state:    result.Kind.TerminalState(),
		result:   result,
		done:     make(chan struct{}),
	}
	close(s.done)
	p.slots[item.WidgetID] = s
	p.mu.Unlock()

	p.notifyState(item.WidgetID, s.state)
	p.record(s, result)

	if result.Kind == ResultDependencyFailure {
		p.publishEvent(item.RunID, item.WidgetID, EventTypeWidgetSkipped,
			fmt.Sprintf("Skipped %s: upstream dependency did not complete", item.WidgetID), "warning")
	} else {
		p.publishEvent(item.RunID, item.WidgetID, EventTypeWidgetFailed,
			fmt.Sprintf("Cancelled %s before start: %s", item.WidgetID, result.Kind), "warning")
	}
	return nil
}

// Status reports a widget's current state and most recent result. A widget
// the pool has never seen is idle.
func (p *WorkPool) Status(widgetID string) *WidgetStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slots[widgetID]
	if !ok {
		return &WidgetStatus{WidgetID: widgetID, State: StateIdle}
	}
	return &WidgetStatus{WidgetID: widgetID, State: s.state, LastResult: s.result}
}

// Shutdown stops accepting work, halts everything still active, and waits
// for the workers to exit or the context to expire.
func (p *WorkPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	active := make([]*slot, 0, len(p.slots))
	for _, s := range p.slots {
		if s.state.IsActive() {
			active = append(active, s)
		}
	}
	p.mu.Unlock()

	for _, s := range active {
		s.haltCancel()
	}
	close(p.shutdown)

	doneCh := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkPool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.shutdown:
			return
		case s := <-p.queue:
			p.execute(s)
		}
	}
}

// handlerOutcome carries the handler's return values, or the recovered panic
// value when the handler panicked.
type handlerOutcome struct {
	outputs  Values
	err      error
	panicked bool
	panicVal interface{}
}

func (p *WorkPool) execute(s *slot) {
	// Cancelled while still queued.
	if s.haltCtx.Err() != nil {
		p.finalize(s, ResultHalted, nil, nil, time.Time{})
		return
	}
	if s.stopCtx.Err() != nil {
		p.finalize(s, ResultStopped, s.flushedPartial(), nil, time.Time{})
		return
	}

	p.setState(s, StateRunning)
	p.publishEvent(s.item.RunID, s.widgetID, EventTypeWidgetStarted,
		fmt.Sprintf("Started %s action %s", s.widgetID, s.item.Action), "info")

	started := time.Now()
	outcomeCh := make(chan handlerOutcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				outcomeCh <- handlerOutcome{panicked: true, panicVal: r}
			}
		}()
		outputs, err := s.handler(s.stopCtx, s.item, s.checkpoint)
		outcomeCh <- handlerOutcome{outputs: outputs, err: err}
	}()

	select {
	case <-s.haltCtx.Done():
		// The handler goroutine is abandoned; its eventual outcome lands in
		// the buffered channel and is discarded.
		p.finalize(s, ResultHalted, nil, nil, started)

	case out := <-outcomeCh:
		switch {
		case out.panicked:
			err := NewPermanentError(fmt.Sprintf("handler panicked: %v", out.panicVal), nil).
				WithCode(ErrCodeInternal).WithWidget(s.widgetID)
			p.finalize(s, ResultRuntimeError, nil, err, started)

		case s.haltCtx.Err() != nil:
			p.finalize(s, ResultHalted, nil, nil, started)

		case s.stopCtx.Err() != nil && out.err != nil:
			p.finalize(s, ResultStopped, s.flushedPartial(), nil, started)

		case out.err != nil:
			p.finalize(s, ResultKindOf(out.err), nil, out.err, started)

		default:
			p.finalize(s, ResultSuccess, out.outputs, nil, started)
		}
	}
}

// finalize moves a slot to its terminal state, records the attempt, and
// publishes the outcome.
func (p *WorkPool) finalize(s *slot, kind ResultKind, outputs Values, err error, started time.Time) {
	ended := time.Now()
	if started.IsZero() {
		started = ended
	}

	result := &WorkResult{
		WorkID:    s.item.ID,
		WidgetID:  s.widgetID,
		Kind:      kind,
		Outputs:   outputs.Clone(),
		StartedAt: started,
		EndedAt:   ended,
		Duration:  ended.Sub(started),
	}
	if err != nil {
		result.Error = AsEngineError(err)
	}

	state := kind.TerminalState()

	p.mu.Lock()
	s.state = state
	s.result = result
	p.mu.Unlock()

	// Record before releasing waiters so provenance is in place by the time
	// Wait returns.
	p.notifyState(s.widgetID, state)
	p.record(s, result)
	close(s.done)

	switch state {
	case StateCompleted:
		p.publishEvent(s.item.RunID, s.widgetID, EventTypeWidgetCompleted,
			fmt.Sprintf("Completed %s action %s", s.widgetID, s.item.Action), "info")
	case StateFailed:
		p.publishEvent(s.item.RunID, s.widgetID, EventTypeWidgetFailed,
			fmt.Sprintf("Failed %s action %s: %s", s.widgetID, s.item.Action, kind), "error")
	default:
		p.publishEvent(s.item.RunID, s.widgetID, EventTypeWidgetFailed,
			fmt.Sprintf("Cancelled %s action %s: %s", s.widgetID, s.item.Action, kind), "warning")
	}
}

func (p *WorkPool) record(s *slot, result *WorkResult) {
	if p.recorder == nil {
		return
	}

	rec := &ActivityRecord{
		ID:             uuid.New().String(),
		SubjectID:      s.widgetID,
		RunID:          s.item.RunID,
		Action:         s.item.Action,
		StartedAt:      result.StartedAt,
		EndedAt:        result.EndedAt,
		ResultKind:     result.Kind,
		InputSnapshot:  s.item.Inputs,
		OutputSnapshot: result.Outputs,
	}
	if result.Error != nil {
		rec.Error = result.Error.Error()
	}
	p.recorder.RecordActivity(context.Background(), rec)
}

func (p *WorkPool) setState(s *slot, state WorkState) {
	p.mu.Lock()
	s.state = state
	p.mu.Unlock()
	p.notifyState(s.widgetID, state)
}

func (p *WorkPool) notifyState(widgetID string, state WorkState) {
	if p.onState != nil {
		p.onState(widgetID, state)
	}
}

// publishEvent publishes an execution event.
func (p *WorkPool) publishEvent(runID, widgetID string, eventType EventType, message, level string) {
	if p.publisher == nil {
		return
	}

	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		WidgetID:  widgetID,
		Message:   message,
		Level:     level,
	}

	// Publish asynchronously to avoid blocking execution.
	go func() {
		_ = p.publisher.Publish(context.Background(), event)
	}()
}
