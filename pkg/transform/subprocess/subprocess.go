// Package subprocess implements the process-isolated transformation
// runtime. Each invocation spawns a slate-runner process, speaks the
// JSON-over-stdio protocol with it, and reaps it when the exchange ends.
// Cancelling the context kills the process, which is what makes halt
// preemptive for sandboxed transformations: no cooperation from the
// content is required.
package subprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/slateboard/slateboard/pkg/engine"
	"github.com/slateboard/slateboard/pkg/runner/protocol"
)

const (
	contentType    = "subprocess"
	runtimeVersion = "1.0.0"

	defaultCommandTimeout = 30 * time.Second
	defaultStartupTimeout = 10 * time.Second

	// commandMargin pads the runner-side timeout so the inner deadline
	// fires first and reports a proper timeout instead of a killed pipe.
	commandMargin = 2 * time.Second
)

// Config configures the subprocess runtime.
type Config struct {
	// RunnerPath is the slate-runner binary. Defaults to "slate-runner"
	// resolved through PATH.
	RunnerPath string

	// RunnerArgs are extra arguments passed to the runner binary.
	RunnerArgs []string

	// InnerContentType selects the runner-side runtime that executes the
	// content. Defaults to "starlark".
	InnerContentType string

	// StartupTimeout bounds the wait for the runner's READY handshake.
	StartupTimeout time.Duration
}

// Transformer delegates transformation execution to a slate-runner
// process. Safe for concurrent use; every call owns its own process.
type Transformer struct {
	cfg Config
}

// New creates a subprocess runtime.
func New(cfg Config) *Transformer {
	if cfg.RunnerPath == "" {
		cfg.RunnerPath = "slate-runner"
	}
	if cfg.InnerContentType == "" {
		cfg.InnerContentType = "starlark"
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	return &Transformer{cfg: cfg}
}

// Metadata returns the runtime descriptor.
func (t *Transformer) Metadata() engine.TransformerMetadata {
	return engine.TransformerMetadata{
		Name:                 "subprocess",
		Version:              runtimeVersion,
		ContentType:          contentType,
		Description:          "Process-isolated transformation runtime delegating to slate-runner",
		RequiredCapabilities: []engine.Capability{engine.CapabilityExecSubprocess},
	}
}

// Validate checks the content by asking a runner process to validate it
// with the configured inner runtime.
func (t *Transformer) Validate(ctx context.Context, content []byte, spec engine.ExecutionSpec) error {
	params := &protocol.ValidateParams{
		ContentType: t.cfg.InnerContentType,
		Content:     content,
		Limits:      limitsFromSpec(spec),
	}
	_, err := t.roundTrip(ctx, protocol.CommandTypeValidate, params, spec)
	return err
}

// Transform executes the content in a freshly spawned runner process.
// The execution spec must grant exec:subprocess.
func (t *Transformer) Transform(ctx context.Context, req *engine.TransformRequest) (engine.Values, error) {
	if !req.Spec.Allows(engine.CapabilityExecSubprocess) {
		return nil, engine.NewPermanentError("capability exec:subprocess is not allowed", nil).
			WithCode(engine.ErrCodePermissionDenied).
			WithKind(engine.ResultPermissionError)
	}

	params := &protocol.TransformParams{
		EdgeID:       req.EdgeID,
		ContentType:  t.cfg.InnerContentType,
		Content:      req.Content,
		SourceData:   req.SourceData,
		InputMapping: req.InputMapping,
		Config:       req.Config,
		Limits:       limitsFromSpec(req.Spec),
	}

	done, err := t.roundTrip(ctx, protocol.CommandTypeTransform, params, req.Spec)
	if err != nil {
		return nil, err
	}

	var result protocol.TransformResult
	if err := protocol.ParseParams(done.Result, &result); err != nil {
		return nil, engine.NewPermanentError("failed to parse runner result", err).
			WithCode(engine.ErrCodeTransformFailed)
	}
	return engine.Values(result.Outputs), nil
}

// Close releases runtime resources. Processes are per-call, so there is
// nothing to release.
func (t *Transformer) Close(ctx context.Context) error {
	return nil
}

// roundTrip spawns a runner, waits for READY, sends one command, and
// returns its DONE message. The process is killed when the context ends
// and reaped before returning.
func (t *Transformer) roundTrip(ctx context.Context, cmdType protocol.CommandType, params interface{}, spec engine.ExecutionSpec) (*protocol.DoneMessage, error) {
	cmdTimeout := spec.Timeout
	if cmdTimeout <= 0 {
		cmdTimeout = defaultCommandTimeout
	}

	rctx, cancel := context.WithTimeout(ctx, t.cfg.StartupTimeout+cmdTimeout+5*time.Second)
	defer cancel()

	proc := exec.CommandContext(rctx, t.cfg.RunnerPath, t.cfg.RunnerArgs...)
	proc.WaitDelay = 3 * time.Second

	stdin, err := proc.StdinPipe()
	if err != nil {
		return nil, engine.NewPermanentError("failed to open runner stdin", err).
			WithCode(engine.ErrCodeInternal)
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return nil, engine.NewPermanentError("failed to open runner stdout", err).
			WithCode(engine.ErrCodeInternal)
	}
	var stderr bytes.Buffer
	proc.Stderr = &stderr

	if err := proc.Start(); err != nil {
		return nil, engine.NewPermanentError("failed to start runner process", err).
			WithCode(engine.ErrCodeInternal)
	}
	defer func() {
		stdin.Close()
		_ = proc.Wait()
	}()

	encoder := protocol.NewEncoder(stdin)
	decoder := protocol.NewDecoder(stdout)

	if err := t.awaitReady(rctx, decoder); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, engine.NewPermanentError("failed to encode command params", err).
			WithCode(engine.ErrCodeInternal)
	}

	cmd := &protocol.CommandMessage{
		ID:        "cmd-" + uuid.NewString(),
		Type:      cmdType,
		TimeoutMS: (cmdTimeout + commandMargin).Milliseconds(),
		Params:    raw,
	}
	if err := encoder.EncodeCommand(cmd); err != nil {
		return nil, t.streamError(ctx, err, &stderr)
	}

	for {
		msg, err := decoder.Decode()
		if err != nil {
			return nil, t.streamError(ctx, err, &stderr)
		}

		switch msg.Type {
		case protocol.MessageTypeEvent:
			// Progress events are not surfaced for subprocess runs.

		case protocol.MessageTypeDone:
			var done protocol.DoneMessage
			if err := protocol.ParseParams(msg.Data, &done); err != nil {
				return nil, engine.NewPermanentError("failed to parse done message", err).
					WithCode(engine.ErrCodeInternal)
			}
			if done.CommandID != cmd.ID {
				return nil, engine.NewPermanentError(
					fmt.Sprintf("command ID mismatch: expected %s, got %s", cmd.ID, done.CommandID), nil).
					WithCode(engine.ErrCodeInternal)
			}
			return &done, nil

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
				return nil, engine.NewPermanentError("failed to parse error message", err).
					WithCode(engine.ErrCodeInternal)
			}
			return nil, errorFromMessage(&errMsg)

		case protocol.MessageTypeExit:
			return nil, engine.NewPermanentError(
				withStderr("runner exited before completing the command", &stderr), nil).
				WithCode(engine.ErrCodeInternal)

		default:
			return nil, engine.NewPermanentError("unexpected message type: "+string(msg.Type), nil).
				WithCode(engine.ErrCodeInternal)
		}
	}
}

// awaitReady waits for the READY handshake, bounded by the startup
// timeout.
func (t *Transformer) awaitReady(ctx context.Context, decoder *protocol.Decoder) error {
	readyCh := make(chan *protocol.Message, 1)
	errCh := make(chan error, 1)
	go func() {
		msg, err := decoder.Decode()
		if err != nil {
			errCh <- err
			return
		}
		readyCh <- msg
	}()

	select {
	case <-time.After(t.cfg.StartupTimeout):
		return engine.NewTransientError("timeout waiting for runner READY", nil).
			WithCode(engine.ErrCodeTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return engine.NewPermanentError("failed to receive READY", err).
			WithCode(engine.ErrCodeInternal)
	case msg := <-readyCh:
		if msg.Type != protocol.MessageTypeReady {
			return engine.NewPermanentError("expected READY, got "+string(msg.Type), nil).
				WithCode(engine.ErrCodeInternal)
		}
		return nil
	}
}

// streamError classifies a broken runner stream: a cancelled or expired
// context means the process was killed on purpose.
func (t *Transformer) streamError(ctx context.Context, err error, stderr *bytes.Buffer) error {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return engine.NewTransientError("runner execution timed out", ctx.Err()).
				WithCode(engine.ErrCodeTimeout).
				WithKind(engine.ResultTimeout)
		}
		return ctx.Err()
	}
	return engine.NewPermanentError(withStderr("runner stream ended", stderr), err).
		WithCode(engine.ErrCodeInternal)
}

// errorFromMessage reconstructs an engine error from the runner's error
// taxonomy.
func errorFromMessage(errMsg *protocol.ErrorMessage) error {
	switch errMsg.Code {
	case protocol.ErrCodeCompilation:
		return engine.NewPermanentError(errMsg.Message, nil).
			WithCode(engine.ErrCodeCompilation).
			WithKind(engine.ResultCompilationError)
	case protocol.ErrCodeTimeout:
		return engine.NewTransientError(errMsg.Message, nil).
			WithCode(engine.ErrCodeTimeout).
			WithKind(engine.ResultTimeout)
	case protocol.ErrCodePermission:
		return engine.NewPermanentError(errMsg.Message, nil).
			WithCode(engine.ErrCodePermissionDenied).
			WithKind(engine.ResultPermissionError)
	case protocol.ErrCodeUnsupported:
		return engine.NewPermanentError(errMsg.Message, nil).
			WithCode(engine.ErrCodeValidation).
			WithKind(engine.ResultCompilationError)
	default:
		return engine.NewPermanentError(errMsg.Message, nil).
			WithCode(engine.ErrCodeTransformFailed).
			WithKind(engine.ResultRuntimeError)
	}
}

// limitsFromSpec converts the engine's execution spec into wire limits.
func limitsFromSpec(spec engine.ExecutionSpec) protocol.ExecLimits {
	l := protocol.ExecLimits{
		TimeoutMS:        spec.Timeout.Milliseconds(),
		MemoryLimitBytes: spec.MemoryLimitBytes,
		Sandboxed:        spec.Sandboxed,
	}
	for _, c := range spec.AllowedCapabilities {
		l.AllowedCapabilities = append(l.AllowedCapabilities, string(c))
	}
	return l
}

func withStderr(msg string, stderr *bytes.Buffer) string {
	tail := strings.TrimSpace(stderr.String())
	if tail == "" {
		return msg
	}
	if len(tail) > 512 {
		tail = tail[len(tail)-512:]
	}
	return fmt.Sprintf("%s: %s", msg, tail)
}
