package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/slateboard/slateboard/pkg/engine"
	"github.com/slateboard/slateboard/pkg/runner/protocol"
)

func (s *Server) handleCommand(ctx context.Context, cmd *protocol.CommandMessage, events chan<- *protocol.EventMessage) (json.RawMessage, *protocol.ErrorMessage) {
	switch cmd.Type {
	case protocol.CommandTypeValidate:
		return s.handleValidate(ctx, cmd)
	case protocol.CommandTypeTransform:
		return s.handleTransform(ctx, cmd, events)
	default:
		return nil, &protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      protocol.ErrCodeBadCommand,
			Message:   fmt.Sprintf("unsupported command type: %s", cmd.Type),
		}
	}
}

func (s *Server) handleValidate(ctx context.Context, cmd *protocol.CommandMessage) (json.RawMessage, *protocol.ErrorMessage) {
	var params protocol.ValidateParams
	if err := protocol.ParseParams(cmd.Params, &params); err != nil {
		return nil, badParams(cmd.ID, err)
	}

	t, errMsg := s.lookup(cmd.ID, params.ContentType)
	if errMsg != nil {
		return nil, errMsg
	}

	spec := specFromLimits(params.Limits)
	vctx, cancel := limitContext(ctx, params.Limits)
	defer cancel()

	if err := t.Validate(vctx, params.Content, spec); err != nil {
		// Validation rejections are compilation errors unless the runtime
		// classified them otherwise.
		if engine.ResultKindOf(err) == engine.ResultRuntimeError {
			err = engine.NewPermanentError("content validation failed", err).
				WithCode(engine.ErrCodeCompilation).
				WithKind(engine.ResultCompilationError)
		}
		return nil, errorMessageFor(cmd.ID, err)
	}

	result, err := json.Marshal(&protocol.ValidateResult{Valid: true})
	if err != nil {
		return nil, errorMessageFor(cmd.ID, err)
	}
	return result, nil
}

func (s *Server) handleTransform(ctx context.Context, cmd *protocol.CommandMessage, events chan<- *protocol.EventMessage) (json.RawMessage, *protocol.ErrorMessage) {
	var params protocol.TransformParams
	if err := protocol.ParseParams(cmd.Params, &params); err != nil {
		return nil, badParams(cmd.ID, err)
	}

	t, errMsg := s.lookup(cmd.ID, params.ContentType)
	if errMsg != nil {
		return nil, errMsg
	}

	events <- &protocol.EventMessage{
		CommandID: cmd.ID,
		Level:     "info",
		Message:   fmt.Sprintf("executing %s transformation for edge %s", params.ContentType, params.EdgeID),
	}

	req := &engine.TransformRequest{
		EdgeID:       params.EdgeID,
		Content:      params.Content,
		SourceData:   params.SourceData,
		InputMapping: params.InputMapping,
		Config:       params.Config,
		Spec:         specFromLimits(params.Limits),
	}

	tctx, cancel := limitContext(ctx, params.Limits)
	defer cancel()

	outputs, err := t.Transform(tctx, req)
	if err != nil {
		return nil, errorMessageFor(cmd.ID, err)
	}

	result, err := json.Marshal(&protocol.TransformResult{Outputs: outputs})
	if err != nil {
		return nil, errorMessageFor(cmd.ID, err)
	}
	return result, nil
}

func (s *Server) lookup(commandID, contentType string) (engine.Transformer, *protocol.ErrorMessage) {
	t, ok := s.runtimes[contentType]
	if !ok {
		return nil, &protocol.ErrorMessage{
			CommandID: commandID,
			Code:      protocol.ErrCodeUnsupported,
			Message:   fmt.Sprintf("no runtime for content type %q", contentType),
		}
	}
	return t, nil
}

// specFromLimits converts wire limits into the engine's execution spec.
func specFromLimits(l protocol.ExecLimits) engine.ExecutionSpec {
	spec := engine.ExecutionSpec{
		Timeout:          time.Duration(l.TimeoutMS) * time.Millisecond,
		MemoryLimitBytes: l.MemoryLimitBytes,
		Sandboxed:        l.Sandboxed,
	}
	for _, c := range l.AllowedCapabilities {
		spec.AllowedCapabilities = append(spec.AllowedCapabilities, engine.Capability(c))
	}
	return spec
}

// limitContext layers the limit timeout onto the command context, so the
// effective deadline is whichever is sooner.
func limitContext(ctx context.Context, l protocol.ExecLimits) (context.Context, context.CancelFunc) {
	if l.TimeoutMS > 0 {
		return context.WithTimeout(ctx, time.Duration(l.TimeoutMS)*time.Millisecond)
	}
	return context.WithCancel(ctx)
}

func badParams(commandID string, err error) *protocol.ErrorMessage {
	return &protocol.ErrorMessage{
		CommandID: commandID,
		Code:      protocol.ErrCodeBadCommand,
		Message:   err.Error(),
	}
}

// errorMessageFor maps an execution error onto the protocol's error
// taxonomy so the engine side can reconstruct the result kind.
func errorMessageFor(commandID string, err error) *protocol.ErrorMessage {
	code := protocol.ErrCodeRuntime
	switch engine.ResultKindOf(err) {
	case engine.ResultCompilationError:
		code = protocol.ErrCodeCompilation
	case engine.ResultTimeout:
		code = protocol.ErrCodeTimeout
	case engine.ResultPermissionError:
		code = protocol.ErrCodePermission
	}
	return &protocol.ErrorMessage{
		CommandID: commandID,
		Code:      code,
		Message:   err.Error(),
		Retryable: engine.IsRetryable(err) || code == protocol.ErrCodeTimeout,
	}
}
