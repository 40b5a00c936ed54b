// Package starlark implements the Starlark transformation runtime.
// Transformation content is a Starlark module that defines a
// transform(data) function; the runtime calls it with the mapped input
// snapshot and expects a dict of output values back. Execution is
// deterministic: no filesystem, network, or clock access is exposed.
package starlark

import (
	"context"
	"errors"

	starlib "go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"

	"github.com/slateboard/slateboard/pkg/engine"
)

const runtimeVersion = "1.0.0"

// Runtime executes Starlark transformation content. A single Runtime is
// safe for concurrent use; every Transform call runs on a fresh thread.
type Runtime struct{}

// New creates a Starlark runtime.
func New() *Runtime {
	return &Runtime{}
}

// Metadata returns the runtime descriptor.
func (r *Runtime) Metadata() engine.TransformerMetadata {
	return engine.TransformerMetadata{
		Name:        "starlark",
		Version:     runtimeVersion,
		ContentType: "starlark",
		Description: "Deterministic Starlark transformation runtime",
	}
}

// Validate parses the content without executing it. The content must be
// syntactically valid and define a top-level transform function.
func (r *Runtime) Validate(ctx context.Context, content []byte, spec engine.ExecutionSpec) error {
	f, err := syntax.Parse("transform.star", content, 0)
	if err != nil {
		return engine.NewPermanentError("starlark syntax error", err).
			WithCode(engine.ErrCodeCompilation).
			WithKind(engine.ResultCompilationError)
	}
	if !definesTransform(f) {
		return engine.NewPermanentError("content must define a transform function", nil).
			WithCode(engine.ErrCodeCompilation).
			WithKind(engine.ResultCompilationError)
	}
	return nil
}

// Transform executes the content's transform function against the mapped
// inputs. The context deadline is enforced by cancelling the Starlark
// thread, so runaway loops stop promptly.
func (r *Runtime) Transform(ctx context.Context, req *engine.TransformRequest) (engine.Values, error) {
	if req.Spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Spec.Timeout)
		defer cancel()
	}

	thread := &starlib.Thread{
		Name:  "transform:" + req.EdgeID,
		Print: func(*starlib.Thread, string) {},
	}

	type outcome struct {
		outputs engine.Values
		err     error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		outputs, err := r.execute(thread, req)
		resultCh <- outcome{outputs, err}
	}()

	select {
	case <-ctx.Done():
		thread.Cancel("execution cancelled")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, engine.NewTransientError("starlark execution timed out", ctx.Err()).
				WithCode(engine.ErrCodeTimeout).
				WithKind(engine.ResultTimeout)
		}
		return nil, ctx.Err()
	case res := <-resultCh:
		return res.outputs, res.err
	}
}

// Close releases runtime resources. The Starlark runtime holds none.
func (r *Runtime) Close(ctx context.Context) error {
	return nil
}

func (r *Runtime) execute(thread *starlib.Thread, req *engine.TransformRequest) (engine.Values, error) {
	data, err := toStarlark(req.MappedInputs())
	if err != nil {
		return nil, engine.NewPermanentError("failed to convert inputs", err).
			WithCode(engine.ErrCodeTransformFailed)
	}

	cfg := req.Config
	if cfg == nil {
		cfg = engine.Values{}
	}
	cfgVal, err := toStarlark(cfg)
	if err != nil {
		return nil, engine.NewPermanentError("failed to convert config", err).
			WithCode(engine.ErrCodeTransformFailed)
	}

	predeclared := starlib.StringDict{
		"struct": starlib.NewBuiltin("struct", starlarkstruct.Make),
		"json":   starjson.Module,
		"math":   starmath.Module,
		"config": cfgVal,
	}

	globals, err := starlib.ExecFile(thread, "transform.star", req.Content, predeclared)
	if err != nil {
		return nil, asTransformError(err)
	}

	fn, ok := globals["transform"]
	if !ok {
		return nil, engine.NewPermanentError("content does not define transform()", nil).
			WithCode(engine.ErrCodeCompilation).
			WithKind(engine.ResultCompilationError)
	}

	out, err := starlib.Call(thread, fn, starlib.Tuple{data}, nil)
	if err != nil {
		return nil, asTransformError(err)
	}

	converted, err := fromStarlark(out)
	if err != nil {
		return nil, engine.NewPermanentError("failed to convert outputs", err).
			WithCode(engine.ErrCodeTransformFailed)
	}
	outputs, ok := converted.(map[string]interface{})
	if !ok {
		return nil, engine.NewPermanentError("transform() must return a dict", nil).
			WithCode(engine.ErrCodeTransformFailed).
			WithKind(engine.ResultRuntimeError)
	}
	return engine.Values(outputs), nil
}

// asTransformError classifies a Starlark failure. Evaluation errors carry a
// backtrace and map to runtime failures; everything else surfaced before
// evaluation began and maps to a compilation failure.
func asTransformError(err error) error {
	var evalErr *starlib.EvalError
	if errors.As(err, &evalErr) {
		return engine.NewPermanentError("starlark evaluation failed", err).
			WithCode(engine.ErrCodeTransformFailed).
			WithKind(engine.ResultRuntimeError)
	}
	return engine.NewPermanentError("starlark compilation failed", err).
		WithCode(engine.ErrCodeCompilation).
		WithKind(engine.ResultCompilationError)
}

// definesTransform reports whether the parsed file binds a top-level
// transform, either as a def or by assignment.
func definesTransform(f *syntax.File) bool {
	for _, stmt := range f.Stmts {
		switch s := stmt.(type) {
		case *syntax.DefStmt:
			if s.Name != nil && s.Name.Name == "transform" {
				return true
			}
		case *syntax.AssignStmt:
			if s.Op != syntax.EQ {
				continue
			}
			if ident, ok := s.LHS.(*syntax.Ident); ok && ident.Name == "transform" {
				return true
			}
		}
	}
	return false
}
