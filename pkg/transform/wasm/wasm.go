// Package wasm implements the WASI transformation runtime. Transformation
// content is a compiled wasm command module: the runtime pipes the mapped
// input snapshot as JSON into stdin, runs _start, and parses stdout as the
// output value map. Every execution gets a fresh module instance in its own
// wazero runtime, so no state survives between invocations and the memory
// limit applies per call; compiled code is shared through a compilation
// cache.
package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/slateboard/slateboard/pkg/engine"
)

const (
	runtimeVersion = "1.0.0"

	// wasmPageSize is the WebAssembly page granularity.
	wasmPageSize = 64 * 1024

	// defaultMemoryLimitPages caps module memory at 16MB unless the
	// execution spec asks for less.
	defaultMemoryLimitPages = 256
)

// Config configures the WASI runtime.
type Config struct {
	// MemoryLimitPages is the default module memory limit in 64KB pages.
	// Zero means 256 pages (16MB).
	MemoryLimitPages uint32
}

// Runtime executes wasm transformation content. Safe for concurrent use.
type Runtime struct {
	cache            wazero.CompilationCache
	memoryLimitPages uint32
}

// New creates a WASI runtime.
func New(cfg Config) *Runtime {
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = defaultMemoryLimitPages
	}
	return &Runtime{
		cache:            wazero.NewCompilationCache(),
		memoryLimitPages: cfg.MemoryLimitPages,
	}
}

// Metadata returns the runtime descriptor.
func (r *Runtime) Metadata() engine.TransformerMetadata {
	return engine.TransformerMetadata{
		Name:        "wasm",
		Version:     runtimeVersion,
		ContentType: "wasm",
		Description: "WASI command-module transformation runtime",
	}
}

// Validate compiles the module without executing it. The module must be a
// valid wasm binary exporting a _start function.
func (r *Runtime) Validate(ctx context.Context, content []byte, spec engine.ExecutionSpec) error {
	rt := r.newRuntime(ctx, spec)
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, content)
	if err != nil {
		return engine.NewPermanentError("wasm module failed to compile", err).
			WithCode(engine.ErrCodeCompilation).
			WithKind(engine.ResultCompilationError)
	}

	if _, ok := compiled.ExportedFunctions()["_start"]; !ok {
		return engine.NewPermanentError("wasm module does not export _start", nil).
			WithCode(engine.ErrCodeCompilation).
			WithKind(engine.ResultCompilationError)
	}
	return nil
}

// moduleInput is the JSON document piped into the module's stdin.
type moduleInput struct {
	Data   map[string]interface{} `json:"data"`
	Config map[string]interface{} `json:"config,omitempty"`
}

// Transform runs the module against the mapped inputs. The module reads one
// JSON document from stdin and writes a JSON object of outputs to stdout.
func (r *Runtime) Transform(ctx context.Context, req *engine.TransformRequest) (engine.Values, error) {
	if req.Spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Spec.Timeout)
		defer cancel()
	}

	input, err := json.Marshal(moduleInput{
		Data:   req.MappedInputs(),
		Config: req.Config,
	})
	if err != nil {
		return nil, engine.NewPermanentError("failed to encode module input", err).
			WithCode(engine.ErrCodeTransformFailed)
	}

	rt := r.newRuntime(ctx, req.Spec)
	defer rt.Close(context.WithoutCancel(ctx))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return nil, engine.NewPermanentError("failed to instantiate WASI", err).
			WithCode(engine.ErrCodeTransformFailed)
	}

	compiled, err := rt.CompileModule(ctx, req.Content)
	if err != nil {
		return nil, engine.NewPermanentError("wasm module failed to compile", err).
			WithCode(engine.ErrCodeCompilation).
			WithKind(engine.ResultCompilationError)
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("transform").
		WithArgs("transform").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := rt.InstantiateModule(ctx, compiled, modCfg)
	if mod != nil {
		defer mod.Close(context.WithoutCancel(ctx))
	}
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
			err = nil
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, engine.NewTransientError("wasm execution timed out", ctx.Err()).
					WithCode(engine.ErrCodeTimeout).
					WithKind(engine.ResultTimeout)
			}
			return nil, ctx.Err()
		}
		return nil, engine.NewPermanentError(runFailureMessage(&stderr), err).
			WithCode(engine.ErrCodeTransformFailed).
			WithKind(engine.ResultRuntimeError)
	}

	if stdout.Len() == 0 {
		return nil, engine.NewPermanentError("wasm module produced no output", nil).
			WithCode(engine.ErrCodeTransformFailed).
			WithKind(engine.ResultRuntimeError)
	}

	var outputs map[string]interface{}
	if err := json.Unmarshal(stdout.Bytes(), &outputs); err != nil {
		return nil, engine.NewPermanentError("wasm module output is not a JSON object", err).
			WithCode(engine.ErrCodeTransformFailed).
			WithKind(engine.ResultRuntimeError)
	}
	return engine.Values(outputs), nil
}

// Close releases the shared compilation cache.
func (r *Runtime) Close(ctx context.Context) error {
	return r.cache.Close(ctx)
}

// newRuntime builds a single-use wazero runtime honoring the execution
// spec's memory limit. Compiled code is reused through the shared cache.
func (r *Runtime) newRuntime(ctx context.Context, spec engine.ExecutionSpec) wazero.Runtime {
	pages := r.memoryLimitPages
	if spec.MemoryLimitBytes > 0 {
		pages = pagesFor(spec.MemoryLimitBytes)
	}
	cfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true).
		WithCompilationCache(r.cache)
	return wazero.NewRuntimeWithConfig(ctx, cfg)
}

// pagesFor converts a byte limit into wasm pages, rounding up.
func pagesFor(limitBytes int64) uint32 {
	pages := (limitBytes + wasmPageSize - 1) / wasmPageSize
	if pages < 1 {
		pages = 1
	}
	if pages > 65536 {
		pages = 65536
	}
	return uint32(pages)
}

func runFailureMessage(stderr *bytes.Buffer) string {
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		return "wasm execution failed"
	}
	if len(msg) > 1024 {
		msg = msg[:1024]
	}
	return fmt.Sprintf("wasm execution failed: %s", msg)
}
