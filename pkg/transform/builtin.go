package transform

import (
	"github.com/slateboard/slateboard/pkg/transform/starlark"
	"github.com/slateboard/slateboard/pkg/transform/subprocess"
	"github.com/slateboard/slateboard/pkg/transform/wasm"
)

// BuiltinConfig configures the built-in runtimes.
type BuiltinConfig struct {
	// Wasm configures the in-process WASM runtime.
	Wasm wasm.Config

	// Subprocess configures the slate-runner delegation runtime.
	Subprocess subprocess.Config
}

// RegisterBuiltins registers the starlark, wasm, and subprocess runtimes.
// Registration stops at the first failure, which with a fresh registry
// only happens when the allowlist rejects a runtime's required
// capabilities.
func RegisterBuiltins(r *Registry, cfg BuiltinConfig) error {
	if err := r.Register(starlark.New()); err != nil {
		return err
	}
	if err := r.Register(wasm.New(cfg.Wasm)); err != nil {
		return err
	}
	if err := r.Register(subprocess.New(cfg.Subprocess)); err != nil {
		return err
	}
	return nil
}
