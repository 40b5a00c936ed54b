// Package main implements the slate-runner binary: a self-contained
// transformation host that executes validate and transform commands
// received as JSON-over-stdio. The engine spawns one runner per sandboxed
// transformation and kills the process to halt it.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/slateboard/slateboard/pkg/runner"
	"github.com/slateboard/slateboard/pkg/transform/starlark"
	"github.com/slateboard/slateboard/pkg/transform/wasm"
)

const (
	version = "1.0.0"
	ttl     = 10 * time.Minute
)

func main() {
	srv := runner.New(os.Stdin, os.Stdout, runner.Config{
		Version: version,
		TTL:     ttl,
	})

	if err := srv.Register(starlark.New()); err != nil {
		fatal(err)
	}
	if err := srv.Register(wasm.New(wasm.Config{})); err != nil {
		fatal(err)
	}

	if err := srv.Serve(context.Background()); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "slate-runner: %v\n", err)
	os.Exit(1)
}
