// Package runner implements the slate-runner transformation host: a
// self-contained process that receives validate and transform commands as
// JSON-over-stdio and dispatches them to registered content runtimes. The
// engine spawns one runner per transformation when a connection requests
// sandboxed execution, so a misbehaving transformation can be killed without
// touching the engine process.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/slateboard/slateboard/pkg/engine"
	"github.com/slateboard/slateboard/pkg/runner/protocol"
)

const (
	defaultVersion = "1.0.0"
	defaultTTL     = 10 * time.Minute
)

// Config configures a runner server.
type Config struct {
	// Version is reported in the READY handshake.
	Version string

	// TTL bounds the lifetime of the serve loop. The runner exits cleanly
	// once the TTL elapses, checked between commands. Zero means the
	// default of 10 minutes.
	TTL time.Duration
}

// Server reads protocol commands from an input stream and executes them
// against registered content runtimes. Runtimes must be registered before
// Serve is called; the serve loop reads from a single goroutine.
type Server struct {
	encoder      *protocol.Encoder
	decoder      *protocol.Decoder
	runtimes     map[string]engine.Transformer
	version      string
	ttl          time.Duration
	commandCount int
	startTime    time.Time
}

// New creates a runner server over the given streams. In the slate-runner
// binary these are stdin and stdout; tests use in-memory pipes.
func New(r io.Reader, w io.Writer, cfg Config) *Server {
	if cfg.Version == "" {
		cfg.Version = defaultVersion
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	return &Server{
		encoder:   protocol.NewEncoder(w),
		decoder:   protocol.NewDecoder(r),
		runtimes:  make(map[string]engine.Transformer),
		version:   cfg.Version,
		ttl:       cfg.TTL,
		startTime: time.Now(),
	}
}

// Register adds a content runtime. Each content type can have exactly one
// runtime.
func (s *Server) Register(t engine.Transformer) error {
	if t == nil {
		return fmt.Errorf("runtime is nil")
	}
	ct := t.Metadata().ContentType
	if ct == "" {
		return fmt.Errorf("runtime has no content type")
	}
	if _, exists := s.runtimes[ct]; exists {
		return fmt.Errorf("runtime already registered for content type %q", ct)
	}
	s.runtimes[ct] = t
	return nil
}

// Serve runs the command loop: send READY, then process commands until the
// input stream closes, the TTL elapses, or the context is cancelled. The
// EXIT message is always sent before returning.
func (s *Server) Serve(ctx context.Context) error {
	defer s.closeRuntimes()

	if err := s.sendReady(); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.ttl)
	defer cancel()

	exitCode := 0
	reason := "completed"
	var loopErr error

loop:
	for {
		select {
		case <-runCtx.Done():
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				reason = "ttl_expired"
			} else {
				reason = "cancelled"
			}
			break loop
		default:
			if err := s.processNextCommand(runCtx); err != nil {
				if errors.Is(err, io.EOF) {
					reason = "stdin_closed"
					break loop
				}
				reason = "error"
				exitCode = 1
				loopErr = err
				break loop
			}
		}
	}

	exitMsg := &protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      exitCode,
		CommandsTotal: s.commandCount,
	}
	if err := s.encoder.EncodeExit(exitMsg); err != nil && loopErr == nil {
		loopErr = fmt.Errorf("failed to send exit: %w", err)
	}
	return loopErr
}

func (s *Server) sendReady() error {
	contentTypes := make([]string, 0, len(s.runtimes))
	for ct := range s.runtimes {
		contentTypes = append(contentTypes, ct)
	}
	sort.Strings(contentTypes)

	ready := &protocol.ReadyMessage{
		Version:      s.version,
		Platform:     runtime.GOOS,
		Arch:         runtime.GOARCH,
		PID:          os.Getpid(),
		ContentTypes: contentTypes,
		Metadata: map[string]string{
			"ttl": s.ttl.String(),
		},
	}
	return s.encoder.EncodeReady(ready)
}

func (s *Server) processNextCommand(ctx context.Context) error {
	cmd, err := s.decoder.DecodeCommand()
	if err != nil {
		return err
	}

	s.commandCount++

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.TimeoutMS)*time.Millisecond)
	defer cancel()

	// Events are forwarded from a single goroutine and drained before the
	// terminal message so the output stream never interleaves.
	eventCh := make(chan *protocol.EventMessage, 10)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for evt := range eventCh {
			_ = s.encoder.EncodeEvent(evt)
		}
	}()

	start := time.Now()
	result, errMsg := s.handleCommand(cmdCtx, cmd, eventCh)
	duration := time.Since(start).Seconds()

	close(eventCh)
	<-forwarded

	if errMsg != nil {
		return s.encoder.EncodeError(errMsg)
	}

	return s.encoder.EncodeDone(&protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    result,
		Duration:  duration,
	})
}

func (s *Server) closeRuntimes() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, t := range s.runtimes {
		_ = t.Close(ctx)
	}
}
