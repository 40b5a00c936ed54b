// Package protocol defines the JSON-over-stdio communication protocol
// between the engine and the slate-runner transformation process.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the kind of envelope on the wire.
type MessageType string

// Envelope types, in the order a session normally sees them.
const (
	MessageTypeReady   MessageType = "READY"
	MessageTypeCommand MessageType = "CMD"
	MessageTypeEvent   MessageType = "EVENT"
	MessageTypeDone    MessageType = "DONE"
	MessageTypeError   MessageType = "ERROR"
	MessageTypeExit    MessageType = "EXIT"
)

// CommandType identifies the operation a CMD envelope requests.
type CommandType string

const (
	// CommandTypeValidate checks transformation content without executing it.
	CommandTypeValidate CommandType = "validate"
	// CommandTypeTransform executes a transformation against source data.
	CommandTypeTransform CommandType = "transform"
)

// Error codes carried on ErrorMessage. They mirror the engine's result
// taxonomy so the client side can map a runner failure onto the right kind.
const (
	// ErrCodeCompilation indicates the content failed validation or parsing.
	ErrCodeCompilation = "COMPILATION_ERROR"
	// ErrCodeRuntime indicates the content raised an error while executing.
	ErrCodeRuntime = "RUNTIME_ERROR"
	// ErrCodeTimeout indicates the execution exceeded its deadline.
	ErrCodeTimeout = "TIMEOUT"
	// ErrCodePermission indicates the content used a capability outside its
	// allowlist.
	ErrCodePermission = "PERMISSION_DENIED"
	// ErrCodeUnsupported indicates the runner has no runtime for the
	// requested content type.
	ErrCodeUnsupported = "UNSUPPORTED_CONTENT_TYPE"
	// ErrCodeBadCommand indicates a malformed command.
	ErrCodeBadCommand = "BAD_COMMAND"
)

// Message is the envelope every protocol line carries. Data holds the
// payload for the envelope's type.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage announces the runner on startup, listing the content
// types its runtimes can execute.
type ReadyMessage struct {
	Version      string            `json:"version"`
	Platform     string            `json:"platform"`
	Arch         string            `json:"arch"`
	PID          int               `json:"pid"`
	ContentTypes []string          `json:"content_types"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// CommandMessage asks the runner to perform one operation. TimeoutMS
// bounds the whole command.
type CommandMessage struct {
	ID        string            `json:"id"`
	Type      CommandType       `json:"type"`
	TimeoutMS int64             `json:"timeout_ms"`
	Params    json.RawMessage   `json:"params"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// EventMessage streams progress while a command runs.
type EventMessage struct {
	CommandID string            `json:"command_id"`
	Level     string            `json:"level"` // debug, info, warn
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DoneMessage reports successful completion with the operation result.
type DoneMessage struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result"`
	Duration  float64         `json:"duration"` // seconds
}

// ErrorMessage reports a failed command. Retryable hints whether the
// engine may usefully try again.
type ErrorMessage struct {
	CommandID string            `json:"command_id,omitempty"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Retryable bool              `json:"retryable"`
}

// ExitMessage is the runner's last envelope before it terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	CommandsTotal int    `json:"commands_total"`
}

// ExecLimits bounds one execution. It mirrors the engine's execution
// spec so the protocol stays self-contained.
type ExecLimits struct {
	TimeoutMS           int64    `json:"timeout_ms,omitempty"`
	MemoryLimitBytes    int64    `json:"memory_limit_bytes,omitempty"`
	Sandboxed           bool     `json:"sandboxed,omitempty"`
	AllowedCapabilities []string `json:"allowed_capabilities,omitempty"`
}

// ValidateParams carries the content for a validate command.
type ValidateParams struct {
	ContentType string     `json:"content_type"`
	Content     []byte     `json:"content"`
	Limits      ExecLimits `json:"limits"`
}

// ValidateResult is the payload of a DONE answering a validate command.
// A failed validation is reported as an ERROR with code
// COMPILATION_ERROR, so a DONE carrying this result always means the
// content is valid.
type ValidateResult struct {
	Valid bool `json:"valid"`
}

// TransformParams carries everything a transform command needs: the
// content to run, the upstream source data, and the limits to run under.
type TransformParams struct {
	EdgeID       string                 `json:"edge_id"`
	ContentType  string                 `json:"content_type"`
	Content      []byte                 `json:"content"`
	SourceData   map[string]interface{} `json:"source_data"`
	InputMapping map[string]string      `json:"input_mapping,omitempty"`
	Config       map[string]interface{} `json:"config,omitempty"`
	Limits       ExecLimits             `json:"limits"`
}

// TransformResult is the payload of a DONE answering a transform
// command.
type TransformResult struct {
	Outputs map[string]interface{} `json:"outputs"`
}

// Validate rejects envelope types this protocol version does not know.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("unknown message type %q", mt)
	}
}

// Validate rejects command types this protocol version does not know.
func (ct CommandType) Validate() error {
	switch ct {
	case CommandTypeValidate, CommandTypeTransform:
		return nil
	default:
		return fmt.Errorf("unknown command type %q", ct)
	}
}

// Validate checks the fields every command must carry.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if err := cmd.Type.Validate(); err != nil {
		return err
	}
	if cmd.TimeoutMS <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if len(cmd.Params) == 0 {
		return fmt.Errorf("command params are required")
	}
	return nil
}

// Validate checks the event's fields, defaulting an empty level to
// info.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	switch evt.Level {
	case "":
		evt.Level = "info"
	case "debug", "info", "warn":
	default:
		return fmt.Errorf("unknown event level %q", evt.Level)
	}
	return nil
}
