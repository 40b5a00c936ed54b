package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// maxLineBytes caps a single envelope line. Inline payloads carry
// transformation sources and content blobs, so lines run far past the
// default 64 KB scanner limit.
const maxLineBytes = 10 << 20

// Encoder writes newline-delimited message envelopes to a stream.
// Every envelope is flushed as soon as it is written.
type Encoder struct {
	enc *json.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode wraps payload in an envelope of the given type and writes it.
func (e *Encoder) Encode(msgType MessageType, payload interface{}) error {
	if err := msgType.Validate(); err != nil {
		return err
	}

	msg := Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		msg.Data = data
	}

	if err := e.enc.Encode(&msg); err != nil {
		return fmt.Errorf("failed to write %s message: %w", msgType, err)
	}
	return nil
}

// EncodeReady writes a READY envelope.
func (e *Encoder) EncodeReady(ready *ReadyMessage) error {
	return e.Encode(MessageTypeReady, ready)
}

// EncodeCommand validates and writes a CMD envelope.
func (e *Encoder) EncodeCommand(cmd *CommandMessage) error {
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("command rejected: %w", err)
	}
	return e.Encode(MessageTypeCommand, cmd)
}

// EncodeEvent validates and writes an EVENT envelope.
func (e *Encoder) EncodeEvent(event *EventMessage) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("event rejected: %w", err)
	}
	return e.Encode(MessageTypeEvent, event)
}

// EncodeDone writes a DONE envelope.
func (e *Encoder) EncodeDone(done *DoneMessage) error {
	return e.Encode(MessageTypeDone, done)
}

// EncodeError writes an ERROR envelope.
func (e *Encoder) EncodeError(err *ErrorMessage) error {
	return e.Encode(MessageTypeError, err)
}

// EncodeExit writes an EXIT envelope.
func (e *Encoder) EncodeExit(exit *ExitMessage) error {
	return e.Encode(MessageTypeExit, exit)
}

// Decoder reads newline-delimited message envelopes from a stream.
type Decoder struct {
	scan *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Decoder{scan: scan}
}

// Decode reads the next envelope, skipping blank lines. It returns
// io.EOF once the stream ends.
func (d *Decoder) Decode() (*Message, error) {
	for d.scan.Scan() {
		line := bytes.TrimSpace(d.scan.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("malformed envelope: %w", err)
		}
		if err := msg.Type.Validate(); err != nil {
			return nil, fmt.Errorf("malformed envelope: %w", err)
		}
		return &msg, nil
	}

	if err := d.scan.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	return nil, io.EOF
}

// DecodeCommand reads the next envelope and requires it to be a valid
// CMD message.
func (d *Decoder) DecodeCommand() (*CommandMessage, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if msg.Type != MessageTypeCommand {
		return nil, fmt.Errorf("expected %s envelope, got %s", MessageTypeCommand, msg.Type)
	}

	var cmd CommandMessage
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		return nil, fmt.Errorf("malformed command payload: %w", err)
	}
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("command rejected: %w", err)
	}
	return &cmd, nil
}

// ParseParams unmarshals a raw payload into target.
func ParseParams(params json.RawMessage, target interface{}) error {
	if err := json.Unmarshal(params, target); err != nil {
		return fmt.Errorf("failed to decode params: %w", err)
	}
	return nil
}
