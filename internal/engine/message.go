package engine

import (
	"encoding/json"
	"fmt"
)

// Server to client message types.
const (
	TypeRunStatus     = "run_status"
	TypeRunStdout     = "run_stdout"
	TypeRunStderr     = "run_stderr"
	TypeRunStdinAck   = "run_stdin_ack"
	TypeRunStdinError = "run_stdin_error"
	TypeRunEnd        = "run_end"
	TypeCellStart     = "cell_start"
	TypeCellOutput    = "cell_output"
	TypeCellEnd       = "cell_end"
	TypeKernelStatus  = "kernel_status"
	TypeInputRequest  = "input_request"
	TypeCompileStart  = "compile_start"
	TypeCompileEnd    = "compile_end"
	TypeCompileError  = "compile_error"
	TypeError         = "error"
	TypeResults       = "results"
)

// Client to server ops.
const (
	OpStart          = "start"
	OpStdin          = "stdin"
	OpStdinEOF       = "stdin_eof"
	OpInterrupt      = "interrupt"
	OpRestart        = "restart"
	OpTerminate      = "terminate"
	OpShutdown       = "shutdown"
	OpKill           = "kill"
	OpInputReply     = "input_reply"
	OpWaldiezRespond = "waldiez_respond"
	OpWaldiezControl = "waldiez_control"
)

// Run statuses reported in run_end and cell_end.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
	StatusAborted = "aborted"
)

// Message is one server to client event.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// NewMessage builds a message whose data is a JSON object.
func NewMessage(typ string, data map[string]any) Message {
	return Message{Type: typ, Data: data}
}

// Text builds a run_stdout/run_stderr style message.
func Text(typ, text string) Message {
	return Message{Type: typ, Data: map[string]any{"text": text}}
}

// Command is a decoded client control message. Field access is lenient
// because the client protocol is loosely typed.
type Command map[string]any

// DecodeCommand parses a client frame. Anything other than a JSON object is
// rejected.
func DecodeCommand(raw []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	if cmd == nil {
		return nil, fmt.Errorf("invalid message: expected an object")
	}
	return cmd, nil
}

// Op returns the command's op field.
func (c Command) Op() string {
	return c.String("op")
}

// String returns key as a string, or "" when absent or not a string.
func (c Command) String(key string) string {
	if s, ok := c[key].(string); ok {
		return s
	}
	return ""
}

// Bool reports whether key holds a truthy value.
func (c Command) Bool(key string) bool {
	switch v := c[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v == "true" || v == "1"
	}
	return false
}

// Strings returns key as a list of strings, stringifying non-string items.
func (c Command) Strings(key string) []string {
	items, ok := c[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
			continue
		}
		out = append(out, fmt.Sprint(item))
	}
	return out
}

// StringMap returns key as a string map, stringifying values.
func (c Command) StringMap(key string) map[string]string {
	m, ok := c[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}
