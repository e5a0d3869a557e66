// Package kernel manages the shared interactive Python kernel used by the
// notebook engine and speaks the Jupyter messaging protocol to it.
package kernel

import (
	"context"
	"errors"
)

var (
	// ErrNoKernel is returned by kernel operations after its process has
	// been stopped.
	ErrNoKernel = errors.New("no kernel running")
	// ErrClientClosed is returned by client calls after Stop.
	ErrClientClosed = errors.New("kernel client closed")
)

// Header is the Jupyter message header.
type Header struct {
	MsgID    string `json:"msg_id"`
	Session  string `json:"session"`
	Username string `json:"username"`
	Date     string `json:"date"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

// Message is a decoded Jupyter protocol message.
type Message struct {
	Identities   [][]byte
	Header       Header
	ParentHeader Header
	Metadata     map[string]any
	Content      map[string]any
}

// Type returns the message type from the header.
func (m *Message) Type() string {
	if m == nil {
		return ""
	}
	return m.Header.MsgType
}

// ContentString returns a string field of the content.
func (m *Message) ContentString(key string) string {
	if m == nil {
		return ""
	}
	s, _ := m.Content[key].(string)
	return s
}

// Kernel is a running kernel process.
type Kernel interface {
	// NewClient returns an unconnected client for this kernel.
	NewClient() Client
	Interrupt(ctx context.Context) error
	Restart(ctx context.Context) error
	// Shutdown stops the kernel. With now=false the kernel is first asked to
	// exit on its own.
	Shutdown(ctx context.Context, now bool) error
}

// Client is one connection to a kernel's channels.
type Client interface {
	// Start connects the channels.
	Start(ctx context.Context) error
	// Stop disconnects; it is safe to call more than once.
	Stop()
	// WaitReady blocks until the kernel answers a kernel_info_request.
	WaitReady(ctx context.Context) error
	// Execute submits code and returns the request's msg_id.
	Execute(ctx context.Context, code string) (string, error)
	// Reply waits for the shell reply to the request msgID.
	Reply(ctx context.Context, msgID string) (*Message, error)
	// IOPub delivers broadcast messages (status, stream, display data, errors).
	IOPub() <-chan *Message
	// StdinRequests delivers input_request messages.
	StdinRequests() <-chan *Message
	// Input answers the pending input_request.
	Input(value string) error
}

// Launcher starts a new kernel.
type Launcher func(ctx context.Context) (Kernel, error)
