// Package kerneltest provides in-memory kernels for tests.
package kerneltest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/waldiez/studio/internal/kernel"
)

// Result scripts how a fake kernel reacts to one execute request.
type Result struct {
	// Output is published on iopub before the reply.
	Output []*kernel.Message
	// Status is the execute_reply status; "ok" when empty.
	Status string
	// Hang withholds the reply so callers time out.
	Hang bool
	// Err makes Execute itself fail.
	Err error
}

// Kernel is a scriptable kernel.Kernel.
type Kernel struct {
	// Exec decides the result for each submitted cell. Nil means ok.
	Exec func(code string) Result

	Interrupts atomic.Int32
	Restarts   atomic.Int32
	Shutdowns  atomic.Int32
	// Gone makes Interrupt fail as a stopped kernel process does.
	Gone atomic.Bool

	mu       sync.Mutex
	executed []string
	inputs   []string
	clients  []*Client
}

// Executed returns the code submitted so far, in order.
func (k *Kernel) Executed() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.executed...)
}

// Inputs returns the input replies received so far.
func (k *Kernel) Inputs() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.inputs...)
}

// RequestInput pushes an input_request to every connected client.
func (k *Kernel) RequestInput(prompt string, password bool) {
	k.mu.Lock()
	clients := append([]*Client(nil), k.clients...)
	k.mu.Unlock()
	for _, c := range clients {
		c.stdin <- Message("input_request", map[string]any{"prompt": prompt, "password": password})
	}
}

func (k *Kernel) NewClient() kernel.Client {
	c := &Client{
		k:       k,
		iopub:   make(chan *kernel.Message, 256),
		stdin:   make(chan *kernel.Message, 16),
		replies: make(map[string]chan *kernel.Message),
	}
	k.mu.Lock()
	k.clients = append(k.clients, c)
	k.mu.Unlock()
	return c
}

func (k *Kernel) Interrupt(context.Context) error {
	if k.Gone.Load() {
		return kernel.ErrNoKernel
	}
	k.Interrupts.Add(1)
	return nil
}

func (k *Kernel) Restart(context.Context) error { k.Restarts.Add(1); return nil }

func (k *Kernel) Shutdown(context.Context, bool) error {
	k.Shutdowns.Add(1)
	return nil
}

// Client is the fake kernel's client side.
type Client struct {
	k       *Kernel
	iopub   chan *kernel.Message
	stdin   chan *kernel.Message
	mu      sync.Mutex
	replies map[string]chan *kernel.Message
	stopped bool
}

func (c *Client) Start(context.Context) error     { return nil }
func (c *Client) WaitReady(context.Context) error { return nil }

func (c *Client) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

func (c *Client) IOPub() <-chan *kernel.Message         { return c.iopub }
func (c *Client) StdinRequests() <-chan *kernel.Message { return c.stdin }

func (c *Client) Execute(_ context.Context, code string) (string, error) {
	c.k.mu.Lock()
	c.k.executed = append(c.k.executed, code)
	c.k.mu.Unlock()

	res := Result{Status: "ok"}
	if c.k.Exec != nil {
		res = c.k.Exec(code)
	}
	if res.Err != nil {
		return "", res.Err
	}
	id := uuid.NewString()
	ch := make(chan *kernel.Message, 1)
	c.mu.Lock()
	c.replies[id] = ch
	c.mu.Unlock()

	c.iopub <- Message("status", map[string]any{"execution_state": "busy"})
	for _, m := range res.Output {
		c.iopub <- m
	}
	if !res.Hang {
		status := res.Status
		if status == "" {
			status = "ok"
		}
		c.iopub <- Message("status", map[string]any{"execution_state": "idle"})
		ch <- Message("execute_reply", map[string]any{"status": status})
	}
	return id, nil
}

func (c *Client) Reply(ctx context.Context, msgID string) (*kernel.Message, error) {
	c.mu.Lock()
	ch, ok := c.replies[msgID]
	c.mu.Unlock()
	if !ok {
		return nil, errors.New("unknown request")
	}
	select {
	case m := <-ch:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) Input(value string) error {
	c.k.mu.Lock()
	c.k.inputs = append(c.k.inputs, value)
	c.k.mu.Unlock()
	return nil
}

// Message builds a protocol message of the given type.
func Message(msgType string, content map[string]any) *kernel.Message {
	return &kernel.Message{
		Header:  kernel.Header{MsgID: uuid.NewString(), MsgType: msgType},
		Content: content,
	}
}

// Stream builds an iopub stream message.
func Stream(name, text string) *kernel.Message {
	return Message("stream", map[string]any{"name": name, "text": text})
}

// Error builds an iopub error message.
func Error(ename, evalue string, traceback ...string) *kernel.Message {
	tb := make([]any, len(traceback))
	for i, line := range traceback {
		tb[i] = line
	}
	return Message("error", map[string]any{"ename": ename, "evalue": evalue, "traceback": tb})
}

// Display builds an iopub display_data message.
func Display(data map[string]any) *kernel.Message {
	return Message("display_data", map[string]any{"data": data, "metadata": map[string]any{}})
}

// Launcher returns a kernel.Launcher that hands out k and counts launches.
func Launcher(k *Kernel, launches *atomic.Int32) kernel.Launcher {
	return func(context.Context) (kernel.Kernel, error) {
		if launches != nil {
			launches.Add(1)
		}
		return k, nil
	}
}
