package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/waldiez/studio/internal/common/logger"
	"github.com/waldiez/studio/internal/common/tracing"
	"github.com/waldiez/studio/internal/kernel"
)

const notebookQueueSize = 1000

// Notebook executes the code cells of an .ipynb file on the shared kernel.
//
// Cell failures are reported through cell_end; run_end is always "ok"
// because it describes the transport, not the notebook's content.
type Notebook struct {
	path string
	root string
	sink Sink
	opts Options
	log  *logger.Logger

	mu      sync.Mutex
	state   state
	client  kernel.Client
	detach  func()
	queue   *Queue
	sender  *sender
	started time.Time
	cancel  context.CancelFunc
	cells   chan struct{}

	executing atomic.Bool
	endOnce   sync.Once
}

// NewNotebook binds a notebook engine to path inside root.
func NewNotebook(path, root string, sink Sink, opts Options) *Notebook {
	opts = opts.withDefaults()
	return &Notebook{
		path: path,
		root: root,
		sink: sink,
		opts: opts,
		log:  opts.Logger.WithComponent("notebook-engine").WithFields(zap.String("file", path)),
	}
}

// notebookFile is the subset of nbformat the engine reads.
type notebookFile struct {
	Cells []struct {
		CellType string          `json:"cell_type"`
		Source   json.RawMessage `json:"source"`
	} `json:"cells"`
}

// cellSource joins nbformat sources, which are a string or a list of lines.
func cellSource(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var lines []string
	if err := json.Unmarshal(raw, &lines); err == nil {
		return strings.Join(lines, "")
	}
	return ""
}

func readCells(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var nb notebookFile
	if err := json.Unmarshal(data, &nb); err != nil {
		return nil, err
	}
	var code []string
	for _, c := range nb.Cells {
		if c.CellType == "code" {
			code = append(code, cellSource(c.Source))
		}
	}
	return code, nil
}

func (n *Notebook) Start(ctx context.Context, start Command) error {
	n.mu.Lock()
	if n.state != stateIdle {
		n.mu.Unlock()
		return nil
	}
	n.state = stateStarting
	n.mu.Unlock()

	ctx, span := tracing.Start(ctx, "engine", "engine.start",
		attribute.String("engine", "notebook"), attribute.String("file", n.path))
	err := n.connect(ctx, start.Bool("freshKernel"))
	tracing.End(span, err)
	if err != nil {
		n.log.Error("kernel unavailable", zap.Error(err))
		sendDirect(n.sink, n.log, Text(TypeRunStderr, fmt.Sprintf("Failed to start kernel: %v\n", err)))
		n.endOnce.Do(func() {
			n.mu.Lock()
			n.state = stateEnded
			n.mu.Unlock()
			sendDirect(n.sink, n.log, NewMessage(TypeRunEnd, map[string]any{"status": StatusError, "elapsedMs": 0}))
		})
		return err
	}

	n.started = time.Now()
	queue := NewQueue(notebookQueueSize)
	queue.Push(NewMessage(TypeRunStatus, map[string]any{"state": "started"}))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.mu.Lock()
	n.queue = queue
	n.sender = startSender(queue, n.sink, n.log)
	n.cancel = cancel
	n.detach = n.attach(runCtx, n.client)
	n.cells = make(chan struct{})
	n.state = stateRunning
	n.mu.Unlock()

	code, err := readCells(n.path)
	if err != nil {
		n.enqueue(Text(TypeRunStderr, fmt.Sprintf("Failed to read notebook: %v\n", err)))
		close(n.cells)
		return nil
	}
	go n.runCells(runCtx, code)
	return nil
}

// connect acquires the shared kernel and a ready client.
func (n *Notebook) connect(ctx context.Context, fresh bool) error {
	if n.opts.Kernels == nil {
		return errors.New("no kernel manager configured")
	}
	if fresh {
		if err := n.opts.Kernels.Shutdown(ctx, true); err != nil {
			n.log.Warn("discarding kernel failed", zap.Error(err))
		}
	}
	k, err := n.opts.Kernels.Get(ctx)
	if err != nil {
		return err
	}
	client := k.NewClient()
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("connect to kernel: %w", err)
	}
	readyCtx, cancel := context.WithTimeout(ctx, n.opts.ReadyTimeout)
	defer cancel()
	if err := client.WaitReady(readyCtx); err != nil {
		client.Stop()
		return err
	}
	n.mu.Lock()
	n.client = client
	n.mu.Unlock()
	return nil
}

// attach starts the iopub and stdin forwarders for client and returns a
// function that stops them.
func (n *Notebook) attach(parent context.Context, client kernel.Client) func() {
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.forwardIOPub(gctx, client) })
	g.Go(func() error { return n.forwardStdin(gctx, client) })
	return func() {
		cancel()
		_ = g.Wait()
	}
}

func (n *Notebook) forwardIOPub(ctx context.Context, client kernel.Client) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-client.IOPub():
			if !ok {
				return nil
			}
			for _, out := range translateIOPub(msg) {
				n.enqueue(out)
			}
		}
	}
}

func (n *Notebook) forwardStdin(ctx context.Context, client kernel.Client) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-client.StdinRequests():
			if !ok {
				return nil
			}
			if msg.Type() != "input_request" {
				continue
			}
			password, _ := msg.Content["password"].(bool)
			n.enqueue(NewMessage(TypeInputRequest, map[string]any{
				"prompt":   msg.ContentString("prompt"),
				"password": password,
			}))
		}
	}
}

// translateIOPub maps one kernel broadcast to client messages.
func translateIOPub(msg *kernel.Message) []Message {
	switch msg.Type() {
	case "status":
		return []Message{NewMessage(TypeKernelStatus, map[string]any{"execution_state": msg.Content["execution_state"]})}
	case "stream":
		typ := TypeRunStderr
		if msg.ContentString("name") == "stdout" {
			typ = TypeRunStdout
		}
		return []Message{Text(typ, msg.ContentString("text"))}
	case "display_data", "execute_result":
		data, _ := msg.Content["data"].(map[string]any)
		var out []Message
		if png, ok := data["image/png"]; ok {
			out = append(out, NewMessage(TypeCellOutput, map[string]any{"mime": "image/png", "b64": png}))
		}
		if text, ok := data["text/plain"]; ok {
			out = append(out, NewMessage(TypeCellOutput, map[string]any{"mime": "text/plain", "text": text}))
		}
		if html, ok := data["text/html"]; ok {
			out = append(out, NewMessage(TypeCellOutput, map[string]any{"mime": "text/html", "text": joinLines(html)}))
		}
		return out
	case "error":
		return []Message{Text(TypeRunStderr, joinTraceback(msg.Content["traceback"]))}
	}
	return nil
}

func joinLines(v any) any {
	items, ok := v.([]any)
	if !ok {
		return v
	}
	var b strings.Builder
	for _, item := range items {
		b.WriteString(fmt.Sprint(item))
	}
	return b.String()
}

func joinTraceback(v any) string {
	items, _ := v.([]any)
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, fmt.Sprint(item))
	}
	return strings.Join(lines, "\n")
}

// runCells executes code cells in order under the kernel's execution lock.
// The first cell that does not finish "ok" stops the run.
func (n *Notebook) runCells(ctx context.Context, code []string) {
	defer close(n.cells)

	release, err := n.opts.Kernels.Acquire(ctx)
	if err != nil {
		return
	}
	defer release()

	for idx, src := range code {
		n.enqueue(NewMessage(TypeCellStart, map[string]any{"index": idx}))

		status, err := n.execute(ctx, src)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, context.DeadlineExceeded):
			if err := n.opts.Kernels.Interrupt(context.WithoutCancel(ctx)); err != nil {
				n.log.Warn("interrupt after timeout failed", zap.Error(err))
			}
			n.enqueue(Text(TypeRunStderr, "Execution timed out; interrupted.\n"))
			n.enqueue(NewMessage(TypeCellEnd, map[string]any{"index": idx, "status": StatusTimeout}))
			return
		case err != nil:
			n.enqueue(Text(TypeRunStderr, fmt.Sprintf("Execution error: %v\n", err)))
			n.enqueue(NewMessage(TypeCellEnd, map[string]any{"index": idx, "status": StatusError}))
			return
		}

		n.enqueue(NewMessage(TypeCellEnd, map[string]any{"index": idx, "status": status}))
		if status != StatusOK {
			return
		}
	}
}

func (n *Notebook) execute(ctx context.Context, src string) (string, error) {
	n.executing.Store(true)
	defer n.executing.Store(false)

	cellCtx, cancel := context.WithTimeout(ctx, n.opts.CellTimeout)
	defer cancel()

	client := n.currentClient()
	msgID, err := client.Execute(cellCtx, src)
	if err != nil {
		return "", err
	}
	reply, err := client.Reply(cellCtx, msgID)
	if err != nil {
		return "", err
	}
	switch status := reply.ContentString("status"); status {
	case StatusOK, StatusError, StatusAborted:
		return status, nil
	default:
		return StatusError, nil
	}
}

func (n *Notebook) currentClient() kernel.Client {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.client
}

func (n *Notebook) enqueue(msg Message) {
	n.mu.Lock()
	q := n.queue
	n.mu.Unlock()
	if q != nil {
		q.Push(msg)
	}
}

func (n *Notebook) HandleClient(ctx context.Context, cmd Command) error {
	n.mu.Lock()
	running := n.state == stateRunning
	n.mu.Unlock()
	if !running {
		return nil
	}

	switch cmd.Op() {
	case OpInterrupt:
		err := n.opts.Kernels.Interrupt(ctx)
		if errors.Is(err, kernel.ErrNoKernel) {
			n.log.Debug("interrupt ignored, kernel is gone")
			return nil
		}
		return err
	case OpRestart:
		return n.restart(ctx)
	case OpInputReply:
		if client := n.currentClient(); client != nil {
			if err := client.Input(cmd.String("value")); err != nil {
				n.log.Debug("input reply failed", zap.Error(err))
			}
		}
	}
	return nil
}

// restart restarts the kernel and reconnects the channels.
func (n *Notebook) restart(ctx context.Context) error {
	if err := n.opts.Kernels.Restart(ctx); err != nil {
		return err
	}
	n.mu.Lock()
	old, detach := n.client, n.detach
	n.mu.Unlock()
	if detach != nil {
		detach()
	}
	if old != nil {
		old.Stop()
	}

	if err := n.connect(ctx, false); err != nil {
		n.enqueue(Text(TypeRunStderr, fmt.Sprintf("Kernel restart failed: %v\n", err)))
		return err
	}
	n.mu.Lock()
	if n.state == stateRunning {
		n.detach = n.attach(context.Background(), n.client)
	}
	n.mu.Unlock()
	return nil
}

// Shutdown stops forwarding, disconnects from the kernel and emits run_end.
// The kernel itself stays up for the next run.
func (n *Notebook) Shutdown(ctx context.Context) {
	n.endOnce.Do(func() {
		n.mu.Lock()
		n.state = stateEnded
		cancel, detach, client, snd, cells := n.cancel, n.detach, n.client, n.sender, n.cells
		n.mu.Unlock()

		if n.executing.Load() {
			if err := n.opts.Kernels.Interrupt(context.WithoutCancel(ctx)); err != nil {
				n.log.Debug("interrupt on shutdown failed", zap.Error(err))
			}
		}
		if cancel != nil {
			cancel()
		}
		if cells != nil {
			<-cells
		}
		if detach != nil {
			detach()
		}
		if client != nil {
			client.Stop()
		}
		if snd != nil {
			snd.drain(2 * time.Second)
		}
		sendDirect(n.sink, n.log, NewMessage(TypeRunEnd, map[string]any{
			"status":    StatusOK,
			"elapsedMs": elapsedMs(n.started),
		}))
	})
}
