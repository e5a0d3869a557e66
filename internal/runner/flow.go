package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/waldiez/studio/internal/common/logger"
	"github.com/waldiez/studio/internal/common/tracing"
	"github.com/waldiez/studio/internal/engine"
	"github.com/waldiez/studio/internal/events"
	"github.com/waldiez/studio/internal/workspace"
)

// TaskState is the lifecycle of a FlowRunner's task. It moves
// NOT_STARTED → RUNNING → COMPLETED and back to NOT_STARTED only when the
// client starts again.
type TaskState int

const (
	TaskNotStarted TaskState = iota
	TaskRunning
	TaskCompleted
)

func (s TaskState) String() string {
	switch s {
	case TaskNotStarted:
		return "NOT_STARTED"
	case TaskRunning:
		return "RUNNING"
	default:
		return "COMPLETED"
	}
}

var (
	// ErrAlreadyCompleted is returned when starting a task that has finished
	// and was not reset.
	ErrAlreadyCompleted = errors.New("task is already completed")
	// ErrNotRunning is returned when stopping an idle runner.
	ErrNotRunning = errors.New("no running task")
)

// Prompts recognised from flow executions.
const (
	InputIndicator = "Press enter to skip and use auto-reply, or type 'exit' to end the conversation:"
	StartPrompt    = "Enter your message to start the conversation:"
)

// Flow runner message types and client actions.
const (
	TypeInfo          = "info"
	TypeStatus        = "status"
	TypePrint         = "print"
	TypeInputResponse = "input_response"

	ActionStart  = "start"
	ActionStop   = "stop"
	ActionStatus = "status"
)

const (
	DefaultInputTimeout = 30 * time.Second
	defaultStopTimeout  = 5 * time.Second
	printQueueSize      = 10000
	imagePlaceholder    = "<image>"
)

// FlowOptions configures a FlowRunner.
type FlowOptions struct {
	Root         string
	Executor     FlowExecutor
	Limiter      *Limiter
	Publisher    *events.Publisher
	InputTimeout time.Duration
	StopTimeout  time.Duration
	// Restart runs after a client stop. Nil disables the restart.
	Restart func()
	Logger  *logger.Logger
}

// FlowRunner drives a blocking FlowExecutor for one client. The execution
// runs on its own goroutine; its prints travel through a drop-oldest queue
// and its input requests block that goroutine until the client answers.
type FlowRunner struct {
	path         string
	root         string
	taskID       string
	raw          Conn
	conn         *writer
	exec         FlowExecutor
	limiter      *Limiter
	pub          *events.Publisher
	inputTimeout time.Duration
	stopTimeout  time.Duration
	restart      func()
	log          *logger.Logger

	mu          sync.Mutex
	state       TaskState
	cancel      context.CancelFunc
	done        chan struct{}
	pending     map[string]chan string
	lastRequest string
}

// NewFlowRunner creates a runner for the flow at path.
func NewFlowRunner(path string, conn Conn, o FlowOptions) *FlowRunner {
	if o.Logger == nil {
		o.Logger = logger.Default()
	}
	if o.InputTimeout <= 0 {
		o.InputTimeout = DefaultInputTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = defaultStopTimeout
	}
	taskID := workspace.PathToID(path)
	return &FlowRunner{
		path:         path,
		root:         o.Root,
		taskID:       taskID,
		raw:          conn,
		conn:         &writer{conn: conn},
		exec:         o.Executor,
		limiter:      o.Limiter,
		pub:          o.Publisher,
		inputTimeout: o.InputTimeout,
		stopTimeout:  o.StopTimeout,
		restart:      o.Restart,
		log:          o.Logger.WithComponent("flow-runner").WithFields(zap.String("task_id", taskID)),
		pending:      make(map[string]chan string),
	}
}

// State reports the task state.
func (r *FlowRunner) State() TaskState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Listen serves client messages until the connection ends or ctx is done.
// A task still running when the client leaves is cancelled.
func (r *FlowRunner) Listen(ctx context.Context) error {
	readCtx, stopReading := context.WithCancel(context.Background())
	defer stopReading()
	msgs := readLoop(readCtx, r.raw)
	defer r.abandon()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok := <-msgs:
			if !ok || in.err != nil {
				r.log.Info("client disconnected")
				return nil
			}
			r.handle(ctx, in.data)
		}
	}
}

func (r *FlowRunner) handle(ctx context.Context, data []byte) {
	var msg struct {
		Action string `json:"action"`
		Type   string `json:"type"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		_ = r.conn.send(engine.TypeError, errorData("Invalid message"))
		return
	}
	switch {
	case msg.Action != "":
		r.handleAction(ctx, msg.Action)
	case msg.Type == TypeInputResponse:
		r.resolveInput(data)
	default:
		r.log.Debug("ignoring client message", zap.String("type", msg.Type))
	}
}

func (r *FlowRunner) handleAction(ctx context.Context, action string) {
	switch action {
	case ActionStart:
		r.mu.Lock()
		if r.state == TaskCompleted {
			r.state = TaskNotStarted
		}
		r.mu.Unlock()
		switch err := r.Start(ctx); {
		case errors.Is(err, ErrAlreadyRunning):
			r.info("Task is already running.")
		case errors.Is(err, ErrAlreadyCompleted):
			r.info("Task is already completed.")
		}
	case ActionStop:
		if err := r.Stop(); errors.Is(err, ErrNotRunning) {
			r.info("No running task to stop.")
		}
	case ActionStatus:
		_ = r.conn.send(TypeStatus, r.State().String())
	default:
		r.log.Debug("unknown action", zap.String("action", action))
	}
}

// Start launches the execution on a new goroutine.
func (r *FlowRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case TaskRunning:
		return ErrAlreadyRunning
	case TaskCompleted:
		return ErrAlreadyCompleted
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	r.state = TaskRunning
	r.cancel = cancel
	r.done = done
	go r.run(runCtx, done)
	return nil
}

// Stop cancels the running execution, waits a bounded time for it, marks
// the task completed and then fires the restart hook.
func (r *FlowRunner) Stop() error {
	if !r.interrupt() {
		return ErrNotRunning
	}
	r.info("Task stopped.")
	if r.restart != nil {
		r.log.Info("restarting after stop")
		go r.restart()
	}
	return nil
}

// interrupt cancels an active run and reports whether there was one.
func (r *FlowRunner) interrupt() bool {
	r.mu.Lock()
	if r.state != TaskRunning {
		r.mu.Unlock()
		return false
	}
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(r.stopTimeout):
		r.log.Warn("flow execution did not stop in time")
	}

	r.mu.Lock()
	if r.done == done {
		r.state = TaskCompleted
		r.cancel = nil
	}
	r.mu.Unlock()
	return true
}

func (r *FlowRunner) abandon() {
	if r.interrupt() {
		r.log.Info("cancelled flow after disconnect")
	}
}

func (r *FlowRunner) run(ctx context.Context, done chan struct{}) {
	defer func() {
		r.mu.Lock()
		if r.done == done {
			r.state = TaskCompleted
			r.cancel = nil
		}
		r.mu.Unlock()
		close(done)
	}()

	if r.limiter != nil {
		if err := r.limiter.Acquire(ctx); err != nil {
			return
		}
		defer r.limiter.Release()
	}

	runID := uuid.NewString()
	ctx, span := tracing.Start(ctx, "runner", "run.session",
		attribute.String("task_id", r.taskID),
		attribute.String("file", r.path))
	data := map[string]any{"run_id": runID, "task_id": r.taskID, "path": r.path, "kind": "flow"}
	r.pub.Publish(ctx, events.RunStarted, data)

	prints := engine.NewQueue(printQueueSize)
	drained := make(chan struct{})
	go r.drainPrints(ctx, prints, drained)

	results, err := r.execute(ctx, &bridge{runner: r, ctx: ctx, prints: prints})
	prints.Close()
	<-drained
	tracing.End(span, err)

	ended := map[string]any{"run_id": runID, "status": "ok"}
	defer func() { r.pub.Publish(context.WithoutCancel(ctx), events.RunEnded, ended) }()

	if ctx.Err() != nil {
		ended["status"] = "stopped"
		return
	}
	if err != nil {
		ended["status"] = "error"
		message := "Error running task"
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			message = "Error loading task"
		}
		r.log.Warn(message, zap.Error(err))
		_ = r.conn.send(engine.TypeError, map[string]any{"message": message, "details": err.Error()})
		return
	}
	if results == nil {
		results = []json.RawMessage{}
	}
	_ = r.conn.send(engine.TypeResults, results)
}

// execute shields the runner from a panicking executor.
func (r *FlowRunner) execute(ctx context.Context, stream IOStream) (results []json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("flow execution panicked: %v", p)
		}
	}()
	if r.exec == nil {
		return nil, &LoadError{Err: errors.New("no flow executor configured")}
	}
	return r.exec.Run(ctx, r.path, stream)
}

func (r *FlowRunner) drainPrints(ctx context.Context, q *engine.Queue, done chan struct{}) {
	defer close(done)
	for {
		msg, err := q.Pop(ctx)
		if err != nil {
			return
		}
		text, _ := msg.Data.(string)
		if err := r.conn.send(TypePrint, r.withImageLinks(text)); err != nil {
			r.log.Debug("dropping print", zap.Error(err))
		}
	}
}

// requestInput asks the client for input and blocks until it answers, the
// input timeout elapses or the run is cancelled. The last two yield "".
func (r *FlowRunner) requestInput(ctx context.Context, prompt string, password bool) string {
	id := uuid.NewString()
	reply := make(chan string, 1)
	r.mu.Lock()
	r.pending[id] = reply
	r.lastRequest = id
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	err := r.conn.send(engine.TypeInputRequest, map[string]any{
		"request_id": id,
		"prompt":     inputPrompt(prompt),
		"password":   password,
	})
	if err != nil {
		r.log.Warn("cannot send input request", zap.Error(err))
		return ""
	}

	timer := time.NewTimer(r.inputTimeout)
	defer timer.Stop()
	select {
	case v := <-reply:
		return v
	case <-timer.C:
		r.log.Warn("input request timed out", zap.String("request_id", id))
		return ""
	case <-ctx.Done():
		return ""
	}
}

type inputResponse struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

func (m inputResponse) validate() error {
	if m.Type != TypeInputResponse {
		return fmt.Errorf("unexpected type %q", m.Type)
	}
	if m.RequestID == "" {
		return errors.New("missing request_id")
	}
	return nil
}

// text returns string data as is and any other JSON value verbatim.
func (m inputResponse) text() string {
	if len(m.Data) == 0 || string(m.Data) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Data, &s); err == nil {
		return s
	}
	return string(m.Data)
}

func (r *FlowRunner) resolveInput(data []byte) {
	var resp inputResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		r.log.Warn("dropping invalid input response", zap.Error(err))
		return
	}
	if err := resp.validate(); err != nil {
		r.log.Warn("dropping invalid input response", zap.Error(err))
		return
	}
	r.mu.Lock()
	reply, ok := r.pending[resp.RequestID]
	delete(r.pending, resp.RequestID)
	r.mu.Unlock()
	if !ok {
		r.log.Debug("no pending input request", zap.String("request_id", resp.RequestID))
		return
	}
	reply <- resp.text()
}

// withImageLinks replaces the image placeholder with a download link for the
// image saved next to the flow under the latest input request id.
func (r *FlowRunner) withImageLinks(text string) string {
	if !strings.Contains(text, imagePlaceholder) {
		return text
	}
	r.mu.Lock()
	id := r.lastRequest
	r.mu.Unlock()
	if id == "" {
		return text
	}
	dir := workspace.Relative(r.root, filepath.Dir(r.path))
	if dir == "." {
		dir = ""
	}
	link := "/api/workspace/download?" + url.Values{"path": {path.Join(dir, id+".png")}}.Encode()
	return strings.ReplaceAll(text, imagePlaceholder, link)
}

func (r *FlowRunner) info(text string) {
	_ = r.conn.send(TypeInfo, text)
}

// inputPrompt maps the bare chat prompts onto the text shown to the user.
func inputPrompt(prompt string) string {
	s := strings.TrimSpace(prompt)
	switch {
	case strings.HasSuffix(s, InputIndicator):
		return s
	case s == ">" || s == ">>":
		return StartPrompt
	}
	return prompt
}

// bridge is the IOStream handed to the executor goroutine.
type bridge struct {
	runner *FlowRunner
	ctx    context.Context
	prints *engine.Queue
}

func (b *bridge) Print(text string) {
	b.prints.Push(engine.Message{Type: TypePrint, Data: text})
}

func (b *bridge) Input(prompt string, password bool) string {
	return b.runner.requestInput(b.ctx, prompt, password)
}
