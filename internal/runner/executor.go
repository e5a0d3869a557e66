package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/waldiez/studio/internal/common/logger"
	"github.com/waldiez/studio/internal/process"
)

// IOStream is how a blocking flow execution reaches its client. Print never
// blocks; Input blocks the calling goroutine until the client answers or the
// input timeout elapses, in which case it returns "".
type IOStream interface {
	Print(text string)
	Input(prompt string, password bool) string
}

// FlowExecutor runs a flow to completion on the calling goroutine.
type FlowExecutor interface {
	Run(ctx context.Context, path string, stream IOStream) ([]json.RawMessage, error)
}

// LoadError reports a flow that could not be loaded at all.
type LoadError struct {
	Err error
}

func (e *LoadError) Error() string { return "load flow: " + e.Err.Error() }
func (e *LoadError) Unwrap() error { return e.Err }

const (
	maxStructuredLine = 16 << 20
	stderrTail        = 4096
	killGrace         = 5 * time.Second
)

// ModuleExecutor runs `python -m <module> run --file <flow> --structured`
// and speaks its JSON-lines protocol: input_request lines are answered on
// stdin with an input_response, results lines carry the run results and
// everything else is printed.
type ModuleExecutor struct {
	Python     string
	Module     string
	Controller process.Controller
	Logger     *logger.Logger
	// KillGrace is how long a cancelled run may take to exit after the
	// terminate signal before it is killed.
	KillGrace time.Duration
}

// NewModuleExecutor returns an executor for the given interpreter and module.
func NewModuleExecutor(python, module string, log *logger.Logger) *ModuleExecutor {
	return &ModuleExecutor{
		Python:     python,
		Module:     module,
		Controller: process.NewController(),
		Logger:     log.WithComponent("flow-executor"),
		KillGrace:  killGrace,
	}
}

type structuredLine struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Prompt    string          `json:"prompt"`
	Password  bool            `json:"password"`
	Data      json.RawMessage `json:"data"`
}

// Run executes path and returns the reported results.
func (e *ModuleExecutor) Run(ctx context.Context, path string, stream IOStream) ([]json.RawMessage, error) {
	if err := checkFlow(path); err != nil {
		return nil, &LoadError{Err: err}
	}
	output := strings.TrimSuffix(path, filepath.Ext(path)) + ".py"
	cmd := exec.Command(e.Python, "-m", e.Module,
		"run", "--file", path, "--output", output, "--force", "--structured")
	cmd.Dir = filepath.Dir(path)
	cmd.Env = process.Environ(map[string]string{
		"PYTHONUNBUFFERED": "1",
		"PYTHONIOENCODING": "utf-8",
	})
	cmd.WaitDelay = 2 * time.Second
	e.Controller.Prepare(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	tail := &tailBuffer{max: stderrTail}
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", e.Module, err)
	}
	e.Logger.Info("flow started", zap.String("file", path), zap.Int("pid", cmd.Process.Pid))

	exited := make(chan struct{})
	stop := context.AfterFunc(ctx, func() { e.cancel(cmd.Process, exited) })
	defer stop()

	results := e.relay(stdout, stdin, stream)
	waitErr := cmd.Wait()
	close(exited)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if waitErr != nil {
		rc := process.ExitCode(cmd.ProcessState)
		if msg := tail.lastLine(); msg != "" {
			return results, fmt.Errorf("exit code %d: %s", rc, msg)
		}
		return results, fmt.Errorf("exit code %d", rc)
	}
	return results, nil
}

// cancel terminates p and kills it if it has not been reaped within the
// grace period. Nothing is signalled once Wait has returned.
func (e *ModuleExecutor) cancel(p *os.Process, exited <-chan struct{}) {
	if err := e.Controller.Terminate(p); err != nil {
		e.Logger.Debug("terminate flow", zap.Error(err))
	}
	grace := e.KillGrace
	if grace <= 0 {
		grace = killGrace
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-exited:
	case <-t.C:
		select {
		case <-exited:
			return
		default:
		}
		if err := e.Controller.Kill(p); err != nil {
			e.Logger.Debug("kill flow", zap.Error(err))
		}
	}
}

func (e *ModuleExecutor) relay(stdout io.Reader, stdin io.Writer, stream IOStream) []json.RawMessage {
	var results []json.RawMessage
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxStructuredLine)
	for scanner.Scan() {
		line := scanner.Text()
		var msg structuredLine
		if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.Type == "" {
			stream.Print(line + "\n")
			continue
		}
		switch msg.Type {
		case "input_request":
			reply := stream.Input(msg.Prompt, msg.Password)
			payload, _ := json.Marshal(map[string]any{
				"type":       "input_response",
				"request_id": msg.RequestID,
				"data":       reply,
			})
			if _, err := stdin.Write(append(payload, '\n')); err != nil {
				e.Logger.Warn("cannot answer input request", zap.Error(err))
			}
		case "results":
			results = append(results, decodeResults(msg.Data)...)
		case "print":
			var text string
			if err := json.Unmarshal(msg.Data, &text); err == nil {
				stream.Print(text)
			} else {
				stream.Print(line + "\n")
			}
		default:
			stream.Print(line + "\n")
		}
	}
	if err := scanner.Err(); err != nil {
		e.Logger.Warn("flow output stopped", zap.Error(err))
		// Keep the pipe drained so the child can exit.
		_, _ = io.Copy(io.Discard, stdout)
	}
	return results
}

func decodeResults(data json.RawMessage) []json.RawMessage {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err == nil {
		return list
	}
	return []json.RawMessage{data}
}

func checkFlow(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !json.Valid(raw) {
		return fmt.Errorf("%s is not a valid flow file", filepath.Base(path))
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) lastLine() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := strings.Split(strings.TrimSpace(string(t.buf)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
