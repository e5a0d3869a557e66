package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/waldiez/studio/internal/common/logger"
	"github.com/waldiez/studio/internal/common/tracing"
	"github.com/waldiez/studio/internal/process"
)

const (
	// maxLine caps a single output line; longer lines are cut and marked.
	maxLine         = 64 * 1024
	truncatedSuffix = "...[truncated]\n"

	subprocessQueueSize = 10000

	noActiveProcess = "No active process"
)

// Shutdown escalation defaults: wait for a natural exit, then terminate,
// then kill.
const (
	defaultExitWait      = 5 * time.Second
	defaultTerminateWait = 3 * time.Second
)

// Subprocess runs a Python script (or module) as a child process in its own
// process group and streams its stdout and stderr line by line.
type Subprocess struct {
	path string
	root string
	sink Sink
	opts Options
	log  *logger.Logger

	exitWait      time.Duration
	terminateWait time.Duration

	mu      sync.Mutex
	state   state
	cmd     *exec.Cmd
	queue   *Queue
	sender  *sender
	started time.Time
	exited  chan struct{}
	ended   chan struct{}

	stdinMu     sync.Mutex
	stdin       io.WriteCloser
	stdinClosed bool

	endOnce sync.Once
}

// NewSubprocess binds a subprocess engine to path inside root.
func NewSubprocess(path, root string, sink Sink, opts Options) *Subprocess {
	opts = opts.withDefaults()
	return &Subprocess{
		path:          path,
		root:          root,
		sink:          sink,
		opts:          opts,
		log:           opts.Logger.WithComponent("subprocess-engine").WithFields(zap.String("file", path)),
		exitWait:      defaultExitWait,
		terminateWait: defaultTerminateWait,
		ended:         make(chan struct{}),
	}
}

// invocation is the resolved command line for a run.
type invocation struct {
	python string
	args   []string
	dir    string
	env    []string
}

func (s *Subprocess) resolve(start Command) invocation {
	inv := invocation{python: s.opts.Python, dir: s.root}

	if venv := start.String("venv"); venv != "" {
		if !filepath.IsAbs(venv) {
			venv = filepath.Join(s.root, venv)
		}
		candidate := filepath.Join(venv, "bin", "python")
		if runtime.GOOS == "windows" {
			candidate = filepath.Join(venv, "Scripts", "python.exe")
		}
		if _, err := os.Stat(candidate); err == nil {
			inv.python = candidate
		}
	}

	if module := start.String("module"); module != "" {
		inv.args = []string{"-m", module}
	} else {
		inv.args = []string{s.path}
	}
	inv.args = append(inv.args, start.Strings("args")...)

	if rel := start.String("cwd"); rel != "" {
		dir := filepath.Join(s.root, rel)
		if within(s.root, dir) {
			inv.dir = dir
		}
	}

	overlay := start.StringMap("env")
	if overlay == nil {
		overlay = map[string]string{}
	}
	for k, v := range map[string]string{"PYTHONUNBUFFERED": "1", "PYTHONIOENCODING": "utf-8"} {
		if _, set := overlay[k]; set {
			continue
		}
		if _, set := os.LookupEnv(k); !set {
			overlay[k] = v
		}
	}
	inv.env = process.Environ(overlay)
	return inv
}

func (s *Subprocess) Start(ctx context.Context, start Command) error {
	s.mu.Lock()
	if s.state != stateIdle {
		s.mu.Unlock()
		return nil
	}
	s.state = stateStarting
	s.mu.Unlock()

	_, span := tracing.Start(ctx, "engine", "engine.start",
		attribute.String("engine", "subprocess"), attribute.String("file", s.path))

	inv := s.resolve(start)
	cmd := exec.Command(inv.python, inv.args...)
	cmd.Dir = inv.dir
	cmd.Env = inv.env
	// Orphaned grandchildren must not hold Wait open forever.
	cmd.WaitDelay = 2 * time.Second
	s.opts.Controller.Prepare(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		tracing.End(span, err)
		return s.fail(err)
	}
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	s.started = time.Now()
	if err := cmd.Start(); err != nil {
		_ = outW.Close()
		_ = errW.Close()
		tracing.End(span, err)
		return s.fail(err)
	}
	span.SetAttributes(attribute.Int("pid", cmd.Process.Pid))
	tracing.End(span, nil)

	queue := NewQueue(subprocessQueueSize)
	queue.Push(NewMessage(TypeRunStatus, map[string]any{
		"state": "started",
		"pid":   cmd.Process.Pid,
		"cwd":   inv.dir,
	}))

	s.mu.Lock()
	s.cmd = cmd
	s.queue = queue
	s.sender = startSender(queue, s.sink, s.log)
	s.exited = make(chan struct{})
	s.state = stateRunning
	s.mu.Unlock()

	s.stdinMu.Lock()
	s.stdin = stdin
	s.stdinMu.Unlock()

	s.log.Info("process started", zap.Int("pid", cmd.Process.Pid), zap.Strings("args", inv.args))

	var readers sync.WaitGroup
	readers.Add(2)
	go s.readStream(&readers, outR, TypeRunStdout)
	go s.readStream(&readers, errR, TypeRunStderr)
	go s.wait(cmd, &readers, outW, errW)
	return nil
}

// fail reports a spawn failure to the client and ends the run.
func (s *Subprocess) fail(err error) error {
	s.log.Error("failed to start process", zap.Error(err))
	sendDirect(s.sink, s.log, Text(TypeRunStderr, fmt.Sprintf("Failed to start process: %v\n", err)))
	s.finalize(-1)
	return fmt.Errorf("start process: %w", err)
}

func (s *Subprocess) wait(cmd *exec.Cmd, readers *sync.WaitGroup, outW, errW *io.PipeWriter) {
	err := cmd.Wait()
	rc := process.ExitCode(cmd.ProcessState)
	if err != nil && cmd.ProcessState == nil {
		s.log.Warn("wait failed", zap.Error(err))
	}
	close(s.exited)

	_ = outW.Close()
	_ = errW.Close()
	readers.Wait()

	s.stdinMu.Lock()
	s.stdinClosed = true
	s.stdinMu.Unlock()

	s.finalize(rc)
}

func (s *Subprocess) readStream(wg *sync.WaitGroup, r io.Reader, typ string) {
	defer wg.Done()
	br := bufio.NewReaderSize(r, maxLine)
	for {
		line, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			s.enqueue(Text(typ, decodeText(line)+truncatedSuffix))
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = br.ReadSlice('\n')
			}
			if err != nil {
				return
			}
			continue
		}
		if len(line) > 0 {
			s.enqueue(Text(typ, decodeText(line)))
		}
		if err != nil {
			return
		}
	}
}

func (s *Subprocess) enqueue(msg Message) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return
	}
	if !q.Push(msg) {
		s.log.Debug("output queue full, dropped oldest message")
	}
}

// decodeText replaces invalid UTF-8 rather than failing.
func decodeText(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

func (s *Subprocess) HandleClient(_ context.Context, cmd Command) error {
	s.mu.Lock()
	running := s.state == stateRunning
	proc := s.process()
	s.mu.Unlock()
	if !running {
		if cmd.Op() == OpStdin {
			sendDirect(s.sink, s.log, stdinError(cmd, noActiveProcess))
		}
		return nil
	}

	switch cmd.Op() {
	case OpStdin:
		s.writeStdin(cmd)
	case OpStdinEOF:
		s.closeStdin()
	case OpInterrupt:
		s.signal("interrupt", s.opts.Controller.Interrupt, proc)
	case OpTerminate, OpShutdown:
		s.signal("terminate", s.opts.Controller.Terminate, proc)
	case OpKill:
		s.signal("kill", s.opts.Controller.Kill, proc)
	}
	return nil
}

func (s *Subprocess) process() *os.Process {
	if s.cmd == nil {
		return nil
	}
	return s.cmd.Process
}

func (s *Subprocess) signal(name string, fn func(*os.Process) error, p *os.Process) {
	if err := fn(p); err != nil {
		s.log.Debug("signal failed", zap.String("signal", name), zap.Error(err))
	}
}

func (s *Subprocess) writeStdin(cmd Command) {
	text := cmd.String("text")
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	s.stdinMu.Lock()
	failure := ""
	if s.stdin == nil || s.stdinClosed {
		failure = noActiveProcess
	} else if _, err := io.WriteString(s.stdin, text); err != nil {
		failure = err.Error()
	}
	s.stdinMu.Unlock()

	if failure != "" {
		s.enqueue(stdinError(cmd, failure))
		return
	}
	s.enqueue(NewMessage(TypeRunStdinAck, map[string]any{"text": text, "request_id": cmd["request_id"]}))
}

func stdinError(cmd Command, reason string) Message {
	return NewMessage(TypeRunStdinError, map[string]any{"message": map[string]any(cmd), "error": reason})
}

func (s *Subprocess) closeStdin() {
	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()
	if s.stdin != nil && !s.stdinClosed {
		_ = s.stdin.Close()
		s.stdinClosed = true
	}
}

// Shutdown waits for the child to exit, escalating to terminate and then
// kill, and returns after run_end has been sent.
func (s *Subprocess) Shutdown(context.Context) {
	s.mu.Lock()
	st := s.state
	proc := s.process()
	exited := s.exited
	s.mu.Unlock()

	if st != stateRunning {
		s.finalize(0)
		return
	}

	select {
	case <-exited:
	case <-time.After(s.exitWait):
		s.signal("terminate", s.opts.Controller.Terminate, proc)
		select {
		case <-exited:
		case <-time.After(s.terminateWait):
			s.signal("kill", s.opts.Controller.Kill, proc)
			<-exited
		}
	}
	<-s.ended
}

// finalize emits the single run_end for this engine.
func (s *Subprocess) finalize(rc int) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.state = stateEnded
		snd := s.sender
		s.mu.Unlock()

		if snd != nil {
			snd.drain(2 * time.Second)
		}
		status := StatusOK
		if rc != 0 {
			status = StatusError
		}
		sendDirect(s.sink, s.log, NewMessage(TypeRunEnd, map[string]any{
			"status":     status,
			"returnCode": rc,
			"elapsedMs":  elapsedMs(s.started),
		}))
		s.log.Info("run ended", zap.Int("return_code", rc))
		close(s.ended)
	})
}

// within reports whether path lies inside root.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
