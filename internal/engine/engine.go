// Package engine runs one workspace artifact per connection and streams
// its lifecycle and output as typed messages.
//
// Three engines exist: Subprocess runs a Python script, Notebook drives the
// shared kernel cell by cell, and Flow compiles a .waldiez flow and delegates
// the run to a Subprocess. New picks one from the file extension.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/waldiez/studio/internal/common/logger"
	"github.com/waldiez/studio/internal/kernel"
	"github.com/waldiez/studio/internal/process"
)

// Engine is bound to one file and one client for its whole life.
//
// Start emits at least one lifecycle message before returning and reports
// its own startup failures with a terminal run_end. HandleClient ignores
// commands when nothing is running. Shutdown may be called any number of
// times, before or after Start; exactly one run_end is ever emitted.
type Engine interface {
	Start(ctx context.Context, start Command) error
	HandleClient(ctx context.Context, cmd Command) error
	Shutdown(ctx context.Context)
}

// Sink delivers messages to the connected client. Implementations must be
// safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, msg Message) error

func (f SinkFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Options carries the collaborators and tunables engines need.
type Options struct {
	// Python is the default interpreter for scripts and flow tooling.
	Python string
	// FlowModule is the module that runs compiled flows (python -m <module>).
	FlowModule string
	Controller process.Controller
	Kernels    *kernel.Manager
	Compiler   Compiler
	// Gatherer collects flow state after an interrupt; nil disables it.
	Gatherer     Gatherer
	CellTimeout  time.Duration
	ReadyTimeout time.Duration
	Logger       *logger.Logger
}

func (o Options) withDefaults() Options {
	if o.Python == "" {
		o.Python = "python3"
	}
	if o.FlowModule == "" {
		o.FlowModule = "waldiez"
	}
	if o.Controller == nil {
		o.Controller = process.NewController()
	}
	if o.CellTimeout <= 0 {
		o.CellTimeout = 120 * time.Second
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 60 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logger.Default()
	}
	if o.Compiler == nil {
		o.Compiler = NewModuleCompiler(o.Python, o.FlowModule)
	}
	return o
}

type state int

const (
	stateIdle state = iota
	stateStarting
	stateRunning
	stateEnded
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	default:
		return "ended"
	}
}

// flushLimit bounds how many queued messages are still delivered after the
// sender is cancelled.
const flushLimit = 50

// sendTimeout bounds a single delivery to the client.
const sendTimeout = 5 * time.Second

// sender forwards a queue to a sink on its own goroutine.
type sender struct {
	queue  *Queue
	sink   Sink
	log    *logger.Logger
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func startSender(q *Queue, sink Sink, log *logger.Logger) *sender {
	ctx, cancel := context.WithCancel(context.Background())
	s := &sender{queue: q, sink: sink, log: log, cancel: cancel, done: make(chan struct{})}
	go s.run(ctx)
	return s
}

func (s *sender) run(ctx context.Context) {
	defer close(s.done)
	for {
		msg, err := s.queue.Pop(ctx)
		if err != nil {
			if !errors.Is(err, ErrQueueClosed) {
				s.flush()
			}
			return
		}
		s.deliver(msg)
	}
}

func (s *sender) flush() {
	for i := 0; i < flushLimit; i++ {
		msg, ok := s.queue.TryPop()
		if !ok {
			return
		}
		s.deliver(msg)
	}
}

func (s *sender) deliver(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := s.sink.Send(ctx, msg); err != nil {
		s.log.Debug("dropping message for client", zap.String("type", msg.Type), zap.Error(err))
	}
}

// drain closes the queue and waits up to grace for it to empty; after that
// the sender is cancelled and flushes what it can.
func (s *sender) drain(grace time.Duration) {
	s.once.Do(func() {
		s.queue.Close()
		select {
		case <-s.done:
		case <-time.After(grace):
			s.cancel()
			<-s.done
		}
		s.cancel()
	})
}

// sendDirect delivers msg outside any queue, swallowing failures.
func sendDirect(sink Sink, log *logger.Logger, msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := sink.Send(ctx, msg); err != nil {
		log.Debug("dropping message for client", zap.String("type", msg.Type), zap.Error(err))
	}
}

func elapsedMs(since time.Time) int64 {
	if since.IsZero() {
		return 0
	}
	return time.Since(since).Milliseconds()
}
