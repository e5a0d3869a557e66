// Package terminal runs interactive shells behind pseudo-terminals.
//
// A Session owns one PTY and the shell attached to it. The platform backend
// (creack/pty on POSIX, ConPTY on Windows) is picked at build time; callers
// only ever see the Session interface.
package terminal

import (
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/waldiez/studio/internal/common/logger"
)

// Default window size used until the client reports its own.
const (
	DefaultRows = 24
	DefaultCols = 80
	// MaxSize is the largest rows or cols value a winsize holds.
	MaxSize = 65535
)

const (
	readChunk   = 4096
	chunkBuffer = 64
)

// Session is a live pseudo-terminal.
type Session interface {
	// Read copies pending output into p without blocking. It returns 0 and
	// a nil error when nothing is pending, and io.EOF once the terminal is
	// closed and drained.
	Read(p []byte) (int, error)
	// Write sends input to the shell. Failures are logged and dropped.
	Write(p []byte)
	// Resize updates the window size and notifies the shell.
	Resize(rows, cols int)
	Interrupt()
	Terminate()
	// Alive reports whether the shell is still running. It never blocks.
	Alive() bool
	// Done is closed when the shell exits.
	Done() <-chan struct{}
	// Close releases the terminal and hangs up on the shell. It is safe to
	// call more than once.
	Close() error
}

// Options configures a new session.
type Options struct {
	Dir string
	// Shell overrides the platform shell selection.
	Shell  string
	Env    map[string]string
	Rows   int
	Cols   int
	Logger *logger.Logger
}

// ClampSize bounds a window dimension to what a winsize can hold; values
// below one fall back to def.
func ClampSize(n, def int) int {
	switch {
	case n <= 0:
		return def
	case n > MaxSize:
		return MaxSize
	}
	return n
}

func (o Options) withDefaults() Options {
	o.Rows = ClampSize(o.Rows, DefaultRows)
	o.Cols = ClampSize(o.Cols, DefaultCols)
	if o.Logger == nil {
		o.Logger = logger.Default()
	}
	return o
}

// Open starts a shell in opts.Dir behind a new pseudo-terminal.
func Open(opts Options) (Session, error) {
	opts = opts.withDefaults()
	b, err := startBackend(opts)
	if err != nil {
		return nil, err
	}
	log := opts.Logger.WithComponent("terminal").WithFields(zap.Int("pid", b.pid()), zap.String("dir", opts.Dir))
	log.Info("terminal session started")
	return newSession(b, log), nil
}

// backend is the platform half of a session.
type backend interface {
	io.ReadWriteCloser
	pid() int
	resize(rows, cols int) error
	interrupt() error
	terminate() error
	hangup() error
	// wait blocks until the shell exits.
	wait() error
}

type session struct {
	b   backend
	log *logger.Logger

	chunks chan []byte
	stop   chan struct{}
	exited chan struct{}

	readMu  sync.Mutex
	pending []byte

	closed    atomic.Bool
	closeOnce sync.Once
}

func newSession(b backend, log *logger.Logger) *session {
	s := &session{
		b:      b,
		log:    log,
		chunks: make(chan []byte, chunkBuffer),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.pump()
	go func() {
		err := b.wait()
		log.Debug("shell exited", zap.Error(err))
		close(s.exited)
	}()
	return s
}

// pump moves PTY output into chunks until the PTY fails or closes.
func (s *session) pump() {
	defer close(s.chunks)
	buf := make([]byte, readChunk)
	for {
		n, err := s.b.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case s.chunks <- chunk:
			case <-s.stop:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *session) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	if len(s.pending) == 0 {
		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				return 0, io.EOF
			}
			s.pending = chunk
		default:
			return 0, nil
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *session) Write(p []byte) {
	if s.closed.Load() || len(p) == 0 {
		return
	}
	if _, err := s.b.Write(p); err != nil {
		s.log.Debug("terminal write dropped", zap.Error(err))
	}
}

func (s *session) Resize(rows, cols int) {
	rows = ClampSize(rows, DefaultRows)
	cols = ClampSize(cols, DefaultCols)
	if s.closed.Load() {
		return
	}
	if err := s.b.resize(rows, cols); err != nil {
		s.log.Debug("terminal resize failed", zap.Error(err))
	}
}

func (s *session) Interrupt() {
	if err := s.b.interrupt(); ignorable(err) != nil {
		s.log.Debug("terminal interrupt failed", zap.Error(err))
	}
}

func (s *session) Terminate() {
	if err := s.b.terminate(); ignorable(err) != nil {
		s.log.Debug("terminal terminate failed", zap.Error(err))
	}
}

func (s *session) Alive() bool {
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

func (s *session) Done() <-chan struct{} { return s.exited }

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stop)
		if err := s.b.Close(); err != nil {
			s.log.Debug("closing pty failed", zap.Error(err))
		}
		if err := s.b.hangup(); ignorable(err) != nil {
			s.log.Debug("hangup failed", zap.Error(err))
		}
		s.log.Info("terminal session closed")
	})
	return nil
}

// ignorable drops errors caused by the shell already being gone.
func ignorable(err error) error {
	if err == nil || errors.Is(err, os.ErrProcessDone) || isNoSuchProcess(err) {
		return nil
	}
	return err
}
