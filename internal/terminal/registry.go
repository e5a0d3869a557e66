package terminal

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/waldiez/studio/internal/common/logger"
)

// Opener starts a session; Open is the production opener.
type Opener func(opts Options) (Session, error)

// Registry hands out one session per terminal connection and tracks the
// live ones so they can be closed together on server shutdown.
type Registry struct {
	open Opener
	log  *logger.Logger

	mu       sync.Mutex
	sessions map[string]Session
}

// NewRegistry returns a registry that starts sessions with open (Open when
// nil).
func NewRegistry(open Opener, log *logger.Logger) *Registry {
	if open == nil {
		open = Open
	}
	return &Registry{
		open:     open,
		log:      log.WithComponent("terminal-registry"),
		sessions: make(map[string]Session),
	}
}

// Open starts a session in dir and returns its id.
func (r *Registry) Open(dir string, opts Options) (string, Session, error) {
	opts.Dir = dir
	if opts.Logger == nil {
		opts.Logger = r.log
	}
	s, err := r.open(opts)
	if err != nil {
		r.log.Warn("failed to open terminal", zap.String("dir", dir), zap.Error(err))
		return "", nil, err
	}
	id := uuid.NewString()
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return id, s, nil
}

// Get returns the live session with id.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Release closes the session and forgets it. Unknown ids are ignored.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		_ = s.Close()
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll closes every live session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]Session)
	r.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
	if len(sessions) > 0 {
		r.log.Info("closed terminal sessions", zap.Int("count", len(sessions)))
	}
}
