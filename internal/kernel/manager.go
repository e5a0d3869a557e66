package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/waldiez/studio/internal/common/logger"
)

// DefaultIdleTTL is how long an unused kernel survives before MaybeGC
// shuts it down.
const DefaultIdleTTL = 15 * time.Minute

// Kernel lifecycle notifications passed to a Notifier.
const (
	EventStarted = "kernel.started"
	EventStopped = "kernel.stopped"
)

// Notifier observes kernel lifecycle changes.
type Notifier func(event string, data map[string]any)

// Manager owns the single shared kernel. Every operation that changes the
// kernel handle runs under mu, so the idle reaper can never destroy a kernel
// a run is in the middle of acquiring.
type Manager struct {
	launch Launcher
	ttl    time.Duration
	now    func() time.Time
	notify Notifier
	log    *logger.Logger

	mu       sync.Mutex
	kernel   Kernel
	lastUsed time.Time
	busy     int

	// exec serializes cell execution across runs.
	exec chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithNotifier registers a lifecycle observer.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notify = n }
}

// NewManager creates a manager that starts kernels with launch on demand.
func NewManager(launch Launcher, ttl time.Duration, log *logger.Logger, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	m := &Manager{
		launch: launch,
		ttl:    ttl,
		now:    time.Now,
		log:    log.WithComponent("kernel-manager"),
		exec:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the live kernel, starting one if needed, and marks it used.
func (m *Manager) Get(ctx context.Context) (Kernel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.kernel == nil {
		k, err := m.launch(ctx)
		if err != nil {
			return nil, fmt.Errorf("start kernel: %w", err)
		}
		m.kernel = k
		m.log.Info("kernel started")
		m.emit(EventStarted, nil)
	}
	m.lastUsed = m.now()
	return m.kernel, nil
}

// Interrupt interrupts the live kernel; without one it does nothing.
func (m *Manager) Interrupt(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kernel == nil {
		return nil
	}
	return m.kernel.Interrupt(ctx)
}

// Restart restarts the live kernel; without one it does nothing.
func (m *Manager) Restart(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kernel == nil {
		return nil
	}
	m.lastUsed = m.now()
	return m.kernel.Restart(ctx)
}

// Shutdown stops and forgets the live kernel. It is safe without one.
func (m *Manager) Shutdown(ctx context.Context, now bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdownLocked(ctx, now, "shutdown")
}

// MaybeGC shuts the kernel down when it has been idle longer than the TTL
// and no run holds the execution lock. It reports whether it did.
func (m *Manager) MaybeGC(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kernel == nil || m.busy > 0 {
		return false, nil
	}
	if m.now().Sub(m.lastUsed) <= m.ttl {
		return false, nil
	}
	return true, m.shutdownLocked(ctx, true, "idle")
}

func (m *Manager) shutdownLocked(ctx context.Context, now bool, reason string) error {
	if m.kernel == nil {
		return nil
	}
	k := m.kernel
	m.kernel = nil
	err := k.Shutdown(ctx, now)
	m.log.Info("kernel stopped", zap.String("reason", reason), zap.Error(err))
	m.emit(EventStopped, map[string]any{"reason": reason})
	return err
}

// Acquire takes the execution lock so only one run executes cells at a
// time. The returned release must be called exactly once.
func (m *Manager) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case m.exec <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	m.busy++
	m.lastUsed = m.now()
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.busy--
			m.lastUsed = m.now()
			m.mu.Unlock()
			<-m.exec
		})
	}, nil
}

// LastUsed reports when the kernel was last handed out or released.
func (m *Manager) LastUsed() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUsed
}

// Running reports whether a kernel is live.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kernel != nil
}

// RunReaper calls MaybeGC every interval until ctx ends, then shuts the
// kernel down.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if err := m.Shutdown(stopCtx, true); err != nil {
				m.log.Warn("kernel shutdown on exit failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if reaped, err := m.MaybeGC(ctx); err != nil {
				m.log.Warn("idle kernel shutdown failed", zap.Error(err))
			} else if reaped {
				m.log.Debug("idle kernel reaped")
			}
		}
	}
}

func (m *Manager) emit(event string, data map[string]any) {
	if m.notify != nil {
		m.notify(event, data)
	}
}
