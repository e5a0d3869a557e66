package bus

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/waldiez/studio/internal/common/logger"
)

// ErrClosed is returned by a closed bus.
var ErrClosed = errors.New("event bus is closed")

// MemoryEventBus is an in-process EventBus. Every subscription owns a
// delivery goroutine, so a slow handler never blocks Publish and events
// reach one handler in the order they were published.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	closed bool
	logger *logger.Logger
}

type delivery struct {
	ctx   context.Context
	event *Event
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp
	handler EventHandler

	mu      sync.Mutex
	pending []delivery
	active  bool
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewMemoryEventBus creates an in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{logger: log.WithComponent("event-bus")}
}

// Publish queues event for every subscription whose pattern matches subject.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	// Handlers run after Publish returns; a request scoped ctx must not
	// cancel them.
	ctx = context.WithoutCancel(ctx)
	for _, sub := range b.subs {
		if sub.matches(subject) {
			sub.enqueue(delivery{ctx: ctx, event: event})
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe registers handler for subject, which may contain wildcards.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	pattern, err := compilePattern(subject)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: pattern,
		handler: handler,
		active:  true,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.subs = append(b.subs, sub)
	go sub.loop()

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Close stops every subscription. Events still queued are discarded.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	b.logger.Info("Memory event bus closed")
}

// IsConnected reports whether the bus still accepts events.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *MemoryEventBus) remove(target *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Unsubscribe stops delivery to this subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.stop()
	s.bus.remove(s)
	return nil
}

// IsValid reports whether the subscription still receives events.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memorySubscription) stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.active = false
		s.pending = nil
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *memorySubscription) matches(subject string) bool {
	if s.pattern == nil {
		return s.subject == subject
	}
	return s.pattern.MatchString(subject)
}

func (s *memorySubscription) enqueue(d delivery) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, d)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) next() (delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || len(s.pending) == 0 {
		return delivery{}, false
	}
	d := s.pending[0]
	s.pending[0] = delivery{}
	s.pending = s.pending[1:]
	return d, true
}

func (s *memorySubscription) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			d, ok := s.next()
			if !ok {
				break
			}
			s.deliver(d)
		}
	}
}

func (s *memorySubscription) deliver(d delivery) {
	log := s.bus.logger
	defer func() {
		if r := recover(); r != nil {
			log.Error("Event handler panicked",
				zap.String("subject", s.subject),
				zap.Any("panic", r))
		}
	}()
	if err := s.handler(d.ctx, d.event); err != nil {
		log.Error("Event handler error",
			zap.String("subject", s.subject),
			zap.String("event_type", d.event.Type),
			zap.Error(err))
	}
}

// compilePattern turns a NATS style subject into a regexp. Plain subjects
// need no regexp and yield nil.
func compilePattern(subject string) (*regexp.Regexp, error) {
	if !strings.ContainsAny(subject, "*>") {
		return nil, nil
	}
	tokens := strings.Split(subject, ".")
	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		switch tok {
		case "*":
			parts[i] = `[^.]+`
		case ">":
			if i != len(tokens)-1 {
				return nil, fmt.Errorf("invalid subject %q: > must be the last token", subject)
			}
			parts[i] = `.+`
		default:
			parts[i] = regexp.QuoteMeta(tok)
		}
	}
	return regexp.Compile("^" + strings.Join(parts, `\.`) + "$")
}
