package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/waldiez/studio/internal/common/logger"
	"github.com/waldiez/studio/internal/events/bus"
)

// Publisher stamps events with a source and publishes them on their
// subject. Failures are logged; lifecycle events are advisory and never
// fail a run. A nil *Publisher is a no-op.
type Publisher struct {
	bus    bus.EventBus
	source string
	log    *logger.Logger
}

// NewPublisher returns a publisher for events originating from source.
func NewPublisher(b bus.EventBus, source string, log *logger.Logger) *Publisher {
	return &Publisher{bus: b, source: source, log: log}
}

// Publish sends an event of eventType carrying data.
func (p *Publisher) Publish(ctx context.Context, eventType string, data map[string]any) {
	if p == nil || p.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, p.source, data)
	if err := p.bus.Publish(ctx, Subject(eventType), event); err != nil {
		p.log.Warn("failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// KernelNotifier adapts the publisher to the kernel manager's lifecycle
// callback.
func (p *Publisher) KernelNotifier() func(event string, data map[string]any) {
	return func(event string, data map[string]any) {
		p.Publish(context.Background(), event, data)
	}
}
