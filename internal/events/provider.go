package events

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/waldiez/studio/internal/common/config"
	"github.com/waldiez/studio/internal/common/logger"
	"github.com/waldiez/studio/internal/events/bus"
)

// ProvidedBus is the bus the server runs with. Exactly one of Memory and
// NATS is set.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Kind names the backing implementation for logs and health output.
func (p *ProvidedBus) Kind() string {
	if p.NATS != nil {
		return "nats"
	}
	return "memory"
}

// Provide builds the bus selected by cfg: NATS when a URL is configured,
// otherwise an in-process bus. The returned func closes it.
func Provide(cfg config.EventsConfig, log *logger.Logger) (*ProvidedBus, func(), error) {
	var p *ProvidedBus
	if url := strings.TrimSpace(cfg.NATSURL); url != "" {
		cfg.NATSURL = url
		natsBus, err := bus.NewNATSEventBus(cfg, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		p = &ProvidedBus{Bus: natsBus, NATS: natsBus}
	} else {
		memBus := bus.NewMemoryEventBus(log)
		p = &ProvidedBus{Bus: memBus, Memory: memBus}
	}
	log.Info("event bus ready", zap.String("kind", p.Kind()))
	return p, p.Bus.Close, nil
}
