package factory

import (
	"fmt"

	"github.com/mikey/phishguard/internal/adapters/events"
	"github.com/mikey/phishguard/internal/config"
	"go.uber.org/zap"
)

// EventsFactory creates the completion event publisher
type EventsFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewEventsFactory creates a new events factory
func NewEventsFactory(cfg *config.Config, logger *zap.Logger) *EventsFactory {
	return &EventsFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreatePublisher returns the configured publisher, or nil when events are
// disabled
func (f *EventsFactory) CreatePublisher() (*events.AMQPPublisher, error) {
	eventsCfg := f.cfg.GetEventsConfig()

	switch eventsCfg.Type {
	case "", "none":
		return nil, nil
	case "amqp":
		return events.NewAMQPPublisher(eventsCfg.AMQPURL, eventsCfg.Exchange, eventsCfg.RoutingKey, f.logger)
	default:
		return nil, fmt.Errorf("unsupported events type: %s", eventsCfg.Type)
	}
}
