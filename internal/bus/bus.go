// Package bus provides the event bus carrying reward evaluation requests,
// decisions and abuse alerts.
package bus

import (
	"context"
	"fmt"

	"github.com/opensource-finance/loyalty/internal/domain"
)

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// Reply answers a message received through Request. Messages without a
// reply address are ignored.
func Reply(ctx context.Context, b domain.EventBus, msg *domain.Message, payload []byte) error {
	if msg.ReplyTo == "" {
		return nil
	}
	return b.Publish(ctx, msg.ReplyTo, payload)
}
