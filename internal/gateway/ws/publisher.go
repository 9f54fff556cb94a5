package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"console-sync/internal/model"

	"github.com/go-redis/redis/v8"
)

// Publisher is the syncer-side half of the bridge: applied events are
// published on the tenant channel and the hub's subscription fans them out.
type Publisher struct {
	client  *redis.Client
	channel string
}

func NewPublisher(client *redis.Client, tenantID string) *Publisher {
	return &Publisher{
		client:  client,
		channel: tenantID,
	}
}

func (p *Publisher) Publish(event model.PushEvent) error {
	if p.channel == "" {
		return fmt.Errorf("ws publish: channel required")
	}
	if p.client == nil {
		return fmt.Errorf("ws publish: redis client not initialised")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("ws publish: marshal event: %w", err)
	}

	if err := p.client.Publish(context.Background(), p.channel, string(payload)).Err(); err != nil {
		return fmt.Errorf("ws publish: redis publish: %w", err)
	}
	return nil
}
