package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/formbridge/api/internal/services"
)

// PubSubRunEventPublisher publishes fill run lifecycle events to a Pub/Sub topic.
type PubSubRunEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubRunEventPublisher constructs a Pub/Sub backed run event publisher.
func NewPubSubRunEventPublisher(topic *pubsub.Topic) (*PubSubRunEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub run event publisher: topic is required")
	}
	return &PubSubRunEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishRunEvent enqueues a run lifecycle event on the configured topic.
func (p *PubSubRunEventPublisher) PublishRunEvent(ctx context.Context, event services.RunEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub run event publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal run event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "event", event.Name)
	setAttr(attrs, "runId", event.RunID)
	setAttr(attrs, "runNumber", event.RunNumber)
	setAttr(attrs, "ownerId", event.OwnerID)
	setAttr(attrs, "status", string(event.Status))

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish run event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
