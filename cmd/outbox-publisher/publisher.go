package main

import (
	"context"
	"errors"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/affiliate-ledger/pkg/db/models"
	"github.com/angelmondragon/affiliate-ledger/pkg/outbox/registry"
)

type publisherFactory func(topic string) publisher

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

// orderedTopics hands out publishers with message ordering switched on, so a
// commission's created/approved/paid events reach subscribers in that order.
func orderedTopics(client pubSubClient) publisherFactory {
	return func(topic string) publisher {
		p := client.Publisher(topic)
		if p == nil {
			return nil
		}
		p.EnableMessageOrdering = true
		return orderedPublisher{p}
	}
}

// commissionMessage keys the message by aggregate and forwards the stored
// envelope bytes untouched.
func commissionMessage(event models.OutboxEvent, resolved *registry.ResolvedEvent) *gcppubsub.Message {
	key := event.AggregateID.String()
	return &gcppubsub.Message{
		Data:        event.Payload,
		OrderingKey: key,
		Attributes: map[string]string{
			"event_id":       resolved.Envelope.EventID,
			"event_type":     string(event.EventType),
			"aggregate_type": string(event.AggregateType),
			"aggregate_id":   key,
			"created_at":     event.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

type orderedPublisher struct {
	topic *gcppubsub.Publisher
}

func (p orderedPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	return orderedResult{
		result: p.topic.Publish(ctx, msg),
		topic:  p.topic,
		key:    msg.OrderingKey,
	}
}

type orderedResult struct {
	result *gcppubsub.PublishResult
	topic  *gcppubsub.Publisher
	key    string
}

// Get waits for the server id. A failed ordered publish pauses its key, so the
// key is resumed before the error goes back to the retry path.
func (r orderedResult) Get(ctx context.Context) (string, error) {
	if r.result == nil {
		return "", errors.New("publish result is nil")
	}
	id, err := r.result.Get(ctx)
	if err != nil && r.key != "" {
		r.topic.ResumePublish(r.key)
	}
	return id, err
}
