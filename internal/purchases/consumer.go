package purchases

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/affiliate-ledger/internal/attribution"
	pkgerrors "github.com/angelmondragon/affiliate-ledger/pkg/errors"
	"github.com/angelmondragon/affiliate-ledger/pkg/logger"
	"github.com/angelmondragon/affiliate-ledger/pkg/outbox/idempotency"
)

const (
	consumerName = "purchases-worker"

	// EventTypePurchaseCompleted is the event_type attribute set by checkout.
	EventTypePurchaseCompleted = "purchase.completed"
)

type handler interface {
	PurchaseCompleted(ctx context.Context, purchase attribution.Purchase) (*attribution.Outcome, error)
}

type receiver interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

type idempotencyGuard interface {
	CheckAndMarkProcessed(ctx context.Context, consumer, eventID string) (bool, error)
	Delete(ctx context.Context, consumer, eventID string) error
}

// Consumer feeds purchase.completed messages into attribution.
type Consumer struct {
	handler      handler
	subscription receiver
	idempotency  idempotencyGuard
	logg         *logger.Logger
}

// NewConsumer builds a purchase consumer bound to a subscription.
func NewConsumer(h handler, subscription *pubsub.Subscriber, manager *idempotency.Manager, logg *logger.Logger) (*Consumer, error) {
	if subscription == nil {
		return nil, fmt.Errorf("purchases subscription required")
	}
	if manager == nil {
		return nil, fmt.Errorf("idempotency manager required")
	}
	return newConsumer(h, subscription, manager, logg)
}

func newConsumer(h handler, subscription receiver, manager idempotencyGuard, logg *logger.Logger) (*Consumer, error) {
	if h == nil {
		return nil, fmt.Errorf("attribution handler required")
	}
	if subscription == nil {
		return nil, fmt.Errorf("purchases subscription required")
	}
	if manager == nil {
		return nil, fmt.Errorf("idempotency manager required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{
		handler:      h,
		subscription: subscription,
		idempotency:  manager,
		logg:         logg,
	}, nil
}

// Run starts the consumer loop until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		result := c.process(ctx, msg)
		if result.nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack     bool
	nack    bool
	outcome *attribution.Outcome
}

func (c *Consumer) process(ctx context.Context, msg *pubsub.Message) processResult {
	eventType := msg.Attributes["event_type"]
	eventID := strings.TrimSpace(msg.Attributes["event_id"])
	if eventID == "" {
		eventID = msg.ID
	}
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": msg.ID,
		"event_id":   eventID,
		"event_type": eventType,
	})

	if eventType != "" && eventType != EventTypePurchaseCompleted {
		c.logg.Info(logCtx, "skipping non-purchase event")
		return processResult{ack: true}
	}

	var payload Message
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		c.logg.Error(logCtx, "failed to decode purchase message", err)
		return processResult{ack: true}
	}
	logCtx = c.logg.WithOrderID(logCtx, payload.OrderID)

	if eventID == "" {
		c.logg.Warn(logCtx, "purchase message without event id")
		return processResult{ack: true}
	}

	already, err := c.idempotency.CheckAndMarkProcessed(ctx, consumerName, eventID)
	if err != nil {
		c.logg.Error(logCtx, "idempotency check failed", err)
		return processResult{nack: true}
	}
	if already {
		c.logg.Info(logCtx, "event already processed")
		return processResult{ack: true}
	}

	outcome, err := c.handler.PurchaseCompleted(logCtx, payload.Purchase())
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
			c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "dropping invalid purchase message")
			return processResult{ack: true}
		}
		c.logg.Error(logCtx, "purchase handling failed", err)
		_ = c.idempotency.Delete(ctx, consumerName, eventID)
		return processResult{nack: true}
	}

	c.logg.Info(c.logg.WithField(logCtx, "outcome", outcome.Result), "purchase processed")
	return processResult{ack: true, outcome: outcome}
}
