package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.uber.org/multierr"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/affiliate-ledger/pkg/config"
	"github.com/angelmondragon/affiliate-ledger/pkg/logger"
)

const (
	kindTopic        = "topics"
	kindSubscription = "subscriptions"
)

var errProjectIDRequired = errors.New("gcp project id is required")

// Client holds the Pub/Sub connection shared by the outbox publisher, which
// writes the affiliate topic, and the worker, which reads purchase.completed.
type Client struct {
	client    *pubsub.Client
	projectID string
	cfg       config.PubSubConfig
}

// NewClient connects and verifies that the affiliate topic and the purchases
// subscription exist. Both are provisioned outside the service.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, logg *logger.Logger) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	if projectID == "" {
		return nil, errProjectIDRequired
	}
	conn, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	c := &Client{client: conn, projectID: projectID, cfg: cfg}
	if err := c.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"project":      projectID,
			"topic":        cfg.AffiliateTopic,
			"subscription": cfg.PurchasesSubscription,
		}), "pubsub client initialized")
	}
	return c, nil
}

// Ping checks every configured resource and reports all missing ones at once.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errors.New("pubsub client not initialized")
	}
	if strings.TrimSpace(c.cfg.PurchasesSubscription) == "" {
		return errors.New("pubsub subscription name is required")
	}

	var errs error
	if topic := c.resourceName(kindTopic, c.cfg.AffiliateTopic); topic != "" {
		_, err := c.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: topic})
		errs = multierr.Append(errs, describe(kindTopic, c.cfg.AffiliateTopic, err))
	}
	sub := c.resourceName(kindSubscription, c.cfg.PurchasesSubscription)
	_, err := c.client.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{Subscription: sub})
	errs = multierr.Append(errs, describe(kindSubscription, c.cfg.PurchasesSubscription, err))
	return errs
}

func describe(kind, name string, err error) error {
	switch {
	case err == nil:
		return nil
	case status.Code(err) == codes.NotFound:
		return fmt.Errorf("%s %q does not exist", strings.TrimSuffix(kind, "s"), name)
	default:
		return fmt.Errorf("checking %s %q: %w", strings.TrimSuffix(kind, "s"), name, err)
	}
}

// PurchasesSubscription is the subscriber for purchase.completed messages.
func (c *Client) PurchasesSubscription() *pubsub.Subscriber {
	if c == nil || c.client == nil {
		return nil
	}
	name := c.resourceName(kindSubscription, c.cfg.PurchasesSubscription)
	if name == "" {
		return nil
	}
	return c.client.Subscriber(name)
}

// Publisher accepts a topic id or a full resource name.
func (c *Client) Publisher(topic string) *pubsub.Publisher {
	if c == nil || c.client == nil {
		return nil
	}
	name := c.resourceName(kindTopic, topic)
	if name == "" {
		return nil
	}
	return c.client.Publisher(name)
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// resourceName expands an id to projects/<project>/<kind>/<id>. Names that are
// already fully qualified pass through; blank ones yield "".
func (c *Client) resourceName(kind, name string) string {
	name = strings.TrimSpace(name)
	if c == nil || name == "" {
		return ""
	}
	if strings.HasPrefix(name, "projects/") && strings.Contains(name, "/"+kind+"/") {
		return name
	}
	if c.projectID == "" {
		return ""
	}
	return "projects/" + c.projectID + "/" + kind + "/" + name
}
