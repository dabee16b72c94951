package main

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/affiliate-ledger/pkg/config"
	"github.com/angelmondragon/affiliate-ledger/pkg/logger"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type stubConsumer struct{ err error }

func (c stubConsumer) Run(context.Context) error { return c.err }

func newTestService(db, redis, ps pinger, c consumer) *Service {
	return &Service{
		cfg:      &config.Config{},
		logg:     logger.New(logger.Options{ServiceName: "worker-test", Output: io.Discard}),
		db:       db,
		redis:    redis,
		pubsub:   ps,
		consumer: c,
	}
}

func TestRunFailsFastWhenDependencyDown(t *testing.T) {
	svc := newTestService(stubPinger{}, stubPinger{err: errors.New("connection refused")}, stubPinger{}, stubConsumer{})

	err := svc.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "redis ping failed")
}

func TestRunReturnsConsumerError(t *testing.T) {
	boom := errors.New("subscription deleted")
	svc := newTestService(stubPinger{}, stubPinger{}, stubPinger{}, stubConsumer{err: boom})

	require.ErrorIs(t, svc.Run(context.Background()), boom)
}

func TestNewServiceRequiresConsumer(t *testing.T) {
	_, err := NewService(ServiceParams{
		Config: &config.Config{},
		Logger: logger.New(logger.Options{ServiceName: "worker-test", Output: io.Discard}),
		DB:     stubPinger{},
		Redis:  stubPinger{},
		PubSub: stubPinger{},
	})
	require.EqualError(t, err, "purchase consumer is required")
}
