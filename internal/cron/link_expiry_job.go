package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/affiliate-ledger/pkg/logger"
)

type linkExpirer interface {
	ExpireDue(ctx context.Context) (int, error)
}

type LinkExpiryJobParams struct {
	Logger *logger.Logger
	Links  linkExpirer
}

// NewLinkExpiryJob persists the expired status for links past their end date
// or usage cap.
func NewLinkExpiryJob(params LinkExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Links == nil {
		return nil, fmt.Errorf("links service required")
	}
	return &linkExpiryJob{logg: params.Logger, links: params.Links}, nil
}

type linkExpiryJob struct {
	logg  *logger.Logger
	links linkExpirer
}

func (j *linkExpiryJob) Name() string { return "link-expiry" }

func (j *linkExpiryJob) Run(ctx context.Context) error {
	expired, err := j.links.ExpireDue(ctx)
	if err != nil {
		return fmt.Errorf("link expiry: %w", err)
	}
	j.logg.Info(j.logg.WithField(ctx, "links_expired", expired), "link expiry sweep complete")
	return nil
}
