package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/affiliate-ledger/internal/stats"
	"github.com/angelmondragon/affiliate-ledger/pkg/logger"
)

type reconciler interface {
	ReconcileAll(ctx context.Context, repair bool) ([]stats.Drift, error)
}

type StatsReconcileJobParams struct {
	Logger     *logger.Logger
	Stats      reconciler
	AutoRepair bool
}

// NewStatsReconcileJob compares cached link counters with the event streams.
func NewStatsReconcileJob(params StatsReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Stats == nil {
		return nil, fmt.Errorf("stats service required")
	}
	return &statsReconcileJob{logg: params.Logger, stats: params.Stats, repair: params.AutoRepair}, nil
}

type statsReconcileJob struct {
	logg   *logger.Logger
	stats  reconciler
	repair bool
}

func (j *statsReconcileJob) Name() string { return "stats-reconcile" }

// Run returns the combined per-link errors after checking every link.
func (j *statsReconcileJob) Run(ctx context.Context) error {
	drifted, err := j.stats.ReconcileAll(ctx, j.repair)
	repaired := 0
	for _, drift := range drifted {
		if drift.Repaired {
			repaired++
		}
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"links_drifted":  len(drifted),
		"links_repaired": repaired,
		"auto_repair":    j.repair,
	})
	if err != nil {
		return fmt.Errorf("stats reconcile: %w", err)
	}
	j.logg.Info(logCtx, "stats reconciliation complete")
	return nil
}
