package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-erp/meridian-erp/internal/observability"
)

// QtyRecomputer refreshes one batch's cached quantity from the ledger.
type QtyRecomputer interface {
	RecomputeCachedQuantity(ctx context.Context, batchID string) (float64, error)
}

// BatchLister enumerates batches eligible for the nightly sweep.
type BatchLister interface {
	ListBatchIDs(ctx context.Context) ([]string, error)
}

// BatchRecomputeJob owns the cached-quantity refresh handlers.
type BatchRecomputeJob struct {
	registry QtyRecomputer
	lister   BatchLister
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func NewBatchRecomputeJob(registry QtyRecomputer, lister BatchLister, metrics *observability.Metrics, logger *slog.Logger) *BatchRecomputeJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchRecomputeJob{registry: registry, lister: lister, metrics: metrics, logger: logger}
}

// HandleRecompute processes TaskBatchRecompute tasks.
func (j *BatchRecomputeJob) HandleRecompute(ctx context.Context, t *asynq.Task) error {
	var payload BatchRecomputePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	qty, err := j.registry.RecomputeCachedQuantity(ctx, payload.BatchID)
	if err != nil {
		j.metrics.ObserveJob(TaskBatchRecompute, "error")
		return err
	}
	j.metrics.ObserveJob(TaskBatchRecompute, "ok")
	j.logger.Debug("batch qty recomputed", "batch_id", payload.BatchID, "qty", qty)
	return nil
}

// HandleScan processes TaskBatchScan tasks, fanning out over all batches.
func (j *BatchRecomputeJob) HandleScan(ctx context.Context, t *asynq.Task) error {
	var payload BatchScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	started := time.Now()
	ids, err := j.lister.ListBatchIDs(ctx)
	if err != nil {
		j.metrics.ObserveJob(TaskBatchScan, "error")
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := j.registry.RecomputeCachedQuantity(ctx, id)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		j.metrics.ObserveJob(TaskBatchScan, "error")
		return err
	}
	j.metrics.ObserveJob(TaskBatchScan, "ok")
	j.logger.Info("batch qty scan complete", "batches", len(ids), "took", time.Since(started).String())
	return nil
}
