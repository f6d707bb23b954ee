package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBatchRecompute refreshes one batch's cached quantity from the ledger.
	TaskBatchRecompute = "batch:recompute_qty"
	// TaskBatchScan refreshes every live batch's cached quantity.
	TaskBatchScan = "batch:qty_scan"
)

// BatchRecomputePayload identifies the batch to refresh.
type BatchRecomputePayload struct {
	BatchID string `json:"batch_id"`
}

// NewBatchRecomputeTask constructs an Asynq task for a single batch refresh.
func NewBatchRecomputeTask(batchID string) (*asynq.Task, error) {
	data, err := json.Marshal(BatchRecomputePayload{BatchID: batchID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBatchRecompute, data, asynq.Queue(QueueDefault)), nil
}

// BatchScanPayload carries scheduling metadata for the nightly scan.
type BatchScanPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewBatchScanTask constructs an Asynq task for the full refresh sweep.
func NewBatchScanTask(at time.Time) (*asynq.Task, error) {
	data, err := json.Marshal(BatchScanPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBatchScan, data, asynq.Queue(QueueDefault)), nil
}
