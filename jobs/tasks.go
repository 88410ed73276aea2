package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerReconcile verifies every cached balance against its transaction log.
	TaskLedgerReconcile = "ledger:reconcile"
	// TaskOutboxRelay publishes pending outbox events to the broker.
	TaskOutboxRelay = "outbox:relay"
)

// ReconcilePayload narrows a reconcile run. An empty payload checks every account.
type ReconcilePayload struct {
	CustomerIDs []int64 `json:"customer_ids,omitempty"`
}

// NewLedgerReconcileTask constructs an Asynq task.
func NewLedgerReconcileTask(payload ReconcilePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerReconcile, data), nil
}

// NewOutboxRelayTask constructs an Asynq task.
func NewOutboxRelayTask() *asynq.Task {
	return asynq.NewTask(TaskOutboxRelay, nil)
}
