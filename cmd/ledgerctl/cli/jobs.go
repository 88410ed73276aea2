package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/wholesale/jobs"
)

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers against the job queue Redis.
func NewJobsCLI(opts asynq.RedisClientOpt) *JobsCLI {
	return &JobsCLI{client: asynq.NewClient(opts), inspector: asynq.NewInspector(opts)}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Trigger enqueues a supported job by task type. Customer ids narrow a reconcile run.
func (c *JobsCLI) Trigger(ctx context.Context, name string, customerIDs ...int64) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	var task *asynq.Task
	var err error
	switch name {
	case jobs.TaskLedgerReconcile, "reconcile":
		task, err = jobs.NewLedgerReconcileTask(jobs.ReconcilePayload{CustomerIDs: customerIDs})
	case jobs.TaskOutboxRelay, "outbox":
		task = jobs.NewOutboxRelayTask()
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(jobs.QueueDefault), asynq.MaxRetry(3))
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Archived  int
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue() (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Archived = info.Archived
	}
	return stats, nil
}

// ListScheduled returns scheduled task infos for observability.
func (c *JobsCLI) ListScheduled(size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
}

func newJobsCommand(env *Env) *cobra.Command {
	jobsCmd := &cobra.Command{Use: "jobs", Short: "Manage background jobs on the Asynq queue"}

	withCLI := func(run func(cmd *cobra.Command, c *JobsCLI, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			c := NewJobsCLI(env.Config.AsynqRedisOpt())
			defer func() { _ = c.Close() }()
			return run(cmd, c, args)
		}
	}

	jobsCmd.AddCommand(&cobra.Command{
		Use:   "trigger JOB [CUSTOMER_ID...]",
		Short: "Enqueue a job (reconcile or outbox)",
		Args:  cobra.MinimumNArgs(1),
		RunE: withCLI(func(cmd *cobra.Command, c *JobsCLI, args []string) error {
			ids, err := parseIDs(args[1:])
			if err != nil {
				return err
			}
			info, err := c.Trigger(cmd.Context(), args[0], ids...)
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
			return nil
		}),
	})
	jobsCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show default queue counters",
		RunE: withCLI(func(cmd *cobra.Command, c *JobsCLI, _ []string) error {
			stats, err := c.InspectQueue()
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
				stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
			return nil
		}),
	})
	jobsCmd.AddCommand(&cobra.Command{
		Use:   "scheduled",
		Short: "List scheduled tasks",
		RunE: withCLI(func(cmd *cobra.Command, c *JobsCLI, _ []string) error {
			tasks, err := c.ListScheduled(20)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				printf(cmd.OutOrStdout(), "%s %s next=%s\n", t.ID, t.Type, t.NextProcessAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		}),
	})
	return jobsCmd
}
