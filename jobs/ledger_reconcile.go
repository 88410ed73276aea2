package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/wholesale/internal/credit"
	jobmetrics "github.com/odyssey-erp/wholesale/internal/jobs"
)

// LedgerVerifier is the slice of the credit service the reconcile job needs.
type LedgerVerifier interface {
	AccountIDs(ctx context.Context) ([]int64, error)
	Verify(ctx context.Context, customerID int64) (credit.Reconciliation, error)
}

// ReconcileReport summarises one run.
type ReconcileReport struct {
	Checked    int
	Consistent int
	Corrupted  []int64
	Errors     int
}

// ReconcileJob replays every account log and compares it with the cached balance. A mismatch
// freezes the account; lifting the freeze stays an operator action.
type ReconcileJob struct {
	ledger      LedgerVerifier
	concurrency int
	metrics     *jobmetrics.Metrics
	logger      *slog.Logger
}

// NewReconcileJob builds the job.
func NewReconcileJob(ledger LedgerVerifier, concurrency int, metrics *jobmetrics.Metrics, logger *slog.Logger) *ReconcileJob {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileJob{ledger: ledger, concurrency: concurrency, metrics: metrics, logger: logger}
}

// Run verifies the given accounts, or every account when ids is empty.
func (j *ReconcileJob) Run(ctx context.Context, ids ...int64) (ReconcileReport, error) {
	tracker := j.metrics.Track(TaskLedgerReconcile)
	report, err := j.run(ctx, ids)
	return report, tracker.End(err)
}

func (j *ReconcileJob) run(ctx context.Context, ids []int64) (ReconcileReport, error) {
	if len(ids) == 0 {
		all, err := j.ledger.AccountIDs(ctx)
		if err != nil {
			return ReconcileReport{}, err
		}
		ids = all
	}

	var consistent, failed atomic.Int64
	corrupted := make([]bool, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			_, err := j.ledger.Verify(gctx, id)
			switch {
			case err == nil:
				consistent.Add(1)
			case errors.Is(err, credit.ErrLedgerCorruption):
				corrupted[i] = true
			case errors.Is(err, credit.ErrCustomerNotFound):
				// Account removed between listing and verifying.
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				failed.Add(1)
				j.logger.Warn("reconcile account", slog.Int64("customer_id", id), slog.Any("error", err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ReconcileReport{}, err
	}

	report := ReconcileReport{Checked: len(ids), Consistent: int(consistent.Load()), Errors: int(failed.Load())}
	for i, bad := range corrupted {
		if bad {
			report.Corrupted = append(report.Corrupted, ids[i])
		}
	}
	j.metrics.AddAccounts("consistent", report.Consistent)
	j.metrics.AddAccounts("corrupted", len(report.Corrupted))
	j.metrics.AddAccounts("error", report.Errors)

	level := slog.LevelInfo
	if len(report.Corrupted) > 0 {
		level = slog.LevelError
	}
	j.logger.Log(ctx, level, "ledger reconcile finished",
		slog.Int("checked", report.Checked),
		slog.Int("consistent", report.Consistent),
		slog.Any("corrupted", report.Corrupted),
		slog.Int("errors", report.Errors))
	if report.Errors > 0 {
		return report, errors.New("jobs: reconcile could not verify every account")
	}
	return report, nil
}

// Handle processes TaskLedgerReconcile tasks.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload ReconcilePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	_, err := j.Run(ctx, payload.CustomerIDs...)
	return err
}
