package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/wholesale/internal/app"
	"github.com/odyssey-erp/wholesale/internal/credit"
	jobmetrics "github.com/odyssey-erp/wholesale/internal/jobs"
	"github.com/odyssey-erp/wholesale/jobs"
)

func newVerifyCommand(env *Env) *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "verify [CUSTOMER_ID...]",
		Short: "Replay transaction logs and compare them with cached balances",
		Long: `Replays each account's transaction log and compares the sum with the cached
balance. A mismatch freezes the account. Without arguments every account is checked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			services, err := env.Services(cmd.Context())
			if err != nil {
				return err
			}
			if concurrency <= 0 {
				concurrency = env.Config.ReconcileConcurrency
			}
			job := jobs.NewReconcileJob(services.Ledger, concurrency, jobmetrics.NewMetrics(services.Metrics.Registerer()), env.Logger)
			report, err := job.Run(cmd.Context(), ids...)
			out := cmd.OutOrStdout()
			printf(out, "checked=%d consistent=%d corrupted=%d errors=%d\n", report.Checked, report.Consistent, len(report.Corrupted), report.Errors)
			for _, id := range report.Corrupted {
				printf(out, "frozen customer %d\n", id)
			}
			if err != nil {
				return err
			}
			if len(report.Corrupted) > 0 {
				return fmt.Errorf("%d account(s) frozen, run `ledgerctl reconcile` after investigating", len(report.Corrupted))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Accounts verified in parallel (default RECONCILE_CONCURRENCY)")
	return cmd
}

func newReconcileCommand(env *Env) *cobra.Command {
	var actor int64
	cmd := &cobra.Command{
		Use:   "reconcile CUSTOMER_ID",
		Short: "Rebuild a cached balance from its log and lift the freeze",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			if actor <= 0 {
				return errors.New("--actor is required")
			}
			services, err := env.Services(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := services.Ledger.Reconcile(cmd.Context(), ids[0], actor)
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "customer %d: cached %s, replayed %s over %d transactions (was frozen: %t)\n",
				rec.CustomerID, rec.CachedBalance, rec.ReplayedBalance, rec.TransactionCount, rec.Frozen)
			return nil
		},
	}
	cmd.Flags().Int64Var(&actor, "actor", 0, "Admin user id recorded in the audit log")
	return cmd
}

func newHistoryCommand(env *Env) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history CUSTOMER_ID",
		Short: "Print an account's transactions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			services, err := env.Services(cmd.Context())
			if err != nil {
				return err
			}
			acct, err := services.Ledger.GetAccount(cmd.Context(), ids[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printf(out, "%s (#%d) balance %s limit %s points %d\n", acct.Name, acct.ID, acct.CurrentBalance, acct.CreditLimit, acct.LoyaltyPoints)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			printf(tw, "ID\tWHEN\tKIND\tAMOUNT\tDESCRIPTION\n")
			n := 0
			for txn, err := range services.Ledger.History(cmd.Context(), acct.ID, credit.DefaultPageSize) {
				if err != nil {
					return err
				}
				if limit > 0 && n == limit {
					break
				}
				printf(tw, "%d\t%s\t%s\t%s\t%s\n", txn.ID, txn.CreatedAt.Format("2006-01-02 15:04"), txn.Kind, txn.Amount, txn.Description)
				n++
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum transactions to print, 0 for all")
	return cmd
}

func newOutboxCommand(env *Env) *cobra.Command {
	outbox := &cobra.Command{Use: "outbox", Short: "Inspect and drain the event outbox"}
	outbox.AddCommand(&cobra.Command{
		Use:   "relay",
		Short: "Publish one batch of pending events now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := env.Services(cmd.Context())
			if err != nil {
				return err
			}
			publisher, err := app.NewPublisher(env.Config, env.Logger)
			if err != nil {
				return err
			}
			defer func() { _ = publisher.Close() }()
			published, failed, err := services.NewOutboxRelay(env.Config, publisher, env.Logger).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "published=%d failed=%d\n", published, failed)
			return nil
		},
	})
	return outbox
}
