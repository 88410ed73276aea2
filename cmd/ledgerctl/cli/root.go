// Package cli implements ledgerctl, the operator tool for the credit ledger.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/wholesale/internal/app"
)

// Env is what commands run against. Services are opened lazily so that `jobs` commands only
// need Redis.
type Env struct {
	Config   *app.Config
	Logger   *slog.Logger
	Services func(ctx context.Context) (*app.Services, error)

	opened *app.Services
}

// Close releases services opened by a command.
func (e *Env) Close() {
	if e.opened != nil {
		e.opened.Close()
		e.opened = nil
	}
}

// DefaultEnv loads configuration from the environment.
func DefaultEnv() (*Env, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, err
	}
	env := &Env{Config: cfg, Logger: app.NewLogger(cfg)}
	env.Services = func(ctx context.Context) (*app.Services, error) {
		if env.opened != nil {
			return env.opened, nil
		}
		s, err := app.NewServices(ctx, cfg, env.Logger)
		if err != nil {
			return nil, err
		}
		env.opened = s
		return s, nil
	}
	return env, nil
}

// NewRootCommand assembles the command tree.
func NewRootCommand(env *Env) *cobra.Command {
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate the wholesale credit ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newVerifyCommand(env),
		newReconcileCommand(env),
		newHistoryCommand(env),
		newOutboxCommand(env),
		newJobsCommand(env),
	)
	return root
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, raw := range args {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid customer id %q", raw)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
