package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/odyssey-erp/wholesale/cmd/ledgerctl/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env, err := cli.DefaultEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ledgerctl:", err)
		os.Exit(1)
	}
	err = cli.NewRootCommand(env).ExecuteContext(ctx)
	env.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ledgerctl:", err)
		stop()
		os.Exit(1)
	}
}
