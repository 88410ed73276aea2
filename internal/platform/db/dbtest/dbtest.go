// Package dbtest opens throwaway PostgreSQL schemas for repository tests.
package dbtest

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/wholesale/migrations"
)

// EnvDSN names the variable holding the database tests may write to.
const EnvDSN = "WHOLESALE_TEST_PG_DSN"

// Open creates a fresh schema with the migrations applied and returns a pool whose
// search_path points at it. The schema is dropped on cleanup. Tests are skipped when
// EnvDSN is unset.
func Open(t testing.TB) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv(EnvDSN)
	if dsn == "" {
		t.Skipf("%s not set", EnvDSN)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := fmt.Sprintf("wholesale_test_%d", time.Now().UnixNano())
	exec(t, ctx, dsn, "CREATE SCHEMA "+schema)

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, migrations.Apply(ctx, pool))

	t.Cleanup(func() {
		pool.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		exec(t, ctx, dsn, "DROP SCHEMA "+schema+" CASCADE")
	})
	return pool
}

func exec(t testing.TB, ctx context.Context, dsn, sql string) {
	t.Helper()
	conn, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, sql)
	require.NoError(t, err)
}
