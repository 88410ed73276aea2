// Package migrations embeds the PostgreSQL schema.
package migrations

import (
	"context"
	"embed"
	"io/fs"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed *.sql
var FS embed.FS

// Up returns every forward migration concatenated in file order.
func Up() (string, error) {
	names, err := fs.Glob(FS, "*.up.sql")
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, name := range names {
		body, err := FS.ReadFile(name)
		if err != nil {
			return "", err
		}
		b.Write(body)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Apply runs the forward schema. The script has no parameters, so pgx sends it over the simple
// protocol as one batch.
func Apply(ctx context.Context, db Execer) error {
	script, err := Up()
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, script)
	return err
}
