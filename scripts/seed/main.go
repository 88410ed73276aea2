package main

import (
	"context"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/wholesale/internal/app"
	"github.com/odyssey-erp/wholesale/internal/credit"
	"github.com/odyssey-erp/wholesale/internal/money"
	"github.com/odyssey-erp/wholesale/internal/orders"
	"github.com/odyssey-erp/wholesale/migrations"
)

const seedAdmin = int64(1)

func main() {
	ctx := context.Background()
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.StoreBackend != app.StorePostgres {
		log.Fatalf("seed writes to postgres; STORE_BACKEND is %q", cfg.StoreBackend)
	}
	services, err := app.NewServices(ctx, cfg, app.NewLogger(cfg))
	if err != nil {
		log.Fatalf("init services: %v", err)
	}
	defer services.Close()

	if err := ensureSchema(ctx, services.Pool); err != nil {
		log.Fatalf("apply schema: %v", err)
	}

	fmt.Println("→ Seeding products...")
	if err := seedProducts(ctx, services.Pool, cfg.CatalogFile); err != nil {
		log.Fatalf("seed products: %v", err)
	}

	fmt.Println("→ Seeding customer accounts...")
	if err := seedCustomers(ctx, services.Ledger); err != nil {
		log.Fatalf("seed customers: %v", err)
	}

	fmt.Println("✓ Seed complete at", time.Now().Format(time.RFC3339))
}

// ensureSchema applies the embedded migrations to an empty database.
func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	var present bool
	if err := pool.QueryRow(ctx, `SELECT to_regclass('customers') IS NOT NULL`).Scan(&present); err != nil {
		return err
	}
	if present {
		return nil
	}
	fmt.Println("→ Applying schema...")
	return migrations.Apply(ctx, pool)
}

func seedProducts(ctx context.Context, pool *pgxpool.Pool, path string) error {
	catalog, err := orders.LoadStaticCatalog(path)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(catalog))
	for id := range catalog {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	batch := &pgx.Batch{}
	for _, id := range ids {
		p := catalog[id]
		classes := p.TaxClasses
		if classes == nil {
			classes = []string{}
		}
		batch.Queue(`INSERT INTO products (id, name, price_cents, tax_classes, is_tobacco, is_active)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, price_cents=EXCLUDED.price_cents,
  tax_classes=EXCLUDED.tax_classes, is_tobacco=EXCLUDED.is_tobacco, is_active=EXCLUDED.is_active`,
			p.ID, p.Name, p.Price, classes, p.Tobacco, p.Active)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	_, err = pool.Exec(ctx, `SELECT setval('products_id_seq', (SELECT COALESCE(MAX(id), 1) FROM products))`)
	return err
}

func seedCustomers(ctx context.Context, ledger *credit.Service) error {
	existing, err := ledger.AccountIDs(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		fmt.Printf("  %d accounts already present, skipping\n", len(existing))
		return nil
	}

	customers := []struct {
		name    string
		limit   string
		charges []string
		payment string
	}{
		{name: "Corner Market", limit: "1000.00", charges: []string{"250.00", "118.40"}, payment: "200.00"},
		{name: "Quick Stop Gas", limit: "500.00", charges: []string{"480.00"}},
		{name: "Main St Deli", limit: "0.00"},
	}
	for _, c := range customers {
		acct, err := ledger.OpenAccount(ctx, credit.OpenAccountInput{Name: c.name, CreditLimit: money.MustParse(c.limit), ProcessedBy: seedAdmin})
		if err != nil {
			return fmt.Errorf("open %s: %w", c.name, err)
		}
		for i, amount := range c.charges {
			if _, err := ledger.ApplyCharge(ctx, credit.ChargeInput{
				CustomerID:  acct.ID,
				Amount:      money.MustParse(amount),
				Description: fmt.Sprintf("Opening invoice %d", i+1),
				ProcessedBy: seedAdmin,
			}); err != nil {
				return fmt.Errorf("charge %s: %w", c.name, err)
			}
		}
		if c.payment != "" {
			if _, err := ledger.ApplyPayment(ctx, credit.PaymentInput{
				CustomerID:  acct.ID,
				Amount:      money.MustParse(c.payment),
				Method:      credit.MethodCheck,
				Reference:   "1001",
				ProcessedBy: seedAdmin,
			}); err != nil {
				return fmt.Errorf("payment %s: %w", c.name, err)
			}
		}
		fmt.Printf("  #%d %s limit %s\n", acct.ID, c.name, acct.CreditLimit)
	}
	return nil
}
