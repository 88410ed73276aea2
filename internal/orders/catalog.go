package orders

import (
	"context"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/wholesale/internal/money"
)

// Product is the read-only catalog view the coordinator prices from.
type Product struct {
	ID         int64
	Name       string
	Price      money.Money
	TaxClasses []string
	Tobacco    bool
	Active     bool
}

// CatalogPort resolves products by id. Missing ids are simply absent from the result.
type CatalogPort interface {
	Products(ctx context.Context, ids []int64) (map[int64]Product, error)
}

// StaticCatalog serves a fixed product set.
type StaticCatalog map[int64]Product

// Products implements CatalogPort.
func (c StaticCatalog) Products(_ context.Context, ids []int64) (map[int64]Product, error) {
	out := make(map[int64]Product, len(ids))
	for _, id := range ids {
		if p, ok := c[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type catalogFile struct {
	Products []struct {
		ID         int64       `toml:"id"`
		Name       string      `toml:"name"`
		Price      money.Money `toml:"price"`
		TaxClasses []string    `toml:"tax_classes"`
		Tobacco    bool        `toml:"tobacco"`
		Inactive   bool        `toml:"inactive"`
	} `toml:"products"`
}

// LoadStaticCatalog reads a TOML product list. Used by the memory backend.
func LoadStaticCatalog(path string) (StaticCatalog, error) {
	var raw catalogFile
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("orders: decode catalog %s: %w", path, err)
	}
	catalog := make(StaticCatalog, len(raw.Products))
	for _, p := range raw.Products {
		if p.ID <= 0 || p.Name == "" {
			return nil, fmt.Errorf("orders: catalog %s: product requires id and name", path)
		}
		if p.Price.IsNegative() {
			return nil, fmt.Errorf("orders: catalog %s: product %d has negative price", path, p.ID)
		}
		if _, dup := catalog[p.ID]; dup {
			return nil, fmt.Errorf("orders: catalog %s: duplicate product %d", path, p.ID)
		}
		catalog[p.ID] = Product{
			ID:         p.ID,
			Name:       p.Name,
			Price:      p.Price,
			TaxClasses: p.TaxClasses,
			Tobacco:    p.Tobacco,
			Active:     !p.Inactive,
		}
	}
	return catalog, nil
}

// PGCatalog reads the products table.
type PGCatalog struct {
	pool *pgxpool.Pool
}

// NewPGCatalog constructs PGCatalog.
func NewPGCatalog(pool *pgxpool.Pool) *PGCatalog {
	return &PGCatalog{pool: pool}
}

// Products implements CatalogPort.
func (c *PGCatalog) Products(ctx context.Context, ids []int64) (map[int64]Product, error) {
	rows, err := c.pool.Query(ctx, `SELECT id, name, price_cents, tax_classes, is_tobacco, is_active FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("orders: load products: %w", err)
	}
	defer rows.Close()
	out := make(map[int64]Product, len(ids))
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.TaxClasses, &p.Tobacco, &p.Active); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}
