package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/wholesale/internal/money"
)

// Settings is the read-only pricing configuration consumed by Compute.
type Settings struct {
	TaxRules   []TaxRule
	Delivery   DeliverySettings
	EarnRate   decimal.Decimal
	PointValue money.Money
}

// RedeemValue converts loyalty points into a monetary value. A value beyond the money range
// saturates; Compute clamps it to the order anyway.
func (s Settings) RedeemValue(points int64) money.Money {
	if points <= 0 || !s.PointValue.IsPositive() {
		return money.Zero
	}
	v, err := s.PointValue.CheckedMulQty(points)
	if err != nil {
		return money.MaxAmount
	}
	return v
}

// PointsFor returns the whole points covered by a (possibly clamped) redemption value. Callers
// discount RedeemValue(PointsFor(v)), never v itself, so points spent always match the discount.
func (s Settings) PointsFor(value money.Money) int64 {
	if !value.IsPositive() || !s.PointValue.IsPositive() {
		return 0
	}
	return int64(value) / int64(s.PointValue)
}

// Input builds a calculator input from these settings.
func (s Settings) Input(items []Item, orderType OrderType, redeem money.Money) Input {
	return Input{
		Items:       items,
		TaxRules:    s.TaxRules,
		Delivery:    s.Delivery,
		OrderType:   orderType,
		RedeemValue: redeem,
		EarnRate:    s.EarnRate,
	}
}

// SettingsProvider supplies the current settings.
type SettingsProvider interface {
	Settings(ctx context.Context) (Settings, error)
}

// StaticProvider serves fixed settings.
type StaticProvider Settings

// Settings implements SettingsProvider.
func (p StaticProvider) Settings(context.Context) (Settings, error) {
	return Settings(p), nil
}

type fileSettings struct {
	Delivery DeliverySettings `toml:"delivery"`
	Loyalty  struct {
		EarnRate   *decimal.Decimal `toml:"earn_rate"`
		PointValue money.Money      `toml:"point_value"`
	} `toml:"loyalty"`
	TaxRules []TaxRule `toml:"tax_rules"`
}

// FileProvider loads settings from a TOML file and serves the last good copy.
type FileProvider struct {
	path string

	mu      sync.RWMutex
	current Settings
}

// LoadFile reads the TOML settings file at path.
func LoadFile(path string) (*FileProvider, error) {
	p := &FileProvider{path: path}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the file. On error the previous settings stay in effect.
func (p *FileProvider) Reload() error {
	var raw fileSettings
	if _, err := toml.DecodeFile(p.path, &raw); err != nil {
		return fmt.Errorf("settlement: decode %s: %w", p.path, err)
	}
	settings, err := raw.settings()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.current = settings
	p.mu.Unlock()
	return nil
}

// Settings implements SettingsProvider.
func (p *FileProvider) Settings(context.Context) (Settings, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current, nil
}

func (f fileSettings) settings() (Settings, error) {
	s := Settings{
		TaxRules:   f.TaxRules,
		Delivery:   f.Delivery,
		EarnRate:   DefaultEarnRate,
		PointValue: f.Loyalty.PointValue,
	}
	if f.Loyalty.EarnRate != nil {
		s.EarnRate = *f.Loyalty.EarnRate
	}
	if s.PointValue.IsZero() {
		s.PointValue = money.Dollars(1)
	}
	if s.PointValue.IsNegative() {
		return Settings{}, errors.New("settlement: loyalty point_value must be positive")
	}
	if s.EarnRate.IsNegative() {
		return Settings{}, errors.New("settlement: loyalty earn_rate must not be negative")
	}
	if s.Delivery.BaseFee.IsNegative() || s.Delivery.FreeThreshold.IsNegative() {
		return Settings{}, errors.New("settlement: delivery amounts must not be negative")
	}
	codes := make(map[string]bool, len(s.TaxRules))
	for _, rule := range s.TaxRules {
		if rule.Code == "" || rule.TaxClass == "" {
			return Settings{}, errors.New("settlement: tax rule requires code and tax_class")
		}
		if codes[rule.Code] {
			return Settings{}, fmt.Errorf("settlement: duplicate tax rule %q", rule.Code)
		}
		if rule.PerUnitRate.IsNegative() {
			return Settings{}, fmt.Errorf("settlement: tax rule %q has negative rate", rule.Code)
		}
		codes[rule.Code] = true
	}
	return s, nil
}
