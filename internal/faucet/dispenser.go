// Package faucet hands out test funds on non-production networks.
package faucet

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"presale-engine-go/internal/ledger"
	"presale-engine-go/internal/models"
	"presale-engine-go/internal/persistence"

	"github.com/facebookgo/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrRateLimited = errors.New("faucet: one grant per address per hour")
	ErrProduction  = errors.New("faucet: not available on the production network")
	ErrNoAddress   = errors.New("faucet: no address")
)

// Grant is what one faucet request credited.
type Grant struct {
	Address string          `json:"address"`
	Network string          `json:"network"`
	Native  decimal.Decimal `json:"native"`
	Stable  decimal.Decimal `json:"stable"`
	At      time.Time       `json:"at"`
}

// Dispenser credits the mock ledger, at most once per address per cooldown.
// The cooldown is a TTL key in the durable cache.
type Dispenser struct {
	network  string
	native   decimal.Decimal
	stable   decimal.Decimal
	cooldown time.Duration
	ledger   *ledger.MockLedger
	cache    persistence.Cache
	clock    clock.Clock
	logger   *zap.Logger

	mu sync.Mutex
}

// NewDispenser creates a dispenser from cfg.
func NewDispenser(cfg *models.Config, l *ledger.MockLedger, cache persistence.Cache, clk clock.Clock, logger *zap.Logger) *Dispenser {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cooldown := models.Seconds(cfg.FaucetCooldownSec)
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	return &Dispenser{
		network:  cfg.Network,
		native:   cfg.FaucetNative,
		stable:   cfg.FaucetStable,
		cooldown: cooldown,
		ledger:   l,
		cache:    cache,
		clock:    clk,
		logger:   logger,
	}
}

// Request grants funds to address on network.
func (d *Dispenser) Request(address, network string) (Grant, error) {
	if strings.TrimSpace(address) == "" {
		return Grant{}, ErrNoAddress
	}
	if network == "" {
		network = d.network
	}
	if network == models.NetworkMainnet {
		return Grant{}, ErrProduction
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var last Grant
	err := d.cache.Get(persistence.FaucetKey(address), &last)
	if err == nil {
		return last, fmt.Errorf("%w: last grant at %s", ErrRateLimited, last.At.UTC().Format(time.RFC3339))
	}
	if !errors.Is(err, persistence.ErrNotFound) {
		return Grant{}, fmt.Errorf("faucet lookup: %w", err)
	}

	g := Grant{Address: address, Network: network, Native: d.native, Stable: d.stable, At: d.clock.Now()}
	if err := d.cache.SetWithTTL(persistence.FaucetKey(address), g, d.cooldown); err != nil {
		return Grant{}, fmt.Errorf("faucet record: %w", err)
	}
	d.ledger.Apply(ledger.Delta{Native: d.native, Stable: d.stable})
	d.logger.Info("faucet grant", zap.String("address", address), zap.String("native", d.native.String()), zap.String("stable", d.stable.String()))
	return g, nil
}
