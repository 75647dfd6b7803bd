// Package ledger implements the simulated balance record used on
// non-production networks in place of a real chain.
package ledger

import (
	"sync"

	"presale-engine-go/internal/models"
	"presale-engine-go/internal/persistence"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Delta is a signed change applied to the three balances in one step.
type Delta struct {
	Native decimal.Decimal
	Stable decimal.Decimal
	Reward decimal.Decimal
}

// MockLedger is the only shared mutable balance record of the engine.
// Every mutation is a single clamped update under the lock, so a
// read-modify-write never interleaves with another operation.
type MockLedger struct {
	mu       sync.Mutex
	balances models.BalanceSnapshot
	cache    persistence.Cache // optional, write-through
	logger   *zap.Logger
}

// New creates a ledger seeded with the given balances. If cache holds a
// previously persisted ledger it takes precedence over seed.
func New(seed models.BalanceSnapshot, cache persistence.Cache, logger *zap.Logger) *MockLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &MockLedger{balances: clampAll(seed), cache: cache, logger: logger}
	if cache != nil {
		var stored models.BalanceSnapshot
		if err := cache.Get(persistence.LedgerKey, &stored); err == nil {
			l.balances = clampAll(stored)
		}
	}
	return l
}

// Snapshot returns a copy of the current balances.
func (l *MockLedger) Snapshot() models.BalanceSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances
}

// Apply adds d to the balances, clamping each to zero, and returns the result.
func (l *MockLedger) Apply(d Delta) models.BalanceSnapshot {
	l.mu.Lock()
	l.balances = clampAll(models.BalanceSnapshot{
		QuoteNative: l.balances.QuoteNative.Add(d.Native),
		QuoteStable: l.balances.QuoteStable.Add(d.Stable),
		RewardAsset: l.balances.RewardAsset.Add(d.Reward),
	})
	result := l.balances
	l.persist(result)
	l.mu.Unlock()
	return result
}

// Set overwrites the balances. Negative inputs are clamped.
func (l *MockLedger) Set(b models.BalanceSnapshot) {
	l.mu.Lock()
	l.balances = clampAll(b)
	l.persist(l.balances)
	l.mu.Unlock()
}

// persist must be called with l.mu held so writes land in mutation order.
func (l *MockLedger) persist(b models.BalanceSnapshot) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Put(persistence.LedgerKey, b); err != nil {
		l.logger.Warn("persist mock ledger failed", zap.Error(err))
	}
}

func clampAll(b models.BalanceSnapshot) models.BalanceSnapshot {
	return models.BalanceSnapshot{
		QuoteNative: clamp(b.QuoteNative),
		QuoteStable: clamp(b.QuoteStable),
		RewardAsset: clamp(b.RewardAsset),
	}
}

func clamp(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
