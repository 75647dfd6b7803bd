// Package balance polls the three balances of the connected address.
package balance

import (
	"context"
	"sync"
	"time"

	"presale-engine-go/internal/models"

	"github.com/facebookgo/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options configures a Tracker.
type Options struct {
	Source   Source
	Interval time.Duration
	Clock    clock.Clock
	Logger   *zap.Logger
	OnUpdate func(b models.BalanceSnapshot, loading bool)
}

// Tracker owns the BalanceSnapshot of the active address. Consumers get copies.
type Tracker struct {
	source   Source
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger
	onUpdate func(models.BalanceSnapshot, bool)

	mu       sync.RWMutex
	address  string
	gen      uint64 // bumped on every address change
	balances models.BalanceSnapshot
	loading  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	fetchMu sync.Mutex
}

// NewTracker creates an idle tracker with zero balances.
func NewTracker(o Options) *Tracker {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Interval <= 0 {
		o.Interval = 10 * time.Second
	}
	return &Tracker{
		source:   o.Source,
		interval: o.Interval,
		clock:    o.Clock,
		logger:   o.Logger,
		onUpdate: o.OnUpdate,
		balances: zero(),
	}
}

// SetAddress switches the tracked address. A non-empty address starts
// polling under ctx; an empty one stops polling and zeroes the balances.
func (t *Tracker) SetAddress(ctx context.Context, address string) {
	t.mu.Lock()
	if address == t.address && (address == "" || t.cancel != nil) {
		t.mu.Unlock()
		return
	}
	cancel := t.cancel
	t.cancel = nil
	t.address = address
	t.gen++
	t.balances = zero()
	t.loading = address != ""
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
	t.notify()

	if address == "" {
		t.logger.Debug("balance polling stopped")
		return
	}

	pollCtx, pollCancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = pollCancel
	t.mu.Unlock()

	t.wg.Add(1)
	go t.poll(pollCtx)
}

// Stop cancels polling without touching the tracked address.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
}

// Refetch fetches the three balances now. It is a no-op without an address.
func (t *Tracker) Refetch(ctx context.Context) error {
	// Fetches never overlap; a tick arriving mid-fetch waits for it.
	t.fetchMu.Lock()
	defer t.fetchMu.Unlock()

	t.mu.Lock()
	address, gen := t.address, t.gen
	if address == "" {
		t.mu.Unlock()
		return nil
	}
	t.loading = true
	t.mu.Unlock()

	var native, stable, reward decimal.Decimal
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		native, err = t.source.Balance(gctx, address, AssetNative)
		return err
	})
	g.Go(func() (err error) {
		stable, err = t.source.Balance(gctx, address, AssetStable)
		return err
	})
	g.Go(func() (err error) {
		reward, err = t.source.Balance(gctx, address, AssetReward)
		return err
	})
	err := g.Wait()

	t.mu.Lock()
	if gen != t.gen {
		// The address changed while fetching.
		t.mu.Unlock()
		return nil
	}
	t.loading = false
	if err == nil {
		t.balances = models.BalanceSnapshot{QuoteNative: native, QuoteStable: stable, RewardAsset: reward}
	}
	t.mu.Unlock()

	if err != nil {
		t.logger.Warn("balance fetch failed, keeping previous values", zap.String("address", address), zap.Error(err))
	}
	t.notify()
	return err
}

// Snapshot returns a copy of the balances.
func (t *Tracker) Snapshot() models.BalanceSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balances
}

// Loading reports whether a fetch is in flight.
func (t *Tracker) Loading() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.loading
}

// Address returns the tracked address.
func (t *Tracker) Address() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.address
}

func (t *Tracker) poll(ctx context.Context) {
	defer t.wg.Done()
	_ = t.Refetch(ctx)

	ticker := t.clock.Ticker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = t.Refetch(ctx)
		}
	}
}

func (t *Tracker) notify() {
	if t.onUpdate == nil {
		return
	}
	t.mu.RLock()
	b, loading := t.balances, t.loading
	t.mu.RUnlock()
	t.onUpdate(b, loading)
}

func zero() models.BalanceSnapshot {
	return models.BalanceSnapshot{QuoteNative: decimal.Zero, QuoteStable: decimal.Zero, RewardAsset: decimal.Zero}
}
