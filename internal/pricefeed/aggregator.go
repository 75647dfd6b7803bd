// Package pricefeed produces the presale price, the quote-asset reference
// price and, once listed, market statistics of the reward asset.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"presale-engine-go/internal/models"
	"presale-engine-go/internal/persistence"

	"github.com/facebookgo/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrAllSourcesFailed is returned when every quote source failed in one cycle.
var ErrAllSourcesFailed = errors.New("all quote sources failed")

const (
	quoteCacheKey  = "quote"
	marketCacheKey = "market"
)

// SaleInfo exposes the parts of the sale lifecycle the feed depends on.
type SaleInfo interface {
	State() models.SaleState
	IsListed() bool
}

// Options configures an Aggregator.
type Options struct {
	BasePrice         decimal.Decimal
	DriftRate         float64
	Quotes            []QuoteSource // priority order
	SourceTimeout     time.Duration // per quote source attempt
	Market            MarketSource
	Holders           HolderCounter
	CirculatingSupply decimal.Decimal
	Sale              SaleInfo
	Cache             persistence.Cache
	CacheTTL          time.Duration
	DriftInterval     time.Duration
	SlowInterval      time.Duration
	Clock             clock.Clock
	Rand              *rand.Rand
	Logger            *zap.Logger
	OnUpdate          func(models.PriceSnapshot)
}

type cachedQuote struct {
	Price decimal.Decimal `json:"price"`
}

// Aggregator owns the price snapshot and its two refresh timers.
type Aggregator struct {
	opts   Options
	group  singleflight.Group
	logger *zap.Logger

	mu       sync.RWMutex
	snapshot models.PriceSnapshot
	rng      *rand.Rand

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAggregator creates an Aggregator seeded with the base presale price.
func NewAggregator(o Options) *Aggregator {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if o.DriftInterval <= 0 {
		o.DriftInterval = 2 * time.Second
	}
	if o.SlowInterval <= 0 {
		o.SlowInterval = 30 * time.Second
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 25 * time.Second
	}
	if o.SourceTimeout <= 0 {
		o.SourceTimeout = 10 * time.Second
	}
	return &Aggregator{
		opts:     o,
		logger:   o.Logger,
		rng:      o.Rand,
		snapshot: models.PriceSnapshot{PresaleHotPrice: o.BasePrice, UpdatedAt: o.Clock.Now()},
	}
}

// Snapshot returns a copy of the current prices.
func (a *Aggregator) Snapshot() models.PriceSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshot
}

// Restore installs a previously persisted snapshot.
func (a *Aggregator) Restore(s models.PriceSnapshot) {
	if !s.PresaleHotPrice.IsPositive() {
		return
	}
	a.mu.Lock()
	a.snapshot = s
	a.mu.Unlock()
}

// Drift applies one random-walk step to the presale price. The step is
// uniform in [-DriftRate, +DriftRate] and only happens while the sale is
// UPCOMING or ACTIVE.
func (a *Aggregator) Drift() {
	if a.opts.Sale != nil && a.opts.Sale.State() == models.SaleEnded {
		return
	}
	a.mu.Lock()
	step := (a.rng.Float64()*2 - 1) * a.opts.DriftRate
	factor := decimal.NewFromFloat(1 + step)
	a.snapshot.PresaleHotPrice = a.snapshot.PresaleHotPrice.Mul(factor).Round(18)
	a.snapshot.UpdatedAt = a.opts.Clock.Now()
	snap := a.snapshot
	a.mu.Unlock()

	a.notify(snap)
}

// QuotePrice returns the quote-asset price, served from the TTL cache when
// fresh. Concurrent callers share one fetch.
func (a *Aggregator) QuotePrice(ctx context.Context) (decimal.Decimal, error) {
	var cached cachedQuote
	if a.opts.Cache != nil {
		if err := a.opts.Cache.Get(persistence.PriceKey(quoteCacheKey), &cached); err == nil && cached.Price.IsPositive() {
			return cached.Price, nil
		}
	}
	v, err, _ := a.group.Do(quoteCacheKey, func() (interface{}, error) {
		price, err := a.fetchQuote(ctx)
		if err != nil {
			return decimal.Zero, err
		}
		if a.opts.Cache != nil {
			if err := a.opts.Cache.SetWithTTL(persistence.PriceKey(quoteCacheKey), cachedQuote{Price: price}, a.opts.CacheTTL); err != nil {
				a.logger.Warn("caching quote price failed", zap.Error(err))
			}
		}
		return price, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}

func (a *Aggregator) fetchQuote(ctx context.Context) (decimal.Decimal, error) {
	var errs []error
	for _, src := range a.opts.Quotes {
		if err := ctx.Err(); err != nil {
			return decimal.Zero, err
		}
		// A hung source counts as failed once its attempt times out.
		srcCtx, cancel := context.WithTimeout(ctx, a.opts.SourceTimeout)
		price, err := src.QuotePrice(srcCtx)
		cancel()
		if err == nil && price.IsPositive() {
			return price, nil
		}
		if err == nil {
			err = fmt.Errorf("non-positive price %s", price)
		}
		a.logger.Debug("quote source failed, trying next", zap.String("source", src.Name()), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
	}
	return decimal.Zero, fmt.Errorf("%w: %v", ErrAllSourcesFailed, errors.Join(errs...))
}

// MarketStats returns listed market stats with holder count and market cap,
// through the same TTL cache as the quote price.
func (a *Aggregator) MarketStats(ctx context.Context) (models.MarketStats, error) {
	var stats models.MarketStats
	if a.opts.Cache != nil {
		if err := a.opts.Cache.Get(persistence.PriceKey(marketCacheKey), &stats); err == nil && stats.Price.IsPositive() {
			return stats, nil
		}
	}
	v, err, _ := a.group.Do(marketCacheKey, func() (interface{}, error) {
		if a.opts.Market == nil {
			return models.MarketStats{}, errors.New("no market source configured")
		}
		st, err := a.opts.Market.MarketStats(ctx)
		if err != nil {
			return models.MarketStats{}, err
		}
		st.MarketCap = st.Price.Mul(a.opts.CirculatingSupply)
		if a.opts.Holders != nil {
			holders, err := a.opts.Holders.HolderCount(ctx)
			if err != nil {
				a.logger.Warn("holder count unavailable", zap.Error(err))
			} else {
				st.HolderCount = holders
			}
		}
		if a.opts.Cache != nil {
			if err := a.opts.Cache.SetWithTTL(persistence.PriceKey(marketCacheKey), st, a.opts.CacheTTL); err != nil {
				a.logger.Warn("caching market stats failed", zap.Error(err))
			}
		}
		return st, nil
	})
	if err != nil {
		return models.MarketStats{}, err
	}
	return v.(models.MarketStats), nil
}

// RefreshSlow refreshes the quote price and, when listed, the market stats.
// Failures keep the previous values; the first error is returned.
func (a *Aggregator) RefreshSlow(ctx context.Context) error {
	var firstErr error

	quote, err := a.QuotePrice(ctx)
	if err != nil {
		firstErr = err
		a.logger.Warn("quote price refresh failed", zap.Error(err))
	}

	listed := a.opts.Sale != nil && a.opts.Sale.IsListed()
	var stats models.MarketStats
	if listed {
		stats, err = a.MarketStats(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			a.logger.Warn("market stats refresh failed", zap.Error(err))
		}
	}

	a.mu.Lock()
	if quote.IsPositive() {
		a.snapshot.QuoteAssetPrice = quote
	}
	switch {
	case !listed:
		a.snapshot.MarketHotPrice = decimal.Zero
		a.snapshot.Market = models.MarketStats{}
	case stats.Price.IsPositive():
		a.snapshot.MarketHotPrice = stats.Price
		a.snapshot.Market = stats
	}
	a.snapshot.UpdatedAt = a.opts.Clock.Now()
	snap := a.snapshot
	a.mu.Unlock()

	a.notify(snap)
	return firstErr
}

// Start launches the drift loop and the slow loop.
func (a *Aggregator) Start(ctx context.Context) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(2)
	go a.loop(ctx, a.opts.DriftInterval, false, func(context.Context) { a.Drift() })
	go a.loop(ctx, a.opts.SlowInterval, true, func(ctx context.Context) { _ = a.RefreshSlow(ctx) })
	a.logger.Info("price feed started",
		zap.Duration("drift_interval", a.opts.DriftInterval),
		zap.Duration("slow_interval", a.opts.SlowInterval),
		zap.Int("quote_sources", len(a.opts.Quotes)))
}

// Stop cancels both loops and waits for them.
func (a *Aggregator) Stop() {
	a.runMu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	a.wg.Wait()
	a.logger.Info("price feed stopped")
}

func (a *Aggregator) loop(ctx context.Context, interval time.Duration, immediate bool, tick func(context.Context)) {
	defer a.wg.Done()
	if immediate {
		tick(ctx)
	}
	ticker := a.opts.Clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

func (a *Aggregator) notify(s models.PriceSnapshot) {
	if a.opts.OnUpdate != nil {
		a.opts.OnUpdate(s)
	}
}
