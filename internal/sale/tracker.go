// Package sale tracks the presale lifecycle: stage boundaries, derived
// state, countdown and the contribution tier table.
package sale

import (
	"context"
	"sync"
	"time"

	"presale-engine-go/internal/models"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"
)

// Options configures a Tracker.
type Options struct {
	Source            StatusSource
	Network           string
	Clock             clock.Clock
	PollInterval      time.Duration
	CountdownInterval time.Duration
	Logger            *zap.Logger
	// OnUpdate receives every new view: after a successful poll and on each
	// countdown tick. It is called from the tracker's goroutines.
	OnUpdate func(models.SaleView)
}

// Tracker polls the sale status source and derives state and countdown.
type Tracker struct {
	source            StatusSource
	network           string
	clock             clock.Clock
	pollInterval      time.Duration
	countdownInterval time.Duration
	logger            *zap.Logger
	onUpdate          func(models.SaleView)

	mu         sync.RWMutex
	status     models.SaleStatus
	loaded     bool
	nextSeq    uint64
	appliedSeq uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker creates a Tracker. Nothing runs until Start.
func NewTracker(o Options) *Tracker {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 15 * time.Second
	}
	if o.CountdownInterval <= 0 {
		o.CountdownInterval = time.Second
	}
	return &Tracker{
		source:            o.Source,
		network:           o.Network,
		clock:             o.Clock,
		pollInterval:      o.PollInterval,
		countdownInterval: o.CountdownInterval,
		logger:            o.Logger,
		onUpdate:          o.OnUpdate,
	}
}

// Seed installs a last-known status, e.g. restored from the durable cache.
// It is ignored once a poll has succeeded.
func (t *Tracker) Seed(status models.SaleStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.appliedSeq == 0 {
		t.status = status
		t.loaded = true
	}
}

// Refresh performs one poll. On failure the last-known-good status is kept
// and the error is returned only for logging; consumers never see it.
func (t *Tracker) Refresh(ctx context.Context) error {
	t.mu.Lock()
	t.nextSeq++
	seq := t.nextSeq
	t.mu.Unlock()

	status, err := t.source.FetchStatus(ctx, t.network)
	if err != nil {
		t.logger.Warn("sale status poll failed, keeping last known status", zap.Error(err))
		return err
	}

	t.mu.Lock()
	if seq < t.appliedSeq {
		// A newer poll already landed; drop this stale response.
		t.mu.Unlock()
		return nil
	}
	// Stage, totals and listing are swapped together.
	t.status = status
	t.loaded = true
	t.appliedSeq = seq
	t.mu.Unlock()

	t.notify()
	return nil
}

// View returns the current sale view. State and countdown are derived from
// the cached stage and the clock at call time.
func (t *Tracker) View() models.SaleView {
	t.mu.RLock()
	status, loaded := t.status, t.loaded
	t.mu.RUnlock()

	now := t.clock.Now()
	v := models.SaleView{
		Stage:             status.Stage,
		TotalSold:         status.TotalSold,
		TotalContributors: status.TotalContributors,
		IsListed:          status.IsListed,
		Loaded:            loaded,
	}
	if loaded {
		v.State = status.Stage.StateAt(now)
		v.Countdown = status.Stage.CountdownAt(now)
	}
	return v
}

// State returns the derived sale state, UPCOMING until the first status arrives.
func (t *Tracker) State() models.SaleState {
	v := t.View()
	if !v.Loaded {
		return models.SaleUpcoming
	}
	return v.State
}

// Stage returns the cached stage configuration.
func (t *Tracker) Stage() models.SaleStageConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status.Stage
}

// IsListed reports whether the reward asset trades on the open market.
func (t *Tracker) IsListed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status.IsListed
}

// Start launches the poll loop and the countdown loop. Both stop when ctx is
// cancelled or Stop is called.
func (t *Tracker) Start(ctx context.Context) {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.wg.Add(2)
	go t.pollLoop(ctx)
	go t.countdownLoop(ctx)
	t.logger.Info("sale tracker started", zap.String("network", t.network), zap.Duration("interval", t.pollInterval))
}

// Stop cancels both loops and waits for them to exit.
func (t *Tracker) Stop() {
	t.runMu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	t.wg.Wait()
	t.logger.Info("sale tracker stopped")
}

func (t *Tracker) pollLoop(ctx context.Context) {
	defer t.wg.Done()

	_ = t.Refresh(ctx)

	ticker := t.clock.Ticker(t.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// The refresh runs inline, so a slow response delays the next
			// tick instead of overlapping it.
			_ = t.Refresh(ctx)
		}
	}
}

func (t *Tracker) countdownLoop(ctx context.Context) {
	defer t.wg.Done()

	ticker := t.clock.Ticker(t.countdownInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.notify()
		}
	}
}

func (t *Tracker) notify() {
	if t.onUpdate != nil {
		t.onUpdate(t.View())
	}
}
