// Package eligibility decides whether the connected address may take part in
// the sale. The denylist is a placeholder policy; a compliance check can
// replace it behind the same Eligibility contract.
package eligibility

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"presale-engine-go/internal/models"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"
)

// Policy resolves an address to a verdict.
type Policy interface {
	Check(address string) (eligible bool, reason string)
}

// DenylistPolicy rejects addresses matching any of its patterns.
type DenylistPolicy struct {
	patterns []*regexp.Regexp
}

// NewDenylistPolicy compiles patterns; matching is done on lower-cased addresses.
func NewDenylistPolicy(patterns []string) (*DenylistPolicy, error) {
	p := &DenylistPolicy{}
	for _, raw := range patterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("compile denylist pattern %q: %w", raw, err)
		}
		p.patterns = append(p.patterns, re)
	}
	return p, nil
}

// Check implements Policy.
func (p *DenylistPolicy) Check(address string) (bool, string) {
	addr := strings.ToLower(strings.TrimSpace(address))
	if addr == "" {
		return false, "no wallet connected"
	}
	for _, re := range p.patterns {
		if re.MatchString(addr) {
			return false, "address is restricted from participating in this sale"
		}
	}
	return true, ""
}

// Evaluator recomputes eligibility whenever the address changes.
type Evaluator struct {
	policy   Policy
	delay    time.Duration
	clock    clock.Clock
	logger   *zap.Logger
	onChange func(models.Eligibility)

	mu      sync.RWMutex
	current models.Eligibility
	gen     uint64
	wg      sync.WaitGroup
}

// NewEvaluator creates an evaluator that resolves after delay.
func NewEvaluator(policy Policy, delay time.Duration, clk clock.Clock, logger *zap.Logger, onChange func(models.Eligibility)) *Evaluator {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{policy: policy, delay: delay, clock: clk, logger: logger, onChange: onChange}
}

// SetAddress marks the verdict as loading and resolves it asynchronously.
// An empty address resolves immediately to not eligible.
func (e *Evaluator) SetAddress(ctx context.Context, address string) {
	e.mu.Lock()
	e.gen++
	gen := e.gen
	if address == "" {
		e.current = models.Eligibility{}
		e.mu.Unlock()
		e.notify()
		return
	}
	e.current = models.Eligibility{IsLoading: true}
	e.mu.Unlock()
	e.notify()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if e.delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-e.clock.After(e.delay):
			}
		}
		ok, reason := e.policy.Check(address)

		e.mu.Lock()
		if gen != e.gen {
			e.mu.Unlock()
			return
		}
		e.current = models.Eligibility{IsEligible: ok, Reason: reason}
		e.mu.Unlock()

		if !ok {
			e.logger.Info("address not eligible", zap.String("address", address), zap.String("reason", reason))
		}
		e.notify()
	}()
}

// Get returns the current verdict.
func (e *Evaluator) Get() models.Eligibility {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// Wait blocks until pending evaluations finish.
func (e *Evaluator) Wait() {
	e.wg.Wait()
}

func (e *Evaluator) notify() {
	if e.onChange != nil {
		e.onChange(e.Get())
	}
}
