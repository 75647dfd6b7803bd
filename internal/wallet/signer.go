package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"presale-engine-go/internal/models"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrUserRejected is returned when the user declines the signature request.
	ErrUserRejected = errors.New("user rejected the request")
	// ErrNotConnected is returned when no wallet session is active.
	ErrNotConnected = errors.New("wallet not connected")
	// ErrPaymentFailed is returned by the card and QR rails on a simulated decline.
	ErrPaymentFailed = errors.New("payment declined by processor")
	// ErrSuperseded is returned by a connect that a later connect or
	// disconnect overtook; the session belongs to the later call.
	ErrSuperseded = errors.New("connect superseded")
)

// TransferRequest describes the transfer a signer is asked to approve.
type TransferRequest struct {
	Kind         models.TxKind
	From         string
	RewardAmount decimal.Decimal
	PaidAmount   decimal.Decimal
	Currency     models.Currency
	USDValue     decimal.Decimal
}

func (r TransferRequest) String() string {
	return fmt.Sprintf("%s %s %s for %s %s", r.Kind, r.RewardAmount, models.CurrencyReward, r.PaidAmount, r.Currency)
}

// Signer approves a transfer and returns its settlement reference.
type Signer interface {
	Rail() models.Rail
	SignAndSend(ctx context.Context, req TransferRequest) (string, error)
}

// SimOptions configures a simulated signer.
type SimOptions struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	FailureRate float64 // probability of returning the failure error
	Clock       clock.Clock
	Rand        *rand.Rand
}

// simulator waits a random latency then fails with a fixed probability.
type simulator struct {
	minLatency time.Duration
	maxLatency time.Duration
	rate       float64
	clock      clock.Clock

	mu  sync.Mutex
	rng *rand.Rand
}

func newSimulator(o SimOptions) *simulator {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if o.MaxLatency < o.MinLatency {
		o.MaxLatency = o.MinLatency
	}
	return &simulator{
		minLatency: o.MinLatency,
		maxLatency: o.MaxLatency,
		rate:       o.FailureRate,
		clock:      o.Clock,
		rng:        o.Rand,
	}
}

// run waits the simulated latency and reports whether the attempt failed.
func (s *simulator) run(ctx context.Context) (failed bool, err error) {
	s.mu.Lock()
	latency := s.minLatency
	if span := s.maxLatency - s.minLatency; span > 0 {
		latency += time.Duration(s.rng.Int63n(int64(span) + 1))
	}
	failed = s.rng.Float64() < s.rate
	s.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-s.clock.After(latency):
		}
	}
	return failed, nil
}

// NewReference returns a unique simulated settlement reference.
func NewReference() string {
	return "0x" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RailSigner is an alternate payment rail: a fixed processing delay and a
// small decline probability in place of a wallet signature.
type RailSigner struct {
	rail models.Rail
	sim  *simulator
}

// NewCardRail creates the simulated card payment rail.
func NewCardRail(delay time.Duration, failureRate float64, clk clock.Clock, rng *rand.Rand) *RailSigner {
	return newRail(models.RailCard, delay, failureRate, clk, rng)
}

// NewQRRail creates the simulated QR-code payment rail.
func NewQRRail(delay time.Duration, failureRate float64, clk clock.Clock, rng *rand.Rand) *RailSigner {
	return newRail(models.RailQR, delay, failureRate, clk, rng)
}

func newRail(rail models.Rail, delay time.Duration, failureRate float64, clk clock.Clock, rng *rand.Rand) *RailSigner {
	return &RailSigner{
		rail: rail,
		sim:  newSimulator(SimOptions{MinLatency: delay, MaxLatency: delay, FailureRate: failureRate, Clock: clk, Rand: rng}),
	}
}

func (r *RailSigner) Rail() models.Rail { return r.rail }

// SignAndSend implements Signer.
func (r *RailSigner) SignAndSend(ctx context.Context, req TransferRequest) (string, error) {
	failed, err := r.sim.run(ctx)
	if err != nil {
		return "", err
	}
	if failed {
		return "", fmt.Errorf("%s payment for %s: %w", r.rail, req.USDValue.StringFixed(2), ErrPaymentFailed)
	}
	return NewReference(), nil
}
