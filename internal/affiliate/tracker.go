// Package affiliate derives referral codes and grants the one-time
// affiliate bonus after server-side validation of a social handle.
package affiliate

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"presale-engine-go/internal/models"
	"presale-engine-go/internal/persistence"
	"presale-engine-go/internal/rpc"

	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrAlreadyClaimed = errors.New("affiliate bonus already claimed")
	ErrInvalidHandle  = errors.New("invalid handle")
	ErrNoAddress      = errors.New("no address")
)

var handlePattern = regexp.MustCompile(`^@?[A-Za-z0-9_]{3,30}$`)

// ReferralCode derives the referral code of an address. It is pure: the same
// address always yields the same code, regardless of case or padding.
func ReferralCode(address string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(address))))
	return base62.EncodeToString(sum[:6])
}

// ValidHandle reports whether handle is syntactically acceptable.
func ValidHandle(handle string) bool {
	return handlePattern.MatchString(strings.TrimSpace(handle))
}

// RejectedError is a validation failure with a human-readable reason.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "affiliate validation rejected: " + e.Reason }

// Validator checks an {address, handle} pair with the validation service.
type Validator interface {
	Validate(ctx context.Context, address, handle string) error
}

// HTTPValidator posts to the platform's affiliate validation endpoint.
type HTTPValidator struct {
	client *rpc.Client
}

// NewHTTPValidator creates a validator backed by client.
func NewHTTPValidator(client *rpc.Client) *HTTPValidator {
	return &HTTPValidator{client: client}
}

// Validate implements Validator.
func (v *HTTPValidator) Validate(ctx context.Context, address, handle string) error {
	req := map[string]string{"address": address, "handle": handle}
	var resp struct {
		Success bool   `json:"success"`
		Reason  string `json:"reason"`
	}
	if err := v.client.PostJSON(ctx, "/affiliate/validate", req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		reason := resp.Reason
		if reason == "" {
			reason = "validation failed"
		}
		return &RejectedError{Reason: reason}
	}
	return nil
}

// Tracker keeps AffiliateState per address in the durable cache.
type Tracker struct {
	cache     persistence.Cache
	validator Validator
	bonus     decimal.Decimal
	logger    *zap.Logger

	mu sync.Mutex
}

// NewTracker creates a tracker granting bonus reward units per validated handle.
func NewTracker(cache persistence.Cache, validator Validator, bonus decimal.Decimal, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{cache: cache, validator: validator, bonus: bonus, logger: logger}
}

// State returns the affiliate state of address, creating it on first use.
func (t *Tracker) State(address string) (models.AffiliateState, error) {
	if strings.TrimSpace(address) == "" {
		return models.AffiliateState{}, ErrNoAddress
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.load(address)
}

// Reward returns the accrued affiliate reward of address, zero when unknown.
func (t *Tracker) Reward(address string) decimal.Decimal {
	st, err := t.State(address)
	if err != nil {
		return decimal.Zero
	}
	return st.RewardTotal
}

// ClaimBonus validates handle and grants the bonus once per address.
// The lock is held across validation so concurrent claims cannot both pass.
func (t *Tracker) ClaimBonus(ctx context.Context, address, handle string) (models.AffiliateState, error) {
	if strings.TrimSpace(address) == "" {
		return models.AffiliateState{}, ErrNoAddress
	}
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if !ValidHandle(handle) {
		return models.AffiliateState{}, fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.load(address)
	if err != nil {
		return models.AffiliateState{}, err
	}
	if st.BonusClaimed {
		return st, ErrAlreadyClaimed
	}
	if err := t.validator.Validate(ctx, address, handle); err != nil {
		return st, fmt.Errorf("validate handle %s: %w", handle, err)
	}

	st.RewardTotal = st.RewardTotal.Add(t.bonus)
	st.BonusClaimed = true
	st.Handle = handle
	if err := t.cache.Put(persistence.AffiliateKey(address), st); err != nil {
		return st, fmt.Errorf("persist affiliate state: %w", err)
	}
	t.logger.Info("affiliate bonus granted", zap.String("address", address), zap.String("handle", handle), zap.String("bonus", t.bonus.String()))
	return st, nil
}

func (t *Tracker) load(address string) (models.AffiliateState, error) {
	var st models.AffiliateState
	err := t.cache.Get(persistence.AffiliateKey(address), &st)
	switch {
	case err == nil:
		return st, nil
	case errors.Is(err, persistence.ErrNotFound):
		return models.AffiliateState{
			Address:      strings.ToLower(strings.TrimSpace(address)),
			ReferralCode: ReferralCode(address),
			RewardTotal:  decimal.Zero,
		}, nil
	default:
		return models.AffiliateState{}, fmt.Errorf("load affiliate state: %w", err)
	}
}
