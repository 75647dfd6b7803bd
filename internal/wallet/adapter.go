package wallet

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"presale-engine-go/internal/models"
)

// Providers lists the wallet providers offered for connection.
var Providers = []string{"MetaMask", "WalletConnect", "Coinbase Wallet", "Trust Wallet"}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// ErrInvalidIdentity is returned for an empty provider name or malformed email.
var ErrInvalidIdentity = errors.New("invalid wallet identity")

// Adapter is a connectable wallet: it resolves an address and signs for it.
type Adapter interface {
	Signer
	Name() string
	Connect(ctx context.Context) (string, error)
	Disconnect(ctx context.Context) error
}

// DeriveAddress maps a seed to a stable 20-byte hex address.
func DeriveAddress(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return "0x" + hex.EncodeToString(sum[:20])
}

// simAdapter is a simulated wallet whose address is derived from a seed.
type simAdapter struct {
	name string
	seed string
	sim  *simulator
}

// NewProviderAdapter creates a browser-provider style wallet.
func NewProviderAdapter(provider string, o SimOptions) (Adapter, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return nil, fmt.Errorf("%w: empty provider", ErrInvalidIdentity)
	}
	return &simAdapter{name: provider, seed: "provider:" + strings.ToLower(provider), sim: newSimulator(o)}, nil
}

// NewEmailAdapter creates a wallet whose address is derived from an email.
func NewEmailAdapter(email string, o SimOptions) (Adapter, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !emailPattern.MatchString(email) {
		return nil, fmt.Errorf("%w: %q is not an email address", ErrInvalidIdentity, email)
	}
	return &simAdapter{name: "email", seed: "email:" + email, sim: newSimulator(o)}, nil
}

func (a *simAdapter) Name() string      { return a.name }
func (a *simAdapter) Rail() models.Rail { return models.RailWallet }

func (a *simAdapter) Connect(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return DeriveAddress(a.seed), nil
}

func (a *simAdapter) Disconnect(context.Context) error { return nil }

// SignAndSend waits the approval latency and then either rejects on behalf of
// the user or returns a fresh settlement reference.
func (a *simAdapter) SignAndSend(ctx context.Context, req TransferRequest) (string, error) {
	rejected, err := a.sim.run(ctx)
	if err != nil {
		return "", err
	}
	if rejected {
		return "", ErrUserRejected
	}
	return NewReference(), nil
}
