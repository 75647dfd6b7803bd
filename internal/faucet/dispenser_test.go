package faucet

import (
	"testing"
	"time"

	"presale-engine-go/internal/config"
	"presale-engine-go/internal/ledger"
	"presale-engine-go/internal/models"
	"presale-engine-go/internal/persistence"

	"github.com/facebookgo/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const addr = "0x1234567890abcdef1234567890abcdef12345678"

func setup(t *testing.T) (*Dispenser, *ledger.MockLedger, *clock.Mock) {
	t.Helper()
	cfg := config.Default()
	mock := clock.NewMock()
	l := ledger.New(models.BalanceSnapshot{}, nil, nil)
	return NewDispenser(cfg, l, persistence.NewMemoryCache(mock), mock, nil), l, mock
}

func TestFaucetCreditsLedger(t *testing.T) {
	d, l, _ := setup(t)

	g, err := d.Request(addr, models.NetworkTestnet)
	require.NoError(t, err)
	assert.True(t, g.Native.Equal(decimal.RequireFromString("0.5")))

	b := l.Snapshot()
	assert.True(t, b.QuoteNative.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, b.QuoteStable.Equal(decimal.NewFromInt(500)))
}

func TestFaucetRateLimitedPerRollingHour(t *testing.T) {
	d, l, mock := setup(t)

	_, err := d.Request(addr, "")
	require.NoError(t, err)

	mock.Add(59 * time.Minute)
	_, err = d.Request(addr, "")
	assert.ErrorIs(t, err, ErrRateLimited)

	// A different address is not affected.
	_, err = d.Request("0x0000000000000000000000000000000000000002", "")
	assert.NoError(t, err)

	mock.Add(2 * time.Minute)
	_, err = d.Request(addr, "")
	assert.NoError(t, err)
	assert.True(t, l.Snapshot().QuoteStable.Equal(decimal.NewFromInt(1500)))
}

func TestFaucetRejectsProduction(t *testing.T) {
	d, l, _ := setup(t)
	_, err := d.Request(addr, models.NetworkMainnet)
	assert.ErrorIs(t, err, ErrProduction)
	assert.True(t, l.Snapshot().QuoteStable.IsZero())

	_, err = d.Request("", models.NetworkTestnet)
	assert.ErrorIs(t, err, ErrNoAddress)
}
