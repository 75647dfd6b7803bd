package balance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"presale-engine-go/internal/ledger"
	"presale-engine-go/internal/models"
	"presale-engine-go/internal/rpc"

	"github.com/facebookgo/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSource struct {
	mu    sync.Mutex
	fail  bool
	calls map[Asset]int
	vals  map[Asset]decimal.Decimal
}

func newMockSource() *mockSource {
	return &mockSource{
		calls: map[Asset]int{},
		vals: map[Asset]decimal.Decimal{
			AssetNative: decimal.NewFromInt(2),
			AssetStable: decimal.NewFromInt(300),
			AssetReward: decimal.NewFromInt(40000),
		},
	}
}

func (m *mockSource) Balance(_ context.Context, _ string, asset Asset) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[asset]++
	if m.fail {
		return decimal.Zero, errors.New("rpc unavailable")
	}
	return m.vals[asset], nil
}

func (m *mockSource) setFail(v bool) {
	m.mu.Lock()
	m.fail = v
	m.mu.Unlock()
}

func TestRefetchFetchesAllThree(t *testing.T) {
	src := newMockSource()
	tr := NewTracker(Options{Source: src, Clock: clock.NewMock()})
	defer tr.Stop()

	tr.SetAddress(context.Background(), "0xabc")
	require.Eventually(t, func() bool { return tr.Snapshot().QuoteStable.Equal(decimal.NewFromInt(300)) }, time.Second, time.Millisecond)

	b := tr.Snapshot()
	assert.True(t, b.QuoteNative.Equal(decimal.NewFromInt(2)))
	assert.True(t, b.RewardAsset.Equal(decimal.NewFromInt(40000)))
	assert.False(t, tr.Loading())

	src.mu.Lock()
	assert.Equal(t, 1, src.calls[AssetNative])
	assert.Equal(t, 1, src.calls[AssetStable])
	assert.Equal(t, 1, src.calls[AssetReward])
	src.mu.Unlock()
}

func TestRefetchFailureKeepsPreviousValues(t *testing.T) {
	src := newMockSource()
	tr := NewTracker(Options{Source: src, Clock: clock.NewMock()})
	defer tr.Stop()

	tr.SetAddress(context.Background(), "0xabc")
	require.Eventually(t, func() bool { return tr.Snapshot().QuoteNative.IsPositive() }, time.Second, time.Millisecond)

	src.setFail(true)
	assert.Error(t, tr.Refetch(context.Background()))
	assert.True(t, tr.Snapshot().QuoteNative.Equal(decimal.NewFromInt(2)))
	assert.False(t, tr.Loading())
}

func TestAddressLossResetsAndStops(t *testing.T) {
	src := newMockSource()
	var mu sync.Mutex
	var last models.BalanceSnapshot
	tr := NewTracker(Options{
		Source: src,
		Clock:  clock.NewMock(),
		OnUpdate: func(b models.BalanceSnapshot, _ bool) {
			mu.Lock()
			last = b
			mu.Unlock()
		},
	})

	tr.SetAddress(context.Background(), "0xabc")
	require.Eventually(t, func() bool { return tr.Snapshot().QuoteNative.IsPositive() }, time.Second, time.Millisecond)

	tr.SetAddress(context.Background(), "")
	assert.True(t, tr.Snapshot().QuoteNative.IsZero())
	assert.True(t, tr.Snapshot().QuoteStable.IsZero())
	assert.True(t, tr.Snapshot().RewardAsset.IsZero())
	assert.Empty(t, tr.Address())

	mu.Lock()
	assert.True(t, last.QuoteStable.IsZero())
	mu.Unlock()

	// Without an address a refetch is a no-op.
	require.NoError(t, tr.Refetch(context.Background()))
	assert.True(t, tr.Snapshot().QuoteStable.IsZero())
}

func TestPollingFollowsInterval(t *testing.T) {
	mock := clock.NewMock()
	src := newMockSource()
	tr := NewTracker(Options{Source: src, Clock: mock, Interval: 10 * time.Second})
	defer tr.Stop()

	tr.SetAddress(context.Background(), "0xabc")
	calls := func() int {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.calls[AssetNative]
	}
	require.Eventually(t, func() bool { return calls() == 1 }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		mock.Add(10 * time.Second)
		return calls() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestLedgerSource(t *testing.T) {
	l := ledger.New(models.BalanceSnapshot{QuoteNative: decimal.NewFromInt(1), QuoteStable: decimal.NewFromInt(1000)}, nil, nil)
	src := LedgerSource{Ledger: l}

	v, err := src.Balance(context.Background(), "0xabc", AssetStable)
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromInt(1000)))

	l.Apply(ledger.Delta{Stable: decimal.NewFromInt(-18)})
	v, err = src.Balance(context.Background(), "0xabc", AssetStable)
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromInt(982)))

	_, err = src.Balance(context.Background(), "0xabc", Asset("gold"))
	assert.Error(t, err)
}

func TestRPCSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/balances", r.URL.Path)
		assert.Equal(t, "mainnet", r.URL.Query().Get("network"))
		switch r.URL.Query().Get("asset") {
		case "native":
			_, _ = w.Write([]byte(`{"balance":"0.75"}`))
		case "stable":
			_, _ = w.Write([]byte(`{"balance":"-1"}`))
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	src := NewRPCSource(rpc.New(rpc.Options{BaseURL: srv.URL, Timeout: time.Second}), "mainnet")
	v, err := src.Balance(context.Background(), "0xabc", AssetNative)
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.RequireFromString("0.75")))

	_, err = src.Balance(context.Background(), "0xabc", AssetStable)
	assert.Error(t, err)
	_, err = src.Balance(context.Background(), "0xabc", AssetReward)
	assert.Error(t, err)
}
