package wallet

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"presale-engine-go/internal/models"

	"github.com/facebookgo/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instant() SimOptions {
	return SimOptions{Clock: clock.NewMock(), Rand: rand.New(rand.NewSource(1))}
}

type failingAdapter struct{ simAdapter }

func (f *failingAdapter) Connect(context.Context) (string, error) {
	return "", errors.New("provider not installed")
}

// gatedAdapter connects only once gate is closed.
type gatedAdapter struct {
	simAdapter
	gate chan struct{}
}

func (g *gatedAdapter) Connect(context.Context) (string, error) {
	<-g.gate
	return DeriveAddress("gated"), nil
}

func TestDeriveAddressIsDeterministic(t *testing.T) {
	a := DeriveAddress("provider:metamask")
	assert.Equal(t, a, DeriveAddress("provider:metamask"))
	assert.NotEqual(t, a, DeriveAddress("provider:walletconnect"))
	assert.Len(t, a, 42)
	assert.Regexp(t, `^0x[0-9a-f]{40}$`, a)
}

func TestSessionConnectDisconnect(t *testing.T) {
	var mu sync.Mutex
	var seen []models.WalletStatus
	s := NewSession(nil, func(v models.WalletView) {
		mu.Lock()
		seen = append(seen, v.Status)
		mu.Unlock()
	})

	_, err := s.Signer()
	assert.ErrorIs(t, err, ErrNotConnected)

	adapter, err := NewProviderAdapter("MetaMask", instant())
	require.NoError(t, err)
	addr, err := s.Connect(context.Background(), adapter)
	require.NoError(t, err)
	assert.Equal(t, DeriveAddress("provider:metamask"), addr)
	assert.Equal(t, models.WalletConnected, s.Status())
	assert.Equal(t, "MetaMask", s.View().Provider)

	signer, err := s.Signer()
	require.NoError(t, err)
	assert.Equal(t, models.RailWallet, signer.Rail())

	s.Disconnect(context.Background())
	s.Disconnect(context.Background())
	assert.Equal(t, models.WalletDisconnected, s.Status())
	assert.Empty(t, s.Address())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.WalletStatus{models.WalletConnecting, models.WalletConnected, models.WalletDisconnected}, seen)
}

func TestSessionConnectFailureResolvesToDisconnected(t *testing.T) {
	s := NewSession(nil, nil)
	_, err := s.Connect(context.Background(), &failingAdapter{simAdapter{name: "broken", sim: newSimulator(instant())}})
	require.Error(t, err)
	assert.Equal(t, models.WalletDisconnected, s.Status())
}

func TestSessionLaterConnectSupersedesEarlier(t *testing.T) {
	s := NewSession(nil, nil)
	slow := &gatedAdapter{simAdapter: simAdapter{name: "slow", sim: newSimulator(instant())}, gate: make(chan struct{})}
	done := make(chan error, 1)
	go func() {
		_, err := s.Connect(context.Background(), slow)
		done <- err
	}()
	require.Eventually(t, func() bool { return s.Status() == models.WalletConnecting }, time.Second, time.Millisecond)

	fast, err := NewProviderAdapter("MetaMask", instant())
	require.NoError(t, err)
	addr, err := s.Connect(context.Background(), fast)
	require.NoError(t, err)

	close(slow.gate)
	assert.ErrorIs(t, <-done, ErrSuperseded)
	assert.Equal(t, addr, s.Address())
	assert.Equal(t, models.WalletConnected, s.Status())
}

func TestEmailAdapter(t *testing.T) {
	a, err := NewEmailAdapter(" Alice@Example.com ", instant())
	require.NoError(t, err)
	b, err := NewEmailAdapter("alice@example.com", instant())
	require.NoError(t, err)

	addrA, _ := a.Connect(context.Background())
	addrB, _ := b.Connect(context.Background())
	assert.Equal(t, addrA, addrB)

	_, err = NewEmailAdapter("not-an-email", instant())
	assert.ErrorIs(t, err, ErrInvalidIdentity)
	_, err = NewProviderAdapter("  ", instant())
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestSignAndSendRejection(t *testing.T) {
	o := instant()
	o.FailureRate = 1
	a, err := NewProviderAdapter("MetaMask", o)
	require.NoError(t, err)
	_, err = a.SignAndSend(context.Background(), TransferRequest{Kind: models.KindPresaleBuy})
	assert.ErrorIs(t, err, ErrUserRejected)

	o.FailureRate = 0
	a, err = NewProviderAdapter("MetaMask", o)
	require.NoError(t, err)
	ref1, err := a.SignAndSend(context.Background(), TransferRequest{Kind: models.KindPresaleBuy})
	require.NoError(t, err)
	ref2, err := a.SignAndSend(context.Background(), TransferRequest{Kind: models.KindPresaleBuy})
	require.NoError(t, err)
	assert.NotEqual(t, ref1, ref2)
}

func TestSignAndSendWaitsForLatency(t *testing.T) {
	mock := clock.NewMock()
	a, err := NewProviderAdapter("MetaMask", SimOptions{
		MinLatency: time.Second,
		MaxLatency: 1500 * time.Millisecond,
		Clock:      mock,
		Rand:       rand.New(rand.NewSource(3)),
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := a.SignAndSend(context.Background(), TransferRequest{})
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("signature returned before the approval latency elapsed")
	case <-time.After(20 * time.Millisecond):
	}
	// Advance in small steps so the timer is registered before it must fire.
	for i := 0; i < 40; i++ {
		mock.Add(50 * time.Millisecond)
	}
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("signature never completed")
	}
}

func TestSignAndSendHonoursContext(t *testing.T) {
	a, err := NewProviderAdapter("MetaMask", SimOptions{MinLatency: time.Hour, Clock: clock.NewMock()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.SignAndSend(ctx, TransferRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRails(t *testing.T) {
	card := NewCardRail(0, 1, clock.NewMock(), rand.New(rand.NewSource(1)))
	assert.Equal(t, models.RailCard, card.Rail())
	_, err := card.SignAndSend(context.Background(), TransferRequest{USDValue: decimal.NewFromInt(25)})
	assert.ErrorIs(t, err, ErrPaymentFailed)
	assert.NotErrorIs(t, err, ErrUserRejected)

	qr := NewQRRail(0, 0, clock.NewMock(), rand.New(rand.NewSource(1)))
	assert.Equal(t, models.RailQR, qr.Rail())
	ref, err := qr.SignAndSend(context.Background(), TransferRequest{})
	require.NoError(t, err)
	assert.Regexp(t, `^0x[0-9a-f]{32}$`, ref)
}
