package affiliate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"presale-engine-go/internal/persistence"
	"presale-engine-go/internal/rpc"

	"github.com/facebookgo/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const addr = "0x1234567890abcdef1234567890abcdef12345678"

type mockValidator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockValidator) Validate(context.Context, string, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.err
}

func TestReferralCodeDeterministic(t *testing.T) {
	code := ReferralCode(addr)
	assert.NotEmpty(t, code)
	for i := 0; i < 10; i++ {
		assert.Equal(t, code, ReferralCode(addr))
	}
	assert.Equal(t, code, ReferralCode("  0X1234567890ABCDEF1234567890ABCDEF12345678 "))
	assert.NotEqual(t, code, ReferralCode("0x0000000000000000000000000000000000000001"))
	assert.Regexp(t, `^[0-9A-Za-z]+$`, code)
}

func TestValidHandle(t *testing.T) {
	assert.True(t, ValidHandle("@hot_fan"))
	assert.True(t, ValidHandle("hotfan99"))
	assert.False(t, ValidHandle("ab"))
	assert.False(t, ValidHandle("has space"))
	assert.False(t, ValidHandle("bad-chars!"))
}

func TestClaimBonusOnce(t *testing.T) {
	v := &mockValidator{}
	tr := NewTracker(persistence.NewMemoryCache(clock.NewMock()), v, decimal.NewFromInt(1_000_000), nil)

	st, err := tr.ClaimBonus(context.Background(), addr, "@hot_fan")
	require.NoError(t, err)
	assert.True(t, st.BonusClaimed)
	assert.Equal(t, "hot_fan", st.Handle)
	assert.True(t, st.RewardTotal.Equal(decimal.NewFromInt(1_000_000)))
	assert.Equal(t, ReferralCode(addr), st.ReferralCode)

	_, err = tr.ClaimBonus(context.Background(), addr, "@other")
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	assert.Equal(t, 1, v.calls)
	assert.True(t, tr.Reward(addr).Equal(decimal.NewFromInt(1_000_000)))
}

func TestClaimBonusInvalidHandleSkipsValidator(t *testing.T) {
	v := &mockValidator{}
	tr := NewTracker(persistence.NewMemoryCache(nil), v, decimal.NewFromInt(10), nil)

	_, err := tr.ClaimBonus(context.Background(), addr, "x")
	assert.ErrorIs(t, err, ErrInvalidHandle)
	assert.Equal(t, 0, v.calls)

	_, err = tr.ClaimBonus(context.Background(), "", "valid_handle")
	assert.ErrorIs(t, err, ErrNoAddress)
}

func TestClaimBonusRejectedLeavesStateUnclaimed(t *testing.T) {
	v := &mockValidator{err: &RejectedError{Reason: "account too new"}}
	tr := NewTracker(persistence.NewMemoryCache(nil), v, decimal.NewFromInt(10), nil)

	_, err := tr.ClaimBonus(context.Background(), addr, "hot_fan")
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "account too new", rejected.Reason)

	st, err := tr.State(addr)
	require.NoError(t, err)
	assert.False(t, st.BonusClaimed)
	assert.True(t, st.RewardTotal.IsZero())

	v.err = nil
	_, err = tr.ClaimBonus(context.Background(), addr, "hot_fan")
	assert.NoError(t, err)
}

func TestConcurrentClaimsGrantOnce(t *testing.T) {
	v := &mockValidator{}
	tr := NewTracker(persistence.NewMemoryCache(nil), v, decimal.NewFromInt(10), nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.ClaimBonus(context.Background(), addr, "hot_fan"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
	assert.True(t, tr.Reward(addr).Equal(decimal.NewFromInt(10)))
}

func TestHTTPValidator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["handle"] == "hot_fan" {
			_, _ = w.Write([]byte(`{"success":true}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":false,"reason":"handle does not follow the project"}`))
	}))
	defer srv.Close()

	v := NewHTTPValidator(rpc.New(rpc.Options{BaseURL: srv.URL, Timeout: time.Second}))
	assert.NoError(t, v.Validate(context.Background(), addr, "hot_fan"))

	err := v.Validate(context.Background(), addr, "stranger")
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Contains(t, rejected.Reason, "does not follow")
}
