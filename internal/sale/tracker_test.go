package sale

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"presale-engine-go/internal/models"
	"presale-engine-go/internal/rpc"

	"github.com/facebookgo/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcSource func(ctx context.Context, network string) (models.SaleStatus, error)

func (f funcSource) FetchStatus(ctx context.Context, network string) (models.SaleStatus, error) {
	return f(ctx, network)
}

func testStatus(sold int64) models.SaleStatus {
	return models.SaleStatus{
		Stage:             models.SaleStageConfig{ID: 1, Name: "Stage 1", StartTime: 100, EndTime: 200},
		TotalSold:         decimal.NewFromInt(sold),
		TotalContributors: sold / 10,
	}
}

func TestTrackerDerivesStateFromClock(t *testing.T) {
	mock := clock.NewMock()
	tr := NewTracker(Options{
		Source: funcSource(func(context.Context, string) (models.SaleStatus, error) { return testStatus(50), nil }),
		Clock:  mock,
	})

	assert.Equal(t, models.SaleUpcoming, tr.State())
	assert.False(t, tr.View().Loaded)

	require.NoError(t, tr.Refresh(context.Background()))
	v := tr.View()
	assert.True(t, v.Loaded)
	assert.Equal(t, models.SaleUpcoming, v.State)
	assert.Equal(t, models.Countdown{Minutes: 1, Seconds: 40}, v.Countdown)

	mock.Add(150 * time.Second)
	assert.Equal(t, models.SaleActive, tr.State())
	assert.Equal(t, models.Countdown{Seconds: 50}, tr.View().Countdown)

	mock.Add(51 * time.Second)
	assert.Equal(t, models.SaleEnded, tr.State())
	assert.True(t, tr.View().Countdown.IsZero())
}

func TestTrackerKeepsLastKnownGoodOnFailure(t *testing.T) {
	var fail atomic.Bool
	tr := NewTracker(Options{
		Source: funcSource(func(context.Context, string) (models.SaleStatus, error) {
			if fail.Load() {
				return models.SaleStatus{}, errors.New("boom")
			}
			return testStatus(500), nil
		}),
		Clock: clock.NewMock(),
	})

	require.NoError(t, tr.Refresh(context.Background()))
	fail.Store(true)
	require.Error(t, tr.Refresh(context.Background()))

	v := tr.View()
	assert.True(t, v.Loaded)
	assert.True(t, v.TotalSold.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, int64(50), v.TotalContributors)
}

func TestTrackerDropsStaleResponse(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	tr := NewTracker(Options{
		Source: funcSource(func(context.Context, string) (models.SaleStatus, error) {
			if calls.Add(1) == 1 {
				<-release
				return testStatus(1), nil
			}
			return testStatus(2), nil
		}),
		Clock: clock.NewMock(),
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = tr.Refresh(context.Background())
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, tr.Refresh(context.Background()))
	close(release)
	wg.Wait()

	assert.True(t, tr.View().TotalSold.Equal(decimal.NewFromInt(2)))
}

func TestTrackerSeedIgnoredAfterPoll(t *testing.T) {
	tr := NewTracker(Options{
		Source: funcSource(func(context.Context, string) (models.SaleStatus, error) { return testStatus(9), nil }),
		Clock:  clock.NewMock(),
	})
	tr.Seed(testStatus(3))
	assert.True(t, tr.View().TotalSold.Equal(decimal.NewFromInt(3)))

	require.NoError(t, tr.Refresh(context.Background()))
	tr.Seed(testStatus(4))
	assert.True(t, tr.View().TotalSold.Equal(decimal.NewFromInt(9)))
}

func TestTrackerStartPollsImmediately(t *testing.T) {
	var updates atomic.Int32
	tr := NewTracker(Options{
		Source:   funcSource(func(context.Context, string) (models.SaleStatus, error) { return testStatus(7), nil }),
		Clock:    clock.NewMock(),
		OnUpdate: func(models.SaleView) { updates.Add(1) },
	})

	tr.Start(context.Background())
	defer tr.Stop()

	require.Eventually(t, func() bool { return tr.View().Loaded }, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, updates.Load(), int32(1))
}

func TestStaticStatusSource(t *testing.T) {
	src := &StaticStatusSource{
		Stage:  models.SaleStageConfig{ID: 2, StartTime: 10, EndTime: 20},
		Listed: true,
		Totals: totalsFunc(func(context.Context) (decimal.Decimal, int64, error) {
			return decimal.NewFromInt(15000), 3, nil
		}),
	}
	st, err := src.FetchStatus(context.Background(), "testnet")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Stage.ID)
	assert.True(t, st.IsListed)
	assert.True(t, st.TotalSold.Equal(decimal.NewFromInt(15000)))
	assert.Equal(t, int64(3), st.TotalContributors)

	src.Totals = totalsFunc(func(context.Context) (decimal.Decimal, int64, error) {
		return decimal.Zero, 0, errors.New("db closed")
	})
	_, err = src.FetchStatus(context.Background(), "testnet")
	assert.Error(t, err)
}

type totalsFunc func(ctx context.Context) (decimal.Decimal, int64, error)

func (f totalsFunc) Totals(ctx context.Context) (decimal.Decimal, int64, error) { return f(ctx) }

func TestHTTPStatusSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sale/status", r.URL.Path)
		assert.Equal(t, "devnet", r.URL.Query().Get("network"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"stage":{"id":3,"name":"Stage 3","start_time":10,"end_time":20},"total_sold":"1200","total_contributors":4,"is_listed":true}`))
	}))
	defer srv.Close()

	src := NewHTTPStatusSource(rpc.New(rpc.Options{BaseURL: srv.URL, Timeout: time.Second}))
	st, err := src.FetchStatus(context.Background(), "devnet")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Stage.ID)
	assert.True(t, st.TotalSold.Equal(decimal.NewFromInt(1200)))
	assert.True(t, st.IsListed)
}

func TestHTTPStatusSourceRejectsInvertedStage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"stage":{"id":3,"start_time":20,"end_time":10}}`))
	}))
	defer srv.Close()

	src := NewHTTPStatusSource(rpc.New(rpc.Options{BaseURL: srv.URL, Timeout: time.Second}))
	_, err := src.FetchStatus(context.Background(), "devnet")
	assert.Error(t, err)
}
