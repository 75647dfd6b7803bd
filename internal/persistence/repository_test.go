package persistence

import (
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newBadger(t *testing.T) *BadgerCache {
	t.Helper()
	c, err := NewBadgerCache("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestBadgerPutGet(t *testing.T) {
	c := newBadger(t)

	require.NoError(t, c.Put(HistoryKey("0xABC"), record{Name: "a", Count: 2}))

	var got record
	require.NoError(t, c.Get(HistoryKey("0xabc"), &got), "keys are case-insensitive on the address")
	assert.Equal(t, record{Name: "a", Count: 2}, got)
}

func TestBadgerMissingKey(t *testing.T) {
	c := newBadger(t)

	var got record
	assert.ErrorIs(t, c.Get("nope", &got), ErrNotFound)
}

func TestBadgerDelete(t *testing.T) {
	c := newBadger(t)
	require.NoError(t, c.Put("k", record{Name: "x"}))
	require.NoError(t, c.Delete("k"))

	var got record
	assert.ErrorIs(t, c.Get("k", &got), ErrNotFound)
	assert.NoError(t, c.Delete("k"), "deleting twice is fine")
}

func TestBadgerTTLEntryReadableBeforeExpiry(t *testing.T) {
	c := newBadger(t)
	require.NoError(t, c.SetWithTTL(PriceKey("quote"), record{Name: "bnb"}, time.Minute))

	var got record
	require.NoError(t, c.Get(PriceKey("quote"), &got))
	assert.Equal(t, "bnb", got.Name)
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	clk := clock.NewMock()
	c := NewMemoryCache(clk)

	require.NoError(t, c.SetWithTTL("k", record{Count: 1}, 20*time.Second))
	require.NoError(t, c.Put("persisted", record{Count: 7}))

	var got record
	require.NoError(t, c.Get("k", &got))

	clk.Add(19 * time.Second)
	require.NoError(t, c.Get("k", &got))

	clk.Add(time.Second)
	assert.ErrorIs(t, c.Get("k", &got), ErrNotFound)

	clk.Add(365 * 24 * time.Hour)
	require.NoError(t, c.Get("persisted", &got), "persisted entries never expire")
	assert.Equal(t, 7, got.Count)
}
