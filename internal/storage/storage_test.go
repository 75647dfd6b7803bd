package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"presale-engine-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := InitDB(filepath.Join(t.TempDir(), "presale.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func settlement(ref, addr string, kind models.TxKind, reward, usd string) Settlement {
	return Settlement{
		Reference:    ref,
		Address:      addr,
		Network:      models.NetworkTestnet,
		Kind:         kind,
		RewardAmount: decimal.RequireFromString(reward),
		PaidAmount:   decimal.RequireFromString(usd),
		Currency:     models.CurrencyStable,
		USDValue:     decimal.RequireFromString(usd),
		CreatedAt:    time.Unix(1_700_000_000, 0),
	}
}

func TestRecordSettlementRejectsDuplicateReference(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	first := settlement("ref-1", "0xAbC", models.KindPresaleBuy, "10000000", "18")
	require.NoError(t, s.RecordSettlement(ctx, first))

	second := settlement("ref-1", "0xdef", models.KindPresaleBuy, "1", "99")
	err := s.RecordSettlement(ctx, second)
	require.ErrorIs(t, err, ErrDuplicateReference)

	stored, err := s.GetSettlement(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", stored.Address, "the first write is kept")
	assert.True(t, stored.USDValue.Equal(decimal.NewFromInt(18)))
	assert.Equal(t, models.KindPresaleBuy, stored.Kind)
}

func TestRecordSettlementValidatesInput(t *testing.T) {
	s := newStore(t)
	err := s.RecordSettlement(context.Background(), Settlement{Address: "0x1"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGetSettlementNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.GetSettlement(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserRecordLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	rec, err := s.UserRecord(ctx, "0xA")
	require.NoError(t, err)
	assert.True(t, rec.CumulativeUSDContribution.IsZero())
	assert.False(t, rec.HasClaimed)

	_, err = s.AddContribution(ctx, "0xA", decimal.RequireFromString("18"), decimal.NewFromInt(10_000_000))
	require.NoError(t, err)
	rec, err = s.AddContribution(ctx, "0xa", decimal.RequireFromString("2.5"), decimal.NewFromInt(1_250_000))
	require.NoError(t, err)
	assert.True(t, rec.CumulativeUSDContribution.Equal(decimal.RequireFromString("20.5")))
	assert.True(t, rec.PurchasedUnits.Equal(decimal.NewFromInt(11_250_000)))

	require.NoError(t, s.MarkClaimed(ctx, "0xA"))
	_, err = s.AddContribution(ctx, "0xA", decimal.NewFromInt(1), decimal.NewFromInt(500_000))
	require.NoError(t, err)

	rec, err = s.UserRecord(ctx, "0xA")
	require.NoError(t, err)
	assert.True(t, rec.HasClaimed, "claim flag survives later contribution updates")
	assert.True(t, rec.CumulativeUSDContribution.Equal(decimal.RequireFromString("21.5")))
	assert.True(t, rec.PurchasedUnits.Equal(decimal.NewFromInt(11_750_000)))
}

func TestInitDBAddsPurchasedUnitsColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presale.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE user_records (address TEXT PRIMARY KEY, contribution_usd TEXT NOT NULL, has_claimed BOOLEAN NOT NULL DEFAULT 0)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO user_records (address, contribution_usd, has_claimed) VALUES ('0xa', '18', 0)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := InitDB(path)
	require.NoError(t, err)

	rec, err := s.UserRecord(context.Background(), "0xA")
	require.NoError(t, err)
	assert.True(t, rec.CumulativeUSDContribution.Equal(decimal.NewFromInt(18)))
	assert.True(t, rec.PurchasedUnits.IsZero())

	// Reopening an already migrated database is a no-op.
	require.NoError(t, s.Close())
	s, err = InitDB(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestTotalsAndHolders(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordSettlement(ctx, settlement("a", "0x1", models.KindPresaleBuy, "100", "1")))
	require.NoError(t, s.RecordSettlement(ctx, settlement("b", "0x1", models.KindPresaleBuy, "50", "1")))
	require.NoError(t, s.RecordSettlement(ctx, settlement("c", "0x2", models.KindPresaleBuy, "25", "1")))
	require.NoError(t, s.RecordSettlement(ctx, settlement("d", "0x3", models.KindMarketBuy, "5", "1")))
	require.NoError(t, s.RecordSettlement(ctx, settlement("e", "0x1", models.KindClaim, "150", "0")))

	sold, contributors, err := s.Totals(ctx)
	require.NoError(t, err)
	assert.True(t, sold.Equal(decimal.NewFromInt(175)))
	assert.Equal(t, int64(2), contributors)

	holders, err := s.HolderCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), holders)
}
