package reporter

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"presale-engine-go/internal/config"
	"presale-engine-go/internal/models"
	"presale-engine-go/internal/storage"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tx(id string, kind models.TxKind, status models.TxStatus, reward, usd int64) models.Transaction {
	return models.Transaction{
		ID:           id,
		Address:      "0xabc",
		Kind:         kind,
		Status:       status,
		Rail:         models.RailWallet,
		Currency:     models.CurrencyStable,
		RewardAmount: decimal.NewFromInt(reward),
		PaidAmount:   decimal.NewFromInt(usd),
		USDValue:     decimal.NewFromInt(usd),
	}
}

func record(t *testing.T, s *storage.Store, tr models.Transaction) {
	t.Helper()
	require.NoError(t, s.RecordSettlement(context.Background(), storage.Settlement{
		Reference:    tr.ID,
		Address:      tr.Address,
		Network:      models.NetworkTestnet,
		Kind:         tr.Kind,
		RewardAmount: tr.RewardAmount,
		PaidAmount:   tr.PaidAmount,
		Currency:     tr.Currency,
		USDValue:     tr.USDValue,
		CreatedAt:    time.Unix(1_700_000_000, 0),
	}))
}

func TestRunAuditConsistentHistory(t *testing.T) {
	s, err := storage.InitDB(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer s.Close()

	history := []models.Transaction{
		tx("pending-1", models.KindPresaleBuy, models.TxPending, 5_000_000, 9),
		tx("pending-0", models.KindClaim, models.TxFailed, 2_000_000, 0),
		tx("0x2", models.KindMarketBuy, models.TxConfirmed, 1_000_000, 4),
		tx("0x1", models.KindPresaleBuy, models.TxConfirmed, 10_000_000, 18),
	}
	record(t, s, history[2])
	record(t, s, history[3])

	m, err := RunAudit(context.Background(), AuditInput{
		Address:     "0xabc",
		Network:     models.NetworkTestnet,
		History:     history,
		User:        models.UserSaleRecord{Address: "0xabc", CumulativeUSDContribution: decimal.NewFromInt(18)},
		Claimable:   decimal.NewFromInt(10_000_000),
		Tiers:       config.DefaultTiers(),
		Settlements: s,
	})
	require.NoError(t, err)

	assert.Equal(t, 4, m.TotalTransactions)
	assert.Equal(t, 2, m.Confirmed)
	assert.Equal(t, 1, m.Pending)
	assert.Equal(t, 1, m.Failed)
	assert.True(t, m.ClaimedUnits.IsZero())
	assert.Equal(t, 2, m.ByKind[models.KindPresaleBuy])
	assert.True(t, m.PresaleUSD.Equal(decimal.NewFromInt(18)))
	assert.True(t, m.PendingUSD.Equal(decimal.NewFromInt(9)))
	assert.True(t, m.MarketBoughtUnits.Equal(decimal.NewFromInt(1_000_000)))
	assert.True(t, m.ContributionDrift.IsZero())
	require.NotNil(t, m.Tier)
	assert.Equal(t, "Starter", m.Tier.Label)
	assert.Empty(t, m.Unrecorded)
	assert.True(t, m.Consistent())

	var buf bytes.Buffer
	GenerateReport(&buf, m)
	out := buf.String()
	assert.Contains(t, out, "0xabc")
	assert.Contains(t, out, "18.00")
	assert.Contains(t, out, "一致")
}

func TestRunAuditFlagsDrift(t *testing.T) {
	s, err := storage.InitDB(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer s.Close()

	history := []models.Transaction{
		tx("0x2", models.KindPresaleBuy, models.TxConfirmed, 10_000_000, 18),
		tx("0x1", models.KindPresaleBuy, models.TxConfirmed, 10_000_000, 18),
	}
	record(t, s, history[1])
	changed := history[0]
	changed.USDValue = decimal.NewFromInt(20)
	record(t, s, changed)
	history = append(history, tx("0x0", models.KindClaim, models.TxConfirmed, 1, 0))

	m, err := RunAudit(context.Background(), AuditInput{
		History:     history,
		User:        models.UserSaleRecord{CumulativeUSDContribution: decimal.NewFromInt(40)},
		Tiers:       config.DefaultTiers(),
		Settlements: s,
	})
	require.NoError(t, err)

	assert.True(t, m.ContributionDrift.Equal(decimal.NewFromInt(4)))
	assert.Equal(t, []string{"0x2"}, m.Mismatched)
	assert.Equal(t, []string{"0x0"}, m.Unrecorded)
	assert.False(t, m.Consistent())

	var buf bytes.Buffer
	GenerateReport(&buf, m)
	assert.Contains(t, buf.String(), "不一致")
}

func TestRunAuditWithoutSettlementStore(t *testing.T) {
	m, err := RunAudit(context.Background(), AuditInput{
		History: []models.Transaction{tx("0x1", models.KindPresaleBuy, models.TxConfirmed, 10_000_000, 18)},
		User:    models.UserSaleRecord{CumulativeUSDContribution: decimal.NewFromInt(18)},
	})
	require.NoError(t, err)
	assert.Nil(t, m.Tier)
	assert.True(t, m.Consistent())
}
