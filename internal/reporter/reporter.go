package reporter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"presale-engine-go/internal/models"
	"presale-engine-go/internal/sale"
	"presale-engine-go/internal/storage"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
)

// SettlementLookup 按结算引用查询已记录的结算
type SettlementLookup interface {
	GetSettlement(ctx context.Context, reference string) (*storage.Settlement, error)
}

// AuditInput 是一次对账所需的全部输入
type AuditInput struct {
	Address     string
	Network     string
	History     []models.Transaction // 最新在前
	User        models.UserSaleRecord
	Claimable   decimal.Decimal
	Balances    models.BalanceSnapshot
	Tiers       []models.ContributionTier
	Settlements SettlementLookup // 为 nil 时跳过结算核对
	GeneratedAt time.Time
}

// Metrics 存储对账计算出的所有指标
type Metrics struct {
	Address     string
	Network     string
	GeneratedAt time.Time

	TotalTransactions int
	ByKind            map[models.TxKind]int
	ByRail            map[models.Rail]int
	Confirmed         int
	Pending           int
	Failed            int

	PresaleUSD        decimal.Decimal // 已确认的预售买入金额
	PendingUSD        decimal.Decimal // 离线排队中的金额
	MarketBoughtUnits decimal.Decimal
	MarketSoldUnits   decimal.Decimal
	ClaimedUnits      decimal.Decimal

	RecordedContribution decimal.Decimal
	ContributionDrift    decimal.Decimal // 用户记录减去历史合计，正常应为零
	HasClaimed           bool
	Claimable            decimal.Decimal
	Tier                 *models.ContributionTier
	Balances             models.BalanceSnapshot

	Unrecorded []string // 已确认但结算库中不存在的引用
	Mismatched []string // 结算库金额与历史不一致的引用
}

// Consistent 报告历史、用户记录与结算库是否一致
func (m *Metrics) Consistent() bool {
	return m.ContributionDrift.IsZero() && len(m.Unrecorded) == 0 && len(m.Mismatched) == 0
}

// RunAudit 根据交易历史、用户记录和结算库计算对账指标
func RunAudit(ctx context.Context, in AuditInput) (*Metrics, error) {
	m := &Metrics{
		Address:              in.Address,
		Network:              in.Network,
		GeneratedAt:          in.GeneratedAt,
		TotalTransactions:    len(in.History),
		ByKind:               make(map[models.TxKind]int),
		ByRail:               make(map[models.Rail]int),
		PresaleUSD:           decimal.Zero,
		PendingUSD:           decimal.Zero,
		MarketBoughtUnits:    decimal.Zero,
		MarketSoldUnits:      decimal.Zero,
		ClaimedUnits:         decimal.Zero,
		RecordedContribution: in.User.CumulativeUSDContribution,
		HasClaimed:           in.User.HasClaimed,
		Claimable:            in.Claimable,
		Balances:             in.Balances,
	}

	for _, tx := range in.History {
		m.ByKind[tx.Kind]++
		m.ByRail[tx.Rail]++

		if tx.Status == models.TxPending {
			m.Pending++
			if tx.Kind == models.KindPresaleBuy {
				m.PendingUSD = m.PendingUSD.Add(tx.USDValue)
			}
			continue
		}
		if tx.Status == models.TxFailed {
			m.Failed++
			continue
		}
		m.Confirmed++

		switch tx.Kind {
		case models.KindPresaleBuy:
			m.PresaleUSD = m.PresaleUSD.Add(tx.USDValue)
		case models.KindMarketBuy:
			m.MarketBoughtUnits = m.MarketBoughtUnits.Add(tx.RewardAmount)
		case models.KindMarketSell:
			m.MarketSoldUnits = m.MarketSoldUnits.Add(tx.RewardAmount)
		case models.KindClaim:
			m.ClaimedUnits = m.ClaimedUnits.Add(tx.RewardAmount)
		}

		if in.Settlements == nil {
			continue
		}
		st, err := in.Settlements.GetSettlement(ctx, tx.ID)
		if errors.Is(err, storage.ErrNotFound) {
			m.Unrecorded = append(m.Unrecorded, tx.ID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lookup settlement %s: %w", tx.ID, err)
		}
		if !st.USDValue.Equal(tx.USDValue) || !st.RewardAmount.Equal(tx.RewardAmount) || st.Kind != tx.Kind {
			m.Mismatched = append(m.Mismatched, tx.ID)
		}
	}

	m.ContributionDrift = m.RecordedContribution.Sub(m.PresaleUSD)
	m.Tier = sale.TierFor(in.Tiers, m.RecordedContribution)
	return m, nil
}

// GenerateReport 将对账指标渲染为表格写入 w
func GenerateReport(w io.Writer, m *Metrics) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("预售对账报告")
	t.AppendHeader(table.Row{"项目", "值"})

	t.AppendRows([]table.Row{
		{"地址", m.Address},
		{"网络", m.Network},
		{"生成时间", m.GeneratedAt.UTC().Format("2006-01-02 15:04:05")},
	})
	t.AppendSeparator()

	t.AppendRow(table.Row{"交易总数", m.TotalTransactions})
	t.AppendRow(table.Row{"已确认 / 待处理 / 失败", fmt.Sprintf("%d / %d / %d", m.Confirmed, m.Pending, m.Failed)})
	for _, k := range sortedKinds(m.ByKind) {
		t.AppendRow(table.Row{"  " + string(k), m.ByKind[k]})
	}
	for _, r := range sortedRails(m.ByRail) {
		label := string(r)
		if label == "" {
			label = "unknown"
		}
		t.AppendRow(table.Row{"  rail " + label, m.ByRail[r]})
	}
	t.AppendSeparator()

	t.AppendRows([]table.Row{
		{"预售买入 (USD)", m.PresaleUSD.StringFixed(2)},
		{"待处理 (USD)", m.PendingUSD.StringFixed(2)},
		{"市场买入", m.MarketBoughtUnits.String()},
		{"市场卖出", m.MarketSoldUnits.String()},
		{"已领取", m.ClaimedUnits.String()},
	})
	t.AppendSeparator()

	tier := "-"
	if m.Tier != nil {
		tier = fmt.Sprintf("%s (+%s%%)", m.Tier.Label, m.Tier.BonusPercent.String())
	}
	t.AppendRows([]table.Row{
		{"累计贡献 (USD)", m.RecordedContribution.StringFixed(2)},
		{"贡献偏差 (USD)", m.ContributionDrift.StringFixed(2)},
		{"等级", tier},
		{"已领取", m.HasClaimed},
		{"可领取", m.Claimable.String()},
	})
	t.AppendSeparator()

	t.AppendRows([]table.Row{
		{"余额 " + string(models.CurrencyNative), m.Balances.QuoteNative.String()},
		{"余额 " + string(models.CurrencyStable), m.Balances.QuoteStable.String()},
		{"余额 " + string(models.CurrencyReward), m.Balances.RewardAsset.String()},
	})

	if len(m.Unrecorded) > 0 || len(m.Mismatched) > 0 {
		t.AppendSeparator()
		for _, id := range m.Unrecorded {
			t.AppendRow(table.Row{"未记录结算", id})
		}
		for _, id := range m.Mismatched {
			t.AppendRow(table.Row{"结算不一致", id})
		}
	}

	status := "一致"
	if !m.Consistent() {
		status = "不一致"
	}
	t.AppendFooter(table.Row{"对账结果", status})
	t.Render()
}

func sortedKinds(m map[models.TxKind]int) []models.TxKind {
	keys := make([]models.TxKind, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func sortedRails(m map[models.Rail]int) []models.Rail {
	keys := make([]models.Rail, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
