package sale

import (
	"math/rand"
	"sort"
	"testing"

	"presale-engine-go/internal/config"
	"presale-engine-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierForBoundaries(t *testing.T) {
	tiers := config.DefaultTiers()

	cases := []struct {
		usd   string
		label string
	}{
		{"0", "Starter"},
		{"499.99", "Starter"},
		{"500", "Bronze"},
		{"2500", "Silver"},
		{"9999.99", "Silver"},
		{"10000", "Gold"},
		{"50000", "Diamond"},
		{"1000000000", "Diamond"},
	}
	for _, tc := range cases {
		tier := TierFor(tiers, decimal.RequireFromString(tc.usd))
		require.NotNil(t, tier, tc.usd)
		assert.Equal(t, tc.label, tier.Label, tc.usd)
	}
}

func TestTierForBelowEveryTier(t *testing.T) {
	tiers := []models.ContributionTier{{ID: 1, MinUSD: decimal.NewFromInt(100), Label: "Only"}}
	assert.Nil(t, TierFor(tiers, decimal.NewFromInt(99)))
	assert.True(t, BonusPercent(tiers, decimal.NewFromInt(99)).IsZero())
}

// TestBonusMonotonic checks that more contribution never lowers the bonus.
func TestBonusMonotonic(t *testing.T) {
	tiers := config.DefaultTiers()
	rng := rand.New(rand.NewSource(7))

	amounts := make([]decimal.Decimal, 0, 500)
	for i := 0; i < 500; i++ {
		amounts = append(amounts, decimal.NewFromFloat(rng.Float64()*120_000).Round(2))
	}
	sort.Slice(amounts, func(i, j int) bool { return amounts[i].LessThan(amounts[j]) })

	prev := decimal.NewFromInt(-1)
	for _, a := range amounts {
		b := BonusPercent(tiers, a)
		assert.True(t, b.GreaterThanOrEqual(prev), "bonus dropped at %s", a)
		prev = b
	}
}

func TestApplyBonus(t *testing.T) {
	tier := &models.ContributionTier{BonusPercent: decimal.NewFromInt(15)}
	assert.True(t, ApplyBonus(tier, decimal.NewFromInt(1000)).Equal(decimal.NewFromInt(1150)))
	assert.True(t, ApplyBonus(nil, decimal.NewFromInt(1000)).Equal(decimal.NewFromInt(1000)))
}
