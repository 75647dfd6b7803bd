package balance

import (
	"context"
	"fmt"
	"net/url"

	"presale-engine-go/internal/ledger"
	"presale-engine-go/internal/models"
	"presale-engine-go/internal/rpc"

	"github.com/shopspring/decimal"
)

// Asset selects one of the three tracked balances.
type Asset string

const (
	AssetNative Asset = "native"
	AssetStable Asset = "stable"
	AssetReward Asset = "reward"
)

// Source returns one balance of an address.
type Source interface {
	Balance(ctx context.Context, address string, asset Asset) (decimal.Decimal, error)
}

// LedgerSource reads the shared mock ledger of non-production networks.
type LedgerSource struct {
	Ledger *ledger.MockLedger
}

// Balance implements Source.
func (s LedgerSource) Balance(ctx context.Context, _ string, asset Asset) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	b := s.Ledger.Snapshot()
	return pick(b, asset)
}

// RPCSource reads balances from the platform API on the production network.
type RPCSource struct {
	client  *rpc.Client
	network string
}

// NewRPCSource creates a source for network.
func NewRPCSource(client *rpc.Client, network string) *RPCSource {
	return &RPCSource{client: client, network: network}
}

// Balance implements Source.
func (s *RPCSource) Balance(ctx context.Context, address string, asset Asset) (decimal.Decimal, error) {
	var resp struct {
		Balance *decimal.Decimal `json:"balance"`
	}
	q := url.Values{"address": {address}, "network": {s.network}, "asset": {string(asset)}}
	if err := s.client.GetJSON(ctx, "/balances", q, &resp); err != nil {
		return decimal.Zero, err
	}
	if resp.Balance == nil {
		return decimal.Zero, fmt.Errorf("malformed balance response for %s: missing balance", asset)
	}
	if resp.Balance.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative %s balance %s", asset, resp.Balance)
	}
	return *resp.Balance, nil
}

func pick(b models.BalanceSnapshot, asset Asset) (decimal.Decimal, error) {
	switch asset {
	case AssetNative:
		return b.QuoteNative, nil
	case AssetStable:
		return b.QuoteStable, nil
	case AssetReward:
		return b.RewardAsset, nil
	}
	return decimal.Zero, fmt.Errorf("unknown asset %q", asset)
}
