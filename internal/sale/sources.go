package sale

import (
	"context"
	"fmt"
	"net/url"

	"presale-engine-go/internal/models"
	"presale-engine-go/internal/rpc"

	"github.com/shopspring/decimal"
)

// StatusSource returns the published sale status for a network.
type StatusSource interface {
	FetchStatus(ctx context.Context, network string) (models.SaleStatus, error)
}

// HTTPStatusSource polls the platform API.
type HTTPStatusSource struct {
	client *rpc.Client
}

// NewHTTPStatusSource creates a source backed by client.
func NewHTTPStatusSource(client *rpc.Client) *HTTPStatusSource {
	return &HTTPStatusSource{client: client}
}

// FetchStatus implements StatusSource.
func (s *HTTPStatusSource) FetchStatus(ctx context.Context, network string) (models.SaleStatus, error) {
	var status models.SaleStatus
	if err := s.client.GetJSON(ctx, "/sale/status", url.Values{"network": {network}}, &status); err != nil {
		return models.SaleStatus{}, err
	}
	if status.Stage.EndTime < status.Stage.StartTime {
		return models.SaleStatus{}, fmt.Errorf("malformed sale status: stage %d ends before it starts", status.Stage.ID)
	}
	return status, nil
}

// TotalsProvider supplies sold units and contributor count.
type TotalsProvider interface {
	Totals(ctx context.Context) (decimal.Decimal, int64, error)
}

// StaticStatusSource serves a configured stage with totals read from the
// local settlement store.
type StaticStatusSource struct {
	Stage  models.SaleStageConfig
	Listed bool
	Totals TotalsProvider
}

// FetchStatus implements StatusSource.
func (s *StaticStatusSource) FetchStatus(ctx context.Context, _ string) (models.SaleStatus, error) {
	status := models.SaleStatus{Stage: s.Stage, IsListed: s.Listed, TotalSold: decimal.Zero}
	if s.Totals != nil {
		sold, contributors, err := s.Totals.Totals(ctx)
		if err != nil {
			return models.SaleStatus{}, fmt.Errorf("load sale totals: %w", err)
		}
		status.TotalSold = sold
		status.TotalContributors = contributors
	}
	return status, nil
}
