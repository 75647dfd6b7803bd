package pricefeed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"presale-engine-go/internal/models"
	"presale-engine-go/internal/rpc"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

// QuoteSource returns the USD price of the native quote asset.
type QuoteSource interface {
	Name() string
	QuotePrice(ctx context.Context) (decimal.Decimal, error)
}

// MarketSource returns stats of the listed reward-asset market. Holder count
// and market cap are filled in by the aggregator.
type MarketSource interface {
	MarketStats(ctx context.Context) (models.MarketStats, error)
}

// HolderCounter returns the number of reward-asset holders.
type HolderCounter interface {
	HolderCount(ctx context.Context) (int64, error)
}

// NewBinanceClient creates a public-endpoint client. An empty baseURL keeps
// the library default. Requests time out after timeout.
func NewBinanceClient(apiKey, secretKey, baseURL string, timeout time.Duration) *binance.Client {
	client := binance.NewClient(apiKey, secretKey)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}
	if baseURL != "" {
		client.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return client
}

// BinanceQuoteSource reads the last price from /api/v3/ticker/price.
type BinanceQuoteSource struct {
	client *binance.Client
	symbol string
}

// NewBinanceQuoteSource creates the primary quote source for symbol, e.g. BNBUSDT.
func NewBinanceQuoteSource(client *binance.Client, symbol string) *BinanceQuoteSource {
	return &BinanceQuoteSource{client: client, symbol: strings.ToUpper(symbol)}
}

func (s *BinanceQuoteSource) Name() string { return "binance" }

// QuotePrice implements QuoteSource.
func (s *BinanceQuoteSource) QuotePrice(ctx context.Context) (decimal.Decimal, error) {
	prices, err := s.client.NewListPricesService().Symbol(s.symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("binance ticker %s: %w", s.symbol, err)
	}
	for _, p := range prices {
		if p.Symbol != s.symbol {
			continue
		}
		return parsePositive(p.Price)
	}
	return decimal.Zero, fmt.Errorf("binance ticker %s: symbol missing from response", s.symbol)
}

// BinanceMarketSource reads 24h statistics of the listed reward asset.
type BinanceMarketSource struct {
	client *binance.Client
	symbol string
}

// NewBinanceMarketSource creates a market source for symbol.
func NewBinanceMarketSource(client *binance.Client, symbol string) *BinanceMarketSource {
	return &BinanceMarketSource{client: client, symbol: strings.ToUpper(symbol)}
}

// MarketStats implements MarketSource.
func (s *BinanceMarketSource) MarketStats(ctx context.Context) (models.MarketStats, error) {
	stats, err := s.client.NewListPriceChangeStatsService().Symbol(s.symbol).Do(ctx)
	if err != nil {
		return models.MarketStats{}, fmt.Errorf("binance 24h stats %s: %w", s.symbol, err)
	}
	if len(stats) == 0 {
		return models.MarketStats{}, fmt.Errorf("binance 24h stats %s: empty response", s.symbol)
	}
	st := stats[0]
	price, err := parsePositive(st.LastPrice)
	if err != nil {
		return models.MarketStats{}, err
	}
	volume, err := decimal.NewFromString(st.QuoteVolume)
	if err != nil {
		return models.MarketStats{}, fmt.Errorf("malformed quote volume %q: %w", st.QuoteVolume, err)
	}
	change, err := decimal.NewFromString(st.PriceChangePercent)
	if err != nil {
		return models.MarketStats{}, fmt.Errorf("malformed price change %q: %w", st.PriceChangePercent, err)
	}
	return models.MarketStats{Price: price, Volume24h: volume, PriceChange24h: change}, nil
}

// HTTPQuoteSource reads {"price": ...} from a generic JSON endpoint.
type HTTPQuoteSource struct {
	client *rpc.Client
	path   string
	symbol string
}

// NewHTTPQuoteSource creates a fallback quote source.
func NewHTTPQuoteSource(client *rpc.Client, path, symbol string) *HTTPQuoteSource {
	return &HTTPQuoteSource{client: client, path: path, symbol: symbol}
}

func (s *HTTPQuoteSource) Name() string { return "http" }

// QuotePrice implements QuoteSource.
func (s *HTTPQuoteSource) QuotePrice(ctx context.Context) (decimal.Decimal, error) {
	var resp struct {
		Price *decimal.Decimal `json:"price"`
	}
	if err := s.client.GetJSON(ctx, s.path, url.Values{"symbol": {s.symbol}}, &resp); err != nil {
		return decimal.Zero, err
	}
	if resp.Price == nil {
		return decimal.Zero, fmt.Errorf("malformed quote response: missing price")
	}
	if !resp.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive quote price %s", resp.Price)
	}
	return *resp.Price, nil
}

func parsePositive(s string) (decimal.Decimal, error) {
	p, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed price %q: %w", s, err)
	}
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive price %q", s)
	}
	return p, nil
}
