package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/facebookgo/clock"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrStale is returned by StreamQuoteSource when no trade arrived recently.
var ErrStale = errors.New("stream price is stale")

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	reconnectMin = time.Second
	reconnectMax = time.Minute
)

// AggTradeURL builds the aggTrade stream URL of symbol under base.
func AggTradeURL(base, symbol string) string {
	return fmt.Sprintf("%s/ws/%s@aggTrade", strings.TrimRight(base, "/"), strings.ToLower(symbol))
}

// StreamQuoteSource keeps the last traded price of an aggTrade stream.
// Run must be running for QuotePrice to return fresh values.
type StreamQuoteSource struct {
	url    string
	maxAge time.Duration
	clock  clock.Clock
	logger *zap.Logger

	mu    sync.RWMutex
	price decimal.Decimal
	at    time.Time
}

// NewStreamQuoteSource creates a stream source. Prices older than maxAge are
// reported as stale.
func NewStreamQuoteSource(url string, maxAge time.Duration, clk clock.Clock, logger *zap.Logger) *StreamQuoteSource {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamQuoteSource{url: url, maxAge: maxAge, clock: clk, logger: logger}
}

func (s *StreamQuoteSource) Name() string { return "stream" }

// QuotePrice implements QuoteSource.
func (s *StreamQuoteSource) QuotePrice(context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.at.IsZero() || s.clock.Now().Sub(s.at) > s.maxAge {
		return decimal.Zero, ErrStale
	}
	return s.price, nil
}

// Run maintains the connection until ctx is done. Reconnects back off
// exponentially and the delay resets after a session that received trades.
func (s *StreamQuoteSource) Run(ctx context.Context) {
	b := s.newBackOff()
	for {
		received, err := s.session(ctx)
		if received {
			b.Reset()
		}
		delay := b.NextBackOff()
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("quote stream disconnected, reconnecting",
				zap.String("url", s.url), zap.Duration("retry_in", delay), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(delay):
		}
	}
}

func (s *StreamQuoteSource) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectMin
	b.MaxInterval = reconnectMax
	b.MaxElapsedTime = 0
	b.Clock = s.clock
	b.Reset()
	return b
}

// session reads one connection until it fails, reporting whether any trade
// was received.
func (s *StreamQuoteSource) session(ctx context.Context) (received bool, err error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	s.logger.Info("quote stream connected", zap.String("url", s.url))
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return received, nil
			}
			return received, fmt.Errorf("read: %w", err)
		}
		var trade struct {
			Price json.Number `json:"p"`
		}
		if err := json.Unmarshal(message, &trade); err != nil {
			s.logger.Debug("skipping unparsable stream message", zap.Error(err))
			continue
		}
		price, err := decimal.NewFromString(trade.Price.String())
		if err != nil || !price.IsPositive() {
			continue
		}
		s.mu.Lock()
		s.price = price
		s.at = s.clock.Now()
		s.mu.Unlock()
		received = true
	}
}
