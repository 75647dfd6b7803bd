// Package netcheck reports whether the runtime has network connectivity.
package netcheck

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"
)

// Checker answers whether the network is reachable.
type Checker interface {
	Online() bool
}

// Static is a fixed answer, used when connectivity checks are disabled and in tests.
type Static struct {
	online atomic.Bool
}

// NewStatic returns a Static with the given state.
func NewStatic(online bool) *Static {
	s := &Static{}
	s.online.Store(online)
	return s
}

func (s *Static) Online() bool    { return s.online.Load() }
func (s *Static) Set(online bool) { s.online.Store(online) }

// DialFunc opens a connection; net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Monitor periodically dials host and caches the result.
type Monitor struct {
	host     string
	interval time.Duration
	timeout  time.Duration
	dial     DialFunc
	clock    clock.Clock
	logger   *zap.Logger
	onChange func(bool)

	online atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor that starts out online.
func NewMonitor(host string, interval time.Duration, clk clock.Clock, logger *zap.Logger, onChange func(bool)) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	d := &net.Dialer{}
	m := &Monitor{
		host:     host,
		interval: interval,
		timeout:  3 * time.Second,
		dial:     d.DialContext,
		clock:    clk,
		logger:   logger,
		onChange: onChange,
	}
	m.online.Store(true)
	return m
}

// WithDialer replaces the dial function.
func (m *Monitor) WithDialer(dial DialFunc) *Monitor {
	m.dial = dial
	return m
}

// Online implements Checker.
func (m *Monitor) Online() bool { return m.online.Load() }

// Check dials once and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	conn, err := m.dial(ctx, "tcp", m.host)
	online := err == nil
	if conn != nil {
		_ = conn.Close()
	}
	if prev := m.online.Swap(online); prev != online {
		if online {
			m.logger.Info("network connectivity restored", zap.String("host", m.host))
		} else {
			m.logger.Warn("network connectivity lost", zap.String("host", m.host), zap.Error(err))
		}
		if m.onChange != nil {
			m.onChange(online)
		}
	}
	return online
}

// Start checks immediately and then on every interval until Stop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Check(ctx)
		ticker := m.clock.Ticker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	}()
}

// Stop cancels the check loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
