// Package wallet holds the wallet session and the signers that settle
// transfers: connected wallets and the card and QR payment rails.
package wallet

import (
	"context"
	"fmt"
	"sync"

	"presale-engine-go/internal/models"

	"go.uber.org/zap"
)

// Session tracks the connection state and the active adapter.
// connecting is transient and always resolves to connected or disconnected.
type Session struct {
	logger   *zap.Logger
	onChange func(models.WalletView)

	mu      sync.RWMutex
	status  models.WalletStatus
	address string
	adapter Adapter
	attempt uint64
}

// NewSession creates a disconnected session. onChange may be nil.
func NewSession(logger *zap.Logger, onChange func(models.WalletView)) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{logger: logger, onChange: onChange, status: models.WalletDisconnected}
}

// Connect moves through connecting and installs adapter on success. A newer
// Connect or a Disconnect supersedes an attempt still in flight.
func (s *Session) Connect(ctx context.Context, adapter Adapter) (string, error) {
	s.mu.Lock()
	s.attempt++
	attempt := s.attempt
	s.status = models.WalletConnecting
	s.address = ""
	s.adapter = nil
	s.mu.Unlock()
	s.notify()

	address, err := adapter.Connect(ctx)

	s.mu.Lock()
	if attempt != s.attempt {
		s.mu.Unlock()
		return "", fmt.Errorf("connect %s: %w", adapter.Name(), ErrSuperseded)
	}
	if err != nil {
		s.status = models.WalletDisconnected
		s.mu.Unlock()
		s.notify()
		return "", fmt.Errorf("connect %s: %w", adapter.Name(), err)
	}
	s.status = models.WalletConnected
	s.address = address
	s.adapter = adapter
	s.mu.Unlock()

	s.logger.Info("wallet connected", zap.String("provider", adapter.Name()), zap.String("address", address))
	s.notify()
	return address, nil
}

// Disconnect is idempotent and always succeeds.
func (s *Session) Disconnect(ctx context.Context) {
	s.mu.Lock()
	s.attempt++
	adapter := s.adapter
	wasDisconnected := s.status == models.WalletDisconnected
	s.status = models.WalletDisconnected
	s.address = ""
	s.adapter = nil
	s.mu.Unlock()

	if adapter != nil {
		if err := adapter.Disconnect(ctx); err != nil {
			s.logger.Warn("adapter disconnect failed", zap.String("provider", adapter.Name()), zap.Error(err))
		}
	}
	if !wasDisconnected {
		s.logger.Info("wallet disconnected")
		s.notify()
	}
}

// Signer returns the active adapter.
func (s *Session) Signer() (Signer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != models.WalletConnected || s.adapter == nil {
		return nil, ErrNotConnected
	}
	return s.adapter, nil
}

// Address returns the connected address, or "".
func (s *Session) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address
}

// Status returns the connection state.
func (s *Session) Status() models.WalletStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// View returns the session part of the wallet view; balances are filled in by the caller.
func (s *Session) View() models.WalletView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := models.WalletView{Status: s.status, Address: s.address}
	if s.adapter != nil {
		v.Provider = s.adapter.Name()
	}
	return v
}

func (s *Session) notify() {
	if s.onChange != nil {
		s.onChange(s.View())
	}
}
