package orchestrator

import (
	"errors"
	"fmt"
	"sync"

	"presale-engine-go/internal/models"
	"presale-engine-go/internal/persistence"
)

// History is the newest-first transaction log of each address, written
// through to the durable cache on every change.
type History struct {
	cache persistence.Cache
	mu    sync.Mutex
}

// NewHistory creates a history backed by cache.
func NewHistory(cache persistence.Cache) *History {
	return &History{cache: cache}
}

// List returns the transactions of address, newest first.
func (h *History) List(address string) ([]models.Transaction, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.load(address)
}

// Prepend adds tx at the head and persists the log.
func (h *History) Prepend(address string, tx models.Transaction) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	txs, err := h.load(address)
	if err != nil {
		return err
	}
	txs = append([]models.Transaction{tx}, txs...)
	return h.store(address, txs)
}

// Replace swaps the entry with id for tx, keeping its position.
func (h *History) Replace(address, id string, tx models.Transaction) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	txs, err := h.load(address)
	if err != nil {
		return err
	}
	for i := range txs {
		if txs[i].ID == id {
			txs[i] = tx
			return h.store(address, txs)
		}
	}
	return fmt.Errorf("history entry %s: %w", id, persistence.ErrNotFound)
}

// Pending returns the pending entries of address, oldest first.
func (h *History) Pending(address string) ([]models.Transaction, error) {
	txs, err := h.List(address)
	if err != nil {
		return nil, err
	}
	var out []models.Transaction
	for i := len(txs) - 1; i >= 0; i-- {
		if txs[i].Status == models.TxPending {
			out = append(out, txs[i])
		}
	}
	return out, nil
}

func (h *History) load(address string) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := h.cache.Get(persistence.HistoryKey(address), &txs)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return txs, nil
}

func (h *History) store(address string, txs []models.Transaction) error {
	if err := h.cache.Put(persistence.HistoryKey(address), txs); err != nil {
		return fmt.Errorf("persist history: %w", err)
	}
	return nil
}
