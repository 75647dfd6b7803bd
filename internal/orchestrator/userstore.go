package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"presale-engine-go/internal/models"
	"presale-engine-go/internal/persistence"

	"github.com/shopspring/decimal"
)

// UserStore is the source of truth for UserSaleRecord. storage.Store serves
// it on the production network and CacheUserStore everywhere else.
type UserStore interface {
	UserRecord(ctx context.Context, address string) (models.UserSaleRecord, error)
	AddContribution(ctx context.Context, address string, usd, units decimal.Decimal) (models.UserSaleRecord, error)
	MarkClaimed(ctx context.Context, address string) error
}

// CacheUserStore keeps user records in the durable cache.
type CacheUserStore struct {
	cache persistence.Cache
	mu    sync.Mutex
}

// NewCacheUserStore creates a store backed by cache.
func NewCacheUserStore(cache persistence.Cache) *CacheUserStore {
	return &CacheUserStore{cache: cache}
}

// UserRecord implements UserStore. Unknown addresses have a zero record.
func (s *CacheUserStore) UserRecord(_ context.Context, address string) (models.UserSaleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(address)
}

// AddContribution implements UserStore.
func (s *CacheUserStore) AddContribution(_ context.Context, address string, usd, units decimal.Decimal) (models.UserSaleRecord, error) {
	if usd.IsNegative() || units.IsNegative() {
		return models.UserSaleRecord{}, fmt.Errorf("negative contribution %s / %s units", usd, units)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.load(address)
	if err != nil {
		return models.UserSaleRecord{}, err
	}
	rec.CumulativeUSDContribution = rec.CumulativeUSDContribution.Add(usd)
	rec.PurchasedUnits = rec.PurchasedUnits.Add(units)
	return rec, s.cache.Put(persistence.UserKey(address), rec)
}

// MarkClaimed implements UserStore.
func (s *CacheUserStore) MarkClaimed(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.load(address)
	if err != nil {
		return err
	}
	rec.HasClaimed = true
	return s.cache.Put(persistence.UserKey(address), rec)
}

func (s *CacheUserStore) load(address string) (models.UserSaleRecord, error) {
	var rec models.UserSaleRecord
	err := s.cache.Get(persistence.UserKey(address), &rec)
	if errors.Is(err, persistence.ErrNotFound) {
		return models.UserSaleRecord{Address: strings.ToLower(strings.TrimSpace(address)), CumulativeUSDContribution: decimal.Zero, PurchasedUnits: decimal.Zero}, nil
	}
	if err != nil {
		return models.UserSaleRecord{}, fmt.Errorf("load user record: %w", err)
	}
	return rec, nil
}
