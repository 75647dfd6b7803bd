package persistence

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

// MemoryCache is an in-process Cache. Expiry is evaluated lazily against the
// injected clock, which makes TTL behaviour testable without sleeping.
type MemoryCache struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]memoryEntry
}

// NewMemoryCache creates an empty cache. A nil clock uses wall time.
func NewMemoryCache(clk clock.Clock) *MemoryCache {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryCache{clock: clk, entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) SetWithTTL(key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{data: data, expiresAt: c.clock.Now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Put(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{data: data}
	return nil
}

func (c *MemoryCache) Get(key string, out interface{}) error {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && !e.expiresAt.IsZero() && !c.clock.Now().Before(e.expiresAt) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(e.data, out)
}

func (c *MemoryCache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *MemoryCache) Close() error {
	return nil
}
