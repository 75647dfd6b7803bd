package persistence

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a key is absent or its TTL has expired.
var ErrNotFound = errors.New("cache: key not found")

// Cache is the local durable cache.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application. Values are JSON-encoded.
type Cache interface {
	// SetWithTTL stores an ephemeral value that disappears after ttl.
	SetWithTTL(key string, value interface{}, ttl time.Duration) error

	// Put stores a value with no expiry. Used for cross-session data such as
	// transaction history and cached user contribution.
	Put(key string, value interface{}) error

	// Get decodes the value under key into out.
	// It returns ErrNotFound if the key is absent or expired.
	Get(key string, out interface{}) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Close gracefully closes the underlying store.
	Close() error
}

// Key builders for everything the engine keeps in the cache.
func HistoryKey(address string) string   { return "history:" + normalize(address) }
func UserKey(address string) string      { return "user:" + normalize(address) }
func AffiliateKey(address string) string { return "affiliate:" + normalize(address) }
func FaucetKey(address string) string    { return "faucet:" + normalize(address) }
func PriceKey(name string) string        { return "price:" + name }

// ViewKey holds the last persisted dashboard snapshot.
const ViewKey = "view:last"

// LedgerKey holds the mock ledger balances of non-production networks.
const LedgerKey = "ledger:mock"

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
