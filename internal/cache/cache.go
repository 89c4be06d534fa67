package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hpungsan/callbrief/internal/research"
)

// Class selects the time-to-live applied to an entry.
type Class string

const (
	ClassResearch Class = "research"
	ClassCompany  Class = "company"
)

// TTLs per class.
const (
	ResearchTTL = 7 * 24 * time.Hour
	CompanyTTL  = 24 * time.Hour
)

// TTL returns the time-to-live for c.
func (c Class) TTL() time.Duration {
	switch c {
	case ClassResearch:
		return ResearchTTL
	case ClassCompany:
		return CompanyTTL
	}
	return 0
}

// Valid reports whether c is a known class.
func (c Class) Valid() bool {
	return c == ClassResearch || c == ClassCompany
}

// Entry is a cached provider response. Entries are never mutated; a fresher
// Put for the same key replaces the pointer, not the value.
type Entry struct {
	Key       string          `json:"key"`
	Class     Class           `json:"ttlClass"`
	Payload   json.RawMessage `json:"payload"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// Fresh reports whether e is still within its class TTL at now.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Sub(e.FetchedAt) <= e.Class.TTL()
}

// Store is the persistence behind a Cache. Implementations must make a
// single Save atomic so readers never observe a partial entry.
type Store interface {
	Load(ctx context.Context, key string, class Class) (*Entry, bool, error)
	Save(ctx context.Context, e *Entry) error
}

// Purger is implemented by stores that can drop stale entries eagerly.
type Purger interface {
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// Cache applies TTL policy on top of a Store.
type Cache struct {
	store Store
	now   func() time.Time
}

// New creates a Cache. now may be nil to use time.Now.
func New(store Store, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{store: store, now: now}
}

// Get returns the entry for key, or false if it is missing or stale.
// Stale entries are left in place; Put supersedes them.
func (c *Cache) Get(ctx context.Context, key string, class Class) (*Entry, bool, error) {
	if !class.Valid() {
		return nil, false, fmt.Errorf("cache: unknown class %q", class)
	}
	e, ok, err := c.store.Load(ctx, key, class)
	if err != nil || !ok {
		return nil, false, err
	}
	if !e.Fresh(c.now()) {
		return nil, false, nil
	}
	return e, true, nil
}

// Put writes payload under key and returns the new entry.
func (c *Cache) Put(ctx context.Context, key string, class Class, payload json.RawMessage) (*Entry, error) {
	if !class.Valid() {
		return nil, fmt.Errorf("cache: unknown class %q", class)
	}
	e := &Entry{
		Key:       key,
		Class:     class,
		Payload:   append(json.RawMessage(nil), payload...),
		FetchedAt: c.now(),
	}
	if err := c.store.Save(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Purge removes stale entries if the store supports it. Stale entries are
// never returned by Get either way.
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	p, ok := c.store.(Purger)
	if !ok {
		return 0, nil
	}
	return p.Purge(ctx, c.now())
}

// ProspectKey is the cache key for a prospect lookup.
func ProspectKey(email, domain string) string {
	return "prospect:" + research.NormalizeEmail(email) + "|" + research.NormalizeDomain(domain)
}

// CompanyKey is the cache key for a company lookup.
func CompanyKey(domain string) string {
	return "company:" + research.NormalizeDomain(domain)
}

// IsCompanyKey reports whether key was built by CompanyKey.
func IsCompanyKey(key string) bool {
	return strings.HasPrefix(key, "company:")
}
