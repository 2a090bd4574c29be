// Package metadata resolves collection membership and floor valuations for
// items whose ingestion payload omitted them. Resolution is best effort and
// happens only on the ingestion path; enumeration and scoring read cached
// results and never wait on a provider.
package metadata

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tradeweave/loopengine/internal/models"
	"github.com/tradeweave/loopengine/internal/scoring"
)

var (
	// ErrNotFound means the provider has no record of the item.
	ErrNotFound = errors.New("metadata: item not found")
	// ErrLimited means the per-tenant rate limiter denied an upstream call.
	ErrLimited = errors.New("metadata: rate limited")
)

// Info is what a provider knows about one item.
type Info struct {
	CollectionID string
	Name         string
	FloorPrice   float64
}

// Provider looks up item metadata. Implementations may call out over the
// network; callers bound them with the context.
type Provider interface {
	Resolve(ctx context.Context, itemID string) (Info, error)
}

// StaticProvider serves a fixed table, used by tests and offline tools.
type StaticProvider struct {
	Items map[string]Info
}

func (p StaticProvider) Resolve(_ context.Context, itemID string) (Info, error) {
	info, ok := p.Items[itemID]
	if !ok {
		return Info{}, ErrNotFound
	}
	return info, nil
}

// Config tunes one tenant's resolver.
type Config struct {
	// TTL is how long resolutions, including not-found ones, are cached.
	// Zero means DefaultTTL.
	TTL time.Duration
	// RPS caps upstream calls per second. Zero means DefaultRPS.
	RPS float64
	// Burst is the limiter burst. Zero means DefaultBurst.
	Burst int
	// DefaultValue is what Value returns for items with no cached floor
	// price.
	DefaultValue float64
}

const (
	DefaultTTL   = 15 * time.Minute
	DefaultRPS   = 5.0
	DefaultBurst = 10
)

type resolved struct {
	info     Info
	notFound bool
	at       time.Time
}

// Resolver caches one upstream provider behind a rate limiter. A cache miss
// that the limiter denies returns ErrLimited instead of queueing; ingestion
// carries on without the metadata and a later delta retries.
type Resolver struct {
	upstream Provider
	limiter  *rate.Limiter
	ttl      time.Duration
	defVal   float64
	now      func() time.Time

	mu          sync.Mutex
	entries     map[string]resolved
	lastCleanup time.Time
}

var _ scoring.ItemValuer = (*Resolver)(nil)

func NewResolver(upstream Provider, cfg Config) *Resolver {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RPS <= 0 {
		cfg.RPS = DefaultRPS
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	return &Resolver{
		upstream: upstream,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		ttl:      cfg.TTL,
		defVal:   math.Max(0, cfg.DefaultValue),
		now:      time.Now,
		entries:  make(map[string]resolved),
	}
}

// Resolve returns cached metadata when fresh, otherwise asks the upstream
// under the rate limit. Not-found answers are cached too so unknown items
// do not burn the limiter on every delta.
func (r *Resolver) Resolve(ctx context.Context, itemID string) (Info, error) {
	now := r.now()

	r.mu.Lock()
	r.cleanupLocked(now)
	if e, ok := r.entries[itemID]; ok && now.Sub(e.at) < r.ttl {
		r.mu.Unlock()
		if e.notFound {
			return Info{}, ErrNotFound
		}
		return e.info, nil
	}
	r.mu.Unlock()

	if !r.limiter.Allow() {
		return Info{}, ErrLimited
	}
	info, err := r.upstream.Resolve(ctx, itemID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.store(itemID, resolved{notFound: true, at: now})
			return Info{}, ErrNotFound
		}
		return Info{}, err
	}
	r.store(itemID, resolved{info: info, at: now})
	return info, nil
}

func (r *Resolver) store(itemID string, e resolved) {
	r.mu.Lock()
	r.entries[itemID] = e
	r.mu.Unlock()
}

func (r *Resolver) cleanupLocked(now time.Time) {
	if now.Sub(r.lastCleanup) < r.ttl {
		return
	}
	for id, e := range r.entries {
		if now.Sub(e.at) >= r.ttl {
			delete(r.entries, id)
		}
	}
	r.lastCleanup = now
}

// Value implements scoring.ItemValuer from the cache alone. Items never
// resolved, or resolved without a price, get the configured default.
func (r *Resolver) Value(ref models.ItemRef) float64 {
	r.mu.Lock()
	e, ok := r.entries[ref.ID]
	r.mu.Unlock()
	if !ok || e.notFound || e.info.FloorPrice <= 0 {
		return r.defVal
	}
	return e.info.FloorPrice
}
