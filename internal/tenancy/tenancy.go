// Package tenancy owns what is private to a tenant: graph store, loop
// cache, scorer, discovery limits and counters. The worker pool, the
// event bus and the fingerprinter stay shared across tenants.
package tenancy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tradeweave/loopengine/internal/discovery"
	"github.com/tradeweave/loopengine/internal/eventbus"
	"github.com/tradeweave/loopengine/internal/graph"
	"github.com/tradeweave/loopengine/internal/loopcache"
	"github.com/tradeweave/loopengine/internal/models"
	"github.com/tradeweave/loopengine/internal/scoring"
)

// TenantConfig declares one tenant, normally from the config file.
type TenantConfig struct {
	ID string
	// APIKeyHash is the hex sha256 of the tenant's API key. Empty
	// disables key auth for the tenant.
	APIKeyHash string

	Quotas                 graph.Limits
	CollectionExpansionCap int

	Scoring   scoring.Config
	Discovery discovery.Limits

	CacheTTL        time.Duration
	CacheMaxEntries int

	// Static valuations seed the default valuer when no custom one is
	// injected at registration.
	ItemValues       map[string]float64
	CollectionValues map[string]float64
	DefaultItemValue float64
}

// Counters are the per-tenant ops counters surfaced by /status.
type Counters struct {
	DeltasApplied   atomic.Uint64
	DeltasRejected  atomic.Uint64
	QuotaRejections atomic.Uint64
	Conflicts       atomic.Uint64
	Recomputes      atomic.Uint64
	LoopsDiscovered atomic.Uint64
	LastRecompute   atomic.Int64 // unix nanos, 0 = never
}

// CountersSnapshot is the JSON shape of Counters.
type CountersSnapshot struct {
	DeltasApplied   uint64     `json:"deltas_applied"`
	DeltasRejected  uint64     `json:"deltas_rejected"`
	QuotaRejections uint64     `json:"quota_rejections"`
	Conflicts       uint64     `json:"conflicts"`
	Recomputes      uint64     `json:"recomputes"`
	LoopsDiscovered uint64     `json:"loops_discovered"`
	LastRecompute   *time.Time `json:"last_recompute,omitempty"`
}

func (c *Counters) Snapshot() CountersSnapshot {
	s := CountersSnapshot{
		DeltasApplied:   c.DeltasApplied.Load(),
		DeltasRejected:  c.DeltasRejected.Load(),
		QuotaRejections: c.QuotaRejections.Load(),
		Conflicts:       c.Conflicts.Load(),
		Recomputes:      c.Recomputes.Load(),
		LoopsDiscovered: c.LoopsDiscovered.Load(),
	}
	if ns := c.LastRecompute.Load(); ns > 0 {
		ts := time.Unix(0, ns)
		s.LastRecompute = &ts
	}
	return s
}

// Tenant bundles one tenant's engine state. Always handled by pointer.
type Tenant struct {
	ID       string
	Store    *graph.Store
	Cache    *loopcache.Cache
	Scorer   *scoring.Scorer
	Limits   discovery.Limits
	CacheTTL time.Duration
	Counters Counters
}

// Registry maps tenant ids and API keys to their containers.
type Registry struct {
	bus *eventbus.Bus

	mu        sync.RWMutex
	tenants   map[string]*Tenant
	byKeyHash map[string]string
}

func NewRegistry(bus *eventbus.Bus) *Registry {
	return &Registry{
		bus:       bus,
		tenants:   make(map[string]*Tenant),
		byKeyHash: make(map[string]string),
	}
}

// Register builds the tenant's store, cache and scorer. A nil valuer
// falls back to the static valuations in the config.
func (r *Registry) Register(cfg TenantConfig, valuer scoring.ItemValuer) (*Tenant, error) {
	if !models.ValidID(cfg.ID) {
		return nil, fmt.Errorf("%w: tenant id %q", models.ErrInvalidDelta, cfg.ID)
	}
	if valuer == nil {
		valuer = scoring.StaticValuer{
			Items:       cfg.ItemValues,
			Collections: cfg.CollectionValues,
			Default:     cfg.DefaultItemValue,
		}
	}

	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = loopcache.DefaultTTL
	}
	t := &Tenant{
		ID: cfg.ID,
		Store: graph.NewStore(cfg.ID, graph.Config{
			Limits:                 cfg.Quotas,
			CollectionExpansionCap: cfg.CollectionExpansionCap,
		}),
		Cache: loopcache.New(cfg.ID, loopcache.Config{
			TTL:        cfg.CacheTTL,
			MaxEntries: cfg.CacheMaxEntries,
		}, r.bus),
		Scorer:   scoring.New(cfg.Scoring, valuer),
		Limits:   cfg.Discovery,
		CacheTTL: cacheTTL,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tenants[cfg.ID]; dup {
		return nil, fmt.Errorf("tenant %s already registered", cfg.ID)
	}
	r.tenants[cfg.ID] = t
	if cfg.APIKeyHash != "" {
		r.byKeyHash[strings.ToLower(cfg.APIKeyHash)] = cfg.ID
	}
	return t, nil
}

// Get returns the tenant or ErrUnknownTenant.
func (r *Registry) Get(id string) (*Tenant, error) {
	r.mu.RLock()
	t := r.tenants[id]
	r.mu.RUnlock()
	if t == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownTenant, id)
	}
	return t, nil
}

// All returns every tenant sorted by id.
func (r *Registry) All() []*Tenant {
	r.mu.RLock()
	out := make([]*Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns every tenant id sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.tenants))
	for id := range r.tenants {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ResolveAPIKey maps a presented key to its tenant.
func (r *Registry) ResolveAPIKey(key string) (*Tenant, bool) {
	if key == "" {
		return nil, false
	}
	hash := HashAPIKey(key)
	r.mu.RLock()
	id, ok := r.byKeyHash[hash]
	var t *Tenant
	if ok {
		t = r.tenants[id]
	}
	r.mu.RUnlock()
	if t == nil {
		return nil, false
	}
	return t, true
}

// HashAPIKey is the hex sha256 used for key storage and lookup.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
