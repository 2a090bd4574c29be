// Package loopcache holds one tenant's discovered trade loops keyed by
// fingerprint. Entries expire by TTL, are capped by LRU, and are removed
// synchronously when graph commits report affected wallets, items or
// collections, so a query issued after a commit never sees a loop the
// commit broke.
package loopcache

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/tradeweave/loopengine/internal/eventbus"
	"github.com/tradeweave/loopengine/internal/graph"
	"github.com/tradeweave/loopengine/internal/models"
)

const (
	// DefaultTTL is the freshness window when a tenant configures none.
	DefaultTTL = 10 * time.Minute
	// DefaultMaxEntries is the LRU cap when a tenant configures none.
	DefaultMaxEntries = 4096
)

// Config sizes one tenant's cache.
type Config struct {
	TTL        time.Duration
	MaxEntries int
}

// Counters are cumulative since the cache was created.
type Counters struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Admitted    uint64 `json:"admitted"`
	Rejected    uint64 `json:"rejected"`
	Invalidated uint64 `json:"invalidated"`
	Expired     uint64 `json:"expired"`
}

type entry struct {
	loop    models.CachedLoop
	wallets []string
	items   []string
	colls   []string
	stale   bool
}

// Cache is safe for concurrent use. All mutation paths share one mutex so
// batch admission and predicate invalidation serialize against each other.
type Cache struct {
	tenant string
	ttl    time.Duration
	bus    *eventbus.Bus
	now    func() time.Time

	mu       sync.Mutex
	byFP     *lru.Cache[string, *entry]
	byWallet map[string]map[string]struct{}
	byItem   map[string]map[string]struct{}
	byColl   map[string]map[string]struct{}

	group singleflight.Group

	hits        atomic.Uint64
	misses      atomic.Uint64
	admitted    atomic.Uint64
	rejected    atomic.Uint64
	invalidated atomic.Uint64
	expired     atomic.Uint64
}

// New builds a cache for one tenant. The bus is optional; when present,
// every invalidation publishes a loop.invalidated event.
func New(tenant string, cfg Config, bus *eventbus.Bus) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	c := &Cache{
		tenant:   tenant,
		ttl:      cfg.TTL,
		bus:      bus,
		now:      time.Now,
		byWallet: make(map[string]map[string]struct{}),
		byItem:   make(map[string]map[string]struct{}),
		byColl:   make(map[string]map[string]struct{}),
	}
	// The evict hook keeps the secondary indices consistent no matter
	// which path removes an entry. It runs under c.mu because every
	// byFP mutation happens under c.mu.
	c.byFP, _ = lru.NewWithEvict[string, *entry](cfg.MaxEntries, c.unindex)
	return c
}

func (c *Cache) unindex(fp string, e *entry) {
	for _, w := range e.wallets {
		if s := c.byWallet[w]; s != nil {
			delete(s, fp)
			if len(s) == 0 {
				delete(c.byWallet, w)
			}
		}
	}
	for _, it := range e.items {
		if s := c.byItem[it]; s != nil {
			delete(s, fp)
			if len(s) == 0 {
				delete(c.byItem, it)
			}
		}
	}
	for _, cl := range e.colls {
		if s := c.byColl[cl]; s != nil {
			delete(s, fp)
			if len(s) == 0 {
				delete(c.byColl, cl)
			}
		}
	}
}

func (c *Cache) index(fp string, e *entry) {
	for _, w := range e.wallets {
		if c.byWallet[w] == nil {
			c.byWallet[w] = make(map[string]struct{})
		}
		c.byWallet[w][fp] = struct{}{}
	}
	for _, it := range e.items {
		if c.byItem[it] == nil {
			c.byItem[it] = make(map[string]struct{})
		}
		c.byItem[it][fp] = struct{}{}
	}
	for _, cl := range e.colls {
		if c.byColl[cl] == nil {
			c.byColl[cl] = make(map[string]struct{})
		}
		c.byColl[cl][fp] = struct{}{}
	}
}

func newEntry(cl models.CachedLoop) *entry {
	e := &entry{loop: cl}
	e.wallets = cl.Loop.Wallets()
	e.items = cl.Loop.ItemIDs()
	seen := make(map[string]struct{})
	for _, st := range cl.Loop.Steps {
		for _, ref := range st.Items {
			if ref.CollectionID == "" {
				continue
			}
			if _, dup := seen[ref.CollectionID]; dup {
				continue
			}
			seen[ref.CollectionID] = struct{}{}
			e.colls = append(e.colls, ref.CollectionID)
		}
	}
	return e
}

// Put stores one loop, resetting staleness and TTL for its fingerprint.
// A fingerprint not currently cached counts as a new discovery and is
// announced on the bus; re-puts of a live fingerprint are refreshes.
func (c *Cache) Put(cl models.CachedLoop) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(cl)
}

func (c *Cache) putLocked(cl models.CachedLoop) {
	if cl.DiscoveredAt.IsZero() {
		cl.DiscoveredAt = c.now()
	}
	if cl.TTL <= 0 {
		cl.TTL = c.ttl
	}
	cl.Status = models.LoopStatusFresh
	existed := false
	if old, ok := c.byFP.Peek(cl.Fingerprint); ok {
		// Replacing re-adds below; drop stale index rows first.
		existed = true
		c.unindex(cl.Fingerprint, old)
	}
	e := newEntry(cl)
	c.byFP.Add(cl.Fingerprint, e)
	c.index(cl.Fingerprint, e)
	c.admitted.Add(1)
	if !existed {
		c.publishDiscovered(cl)
	}
}

// ApplyBatch admits one enumeration's output atomically. The validate
// closure runs under the cache lock against whatever graph state is
// current, so a commit racing the admission either rejects the loop here
// or removes it through Invalidate afterwards; no interleaving admits a
// broken loop permanently.
func (c *Cache) ApplyBatch(loops []models.CachedLoop, validate func(models.TradeLoop) error) (admitted, rejected int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cl := range loops {
		if validate != nil {
			if err := validate(cl.Loop); err != nil {
				c.rejected.Add(1)
				rejected++
				continue
			}
		}
		c.putLocked(cl)
		admitted++
	}
	return admitted, rejected
}

// Get returns the cached loop when present and unexpired. Expired entries
// are removed on sight. Stale entries are returned and marked as such.
func (c *Cache) Get(fp string) (models.CachedLoop, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byFP.Get(fp)
	if !ok {
		c.misses.Add(1)
		return models.CachedLoop{}, false
	}
	if c.now().After(e.loop.ExpiresAt()) {
		c.byFP.Remove(fp)
		c.expired.Add(1)
		c.misses.Add(1)
		c.publishInvalidated(fp, models.ReasonTTLExpired)
		return models.CachedLoop{}, false
	}
	c.hits.Add(1)
	out := e.loop
	if e.stale {
		out.Status = models.LoopStatusStale
	}
	return out, true
}

// GetOrBuild returns a fresh cached loop or runs build once per
// fingerprint, however many callers arrive concurrently. A build error
// reaches every waiter and leaves the slot clean for the next attempt.
func (c *Cache) GetOrBuild(ctx context.Context, fp string, build func(context.Context) (models.CachedLoop, error)) (models.CachedLoop, error) {
	if cl, ok := c.Get(fp); ok {
		return cl, nil
	}
	v, err, _ := c.group.Do(fp, func() (interface{}, error) {
		if cl, ok := c.Get(fp); ok {
			return cl, nil
		}
		cl, err := build(ctx)
		if err != nil {
			return nil, err
		}
		cl.Fingerprint = fp
		c.Put(cl)
		return cl, nil
	})
	if err != nil {
		return models.CachedLoop{}, err
	}
	return v.(models.CachedLoop), nil
}

// Invalidate removes every loop matched by any predicate. Within one
// predicate the non-empty fields all have to match; empty fields are
// wildcards. A predicate with no fields set matches nothing.
func (c *Cache) Invalidate(preds []graph.Affected) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	matched := make(map[string]models.InvalidationReason)
	for _, p := range preds {
		reason := p.Reason
		if reason == "" {
			reason = models.ReasonOwnerChanged
		}
		for _, fp := range c.matchLocked(p) {
			if _, dup := matched[fp]; !dup {
				matched[fp] = reason
			}
		}
	}

	fps := make([]string, 0, len(matched))
	for fp := range matched {
		fps = append(fps, fp)
	}
	sort.Strings(fps)
	for _, fp := range fps {
		c.byFP.Remove(fp)
		c.invalidated.Add(1)
		c.publishInvalidated(fp, matched[fp])
	}
	return len(fps)
}

// matchLocked intersects the index lookups for the predicate's set fields.
func (c *Cache) matchLocked(p graph.Affected) []string {
	var sets []map[string]struct{}
	if p.Wallet != "" {
		sets = append(sets, c.byWallet[p.Wallet])
	}
	if p.Item != "" {
		sets = append(sets, c.byItem[p.Item])
	}
	if p.Collection != "" {
		sets = append(sets, c.byColl[p.Collection])
	}
	if len(sets) == 0 {
		return nil
	}
	smallest := sets[0]
	for _, s := range sets[1:] {
		if len(s) < len(smallest) {
			smallest = s
		}
	}
	var out []string
next:
	for fp := range smallest {
		for _, s := range sets {
			if _, ok := s[fp]; !ok {
				continue next
			}
		}
		out = append(out, fp)
	}
	return out
}

// MarkStale flags every loop touching one of the wallets. Stale loops
// still serve reads until a recompute re-puts or TTL removes them.
func (c *Cache) MarkStale(wallets []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range wallets {
		for fp := range c.byWallet[w] {
			if e, ok := c.byFP.Peek(fp); ok && !e.stale {
				e.stale = true
				n++
			}
		}
	}
	return n
}

// SweepExpired removes entries past their TTL. Called periodically so
// memory does not wait on reads to shrink.
func (c *Cache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var dead []string
	for _, fp := range c.byFP.Keys() {
		if e, ok := c.byFP.Peek(fp); ok && now.After(e.loop.ExpiresAt()) {
			dead = append(dead, fp)
		}
	}
	for _, fp := range dead {
		c.byFP.Remove(fp)
		c.expired.Add(1)
		c.publishInvalidated(fp, models.ReasonTTLExpired)
	}
	return len(dead)
}

// Purge drops everything, publishing the given reason. Used when a
// tenant's graph integrity is in doubt and after policy changes.
func (c *Cache) Purge(reason models.InvalidationReason) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	fps := c.byFP.Keys()
	for _, fp := range fps {
		c.byFP.Remove(fp)
		c.invalidated.Add(1)
		c.publishInvalidated(fp, reason)
	}
	return len(fps)
}

func (c *Cache) publishDiscovered(cl models.CachedLoop) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{
		Type:      models.TopicLoopDiscovered,
		TenantID:  c.tenant,
		Timestamp: c.now(),
		Payload:   models.LoopDiscovered{Loop: cl},
	})
}

func (c *Cache) publishInvalidated(fp string, reason models.InvalidationReason) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{
		Type:      models.TopicLoopInvalidated,
		TenantID:  c.tenant,
		Timestamp: c.now(),
		Payload:   models.LoopInvalidated{Fingerprint: fp, Reason: reason, At: c.now()},
	})
}

// ListFilter narrows and pages a List call. Zero values mean no
// constraint; Limit 0 means the server default.
type ListFilter struct {
	Wallet     string
	Item       string
	Collection string
	MinScore   float64
	// MaxAge drops loops discovered longer ago. Stale loops still list;
	// their status says so.
	MaxAge time.Duration
	Limit  int
	Cursor string
}

const (
	defaultListLimit = 50

	// listDeadlineStride is how many entries the scan walks between
	// context checks.
	listDeadlineStride = 256
)

// List returns loops ordered by score descending, fingerprint ascending,
// with an opaque cursor for the next page. Expired entries are skipped.
// The context deadline is honored mid-scan; an expired one returns an
// error matching models.ErrTimeout.
func (c *Cache) List(ctx context.Context, f ListFilter) ([]models.CachedLoop, string, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	c.mu.Lock()
	now := c.now()
	var all []models.CachedLoop
	for i, fp := range c.byFP.Keys() {
		if i%listDeadlineStride == 0 {
			if err := ctx.Err(); err != nil {
				c.mu.Unlock()
				return nil, "", fmt.Errorf("%w: list: %v", models.ErrTimeout, err)
			}
		}
		e, ok := c.byFP.Peek(fp)
		if !ok || now.After(e.loop.ExpiresAt()) {
			continue
		}
		if f.Wallet != "" {
			if _, ok := c.byWallet[f.Wallet][fp]; !ok {
				continue
			}
		}
		if f.Item != "" {
			if _, ok := c.byItem[f.Item][fp]; !ok {
				continue
			}
		}
		if f.Collection != "" {
			if _, ok := c.byColl[f.Collection][fp]; !ok {
				continue
			}
		}
		if e.loop.Score < f.MinScore {
			continue
		}
		if f.MaxAge > 0 && now.Sub(e.loop.DiscoveredAt) > f.MaxAge {
			continue
		}
		out := e.loop
		if e.stale {
			out.Status = models.LoopStatusStale
		}
		all = append(all, out)
	}
	c.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].Fingerprint < all[j].Fingerprint
	})

	start := 0
	if f.Cursor != "" {
		if score, fp, ok := decodeCursor(f.Cursor); ok {
			start = sort.Search(len(all), func(i int) bool {
				if all[i].Score != score {
					return all[i].Score < score
				}
				return all[i].Fingerprint > fp
			})
		}
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	page := all[start:end]
	next := ""
	if end < len(all) && len(page) > 0 {
		last := page[len(page)-1]
		next = encodeCursor(last.Score, last.Fingerprint)
	}
	return page, next, nil
}

// Len reports live entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byFP.Len()
}

// Counters snapshots the cache's cumulative counters.
func (c *Cache) Counters() Counters {
	return Counters{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Admitted:    c.admitted.Load(),
		Rejected:    c.rejected.Load(),
		Invalidated: c.invalidated.Load(),
		Expired:     c.expired.Load(),
	}
}

func encodeCursor(score float64, fp string) string {
	raw := strconv.FormatFloat(score, 'g', 17, 64) + "|" + fp
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(tok string) (float64, string, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return 0, "", false
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	score, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, "", false
	}
	return score, parts[1], true
}
