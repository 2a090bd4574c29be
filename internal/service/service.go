// Package service is the persistent trade discovery facade. It owns the
// mutation path (validate, commit, invalidate, log, publish), exposes the
// cached-loop query surface, runs recomputation on behalf of the scheduler,
// and fans bus events out to external subscribers.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradeweave/loopengine/internal/discovery"
	"github.com/tradeweave/loopengine/internal/eventbus"
	"github.com/tradeweave/loopengine/internal/graph"
	"github.com/tradeweave/loopengine/internal/loopcache"
	"github.com/tradeweave/loopengine/internal/metadata"
	"github.com/tradeweave/loopengine/internal/models"
	"github.com/tradeweave/loopengine/internal/tenancy"
)

// DeltaLog persists committed deltas for crash recovery. Append failures
// are logged and swallowed; the in-memory commit already happened.
type DeltaLog interface {
	Append(ctx context.Context, tenantID string, version uint64, ops []models.DeltaOp) error
}

// Config tunes the service loop.
type Config struct {
	// SweepInterval is how often expired loops are swept out of every
	// tenant cache. Zero means DefaultSweepInterval.
	SweepInterval time.Duration
	// SubscriberBuffer is the per-subscription channel capacity. Zero
	// means DefaultSubscriberBuffer. Slow subscribers drop events.
	SubscriberBuffer int
}

const (
	DefaultSweepInterval    = 30 * time.Second
	DefaultSubscriberBuffer = 256

	intakeBuffer = 4096
)

// Service wires the tenant registry, bus, and optional delta log into the
// surface the API layer and scheduler call.
type Service struct {
	cfg  Config
	reg  *tenancy.Registry
	bus  *eventbus.Bus
	dlog DeltaLog

	intake chan eventbus.Event

	subMu sync.Mutex
	subs  map[*Subscription]struct{}

	metaMu sync.RWMutex
	meta   map[string]metadata.Provider
}

// New builds a Service. dlog may be nil when persistence is disabled.
func New(cfg Config, reg *tenancy.Registry, bus *eventbus.Bus, dlog DeltaLog) *Service {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	s := &Service{
		cfg:    cfg,
		reg:    reg,
		bus:    bus,
		dlog:   dlog,
		intake: make(chan eventbus.Event, intakeBuffer),
		subs:   make(map[*Subscription]struct{}),
		meta:   make(map[string]metadata.Provider),
	}
	bus.Subscribe(models.TopicGraphChanged, s.intake)
	bus.Subscribe(models.TopicLoopDiscovered, s.intake)
	bus.Subscribe(models.TopicLoopInvalidated, s.intake)
	return s
}

// Registry exposes the tenant registry for layers that resolve tenants
// themselves, such as API auth.
func (s *Service) Registry() *tenancy.Registry { return s.reg }

// SetMetadataProvider attaches a provider consulted at ingestion to fill
// in collection ids the payload omitted. Nil detaches.
func (s *Service) SetMetadataProvider(tenantID string, p metadata.Provider) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	if p == nil {
		delete(s.meta, tenantID)
		return
	}
	s.meta[tenantID] = p
}

func (s *Service) metadataFor(tenantID string) metadata.Provider {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	return s.meta[tenantID]
}

// enrichItems fills missing collection ids from the tenant's metadata
// provider. Lookups that miss, rate-limit, or fail leave the item as
// submitted; a later delta can still supply the collection.
func (s *Service) enrichItems(ctx context.Context, tenantID string, items []models.ItemRef) []models.ItemRef {
	p := s.metadataFor(tenantID)
	if p == nil {
		return items
	}
	out := make([]models.ItemRef, len(items))
	copy(out, items)
	for i := range out {
		if out[i].CollectionID != "" {
			continue
		}
		info, err := p.Resolve(ctx, out[i].ID)
		if err != nil {
			if !errors.Is(err, metadata.ErrNotFound) && !errors.Is(err, metadata.ErrLimited) {
				log.Printf("[service] tenant %s: metadata lookup %s: %v", tenantID, out[i].ID, err)
			}
			continue
		}
		out[i].CollectionID = info.CollectionID
	}
	return out
}

// ResolveCollections fills missing collection ids the same way ingestion
// does. Callers that assemble deltas themselves use it before applying.
func (s *Service) ResolveCollections(ctx context.Context, tenantID string, items []models.ItemRef) []models.ItemRef {
	return s.enrichItems(ctx, tenantID, items)
}

// SubmitInventory merges items into a wallet's owned set, or replaces the
// set wholesale when replace is true.
func (s *Service) SubmitInventory(ctx context.Context, tenantID, walletID string, items []models.ItemRef, replace bool) (graph.CommitResult, error) {
	items = s.enrichItems(ctx, tenantID, items)
	var op models.DeltaOp
	if replace {
		op = models.InventoryReplace{Wallet: walletID, Items: items}
	} else {
		op = models.InventoryMerge{Wallet: walletID, Items: items}
	}
	return s.apply(ctx, tenantID, op)
}

// RemoveInventory deletes items from a wallet's owned set.
func (s *Service) RemoveInventory(ctx context.Context, tenantID, walletID string, itemIDs []string) (graph.CommitResult, error) {
	return s.apply(ctx, tenantID, models.InventoryRemove{Wallet: walletID, ItemIDs: itemIDs})
}

// SubmitWants adds specific-item and collection wants to a wallet.
func (s *Service) SubmitWants(ctx context.Context, tenantID, walletID string, itemIDs, collectionIDs []string) (graph.CommitResult, error) {
	return s.apply(ctx, tenantID, models.WantsMerge{
		Wallet:          walletID,
		SpecificItemIDs: itemIDs,
		CollectionIDs:   collectionIDs,
	})
}

// RemoveWants deletes wants from a wallet.
func (s *Service) RemoveWants(ctx context.Context, tenantID, walletID string, itemIDs, collectionIDs []string) (graph.CommitResult, error) {
	return s.apply(ctx, tenantID, models.WantsRemove{
		Wallet:          walletID,
		SpecificItemIDs: itemIDs,
		CollectionIDs:   collectionIDs,
	})
}

// Transfer records an ownership move, typically mirrored from on-chain
// activity. fromWallet must still own the item.
func (s *Service) Transfer(ctx context.Context, tenantID, itemID, fromWallet, toWallet string) (graph.CommitResult, error) {
	return s.apply(ctx, tenantID, models.Transfer{
		ItemID:     itemID,
		FromWallet: fromWallet,
		ToWallet:   toWallet,
	})
}

// RemoveWallet deletes a wallet with its inventory and wants.
func (s *Service) RemoveWallet(ctx context.Context, tenantID, walletID string) (graph.CommitResult, error) {
	return s.apply(ctx, tenantID, models.WalletRemove{Wallet: walletID})
}

func (s *Service) apply(ctx context.Context, tenantID string, ops ...models.DeltaOp) (graph.CommitResult, error) {
	return s.ApplyDelta(ctx, models.GraphDelta{TenantID: tenantID, Ops: ops})
}

// ApplyDelta runs the full mutation path for one delta: commit, cache
// invalidation, delta log append, and change publication. Broken loops are
// gone from the cache before this returns. Callers needing optimistic
// concurrency set d.BaseVersion.
func (s *Service) ApplyDelta(ctx context.Context, d models.GraphDelta) (graph.CommitResult, error) {
	t, err := s.reg.Get(d.TenantID)
	if err != nil {
		return graph.CommitResult{}, err
	}
	res, err := t.Store.ApplyDelta(ctx, d)
	if err != nil {
		t.Counters.DeltasRejected.Add(1)
		switch {
		case errors.Is(err, models.ErrQuotaExceeded):
			t.Counters.QuotaRejections.Add(1)
		case errors.Is(err, models.ErrConsistencyConflict):
			t.Counters.Conflicts.Add(1)
		}
		return graph.CommitResult{}, err
	}
	t.Counters.DeltasApplied.Add(1)
	if !res.Changed {
		return res, nil
	}

	// Invalidation is synchronous: a query issued after this call returns
	// must not see a loop the delta broke.
	if len(res.Affected) > 0 {
		t.Cache.Invalidate(res.Affected)
	}
	if len(res.Perturbed) > 0 {
		t.Cache.MarkStale(res.Perturbed)
	}

	if s.dlog != nil {
		if lerr := s.dlog.Append(ctx, d.TenantID, res.Version, d.Ops); lerr != nil {
			log.Printf("[service] tenant %s: delta log append failed at v%d: %v", d.TenantID, res.Version, lerr)
		}
	}

	s.bus.Publish(eventbus.Event{
		Type:      models.TopicGraphChanged,
		TenantID:  d.TenantID,
		Version:   res.Version,
		Timestamp: time.Now(),
		Payload: models.GraphChanged{
			Version:   res.Version,
			Perturbed: res.Perturbed,
		},
	})
	return res, nil
}

// RequestRescan asks the scheduler for a full recomputation of one tenant
// by publishing a change event with an unknown perturbation set.
func (s *Service) RequestRescan(tenantID string) error {
	t, err := s.reg.Get(tenantID)
	if err != nil {
		return err
	}
	s.bus.Publish(eventbus.Event{
		Type:      models.TopicGraphChanged,
		TenantID:  t.ID,
		Version:   t.Store.Version(),
		Timestamp: time.Now(),
		Payload:   models.GraphChanged{Version: t.Store.Version(), FullRescan: true},
	})
	return nil
}

// Recompute enumerates loops from the given seeds and admits the survivors
// into the tenant's cache. It implements scheduler.Runner: remaining seeds
// come back when the budget ran out. Admission re-validates every loop
// against the graph as it is at admission time, not as it was when the
// enumeration snapshot was taken.
func (s *Service) Recompute(ctx context.Context, tenantID string, seeds []string) ([]string, error) {
	t, err := s.reg.Get(tenantID)
	if err != nil {
		return nil, err
	}
	snap := t.Store.Snapshot()
	res, err := discovery.Enumerate(ctx, discovery.Request{
		Snapshot: snap,
		Seeds:    seeds,
		Limits:   t.Limits,
	}, t.Scorer)
	if err != nil && !errors.Is(err, models.ErrBudgetExhausted) {
		if errors.Is(err, models.ErrInvariantViolation) {
			// Integrity failure: drop every cached loop and rebuild from
			// scratch rather than serve results derived from bad state.
			n := t.Cache.Purge(models.ReasonTenantPolicy)
			log.Printf("[service] tenant %s: integrity failure, purged %d loops: %v", tenantID, n, err)
			if rerr := s.RequestRescan(tenantID); rerr != nil {
				log.Printf("[service] tenant %s: rescan request failed: %v", tenantID, rerr)
			}
		}
		return nil, err
	}

	now := time.Now()
	batch := make([]models.CachedLoop, len(res.Loops))
	for i, sl := range res.Loops {
		batch[i] = models.CachedLoop{
			Fingerprint:  sl.Fingerprint,
			Loop:         sl.Loop,
			Score:        sl.Score,
			DiscoveredAt: now,
			TTL:          t.CacheTTL,
		}
	}
	admitted, rejected := t.Cache.ApplyBatch(batch, func(l models.TradeLoop) error {
		if !t.Store.Snapshot().Validate(l) {
			return fmt.Errorf("%w: loop broken before admission", models.ErrConsistencyConflict)
		}
		return nil
	})
	if rejected > 0 {
		log.Printf("[service] tenant %s: %d loops went stale before admission", tenantID, rejected)
	}

	t.Counters.Recomputes.Add(1)
	t.Counters.LoopsDiscovered.Add(uint64(admitted))
	t.Counters.LastRecompute.Store(now.UnixNano())

	if res.Continuation != nil {
		return res.Continuation.Remaining, err
	}
	return nil, err
}

// TradeQuery filters a cached-loop listing. Zero fields do not filter.
type TradeQuery struct {
	Wallet     string
	Item       string
	Collection string
	MinScore   float64
	// MaxAge drops loops discovered longer ago than this.
	MaxAge time.Duration
	Limit  int
	Cursor string
}

// TradePage is one page of cached loops plus the freshness a caller needs
// to judge them: the graph version now and when discovery last ran.
type TradePage struct {
	Loops      []models.CachedLoop `json:"loops"`
	NextCursor string              `json:"next_cursor,omitempty"`
	// GraphVersion is the tenant graph version at query time.
	GraphVersion uint64 `json:"graph_version"`
	// LastRecompute is zero when discovery has never completed.
	LastRecompute time.Time `json:"last_recompute,omitempty"`
}

// QueryTrades lists cached loops ordered by score descending. Queries never
// trigger discovery and never fail because a recompute failed; they serve
// whatever the cache holds.
func (s *Service) QueryTrades(ctx context.Context, tenantID string, q TradeQuery) (TradePage, error) {
	t, err := s.reg.Get(tenantID)
	if err != nil {
		return TradePage{}, err
	}
	loops, next, err := t.Cache.List(ctx, loopcache.ListFilter{
		Wallet:     q.Wallet,
		Item:       q.Item,
		Collection: q.Collection,
		MinScore:   q.MinScore,
		MaxAge:     q.MaxAge,
		Limit:      q.Limit,
		Cursor:     q.Cursor,
	})
	if err != nil {
		return TradePage{}, err
	}
	page := TradePage{
		Loops:        loops,
		NextCursor:   next,
		GraphVersion: t.Store.Version(),
	}
	if ns := t.Counters.LastRecompute.Load(); ns > 0 {
		page.LastRecompute = time.Unix(0, ns)
	}
	return page, nil
}

// GetTrade returns one cached loop by fingerprint.
func (s *Service) GetTrade(ctx context.Context, tenantID, fingerprint string) (models.CachedLoop, error) {
	t, err := s.reg.Get(tenantID)
	if err != nil {
		return models.CachedLoop{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.CachedLoop{}, err
	}
	cl, ok := t.Cache.Get(fingerprint)
	if !ok {
		return models.CachedLoop{}, fmt.Errorf("%w: loop %s", models.ErrUnknownID, fingerprint)
	}
	return cl, nil
}

// TenantStatus is one tenant's operational snapshot.
type TenantStatus struct {
	Graph       graph.Stats              `json:"graph"`
	Cache       loopcache.Counters       `json:"cache"`
	CachedLoops int                      `json:"cached_loops"`
	Counters    tenancy.CountersSnapshot `json:"counters"`
}

// Status reports every tenant's graph, cache, and counter state.
func (s *Service) Status() map[string]TenantStatus {
	out := make(map[string]TenantStatus)
	for _, t := range s.reg.All() {
		out[t.ID] = TenantStatus{
			Graph:       t.Store.Stats(),
			Cache:       t.Cache.Counters(),
			CachedLoops: t.Cache.Len(),
			Counters:    t.Counters.Snapshot(),
		}
	}
	return out
}

// Subscription delivers a tenant's events. Slow receivers lose events
// rather than stall the service; Close deregisters.
type Subscription struct {
	// ID tags the subscription in logs.
	ID string
	C  <-chan eventbus.Event

	s        *Service
	ch       chan eventbus.Event
	tenantID string
	topics   map[string]struct{}
	once     sync.Once
}

// Close stops delivery. The channel is not closed; receivers select on C
// together with their own done signal.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.s.subMu.Lock()
		delete(sub.s.subs, sub)
		sub.s.subMu.Unlock()
	})
}

// Subscribe registers for one tenant's events. With no topics every
// forwarded topic is delivered; otherwise only the named ones.
func (s *Service) Subscribe(tenantID string, topics ...string) (*Subscription, error) {
	if _, err := s.reg.Get(tenantID); err != nil {
		return nil, err
	}
	ch := make(chan eventbus.Event, s.cfg.SubscriberBuffer)
	sub := &Subscription{
		ID:       uuid.NewString(),
		C:        ch,
		s:        s,
		ch:       ch,
		tenantID: tenantID,
	}
	if len(topics) > 0 {
		sub.topics = make(map[string]struct{}, len(topics))
		for _, tp := range topics {
			sub.topics[tp] = struct{}{}
		}
	}
	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()
	return sub, nil
}

// Run pumps bus events to subscribers and sweeps expired loops until the
// context ends.
func (s *Service) Run(ctx context.Context) {
	log.Printf("[service] Started (sweep every %s)", s.cfg.SweepInterval)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[service] Stopping: %v", ctx.Err())
			return
		case evt := <-s.intake:
			s.fanout(evt)
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Service) fanout(evt eventbus.Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		if sub.tenantID != evt.TenantID {
			continue
		}
		if sub.topics != nil {
			if _, ok := sub.topics[evt.Type]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

func (s *Service) sweep() {
	for _, t := range s.reg.All() {
		if n := t.Cache.SweepExpired(); n > 0 {
			log.Printf("[service] tenant %s: swept %d expired loops", t.ID, n)
		}
	}
}
