package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tradeweave/loopengine/internal/discovery"
	"github.com/tradeweave/loopengine/internal/eventbus"
	"github.com/tradeweave/loopengine/internal/graph"
	"github.com/tradeweave/loopengine/internal/metadata"
	"github.com/tradeweave/loopengine/internal/models"
	"github.com/tradeweave/loopengine/internal/tenancy"
)

type appendRec struct {
	tenant  string
	version uint64
	kinds   []string
}

type fakeDeltaLog struct {
	mu      sync.Mutex
	appends []appendRec
	failErr error
}

func (f *fakeDeltaLog) Append(ctx context.Context, tenantID string, version uint64, ops []models.DeltaOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	kinds := make([]string, len(ops))
	for i, op := range ops {
		kinds[i] = op.Kind()
	}
	f.appends = append(f.appends, appendRec{tenant: tenantID, version: version, kinds: kinds})
	return nil
}

func (f *fakeDeltaLog) records() []appendRec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]appendRec, len(f.appends))
	copy(out, f.appends)
	return out
}

func newService(t *testing.T, cfgs ...tenancy.TenantConfig) (*Service, *eventbus.Bus, *fakeDeltaLog) {
	t.Helper()
	bus := eventbus.New()
	reg := tenancy.NewRegistry(bus)
	if len(cfgs) == 0 {
		cfgs = []tenancy.TenantConfig{{ID: "t1", CacheTTL: time.Minute}}
	}
	for _, cfg := range cfgs {
		if _, err := reg.Register(cfg, nil); err != nil {
			t.Fatalf("register %s: %v", cfg.ID, err)
		}
	}
	dlog := &fakeDeltaLog{}
	svc := New(Config{}, reg, bus, dlog)
	t.Cleanup(bus.Close)
	return svc, bus, dlog
}

// seedSwap sets up the direct two-way swap: w-a owns x and wants y,
// w-b owns y and wants x.
func seedSwap(t *testing.T, svc *Service, tenant string) {
	t.Helper()
	ctx := context.Background()
	if _, err := svc.SubmitInventory(ctx, tenant, "w-a", []models.ItemRef{{ID: "x"}}, false); err != nil {
		t.Fatalf("inventory w-a: %v", err)
	}
	if _, err := svc.SubmitInventory(ctx, tenant, "w-b", []models.ItemRef{{ID: "y"}}, false); err != nil {
		t.Fatalf("inventory w-b: %v", err)
	}
	if _, err := svc.SubmitWants(ctx, tenant, "w-a", []string{"y"}, nil); err != nil {
		t.Fatalf("wants w-a: %v", err)
	}
	if _, err := svc.SubmitWants(ctx, tenant, "w-b", []string{"x"}, nil); err != nil {
		t.Fatalf("wants w-b: %v", err)
	}
}

func recompute(t *testing.T, svc *Service, tenant string, seeds []string) {
	t.Helper()
	if _, err := svc.Recompute(context.Background(), tenant, seeds); err != nil {
		t.Fatalf("recompute: %v", err)
	}
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, what string) eventbus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return eventbus.Event{}
	}
}

func TestService_TwoWaySwapEndToEnd(t *testing.T) {
	svc, _, _ := newService(t)
	seedSwap(t, svc, "t1")
	recompute(t, svc, "t1", nil)

	page, err := svc.QueryTrades(context.Background(), "t1", TradeQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(page.Loops) != 1 {
		t.Fatalf("expected 1 loop, got %d", len(page.Loops))
	}
	loop := page.Loops[0].Loop
	if len(loop.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(loop.Steps))
	}
	if loop.Steps[0].FromWallet != "w-a" || loop.Steps[0].Items[0].ID != "x" {
		t.Fatalf("unexpected first step: %+v", loop.Steps[0])
	}
	if page.Loops[0].Status != models.LoopStatusFresh {
		t.Fatalf("expected fresh loop, got %s", page.Loops[0].Status)
	}
	if page.GraphVersion == 0 {
		t.Fatal("expected non-zero graph version")
	}
	if page.LastRecompute.IsZero() {
		t.Fatal("expected last recompute timestamp")
	}
}

func TestService_ThreeWayCollectionWant(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	if _, err := svc.SubmitInventory(ctx, "t1", "w-a", []models.ItemRef{{ID: "a1", CollectionID: "art"}}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SubmitInventory(ctx, "t1", "w-b", []models.ItemRef{{ID: "b1"}}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SubmitInventory(ctx, "t1", "w-c", []models.ItemRef{{ID: "c1"}}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SubmitWants(ctx, "t1", "w-a", []string{"b1"}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SubmitWants(ctx, "t1", "w-b", []string{"c1"}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SubmitWants(ctx, "t1", "w-c", nil, []string{"art"}); err != nil {
		t.Fatal(err)
	}
	recompute(t, svc, "t1", nil)

	page, err := svc.QueryTrades(ctx, "t1", TradeQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(page.Loops) != 1 {
		t.Fatalf("expected 1 loop, got %d", len(page.Loops))
	}
	loop := page.Loops[0].Loop
	if len(loop.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(loop.Steps))
	}
	for _, step := range loop.Steps {
		if step.ToWallet == "w-c" && step.Items[0].ID != "a1" {
			t.Fatalf("collection want should resolve to a1, got %+v", step.Items)
		}
	}
}

func TestService_QueryTradesHonorsDeadline(t *testing.T) {
	svc, _, _ := newService(t)
	seedSwap(t, svc, "t1")
	recompute(t, svc, "t1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.QueryTrades(ctx, "t1", TradeQuery{})
	if !errors.Is(err, models.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestService_TransferInvalidatesBeforeReturn(t *testing.T) {
	svc, _, _ := newService(t)
	seedSwap(t, svc, "t1")
	recompute(t, svc, "t1", nil)

	ctx := context.Background()
	res, err := svc.Transfer(ctx, "t1", "x", "w-a", "w-z")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if !res.Changed {
		t.Fatal("transfer should change the graph")
	}

	// No sleep here: the broken loop must be gone the moment the
	// mutation call returns.
	page, err := svc.QueryTrades(ctx, "t1", TradeQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(page.Loops) != 0 {
		t.Fatalf("expected empty cache after transfer, got %d loops", len(page.Loops))
	}
}

func TestService_IdempotentReplace(t *testing.T) {
	svc, bus, dlog := newService(t)
	ctx := context.Background()
	items := []models.ItemRef{{ID: "x"}, {ID: "y"}}

	res1, err := svc.SubmitInventory(ctx, "t1", "w-a", items, true)
	if err != nil {
		t.Fatalf("first replace: %v", err)
	}
	if !res1.Changed {
		t.Fatal("first replace should change the graph")
	}

	changes := make(chan eventbus.Event, 4)
	bus.Subscribe(models.TopicGraphChanged, changes)

	res2, err := svc.SubmitInventory(ctx, "t1", "w-a", items, true)
	if err != nil {
		t.Fatalf("second replace: %v", err)
	}
	if res2.Changed {
		t.Fatal("identical replace should be a no-op")
	}
	if res2.Version != res1.Version {
		t.Fatalf("no-op advanced version: %d -> %d", res1.Version, res2.Version)
	}
	select {
	case evt := <-changes:
		t.Fatalf("no-op published %s", evt.Type)
	case <-time.After(50 * time.Millisecond):
	}

	recs := dlog.records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 delta log append, got %d", len(recs))
	}
	if recs[0].version != res1.Version || recs[0].kinds[0] != "inventory_replace" {
		t.Fatalf("unexpected log record: %+v", recs[0])
	}
}

func TestService_QuotaRejectionCounted(t *testing.T) {
	svc, _, _ := newService(t, tenancy.TenantConfig{
		ID:       "t1",
		CacheTTL: time.Minute,
		Quotas:   graph.Limits{MaxWallets: 1},
	})
	ctx := context.Background()
	if _, err := svc.SubmitInventory(ctx, "t1", "w-a", []models.ItemRef{{ID: "x"}}, false); err != nil {
		t.Fatalf("first wallet: %v", err)
	}
	_, err := svc.SubmitInventory(ctx, "t1", "w-b", []models.ItemRef{{ID: "y"}}, false)
	if !errors.Is(err, models.ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}

	tn, _ := svc.Registry().Get("t1")
	if got := tn.Counters.QuotaRejections.Load(); got != 1 {
		t.Fatalf("QuotaRejections = %d, want 1", got)
	}
	if got := tn.Counters.DeltasRejected.Load(); got != 1 {
		t.Fatalf("DeltasRejected = %d, want 1", got)
	}
	if got := tn.Counters.DeltasApplied.Load(); got != 1 {
		t.Fatalf("DeltasApplied = %d, want 1", got)
	}
}

func TestService_ConflictOnStaleBase(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	if _, err := svc.SubmitInventory(ctx, "t1", "w-a", []models.ItemRef{{ID: "x"}}, false); err != nil {
		t.Fatal(err)
	}
	tn, _ := svc.Registry().Get("t1")
	base := tn.Store.Version()

	// Another writer touches w-a after base was read.
	if _, err := svc.SubmitWants(ctx, "t1", "w-a", []string{"y"}, nil); err != nil {
		t.Fatal(err)
	}

	_, err := svc.ApplyDelta(ctx, models.GraphDelta{
		TenantID:    "t1",
		BaseVersion: base,
		Ops:         []models.DeltaOp{models.InventoryRemove{Wallet: "w-a", ItemIDs: []string{"x"}}},
	})
	if !errors.Is(err, models.ErrConsistencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var ce *models.ConflictError
	if !errors.As(err, &ce) || ce.CurrentVersion != tn.Store.Version() {
		t.Fatalf("conflict should report current version, got %v", err)
	}
	if got := tn.Counters.Conflicts.Load(); got != 1 {
		t.Fatalf("Conflicts = %d, want 1", got)
	}
}

func TestService_PerturbationMarksLoopsStale(t *testing.T) {
	svc, _, _ := newService(t)
	seedSwap(t, svc, "t1")
	recompute(t, svc, "t1", nil)

	ctx := context.Background()
	// A new edge out of w-b perturbs it without breaking the cached swap.
	if _, err := svc.SubmitInventory(ctx, "t1", "w-c", []models.ItemRef{{ID: "z"}}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SubmitWants(ctx, "t1", "w-b", []string{"z"}, nil); err != nil {
		t.Fatal(err)
	}

	page, err := svc.QueryTrades(ctx, "t1", TradeQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(page.Loops) != 1 {
		t.Fatalf("expected the swap to survive, got %d loops", len(page.Loops))
	}
	if page.Loops[0].Status != models.LoopStatusStale {
		t.Fatalf("expected stale status, got %s", page.Loops[0].Status)
	}

	// Recomputing refreshes the still-valid loop.
	recompute(t, svc, "t1", nil)
	page, _ = svc.QueryTrades(ctx, "t1", TradeQuery{})
	for _, cl := range page.Loops {
		if len(cl.Loop.Steps) == 2 && cl.Status != models.LoopStatusFresh {
			t.Fatalf("expected refreshed swap to be fresh, got %s", cl.Status)
		}
	}
}

func TestService_RecomputeContinuation(t *testing.T) {
	svc, _, _ := newService(t, tenancy.TenantConfig{
		ID:        "t1",
		CacheTTL:  time.Minute,
		Discovery: discovery.Limits{MaxLoops: 1},
	})
	ctx := context.Background()
	// Two disjoint swaps; the loop cap stops the run after the first.
	seedSwap(t, svc, "t1")
	if _, err := svc.SubmitInventory(ctx, "t1", "w-c", []models.ItemRef{{ID: "p"}}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SubmitInventory(ctx, "t1", "w-d", []models.ItemRef{{ID: "q"}}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SubmitWants(ctx, "t1", "w-c", []string{"q"}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SubmitWants(ctx, "t1", "w-d", []string{"p"}, nil); err != nil {
		t.Fatal(err)
	}

	remaining, err := svc.Recompute(ctx, "t1", nil)
	if !errors.Is(err, models.ErrBudgetExhausted) {
		t.Fatalf("expected budget exhaustion, got %v", err)
	}
	if len(remaining) == 0 {
		t.Fatal("expected unfinished seeds")
	}

	// Drive the continuation the way the scheduler does until the seed
	// set drains.
	for i := 0; len(remaining) > 0; i++ {
		if i > 8 {
			t.Fatalf("continuation did not drain, still %v", remaining)
		}
		remaining, err = svc.Recompute(ctx, "t1", remaining)
		if err != nil && !errors.Is(err, models.ErrBudgetExhausted) {
			t.Fatalf("resume: %v", err)
		}
	}
	page, _ := svc.QueryTrades(ctx, "t1", TradeQuery{})
	if len(page.Loops) != 2 {
		t.Fatalf("expected both swaps cached after resume, got %d", len(page.Loops))
	}

	tn, _ := svc.Registry().Get("t1")
	if got := tn.Counters.Recomputes.Load(); got < 2 {
		t.Fatalf("Recomputes = %d, want at least 2", got)
	}
}

func TestService_GetTrade(t *testing.T) {
	svc, _, _ := newService(t)
	seedSwap(t, svc, "t1")
	recompute(t, svc, "t1", nil)

	ctx := context.Background()
	page, _ := svc.QueryTrades(ctx, "t1", TradeQuery{})
	if len(page.Loops) != 1 {
		t.Fatalf("expected 1 loop, got %d", len(page.Loops))
	}
	fp := page.Loops[0].Fingerprint

	cl, err := svc.GetTrade(ctx, "t1", fp)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cl.Fingerprint != fp {
		t.Fatalf("fingerprint mismatch: %s vs %s", cl.Fingerprint, fp)
	}

	if _, err := svc.GetTrade(ctx, "t1", "missing"); !errors.Is(err, models.ErrUnknownID) {
		t.Fatalf("expected unknown id, got %v", err)
	}
	if _, err := svc.GetTrade(ctx, "nope", fp); !errors.Is(err, models.ErrUnknownTenant) {
		t.Fatalf("expected unknown tenant, got %v", err)
	}
}

func TestService_SubscribeFanout(t *testing.T) {
	svc, _, _ := newService(t,
		tenancy.TenantConfig{ID: "t1", CacheTTL: time.Minute},
		tenancy.TenantConfig{ID: "t2", CacheTTL: time.Minute},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	all, err := svc.Subscribe("t1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer all.Close()
	loopsOnly, err := svc.Subscribe("t1", models.TopicLoopDiscovered)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer loopsOnly.Close()
	other, err := svc.Subscribe("t2")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer other.Close()

	seedSwap(t, svc, "t1")
	evt := waitEvent(t, all.C, "graph.changed")
	if evt.Type != models.TopicGraphChanged || evt.TenantID != "t1" {
		t.Fatalf("unexpected event %s for %s", evt.Type, evt.TenantID)
	}

	recompute(t, svc, "t1", nil)
	evt = waitEvent(t, loopsOnly.C, "loop.discovered")
	if evt.Type != models.TopicLoopDiscovered {
		t.Fatalf("filtered subscription got %s", evt.Type)
	}
	if _, ok := evt.Payload.(models.LoopDiscovered); !ok {
		t.Fatalf("unexpected payload %T", evt.Payload)
	}

	select {
	case evt := <-other.C:
		t.Fatalf("t2 subscriber got t1 event %s", evt.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestService_SubscribeUnknownTenant(t *testing.T) {
	svc, _, _ := newService(t)
	if _, err := svc.Subscribe("nope"); !errors.Is(err, models.ErrUnknownTenant) {
		t.Fatalf("expected unknown tenant, got %v", err)
	}
}

func TestService_DeltaLogFailureDoesNotFailMutation(t *testing.T) {
	svc, _, dlog := newService(t)
	dlog.failErr = errors.New("pg down")

	res, err := svc.SubmitInventory(context.Background(), "t1", "w-a", []models.ItemRef{{ID: "x"}}, false)
	if err != nil {
		t.Fatalf("mutation failed on log error: %v", err)
	}
	if !res.Changed {
		t.Fatal("expected commit")
	}
}

func TestService_StatusAggregates(t *testing.T) {
	svc, _, _ := newService(t)
	seedSwap(t, svc, "t1")
	recompute(t, svc, "t1", nil)

	st := svc.Status()
	ts, ok := st["t1"]
	if !ok {
		t.Fatal("missing tenant t1 in status")
	}
	if ts.Graph.Wallets != 2 || ts.Graph.Items != 2 {
		t.Fatalf("unexpected graph stats: %+v", ts.Graph)
	}
	if ts.CachedLoops != 1 {
		t.Fatalf("CachedLoops = %d, want 1", ts.CachedLoops)
	}
	if ts.Counters.DeltasApplied != 4 {
		t.Fatalf("DeltasApplied = %d, want 4", ts.Counters.DeltasApplied)
	}
	if ts.Counters.Recomputes != 1 {
		t.Fatalf("Recomputes = %d, want 1", ts.Counters.Recomputes)
	}
}

func TestService_MetadataEnrichmentFillsCollections(t *testing.T) {
	svc, _, _ := newService(t)
	svc.SetMetadataProvider("t1", metadata.StaticProvider{Items: map[string]metadata.Info{
		"a1": {CollectionID: "art"},
	}})

	ctx := context.Background()
	// a1 arrives without a collection id; only the provider knows it.
	if _, err := svc.SubmitInventory(ctx, "t1", "w-a", []models.ItemRef{{ID: "a1"}}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SubmitInventory(ctx, "t1", "w-b", []models.ItemRef{{ID: "b1"}}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SubmitWants(ctx, "t1", "w-a", []string{"b1"}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SubmitWants(ctx, "t1", "w-b", nil, []string{"art"}); err != nil {
		t.Fatal(err)
	}
	recompute(t, svc, "t1", nil)

	page, _ := svc.QueryTrades(ctx, "t1", TradeQuery{})
	if len(page.Loops) != 1 {
		t.Fatalf("expected the collection want to match the enriched item, got %d loops", len(page.Loops))
	}
}

func TestService_UnknownTenantMutation(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.SubmitInventory(context.Background(), "ghost", "w-a", nil, false)
	if !errors.Is(err, models.ErrUnknownTenant) {
		t.Fatalf("expected unknown tenant, got %v", err)
	}
}
