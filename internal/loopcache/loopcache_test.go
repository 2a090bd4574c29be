package loopcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tradeweave/loopengine/internal/eventbus"
	"github.com/tradeweave/loopengine/internal/graph"
	"github.com/tradeweave/loopengine/internal/models"
)

func swapLoop(fp string, score float64, wa, wb string, ia, ib models.ItemRef) models.CachedLoop {
	return models.CachedLoop{
		Fingerprint: fp,
		Score:       score,
		Loop: models.TradeLoop{
			TenantID: "t1",
			Steps: []models.TradeStep{
				{FromWallet: wa, ToWallet: wb, Items: []models.ItemRef{ia}},
				{FromWallet: wb, ToWallet: wa, Items: []models.ItemRef{ib}},
			},
		},
	}
}

func ref(id string) models.ItemRef { return models.ItemRef{ID: id} }

func collRef(id, coll string) models.ItemRef {
	return models.ItemRef{ID: id, CollectionID: coll}
}

func TestCache_PutGet(t *testing.T) {
	c := New("t1", Config{}, nil)
	c.Put(swapLoop("fp-1", 0.9, "w-a", "w-b", ref("x"), ref("y")))

	got, ok := c.Get("fp-1")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Status != models.LoopStatusFresh || got.Score != 0.9 {
		t.Errorf("got %+v", got)
	}
	if got.DiscoveredAt.IsZero() || got.TTL != DefaultTTL {
		t.Errorf("defaults not applied: %+v", got)
	}
	if _, ok := c.Get("fp-none"); ok {
		t.Error("unexpected hit")
	}
	cnt := c.Counters()
	if cnt.Hits != 1 || cnt.Misses != 1 || cnt.Admitted != 1 {
		t.Errorf("counters = %+v", cnt)
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New("t1", Config{TTL: time.Minute}, nil)
	t0 := time.Now()
	c.now = func() time.Time { return t0 }
	c.Put(swapLoop("fp-1", 0.5, "w-a", "w-b", ref("x"), ref("y")))

	if _, ok := c.Get("fp-1"); !ok {
		t.Fatal("fresh entry missed")
	}

	c.now = func() time.Time { return t0.Add(2 * time.Minute) }
	if _, ok := c.Get("fp-1"); ok {
		t.Fatal("expired entry served")
	}
	if c.Len() != 0 {
		t.Errorf("len = %d after expiry", c.Len())
	}
	if cnt := c.Counters(); cnt.Expired != 1 {
		t.Errorf("expired counter = %d", cnt.Expired)
	}
}

func TestCache_SweepExpired(t *testing.T) {
	c := New("t1", Config{TTL: time.Minute}, nil)
	t0 := time.Now()
	c.now = func() time.Time { return t0 }
	c.Put(swapLoop("fp-old", 0.5, "w-a", "w-b", ref("x"), ref("y")))
	c.Put(models.CachedLoop{
		Fingerprint: "fp-new",
		Score:       0.6,
		TTL:         time.Hour,
		Loop:        swapLoop("", 0, "w-c", "w-d", ref("u"), ref("v")).Loop,
	})

	c.now = func() time.Time { return t0.Add(10 * time.Minute) }
	if n := c.SweepExpired(); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if _, ok := c.Get("fp-new"); !ok {
		t.Error("long-ttl entry swept")
	}
}

func TestCache_GetOrBuild_SingleFlight(t *testing.T) {
	c := New("t1", Config{}, nil)
	gate := make(chan struct{})
	var builds atomic.Int32

	build := func(context.Context) (models.CachedLoop, error) {
		builds.Add(1)
		<-gate
		return swapLoop("fp-1", 0.7, "w-a", "w-b", ref("x"), ref("y")), nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan float64, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cl, err := c.GetOrBuild(context.Background(), "fp-1", build)
			if err != nil {
				t.Errorf("build: %v", err)
				return
			}
			results <- cl.Score
		}()
	}

	// Give every caller time to coalesce onto the in-flight build.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(results)

	if got := builds.Load(); got != 1 {
		t.Errorf("builder ran %d times, want 1", got)
	}
	for score := range results {
		if score != 0.7 {
			t.Errorf("score = %v", score)
		}
	}
	if _, ok := c.Get("fp-1"); !ok {
		t.Error("built loop not cached")
	}
}

func TestCache_GetOrBuild_ErrorDoesNotPoison(t *testing.T) {
	c := New("t1", Config{}, nil)
	boom := errors.New("valuation source down")
	calls := 0

	_, err := c.GetOrBuild(context.Background(), "fp-1", func(context.Context) (models.CachedLoop, error) {
		calls++
		return models.CachedLoop{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	cl, err := c.GetOrBuild(context.Background(), "fp-1", func(context.Context) (models.CachedLoop, error) {
		calls++
		return swapLoop("fp-1", 0.4, "w-a", "w-b", ref("x"), ref("y")), nil
	})
	if err != nil || cl.Score != 0.4 {
		t.Fatalf("retry failed: %v %+v", err, cl)
	}
	if calls != 2 {
		t.Errorf("builder calls = %d, want 2", calls)
	}
}

func TestCache_InvalidatePredicates(t *testing.T) {
	c := New("t1", Config{}, nil)
	c.Put(swapLoop("fp-ab", 0.9, "w-a", "w-b", collRef("x", "art"), ref("y")))
	c.Put(swapLoop("fp-ac", 0.8, "w-a", "w-c", ref("z"), ref("q")))

	// Wallet+item must both match within one predicate.
	if n := c.Invalidate([]graph.Affected{{Wallet: "w-a", Item: "q"}}); n != 1 {
		t.Fatalf("invalidated %d, want 1", n)
	}
	if _, ok := c.Get("fp-ac"); ok {
		t.Error("fp-ac survived")
	}
	if _, ok := c.Get("fp-ab"); !ok {
		t.Error("fp-ab wrongly removed")
	}

	// Collection wildcard hits the remaining loop.
	if n := c.Invalidate([]graph.Affected{{Collection: "art", Reason: models.ReasonTenantPolicy}}); n != 1 {
		t.Fatalf("collection invalidate = %d, want 1", n)
	}
	if c.Len() != 0 {
		t.Errorf("len = %d, want 0", c.Len())
	}

	// An empty predicate matches nothing.
	c.Put(swapLoop("fp-ab", 0.9, "w-a", "w-b", ref("x"), ref("y")))
	if n := c.Invalidate([]graph.Affected{{}}); n != 0 {
		t.Errorf("empty predicate removed %d", n)
	}
}

func TestCache_InvalidatePublishesEvent(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	events := make(chan eventbus.Event, 4)
	bus.Subscribe(models.TopicLoopInvalidated, events)

	c := New("t1", Config{}, bus)
	c.Put(swapLoop("fp-1", 0.9, "w-a", "w-b", ref("x"), ref("y")))
	c.Invalidate([]graph.Affected{{Item: "x", Reason: models.ReasonOwnerChanged}})

	select {
	case evt := <-events:
		if evt.TenantID != "t1" {
			t.Errorf("tenant = %q", evt.TenantID)
		}
		p, ok := evt.Payload.(models.LoopInvalidated)
		if !ok || p.Fingerprint != "fp-1" || p.Reason != models.ReasonOwnerChanged {
			t.Errorf("payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no invalidation event")
	}
}

func TestCache_DiscoveredEventOncePerDiscovery(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	events := make(chan eventbus.Event, 8)
	bus.Subscribe(models.TopicLoopDiscovered, events)

	c := New("t1", Config{}, bus)
	c.Put(swapLoop("fp-1", 0.9, "w-a", "w-b", ref("x"), ref("y")))
	select {
	case evt := <-events:
		p, ok := evt.Payload.(models.LoopDiscovered)
		if !ok || p.Loop.Fingerprint != "fp-1" {
			t.Fatalf("payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no discovery event")
	}

	// A refresh of a live fingerprint is not a new discovery.
	c.Put(swapLoop("fp-1", 0.9, "w-a", "w-b", ref("x"), ref("y")))
	select {
	case <-events:
		t.Fatal("refresh should not re-announce")
	case <-time.After(50 * time.Millisecond):
	}

	// After invalidation the next discovery is a new event.
	c.Invalidate([]graph.Affected{{Item: "x"}})
	c.Put(swapLoop("fp-1", 0.9, "w-a", "w-b", ref("x"), ref("y")))
	select {
	case evt := <-events:
		if evt.Type != models.TopicLoopDiscovered {
			t.Errorf("event type = %s", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("rediscovery not announced")
	}
}

func TestCache_LRUEvictionKeepsIndicesClean(t *testing.T) {
	c := New("t1", Config{MaxEntries: 2}, nil)
	c.Put(swapLoop("fp-1", 0.1, "w-a", "w-b", ref("x1"), ref("y1")))
	c.Put(swapLoop("fp-2", 0.2, "w-c", "w-d", ref("x2"), ref("y2")))
	c.Put(swapLoop("fp-3", 0.3, "w-e", "w-f", ref("x3"), ref("y3")))

	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
	if _, ok := c.Get("fp-1"); ok {
		t.Error("oldest entry survived the cap")
	}
	// The evicted loop's index rows must be gone.
	if n := c.Invalidate([]graph.Affected{{Wallet: "w-a"}}); n != 0 {
		t.Errorf("stale index matched %d entries", n)
	}
	loops, _, _ := c.List(context.Background(), ListFilter{Wallet: "w-a"})
	if len(loops) != 0 {
		t.Errorf("list returned evicted loop")
	}
}

func TestCache_MarkStale(t *testing.T) {
	c := New("t1", Config{}, nil)
	c.Put(swapLoop("fp-1", 0.9, "w-a", "w-b", ref("x"), ref("y")))

	if n := c.MarkStale([]string{"w-b", "w-z"}); n != 1 {
		t.Fatalf("marked %d, want 1", n)
	}
	got, ok := c.Get("fp-1")
	if !ok || got.Status != models.LoopStatusStale {
		t.Errorf("got %+v", got)
	}

	// A re-put refreshes.
	c.Put(swapLoop("fp-1", 0.9, "w-a", "w-b", ref("x"), ref("y")))
	got, _ = c.Get("fp-1")
	if got.Status != models.LoopStatusFresh {
		t.Errorf("status after re-put = %s", got.Status)
	}
}

func TestCache_ApplyBatchValidator(t *testing.T) {
	c := New("t1", Config{}, nil)
	batch := []models.CachedLoop{
		swapLoop("fp-ok", 0.9, "w-a", "w-b", ref("x"), ref("y")),
		swapLoop("fp-bad", 0.8, "w-c", "w-d", ref("gone"), ref("v")),
	}
	admitted, rejected := c.ApplyBatch(batch, func(l models.TradeLoop) error {
		for _, id := range l.ItemIDs() {
			if id == "gone" {
				return models.ErrInvariantViolation
			}
		}
		return nil
	})
	if admitted != 1 || rejected != 1 {
		t.Fatalf("admitted/rejected = %d/%d", admitted, rejected)
	}
	if _, ok := c.Get("fp-bad"); ok {
		t.Error("validator-rejected loop cached")
	}
	if _, ok := c.Get("fp-ok"); !ok {
		t.Error("valid loop missing")
	}
}

func TestCache_ListFilterAndPagination(t *testing.T) {
	c := New("t1", Config{}, nil)
	c.Put(swapLoop("fp-1", 0.9, "w-a", "w-b", ref("x1"), ref("y1")))
	c.Put(swapLoop("fp-2", 0.8, "w-a", "w-c", ref("x2"), ref("y2")))
	c.Put(swapLoop("fp-3", 0.7, "w-d", "w-e", ref("x3"), ref("y3")))
	c.Put(swapLoop("fp-4", 0.6, "w-a", "w-f", ref("x4"), ref("y4")))

	byWallet, _, _ := c.List(context.Background(), ListFilter{Wallet: "w-a"})
	if len(byWallet) != 3 {
		t.Fatalf("wallet filter returned %d, want 3", len(byWallet))
	}
	for i := 1; i < len(byWallet); i++ {
		if byWallet[i-1].Score < byWallet[i].Score {
			t.Errorf("not sorted by score desc: %+v", byWallet)
		}
	}

	if byScore, _, _ := c.List(context.Background(), ListFilter{MinScore: 0.75}); len(byScore) != 2 {
		t.Errorf("min-score filter returned %d, want 2", len(byScore))
	}

	if byItem, _, _ := c.List(context.Background(), ListFilter{Item: "x3"}); len(byItem) != 1 || byItem[0].Fingerprint != "fp-3" {
		t.Errorf("item filter = %+v", byItem)
	}

	// Cursor walk covers everything exactly once.
	var walked []string
	cursor := ""
	for {
		page, next, err := c.List(context.Background(), ListFilter{Limit: 3, Cursor: cursor})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for _, cl := range page {
			walked = append(walked, cl.Fingerprint)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	if len(walked) != 4 {
		t.Fatalf("cursor walk visited %d loops: %v", len(walked), walked)
	}
	seen := map[string]bool{}
	for _, fp := range walked {
		if seen[fp] {
			t.Errorf("fingerprint %s paged twice", fp)
		}
		seen[fp] = true
	}
}

func TestCache_ListHonorsContextDeadline(t *testing.T) {
	c := New("t1", Config{}, nil)
	c.Put(swapLoop("fp-1", 0.9, "w-a", "w-b", ref("x"), ref("y")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loops, next, err := c.List(ctx, ListFilter{})
	if !errors.Is(err, models.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if len(loops) != 0 || next != "" {
		t.Errorf("cancelled list returned loops=%v next=%q", loops, next)
	}

	// A live context still lists.
	loops, _, err = c.List(context.Background(), ListFilter{})
	if err != nil || len(loops) != 1 {
		t.Errorf("list after cancel = (%v, %v)", loops, err)
	}
}

func TestCache_Purge(t *testing.T) {
	c := New("t1", Config{}, nil)
	c.Put(swapLoop("fp-1", 0.9, "w-a", "w-b", ref("x"), ref("y")))
	c.Put(swapLoop("fp-2", 0.8, "w-c", "w-d", ref("u"), ref("v")))

	if n := c.Purge(models.ReasonTenantPolicy); n != 2 {
		t.Fatalf("purged %d, want 2", n)
	}
	if c.Len() != 0 {
		t.Errorf("len = %d after purge", c.Len())
	}
}
