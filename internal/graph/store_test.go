package graph

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/tradeweave/loopengine/internal/models"
)

func apply(t *testing.T, s *Store, ops ...models.DeltaOp) CommitResult {
	t.Helper()
	res, err := s.ApplyDelta(context.Background(), models.GraphDelta{TenantID: s.Tenant(), Ops: ops})
	if err != nil {
		t.Fatalf("apply delta: %v", err)
	}
	return res
}

func item(id string) models.ItemRef { return models.ItemRef{ID: id} }

func collItem(id, coll string) models.ItemRef {
	return models.ItemRef{ID: id, CollectionID: coll}
}

func TestStore_MergeAndWantsPerturbation(t *testing.T) {
	s := NewStore("t1", Config{})

	// Inventory alone creates no edges.
	res := apply(t, s, models.InventoryMerge{Wallet: "w-a", Items: []models.ItemRef{item("x")}})
	if len(res.Perturbed) != 0 {
		t.Fatalf("inventory without wanters perturbed %v", res.Perturbed)
	}

	// A want against an owned item creates one edge and perturbs both ends.
	res = apply(t, s, models.WantsMerge{Wallet: "w-b", SpecificItemIDs: []string{"x"}})
	want := []string{"w-a", "w-b"}
	if !reflect.DeepEqual(res.Perturbed, want) {
		t.Fatalf("perturbed %v, want %v", res.Perturbed, want)
	}

	// Re-merging the same want is a no-op.
	v := s.Version()
	res = apply(t, s, models.WantsMerge{Wallet: "w-b", SpecificItemIDs: []string{"x"}})
	if len(res.Perturbed) != 0 || res.Version != v {
		t.Fatalf("duplicate want: perturbed=%v version=%d (was %d)", res.Perturbed, res.Version, v)
	}
}

func TestStore_ReplaceIdempotent(t *testing.T) {
	s := NewStore("t1", Config{})
	items := []models.ItemRef{item("x"), collItem("y", "c-1")}
	apply(t, s, models.InventoryReplace{Wallet: "w-a", Items: items})
	v := s.Version()

	res := apply(t, s, models.InventoryReplace{Wallet: "w-a", Items: items})
	if len(res.Perturbed) != 0 {
		t.Errorf("identical replace perturbed %v", res.Perturbed)
	}
	if res.Version != v {
		t.Errorf("identical replace advanced version %d -> %d", v, res.Version)
	}
}

func TestStore_ReplaceDropsAndInvalidates(t *testing.T) {
	s := NewStore("t1", Config{})
	apply(t, s, models.InventoryReplace{Wallet: "w-a", Items: []models.ItemRef{item("x"), item("y")}})
	apply(t, s, models.WantsMerge{Wallet: "w-b", SpecificItemIDs: []string{"x"}})

	res := apply(t, s, models.InventoryReplace{Wallet: "w-a", Items: []models.ItemRef{item("y")}})
	if !reflect.DeepEqual(res.Perturbed, []string{"w-a", "w-b"}) {
		t.Errorf("perturbed %v", res.Perturbed)
	}
	if len(res.Affected) != 1 || res.Affected[0].Item != "x" || res.Affected[0].Reason != models.ReasonOwnerChanged {
		t.Errorf("affected %+v", res.Affected)
	}
}

func TestStore_TransferPerturbsWanters(t *testing.T) {
	s := NewStore("t1", Config{})
	apply(t, s, models.InventoryMerge{Wallet: "w-a", Items: []models.ItemRef{item("x")}})
	apply(t, s, models.WantsMerge{Wallet: "w-b", SpecificItemIDs: []string{"x"}})

	res := apply(t, s, models.Transfer{ItemID: "x", FromWallet: "w-a", ToWallet: "w-c"})
	if !reflect.DeepEqual(res.Perturbed, []string{"w-a", "w-b", "w-c"}) {
		t.Errorf("perturbed %v", res.Perturbed)
	}
	if len(res.Affected) != 1 || res.Affected[0].Item != "x" {
		t.Errorf("affected %+v", res.Affected)
	}

	// w-c now owns x.
	snap := s.Snapshot()
	if owner, _ := snap.OwnerOf("x"); owner != "w-c" {
		t.Errorf("owner of x = %q", owner)
	}
}

func TestStore_TransferErrors(t *testing.T) {
	s := NewStore("t1", Config{})
	apply(t, s, models.InventoryMerge{Wallet: "w-a", Items: []models.ItemRef{item("x")}})

	_, err := s.ApplyDelta(context.Background(), models.GraphDelta{
		TenantID: "t1",
		Ops:      []models.DeltaOp{models.Transfer{ItemID: "nope", FromWallet: "w-a", ToWallet: "w-b"}},
	})
	if !errors.Is(err, models.ErrUnknownID) {
		t.Errorf("unknown item: got %v", err)
	}

	_, err = s.ApplyDelta(context.Background(), models.GraphDelta{
		TenantID: "t1",
		Ops:      []models.DeltaOp{models.Transfer{ItemID: "x", FromWallet: "w-z", ToWallet: "w-b"}},
	})
	if !errors.Is(err, models.ErrConsistencyConflict) {
		t.Errorf("stale owner: got %v", err)
	}
}

func TestStore_TenantMismatch(t *testing.T) {
	s := NewStore("t1", Config{})
	_, err := s.ApplyDelta(context.Background(), models.GraphDelta{
		TenantID: "t2",
		Ops:      []models.DeltaOp{models.InventoryMerge{Wallet: "w-a"}},
	})
	if !errors.Is(err, models.ErrTenantMismatch) {
		t.Fatalf("got %v", err)
	}
}

func TestStore_AtomicRollback(t *testing.T) {
	s := NewStore("t1", Config{})
	apply(t, s, models.InventoryMerge{Wallet: "w-a", Items: []models.ItemRef{item("x")}})
	v := s.Version()

	// Second op fails (self transfer), so the first op must not stick.
	_, err := s.ApplyDelta(context.Background(), models.GraphDelta{
		TenantID: "t1",
		Ops: []models.DeltaOp{
			models.InventoryMerge{Wallet: "w-b", Items: []models.ItemRef{item("y")}},
			models.Transfer{ItemID: "y", FromWallet: "w-b", ToWallet: "w-b"},
		},
	})
	if !errors.Is(err, models.ErrInvalidDelta) {
		t.Fatalf("got %v", err)
	}
	if s.Version() != v {
		t.Errorf("failed delta advanced version")
	}
	if _, ok := s.Snapshot().OwnerOf("y"); ok {
		t.Errorf("rolled-back item y still present")
	}
	if got := s.Stats().Wallets; got != 1 {
		t.Errorf("wallets = %d, want 1", got)
	}
}

func TestStore_Quotas(t *testing.T) {
	s := NewStore("t1", Config{Limits: Limits{MaxItems: 1}})
	apply(t, s, models.InventoryMerge{Wallet: "w-a", Items: []models.ItemRef{item("x")}})

	_, err := s.ApplyDelta(context.Background(), models.GraphDelta{
		TenantID: "t1",
		Ops:      []models.DeltaOp{models.InventoryMerge{Wallet: "w-a", Items: []models.ItemRef{item("y")}}},
	})
	if !errors.Is(err, models.ErrQuotaExceeded) {
		t.Fatalf("got %v", err)
	}
	var qe *models.QuotaError
	if !errors.As(err, &qe) || qe.Quota != "max_items" {
		t.Errorf("quota error detail: %v", err)
	}

	// Removals still pass while at the cap.
	apply(t, s, models.InventoryRemove{Wallet: "w-a", ItemIDs: []string{"x"}})
}

func TestStore_ConflictOnBaseVersion(t *testing.T) {
	s := NewStore("t1", Config{})
	apply(t, s, models.InventoryMerge{Wallet: "w-a", Items: []models.ItemRef{item("x")}})
	base := s.Version()

	apply(t, s, models.WantsMerge{Wallet: "w-b", SpecificItemIDs: []string{"x"}})

	// Conditional delta touching w-b loses the race.
	_, err := s.ApplyDelta(context.Background(), models.GraphDelta{
		TenantID:    "t1",
		BaseVersion: base,
		Ops:         []models.DeltaOp{models.WantsRemove{Wallet: "w-b", SpecificItemIDs: []string{"x"}}},
	})
	if !errors.Is(err, models.ErrConsistencyConflict) {
		t.Fatalf("got %v", err)
	}
	var ce *models.ConflictError
	if !errors.As(err, &ce) || ce.CurrentVersion != s.Version() {
		t.Errorf("conflict detail: %v", err)
	}

	// A conditional delta touching unrelated state goes through.
	_, err = s.ApplyDelta(context.Background(), models.GraphDelta{
		TenantID:    "t1",
		BaseVersion: base,
		Ops:         []models.DeltaOp{models.InventoryMerge{Wallet: "w-z", Items: []models.ItemRef{item("q")}}},
	})
	if err != nil {
		t.Fatalf("unrelated conditional delta: %v", err)
	}
}

func TestStore_WriterLockTimeout(t *testing.T) {
	s := NewStore("t1", Config{})
	s.writeCh <- struct{}{} // hold the writer lock
	defer func() { <-s.writeCh }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.ApplyDelta(ctx, models.GraphDelta{
		TenantID: "t1",
		Ops:      []models.DeltaOp{models.InventoryMerge{Wallet: "w-a"}},
	})
	if !errors.Is(err, models.ErrTimeout) {
		t.Fatalf("got %v", err)
	}
}

func TestStore_CollectionWantPerturbation(t *testing.T) {
	s := NewStore("t1", Config{})
	apply(t, s, models.InventoryMerge{Wallet: "w-a", Items: []models.ItemRef{collItem("x", "c-1")}})

	// Wanting the collection perturbs holders of its items.
	res := apply(t, s, models.WantsMerge{Wallet: "w-b", CollectionIDs: []string{"c-1"}})
	if !reflect.DeepEqual(res.Perturbed, []string{"w-a", "w-b"}) {
		t.Fatalf("collection want perturbed %v", res.Perturbed)
	}

	// New membership perturbs the collection's wanters.
	res = apply(t, s, models.InventoryMerge{Wallet: "w-c", Items: []models.ItemRef{collItem("y", "c-1")}})
	if !reflect.DeepEqual(res.Perturbed, []string{"w-b", "w-c"}) {
		t.Fatalf("new member perturbed %v", res.Perturbed)
	}

	// Removing the collection want invalidates by (wallet, collection).
	res = apply(t, s, models.WantsRemove{Wallet: "w-b", CollectionIDs: []string{"c-1"}})
	if len(res.Affected) != 1 || res.Affected[0].Collection != "c-1" || res.Affected[0].Wallet != "w-b" {
		t.Errorf("affected %+v", res.Affected)
	}
	if res.Affected[0].Reason != models.ReasonWantRemoved {
		t.Errorf("reason %q", res.Affected[0].Reason)
	}
}

func TestStore_LearnCollectionLate(t *testing.T) {
	s := NewStore("t1", Config{})
	apply(t, s, models.InventoryMerge{Wallet: "w-a", Items: []models.ItemRef{item("x")}})
	apply(t, s, models.WantsMerge{Wallet: "w-b", CollectionIDs: []string{"c-1"}})

	// x joins c-1 after the fact; the wanter gains an edge.
	res := apply(t, s, models.InventoryMerge{Wallet: "w-a", Items: []models.ItemRef{collItem("x", "c-1")}})
	if !reflect.DeepEqual(res.Perturbed, []string{"w-a", "w-b"}) {
		t.Fatalf("perturbed %v", res.Perturbed)
	}

	// Contradicting a known collection is rejected.
	_, err := s.ApplyDelta(context.Background(), models.GraphDelta{
		TenantID: "t1",
		Ops:      []models.DeltaOp{models.InventoryMerge{Wallet: "w-a", Items: []models.ItemRef{collItem("x", "c-2")}}},
	})
	if !errors.Is(err, models.ErrInvalidDelta) {
		t.Errorf("got %v", err)
	}
}

func TestStore_WalletRemove(t *testing.T) {
	s := NewStore("t1", Config{})
	apply(t, s, models.InventoryMerge{Wallet: "w-a", Items: []models.ItemRef{item("x")}})
	apply(t, s, models.InventoryMerge{Wallet: "w-b", Items: []models.ItemRef{item("y")}})
	apply(t, s, models.WantsMerge{Wallet: "w-a", SpecificItemIDs: []string{"y"}})
	apply(t, s, models.WantsMerge{Wallet: "w-b", SpecificItemIDs: []string{"x"}})

	res := apply(t, s, models.WalletRemove{Wallet: "w-b"})
	if s.Stats().Wallets != 1 {
		t.Errorf("wallets = %d", s.Stats().Wallets)
	}
	// Loops holding w-b as a participant must be invalidated.
	found := false
	for _, a := range res.Affected {
		if a.Wallet == "w-b" && a.Item == "" && a.Collection == "" {
			found = true
		}
	}
	if !found {
		t.Errorf("no participant predicate in %+v", res.Affected)
	}

	// Removing again is a no-op.
	res = apply(t, s, models.WalletRemove{Wallet: "w-b"})
	if len(res.Perturbed) != 0 || len(res.Affected) != 0 {
		t.Errorf("second remove: %+v", res)
	}
}
