// Package graph holds the per-tenant want-graph state behind the trade
// discovery engine: item ownership, specific and collection wants, and the
// derived indices the enumerator reads through immutable snapshots.
package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/tradeweave/loopengine/internal/models"
)

// Limits are the tenant quotas enforced at delta application.
// Zero means unlimited.
type Limits struct {
	MaxWallets int
	MaxItems   int
	MaxWants   int
}

// Config carries the per-tenant store settings.
type Config struct {
	Limits Limits
	// CollectionExpansionCap bounds the items materialized per collection
	// want on a single edge during enumeration. Zero means unlimited.
	CollectionExpansionCap int
}

// journalCap bounds the conflict-detection window. Conditional deltas whose
// base version fell behind the window are rejected conservatively.
const journalCap = 128

// Affected describes state removed by a commit, consumed as loop cache
// invalidation predicates. Empty fields are wildcards.
type Affected struct {
	Wallet     string
	Item       string
	Collection string
	Reason     models.InvalidationReason
}

// CommitResult reports what a committed delta changed.
type CommitResult struct {
	// Version after the commit. Unchanged when the delta was a no-op.
	Version uint64
	// Changed is false when the delta was a no-op.
	Changed bool
	// Perturbed lists the wallets whose incoming or outgoing want-graph
	// edges changed, sorted. Empty for no-op deltas.
	Perturbed []string
	// Affected lists invalidation predicates for the loop cache.
	Affected []Affected
}

type journalEntry struct {
	version uint64
	touched map[string]struct{}
}

// Store holds one tenant's want-graph state. Writers are serialized through
// a channel so lock acquisition honors context deadlines; readers take
// snapshots and never see a half-applied delta.
type Store struct {
	tenant string
	cfg    Config

	writeCh chan struct{}

	mu          sync.RWMutex
	version     uint64
	wallets     mapset.Set[string]
	owners      map[string]string            // item -> owner wallet
	itemColl    map[string]string            // item -> collection, sticky once known
	inventory   map[string]mapset.Set[string]
	specWants   map[string]mapset.Set[string] // wallet -> wanted item ids
	collWants   map[string]mapset.Set[string] // wallet -> wanted collection ids
	wantedBy    map[string]mapset.Set[string] // item -> wallets wanting it specifically
	collWanters map[string]mapset.Set[string] // collection -> wallets wanting it
	collMembers map[string]mapset.Set[string] // collection -> known member items
	collOwned   map[string]map[string]mapset.Set[string] // collection -> owner -> items
	specCount   int
	collCount   int

	journal []journalEntry
	snap    *Snapshot
}

// NewStore creates an empty store for one tenant.
func NewStore(tenant string, cfg Config) *Store {
	return &Store{
		tenant:      tenant,
		cfg:         cfg,
		writeCh:     make(chan struct{}, 1),
		wallets:     mapset.NewThreadUnsafeSet[string](),
		owners:      make(map[string]string),
		itemColl:    make(map[string]string),
		inventory:   make(map[string]mapset.Set[string]),
		specWants:   make(map[string]mapset.Set[string]),
		collWants:   make(map[string]mapset.Set[string]),
		wantedBy:    make(map[string]mapset.Set[string]),
		collWanters: make(map[string]mapset.Set[string]),
		collMembers: make(map[string]mapset.Set[string]),
		collOwned:   make(map[string]map[string]mapset.Set[string]),
	}
}

// Tenant returns the owning tenant id.
func (s *Store) Tenant() string { return s.tenant }

// Version returns the current commit version.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Stats are point-in-time entity counts, surfaced by the status endpoint
// and used for quota accounting.
type Stats struct {
	Wallets         int    `json:"wallets"`
	Items           int    `json:"items"`
	SpecificWants   int    `json:"specific_wants"`
	CollectionWants int    `json:"collection_wants"`
	Version         uint64 `json:"version"`
}

// Stats returns current entity counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Wallets:         s.wallets.Cardinality(),
		Items:           len(s.owners),
		SpecificWants:   s.specCount,
		CollectionWants: s.collCount,
		Version:         s.version,
	}
}

// ApplyDelta applies a batched change atomically. On success it returns the
// perturbation set and invalidation predicates; on any error no state is
// mutated. The context deadline bounds the wait for the tenant writer lock.
func (s *Store) ApplyDelta(ctx context.Context, d models.GraphDelta) (CommitResult, error) {
	if d.TenantID != s.tenant {
		return CommitResult{}, fmt.Errorf("%w: delta for %q applied to %q", models.ErrTenantMismatch, d.TenantID, s.tenant)
	}
	if len(d.Ops) == 0 {
		return CommitResult{}, fmt.Errorf("%w: no ops", models.ErrInvalidDelta)
	}
	touched, err := touchedKeys(d)
	if err != nil {
		return CommitResult{}, err
	}

	select {
	case s.writeCh <- struct{}{}:
	case <-ctx.Done():
		return CommitResult{}, fmt.Errorf("%w: waiting for writer lock: %v", models.ErrTimeout, ctx.Err())
	}
	defer func() { <-s.writeCh }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkConflictLocked(d.BaseVersion, touched); err != nil {
		return CommitResult{}, err
	}

	preWallets := s.wallets.Cardinality()
	preItems := len(s.owners)
	preWants := s.specCount + s.collCount

	t := &txn{
		s:         s,
		perturbed: mapset.NewThreadUnsafeSet[string](),
	}
	for _, op := range d.Ops {
		if err := t.apply(op); err != nil {
			t.rollback()
			return CommitResult{}, err
		}
	}
	if err := s.checkQuotasLocked(preWallets, preItems, preWants); err != nil {
		t.rollback()
		return CommitResult{}, err
	}

	if len(t.undo) == 0 {
		// Nothing changed; idempotent deltas do not advance the version.
		return CommitResult{Version: s.version}, nil
	}

	s.version++
	s.journal = append(s.journal, journalEntry{version: s.version, touched: touched})
	if len(s.journal) > journalCap {
		s.journal = s.journal[len(s.journal)-journalCap:]
	}
	s.snap = nil

	perturbed := t.perturbed.ToSlice()
	sort.Strings(perturbed)
	return CommitResult{
		Version:   s.version,
		Changed:   true,
		Perturbed: perturbed,
		Affected:  t.affected,
	}, nil
}

func (s *Store) checkConflictLocked(base uint64, touched map[string]struct{}) error {
	if base == 0 {
		return nil
	}
	if base > s.version {
		return &models.ConflictError{CurrentVersion: s.version}
	}
	if base == s.version {
		return nil
	}
	if len(s.journal) == 0 || s.journal[0].version > base+1 {
		// The base version fell out of the journal window.
		return &models.ConflictError{CurrentVersion: s.version}
	}
	for _, e := range s.journal {
		if e.version <= base {
			continue
		}
		for k := range touched {
			if _, ok := e.touched[k]; ok {
				return &models.ConflictError{CurrentVersion: s.version}
			}
		}
	}
	return nil
}

func (s *Store) checkQuotasLocked(preWallets, preItems, preWants int) error {
	lim := s.cfg.Limits
	if w := s.wallets.Cardinality(); lim.MaxWallets > 0 && w > lim.MaxWallets && w > preWallets {
		return &models.QuotaError{Quota: "max_wallets", Limit: lim.MaxWallets}
	}
	if n := len(s.owners); lim.MaxItems > 0 && n > lim.MaxItems && n > preItems {
		return &models.QuotaError{Quota: "max_items", Limit: lim.MaxItems}
	}
	if n := s.specCount + s.collCount; lim.MaxWants > 0 && n > lim.MaxWants && n > preWants {
		return &models.QuotaError{Quota: "max_wants", Limit: lim.MaxWants}
	}
	return nil
}

// touchedKeys extracts the wallet, item, and collection keys a delta names,
// used for optimistic conflict detection.
func touchedKeys(d models.GraphDelta) (map[string]struct{}, error) {
	keys := make(map[string]struct{})
	wallet := func(id string) error {
		if !models.ValidID(id) {
			return fmt.Errorf("%w: bad wallet id %q", models.ErrInvalidDelta, id)
		}
		keys["w:"+id] = struct{}{}
		return nil
	}
	item := func(id string) error {
		if !models.ValidID(id) {
			return fmt.Errorf("%w: bad item id %q", models.ErrInvalidDelta, id)
		}
		keys["i:"+id] = struct{}{}
		return nil
	}
	coll := func(id string) error {
		if !models.ValidID(id) {
			return fmt.Errorf("%w: bad collection id %q", models.ErrInvalidDelta, id)
		}
		keys["c:"+id] = struct{}{}
		return nil
	}
	itemRefs := func(refs []models.ItemRef) error {
		for _, r := range refs {
			if err := item(r.ID); err != nil {
				return err
			}
			if r.CollectionID != "" {
				if err := coll(r.CollectionID); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for _, op := range d.Ops {
		var err error
		switch v := op.(type) {
		case models.InventoryMerge:
			if err = wallet(v.Wallet); err == nil {
				err = itemRefs(v.Items)
			}
		case models.InventoryReplace:
			if err = wallet(v.Wallet); err == nil {
				err = itemRefs(v.Items)
			}
		case models.InventoryRemove:
			if err = wallet(v.Wallet); err == nil {
				for _, id := range v.ItemIDs {
					if err = item(id); err != nil {
						break
					}
				}
			}
		case models.WantsMerge:
			err = wantKeys(v.Wallet, v.SpecificItemIDs, v.CollectionIDs, wallet, item, coll)
		case models.WantsRemove:
			err = wantKeys(v.Wallet, v.SpecificItemIDs, v.CollectionIDs, wallet, item, coll)
		case models.Transfer:
			if err = item(v.ItemID); err == nil {
				if err = wallet(v.FromWallet); err == nil {
					err = wallet(v.ToWallet)
				}
			}
		case models.WalletRemove:
			err = wallet(v.Wallet)
		default:
			err = fmt.Errorf("%w: unsupported op %T", models.ErrInvalidDelta, op)
		}
		if err != nil {
			return nil, err
		}
	}
	return keys, nil
}

func wantKeys(w string, items, colls []string, wallet, item, coll func(string) error) error {
	if err := wallet(w); err != nil {
		return err
	}
	for _, id := range items {
		if err := item(id); err != nil {
			return err
		}
	}
	for _, id := range colls {
		if err := coll(id); err != nil {
			return err
		}
	}
	return nil
}

// txn accumulates one delta's mutations with undo closures so a failure
// midway rolls the store back to its pre-delta state.
type txn struct {
	s         *Store
	undo      []func()
	perturbed mapset.Set[string]
	affected  []Affected
}

func (t *txn) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *txn) apply(op models.DeltaOp) error {
	switch v := op.(type) {
	case models.InventoryMerge:
		for _, ref := range v.Items {
			if err := t.addItem(v.Wallet, ref); err != nil {
				return err
			}
		}
		t.ensureWallet(v.Wallet)
	case models.InventoryReplace:
		return t.replaceInventory(v.Wallet, v.Items)
	case models.InventoryRemove:
		for _, id := range v.ItemIDs {
			t.removeItem(v.Wallet, id)
		}
	case models.WantsMerge:
		t.ensureWallet(v.Wallet)
		for _, id := range v.SpecificItemIDs {
			t.addSpecWant(v.Wallet, id)
		}
		for _, id := range v.CollectionIDs {
			t.addCollWant(v.Wallet, id)
		}
	case models.WantsRemove:
		for _, id := range v.SpecificItemIDs {
			t.removeSpecWant(v.Wallet, id)
		}
		for _, id := range v.CollectionIDs {
			t.removeCollWant(v.Wallet, id)
		}
	case models.Transfer:
		return t.transfer(v)
	case models.WalletRemove:
		t.removeWallet(v.Wallet)
	default:
		return fmt.Errorf("%w: unsupported op %T", models.ErrInvalidDelta, op)
	}
	return nil
}

func (t *txn) ensureWallet(w string) {
	if t.s.wallets.Add(w) {
		t.undo = append(t.undo, func() { t.s.wallets.Remove(w) })
	}
}

func (t *txn) setAdd(m map[string]mapset.Set[string], key, val string) bool {
	set, ok := m[key]
	if !ok {
		set = mapset.NewThreadUnsafeSet[string]()
		m[key] = set
		t.undo = append(t.undo, func() {
			if set.IsEmpty() {
				delete(m, key)
			}
		})
	}
	if set.Add(val) {
		t.undo = append(t.undo, func() { set.Remove(val) })
		return true
	}
	return false
}

func (t *txn) setRemove(m map[string]mapset.Set[string], key, val string) bool {
	set, ok := m[key]
	if !ok || !set.Contains(val) {
		return false
	}
	set.Remove(val)
	t.undo = append(t.undo, func() { set.Add(val) })
	return true
}

// wantersOf returns wallets with a standing want covering the item, from the
// specific index plus the wanters of the item's collection.
func (t *txn) wantersOf(item string) []string {
	out := mapset.NewThreadUnsafeSet[string]()
	if set, ok := t.s.wantedBy[item]; ok {
		set.Each(func(w string) bool {
			out.Add(w)
			return false
		})
	}
	if c := t.s.itemColl[item]; c != "" {
		if set, ok := t.s.collWanters[c]; ok {
			set.Each(func(w string) bool {
				out.Add(w)
				return false
			})
		}
	}
	return out.ToSlice()
}

func (t *txn) perturb(ws ...string) {
	for _, w := range ws {
		t.perturbed.Add(w)
	}
}

// learnCollection records an item's collection the first time it is named.
// A different collection for an already-known item is a validation error.
func (t *txn) learnCollection(item, coll string) error {
	known, ok := t.s.itemColl[item]
	if ok && known != "" {
		if coll == "" || coll == known {
			return nil
		}
		return fmt.Errorf("%w: item %q is in collection %q, not %q", models.ErrInvalidDelta, item, known, coll)
	}
	if coll == "" {
		return nil
	}
	t.s.itemColl[item] = coll
	if ok {
		t.undo = append(t.undo, func() { t.s.itemColl[item] = known })
	} else {
		t.undo = append(t.undo, func() { delete(t.s.itemColl, item) })
	}
	t.joinCollection(item, coll)
	// Membership learned for an item already on the shelf perturbs the
	// collection's wanters and joins the ownership index. For an item being
	// added in this same delta the caller does both after setting the owner.
	if owner, owned := t.s.owners[item]; owned {
		t.perturbCollectionEdge(coll, owner)
		t.trackOwned(coll, owner, item, true)
	}
	return nil
}

func (t *txn) joinCollection(item, coll string) {
	t.setAdd(t.s.collMembers, coll, item)
}

// trackOwned keeps the collection -> owner -> items index in step with
// ownership changes.
func (t *txn) trackOwned(coll, owner, item string, add bool) {
	if coll == "" {
		return
	}
	byOwner, ok := t.s.collOwned[coll]
	if !ok {
		if !add {
			return
		}
		byOwner = make(map[string]mapset.Set[string])
		t.s.collOwned[coll] = byOwner
		t.undo = append(t.undo, func() {
			if len(byOwner) == 0 {
				delete(t.s.collOwned, coll)
			}
		})
	}
	if add {
		set, ok := byOwner[owner]
		if !ok {
			set = mapset.NewThreadUnsafeSet[string]()
			byOwner[owner] = set
			t.undo = append(t.undo, func() {
				if set.IsEmpty() {
					delete(byOwner, owner)
				}
			})
		}
		if set.Add(item) {
			t.undo = append(t.undo, func() { set.Remove(item) })
		}
		return
	}
	if set, ok := byOwner[owner]; ok && set.Contains(item) {
		set.Remove(item)
		t.undo = append(t.undo, func() { set.Add(item) })
		if set.IsEmpty() {
			delete(byOwner, owner)
			t.undo = append(t.undo, func() { byOwner[owner] = set })
		}
	}
}

// perturbCollectionEdge marks the owner and every wanter of the collection
// when the owner's holdings in it changed.
func (t *txn) perturbCollectionEdge(coll, owner string) {
	set, ok := t.s.collWanters[coll]
	if !ok || set.IsEmpty() {
		return
	}
	hit := false
	set.Each(func(w string) bool {
		if w != owner {
			t.perturb(w)
			hit = true
		}
		return false
	})
	if hit {
		t.perturb(owner)
	}
}

func (t *txn) addItem(w string, ref models.ItemRef) error {
	owner, owned := t.s.owners[ref.ID]
	if owned {
		if owner != w {
			return &models.ConflictError{CurrentVersion: t.s.version}
		}
		// Already held; possibly learn the collection late.
		return t.learnCollection(ref.ID, ref.CollectionID)
	}

	if err := t.learnCollection(ref.ID, ref.CollectionID); err != nil {
		return err
	}
	t.ensureWallet(w)
	t.s.owners[ref.ID] = w
	t.undo = append(t.undo, func() { delete(t.s.owners, ref.ID) })
	t.setAdd(t.s.inventory, w, ref.ID)

	coll := t.s.itemColl[ref.ID]
	t.trackOwned(coll, w, ref.ID, true)

	// New edges w -> v for every wallet v wanting this item.
	hit := false
	for _, v := range t.wantersOf(ref.ID) {
		if v != w {
			t.perturb(v)
			hit = true
		}
	}
	if hit {
		t.perturb(w)
	}
	return nil
}

// removeItem deletes an item from a wallet's inventory. Removing an item the
// wallet does not hold is a no-op.
func (t *txn) removeItem(w, item string) {
	owner, owned := t.s.owners[item]
	if !owned || owner != w {
		return
	}
	wanters := t.wantersOf(item)

	delete(t.s.owners, item)
	t.undo = append(t.undo, func() { t.s.owners[item] = w })
	t.setRemove(t.s.inventory, w, item)
	t.trackOwned(t.s.itemColl[item], w, item, false)

	hit := false
	for _, v := range wanters {
		if v != w {
			t.perturb(v)
			hit = true
		}
	}
	if hit {
		t.perturb(w)
	}
	t.affected = append(t.affected, Affected{Item: item, Reason: models.ReasonOwnerChanged})
}

func (t *txn) replaceInventory(w string, items []models.ItemRef) error {
	target := make(map[string]models.ItemRef, len(items))
	for _, ref := range items {
		target[ref.ID] = ref
	}

	var drop []string
	if cur, ok := t.s.inventory[w]; ok {
		cur.Each(func(id string) bool {
			if _, keep := target[id]; !keep {
				drop = append(drop, id)
			}
			return false
		})
	}
	sort.Strings(drop)
	for _, id := range drop {
		t.removeItem(w, id)
	}
	for _, ref := range items {
		if err := t.addItem(w, ref); err != nil {
			return err
		}
	}
	t.ensureWallet(w)
	return nil
}

func (t *txn) addSpecWant(w, item string) {
	if !t.setAdd(t.s.specWants, w, item) {
		return
	}
	t.setAdd(t.s.wantedBy, item, w)
	t.s.specCount++
	t.undo = append(t.undo, func() { t.s.specCount-- })

	if owner, ok := t.s.owners[item]; ok && owner != w {
		t.perturb(owner, w)
	}
}

func (t *txn) removeSpecWant(w, item string) {
	if !t.setRemove(t.s.specWants, w, item) {
		return
	}
	t.setRemove(t.s.wantedBy, item, w)
	t.s.specCount--
	t.undo = append(t.undo, func() { t.s.specCount++ })

	if owner, ok := t.s.owners[item]; ok && owner != w {
		t.perturb(owner, w)
	}
	t.affected = append(t.affected, Affected{Wallet: w, Item: item, Reason: models.ReasonWantRemoved})
}

func (t *txn) addCollWant(w, coll string) {
	if !t.setAdd(t.s.collWants, w, coll) {
		return
	}
	t.setAdd(t.s.collWanters, coll, w)
	t.s.collCount++
	t.undo = append(t.undo, func() { t.s.collCount-- })

	hit := false
	for owner := range t.s.collOwned[coll] {
		if owner != w {
			t.perturb(owner)
			hit = true
		}
	}
	if hit {
		t.perturb(w)
	}
}

func (t *txn) removeCollWant(w, coll string) {
	if !t.setRemove(t.s.collWants, w, coll) {
		return
	}
	t.setRemove(t.s.collWanters, coll, w)
	t.s.collCount--
	t.undo = append(t.undo, func() { t.s.collCount++ })

	hit := false
	for owner := range t.s.collOwned[coll] {
		if owner != w {
			t.perturb(owner)
			hit = true
		}
	}
	if hit {
		t.perturb(w)
	}
	t.affected = append(t.affected, Affected{Wallet: w, Collection: coll, Reason: models.ReasonWantRemoved})
}

func (t *txn) transfer(op models.Transfer) error {
	if op.FromWallet == op.ToWallet {
		return fmt.Errorf("%w: transfer to self", models.ErrInvalidDelta)
	}
	owner, ok := t.s.owners[op.ItemID]
	if !ok {
		return fmt.Errorf("%w: item %q", models.ErrUnknownID, op.ItemID)
	}
	if owner != op.FromWallet {
		// The caller's view of ownership is stale.
		return &models.ConflictError{CurrentVersion: t.s.version}
	}

	wanters := t.wantersOf(op.ItemID)

	t.ensureWallet(op.ToWallet)
	t.s.owners[op.ItemID] = op.ToWallet
	t.undo = append(t.undo, func() { t.s.owners[op.ItemID] = op.FromWallet })
	t.setRemove(t.s.inventory, op.FromWallet, op.ItemID)
	t.setAdd(t.s.inventory, op.ToWallet, op.ItemID)

	coll := t.s.itemColl[op.ItemID]
	t.trackOwned(coll, op.FromWallet, op.ItemID, false)
	t.trackOwned(coll, op.ToWallet, op.ItemID, true)

	if len(wanters) > 0 {
		t.perturb(op.FromWallet, op.ToWallet)
		for _, v := range wanters {
			t.perturb(v)
		}
	}
	t.affected = append(t.affected, Affected{Item: op.ItemID, Reason: models.ReasonOwnerChanged})
	return nil
}

// removeWallet tears down a wallet, its inventory, and its wants. Unknown
// wallets are a no-op.
func (t *txn) removeWallet(w string) {
	if !t.s.wallets.Contains(w) {
		return
	}

	if inv, ok := t.s.inventory[w]; ok {
		items := inv.ToSlice()
		sort.Strings(items)
		for _, item := range items {
			t.removeItem(w, item)
		}
	}
	if wants, ok := t.s.specWants[w]; ok {
		ids := wants.ToSlice()
		sort.Strings(ids)
		for _, item := range ids {
			t.removeSpecWant(w, item)
		}
	}
	if wants, ok := t.s.collWants[w]; ok {
		ids := wants.ToSlice()
		sort.Strings(ids)
		for _, coll := range ids {
			t.removeCollWant(w, coll)
		}
	}

	t.s.wallets.Remove(w)
	t.undo = append(t.undo, func() { t.s.wallets.Add(w) })
	t.perturb(w)
	// Any cached loop the wallet participates in is dead.
	t.affected = append(t.affected, Affected{Wallet: w, Reason: models.ReasonOwnerChanged})
}
