package graph

import (
	"sort"
	"sync"

	"github.com/tradeweave/loopengine/internal/models"
)

// EdgeItem is one concrete item justifying a give-edge. Explicit wants sort
// ahead of collection-derived ones; FromCollectionWant records which kind
// satisfied the receiver.
type EdgeItem struct {
	Ref                models.ItemRef
	FromCollectionWant bool
}

// Snapshot is an immutable view of one tenant's want-graph, indexed densely
// for enumeration. Edges run in give orientation: u -> v means u holds an
// item v wants, so a cycle's steps are already transfer steps.
type Snapshot struct {
	tenant  string
	version uint64

	ids []string
	idx map[string]int32
	out [][]int32
	in  [][]int32

	expansionCap int

	owners    map[string]string
	itemColl  map[string]string
	specWants map[string]map[string]struct{}
	collWants map[string][]string
	collOwned map[string]map[string][]string

	labelMu sync.Mutex
	labels  map[int64][]EdgeItem
}

// Snapshot returns an immutable view of the current graph. Views are
// memoized per version, so repeated calls between commits are O(1).
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	if s.snap != nil && s.snap.version == s.version {
		snap := s.snap
		s.mu.RUnlock()
		return snap
	}
	snap := s.buildSnapshotLocked()
	s.mu.RUnlock()

	s.mu.Lock()
	if s.version == snap.version {
		s.snap = snap
	}
	s.mu.Unlock()
	return snap
}

// buildSnapshotLocked deep-copies the indices enumeration reads. Caller
// holds at least the read lock.
func (s *Store) buildSnapshotLocked() *Snapshot {
	snap := &Snapshot{
		tenant:       s.tenant,
		version:      s.version,
		expansionCap: s.cfg.CollectionExpansionCap,
		owners:       make(map[string]string, len(s.owners)),
		itemColl:     make(map[string]string, len(s.itemColl)),
		specWants:    make(map[string]map[string]struct{}, len(s.specWants)),
		collWants:    make(map[string][]string, len(s.collWants)),
		collOwned:    make(map[string]map[string][]string, len(s.collOwned)),
		labels:       make(map[int64][]EdgeItem),
	}

	snap.ids = s.wallets.ToSlice()
	sort.Strings(snap.ids)
	snap.idx = make(map[string]int32, len(snap.ids))
	for i, id := range snap.ids {
		snap.idx[id] = int32(i)
	}

	for item, owner := range s.owners {
		snap.owners[item] = owner
	}
	for item, coll := range s.itemColl {
		snap.itemColl[item] = coll
	}
	for w, set := range s.specWants {
		if set.IsEmpty() {
			continue
		}
		wants := make(map[string]struct{}, set.Cardinality())
		set.Each(func(item string) bool {
			wants[item] = struct{}{}
			return false
		})
		snap.specWants[w] = wants
	}
	for w, set := range s.collWants {
		if set.IsEmpty() {
			continue
		}
		colls := set.ToSlice()
		sort.Strings(colls)
		snap.collWants[w] = colls
	}
	for coll, byOwner := range s.collOwned {
		dst := make(map[string][]string, len(byOwner))
		for owner, set := range byOwner {
			if set.IsEmpty() {
				continue
			}
			items := set.ToSlice()
			sort.Strings(items)
			dst[owner] = items
		}
		if len(dst) > 0 {
			snap.collOwned[coll] = dst
		}
	}

	snap.buildEdges(s)
	return snap
}

// buildEdges derives give-orientation adjacency. An edge u -> v exists when
// v specifically wants an item u owns, or v wants a collection u holds
// items of. Labels are resolved lazily.
func (snap *Snapshot) buildEdges(s *Store) {
	n := len(snap.ids)
	outSets := make([]map[int32]struct{}, n)
	addEdge := func(u, v int32) {
		if u == v {
			return
		}
		if outSets[u] == nil {
			outSets[u] = make(map[int32]struct{})
		}
		outSets[u][v] = struct{}{}
	}

	for item, wanters := range s.wantedBy {
		owner, owned := snap.owners[item]
		if !owned {
			continue
		}
		u, ok := snap.idx[owner]
		if !ok {
			continue
		}
		wanters.Each(func(w string) bool {
			if v, ok := snap.idx[w]; ok {
				addEdge(u, v)
			}
			return false
		})
	}
	for coll, wanters := range s.collWanters {
		byOwner, ok := snap.collOwned[coll]
		if !ok {
			continue
		}
		for owner := range byOwner {
			u, ok := snap.idx[owner]
			if !ok {
				continue
			}
			wanters.Each(func(w string) bool {
				if v, ok := snap.idx[w]; ok {
					addEdge(u, v)
				}
				return false
			})
		}
	}

	snap.out = make([][]int32, n)
	snap.in = make([][]int32, n)
	inSets := make([]map[int32]struct{}, n)
	for u, set := range outSets {
		if len(set) == 0 {
			continue
		}
		edges := make([]int32, 0, len(set))
		for v := range set {
			edges = append(edges, v)
			if inSets[v] == nil {
				inSets[v] = make(map[int32]struct{})
			}
			inSets[v][int32(u)] = struct{}{}
		}
		sort.Slice(edges, func(i, j int) bool { return edges[i] < edges[j] })
		snap.out[u] = edges
	}
	for v, set := range inSets {
		if len(set) == 0 {
			continue
		}
		edges := make([]int32, 0, len(set))
		for u := range set {
			edges = append(edges, u)
		}
		sort.Slice(edges, func(i, j int) bool { return edges[i] < edges[j] })
		snap.in[v] = edges
	}
}

// Tenant returns the owning tenant id.
func (snap *Snapshot) Tenant() string { return snap.tenant }

// Version returns the store version this view was taken at.
func (snap *Snapshot) Version() uint64 { return snap.version }

// NumWallets returns the number of wallets in the view.
func (snap *Snapshot) NumWallets() int { return len(snap.ids) }

// WalletID maps a dense index back to the wallet id.
func (snap *Snapshot) WalletID(i int32) string { return snap.ids[i] }

// WalletIndex maps a wallet id to its dense index.
func (snap *Snapshot) WalletIndex(id string) (int32, bool) {
	i, ok := snap.idx[id]
	return i, ok
}

// Out returns wallets the given wallet can give to. Callers must not mutate
// the returned slice.
func (snap *Snapshot) Out(u int32) []int32 { return snap.out[u] }

// In returns wallets that can give to the given wallet.
func (snap *Snapshot) In(v int32) []int32 { return snap.in[v] }

// OwnerOf returns an item's owner in this view.
func (snap *Snapshot) OwnerOf(item string) (string, bool) {
	owner, ok := snap.owners[item]
	return owner, ok
}

// CollectionOf returns an item's collection, if known.
func (snap *Snapshot) CollectionOf(item string) string { return snap.itemColl[item] }

// EdgeItems returns the concrete items justifying edge u -> v: items owned
// by u that v wants. Explicitly wanted items come first, lex-sorted, then
// collection-derived items, lex-sorted, capped per collection want. Results
// are memoized; callers must not mutate the returned slice.
func (snap *Snapshot) EdgeItems(u, v int32) []EdgeItem {
	key := int64(u)<<32 | int64(uint32(v))
	snap.labelMu.Lock()
	if items, ok := snap.labels[key]; ok {
		snap.labelMu.Unlock()
		return items
	}
	snap.labelMu.Unlock()

	items := snap.resolveEdge(snap.ids[u], snap.ids[v])

	snap.labelMu.Lock()
	snap.labels[key] = items
	snap.labelMu.Unlock()
	return items
}

func (snap *Snapshot) resolveEdge(from, to string) []EdgeItem {
	var explicit []string
	for item := range snap.specWants[to] {
		if snap.owners[item] == from {
			explicit = append(explicit, item)
		}
	}
	sort.Strings(explicit)

	var derived []string
	for _, coll := range snap.collWants[to] {
		owned := snap.collOwned[coll][from]
		taken := 0
		for _, item := range owned {
			if snap.expansionCap > 0 && taken >= snap.expansionCap {
				break
			}
			if _, dup := snap.specWants[to][item]; dup {
				continue
			}
			derived = append(derived, item)
			taken++
		}
	}
	sort.Strings(derived)

	out := make([]EdgeItem, 0, len(explicit)+len(derived))
	for _, item := range explicit {
		out = append(out, EdgeItem{
			Ref: models.ItemRef{ID: item, CollectionID: snap.itemColl[item]},
		})
	}
	for _, item := range derived {
		out = append(out, EdgeItem{
			Ref:                models.ItemRef{ID: item, CollectionID: snap.itemColl[item]},
			FromCollectionWant: true,
		})
	}
	return out
}

// Validate reports whether a loop is sound against this view: the steps
// form a ring visiting each wallet once, and every step's items are owned
// by the sender and wanted by the receiver.
func (snap *Snapshot) Validate(loop models.TradeLoop) bool {
	n := len(loop.Steps)
	if n < 2 {
		return false
	}
	seen := make(map[string]struct{}, n)
	for k, st := range loop.Steps {
		if st.ToWallet != loop.Steps[(k+1)%n].FromWallet {
			return false
		}
		if _, dup := seen[st.FromWallet]; dup {
			return false
		}
		seen[st.FromWallet] = struct{}{}
		if len(st.Items) == 0 {
			return false
		}
		for _, it := range st.Items {
			if snap.owners[it.ID] != st.FromWallet {
				return false
			}
			if !snap.wants(st.ToWallet, it.ID) {
				return false
			}
		}
	}
	return true
}

func (snap *Snapshot) wants(w, item string) bool {
	if _, ok := snap.specWants[w][item]; ok {
		return true
	}
	coll := snap.itemColl[item]
	if coll == "" {
		return false
	}
	for _, c := range snap.collWants[w] {
		if c == coll {
			return true
		}
	}
	return false
}
