package discovery

import (
	gonumgraph "gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/iterator"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/tradeweave/loopengine/internal/graph"
)

// sccView adapts a want-graph snapshot minus the excluded wallets to the
// gonum directed-graph interface, so strongly connected components can be
// recomputed per seed without copying the graph.
type sccView struct {
	snap     *graph.Snapshot
	excluded []bool
}

var _ gonumgraph.Directed = sccView{}

func (g sccView) Node(id int64) gonumgraph.Node {
	if id < 0 || id >= int64(g.snap.NumWallets()) || g.excluded[id] {
		return nil
	}
	return simple.Node(id)
}

func (g sccView) Nodes() gonumgraph.Nodes {
	nodes := make([]gonumgraph.Node, 0, g.snap.NumWallets())
	for i := 0; i < g.snap.NumWallets(); i++ {
		if !g.excluded[i] {
			nodes = append(nodes, simple.Node(i))
		}
	}
	return iterator.NewOrderedNodes(nodes)
}

func (g sccView) From(id int64) gonumgraph.Nodes {
	if g.excluded[id] {
		return iterator.NewOrderedNodes(nil)
	}
	var nodes []gonumgraph.Node
	for _, v := range g.snap.Out(int32(id)) {
		if !g.excluded[v] {
			nodes = append(nodes, simple.Node(v))
		}
	}
	return iterator.NewOrderedNodes(nodes)
}

func (g sccView) To(id int64) gonumgraph.Nodes {
	if g.excluded[id] {
		return iterator.NewOrderedNodes(nil)
	}
	var nodes []gonumgraph.Node
	for _, u := range g.snap.In(int32(id)) {
		if !g.excluded[u] {
			nodes = append(nodes, simple.Node(u))
		}
	}
	return iterator.NewOrderedNodes(nodes)
}

func (g sccView) HasEdgeFromTo(uid, vid int64) bool {
	if g.excluded[uid] || g.excluded[vid] {
		return false
	}
	out := g.snap.Out(int32(uid))
	// Out lists are sorted.
	lo, hi := 0, len(out)
	for lo < hi {
		mid := (lo + hi) / 2
		if int64(out[mid]) < vid {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo < len(out) && int64(out[lo]) == vid
}

func (g sccView) HasEdgeBetween(xid, yid int64) bool {
	return g.HasEdgeFromTo(xid, yid) || g.HasEdgeFromTo(yid, xid)
}

func (g sccView) Edge(uid, vid int64) gonumgraph.Edge {
	if !g.HasEdgeFromTo(uid, vid) {
		return nil
	}
	return simple.Edge{F: simple.Node(uid), T: simple.Node(vid)}
}
