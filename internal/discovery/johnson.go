package discovery

import (
	"time"

	"gonum.org/v1/gonum/graph/topo"

	"github.com/tradeweave/loopengine/internal/fingerprint"
	"github.com/tradeweave/loopengine/internal/graph"
	"github.com/tradeweave/loopengine/internal/models"
)

// enumerator is the state of one Enumerate call.
type enumerator struct {
	snap     *graph.Snapshot
	ev       Evaluator
	maxLen   int
	maxLoops int
	deadline time.Time

	excluded []bool // seeds already fully processed

	// Per-seed search state, reused across seeds.
	root    int32
	inSCC   []bool
	blocked []bool
	blists  [][]int32
	stack   []int32

	loops     []ScoredLoop
	stats     Stats
	exhausted bool
	reason    ExhaustReason
	ticks     uint32
}

// pastDeadline is an immediate clock check, used at seed boundaries.
func (e *enumerator) pastDeadline() bool {
	if e.exhausted {
		return true
	}
	if e.deadline.IsZero() {
		return false
	}
	if time.Now().After(e.deadline) {
		e.exhausted = true
		e.reason = ExhaustDeadline
		return true
	}
	return false
}

// tickBudget amortizes the clock check over inner-loop iterations.
func (e *enumerator) tickBudget() bool {
	if e.exhausted {
		return true
	}
	e.ticks++
	if e.ticks&0x3f != 0 {
		return false
	}
	return e.pastDeadline()
}

// runSeed enumerates every elementary cycle through s in the graph minus
// previously processed seeds.
func (e *enumerator) runSeed(s int32) {
	// A wallet with no givers or no takers is not on any cycle.
	if len(e.snap.Out(s)) == 0 || len(e.snap.In(s)) == 0 {
		return
	}
	comp := e.sccOf(s)
	if len(comp) < 2 {
		return
	}

	n := e.snap.NumWallets()
	if e.inSCC == nil {
		e.inSCC = make([]bool, n)
		e.blocked = make([]bool, n)
		e.blists = make([][]int32, n)
	} else {
		for i := 0; i < n; i++ {
			e.inSCC[i] = false
			e.blocked[i] = false
			e.blists[i] = nil
		}
	}
	for _, v := range comp {
		e.inSCC[v] = true
	}

	e.root = s
	e.stack = e.stack[:0]
	e.circuit(s)
}

// sccOf returns the strongly connected component containing s among the
// non-excluded wallets. Tarjan runs once per seed, not once per recompute:
// the exclusion set grows as seeds finish, so the components genuinely
// shrink between seeds, and the component of s in the current subgraph is
// exactly where the circuit search for s must stay. A single up-front SCC
// pass filtered per seed would enumerate the same cycle set.
func (e *enumerator) sccOf(s int32) []int32 {
	view := sccView{snap: e.snap, excluded: e.excluded}
	for _, comp := range topo.TarjanSCC(view) {
		for _, node := range comp {
			if int32(node.ID()) == s {
				out := make([]int32, len(comp))
				for i, c := range comp {
					out[i] = int32(c.ID())
				}
				return out
			}
		}
	}
	return nil
}

// circuit explores simple paths from v back to the root, blocking vertices
// that currently cannot reach it. A depth or score cutoff counts as found
// so the cutoff does not freeze blocks below it.
func (e *enumerator) circuit(v int32) bool {
	if e.exhausted {
		return true
	}
	e.stack = append(e.stack, v)
	e.blocked[v] = true
	found := false

	for _, w := range e.snap.Out(v) {
		if e.tickBudget() {
			found = true
			break
		}
		if !e.inSCC[w] {
			continue
		}
		if w == e.root {
			e.emitCycle()
			found = true
			if e.exhausted {
				break
			}
			continue
		}
		if len(e.stack) >= e.maxLen {
			found = true
			continue
		}
		if !e.ev.CanAccept(len(e.stack) + 1) {
			found = true
			continue
		}
		if !e.blocked[w] && e.circuit(w) {
			found = true
		}
	}

	if found {
		e.unblock(v)
	} else {
		for _, w := range e.snap.Out(v) {
			if !e.inSCC[w] || w == e.root {
				continue
			}
			e.addBlist(w, v)
		}
	}
	e.stack = e.stack[:len(e.stack)-1]
	return found
}

func (e *enumerator) unblock(v int32) {
	e.blocked[v] = false
	list := e.blists[v]
	e.blists[v] = nil
	for _, w := range list {
		if e.blocked[w] {
			e.unblock(w)
		}
	}
}

func (e *enumerator) addBlist(w, v int32) {
	for _, x := range e.blists[w] {
		if x == v {
			return
		}
	}
	e.blists[w] = append(e.blists[w], v)
}

// emitCycle expands the wallet ring on the stack into concrete item
// assignments and evaluates each. Choices advance most-preferred first:
// explicitly wanted items before collection-derived, then lex order.
func (e *enumerator) emitCycle() {
	e.stats.WalletCycles++
	ring := e.stack
	n := len(ring)

	choices := make([][]graph.EdgeItem, n)
	for k := 0; k < n; k++ {
		items := e.snap.EdgeItems(ring[k], ring[(k+1)%n])
		if len(items) == 0 {
			return
		}
		choices[k] = items
	}

	idx := make([]int, n)
	for {
		loop := e.buildLoop(ring, choices, idx)
		if score, ok := e.ev.Evaluate(loop); ok {
			e.loops = append(e.loops, ScoredLoop{
				Fingerprint: fingerprint.Loop(loop),
				Loop:        loop,
				Score:       score,
			})
			e.stats.Emitted++
			if e.maxLoops > 0 && e.stats.Emitted >= e.maxLoops {
				e.exhausted = true
				e.reason = ExhaustLoopCap
				return
			}
		} else {
			e.stats.Rejected++
		}
		if e.tickBudget() {
			return
		}

		k := n - 1
		for ; k >= 0; k-- {
			idx[k]++
			if idx[k] < len(choices[k]) {
				break
			}
			idx[k] = 0
		}
		if k < 0 {
			break
		}
	}
}

// buildLoop rotates the ring so the lex-smallest wallet leads and binds the
// chosen item per step.
func (e *enumerator) buildLoop(ring []int32, choices [][]graph.EdgeItem, idx []int) models.TradeLoop {
	n := len(ring)
	start := 0
	for k := 1; k < n; k++ {
		if e.snap.WalletID(ring[k]) < e.snap.WalletID(ring[start]) {
			start = k
		}
	}
	steps := make([]models.TradeStep, 0, n)
	for off := 0; off < n; off++ {
		k := (start + off) % n
		steps = append(steps, models.TradeStep{
			FromWallet: e.snap.WalletID(ring[k]),
			ToWallet:   e.snap.WalletID(ring[(k+1)%n]),
			Items:      []models.ItemRef{choices[k][idx[k]].Ref},
		})
	}
	return models.TradeLoop{TenantID: e.snap.Tenant(), Steps: steps}
}
