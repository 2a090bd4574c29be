// Package discovery enumerates economically viable trade loops over a
// want-graph snapshot. It runs Johnson's elementary-circuits search
// restricted to strongly connected components, started only from seed
// wallets, with every abstract wallet cycle expanded into concrete item
// assignments.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tradeweave/loopengine/internal/fingerprint"
	"github.com/tradeweave/loopengine/internal/graph"
	"github.com/tradeweave/loopengine/internal/models"
)

// Limits bound a single enumeration call.
type Limits struct {
	// MaxLoopLen is the inclusive cap on cycle length. Values above
	// HardMaxLoopLen are clamped.
	MaxLoopLen int
	// MaxLoops stops enumeration after this many accepted loops.
	// Zero means unlimited.
	MaxLoops int
	// Budget is the wall-clock allowance. The context deadline applies
	// as well; the earlier of the two wins. Zero means context only.
	Budget time.Duration
}

const (
	// DefaultMaxLoopLen applies when a tenant does not configure one.
	DefaultMaxLoopLen = 10
	// HardMaxLoopLen is the absolute cap on cycle length.
	HardMaxLoopLen = 20
)

// Evaluator scores candidate loops and steers pruning. Implementations
// must be deterministic and must not mutate shared state.
type Evaluator interface {
	// Evaluate scores a complete loop; ok reports acceptance.
	Evaluate(loop models.TradeLoop) (score float64, ok bool)
	// CanAccept reports whether any loop with at least the given number of
	// steps could still be accepted. Enumeration abandons paths once this
	// turns false.
	CanAccept(steps int) bool
}

// ScoredLoop is an accepted loop with its fingerprint.
type ScoredLoop struct {
	Fingerprint string
	Loop        models.TradeLoop
	Score       float64
}

// Continuation names the seeds a cut-short enumeration did not finish.
// Resuming means enumerating these seeds against a fresh snapshot; loops
// already emitted reappear at most as cache refreshes. A seed ended by the
// loop cap is consumed, not replayed; whatever it still held surfaces on
// the next full rescan.
type Continuation struct {
	Remaining []string
	Token     string
}

// Stats counts what one enumeration did.
type Stats struct {
	SeedsProcessed int
	WalletCycles   int
	Emitted        int
	Rejected       int
}

// ExhaustReason says which limit ended enumeration early.
type ExhaustReason string

const (
	ExhaustDeadline ExhaustReason = "deadline"
	ExhaustLoopCap  ExhaustReason = "loop_cap"
)

// Request describes one enumeration run.
type Request struct {
	Snapshot *graph.Snapshot
	// Seeds are the perturbed wallet ids to search from. Nil means a full
	// rescan over every wallet. Unknown ids are skipped.
	Seeds  []string
	Limits Limits
}

// Result carries the accepted loops of one run. When Exhausted is set the
// run ended early and Continuation lists the unfinished seeds.
type Result struct {
	Loops        []ScoredLoop
	Stats        Stats
	Exhausted    bool
	Reason       ExhaustReason
	Continuation *Continuation
}

// Enumerate finds every elementary cycle of bounded length through the seed
// set, expands item choices, and returns the loops the evaluator accepts.
// On budget exhaustion it returns the partial result alongside an error
// matching models.ErrBudgetExhausted.
func Enumerate(ctx context.Context, req Request, ev Evaluator) (Result, error) {
	snap := req.Snapshot
	if snap == nil {
		return Result{}, fmt.Errorf("%w: nil snapshot", models.ErrInvalidDelta)
	}
	maxLen := req.Limits.MaxLoopLen
	if maxLen <= 0 {
		maxLen = DefaultMaxLoopLen
	}
	if maxLen > HardMaxLoopLen {
		maxLen = HardMaxLoopLen
	}
	if maxLen < 2 {
		maxLen = 2
	}

	seeds := seedIndices(snap, req.Seeds)

	e := &enumerator{
		snap:     snap,
		ev:       ev,
		maxLen:   maxLen,
		maxLoops: req.Limits.MaxLoops,
		deadline: effectiveDeadline(ctx, req.Limits.Budget),
		excluded: make([]bool, snap.NumWallets()),
	}

	var remaining []int32
	for i := 0; i < len(seeds); i++ {
		if e.pastDeadline() {
			remaining = seeds[i:]
			break
		}
		s := seeds[i]
		e.runSeed(s)
		if e.exhausted {
			if e.reason == ExhaustLoopCap {
				// Rerunning a capped seed would re-emit the same loops
				// and never progress; its surplus waits for a rescan.
				remaining = seeds[i+1:]
			} else {
				remaining = seeds[i:]
			}
			break
		}
		e.excluded[s] = true
		e.stats.SeedsProcessed++
	}

	res := Result{Loops: e.loops, Stats: e.stats}
	if e.exhausted || len(remaining) > 0 {
		res.Exhausted = true
		res.Reason = e.reason
		if res.Reason == "" {
			res.Reason = ExhaustDeadline
		}
		ids := make([]string, len(remaining))
		for i, s := range remaining {
			ids[i] = snap.WalletID(s)
		}
		res.Continuation = &Continuation{
			Remaining: ids,
			Token:     fingerprint.WalletSet(ids),
		}
		return res, fmt.Errorf("%w: %s with %d seeds unfinished", models.ErrBudgetExhausted, res.Reason, len(ids))
	}
	return res, nil
}

// seedIndices maps seed ids to dense indices, deduplicated and ascending.
// A nil seed list means every wallet.
func seedIndices(snap *graph.Snapshot, ids []string) []int32 {
	if ids == nil {
		out := make([]int32, snap.NumWallets())
		for i := range out {
			out[i] = int32(i)
		}
		return out
	}
	seen := make(map[int32]struct{}, len(ids))
	out := make([]int32, 0, len(ids))
	for _, id := range ids {
		idx, ok := snap.WalletIndex(id)
		if !ok {
			continue
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func effectiveDeadline(ctx context.Context, budget time.Duration) time.Time {
	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if budget > 0 {
		b := time.Now().Add(budget)
		if deadline.IsZero() || b.Before(deadline) {
			deadline = b
		}
	}
	return deadline
}
