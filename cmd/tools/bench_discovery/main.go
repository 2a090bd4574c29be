package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tradeweave/loopengine/internal/discovery"
	"github.com/tradeweave/loopengine/internal/graph"
	"github.com/tradeweave/loopengine/internal/models"
	"github.com/tradeweave/loopengine/internal/scoring"
)

// Benchmarks enumeration against synthetic want-graphs of increasing size
// and density. No network, no database; everything runs in-process so the
// numbers isolate the enumerator and the snapshot path.
func main() {
	type testCase struct {
		name    string
		wallets int
		// skips are the want offsets: wallet i wants the item owned by
		// wallet (i+k) mod n for each k. More skips, denser graph, more
		// overlapping cycles.
		skips      []int
		maxLoopLen int
		budget     time.Duration
	}

	tests := []testCase{
		{"ring-100", 100, []int{1}, 10, time.Second},
		{"dense-100", 100, []int{1, 3, 7}, 6, time.Second},
		{"dense-500", 500, []int{1, 3, 7}, 10, time.Second},
		{"dense-500-tight-budget", 500, []int{1, 3, 7, 13}, 10, 50 * time.Millisecond},
		{"dense-2000", 2000, []int{1, 5}, 8, 2 * time.Second},
	}

	for _, tc := range tests {
		fmt.Printf("\n========== %s (wallets=%d skips=%v L=%d budget=%v) ==========\n",
			tc.name, tc.wallets, tc.skips, tc.maxLoopLen, tc.budget)
		runBench(tc.wallets, tc.skips, tc.maxLoopLen, tc.budget)
	}
}

func runBench(wallets int, skips []int, maxLoopLen int, budget time.Duration) {
	ctx := context.Background()
	store := graph.NewStore("bench", graph.Config{})

	wallet := func(i int) string { return fmt.Sprintf("w%04d", i%wallets) }
	item := func(i int) string { return fmt.Sprintf("itm-%04d", i%wallets) }

	t0 := time.Now()
	for i := 0; i < wallets; i++ {
		ops := []models.DeltaOp{
			models.InventoryMerge{Wallet: wallet(i), Items: []models.ItemRef{{ID: item(i)}}},
		}
		wants := make([]string, 0, len(skips))
		for _, k := range skips {
			wants = append(wants, item(i+k))
		}
		ops = append(ops, models.WantsMerge{Wallet: wallet(i), SpecificItemIDs: wants})
		if _, err := store.ApplyDelta(ctx, models.GraphDelta{TenantID: "bench", Ops: ops}); err != nil {
			log.Fatalf("  FAIL: build graph: %v", err)
		}
	}
	fmt.Printf("  graph build:   %v (%d deltas)\n", time.Since(t0), wallets)

	t1 := time.Now()
	snap := store.Snapshot()
	fmt.Printf("  snapshot:      %v (%d wallets, version %d)\n", time.Since(t1), snap.NumWallets(), snap.Version())

	scorer := scoring.New(scoring.Config{MinScore: 0.01}, nil)

	t2 := time.Now()
	res, err := discovery.Enumerate(ctx, discovery.Request{
		Snapshot: snap,
		Seeds:    nil, // full rescan
		Limits: discovery.Limits{
			MaxLoopLen: maxLoopLen,
			Budget:     budget,
		},
	}, scorer)
	elapsed := time.Since(t2)
	if err != nil && !errors.Is(err, models.ErrBudgetExhausted) {
		log.Fatalf("  FAIL: enumerate: %v", err)
	}

	fmt.Printf("  enumerate:     %v\n", elapsed)
	fmt.Printf("  loops found:   %d (wallet cycles %d, rejected %d)\n",
		len(res.Loops), res.Stats.WalletCycles, res.Stats.Rejected)
	fmt.Printf("  seeds done:    %d/%d\n", res.Stats.SeedsProcessed, snap.NumWallets())
	if res.Exhausted {
		fmt.Printf("  exhausted:     %s (%d seeds unfinished)\n", res.Reason, len(res.Continuation.Remaining))
	}
	if len(res.Loops) > 0 {
		best := res.Loops[0]
		for _, l := range res.Loops[1:] {
			if l.Score > best.Score {
				best = l
			}
		}
		fmt.Printf("  best loop:     %d steps, score %.4f, fp %.16s...\n",
			len(best.Loop.Steps), best.Score, best.Fingerprint)
	}
}
