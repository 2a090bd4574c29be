package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/tradeweave/loopengine/internal/graph"
	"github.com/tradeweave/loopengine/internal/models"
	"github.com/tradeweave/loopengine/internal/repository"
)

// Replays the delta log into fresh in-memory graphs and prints the per-tenant
// state that a restarted engine would land on. Read-only; useful for checking
// a log before pointing a production process at it.
//
// Usage: replay_deltalog [tenant-id]
// With no argument every logged tenant is replayed.
func main() {
	dbURL := os.Getenv("DB_URL")
	if dbURL == "" {
		log.Fatal("DB_URL is required")
	}

	repo, err := repository.NewRepository(dbURL)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()

	var tenants []string
	if len(os.Args) > 1 {
		tenants = os.Args[1:]
	} else {
		tenants, err = repo.LoggedTenants(ctx)
		if err != nil {
			log.Fatalf("Failed to list logged tenants: %v", err)
		}
	}
	if len(tenants) == 0 {
		fmt.Println("Delta log is empty; nothing to replay.")
		return
	}

	for _, tenant := range tenants {
		count, err := repo.CountDeltas(ctx, tenant)
		if err != nil {
			log.Fatalf("Failed to count deltas for %s: %v", tenant, err)
		}

		// Quotas stay off during replay: the log only holds deltas that
		// already passed quota checks when they committed.
		store := graph.NewStore(tenant, graph.Config{})

		start := time.Now()
		var applied, noops int
		err = repo.ReplayDeltas(ctx, tenant, func(version uint64, ops []models.DeltaOp) error {
			res, err := store.ApplyDelta(ctx, models.GraphDelta{TenantID: tenant, Ops: ops})
			if err != nil {
				return fmt.Errorf("v%d: %w", version, err)
			}
			if res.Changed {
				applied++
			} else {
				noops++
			}
			return nil
		})
		if err != nil {
			log.Fatalf("Replay failed for %s: %v", tenant, err)
		}

		stats := store.Stats()
		fmt.Printf("\n========== tenant %s ==========\n", tenant)
		fmt.Printf("  logged deltas:    %d (applied=%d noop=%d) in %v\n", count, applied, noops, time.Since(start))
		fmt.Printf("  final version:    %d\n", stats.Version)
		fmt.Printf("  wallets:          %d\n", stats.Wallets)
		fmt.Printf("  items:            %d\n", stats.Items)
		fmt.Printf("  specific wants:   %d\n", stats.SpecificWants)
		fmt.Printf("  collection wants: %d\n", stats.CollectionWants)

		snap := store.Snapshot()
		var edges int
		for i := 0; i < snap.NumWallets(); i++ {
			edges += len(snap.Out(int32(i)))
		}
		fmt.Printf("  want-graph edges: %d\n", edges)
	}
}
