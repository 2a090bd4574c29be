package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/tradeweave/loopengine/internal/api"
	"github.com/tradeweave/loopengine/internal/chain"
	"github.com/tradeweave/loopengine/internal/config"
	"github.com/tradeweave/loopengine/internal/eventbus"
	"github.com/tradeweave/loopengine/internal/models"
	"github.com/tradeweave/loopengine/internal/repository"
	"github.com/tradeweave/loopengine/internal/scheduler"
	"github.com/tradeweave/loopengine/internal/service"
	"github.com/tradeweave/loopengine/internal/tenancy"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	// 1. Config
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			configPath = "config.yaml"
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Println("Initializing trade loop engine...")
	if configPath != "" {
		log.Printf("Config: %s", configPath)
	}
	log.Printf("DB: %s", redactDatabaseURL(cfg.DatabaseURL))
	log.Printf("Tenants: %d", len(cfg.Tenants))

	// 2. Dependencies
	bus := eventbus.New()
	reg := tenancy.NewRegistry(bus)

	var repo *repository.Repository
	var dlog service.DeltaLog
	if cfg.DatabaseURL != "" {
		repo, err = repository.NewRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to DB: %v", err)
		}
		defer repo.Close()

		// 2a. Auto-migration (skip with SKIP_MIGRATION=true for replicas)
		if os.Getenv("SKIP_MIGRATION") == "true" {
			log.Println("Database migration SKIPPED (SKIP_MIGRATION=true)")
		} else {
			log.Println("Running database migration...")
			if err := repo.Migrate("schema.sql"); err != nil {
				log.Fatalf("Migration failed: %v", err)
			}
			log.Println("Database migration complete.")
		}
		dlog = repo
	} else {
		log.Println("No database configured; delta log disabled, graph state is in-memory only")
	}

	svc := service.New(service.Config{
		SweepInterval:    time.Duration(cfg.Service.SweepIntervalMS) * time.Millisecond,
		SubscriberBuffer: cfg.Service.SubscriberBuffer,
	}, reg, bus, dlog)

	mat := chain.NewMaterializer(bus, 0)

	// 3. Tenant fleet
	for _, ts := range cfg.Tenants {
		resolver := ts.MetadataResolver()
		if resolver != nil {
			if _, err := reg.Register(ts.TenantConfig(), resolver); err != nil {
				log.Fatalf("Failed to register tenant %s: %v", ts.ID, err)
			}
			svc.SetMetadataProvider(ts.ID, resolver)
		} else {
			if _, err := reg.Register(ts.TenantConfig(), nil); err != nil {
				log.Fatalf("Failed to register tenant %s: %v", ts.ID, err)
			}
		}

		if ts.Chain != nil {
			var adapter chain.Adapter
			switch ts.Chain.Kind {
			case "evm":
				adapter, err = chain.NewEVMAdapter(chain.EVMConfig{
					Contract: ts.Chain.Contract,
					ChainID:  ts.Chain.ChainID,
					GasLimit: ts.Chain.GasLimit,
				})
			case "cadence":
				adapter, err = chain.NewCadenceAdapter(ts.Chain.Address)
			default:
				log.Fatalf("Tenant %s: unknown chain kind %q", ts.ID, ts.Chain.Kind)
			}
			if err != nil {
				log.Fatalf("Tenant %s: chain adapter: %v", ts.ID, err)
			}
			if err := mat.SetAdapter(ts.ID, adapter); err != nil {
				log.Fatalf("Tenant %s: chain adapter: %v", ts.ID, err)
			}
		}
		log.Printf("Registered tenant %s", ts.ID)
	}

	// 3a. Replay the delta log into the fresh stores.
	replayed := make(map[string]bool)
	if repo != nil {
		for _, ts := range cfg.Tenants {
			t, err := reg.Get(ts.ID)
			if err != nil {
				log.Fatalf("Tenant %s vanished during replay: %v", ts.ID, err)
			}
			applied, skipped := 0, 0
			err = repo.ReplayDeltas(context.Background(), ts.ID, func(version uint64, ops []models.DeltaOp) error {
				if _, aerr := t.Store.ApplyDelta(context.Background(), models.GraphDelta{TenantID: ts.ID, Ops: ops}); aerr != nil {
					// Quotas may have shrunk since the delta committed.
					skipped++
					log.Printf("Replay tenant %s v%d: skipping delta: %v", ts.ID, version, aerr)
					return nil
				}
				applied++
				return nil
			})
			if err != nil {
				log.Fatalf("Replay failed for tenant %s: %v", ts.ID, err)
			}
			if applied > 0 || skipped > 0 {
				log.Printf("Replayed %d deltas for tenant %s (skipped %d, graph version %d)",
					applied, ts.ID, skipped, t.Store.Version())
				replayed[ts.ID] = true
			}
		}
	}

	sched := scheduler.New(cfg.Scheduler.SchedulerConfig(), svc, bus)

	// 4. Run
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go svc.Run(ctx)
	go sched.Run(ctx)
	go mat.Run(ctx)

	// Rebuild loop caches for tenants restored from the log.
	for id := range replayed {
		sched.ScheduleRescan(id)
	}

	api.BuildCommit = BuildCommit
	apiServer := api.NewServer(api.Config{
		Port:      cfg.Server.Port,
		JWTSecret: cfg.Server.JWTSecret,
		RateRPS:   cfg.Server.RateLimitRPS,
		RateBurst: cfg.Server.RateLimitBurst,
	}, svc, sched, mat, bus)

	// SIGINT/SIGTERM block at the end of main().
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting API server on :%s", cfg.Server.Port)
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	<-sigChan
	log.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	apiServer.Shutdown(shutdownCtx)
	shutdownCancel()
	cancel()
	bus.Close()
}

func redactDatabaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "(none)"
	}

	u, err := url.Parse(raw)
	if err == nil && u.Scheme != "" {
		if u.User != nil {
			user := u.User.Username()
			if user == "" {
				user = "user"
			}
			u.User = url.UserPassword(user, "****")
		}
		// Avoid leaking secrets embedded in query params; keep only scheme/host/path for debugging.
		u.RawQuery = ""
		return u.String()
	}

	// Best-effort fallback for malformed/DSN-like URLs.
	re := regexp.MustCompile(`(?i)(postgres(?:ql)?://[^:/?#]+):([^@]+)@`)
	if re.MatchString(raw) {
		return re.ReplaceAllString(raw, `$1:****@`)
	}
	re = regexp.MustCompile(`(?i)(password=)(\S+)`)
	return re.ReplaceAllString(raw, `$1****`)
}
