// Package config loads the engine configuration: a YAML file describing the
// server, the scheduler, and the tenant fleet, with environment overrides
// for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tradeweave/loopengine/internal/discovery"
	"github.com/tradeweave/loopengine/internal/graph"
	"github.com/tradeweave/loopengine/internal/metadata"
	"github.com/tradeweave/loopengine/internal/scheduler"
	"github.com/tradeweave/loopengine/internal/scoring"
	"github.com/tradeweave/loopengine/internal/tenancy"
)

type Config struct {
	// DatabaseURL enables the delta log. Empty runs without persistence.
	DatabaseURL string `yaml:"database_url"`

	Server    ServerSettings    `yaml:"server"`
	Scheduler SchedulerSettings `yaml:"scheduler"`
	Service   ServiceSettings   `yaml:"service"`

	// Defaults fills unset fields of every tenant entry.
	Defaults TenantSettings   `yaml:"defaults"`
	Tenants  []TenantSettings `yaml:"tenants"`
}

type ServerSettings struct {
	Port           string  `yaml:"port"`
	JWTSecret      string  `yaml:"jwt_secret"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

type SchedulerSettings struct {
	Workers    int `yaml:"workers"`
	DebounceMS int `yaml:"debounce_ms"`
	DeadlineMS int `yaml:"deadline_ms"`
	QueueCap   int `yaml:"queue_cap"`
}

type ServiceSettings struct {
	SweepIntervalMS  int `yaml:"sweep_interval_ms"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

type ScoringSettings struct {
	Mode             string   `yaml:"mode"`
	MinScore         float64  `yaml:"min_score"`
	LengthAlpha      float64  `yaml:"length_alpha"`
	FairnessWeight   float64  `yaml:"fairness_weight"`
	MaxSteps         int      `yaml:"max_steps"`
	AllowCollections []string `yaml:"allow_collections"`
	DenyCollections  []string `yaml:"deny_collections"`
}

type MetadataItem struct {
	CollectionID string  `yaml:"collection_id"`
	Name         string  `yaml:"name"`
	FloorPrice   float64 `yaml:"floor_price"`
}

// MetadataSettings configures the per-tenant metadata resolver. Items seed
// a static upstream; production deployments swap in a chain-backed one.
type MetadataSettings struct {
	TTLMS        int                     `yaml:"ttl_ms"`
	RPS          float64                 `yaml:"rps"`
	Burst        int                     `yaml:"burst"`
	DefaultValue float64                 `yaml:"default_value"`
	Items        map[string]MetadataItem `yaml:"items"`
}

// ChainSettings selects the settlement payload adapter for a tenant.
type ChainSettings struct {
	// Kind is "evm" or "cadence".
	Kind string `yaml:"kind"`
	// Contract is the EVM settlement contract address.
	Contract string `yaml:"contract"`
	ChainID  int64  `yaml:"chain_id"`
	GasLimit uint64 `yaml:"gas_limit"`
	// Address is the Cadence settlement contract account.
	Address string `yaml:"address"`
}

type TenantSettings struct {
	ID         string `yaml:"id"`
	APIKeyHash string `yaml:"api_key_hash"`

	MaxWallets int `yaml:"max_wallets"`
	MaxItems   int `yaml:"max_items"`
	MaxWants   int `yaml:"max_wants"`

	MaxLoopLength          int `yaml:"max_loop_length"`
	MaxLoopsPerScan        int `yaml:"max_loops_per_scan"`
	RecomputeBudgetMS      int `yaml:"recompute_budget_ms"`
	CollectionExpansionCap int `yaml:"collection_expansion_cap"`

	CacheTTLMS      int `yaml:"cache_ttl_ms"`
	CacheMaxEntries int `yaml:"cache_max_entries"`

	Scoring ScoringSettings `yaml:"scoring"`

	ItemValues       map[string]float64 `yaml:"item_values"`
	CollectionValues map[string]float64 `yaml:"collection_values"`
	DefaultItemValue float64            `yaml:"default_item_value"`

	Metadata *MetadataSettings `yaml:"metadata"`
	Chain    *ChainSettings    `yaml:"chain"`
}

// Load reads path, applies environment overrides, and validates the tenant
// list. An empty path yields a config built from defaults and environment
// alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	seen := make(map[string]struct{}, len(cfg.Tenants))
	for i := range cfg.Tenants {
		t := &cfg.Tenants[i]
		if t.ID == "" {
			return nil, fmt.Errorf("tenant %d: missing id", i)
		}
		if _, dup := seen[t.ID]; dup {
			return nil, fmt.Errorf("duplicate tenant id %q", t.ID)
		}
		seen[t.ID] = struct{}{}
		*t = t.merged(cfg.Defaults)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		c.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		c.Server.Port = v
	}
	if v := strings.TrimSpace(os.Getenv("JWT_SECRET")); v != "" {
		c.Server.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("API_RATE_LIMIT_RPS")); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.Server.RateLimitRPS = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("API_RATE_LIMIT_BURST")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Server.RateLimitBurst = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("SCHEDULER_WORKERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduler.Workers = n
		}
	}
}

// merged fills t's unset fields from def. The id and key are never inherited.
func (t TenantSettings) merged(def TenantSettings) TenantSettings {
	if t.MaxWallets == 0 {
		t.MaxWallets = def.MaxWallets
	}
	if t.MaxItems == 0 {
		t.MaxItems = def.MaxItems
	}
	if t.MaxWants == 0 {
		t.MaxWants = def.MaxWants
	}
	if t.MaxLoopLength == 0 {
		t.MaxLoopLength = def.MaxLoopLength
	}
	if t.MaxLoopsPerScan == 0 {
		t.MaxLoopsPerScan = def.MaxLoopsPerScan
	}
	if t.RecomputeBudgetMS == 0 {
		t.RecomputeBudgetMS = def.RecomputeBudgetMS
	}
	if t.CollectionExpansionCap == 0 {
		t.CollectionExpansionCap = def.CollectionExpansionCap
	}
	if t.CacheTTLMS == 0 {
		t.CacheTTLMS = def.CacheTTLMS
	}
	if t.CacheMaxEntries == 0 {
		t.CacheMaxEntries = def.CacheMaxEntries
	}
	if t.Scoring.Mode == "" {
		t.Scoring.Mode = def.Scoring.Mode
	}
	if t.Scoring.MinScore == 0 {
		t.Scoring.MinScore = def.Scoring.MinScore
	}
	if t.Scoring.LengthAlpha == 0 {
		t.Scoring.LengthAlpha = def.Scoring.LengthAlpha
	}
	if t.Scoring.FairnessWeight == 0 {
		t.Scoring.FairnessWeight = def.Scoring.FairnessWeight
	}
	if t.Scoring.MaxSteps == 0 {
		t.Scoring.MaxSteps = def.Scoring.MaxSteps
	}
	if len(t.Scoring.AllowCollections) == 0 {
		t.Scoring.AllowCollections = def.Scoring.AllowCollections
	}
	if len(t.Scoring.DenyCollections) == 0 {
		t.Scoring.DenyCollections = def.Scoring.DenyCollections
	}
	if t.ItemValues == nil {
		t.ItemValues = def.ItemValues
	}
	if t.CollectionValues == nil {
		t.CollectionValues = def.CollectionValues
	}
	if t.DefaultItemValue == 0 {
		t.DefaultItemValue = def.DefaultItemValue
	}
	if t.Metadata == nil {
		t.Metadata = def.Metadata
	}
	if t.Chain == nil {
		t.Chain = def.Chain
	}
	return t
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// TenantConfig converts the settings into the registry's shape.
func (t TenantSettings) TenantConfig() tenancy.TenantConfig {
	return tenancy.TenantConfig{
		ID:         t.ID,
		APIKeyHash: t.APIKeyHash,
		Quotas: graph.Limits{
			MaxWallets: t.MaxWallets,
			MaxItems:   t.MaxItems,
			MaxWants:   t.MaxWants,
		},
		CollectionExpansionCap: t.CollectionExpansionCap,
		Scoring: scoring.Config{
			Mode:             scoring.Mode(t.Scoring.Mode),
			MinScore:         t.Scoring.MinScore,
			LengthAlpha:      t.Scoring.LengthAlpha,
			FairnessWeight:   t.Scoring.FairnessWeight,
			MaxSteps:         t.Scoring.MaxSteps,
			AllowCollections: t.Scoring.AllowCollections,
			DenyCollections:  t.Scoring.DenyCollections,
		},
		Discovery: discovery.Limits{
			MaxLoopLen: t.MaxLoopLength,
			MaxLoops:   t.MaxLoopsPerScan,
			Budget:     ms(t.RecomputeBudgetMS),
		},
		CacheTTL:         ms(t.CacheTTLMS),
		CacheMaxEntries:  t.CacheMaxEntries,
		ItemValues:       t.ItemValues,
		CollectionValues: t.CollectionValues,
		DefaultItemValue: t.DefaultItemValue,
	}
}

// MetadataResolver builds the tenant's resolver, or nil when the tenant
// carries no metadata block.
func (t TenantSettings) MetadataResolver() *metadata.Resolver {
	if t.Metadata == nil {
		return nil
	}
	items := make(map[string]metadata.Info, len(t.Metadata.Items))
	for id, it := range t.Metadata.Items {
		items[id] = metadata.Info{
			CollectionID: it.CollectionID,
			Name:         it.Name,
			FloorPrice:   it.FloorPrice,
		}
	}
	return metadata.NewResolver(metadata.StaticProvider{Items: items}, metadata.Config{
		TTL:          ms(t.Metadata.TTLMS),
		RPS:          t.Metadata.RPS,
		Burst:        t.Metadata.Burst,
		DefaultValue: t.Metadata.DefaultValue,
	})
}

// SchedulerConfig converts the settings into the scheduler's shape.
func (s SchedulerSettings) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Workers:  s.Workers,
		Debounce: ms(s.DebounceMS),
		Deadline: ms(s.DeadlineMS),
		QueueCap: s.QueueCap,
	}
}
