package models

import "time"

// Event topics routed through the internal bus.
const (
	TopicGraphChanged    = "graph.changed"
	TopicLoopDiscovered  = "loop.discovered"
	TopicLoopInvalidated = "loop.invalidated"
)

// EventPayload is the closed set of bus payloads; subscribers type-switch.
type EventPayload interface{ eventPayload() }

// GraphChanged carries a committed delta's perturbation set. FullRescan set
// means the perturbation is unknown and the whole graph must be re-examined.
type GraphChanged struct {
	Version    uint64   `json:"version"`
	Perturbed  []string `json:"perturbed_wallet_ids,omitempty"`
	FullRescan bool     `json:"full_rescan,omitempty"`
}

// LoopDiscovered announces a loop newly admitted to the cache.
type LoopDiscovered struct {
	Loop CachedLoop `json:"loop"`
}

// LoopInvalidated announces removal of a cached loop.
type LoopInvalidated struct {
	Fingerprint string             `json:"fingerprint"`
	Reason      InvalidationReason `json:"reason"`
	At          time.Time          `json:"at"`
}

func (GraphChanged) eventPayload()    {}
func (LoopDiscovered) eventPayload()  {}
func (LoopInvalidated) eventPayload() {}
