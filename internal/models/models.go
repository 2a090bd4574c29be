package models

import "time"

// MaxIDBytes is the upper bound on wallet, item, and collection ids.
// IDs are opaque to the engine; only length and non-emptiness are checked.
const MaxIDBytes = 128

// ValidID reports whether s is usable as a wallet, item, or collection id.
func ValidID(s string) bool {
	return len(s) > 0 && len(s) <= MaxIDBytes
}

// ItemRef identifies an NFT and, when known, its collection.
type ItemRef struct {
	ID           string `json:"id"`
	CollectionID string `json:"collection_id,omitempty"`
}

// TradeStep is a single hop in a trade loop: FromWallet hands Items to ToWallet.
type TradeStep struct {
	FromWallet string    `json:"from_wallet_id"`
	ToWallet   string    `json:"to_wallet_id"`
	Items      []ItemRef `json:"items"`
}

// TradeLoop is a closed barter cycle within one tenant. Step k moves items
// from its FromWallet to its ToWallet; the last step closes back to the
// first wallet. Every participant appears exactly once as sender and once
// as receiver.
type TradeLoop struct {
	TenantID string      `json:"tenant_id"`
	Steps    []TradeStep `json:"steps"`
}

// Wallets returns the participating wallet ids in step order.
func (l TradeLoop) Wallets() []string {
	out := make([]string, 0, len(l.Steps))
	for _, s := range l.Steps {
		out = append(out, s.FromWallet)
	}
	return out
}

// ItemIDs returns the ids of every item transferred by the loop.
func (l TradeLoop) ItemIDs() []string {
	out := make([]string, 0, len(l.Steps))
	for _, s := range l.Steps {
		for _, it := range s.Items {
			out = append(out, it.ID)
		}
	}
	return out
}

// LoopStatus is the lifecycle state of a cached loop.
type LoopStatus string

const (
	LoopStatusFresh       LoopStatus = "fresh"
	LoopStatusStale       LoopStatus = "stale"
	LoopStatusInvalidated LoopStatus = "invalidated"
)

// CachedLoop is a scored loop held by the loop cache. Loops are never
// mutated after discovery; invalidation removes them.
type CachedLoop struct {
	Fingerprint  string        `json:"fingerprint"`
	Loop         TradeLoop     `json:"loop"`
	Score        float64       `json:"score"`
	DiscoveredAt time.Time     `json:"discovered_at"`
	TTL          time.Duration `json:"-"`
	Status       LoopStatus    `json:"status"`
}

// ExpiresAt is the instant the entry stops being fresh.
func (c CachedLoop) ExpiresAt() time.Time {
	return c.DiscoveredAt.Add(c.TTL)
}

// InvalidationReason tags why a cached loop was removed.
type InvalidationReason string

const (
	ReasonOwnerChanged InvalidationReason = "owner_changed"
	ReasonWantRemoved  InvalidationReason = "want_removed"
	ReasonTTLExpired   InvalidationReason = "ttl_expired"
	ReasonTenantPolicy InvalidationReason = "tenant_policy"
)
