package models

import (
	"encoding/json"
	"fmt"
)

// DeltaOp is one mutation inside a GraphDelta. The implementations below are
// the closed set of delta kinds; consumers type-switch over them.
type DeltaOp interface {
	// Kind returns the stable tag used for logging and the delta log.
	Kind() string
	deltaOp()
}

// GraphDelta is a batch of mutations applied atomically to one tenant's graph.
type GraphDelta struct {
	TenantID string
	Ops      []DeltaOp

	// BaseVersion, when non-zero, makes application conditional: the store
	// rejects the delta with a ConflictError if a delta touching any of the
	// same wallets or items committed after that version.
	BaseVersion uint64
}

// InventoryMerge adds items to a wallet's owned set, creating the wallet if
// needed. Items already owned by the wallet are no-ops.
type InventoryMerge struct {
	Wallet string    `json:"wallet_id"`
	Items  []ItemRef `json:"items"`
}

// InventoryReplace replaces a wallet's owned set wholesale. Items present in
// both old and new sets keep their wants and edges untouched.
type InventoryReplace struct {
	Wallet string    `json:"wallet_id"`
	Items  []ItemRef `json:"items"`
}

// InventoryRemove deletes items from a wallet's owned set.
type InventoryRemove struct {
	Wallet  string   `json:"wallet_id"`
	ItemIDs []string `json:"item_ids"`
}

// WantsMerge adds specific-item and collection wants to a wallet.
type WantsMerge struct {
	Wallet          string   `json:"wallet_id"`
	SpecificItemIDs []string `json:"specific_item_ids,omitempty"`
	CollectionIDs   []string `json:"collection_ids,omitempty"`
}

// WantsRemove deletes specific-item and collection wants from a wallet.
type WantsRemove struct {
	Wallet          string   `json:"wallet_id"`
	SpecificItemIDs []string `json:"specific_item_ids,omitempty"`
	CollectionIDs   []string `json:"collection_ids,omitempty"`
}

// Transfer moves an item between wallets. FromWallet must be the current
// owner at application time.
type Transfer struct {
	ItemID     string `json:"item_id"`
	FromWallet string `json:"from_wallet_id"`
	ToWallet   string `json:"to_wallet_id"`
}

// WalletRemove deletes a wallet, its inventory, and its wants.
type WalletRemove struct {
	Wallet string `json:"wallet_id"`
}

func (InventoryMerge) Kind() string   { return "inventory_merge" }
func (InventoryReplace) Kind() string { return "inventory_replace" }
func (InventoryRemove) Kind() string  { return "inventory_remove" }
func (WantsMerge) Kind() string       { return "wants_merge" }
func (WantsRemove) Kind() string      { return "wants_remove" }
func (Transfer) Kind() string         { return "transfer" }
func (WalletRemove) Kind() string     { return "wallet_remove" }

func (InventoryMerge) deltaOp()   {}
func (InventoryReplace) deltaOp() {}
func (InventoryRemove) deltaOp()  {}
func (WantsMerge) deltaOp()       {}
func (WantsRemove) deltaOp()      {}
func (Transfer) deltaOp()         {}
func (WalletRemove) deltaOp()     {}

// deltaOpEnvelope is the wire form used by the delta log.
type deltaOpEnvelope struct {
	Kind string          `json:"kind"`
	Op   json.RawMessage `json:"op"`
}

// MarshalDeltaOps encodes ops as a JSON array of {kind, op} envelopes.
func MarshalDeltaOps(ops []DeltaOp) ([]byte, error) {
	envs := make([]deltaOpEnvelope, 0, len(ops))
	for _, op := range ops {
		raw, err := json.Marshal(op)
		if err != nil {
			return nil, fmt.Errorf("marshal %s op: %w", op.Kind(), err)
		}
		envs = append(envs, deltaOpEnvelope{Kind: op.Kind(), Op: raw})
	}
	return json.Marshal(envs)
}

// UnmarshalDeltaOps decodes a JSON array produced by MarshalDeltaOps.
func UnmarshalDeltaOps(data []byte) ([]DeltaOp, error) {
	var envs []deltaOpEnvelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, fmt.Errorf("unmarshal delta ops: %w", err)
	}
	ops := make([]DeltaOp, 0, len(envs))
	for _, env := range envs {
		op, err := decodeDeltaOp(env)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func decodeDeltaOp(env deltaOpEnvelope) (DeltaOp, error) {
	var (
		op  DeltaOp
		err error
	)
	switch env.Kind {
	case "inventory_merge":
		var v InventoryMerge
		err = json.Unmarshal(env.Op, &v)
		op = v
	case "inventory_replace":
		var v InventoryReplace
		err = json.Unmarshal(env.Op, &v)
		op = v
	case "inventory_remove":
		var v InventoryRemove
		err = json.Unmarshal(env.Op, &v)
		op = v
	case "wants_merge":
		var v WantsMerge
		err = json.Unmarshal(env.Op, &v)
		op = v
	case "wants_remove":
		var v WantsRemove
		err = json.Unmarshal(env.Op, &v)
		op = v
	case "transfer":
		var v Transfer
		err = json.Unmarshal(env.Op, &v)
		op = v
	case "wallet_remove":
		var v WalletRemove
		err = json.Unmarshal(env.Op, &v)
		op = v
	default:
		return nil, fmt.Errorf("unknown delta op kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s op: %w", env.Kind, err)
	}
	return op, nil
}
