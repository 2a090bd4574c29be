package chain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/onflow/cadence"
	cadjson "github.com/onflow/cadence/encoding/json"

	"github.com/tradeweave/loopengine/internal/models"
)

// cadenceSettleTemplate is the reference settlement transaction. The
// contract address is substituted at adapter construction.
const cadenceSettleTemplate = `import TradeSettlement from 0x%s

transaction(loopId: String, wallets: [String], items: [String]) {
	prepare(signer: &Account) {}
	execute {
		TradeSettlement.settle(loopId: loopId, wallets: wallets, items: items)
	}
}
`

// CadenceAdapter builds a {script, args} pair with cadence-JSON encoded
// arguments, ready to submit to an access node by whoever signs.
type CadenceAdapter struct {
	script string
}

// NewCadenceAdapter takes the settlement contract address without the 0x
// prefix, matching how Flow addresses are configured everywhere else.
func NewCadenceAdapter(contractAddress string) (*CadenceAdapter, error) {
	if contractAddress == "" {
		return nil, fmt.Errorf("cadence adapter: empty contract address")
	}
	return &CadenceAdapter{
		script: fmt.Sprintf(cadenceSettleTemplate, contractAddress),
	}, nil
}

func (a *CadenceAdapter) Kind() string { return "cadence" }

type cadencePayload struct {
	Script string            `json:"script"`
	Args   []json.RawMessage `json:"args"`
}

func (a *CadenceAdapter) Build(cl models.CachedLoop) (Payload, error) {
	wallets := make([]cadence.Value, 0, len(cl.Loop.Steps))
	items := make([]cadence.Value, 0, len(cl.Loop.Steps))
	for _, step := range cl.Loop.Steps {
		w, err := cadence.NewString(step.FromWallet)
		if err != nil {
			return Payload{}, fmt.Errorf("wallet id %q: %w", step.FromWallet, err)
		}
		wallets = append(wallets, w)
		for _, it := range step.Items {
			v, err := cadence.NewString(it.ID)
			if err != nil {
				return Payload{}, fmt.Errorf("item id %q: %w", it.ID, err)
			}
			items = append(items, v)
		}
	}
	loopID, err := cadence.NewString(cl.Fingerprint)
	if err != nil {
		return Payload{}, fmt.Errorf("fingerprint: %w", err)
	}

	args := []cadence.Value{
		loopID,
		cadence.NewArray(wallets).WithType(cadence.NewVariableSizedArrayType(cadence.StringType)),
		cadence.NewArray(items).WithType(cadence.NewVariableSizedArrayType(cadence.StringType)),
	}
	encoded := make([]json.RawMessage, len(args))
	for i, arg := range args {
		b, err := cadjson.Encode(arg)
		if err != nil {
			return Payload{}, fmt.Errorf("encode arg %d: %w", i, err)
		}
		encoded[i] = b
	}

	data, err := json.Marshal(cadencePayload{Script: a.script, Args: encoded})
	if err != nil {
		return Payload{}, err
	}
	return Payload{
		Kind:        a.Kind(),
		Fingerprint: cl.Fingerprint,
		Data:        data,
		BuiltAt:     time.Now(),
	}, nil
}
