package chain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/tradeweave/loopengine/internal/models"
)

// settlementABI is the reference swap-settlement entry point. One call
// settles a whole loop atomically.
const settlementABI = `[{
	"name": "settleLoop",
	"type": "function",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "loopId", "type": "bytes32"},
		{"name": "participants", "type": "address[]"},
		{"name": "tokens", "type": "address[]"},
		{"name": "tokenIds", "type": "uint256[]"}
	],
	"outputs": []
}]`

const defaultEVMGasLimit = 500_000

// EVMAdapter builds an unsigned legacy transaction calling the settlement
// contract. Wallet and collection ids that are not hex addresses map to
// addresses derived from their hash, so payload construction never fails
// on opaque ids.
type EVMAdapter struct {
	contract common.Address
	chainID  *big.Int
	gasLimit uint64
	abi      abi.ABI
}

// EVMConfig configures the adapter. Contract must be a hex address.
type EVMConfig struct {
	Contract string
	ChainID  int64
	// GasLimit is the advisory gas limit embedded in the payload. Zero
	// means the default.
	GasLimit uint64
}

func NewEVMAdapter(cfg EVMConfig) (*EVMAdapter, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("evm adapter: %q is not a hex address", cfg.Contract)
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("evm adapter: chain id %d", cfg.ChainID)
	}
	parsed, err := abi.JSON(strings.NewReader(settlementABI))
	if err != nil {
		return nil, fmt.Errorf("evm adapter: parse abi: %w", err)
	}
	gas := cfg.GasLimit
	if gas == 0 {
		gas = defaultEVMGasLimit
	}
	return &EVMAdapter{
		contract: common.HexToAddress(cfg.Contract),
		chainID:  big.NewInt(cfg.ChainID),
		gasLimit: gas,
		abi:      parsed,
	}, nil
}

func (a *EVMAdapter) Kind() string { return "evm" }

type evmPayload struct {
	ChainID  int64  `json:"chain_id"`
	To       string `json:"to"`
	GasLimit uint64 `json:"gas_limit"`
	Calldata string `json:"calldata"`
	RawTx    string `json:"raw_tx"`
}

func (a *EVMAdapter) Build(cl models.CachedLoop) (Payload, error) {
	loopID, err := loopIDBytes(cl.Fingerprint)
	if err != nil {
		return Payload{}, err
	}

	var (
		participants []common.Address
		tokens       []common.Address
		tokenIDs     []*big.Int
	)
	for _, step := range cl.Loop.Steps {
		participants = append(participants, addressFor(step.FromWallet))
		for _, it := range step.Items {
			tokens = append(tokens, addressFor(it.CollectionID))
			tokenIDs = append(tokenIDs, tokenIDFor(it.ID))
		}
	}

	calldata, err := a.abi.Pack("settleLoop", loopID, participants, tokens, tokenIDs)
	if err != nil {
		return Payload{}, fmt.Errorf("pack settleLoop: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    0,
		GasPrice: new(big.Int),
		Gas:      a.gasLimit,
		To:       &a.contract,
		Value:    new(big.Int),
		Data:     calldata,
	})
	raw, err := rlp.EncodeToBytes(tx)
	if err != nil {
		return Payload{}, fmt.Errorf("rlp encode: %w", err)
	}

	data, err := json.Marshal(evmPayload{
		ChainID:  a.chainID.Int64(),
		To:       a.contract.Hex(),
		GasLimit: a.gasLimit,
		Calldata: hexutil.Encode(calldata),
		RawTx:    hexutil.Encode(raw),
	})
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

// loopIDBytes decodes the 32-byte hex fingerprint into the bytes32 the
// contract keys settlements by.
func loopIDBytes(fp string) ([32]byte, error) {
	var id [32]byte
	b, err := hex.DecodeString(fp)
	if err != nil || len(b) != 32 {
		return id, fmt.Errorf("fingerprint %q is not 32 hex bytes", fp)
	}
	copy(id[:], b)
	return id, nil
}

// addressFor maps an opaque id onto an address: hex ids pass through,
// anything else becomes the last 20 bytes of its hash. Empty ids map to
// the zero address.
func addressFor(id string) common.Address {
	if id == "" {
		return common.Address{}
	}
	if common.IsHexAddress(id) {
		return common.HexToAddress(id)
	}
	return common.BytesToAddress(crypto.Keccak256([]byte(id))[12:])
}

func tokenIDFor(id string) *big.Int {
	return new(big.Int).SetBytes(crypto.Keccak256([]byte(id)))
}
