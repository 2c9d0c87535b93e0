// Package escrowclient talks to the on-chain escrow contract: read-only
// validation before execution and a best-effort delivery confirmation
// after. The contract itself is an external
// collaborator; this package only knows its RPC/ABI shape.
package escrowclient

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"agentbridge/internal/domain/escrow"
	"agentbridge/internal/shared/logging"
)

// escrowABI is the only surface the bridge needs: a single getEscrow
// view and a confirmDelivery write, nothing more (disputes, funding, and
// refunds belong to other parties).
const escrowABI = `[
  {"type":"function","name":"getEscrow","stateMutability":"view",
   "inputs":[{"name":"id","type":"uint256"}],
   "outputs":[
     {"name":"clientDidHash","type":"bytes32"},
     {"name":"providerDidHash","type":"bytes32"},
     {"name":"clientAddr","type":"address"},
     {"name":"providerAddr","type":"address"},
     {"name":"amount","type":"uint256"},
     {"name":"token","type":"address"},
     {"name":"taskHash","type":"bytes32"},
     {"name":"outputHash","type":"bytes32"},
     {"name":"deadline","type":"uint256"},
     {"name":"state","type":"uint8"},
     {"name":"createdAt","type":"uint256"},
     {"name":"deliveredAt","type":"uint256"}
   ]},
  {"type":"function","name":"confirmDelivery","stateMutability":"nonpayable",
   "inputs":[{"name":"id","type":"uint256"},{"name":"outputHash","type":"bytes32"}],
   "outputs":[]}
]`

var stateNames = []escrow.State{
	escrow.StateAwaitingDeposit,
	escrow.StateFunded,
	escrow.StateDelivered,
	escrow.StateDisputed,
	escrow.StateReleased,
	escrow.StateRefunded,
}

// Config controls one Client.
type Config struct {
	RPCURL         string
	ContractAddr   string
	ChainID        int64
	PrivateKeyHex  string
	ProviderDID    string
	MaxAttempts    int
	BaseBackoff    time.Duration
}

// Client is a retrying, keyed-transactor wrapper around the escrow
// contract.
type Client struct {
	backend     *ethclient.Client
	contract    *bind.BoundContract
	address     common.Address
	chainID     *big.Int
	privKey     *ecdsa.PrivateKey
	fromAddr    common.Address
	providerHash [32]byte

	maxAttempts int
	baseBackoff time.Duration
	log         logging.Logger
}

// New dials rpcURL and prepares the bound contract and signing key.
func New(cfg Config, log logging.Logger) (*Client, error) {
	backend, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("escrowclient: dial %s: %w", cfg.RPCURL, err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("escrowclient: parse abi: %w", err)
	}

	address := common.HexToAddress(cfg.ContractAddr)
	contract := bind.NewBoundContract(address, parsedABI, backend, backend, backend)

	privKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("escrowclient: parse private key: %w", err)
	}
	fromAddr := crypto.PubkeyToAddress(privKey.PublicKey)

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	baseBackoff := cfg.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = time.Second
	}

	return &Client{
		backend:      backend,
		contract:     contract,
		address:      address,
		chainID:      big.NewInt(cfg.ChainID),
		privKey:      privKey,
		fromAddr:     fromAddr,
		providerHash: crypto.Keccak256Hash([]byte(cfg.ProviderDID)),
		maxAttempts:  maxAttempts,
		baseBackoff:  baseBackoff,
		log:          logging.OrNop(log),
	}, nil
}

// withRetry retries fn with exponential backoff: base 1s, factor 2, up to
// maxAttempts total tries.
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	delay := c.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		c.log.Warn("escrowclient: attempt %d/%d failed: %v", attempt, c.maxAttempts, lastErr)
		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("escrowclient: exhausted %d attempts: %w", c.maxAttempts, lastErr)
}

// GetEscrow reads the on-chain descriptor for id, retrying per the backoff
// policy. An all-zero record (zero amount, deadline and state, the
// contract default for an unknown id) is reported via ok=false.
func (c *Client) GetEscrow(ctx context.Context, id string) (*escrow.Descriptor, bool, error) {
	n, ok := new(big.Int).SetString(id, 10)
	if !ok {
		return nil, false, fmt.Errorf("escrowclient: invalid escrow id %q", id)
	}

	var out []any
	err := c.withRetry(ctx, func() error {
		opts := &bind.CallOpts{Context: ctx}
		out = out[:0]
		return c.contract.Call(opts, &out, "getEscrow", n)
	})
	if err != nil {
		return nil, false, err
	}
	// getEscrow returns twelve separate outputs; Call unpacks one element
	// per output, in declaration order.
	if len(out) != 12 {
		return nil, false, fmt.Errorf("escrowclient: unexpected result shape for escrow %s", id)
	}
	clientDidHash, ok1 := out[0].([32]byte)
	providerDidHash, ok2 := out[1].([32]byte)
	clientAddr, ok3 := out[2].(common.Address)
	providerAddr, ok4 := out[3].(common.Address)
	amount, ok5 := out[4].(*big.Int)
	token, ok6 := out[5].(common.Address)
	taskHash, ok7 := out[6].([32]byte)
	outputHash, ok8 := out[7].([32]byte)
	deadline, ok9 := out[8].(*big.Int)
	stateNum, ok10 := out[9].(uint8)
	createdAt, ok11 := out[10].(*big.Int)
	deliveredAt, ok12 := out[11].(*big.Int)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7 && ok8 && ok9 && ok10 && ok11 && ok12) {
		return nil, false, fmt.Errorf("escrowclient: unexpected result shape for escrow %s", id)
	}
	if amount.Sign() == 0 && deadline.Sign() == 0 && stateNum == 0 {
		return nil, false, nil
	}

	state := escrow.StateAwaitingDeposit
	if int(stateNum) < len(stateNames) {
		state = stateNames[stateNum]
	}

	return &escrow.Descriptor{
		ID:              id,
		ClientDIDHash:   clientDidHash,
		ProviderDIDHash: providerDidHash,
		ClientAddr:      clientAddr.Hex(),
		ProviderAddr:    providerAddr.Hex(),
		Amount:          amount,
		Token:           token.Hex(),
		TaskHash:        taskHash,
		OutputHash:      outputHash,
		Deadline:        deadline.Int64(),
		State:           state,
		CreatedAt:       createdAt.Int64(),
		DeliveredAt:     deliveredAt.Int64(),
	}, true, nil
}

// Validate applies the pre-execution checks: the escrow exists, is
// FUNDED, names this bridge as provider, and has not passed its deadline.
func (c *Client) Validate(ctx context.Context, escrowID string, now time.Time) (*escrow.ValidationResult, error) {
	desc, ok, err := c.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &escrow.ValidationResult{Valid: false, Error: "escrow not found"}, nil
	}
	if desc.State != escrow.StateFunded {
		return &escrow.ValidationResult{Valid: false, Error: "escrow is not funded"}, nil
	}
	if !strings.EqualFold(hashHex(desc.ProviderDIDHash), hashHex(c.providerHash)) {
		return &escrow.ValidationResult{Valid: false, Error: "escrow provider does not match this bridge"}, nil
	}
	if desc.Deadline <= now.Unix() {
		return &escrow.ValidationResult{Valid: false, Error: "escrow deadline has passed"}, nil
	}
	return &escrow.ValidationResult{Valid: true}, nil
}

func hashHex(h [32]byte) string {
	return common.Bytes2Hex(h[:])
}

// KeccakOutput hashes output exactly as the chain's confirmDelivery
// expects: keccak256(utf8(output)).
func KeccakOutput(output string) [32]byte {
	return crypto.Keccak256Hash([]byte(output))
}

// ConfirmDelivery signs and submits confirmDelivery(id, outputHash) with
// the bridge's configured key, retrying per the backoff policy. Failure
// is reported to the caller, who is expected to log and continue; a
// failed confirmation never fails the task.
func (c *Client) ConfirmDelivery(ctx context.Context, escrowID string, outputHash [32]byte) error {
	n, ok := new(big.Int).SetString(escrowID, 10)
	if !ok {
		return fmt.Errorf("escrowclient: invalid escrow id %q", escrowID)
	}

	return c.withRetry(ctx, func() error {
		auth, err := bind.NewKeyedTransactorWithChainID(c.privKey, c.chainID)
		if err != nil {
			return fmt.Errorf("escrowclient: build transactor: %w", err)
		}
		auth.Context = ctx
		_, txErr := c.contract.Transact(auth, "confirmDelivery", n, outputHash)
		return txErr
	})
}
