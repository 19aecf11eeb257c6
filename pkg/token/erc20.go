package token

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Minimal ERC20 ABI: the three calls the venue makes
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function","stateMutability":"view"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function","stateMutability":"view"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function","stateMutability":"nonpayable"}
]`

var parsedERC20ABI = mustParseABI(erc20ABI)

// ErrTransferReverted is returned when a transferFrom was mined but failed
var ErrTransferReverted = errors.New("transferFrom reverted")

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Errorf("parse erc20 abi: %w", err))
	}
	return parsed
}

// Backend is what an on-chain token needs from a node connection
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// ERC20 is a Token backed by a deployed contract. TransferFrom is sent from the
// venue key and blocks until the transaction is mined.
type ERC20 struct {
	address  common.Address
	contract *bind.BoundContract
	backend  Backend
	key      *ecdsa.PrivateKey
	chainID  *big.Int

	// GasLimit fixes the transferFrom gas limit; 0 estimates per call
	GasLimit uint64
}

// NewERC20 binds the token at address
func NewERC20(address common.Address, backend Backend, venueKey *ecdsa.PrivateKey, chainID *big.Int) *ERC20 {
	return &ERC20{
		address:  address,
		contract: bind.NewBoundContract(address, parsedERC20ABI, backend, backend, backend),
		backend:  backend,
		key:      venueKey,
		chainID:  chainID,
	}
}

func (t *ERC20) Address() common.Address { return t.address }

func (t *ERC20) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	return t.callUint(ctx, "balanceOf", account)
}

func (t *ERC20) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return t.callUint(ctx, "allowance", owner, spender)
}

func (t *ERC20) callUint(ctx context.Context, method string, params ...interface{}) (*big.Int, error) {
	var out []interface{}
	if err := t.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, fmt.Errorf("%s.%s: %w", t.address.Hex(), method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s.%s: unexpected output count %d", t.address.Hex(), method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s.%s: unexpected output type %T", t.address.Hex(), method, out[0])
	}
	return v, nil
}

func (t *ERC20) TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error {
	transactor, err := bind.NewKeyedTransactorWithChainID(t.key, t.chainID)
	if err != nil {
		return err
	}
	transactor.Context = ctx
	transactor.GasLimit = t.GasLimit

	tx, err := t.contract.Transact(transactor, "transferFrom", from, to, amount)
	if err != nil {
		return fmt.Errorf("%s.transferFrom: %w", t.address.Hex(), err)
	}
	receipt, err := bind.WaitMined(ctx, t.backend, tx)
	if err != nil {
		return fmt.Errorf("%s.transferFrom %s: %w", t.address.Hex(), tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%s %s: %w", t.address.Hex(), tx.Hash().Hex(), ErrTransferReverted)
	}
	return nil
}

var _ Token = (*ERC20)(nil)

// ChainRegistry lazily binds ERC20 contracts on one chain
type ChainRegistry struct {
	mu       sync.Mutex
	backend  Backend
	closer   func()
	key      *ecdsa.PrivateKey
	chainID  *big.Int
	allowed  map[common.Address]bool // empty = any address
	contract map[common.Address]*ERC20
}

// DialChainRegistry connects to rpcURL. If allowed is non-empty only those tokens resolve.
func DialChainRegistry(ctx context.Context, rpcURL string, venueKey *ecdsa.PrivateKey, allowed []common.Address) (*ChainRegistry, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}

	r := NewChainRegistry(client, venueKey, chainID, allowed)
	r.closer = client.Close
	return r, nil
}

// NewChainRegistry resolves tokens through an existing backend on chainID
func NewChainRegistry(backend Backend, venueKey *ecdsa.PrivateKey, chainID *big.Int, allowed []common.Address) *ChainRegistry {
	r := &ChainRegistry{
		backend:  backend,
		key:      venueKey,
		chainID:  new(big.Int).Set(chainID),
		allowed:  make(map[common.Address]bool, len(allowed)),
		contract: make(map[common.Address]*ERC20),
	}
	for _, a := range allowed {
		r.allowed[a] = true
	}
	return r
}

// ChainID returns the chain id reported by the node
func (r *ChainRegistry) ChainID() *big.Int { return new(big.Int).Set(r.chainID) }

func (r *ChainRegistry) Token(addr common.Address) (Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.allowed) > 0 && !r.allowed[addr] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, addr.Hex())
	}
	if t, ok := r.contract[addr]; ok {
		return t, nil
	}
	t := NewERC20(addr, r.backend, r.key, r.chainID)
	r.contract[addr] = t
	return t, nil
}

// Close releases the connection opened by DialChainRegistry
func (r *ChainRegistry) Close() {
	if r.closer != nil {
		r.closer()
	}
}

var _ Registry = (*ChainRegistry)(nil)
