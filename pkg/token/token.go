package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownToken          = errors.New("unknown token")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
)

// Token is the ERC20 surface the venue needs.
// The spender of TransferFrom is always the venue the Token was built for.
type Token interface {
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error
}

// Registry resolves token contract addresses
type Registry interface {
	Token(addr common.Address) (Token, error)
}

// Transfer is one leg of a settlement
type Transfer struct {
	Token  common.Address
	From   common.Address
	To     common.Address
	Amount *big.Int
}

func (t Transfer) String() string {
	return fmt.Sprintf("%s %s -> %s (token %s)", t.Amount, t.From.Hex(), t.To.Hex(), t.Token.Hex())
}

// Atomic is implemented by registries that can apply several transfers all-or-nothing
type Atomic interface {
	ExecuteAll(ctx context.Context, transfers []Transfer) error
}

// StaticRegistry is a fixed address -> Token table
type StaticRegistry struct {
	mu     sync.RWMutex
	tokens map[common.Address]Token
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{tokens: make(map[common.Address]Token)}
}

// Register adds or replaces the token at addr
func (r *StaticRegistry) Register(addr common.Address, t Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[addr] = t
}

func (r *StaticRegistry) Token(addr common.Address) (Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, addr.Hex())
	}
	return t, nil
}

var _ Registry = (*StaticRegistry)(nil)
