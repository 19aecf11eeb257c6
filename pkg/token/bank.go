package token

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Bank is an in-memory set of ERC20 ledgers with the venue as the only spender.
// Used for local venues and tests; all tokens share one lock so multi-leg
// execution is atomic.
type Bank struct {
	mu      sync.RWMutex
	spender common.Address
	ledgers map[common.Address]*ledger // token -> balances
}

type ledger struct {
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int // owner -> spender -> amount
}

// NewBank creates a bank whose TransferFrom calls are made by spender
func NewBank(spender common.Address) *Bank {
	return &Bank{
		spender: spender,
		ledgers: make(map[common.Address]*ledger),
	}
}

// AddToken registers a token with empty balances. Adding an existing token is a no-op.
func (b *Bank) AddToken(addr common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ledgerLocked(addr)
}

func (b *Bank) ledgerLocked(addr common.Address) *ledger {
	l, ok := b.ledgers[addr]
	if !ok {
		l = &ledger{
			balances:   make(map[common.Address]*big.Int),
			allowances: make(map[common.Address]map[common.Address]*big.Int),
		}
		b.ledgers[addr] = l
	}
	return l
}

// Mint credits amount of token to account, registering the token if needed
func (b *Bank) Mint(token, account common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("mint amount must be positive: %v", amount)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	l := b.ledgerLocked(token)
	l.balances[account] = new(big.Int).Add(l.balanceOf(account), amount)
	return nil
}

// Approve sets owner's allowance for spender on token
func (b *Bank) Approve(token, owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("allowance must be non-negative: %v", amount)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.ledgers[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
	}
	if l.allowances[owner] == nil {
		l.allowances[owner] = make(map[common.Address]*big.Int)
	}
	l.allowances[owner][spender] = new(big.Int).Set(amount)
	return nil
}

// Token returns a view of one token's ledger
func (b *Bank) Token(addr common.Address) (Token, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.ledgers[addr]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, addr.Hex())
	}
	return &bankToken{bank: b, addr: addr}, nil
}

// ExecuteAll applies every transfer or none of them
func (b *Bank) ExecuteAll(_ context.Context, transfers []Transfer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Debits are summed per (token, owner) so two legs drawing on the same
	// balance are checked against their total.
	type debitKey struct{ token, owner common.Address }
	debits := make(map[debitKey]*big.Int)
	for _, t := range transfers {
		if t.Amount == nil || t.Amount.Sign() <= 0 {
			return fmt.Errorf("transfer amount must be positive: %v", t.Amount)
		}
		if _, ok := b.ledgers[t.Token]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownToken, t.Token.Hex())
		}
		k := debitKey{t.Token, t.From}
		if debits[k] == nil {
			debits[k] = new(big.Int)
		}
		debits[k].Add(debits[k], t.Amount)
	}
	for k, total := range debits {
		if err := b.ledgers[k.token].canSpend(k.owner, b.spender, total); err != nil {
			return fmt.Errorf("token %s: %w", k.token.Hex(), err)
		}
	}

	for _, t := range transfers {
		b.ledgers[t.Token].move(t.From, t.To, b.spender, t.Amount)
	}
	return nil
}

func (l *ledger) balanceOf(account common.Address) *big.Int {
	if bal, ok := l.balances[account]; ok {
		return bal
	}
	return new(big.Int)
}

func (l *ledger) allowance(owner, spender common.Address) *big.Int {
	if a, ok := l.allowances[owner][spender]; ok {
		return a
	}
	return new(big.Int)
}

func (l *ledger) canSpend(owner, spender common.Address, amount *big.Int) error {
	if bal := l.balanceOf(owner); bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, owner.Hex(), bal, amount)
	}
	if allowed := l.allowance(owner, spender); allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s approved %s, needs %s", ErrInsufficientAllowance, owner.Hex(), allowed, amount)
	}
	return nil
}

// move assumes canSpend has passed
func (l *ledger) move(from, to, spender common.Address, amount *big.Int) {
	l.balances[from] = new(big.Int).Sub(l.balanceOf(from), amount)
	l.balances[to] = new(big.Int).Add(l.balanceOf(to), amount)
	l.allowances[from][spender] = new(big.Int).Sub(l.allowance(from, spender), amount)
}

type bankToken struct {
	bank *Bank
	addr common.Address
}

func (t *bankToken) BalanceOf(_ context.Context, account common.Address) (*big.Int, error) {
	t.bank.mu.RLock()
	defer t.bank.mu.RUnlock()
	return new(big.Int).Set(t.bank.ledgers[t.addr].balanceOf(account)), nil
}

func (t *bankToken) Allowance(_ context.Context, owner, spender common.Address) (*big.Int, error) {
	t.bank.mu.RLock()
	defer t.bank.mu.RUnlock()
	return new(big.Int).Set(t.bank.ledgers[t.addr].allowance(owner, spender)), nil
}

func (t *bankToken) TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error {
	return t.bank.ExecuteAll(ctx, []Transfer{{Token: t.addr, From: from, To: to, Amount: amount}})
}

var (
	_ Registry = (*Bank)(nil)
	_ Atomic   = (*Bank)(nil)
	_ Token    = (*bankToken)(nil)
)
