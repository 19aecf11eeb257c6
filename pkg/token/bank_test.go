package token

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	venue  = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	alice  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	tokenA = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	tokenB = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

func fundedBank(t *testing.T) *Bank {
	t.Helper()
	b := NewBank(venue)
	if err := b.Mint(tokenA, alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := b.Mint(tokenB, bob, big.NewInt(50)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := b.Approve(tokenA, alice, venue, big.NewInt(100)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := b.Approve(tokenB, bob, venue, big.NewInt(50)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	return b
}

func balance(t *testing.T, b *Bank, token, account common.Address) int64 {
	t.Helper()
	tok, err := b.Token(token)
	if err != nil {
		t.Fatalf("token %s: %v", token.Hex(), err)
	}
	bal, err := tok.BalanceOf(context.Background(), account)
	if err != nil {
		t.Fatalf("balanceOf: %v", err)
	}
	return bal.Int64()
}

func TestBankTransferFrom(t *testing.T) {
	b := fundedBank(t)
	ctx := context.Background()

	tok, _ := b.Token(tokenA)
	if err := tok.TransferFrom(ctx, alice, bob, big.NewInt(30)); err != nil {
		t.Fatalf("TransferFrom: %v", err)
	}

	if got := balance(t, b, tokenA, alice); got != 70 {
		t.Errorf("alice = %d, want 70", got)
	}
	if got := balance(t, b, tokenA, bob); got != 30 {
		t.Errorf("bob = %d, want 30", got)
	}
	allowance, _ := tok.Allowance(ctx, alice, venue)
	if allowance.Int64() != 70 {
		t.Errorf("allowance = %s, want 70", allowance)
	}
}

func TestBankRejects(t *testing.T) {
	tests := []struct {
		name  string
		setup func(b *Bank)
		xfer  Transfer
		want  error
	}{
		{
			name: "balance",
			xfer: Transfer{Token: tokenA, From: alice, To: bob, Amount: big.NewInt(101)},
			want: ErrInsufficientBalance,
		},
		{
			name:  "allowance",
			setup: func(b *Bank) { _ = b.Approve(tokenA, alice, venue, big.NewInt(5)) },
			xfer:  Transfer{Token: tokenA, From: alice, To: bob, Amount: big.NewInt(6)},
			want:  ErrInsufficientAllowance,
		},
		{
			name: "unknown token",
			xfer: Transfer{Token: common.HexToAddress("0xcc"), From: alice, To: bob, Amount: big.NewInt(1)},
			want: ErrUnknownToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := fundedBank(t)
			if tt.setup != nil {
				tt.setup(b)
			}
			err := b.ExecuteAll(context.Background(), []Transfer{tt.xfer})
			if !errors.Is(err, tt.want) {
				t.Fatalf("ExecuteAll() = %v, want %v", err, tt.want)
			}
			if got := balance(t, b, tokenA, alice); got != 100 {
				t.Errorf("alice balance changed to %d", got)
			}
		})
	}
}

func TestBankExecuteAllIsAllOrNothing(t *testing.T) {
	b := fundedBank(t)

	// second leg asks bob for more tokenB than he owns
	err := b.ExecuteAll(context.Background(), []Transfer{
		{Token: tokenA, From: alice, To: bob, Amount: big.NewInt(10)},
		{Token: tokenB, From: bob, To: alice, Amount: big.NewInt(51)},
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("ExecuteAll() = %v, want ErrInsufficientBalance", err)
	}
	if got := balance(t, b, tokenA, alice); got != 100 {
		t.Errorf("first leg applied: alice tokenA = %d", got)
	}
	if got := balance(t, b, tokenA, bob); got != 0 {
		t.Errorf("first leg applied: bob tokenA = %d", got)
	}
}

func TestBankExecuteAllSumsDebits(t *testing.T) {
	b := fundedBank(t)

	// each leg fits on its own, together they exceed alice's 100
	err := b.ExecuteAll(context.Background(), []Transfer{
		{Token: tokenA, From: alice, To: bob, Amount: big.NewInt(60)},
		{Token: tokenA, From: alice, To: venue, Amount: big.NewInt(60)},
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("ExecuteAll() = %v, want ErrInsufficientBalance", err)
	}
}

func TestBankMintValidation(t *testing.T) {
	b := NewBank(venue)
	if err := b.Mint(tokenA, alice, big.NewInt(0)); err == nil {
		t.Error("expected error for zero mint")
	}
	if err := b.Approve(tokenA, alice, venue, big.NewInt(1)); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("Approve on unknown token = %v, want ErrUnknownToken", err)
	}
	b.AddToken(tokenA)
	if _, err := b.Token(tokenA); err != nil {
		t.Errorf("Token after AddToken: %v", err)
	}
}

func TestStaticRegistry(t *testing.T) {
	b := fundedBank(t)
	tok, _ := b.Token(tokenA)

	r := NewStaticRegistry()
	r.Register(tokenA, tok)

	if _, err := r.Token(tokenA); err != nil {
		t.Fatalf("Token(registered): %v", err)
	}
	if _, err := r.Token(tokenB); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("Token(unregistered) = %v, want ErrUnknownToken", err)
	}
}
