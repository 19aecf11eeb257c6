package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/instantswap/pkg/core"
	"github.com/uhyunpark/instantswap/pkg/crypto"
	"github.com/uhyunpark/instantswap/pkg/ledger"
	"github.com/uhyunpark/instantswap/pkg/token"
	"github.com/uhyunpark/instantswap/pkg/util"
)

// Status of an order key in the ledger
type Status string

const (
	StatusUnconsumed Status = "unconsumed"
	StatusConsumed   Status = "consumed"
)

// ReceiptStore persists receipts of successful settlements
type ReceiptStore interface {
	SaveReceipt(r *core.Receipt) error
	LoadReceipt(key core.OrderKey) (*core.Receipt, error)
}

// Journal receives one line per ledger transition
type Journal interface {
	Append(line string)
}

// Engine settles signed swap orders against a ledger and a token registry.
// It holds no per-order state of its own: concurrent Settle calls for the same
// order are serialized by the ledger's MarkConsumed.
type Engine struct {
	codec  *crypto.Codec
	ledger ledger.Ledger
	tokens token.Registry
	venue  common.Address

	Logger   *zap.SugaredLogger
	Clock    util.Clock
	Receipts ReceiptStore        // optional
	Journal  Journal             // optional
	OnSettle func(*core.Receipt) // optional, called after a successful settlement
}

// NewEngine creates an engine for the venue at address venue
func NewEngine(codec *crypto.Codec, l ledger.Ledger, tokens token.Registry, venue common.Address) *Engine {
	return &Engine{
		codec:  codec,
		ledger: l,
		tokens: tokens,
		venue:  venue,
		Logger: zap.NewNop().Sugar(),
		Clock:  util.RealClock{},
	}
}

// Codec returns the codec orders are hashed with
func (e *Engine) Codec() *crypto.Codec { return e.codec }

// Venue returns the address tokens must be approved to
func (e *Engine) Venue() common.Address { return e.venue }

// Settle executes order on behalf of caller. On success both legs have moved
// and the order is consumed. On ErrPartialTransferFailure the order is consumed
// without a completed trade; on every other error the ledger is untouched.
//
// Checks run in a fixed order and the first failure wins:
// ErrInvalidOrder for structurally broken orders (zero amounts, maker == taker)
// comes before ErrExpired, then ErrUnauthorized, ErrAlreadyConsumed,
// ErrInvalidSignature and ErrInsufficientFunds. A caller equal to the maker is
// ErrUnauthorized even when the order names no taker.
func (e *Engine) Settle(ctx context.Context, order *core.SwapOrder, signature []byte, caller common.Address) (*core.Receipt, error) {
	if order == nil {
		return nil, e.reject(nil, fmt.Errorf("%w: nil order", ErrInvalidOrder))
	}
	if err := order.Validate(); err != nil {
		return nil, e.reject(order, err)
	}
	key := order.Key()
	now := e.Clock.Now()

	if order.ExpiredAt(now) {
		return nil, e.reject(order, fmt.Errorf("%w: expiry %d, now %d", ErrExpired, order.Expiry, now.Unix()))
	}

	if !order.IsOpen() && caller != order.Taker {
		return nil, e.reject(order, fmt.Errorf("%w: caller %s, taker %s", ErrUnauthorized, caller.Hex(), order.Taker.Hex()))
	}
	if caller == order.Maker {
		return nil, e.reject(order, fmt.Errorf("%w: maker cannot take its own order", ErrUnauthorized))
	}

	consumed, err := e.ledger.IsConsumed(key)
	if err != nil {
		return nil, e.reject(order, fmt.Errorf("ledger lookup %s: %w", key, err))
	}
	if consumed {
		return nil, e.reject(order, fmt.Errorf("%w: %s", ErrAlreadyConsumed, key))
	}

	digest, err := e.codec.Digest(order)
	if err != nil {
		return nil, e.reject(order, fmt.Errorf("%w: %v", ErrInvalidOrder, err))
	}
	signer, err := crypto.RecoverAddress(digest.Bytes(), signature)
	if err != nil {
		return nil, e.reject(order, fmt.Errorf("%w: %v", ErrInvalidSignature, err))
	}
	if signer != order.Maker {
		return nil, e.reject(order, fmt.Errorf("%w: signed by %s, maker is %s", ErrInvalidSignature, signer.Hex(), order.Maker.Hex()))
	}

	legs := []token.Transfer{
		{Token: order.TokenM, From: order.Maker, To: caller, Amount: order.AmountM},
		{Token: order.TokenT, From: caller, To: order.Maker, Amount: order.AmountT},
	}
	for _, leg := range legs {
		if err := e.checkFunds(ctx, leg); err != nil {
			return nil, e.reject(order, err)
		}
	}

	if err := e.ledger.MarkConsumed(key); err != nil {
		if errors.Is(err, ledger.ErrAlreadyConsumed) {
			return nil, e.reject(order, fmt.Errorf("%w: %s (lost race)", ErrAlreadyConsumed, key))
		}
		return nil, e.reject(order, fmt.Errorf("mark %s: %w", key, err))
	}
	e.journal("consumed %s digest=%s caller=%s", key, digest.Hex(), caller.Hex())

	if err := e.transfer(ctx, legs); err != nil {
		e.journal("burned %s: %v", key, err)
		return nil, e.reject(order, fmt.Errorf("%w: %s: %v", ErrPartialTransferFailure, key, err))
	}
	e.journal("settled %s", key)

	receipt := core.NewReceipt(order, digest, caller, now.Unix())
	if e.Receipts != nil {
		if err := e.Receipts.SaveReceipt(receipt); err != nil {
			// funds already moved; the ledger entry is authoritative
			e.Logger.Errorw("receipt_save_failed", "key", key.String(), "err", err)
		}
	}

	e.Logger.Infow("settlement_succeeded",
		"key", key.String(),
		"digest", digest.Hex(),
		"taker", caller.Hex(),
		"token_m", order.TokenM.Hex(),
		"amount_m", order.AmountM.String(),
		"token_t", order.TokenT.Hex(),
		"amount_t", order.AmountT.String(),
	)

	if e.OnSettle != nil {
		e.OnSettle(receipt)
	}
	return receipt, nil
}

// checkFunds verifies the owner of leg can pay it through the venue
func (e *Engine) checkFunds(ctx context.Context, leg token.Transfer) error {
	tok, err := e.tokens.Token(leg.Token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}

	balance, err := tok.BalanceOf(ctx, leg.From)
	if err != nil {
		return fmt.Errorf("%w: balance of %s: %v", ErrInsufficientFunds, leg.From.Hex(), err)
	}
	if balance.Cmp(leg.Amount) < 0 {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s", ErrInsufficientFunds, leg.From.Hex(), balance, leg.Token.Hex(), leg.Amount)
	}

	allowance, err := tok.Allowance(ctx, leg.From, e.venue)
	if err != nil {
		return fmt.Errorf("%w: allowance of %s: %v", ErrInsufficientFunds, leg.From.Hex(), err)
	}
	if allowance.Cmp(leg.Amount) < 0 {
		return fmt.Errorf("%w: %s approved %s of %s, needs %s", ErrInsufficientFunds, leg.From.Hex(), allowance, leg.Token.Hex(), leg.Amount)
	}
	return nil
}

func (e *Engine) transfer(ctx context.Context, legs []token.Transfer) error {
	if atomic, ok := e.tokens.(token.Atomic); ok {
		return atomic.ExecuteAll(ctx, legs)
	}

	for i, leg := range legs {
		tok, err := e.tokens.Token(leg.Token)
		if err != nil {
			return fmt.Errorf("leg %d: %w", i+1, err)
		}
		if err := tok.TransferFrom(ctx, leg.From, leg.To, leg.Amount); err != nil {
			return fmt.Errorf("leg %d (%s): %w", i+1, leg, err)
		}
	}
	return nil
}

// Status reports whether key has been consumed
func (e *Engine) Status(key core.OrderKey) (Status, error) {
	consumed, err := e.ledger.IsConsumed(key)
	if err != nil {
		return "", err
	}
	if consumed {
		return StatusConsumed, nil
	}
	return StatusUnconsumed, nil
}

// Receipt returns the stored receipt for key, nil if none
func (e *Engine) Receipt(key core.OrderKey) (*core.Receipt, error) {
	if e.Receipts == nil {
		return nil, nil
	}
	return e.Receipts.LoadReceipt(key)
}

// Funds returns owner's balance of tokenAddr and the amount it has approved to the venue
func (e *Engine) Funds(ctx context.Context, tokenAddr, owner common.Address) (balance, allowance *big.Int, err error) {
	tok, err := e.tokens.Token(tokenAddr)
	if err != nil {
		return nil, nil, err
	}
	if balance, err = tok.BalanceOf(ctx, owner); err != nil {
		return nil, nil, err
	}
	if allowance, err = tok.Allowance(ctx, owner, e.venue); err != nil {
		return nil, nil, err
	}
	return balance, allowance, nil
}

func (e *Engine) reject(order *core.SwapOrder, err error) error {
	fields := []interface{}{"code", Code(err), "err", err}
	if order != nil {
		fields = append(fields, "key", order.Key().String())
	}
	e.Logger.Warnw("settlement_rejected", fields...)
	return err
}

func (e *Engine) journal(format string, args ...interface{}) {
	if e.Journal != nil {
		e.Journal.Append(fmt.Sprintf(format, args...))
	}
}
