package core

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidOrder is returned when an order violates a structural invariant
var ErrInvalidOrder = errors.New("invalid order")

// WildcardTaker is the zero address; an order with this taker can be accepted by anyone
var WildcardTaker = common.Address{}

// maxUint256 = 2^256 - 1
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// SwapOrder is the maker-signed intent to trade AmountM of TokenM for AmountT of TokenT.
// Field order matches the EIP-712 type and must not change.
type SwapOrder struct {
	Maker   common.Address // Party offering AmountM of TokenM
	Taker   common.Address // Party allowed to accept (zero = any taker)
	TokenM  common.Address // Asset the maker gives
	TokenT  common.Address // Asset the maker wants
	AmountM *big.Int       // uint256, exact quantity moved from maker
	AmountT *big.Int       // uint256, exact quantity moved from taker
	Expiry  uint64         // Unix seconds, order is dead at or after this time
	Nonce   *big.Int       // uint256, unique per maker
}

// IsOpen returns true if any caller may accept the order
func (o *SwapOrder) IsOpen() bool {
	return o.Taker == WildcardTaker
}

// Key returns the replay-protection key of the order
func (o *SwapOrder) Key() OrderKey {
	return NewOrderKey(o.Maker, o.Nonce)
}

// ExpiredAt reports whether the order can no longer be settled at t
func (o *SwapOrder) ExpiredAt(t time.Time) bool {
	now := t.Unix()
	return now < 0 || uint64(now) >= o.Expiry
}

// Validate checks the structural invariants every order must hold regardless of time
func (o *SwapOrder) Validate() error {
	if o.Maker == (common.Address{}) {
		return fmt.Errorf("%w: maker is the zero address", ErrInvalidOrder)
	}
	if err := checkUint256("amountM", o.AmountM, true); err != nil {
		return err
	}
	if err := checkUint256("amountT", o.AmountT, true); err != nil {
		return err
	}
	if err := checkUint256("nonce", o.Nonce, false); err != nil {
		return err
	}
	if o.TokenM == o.TokenT {
		return fmt.Errorf("%w: tokenM and tokenT are both %s", ErrInvalidOrder, o.TokenM.Hex())
	}
	if !o.IsOpen() && o.Maker == o.Taker {
		return fmt.Errorf("%w: maker cannot be its own taker", ErrInvalidOrder)
	}
	return nil
}

// ValidateAt is the issuer-side check: structural invariants plus an expiry still in the future
func (o *SwapOrder) ValidateAt(now time.Time) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if o.ExpiredAt(now) {
		return fmt.Errorf("%w: expiry %d is not after %d", ErrInvalidOrder, o.Expiry, now.Unix())
	}
	return nil
}

// Clone returns a deep copy so callers can keep orders immutable
func (o *SwapOrder) Clone() *SwapOrder {
	cp := *o
	if o.AmountM != nil {
		cp.AmountM = new(big.Int).Set(o.AmountM)
	}
	if o.AmountT != nil {
		cp.AmountT = new(big.Int).Set(o.AmountT)
	}
	if o.Nonce != nil {
		cp.Nonce = new(big.Int).Set(o.Nonce)
	}
	return &cp
}

func checkUint256(name string, v *big.Int, positive bool) error {
	if v == nil {
		return fmt.Errorf("%w: %s is missing", ErrInvalidOrder, name)
	}
	if v.Sign() < 0 || (positive && v.Sign() == 0) {
		return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidOrder, name, v)
	}
	if v.Cmp(maxUint256) > 0 {
		return fmt.Errorf("%w: %s overflows uint256", ErrInvalidOrder, name)
	}
	return nil
}

// OrderKey identifies an order for replay protection: nonces are scoped per maker
type OrderKey struct {
	Maker common.Address
	Nonce common.Hash // uint256 nonce, big-endian
}

// NewOrderKey builds a key from a maker and a uint256 nonce
func NewOrderKey(maker common.Address, nonce *big.Int) OrderKey {
	var k OrderKey
	k.Maker = maker
	if nonce != nil && nonce.Sign() >= 0 && nonce.BitLen() <= 256 {
		nonce.FillBytes(k.Nonce[:])
	}
	return k
}

// NonceBig returns the nonce as a big integer
func (k OrderKey) NonceBig() *big.Int {
	return new(big.Int).SetBytes(k.Nonce[:])
}

func (k OrderKey) String() string {
	return fmt.Sprintf("%s/%s", k.Maker.Hex(), k.NonceBig().String())
}
