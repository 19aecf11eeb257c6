package core

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Receipt records a completed settlement
type Receipt struct {
	Key    OrderKey
	Digest common.Hash

	Maker  common.Address
	Taker  common.Address // Caller that actually settled (not the wildcard)
	TokenM common.Address
	TokenT common.Address

	AmountM *big.Int // Moved maker -> taker
	AmountT *big.Int // Moved taker -> maker

	SettledAt int64 // Unix seconds
}

// NewReceipt builds the receipt for a settled order
func NewReceipt(order *SwapOrder, digest common.Hash, caller common.Address, settledAt int64) *Receipt {
	return &Receipt{
		Key:       order.Key(),
		Digest:    digest,
		Maker:     order.Maker,
		Taker:     caller,
		TokenM:    order.TokenM,
		TokenT:    order.TokenT,
		AmountM:   new(big.Int).Set(order.AmountM),
		AmountT:   new(big.Int).Set(order.AmountT),
		SettledAt: settledAt,
	}
}
