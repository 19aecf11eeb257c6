package storage

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/instantswap/pkg/core"
)

// ConsumedRecord is the stored form of a consumed (maker, nonce)
type ConsumedRecord struct {
	Maker      common.Address `json:"maker"`
	Nonce      string         `json:"nonce"` // decimal
	ConsumedAt int64          `json:"consumedAt"`
}

// Key rebuilds the ledger key of the record
func (r *ConsumedRecord) Key() (core.OrderKey, error) {
	nonce, ok := new(big.Int).SetString(r.Nonce, 10)
	if !ok {
		return core.OrderKey{}, fmt.Errorf("invalid nonce %q", r.Nonce)
	}
	return core.NewOrderKey(r.Maker, nonce), nil
}

func encodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decodeJSON(b []byte, v any) error {
	return json.Unmarshal(b, v)
}
