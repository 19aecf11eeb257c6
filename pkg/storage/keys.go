package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/instantswap/pkg/core"
)

// Key schema for Pebble storage:
//
//   used:<maker>:<nonce>  → consumed record
//   rcpt:<maker>:<nonce>  → settlement receipt
//
// <maker> is the checksummed hex address and <nonce> the 64-char big-endian hex
// of the uint256 nonce, so a prefix scan of one maker yields its nonces in order.

const (
	prefixConsumed = "used:"
	prefixReceipt  = "rcpt:"
)

// consumedKey returns the key for a consumed order
// Format: "used:{maker}:{nonce}"
func consumedKey(k core.OrderKey) []byte {
	return []byte(fmt.Sprintf("%s%s:%x", prefixConsumed, k.Maker.Hex(), k.Nonce[:]))
}

// consumedPrefix returns the prefix for all consumed orders of a maker
// Format: "used:{maker}:"
func consumedPrefix(maker common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixConsumed, maker.Hex()))
}

// receiptKey returns the key for a receipt
// Format: "rcpt:{maker}:{nonce}"
func receiptKey(k core.OrderKey) []byte {
	return []byte(fmt.Sprintf("%s%s:%x", prefixReceipt, k.Maker.Hex(), k.Nonce[:]))
}

// receiptPrefix returns the prefix for all receipts of a maker
func receiptPrefix(maker common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixReceipt, maker.Hex()))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
