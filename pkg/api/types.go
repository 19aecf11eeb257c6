package api

import (
	"encoding/json"

	"github.com/uhyunpark/instantswap/pkg/core"
	"github.com/uhyunpark/instantswap/pkg/document"
	"github.com/uhyunpark/instantswap/pkg/storage"
)

// API request and response types for REST endpoints and WebSocket messages.
// Big integers are decimal strings, addresses and hashes 0x-prefixed hex.

// ==============================
// REST Request Types
// ==============================

// SettleRequest is the payload for POST /api/v1/settle: the maker's order
// document plus the taker's acceptance signature identifying the caller
type SettleRequest struct {
	document.SignedOrder
	Taker          string `json:"taker"`          // Caller address (0x...)
	TakerSignature string `json:"takerSignature"` // Signature over the Accept digest
}

// DigestRequest is the payload for POST /api/v1/orders/digest
type DigestRequest struct {
	Order *document.OrderPayload `json:"order"`
}

// MintRequest is the payload for POST /api/v1/dev/mint
type MintRequest struct {
	Token   string `json:"token"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// ApproveRequest is the payload for POST /api/v1/dev/approve; the spender is always the venue
type ApproveRequest struct {
	Token  string `json:"token"`
	Owner  string `json:"owner"`
	Amount string `json:"amount"`
}

// ==============================
// REST Response Types
// ==============================

// ReceiptInfo is a completed settlement
type ReceiptInfo struct {
	Maker     string `json:"maker"`
	Nonce     string `json:"nonce"`
	Digest    string `json:"digest"`
	Taker     string `json:"taker"`
	TokenM    string `json:"tokenM"`
	TokenT    string `json:"tokenT"`
	AmountM   string `json:"amountM"`
	AmountT   string `json:"amountT"`
	SettledAt int64  `json:"settledAt"` // Unix seconds
}

func newReceiptInfo(r *core.Receipt) *ReceiptInfo {
	return &ReceiptInfo{
		Maker:     r.Maker.Hex(),
		Nonce:     r.Key.NonceBig().String(),
		Digest:    r.Digest.Hex(),
		Taker:     r.Taker.Hex(),
		TokenM:    r.TokenM.Hex(),
		TokenT:    r.TokenT.Hex(),
		AmountM:   r.AmountM.String(),
		AmountT:   r.AmountT.String(),
		SettledAt: r.SettledAt,
	}
}

// DigestResponse carries everything a wallet or script needs to sign an order
type DigestResponse struct {
	Digest          string          `json:"digest"`
	DomainSeparator string          `json:"domainSeparator"`
	Encoded         string          `json:"encoded"`   // 0x1901 || separator || structHash
	TypedData       json.RawMessage `json:"typedData"` // eth_signTypedData_v4 payload
}

// OrderStatus is the ledger state of a (maker, nonce) pair
type OrderStatus struct {
	Maker   string       `json:"maker"`
	Nonce   string       `json:"nonce"`
	Status  string       `json:"status"` // "unconsumed" | "consumed"
	Receipt *ReceiptInfo `json:"receipt,omitempty"`
}

// ConsumedInfo is one consumed nonce of a maker
type ConsumedInfo struct {
	Nonce      string `json:"nonce"`
	ConsumedAt int64  `json:"consumedAt"`
}

func newConsumedInfo(r *storage.ConsumedRecord) ConsumedInfo {
	return ConsumedInfo{Nonce: r.Nonce, ConsumedAt: r.ConsumedAt}
}

// DomainInfo is the signing domain of this venue
type DomainInfo struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           string `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
	Separator         string `json:"separator"`
}

// FundsInfo is what the venue can draw from an account
type FundsInfo struct {
	Token     string `json:"token"`
	Account   string `json:"account"`
	Spender   string `json:"spender"`
	Balance   string `json:"balance"`
	Allowance string `json:"allowance"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`   // Stable code, e.g. "AlreadyConsumed"
	Message string `json:"message"` // Human-readable detail
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["settlements", "maker:0x..."]
}

// SettlementUpdate is broadcast after every successful settlement
type SettlementUpdate struct {
	Type    string       `json:"type"` // "settlement"
	Receipt *ReceiptInfo `json:"receipt"`
}
