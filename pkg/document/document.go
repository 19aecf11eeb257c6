package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/instantswap/pkg/core"
	"github.com/uhyunpark/instantswap/pkg/crypto"
)

// ErrMalformedDocument is returned for documents that cannot be decoded into an order
var ErrMalformedDocument = errors.New("malformed order document")

// SignedOrder is the artifact a maker hands to takers: the order plus the maker's signature.
// Big integers travel as decimal strings so no JSON number precision is lost.
type SignedOrder struct {
	Order     *OrderPayload `json:"order"`
	Signature string        `json:"signature"` // Hex-encoded 65-byte signature (0x...)
}

// OrderPayload is the JSON form of a SwapOrder
type OrderPayload struct {
	Maker   string `json:"maker"`   // Ethereum address (0x...)
	Taker   string `json:"taker"`   // Ethereum address, zero address or empty = anyone
	TokenM  string `json:"tokenM"`  // Token the maker gives
	TokenT  string `json:"tokenT"`  // Token the maker wants
	AmountM string `json:"amountM"` // BigInt as string
	AmountT string `json:"amountT"` // BigInt as string
	Expiry  string `json:"expiry"`  // Unix seconds as string, must fit in uint64
	Nonce   string `json:"nonce"`   // BigInt as string
}

// ToSwapOrder parses the payload into a SwapOrder. The signed expiry is a uint256
// but the venue compares it against unix seconds held in a uint64, so an expiry of
// 2^64 or more is rejected as ErrMalformedDocument rather than treated as never expiring.
func (o *OrderPayload) ToSwapOrder() (*core.SwapOrder, error) {
	maker, err := parseAddress("maker", o.Maker)
	if err != nil {
		return nil, err
	}
	taker := core.WildcardTaker
	if o.Taker != "" {
		if taker, err = parseAddress("taker", o.Taker); err != nil {
			return nil, err
		}
	}
	tokenM, err := parseAddress("tokenM", o.TokenM)
	if err != nil {
		return nil, err
	}
	tokenT, err := parseAddress("tokenT", o.TokenT)
	if err != nil {
		return nil, err
	}

	amountM, ok := new(big.Int).SetString(o.AmountM, 10)
	if !ok {
		return nil, fmt.Errorf("%w: invalid amountM: %q", ErrMalformedDocument, o.AmountM)
	}
	amountT, ok := new(big.Int).SetString(o.AmountT, 10)
	if !ok {
		return nil, fmt.Errorf("%w: invalid amountT: %q", ErrMalformedDocument, o.AmountT)
	}
	nonce, ok := new(big.Int).SetString(o.Nonce, 10)
	if !ok {
		return nil, fmt.Errorf("%w: invalid nonce: %q", ErrMalformedDocument, o.Nonce)
	}
	expiry, err := strconv.ParseUint(o.Expiry, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid expiry: %q", ErrMalformedDocument, o.Expiry)
	}

	return &core.SwapOrder{
		Maker:   maker,
		Taker:   taker,
		TokenM:  tokenM,
		TokenT:  tokenT,
		AmountM: amountM,
		AmountT: amountT,
		Expiry:  expiry,
		Nonce:   nonce,
	}, nil
}

// FromSwapOrder converts a SwapOrder to its JSON payload
func FromSwapOrder(order *core.SwapOrder) *OrderPayload {
	return &OrderPayload{
		Maker:   order.Maker.Hex(),
		Taker:   order.Taker.Hex(),
		TokenM:  order.TokenM.Hex(),
		TokenT:  order.TokenT.Hex(),
		AmountM: order.AmountM.String(),
		AmountT: order.AmountT.String(),
		Expiry:  strconv.FormatUint(order.Expiry, 10),
		Nonce:   order.Nonce.String(),
	}
}

// New builds the document for an order and its signature
func New(order *core.SwapOrder, signature []byte) *SignedOrder {
	return &SignedOrder{
		Order:     FromSwapOrder(order),
		Signature: hexutil.Encode(signature),
	}
}

// Serialize converts the document to indented JSON, the form written to disk
func (d *SignedOrder) Serialize() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// Deserialize parses JSON bytes into a SignedOrder
func Deserialize(data []byte) (*SignedOrder, error) {
	var d SignedOrder
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	return &d, nil
}

// Validate performs basic validation on document structure
func (d *SignedOrder) Validate() error {
	if d.Order == nil {
		return fmt.Errorf("%w: missing order", ErrMalformedDocument)
	}
	if d.Signature == "" {
		return fmt.Errorf("%w: missing signature", ErrMalformedDocument)
	}
	for name, v := range map[string]string{
		"maker":   d.Order.Maker,
		"tokenM":  d.Order.TokenM,
		"tokenT":  d.Order.TokenT,
		"amountM": d.Order.AmountM,
		"amountT": d.Order.AmountT,
		"expiry":  d.Order.Expiry,
		"nonce":   d.Order.Nonce,
	} {
		if v == "" {
			return fmt.Errorf("%w: missing %s", ErrMalformedDocument, name)
		}
	}
	return nil
}

// Decode returns the order and raw signature carried by the document.
// Structural order rules are left to the caller, so an expired or otherwise
// unsettleable order still decodes. The signature must be hex but its length is
// not checked here: a wrong-sized signature is the verifier's InvalidSignature.
func (d *SignedOrder) Decode() (*core.SwapOrder, []byte, error) {
	if err := d.Validate(); err != nil {
		return nil, nil, err
	}
	order, err := d.Order.ToSwapOrder()
	if err != nil {
		return nil, nil, err
	}
	sig, err := hexutil.Decode(d.Signature)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: signature: %v", ErrMalformedDocument, err)
	}
	return order, sig, nil
}

// DecodeSignature parses a 0x-prefixed 65-byte hex signature
func DecodeSignature(s string) ([]byte, error) {
	sig, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformedDocument, err)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("%w: signature is %d bytes, want %d", ErrMalformedDocument, len(sig), crypto.SignatureLength)
	}
	return sig, nil
}

// ReadFile loads a document from path
func ReadFile(path string) (*SignedOrder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Deserialize(data)
}

// WriteFile stores the document at path
func (d *SignedOrder) WriteFile(path string) error {
	data, err := d.Serialize()
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: invalid %s address: %q", ErrMalformedDocument, field, s)
	}
	return common.HexToAddress(s), nil
}
