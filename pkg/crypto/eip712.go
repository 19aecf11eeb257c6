package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/uhyunpark/instantswap/pkg/core"
)

// Signing domain constants shared by maker tooling and the venue
const (
	ProtocolName    = "InstantSwap"
	ProtocolVersion = "1"
)

// Type strings. Field order is part of the protocol: reordering breaks every signed order.
const (
	domainType    = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"
	swapOrderType = "SwapOrder(address maker,address taker,address tokenM,address tokenT,uint256 amountM,uint256 amountT,uint256 expiry,uint256 nonce)"
	acceptType    = "Accept(bytes32 orderDigest,address taker)"
)

var (
	domainTypeHash    = crypto.Keccak256Hash([]byte(domainType))
	swapOrderTypeHash = crypto.Keccak256Hash([]byte(swapOrderType))
	acceptTypeHash    = crypto.Keccak256Hash([]byte(acceptType))
)

// Domain represents the EIP-712 domain separator for swap orders.
// Binding chain and venue prevents replaying an order on another deployment.
type Domain struct {
	Name              string         // Protocol name ("InstantSwap")
	Version           string         // Protocol version ("1")
	ChainID           *big.Int       // Chain ID (1337 for local, 1 for mainnet)
	VerifyingContract common.Address // Settlement venue address
}

// NewDomain returns the InstantSwap domain for a venue on a chain
func NewDomain(chainID *big.Int, venue common.Address) Domain {
	return Domain{
		Name:              ProtocolName,
		Version:           ProtocolVersion,
		ChainID:           new(big.Int).Set(chainID),
		VerifyingContract: venue,
	}
}

// Codec canonicalizes swap orders into EIP-712 bytes and digests.
// The encoding is written out field by field instead of going through a schema-driven encoder.
type Codec struct {
	domain    Domain
	separator common.Hash
}

// NewCodec creates a codec bound to domain
func NewCodec(domain Domain) (*Codec, error) {
	if domain.ChainID == nil {
		return nil, fmt.Errorf("domain chain id is required")
	}
	chainWord, err := uint256Word("chainId", domain.ChainID)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 5*32)
	buf = append(buf, domainTypeHash.Bytes()...)
	buf = append(buf, crypto.Keccak256([]byte(domain.Name))...)
	buf = append(buf, crypto.Keccak256([]byte(domain.Version))...)
	buf = append(buf, chainWord...)
	buf = append(buf, addressWord(domain.VerifyingContract)...)

	return &Codec{
		domain:    domain,
		separator: crypto.Keccak256Hash(buf),
	}, nil
}

// Domain returns the domain the codec is bound to
func (c *Codec) Domain() Domain {
	return c.domain
}

// DomainSeparator returns hashStruct(EIP712Domain)
func (c *Codec) DomainSeparator() common.Hash {
	return c.separator
}

// EncodeStruct returns typeHash || maker || taker || tokenM || tokenT || amountM || amountT || expiry || nonce,
// each as a 32-byte word
func (c *Codec) EncodeStruct(order *core.SwapOrder) ([]byte, error) {
	if order == nil {
		return nil, fmt.Errorf("nil order")
	}
	amountM, err := uint256Word("amountM", order.AmountM)
	if err != nil {
		return nil, err
	}
	amountT, err := uint256Word("amountT", order.AmountT)
	if err != nil {
		return nil, err
	}
	nonce, err := uint256Word("nonce", order.Nonce)
	if err != nil {
		return nil, err
	}
	var expiry [32]byte
	new(big.Int).SetUint64(order.Expiry).FillBytes(expiry[:])

	buf := make([]byte, 0, 9*32)
	buf = append(buf, swapOrderTypeHash.Bytes()...)
	buf = append(buf, addressWord(order.Maker)...)
	buf = append(buf, addressWord(order.Taker)...)
	buf = append(buf, addressWord(order.TokenM)...)
	buf = append(buf, addressWord(order.TokenT)...)
	buf = append(buf, amountM...)
	buf = append(buf, amountT...)
	buf = append(buf, expiry[:]...)
	buf = append(buf, nonce...)
	return buf, nil
}

// Encode returns the 66 bytes that are hashed for signing: 0x19 0x01 || domainSeparator || hashStruct(order)
func (c *Codec) Encode(order *core.SwapOrder) ([]byte, error) {
	structData, err := c.EncodeStruct(order)
	if err != nil {
		return nil, err
	}
	return c.envelope(crypto.Keccak256Hash(structData)), nil
}

// Digest returns the EIP-712 digest of order under the codec's domain
func (c *Codec) Digest(order *core.SwapOrder) (common.Hash, error) {
	encoded, err := c.Encode(order)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// AcceptDigest is what a taker signs to prove it is the caller of a settlement
func (c *Codec) AcceptDigest(orderDigest common.Hash, taker common.Address) common.Hash {
	buf := make([]byte, 0, 3*32)
	buf = append(buf, acceptTypeHash.Bytes()...)
	buf = append(buf, orderDigest.Bytes()...)
	buf = append(buf, addressWord(taker)...)
	return crypto.Keccak256Hash(c.envelope(crypto.Keccak256Hash(buf)))
}

func (c *Codec) envelope(structHash common.Hash) []byte {
	raw := make([]byte, 0, 2+2*32)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, c.separator.Bytes()...)
	raw = append(raw, structHash.Bytes()...)
	return raw
}

// SignOrder signs an order and returns the signature
func (c *Codec) SignOrder(signer *Signer, order *core.SwapOrder) ([]byte, error) {
	digest, err := c.Digest(order)
	if err != nil {
		return nil, fmt.Errorf("failed to hash order: %w", err)
	}

	signature, err := signer.Sign(digest.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign order: %w", err)
	}

	return signature, nil
}

// RecoverOrderSigner recovers the address that signed an order
func (c *Codec) RecoverOrderSigner(order *core.SwapOrder, signature []byte) (common.Address, error) {
	digest, err := c.Digest(order)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash order: %w", err)
	}
	return RecoverAddress(digest.Bytes(), signature)
}

// SignAccept signs the acceptance of an order digest by the signer's address
func (c *Codec) SignAccept(signer *Signer, orderDigest common.Hash) ([]byte, error) {
	return signer.Sign(c.AcceptDigest(orderDigest, signer.Address()).Bytes())
}

// TypedData renders an order as go-ethereum typed data, the shape wallets sign
func (c *Codec) TypedData(order *core.SwapOrder) (apitypes.TypedData, error) {
	if err := order.Validate(); err != nil {
		return apitypes.TypedData{}, err
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"SwapOrder": []apitypes.Type{
				{Name: "maker", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenM", Type: "address"},
				{Name: "tokenT", Type: "address"},
				{Name: "amountM", Type: "uint256"},
				{Name: "amountT", Type: "uint256"},
				{Name: "expiry", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: "SwapOrder",
		Domain: apitypes.TypedDataDomain{
			Name:              c.domain.Name,
			Version:           c.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(c.domain.ChainID)),
			VerifyingContract: c.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"maker":   order.Maker.Hex(),
			"taker":   order.Taker.Hex(),
			"tokenM":  order.TokenM.Hex(),
			"tokenT":  order.TokenT.Hex(),
			"amountM": order.AmountM.String(),
			"amountT": order.AmountT.String(),
			"expiry":  fmt.Sprintf("%d", order.Expiry),
			"nonce":   order.Nonce.String(),
		},
	}, nil
}

// TypedDataJSON returns the eth_signTypedData_v4 payload for an order
func (c *Codec) TypedDataJSON(order *core.SwapOrder) ([]byte, error) {
	td, err := c.TypedData(order)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"types":       td.Types,
		"primaryType": td.PrimaryType,
		"domain": map[string]interface{}{
			"name":              c.domain.Name,
			"version":           c.domain.Version,
			"chainId":           c.domain.ChainID,
			"verifyingContract": c.domain.VerifyingContract.Hex(),
		},
		"message": td.Message,
	}

	jsonBytes, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return jsonBytes, nil
}

func addressWord(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

func uint256Word(name string, v *big.Int) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("%s is missing", name)
	}
	if v.Sign() < 0 || v.BitLen() > 256 {
		return nil, fmt.Errorf("%s out of uint256 range: %s", name, v)
	}
	word := make([]byte, 32)
	v.FillBytes(word)
	return word, nil
}
