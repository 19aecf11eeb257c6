package crypto

import (
	"bytes"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/uhyunpark/instantswap/pkg/core"
)

var (
	testVenue  = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testTokenA = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	testTokenB = common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0")
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := NewCodec(NewDomain(big.NewInt(31337), testVenue))
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}
	return codec
}

func testOrder(maker common.Address) *core.SwapOrder {
	amountM, _ := new(big.Int).SetString("10000000000000000000", 10)
	amountT, _ := new(big.Int).SetString("5000000000000000000", 10)
	return &core.SwapOrder{
		Maker:   maker,
		Taker:   common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
		TokenM:  testTokenA,
		TokenT:  testTokenB,
		AmountM: amountM,
		AmountT: amountT,
		Expiry:  1_900_000_000,
		Nonce:   big.NewInt(1),
	}
}

func TestEncodeLayout(t *testing.T) {
	codec := testCodec(t)
	order := testOrder(common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"))

	structData, err := codec.EncodeStruct(order)
	if err != nil {
		t.Fatalf("EncodeStruct: %v", err)
	}
	if len(structData) != 9*32 {
		t.Fatalf("struct encoding length = %d, want %d", len(structData), 9*32)
	}
	if !bytes.Equal(structData[:32], swapOrderTypeHash.Bytes()) {
		t.Error("struct encoding must start with the SwapOrder type hash")
	}
	// maker word: 12 zero bytes then the address
	if !bytes.Equal(structData[32+12:64], order.Maker.Bytes()) {
		t.Error("maker is not the first field")
	}
	if got := new(big.Int).SetBytes(structData[7*32 : 8*32]).Uint64(); got != order.Expiry {
		t.Errorf("expiry word = %d, want %d", got, order.Expiry)
	}

	encoded, err := codec.Encode(order)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(encoded) != 66 || encoded[0] != 0x19 || encoded[1] != 0x01 {
		t.Fatalf("encoded envelope malformed: len=%d prefix=%x", len(encoded), encoded[:2])
	}
	if !bytes.Equal(encoded[2:34], codec.DomainSeparator().Bytes()) {
		t.Error("envelope does not carry the domain separator")
	}
}

func TestDigestMatchesGenericTypedDataHasher(t *testing.T) {
	codec := testCodec(t)
	order := testOrder(common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"))

	digest, err := codec.Digest(order)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}

	td, err := codec.TypedData(order)
	if err != nil {
		t.Fatalf("TypedData: %v", err)
	}
	want, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		t.Fatalf("TypedDataAndHash: %v", err)
	}

	if !bytes.Equal(digest.Bytes(), want) {
		t.Fatalf("digest = %x, go-ethereum typed data hash = %x", digest, want)
	}
}

func TestDigestDeterministic(t *testing.T) {
	codec := testCodec(t)
	order := testOrder(common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"))

	d1, _ := codec.Digest(order)
	d2, _ := codec.Digest(order.Clone())
	if d1 != d2 {
		t.Fatalf("digest not deterministic: %x != %x", d1, d2)
	}
}

func TestDigestFieldSensitivity(t *testing.T) {
	base := testOrder(common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"))
	other := common.HexToAddress("0x90F79bf6EB2c4f870365E785982E1f101E93b906")

	mutations := map[string]func(o *core.SwapOrder){
		"maker":   func(o *core.SwapOrder) { o.Maker = other },
		"taker":   func(o *core.SwapOrder) { o.Taker = core.WildcardTaker },
		"tokenM":  func(o *core.SwapOrder) { o.TokenM = other },
		"tokenT":  func(o *core.SwapOrder) { o.TokenT = other },
		"amountM": func(o *core.SwapOrder) { o.AmountM = new(big.Int).Add(o.AmountM, big.NewInt(1)) },
		"amountT": func(o *core.SwapOrder) { o.AmountT = new(big.Int).Sub(o.AmountT, big.NewInt(1)) },
		"expiry":  func(o *core.SwapOrder) { o.Expiry++ },
		"nonce":   func(o *core.SwapOrder) { o.Nonce = big.NewInt(2) },
		// same value moved between fields must not collide
		"swap amounts": func(o *core.SwapOrder) { o.AmountM, o.AmountT = o.AmountT, o.AmountM },
		"swap tokens":  func(o *core.SwapOrder) { o.TokenM, o.TokenT = o.TokenT, o.TokenM },
	}

	codec := testCodec(t)
	baseDigest, _ := codec.Digest(base)
	seen := map[common.Hash]string{baseDigest: "base"}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			o := base.Clone()
			mutate(o)
			d, err := codec.Digest(o)
			if err != nil {
				t.Fatalf("Digest: %v", err)
			}
			if prev, dup := seen[d]; dup {
				t.Fatalf("digest collides with %s", prev)
			}
			seen[d] = name
		})
	}
}

func TestDigestDomainSensitivity(t *testing.T) {
	order := testOrder(common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"))
	base := NewDomain(big.NewInt(31337), testVenue)

	domains := map[string]Domain{
		"base":    base,
		"chain":   NewDomain(big.NewInt(1), testVenue),
		"venue":   NewDomain(big.NewInt(31337), testTokenA),
		"name":    {Name: "OtherSwap", Version: ProtocolVersion, ChainID: big.NewInt(31337), VerifyingContract: testVenue},
		"version": {Name: ProtocolName, Version: "2", ChainID: big.NewInt(31337), VerifyingContract: testVenue},
	}

	seen := map[common.Hash]string{}
	for name, domain := range domains {
		codec, err := NewCodec(domain)
		if err != nil {
			t.Fatalf("%s: NewCodec: %v", name, err)
		}
		d, _ := codec.Digest(order)
		if prev, dup := seen[d]; dup {
			t.Fatalf("domain %s digest collides with %s", name, prev)
		}
		seen[d] = name
	}
}

func TestDigestCorpusHasNoCollisions(t *testing.T) {
	codec := testCodec(t)
	addrs := []common.Address{
		common.HexToAddress("0x01"),
		common.HexToAddress("0x02"),
		common.HexToAddress("0x03"),
	}
	amounts := []*big.Int{big.NewInt(1), big.NewInt(2), new(big.Int).Lsh(big.NewInt(1), 255)}

	seen := make(map[common.Hash]struct{})
	count := 0
	for _, maker := range addrs {
		for _, taker := range addrs {
			for _, amountM := range amounts {
				for _, amountT := range amounts {
					for expiry := uint64(1); expiry <= 2; expiry++ {
						for nonce := int64(0); nonce < 2; nonce++ {
							o := &core.SwapOrder{
								Maker:   maker,
								Taker:   taker,
								TokenM:  testTokenA,
								TokenT:  testTokenB,
								AmountM: amountM,
								AmountT: amountT,
								Expiry:  expiry,
								Nonce:   big.NewInt(nonce),
							}
							d, err := codec.Digest(o)
							if err != nil {
								t.Fatalf("Digest: %v", err)
							}
							seen[d] = struct{}{}
							count++
						}
					}
				}
			}
		}
	}
	if len(seen) != count {
		t.Fatalf("%d distinct digests for %d distinct orders", len(seen), count)
	}
}

func TestEncodeRejectsOutOfRange(t *testing.T) {
	codec := testCodec(t)
	tests := map[string]func(o *core.SwapOrder){
		"nil amount":      func(o *core.SwapOrder) { o.AmountM = nil },
		"negative amount": func(o *core.SwapOrder) { o.AmountT = big.NewInt(-5) },
		"nonce overflow":  func(o *core.SwapOrder) { o.Nonce = new(big.Int).Lsh(big.NewInt(1), 256) },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			o := testOrder(testVenue)
			mutate(o)
			if _, err := codec.Digest(o); err == nil {
				t.Error("expected encoding error")
			}
		})
	}
}

func TestSignOrderRecoversMaker(t *testing.T) {
	codec := testCodec(t)
	signer, _ := GenerateKey()
	order := testOrder(signer.Address())

	sig, err := codec.SignOrder(signer, order)
	if err != nil {
		t.Fatalf("SignOrder: %v", err)
	}

	recovered, err := codec.RecoverOrderSigner(order, sig)
	if err != nil {
		t.Fatalf("RecoverOrderSigner: %v", err)
	}
	if recovered != signer.Address() {
		t.Errorf("recovered %s, want %s", recovered.Hex(), signer.Address().Hex())
	}

	// The same signature over a tampered order recovers someone else
	tampered := order.Clone()
	tampered.AmountT = big.NewInt(1)
	if other, err := codec.RecoverOrderSigner(tampered, sig); err == nil && other == signer.Address() {
		t.Error("tampered order still recovers the maker")
	}
}

func TestAcceptDigestBindsTaker(t *testing.T) {
	codec := testCodec(t)
	taker, _ := GenerateKey()
	orderDigest := common.HexToHash("0xabcdef")

	sig, err := codec.SignAccept(taker, orderDigest)
	if err != nil {
		t.Fatalf("SignAccept: %v", err)
	}

	recovered, err := RecoverAddress(codec.AcceptDigest(orderDigest, taker.Address()).Bytes(), sig)
	if err != nil || recovered != taker.Address() {
		t.Fatalf("accept signature recovered %s (%v), want %s", recovered.Hex(), err, taker.Address().Hex())
	}

	other := common.HexToAddress("0x1234")
	if codec.AcceptDigest(orderDigest, other) == codec.AcceptDigest(orderDigest, taker.Address()) {
		t.Error("accept digest does not depend on the taker")
	}
}

func TestTypedDataJSON(t *testing.T) {
	codec := testCodec(t)
	order := testOrder(testVenue)

	raw, err := codec.TypedDataJSON(order)
	if err != nil {
		t.Fatalf("TypedDataJSON: %v", err)
	}

	var payload struct {
		PrimaryType string                 `json:"primaryType"`
		Domain      map[string]interface{} `json:"domain"`
		Message     map[string]string      `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if payload.PrimaryType != "SwapOrder" {
		t.Errorf("primaryType = %s, want SwapOrder", payload.PrimaryType)
	}
	if payload.Domain["name"] != ProtocolName {
		t.Errorf("domain name = %v, want %s", payload.Domain["name"], ProtocolName)
	}
	if payload.Message["amountM"] != "10000000000000000000" {
		t.Errorf("amountM = %s, want decimal string", payload.Message["amountM"])
	}

	bad := order.Clone()
	bad.AmountM = big.NewInt(0)
	if _, err := codec.TypedDataJSON(bad); !errors.Is(err, core.ErrInvalidOrder) {
		t.Errorf("TypedDataJSON(invalid) = %v, want ErrInvalidOrder", err)
	}
}

func TestNewCodecRequiresChainID(t *testing.T) {
	if _, err := NewCodec(Domain{Name: ProtocolName, Version: ProtocolVersion}); err == nil {
		t.Error("expected error for missing chain id")
	}
}
