package main

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/uhyunpark/instantswap/pkg/core"
	"github.com/uhyunpark/instantswap/pkg/crypto"
	"github.com/uhyunpark/instantswap/pkg/document"
)

var KeygenCmd = &cli.Command{
	Name:  "keygen",
	Usage: "generate a secp256k1 key pair",
	Action: func(cctx *cli.Context) error {
		signer, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintf(cctx.App.Writer, "Address:     %s\n", color.GreenString(signer.Address().Hex()))
		fmt.Fprintf(cctx.App.Writer, "Private Key: %s %s\n", signer.PrivateKeyHex(), color.RedString("(KEEP SECRET!)"))
		return nil
	},
}

var SignCmd = &cli.Command{
	Name:      "sign",
	Usage:     "sign a swap order as the maker and write the order document",
	ArgsUsage: "<output file>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: FlagKey, EnvVars: []string{"MAKER_PRIVATE_KEY"}, Usage: "maker private key (hex)", Required: true},
		&cli.StringFlag{Name: "taker", Usage: "only this address may settle (default: anyone)"},
		&cli.StringFlag{Name: "token-m", Usage: "token the maker gives", Required: true},
		&cli.StringFlag{Name: "token-t", Usage: "token the maker wants", Required: true},
		&cli.StringFlag{Name: "amount-m", Usage: "amount of token-m in base units", Required: true},
		&cli.StringFlag{Name: "amount-t", Usage: "amount of token-t in base units", Required: true},
		&cli.DurationFlag{Name: "ttl", Value: time.Hour, Usage: "time until the order expires"},
		&cli.StringFlag{Name: "nonce", Usage: "order nonce (default: random)"},
		&cli.BoolFlag{Name: "typed-data", Usage: "also print the eth_signTypedData_v4 payload"},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return fmt.Errorf("expected exactly one output file")
		}
		codec, err := codecFromFlags(cctx)
		if err != nil {
			return err
		}
		maker, err := crypto.FromPrivateKeyHex(cctx.String(FlagKey))
		if err != nil {
			return err
		}

		payload := &document.OrderPayload{
			Maker:   maker.Address().Hex(),
			Taker:   cctx.String("taker"),
			TokenM:  cctx.String("token-m"),
			TokenT:  cctx.String("token-t"),
			AmountM: cctx.String("amount-m"),
			AmountT: cctx.String("amount-t"),
			Expiry:  fmt.Sprintf("%d", time.Now().Add(cctx.Duration("ttl")).Unix()),
			Nonce:   cctx.String("nonce"),
		}
		if payload.Nonce == "" {
			nonce, err := crypto.GenerateNonce()
			if err != nil {
				return err
			}
			payload.Nonce = nonce.String()
		}

		order, err := payload.ToSwapOrder()
		if err != nil {
			return err
		}
		if err := order.ValidateAt(time.Now()); err != nil {
			return err
		}
		sig, err := codec.SignOrder(maker, order)
		if err != nil {
			return err
		}

		if err := document.New(order, sig).WriteFile(cctx.Args().First()); err != nil {
			return err
		}
		digest, _ := codec.Digest(order)
		fmt.Fprintf(cctx.App.Writer, "%s %s\n", color.GreenString("signed"), cctx.Args().First())
		fmt.Fprintf(cctx.App.Writer, "  digest: %s\n", digest.Hex())
		fmt.Fprintf(cctx.App.Writer, "  nonce:  %s\n", order.Nonce)

		if cctx.Bool("typed-data") {
			typed, err := codec.TypedDataJSON(order)
			if err != nil {
				return err
			}
			fmt.Fprintln(cctx.App.Writer, string(typed))
		}
		return nil
	},
}

var InspectCmd = &cli.Command{
	Name:      "inspect",
	Usage:     "decode an order document and check its signature",
	ArgsUsage: "<order file>",
	Action: func(cctx *cli.Context) error {
		codec, err := codecFromFlags(cctx)
		if err != nil {
			return err
		}
		doc, err := document.ReadFile(cctx.Args().First())
		if err != nil {
			return err
		}
		order, sig, err := doc.Decode()
		if err != nil {
			return err
		}
		digest, err := codec.Digest(order)
		if err != nil {
			return err
		}

		w := cctx.App.Writer
		fmt.Fprintf(w, "Maker:   %s\n", order.Maker.Hex())
		if order.IsOpen() {
			fmt.Fprintf(w, "Taker:   %s\n", color.YellowString("anyone"))
		} else {
			fmt.Fprintf(w, "Taker:   %s\n", order.Taker.Hex())
		}
		fmt.Fprintf(w, "Gives:   %s of %s\n", order.AmountM, order.TokenM.Hex())
		fmt.Fprintf(w, "Wants:   %s of %s\n", order.AmountT, order.TokenT.Hex())
		fmt.Fprintf(w, "Nonce:   %s\n", order.Nonce)
		fmt.Fprintf(w, "Expiry:  %s (%s)\n", time.Unix(int64(order.Expiry), 0).UTC().Format(time.RFC3339), expiryState(order))
		fmt.Fprintf(w, "Digest:  %s\n", digest.Hex())

		signer, err := codec.RecoverOrderSigner(order, sig)
		switch {
		case err != nil:
			fmt.Fprintf(w, "Signer:  %s\n", color.RedString("invalid (%v)", err))
		case signer != order.Maker:
			fmt.Fprintf(w, "Signer:  %s\n", color.RedString("%s, not the maker", signer.Hex()))
		default:
			fmt.Fprintf(w, "Signer:  %s\n", color.GreenString("%s (maker)", signer.Hex()))
		}
		return nil
	},
}

func expiryState(order *core.SwapOrder) string {
	if order.ExpiredAt(time.Now()) {
		return color.RedString("expired")
	}
	return color.GreenString("live")
}

// codecFromFlags builds the signing codec from the global domain flags
func codecFromFlags(cctx *cli.Context) (*crypto.Codec, error) {
	chainID, ok := new(big.Int).SetString(cctx.String(FlagChainID), 10)
	if !ok || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("invalid --%s %q", FlagChainID, cctx.String(FlagChainID))
	}
	venue := cctx.String(FlagVenue)
	if !common.IsHexAddress(venue) {
		return nil, fmt.Errorf("--%s must be the venue address, got %q", FlagVenue, venue)
	}
	return crypto.NewCodec(crypto.NewDomain(chainID, common.HexToAddress(venue)))
}
