package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/uhyunpark/instantswap/pkg/api"
	"github.com/uhyunpark/instantswap/pkg/crypto"
	"github.com/uhyunpark/instantswap/pkg/document"
)

var takerKeyFlag = &cli.StringFlag{
	Name:     FlagKey,
	EnvVars:  []string{"TAKER_PRIVATE_KEY"},
	Usage:    "taker private key (hex)",
	Required: true,
}

var AcceptCmd = &cli.Command{
	Name:      "accept",
	Usage:     "sign the acceptance of an order and print the settle request",
	ArgsUsage: "<order file>",
	Flags:     []cli.Flag{takerKeyFlag},
	Action: func(cctx *cli.Context) error {
		req, err := buildSettleRequest(cctx)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(req, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cctx.App.Writer, string(out))
		return nil
	},
}

var SettleCmd = &cli.Command{
	Name:      "settle",
	Usage:     "accept an order and submit it to the venue",
	ArgsUsage: "<order file>",
	Flags: []cli.Flag{
		takerKeyFlag,
		&cli.StringFlag{
			Name:    FlagURL,
			EnvVars: []string{"SWAP_API_URL"},
			Value:   "http://localhost:8080",
			Usage:   "venue API base URL",
		},
		&cli.DurationFlag{Name: "timeout", Value: 90 * time.Second, Usage: "request timeout"},
	},
	Action: func(cctx *cli.Context) error {
		req, err := buildSettleRequest(cctx)
		if err != nil {
			return err
		}
		body, err := json.Marshal(req)
		if err != nil {
			return err
		}

		client := &http.Client{Timeout: cctx.Duration("timeout")}
		url := strings.TrimRight(cctx.String(FlagURL), "/") + "/api/v1/settle"
		resp, err := client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode != http.StatusOK {
			var e api.ErrorResponse
			if json.Unmarshal(data, &e) == nil && e.Error != "" {
				return fmt.Errorf("%s: %s", color.RedString(e.Error), e.Message)
			}
			return fmt.Errorf("venue returned %s", resp.Status)
		}

		var receipt api.ReceiptInfo
		if err := json.Unmarshal(data, &receipt); err != nil {
			return err
		}
		w := cctx.App.Writer
		fmt.Fprintf(w, "%s %s/%s\n", color.GreenString("settled"), receipt.Maker, receipt.Nonce)
		fmt.Fprintf(w, "  %s -> taker: %s of %s\n", receipt.Maker, receipt.AmountM, receipt.TokenM)
		fmt.Fprintf(w, "  %s -> maker: %s of %s\n", receipt.Taker, receipt.AmountT, receipt.TokenT)
		return nil
	},
}

// buildSettleRequest reads the order file and signs its acceptance with the taker key
func buildSettleRequest(cctx *cli.Context) (*api.SettleRequest, error) {
	if cctx.NArg() != 1 {
		return nil, fmt.Errorf("expected exactly one order file")
	}
	codec, err := codecFromFlags(cctx)
	if err != nil {
		return nil, err
	}
	taker, err := crypto.FromPrivateKeyHex(cctx.String(FlagKey))
	if err != nil {
		return nil, err
	}

	doc, err := document.ReadFile(cctx.Args().First())
	if err != nil {
		return nil, err
	}
	order, _, err := doc.Decode()
	if err != nil {
		return nil, err
	}
	if !order.IsOpen() && order.Taker != taker.Address() {
		fmt.Fprintf(os.Stderr, "%s order names taker %s, not %s\n", color.YellowString("warning:"), order.Taker.Hex(), taker.Address().Hex())
	}

	digest, err := codec.Digest(order)
	if err != nil {
		return nil, err
	}
	accept, err := codec.SignAccept(taker, digest)
	if err != nil {
		return nil, err
	}
	return &api.SettleRequest{
		SignedOrder:    *doc,
		Taker:          taker.Address().Hex(),
		TakerSignature: hexutil.Encode(accept),
	}, nil
}
