package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Flag names shared by subcommands
const (
	FlagChainID = "chain-id"
	FlagVenue   = "venue"
	FlagKey     = "key"
	FlagURL     = "url"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n\n", err) // nolint:errcheck
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:                 "swapctl",
		Usage:                "Sign, inspect and settle InstantSwap orders",
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    FlagChainID,
				EnvVars: []string{"SWAP_CHAIN_ID"},
				Value:   "31337",
				Usage:   "chain id of the signing domain",
			},
			&cli.StringFlag{
				Name:    FlagVenue,
				EnvVars: []string{"SWAP_VENUE_ADDRESS"},
				Usage:   "venue address (verifyingContract of the signing domain)",
			},
		},
		Commands: []*cli.Command{
			KeygenCmd,
			SignCmd,
			InspectCmd,
			AcceptCmd,
			SettleCmd,
		},
	}
}
