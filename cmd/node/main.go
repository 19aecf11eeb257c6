package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/instantswap/params"
	"github.com/uhyunpark/instantswap/pkg/api"
	"github.com/uhyunpark/instantswap/pkg/crypto"
	"github.com/uhyunpark/instantswap/pkg/ledger"
	"github.com/uhyunpark/instantswap/pkg/settlement"
	"github.com/uhyunpark/instantswap/pkg/storage"
	"github.com/uhyunpark/instantswap/pkg/token"
	"github.com/uhyunpark/instantswap/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("") // "" means load from .env in current directory
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logFile := cfg.Node.LogFile
	if logFile == "" {
		logFile = filepath.Join(cfg.Node.DataDir, "venue.log")
	}
	logger, err := util.NewLoggerWithFile(cfg.Node.LogLevel, logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile, "level", cfg.Node.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Venue identity ----
	var venueKey *crypto.Signer
	if cfg.Venue.PrivateKey != "" {
		venueKey, err = crypto.FromPrivateKeyHex(cfg.Venue.PrivateKey)
		if err != nil {
			sugar.Fatalw("venue_key_invalid", "err", err)
		}
	}
	venue := resolveVenue(cfg, venueKey)

	codec, err := crypto.NewCodec(crypto.NewDomain(cfg.Domain.ChainID, venue))
	if err != nil {
		sugar.Fatalw("codec_init_failed", "err", err)
	}

	// ---- Ledger and receipts ----
	var (
		l        ledger.Ledger
		receipts interface {
			settlement.ReceiptStore
			api.ReceiptLister
		}
		consumed api.ConsumedLister
	)
	switch cfg.Node.Ledger {
	case params.LedgerPebble:
		store, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "ledger"))
		if err != nil {
			sugar.Fatalw("ledger_open_failed", "err", err)
		}
		defer store.Close()
		l, receipts, consumed = store, store, store
	case params.LedgerRedis:
		shared, err := storage.NewRedisLedger(ctx, cfg.Node.RedisURL)
		if err != nil {
			sugar.Fatalw("ledger_open_failed", "backend", "redis", "err", err)
		}
		defer shared.Close()
		// receipts stay local to this process
		store, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "receipts"))
		if err != nil {
			sugar.Fatalw("receipt_store_open_failed", "err", err)
		}
		defer store.Close()
		l, receipts, consumed = shared, store, shared
	default:
		sugar.Warn("memory ledger: consumed nonces are lost on restart")
		l, receipts = ledger.NewMemory(), storage.NewInMemoryReceiptStore()
	}

	journal, err := storage.NewFileWAL(filepath.Join(cfg.Node.DataDir, "settlement.wal"))
	if err != nil {
		sugar.Fatalw("journal_open_failed", "err", err)
	}
	defer journal.Close()

	// ---- Tokens ----
	var (
		tokens token.Registry
		faucet *token.Bank
	)
	if cfg.Venue.RPCURL != "" {
		chain, err := token.DialChainRegistry(ctx, cfg.Venue.RPCURL, venueKey.PrivateKey(), cfg.TokenAddresses())
		if err != nil {
			sugar.Fatalw("rpc_dial_failed", "url", cfg.Venue.RPCURL, "err", err)
		}
		defer chain.Close()
		if chain.ChainID().Cmp(cfg.Domain.ChainID) != 0 {
			sugar.Fatalw("chain_id_mismatch", "rpc", chain.ChainID(), "domain", cfg.Domain.ChainID)
		}
		tokens = chain
		sugar.Infow("token_backend", "mode", "erc20", "rpc", cfg.Venue.RPCURL)
	} else {
		bank := token.NewBank(venue)
		for _, addr := range cfg.TokenAddresses() {
			bank.AddToken(addr)
		}
		tokens = bank
		if cfg.Node.DevFaucet {
			faucet = bank
		}
		sugar.Infow("token_backend", "mode", "bank", "tokens", len(cfg.Venue.Tokens), "dev_faucet", cfg.Node.DevFaucet)
	}

	// ---- Settlement engine ----
	engine := settlement.NewEngine(codec, l, tokens, venue)
	engine.Logger = sugar.Named("settlement")
	engine.Receipts = receipts
	engine.Journal = journal

	// ---- API Server ----
	apiServer := api.NewServer(engine)
	apiServer.SetLogger(sugar.Named("api"))
	apiServer.SettleTimeout = cfg.Venue.SettleTimeout
	apiServer.CORSOrigins = cfg.Node.CORSOrigins
	apiServer.Receipts = receipts
	apiServer.Consumed = consumed
	apiServer.Faucet = faucet

	// Hook engine to API server: push receipts to WebSocket subscribers
	engine.OnSettle = apiServer.BroadcastReceipt

	sugar.Infow("venue_starting",
		"venue", venue.Hex(),
		"chain_id", cfg.Domain.ChainID,
		"domain_separator", codec.DomainSeparator().Hex(),
		"ledger", cfg.Node.Ledger,
		"api_addr", cfg.Node.APIAddr)

	if err := apiServer.Start(ctx, cfg.Node.APIAddr); err != nil {
		sugar.Fatalw("api_server_failed", "err", err)
	}
	sugar.Info("venue_stopped")
}

// resolveVenue returns the configured venue address, falling back to the venue key's address
func resolveVenue(cfg params.Config, key *crypto.Signer) common.Address {
	if cfg.Domain.VenueAddress != "" {
		return common.HexToAddress(cfg.Domain.VenueAddress)
	}
	return key.Address()
}
