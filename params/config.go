package params

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/uhyunpark/instantswap/pkg/crypto"
)

// Ledger backends
const (
	LedgerPebble = "pebble"
	LedgerMemory = "memory"
	LedgerRedis  = "redis"
)

// Domain is the signing domain every order is bound to
type Domain struct {
	ChainID *big.Int
	// VenueAddress is the verifyingContract of the domain and the spender
	// makers and takers approve. Empty means the address of the venue key.
	VenueAddress string
}

type Venue struct {
	// PrivateKey signs on-chain transferFrom calls. Required with RPCURL.
	PrivateKey string
	// RPCURL selects on-chain ERC20 settlement. Empty runs the in-memory bank.
	RPCURL string
	// Tokens restricts settlement to these token addresses (empty = any)
	Tokens []string
	// SettleTimeout bounds a single settlement including transfer confirmation
	SettleTimeout time.Duration
}

type Node struct {
	DataDir     string
	Ledger      string // "pebble", "memory" or "redis"
	RedisURL    string // required by the redis ledger
	APIAddr     string
	LogFile     string
	LogLevel    string
	CORSOrigins []string
	// DevFaucet exposes mint/approve routes on the in-memory bank.
	// Never enable on a venue holding real balances.
	DevFaucet bool
}

type Config struct {
	Domain Domain
	Venue  Venue
	Node   Node
}

func Default() Config {
	return Config{
		Domain: Domain{
			ChainID: big.NewInt(31337), // hardhat / anvil
		},
		Venue: Venue{
			SettleTimeout: 60 * time.Second,
		},
		Node: Node{
			DataDir:     "./data",
			Ledger:      LedgerPebble,
			APIAddr:     ":8080",
			LogLevel:    "info",
			CORSOrigins: []string{"*"},
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	if v := os.Getenv("SWAP_CHAIN_ID"); v != "" {
		id, ok := new(big.Int).SetString(v, 10)
		if !ok || id.Sign() <= 0 {
			return cfg, fmt.Errorf("invalid SWAP_CHAIN_ID %q", v)
		}
		cfg.Domain.ChainID = id
	}
	cfg.Domain.VenueAddress = getEnv("SWAP_VENUE_ADDRESS", cfg.Domain.VenueAddress)

	cfg.Venue.PrivateKey = getEnv("VENUE_PRIVATE_KEY", cfg.Venue.PrivateKey)
	cfg.Venue.RPCURL = getEnv("ETH_RPC_URL", cfg.Venue.RPCURL)
	if v := os.Getenv("SWAP_TOKENS"); v != "" {
		cfg.Venue.Tokens = splitList(v)
	}
	if v := os.Getenv("SETTLE_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return cfg, fmt.Errorf("invalid SETTLE_TIMEOUT_MS %q", v)
		}
		cfg.Venue.SettleTimeout = time.Duration(ms) * time.Millisecond
	}

	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.Ledger = getEnv("LEDGER_BACKEND", cfg.Node.Ledger)
	cfg.Node.RedisURL = getEnv("REDIS_URL", cfg.Node.RedisURL)
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Node.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("DEV_FAUCET"); v != "" {
		cfg.Node.DevFaucet = v == "true"
	}

	return cfg, cfg.Validate()
}

// Validate checks settings that cannot be fixed by a default
func (c Config) Validate() error {
	if c.Domain.ChainID == nil || c.Domain.ChainID.Sign() <= 0 {
		return fmt.Errorf("chain id must be positive")
	}
	if c.Domain.VenueAddress != "" && !common.IsHexAddress(c.Domain.VenueAddress) {
		return fmt.Errorf("invalid venue address %q", c.Domain.VenueAddress)
	}
	if c.Domain.VenueAddress == "" && c.Venue.PrivateKey == "" {
		return fmt.Errorf("one of SWAP_VENUE_ADDRESS or VENUE_PRIVATE_KEY is required")
	}
	if c.Venue.RPCURL != "" && c.Venue.PrivateKey == "" {
		return fmt.Errorf("VENUE_PRIVATE_KEY is required for on-chain settlement")
	}
	if c.Venue.RPCURL != "" && c.Node.DevFaucet {
		return fmt.Errorf("DEV_FAUCET cannot be used with on-chain settlement")
	}
	// on chain the key sends transferFrom, so its address is the spender parties approve
	if c.Venue.RPCURL != "" && c.Domain.VenueAddress != "" {
		key, err := crypto.FromPrivateKeyHex(c.Venue.PrivateKey)
		if err != nil {
			return fmt.Errorf("invalid VENUE_PRIVATE_KEY: %w", err)
		}
		if key.Address() != common.HexToAddress(c.Domain.VenueAddress) {
			return fmt.Errorf("SWAP_VENUE_ADDRESS %s is not the address of VENUE_PRIVATE_KEY (%s)",
				c.Domain.VenueAddress, key.Address().Hex())
		}
	}
	for _, t := range c.Venue.Tokens {
		if !common.IsHexAddress(t) {
			return fmt.Errorf("invalid token address %q", t)
		}
	}
	switch c.Node.Ledger {
	case LedgerPebble, LedgerMemory:
	case LedgerRedis:
		if c.Node.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis ledger")
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Node.Ledger)
	}
	return nil
}

// TokenAddresses returns Venue.Tokens parsed as addresses
func (c Config) TokenAddresses() []common.Address {
	out := make([]common.Address, 0, len(c.Venue.Tokens))
	for _, t := range c.Venue.Tokens {
		out = append(out, common.HexToAddress(t))
	}
	return out
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
