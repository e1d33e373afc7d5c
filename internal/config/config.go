// Package config loads the service's environment-variable configuration,
// per spec.md §6 "Configuration (environment)".
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Config holds every environment-derived setting the core needs to boot.
type Config struct {
	Mnemonic       string
	FaucetMnemonic string
	FaucetAddress  common.Address
	TreasuryAddr   common.Address

	RPCURL string
	WSURL  string

	DatabasePath string
	Port         int

	PollInterval        int // seconds
	BlockOffsetFromHead uint64
	ExistentialDeposit  *big.Int

	LogLevel string
}

// PrefersPush reports whether a streaming transport is configured.
func (c *Config) PrefersPush() bool {
	return c.WSURL != ""
}

// Load reads and validates the configuration from the process
// environment. Malformed values are fatal at startup per spec.md §7.
func Load() (*Config, error) {
	c := &Config{
		Mnemonic:       os.Getenv("MNEMONIC"),
		FaucetMnemonic: os.Getenv("FAUCET_MNEMONIC"),
		RPCURL:         os.Getenv("RPC_URL"),
		WSURL:          os.Getenv("WS_URL"),
		DatabasePath:   os.Getenv("DATABASE_URL"),
		LogLevel:       os.Getenv("LOG_LEVEL"),
	}

	if c.Mnemonic == "" {
		return nil, fmt.Errorf("config: MNEMONIC is required")
	}
	if c.FaucetMnemonic == "" {
		return nil, fmt.Errorf("config: FAUCET_MNEMONIC is required")
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "custody.db"
	}
	if c.RPCURL == "" && c.WSURL == "" {
		return nil, fmt.Errorf("config: one of RPC_URL or WS_URL is required")
	}

	faucetAddrStr := os.Getenv("FAUCET_ADDRESS")
	if !common.IsHexAddress(faucetAddrStr) {
		return nil, fmt.Errorf("config: FAUCET_ADDRESS is not a valid address: %q", faucetAddrStr)
	}
	c.FaucetAddress = common.HexToAddress(faucetAddrStr)

	treasuryStr := os.Getenv("TREASURY_ADDRESS")
	if !common.IsHexAddress(treasuryStr) {
		return nil, fmt.Errorf("config: TREASURY_ADDRESS is not a valid address: %q", treasuryStr)
	}
	c.TreasuryAddr = common.HexToAddress(treasuryStr)

	port := 8080
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid PORT: %w", err)
		}
		port = p
	}
	c.Port = port

	pollInterval := 12
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid POLL_INTERVAL: %w", err)
		}
		pollInterval = p
	}
	c.PollInterval = pollInterval

	offset := uint64(20)
	if v := os.Getenv("BLOCK_OFFSET_FROM_HEAD"); v != "" {
		o, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: invalid BLOCK_OFFSET_FROM_HEAD: %w", err)
		}
		offset = o
	}
	c.BlockOffsetFromHead = offset

	existential := big.NewInt(0)
	if v := strings.TrimSpace(os.Getenv("EXISTENTIAL_DEPOSIT")); v != "" {
		n, ok := new(big.Int).SetString(v, 10)
		if !ok {
			return nil, fmt.Errorf("config: invalid EXISTENTIAL_DEPOSIT: %q", v)
		}
		existential = n
	}
	c.ExistentialDeposit = existential

	return c, nil
}
