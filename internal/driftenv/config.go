package driftenv

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// Env selects a Drift deployment.
type Env string

const (
	EnvDevnet  Env = "devnet"
	EnvMainnet Env = "mainnet"
)

// Commitment is the Solana RPC commitment level used for subscriptions and
// snapshot reads.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

var DriftProgramID = solana.MustPublicKeyFromBase58("dRiftyHA39MWEi3m9aunc5MzRF1JYuBsbn6VPcn33UH")

var VaultProgramID = solana.MustPublicKeyFromBase58("vAuLTsyrvSfZRuRB3XgvkPwNGgYSs9YRYymVebLKoxR")

// Config carries the per-environment addresses and default endpoints.
type Config struct {
	Env Env

	SequencerProgramID       solana.PublicKey
	PythOracleMappingAddress solana.PublicKey
	USDCMintAddress          solana.PublicKey

	DefaultHTTP string
	DefaultWS   string

	MarketLookupTables []solana.PublicKey
}

var configs = map[Env]Config{
	EnvDevnet: {
		Env:                      EnvDevnet,
		SequencerProgramID:       solana.MustPublicKeyFromBase58("FBngRHN4s5cmHagqy3Zd6xcK3zPJBeX5DixtHFbBhyCn"),
		PythOracleMappingAddress: solana.MustPublicKeyFromBase58("BmA9Z6FjioHJPpjT39QazZyhDRUdZy2ezwx4GiDdE2u2"),
		USDCMintAddress:          solana.MustPublicKeyFromBase58("8zGuJQqwhZafTah7Uc7Z4tXRnguqkn5KLFAP8oV6PHe2"),
		DefaultHTTP:              "https://api.devnet.solana.com",
		DefaultWS:                "wss://api.devnet.solana.com",
		MarketLookupTables: []solana.PublicKey{
			solana.MustPublicKeyFromBase58("FaMS3U4uBojvGn5FSDEPimddcXsCfwkKsFgMVVnDdxGb"),
		},
	},
	EnvMainnet: {
		Env:                      EnvMainnet,
		SequencerProgramID:       solana.MustPublicKeyFromBase58("GDDMwNyyx8uB6zrqwBFHjLLG3TBYk2F8Az4yrQC5RzMp"),
		PythOracleMappingAddress: solana.MustPublicKeyFromBase58("AHtgzX45WTKfkPG53L6WYhGEXwQkN1BVknET3sVsLL8J"),
		USDCMintAddress:          solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"),
		DefaultHTTP:              "https://api.mainnet-beta.solana.com",
		DefaultWS:                "wss://api.mainnet-beta.solana.com",
		MarketLookupTables: []solana.PublicKey{
			solana.MustPublicKeyFromBase58("Fpys8GRa5RBWfyeN7AaDUwFGD1zkDCA4z3t4CJLV8dfL"),
			solana.MustPublicKeyFromBase58("EiWSskK5HXnBTptiS5DH6gpAJRVNQ3cAhTKBGaiaysAb"),
		},
	},
}

// ForEnv returns the configuration for env.
func ForEnv(env Env) (Config, error) {
	cfg, ok := configs[env]
	if !ok {
		return Config{}, fmt.Errorf("unknown drift env %q (want devnet or mainnet)", env)
	}
	return cfg, nil
}

// WSURLFromHTTP derives a websocket endpoint from an http(s) RPC endpoint.
func WSURLFromHTTP(httpURL string) (string, error) {
	httpURL = strings.TrimSpace(httpURL)
	u, err := url.Parse(httpURL)
	if err != nil {
		return "", fmt.Errorf("parse rpc url %q: %w", httpURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already a websocket endpoint
	default:
		return "", fmt.Errorf("rpc url must be http(s), got %q", httpURL)
	}
	return u.String(), nil
}
