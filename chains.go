// Package agentpay implements a signed, replay-resistant bearer-payment
// protocol for autonomous agents, together with the guardrails that gate
// every outgoing spend. The root package holds the credential types, the
// verifier, and the chain registry; signing, settlement, guard policy, and
// HTTP integration live in subpackages.
package agentpay

import "strings"

// ChainConfig describes a supported settlement network.
type ChainConfig struct {
	// Network is the x402 network identifier (e.g., "avalanche-fuji").
	Network string

	// ChainID is the EVM chain ID.
	ChainID int64

	// RPCURL is the public JSON-RPC endpoint for balance reads.
	RPCURL string

	// USDCAddress is the USDC token contract address on this chain.
	// The zero address means payments use the native token.
	USDCAddress string

	// USDCDecimals is the token's decimal count (6 for USDC).
	USDCDecimals uint8
}

// Supported chain configurations.
var (
	// Avalanche is the Avalanche C-Chain mainnet.
	Avalanche = ChainConfig{
		Network:      "avalanche",
		ChainID:      43114,
		RPCURL:       "https://api.avax.network/ext/bc/C/rpc",
		USDCAddress:  "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
		USDCDecimals: 6,
	}

	// AvalancheFuji is the Avalanche Fuji testnet.
	AvalancheFuji = ChainConfig{
		Network:      "avalanche-fuji",
		ChainID:      43113,
		RPCURL:       "https://api.avax-test.network/ext/bc/C/rpc",
		USDCAddress:  "0x5425890298aed601595a70AB815c96711a31Bc65",
		USDCDecimals: 6,
	}

	// KiteTestnet is the Kite agent-payments testnet. Payments use the
	// native KITE token, so the asset address is the zero address.
	KiteTestnet = ChainConfig{
		Network:      "kite-testnet",
		ChainID:      2368,
		RPCURL:       "https://rpc-testnet.gokite.ai",
		USDCAddress:  "0x0000000000000000000000000000000000000000",
		USDCDecimals: 18,
	}

	// Base is the Base mainnet.
	Base = ChainConfig{
		Network:      "base",
		ChainID:      8453,
		RPCURL:       "https://mainnet.base.org",
		USDCAddress:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		USDCDecimals: 6,
	}

	// BaseSepolia is the Base Sepolia testnet.
	BaseSepolia = ChainConfig{
		Network:      "base-sepolia",
		ChainID:      84532,
		RPCURL:       "https://sepolia.base.org",
		USDCAddress:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		USDCDecimals: 6,
	}
)

var chains = []ChainConfig{Avalanche, AvalancheFuji, KiteTestnet, Base, BaseSepolia}

// ChainByID resolves a chain configuration by its chain ID.
func ChainByID(chainID int64) (ChainConfig, bool) {
	for _, c := range chains {
		if c.ChainID == chainID {
			return c, true
		}
	}
	return ChainConfig{}, false
}

// ChainByNetwork resolves a chain configuration by its network identifier.
func ChainByNetwork(network string) (ChainConfig, bool) {
	for _, c := range chains {
		if strings.EqualFold(c.Network, network) {
			return c, true
		}
	}
	return ChainConfig{}, false
}

// SupportedChains returns every chain configuration the module knows about.
func SupportedChains() []ChainConfig {
	out := make([]ChainConfig, len(chains))
	copy(out, chains)
	return out
}
