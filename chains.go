package tollbooth

import "strings"

// ChainAsset describes a known asset on a supported network: its on-chain
// address, decimal count, and EIP-3009 signing domain for EVM chains.
type ChainAsset struct {
	// Network is the x402 network identifier (e.g., "base").
	Network string

	// Symbol is the human asset name used in config (e.g., "USDC").
	Symbol string

	// Address is the token contract address.
	Address string

	// Decimals is the number of decimal places for the asset.
	Decimals int

	// EIP3009Name is the signing domain "name" (empty for non-EVM chains).
	EIP3009Name string

	// EIP3009Version is the signing domain "version".
	EIP3009Version string
}

// Known asset registrations. USDC addresses verified against Circle's
// published contract list.
var (
	// USDCBase is USDC on Base mainnet.
	USDCBase = ChainAsset{
		Network:        "base",
		Symbol:         "USDC",
		Address:        "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	}

	// USDCBaseSepolia is USDC on the Base Sepolia testnet.
	USDCBaseSepolia = ChainAsset{
		Network:        "base-sepolia",
		Symbol:         "USDC",
		Address:        "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Decimals:       6,
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
	}
)

var knownAssets = []ChainAsset{USDCBase, USDCBaseSepolia}

// LookupAsset resolves a human asset name on a network to its chain entry.
// Matching is case-insensitive on both symbol and network. The second return
// is false when the pair is not in the table; callers then treat the config
// value as a literal on-chain address.
func LookupAsset(symbol, network string) (ChainAsset, bool) {
	for _, a := range knownAssets {
		if strings.EqualFold(a.Symbol, symbol) && strings.EqualFold(a.Network, network) {
			return a, true
		}
	}
	return ChainAsset{}, false
}

// AssetDecimals returns the decimal count used when parsing price strings for
// the named asset: USDC=6, DAI=18, anything else defaults to 6.
func AssetDecimals(symbol string) int {
	switch strings.ToUpper(symbol) {
	case "USDC":
		return 6
	case "DAI":
		return 18
	default:
		return 6
	}
}
