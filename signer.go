package agentpay

import "math/big"

// Signer constructs signed payment credentials on behalf of a payer wallet.
// Implementations are chain-specific; see the evm package.
type Signer interface {
	// Address returns the payer address credentials will name as signer.
	Address() string

	// ChainID returns the chain this signer issues credentials for.
	ChainID() int64

	// CanSign reports whether this signer can satisfy the payment option.
	CanSign(option *PaymentOption) bool

	// Sign creates a signed credential for the given payment option.
	// Returns an error if signing fails or the amount exceeds the
	// signer's per-call limit.
	Sign(option *PaymentOption) (*PaymentAuthorization, error)

	// Priority returns the signer's priority. Lower numbers are
	// preferred when several signers can satisfy an option.
	Priority() int

	// MaxAmount returns the per-call spend ceiling in atomic units,
	// or nil if unbounded.
	MaxAmount() *big.Int
}
