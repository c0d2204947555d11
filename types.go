package agentpay

import (
	"encoding/json"
	"math"
	"math/big"
)

// ProtocolVersion is the credential wire format version.
const ProtocolVersion = "1"

// Scheme is the payment scheme identifier carried in challenges.
const Scheme = "exact"

// HTTP header names, per the x402 convention.
const (
	// PaymentHeader carries the base64-encoded payment credential.
	PaymentHeader = "X-PAYMENT"

	// PaymentResponseHeader carries the base64-encoded settlement receipt.
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
)

// PaymentAuthorization is the signed, single-use bearer credential proving a
// payer authorized a specific payment. It is created by the payer, carried in
// the X-PAYMENT header, consumed exactly once by a resource server, and never
// mutated after signing.
type PaymentAuthorization struct {
	// Version is the protocol version (currently "1").
	Version string `json:"version"`

	// Resource is the URL of the resource being paid for.
	Resource string `json:"resource"`

	// Amount is the authorized payment amount in atomic token units,
	// encoded as a base-10 integer string.
	Amount string `json:"amount"`

	// Asset is the token contract address.
	Asset string `json:"asset"`

	// PayTo is the recipient address.
	PayTo string `json:"payTo"`

	// ChainID identifies the target blockchain network.
	ChainID int64 `json:"chainId"`

	// ValidUntil is the unix-seconds expiry of the credential.
	ValidUntil int64 `json:"validUntil"`

	// Nonce is an opaque random value preventing replay and keying
	// idempotent settlement.
	Nonce string `json:"nonce"`

	// Signer is the payer address the signature must recover to.
	// Excluded from the signed payload.
	Signer string `json:"signer,omitempty"`

	// Signature is the hex-encoded EIP-191 personal-message signature
	// over SigningBytes. Excluded from the signed payload.
	Signature string `json:"signature,omitempty"`
}

// SigningBytes returns the canonical payload the signature covers: compact
// JSON of every field except signer and signature, with keys in lexicographic
// order. Signer and verifier always hash identical bytes regardless of how
// the credential was constructed.
func (a *PaymentAuthorization) SigningBytes() ([]byte, error) {
	// json.Marshal sorts map keys, which is exactly the canonical order.
	payload := map[string]any{
		"amount":     a.Amount,
		"asset":      a.Asset,
		"chainId":    a.ChainID,
		"nonce":      a.Nonce,
		"payTo":      a.PayTo,
		"resource":   a.Resource,
		"validUntil": a.ValidUntil,
		"version":    a.Version,
	}
	return json.Marshal(payload)
}

// AmountBig parses the authorized amount as a big integer.
// Returns ErrInvalidAmount if the amount is not a non-negative base-10 integer.
func (a *PaymentAuthorization) AmountBig() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(a.Amount, 10)
	if !ok || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	return amount, nil
}

// Validate checks that every required credential field is present.
// Returns an error wrapping ErrMalformedCredential on the first missing field.
func (a *PaymentAuthorization) Validate() error {
	switch {
	case a.Version == "":
		return missingField("version")
	case a.Resource == "":
		return missingField("resource")
	case a.Amount == "":
		return missingField("amount")
	case a.Asset == "":
		return missingField("asset")
	case a.PayTo == "":
		return missingField("payTo")
	case a.ChainID == 0:
		return missingField("chainId")
	case a.ValidUntil == 0:
		return missingField("validUntil")
	case a.Nonce == "":
		return missingField("nonce")
	case a.Signer == "":
		return missingField("signer")
	case a.Signature == "":
		return missingField("signature")
	}
	return nil
}

// VerifiedPayment is the result of successful credential verification.
type VerifiedPayment struct {
	// Authorization is the verified credential.
	Authorization *PaymentAuthorization

	// Payer is the address recovered from the signature.
	Payer string

	// Amount is the authorized amount in atomic units.
	Amount *big.Int
}

// Settlement is the outcome of settling a credential with a facilitator.
type Settlement struct {
	// Settled indicates whether the on-chain transfer completed.
	Settled bool `json:"settled"`

	// TxHash is the blockchain transaction hash, set on success.
	TxHash string `json:"txHash,omitempty"`

	// AmountCharged is the amount actually charged, in atomic units.
	AmountCharged string `json:"amountCharged"`

	// ChainID is the network the payment was settled on.
	ChainID int64 `json:"chainId"`

	// Payer is the address that made the payment.
	Payer string `json:"payer,omitempty"`

	// ErrorReason provides details if the settlement failed.
	ErrorReason string `json:"errorReason,omitempty"`
}

// ProposedTransfer is an outgoing spend awaiting guard authorization.
// It is ephemeral and never persisted.
type ProposedTransfer struct {
	// To is the destination address.
	To string

	// Amount is the spend amount in minor currency units (e.g., cents).
	Amount int64

	// Asset optionally identifies the token being transferred.
	Asset string

	// ContractMethod optionally names the contract method being invoked.
	ContractMethod string
}

// PaymentOption is a single payment method a resource server accepts,
// enumerated in a 402 challenge.
type PaymentOption struct {
	// Scheme is the payment scheme identifier (currently "exact").
	Scheme string `json:"scheme"`

	// Network is the human-readable network name (e.g., "avalanche-fuji").
	Network string `json:"network"`

	// ChainID identifies the network.
	ChainID int64 `json:"chainId"`

	// Asset is the token contract address payments must use.
	Asset string `json:"asset"`

	// PayTo is the recipient address.
	PayTo string `json:"payTo"`

	// MaxAmount is the price in atomic units, base-10 encoded.
	MaxAmount string `json:"maxAmount"`

	// Resource is the URL of the protected resource.
	Resource string `json:"resource"`
}

// PaymentChallenge is the body of an HTTP 402 response.
type PaymentChallenge struct {
	// Accepts enumerates the payment options the server will accept.
	Accepts []PaymentOption `json:"accepts"`

	// Error is a human-readable reason payment is required.
	Error string `json:"error"`

	// Price is an optional human-readable price string.
	Price string `json:"price,omitempty"`
}

// AtomicToMinor converts an atomic token amount to minor currency units
// (cents for a dollar-pegged token). Remainders round up so a spend is never
// under-counted against a limit, and values beyond int64 saturate at
// math.MaxInt64 rather than wrapping negative.
func AtomicToMinor(atomic *big.Int, decimals uint8) int64 {
	if atomic == nil || atomic.Sign() <= 0 {
		return 0
	}
	var minor *big.Int
	if decimals <= 2 {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(2-decimals)), nil)
		minor = new(big.Int).Mul(atomic, scale)
	} else {
		divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-2)), nil)
		quo, rem := new(big.Int).QuoRem(atomic, divisor, new(big.Int))
		if rem.Sign() > 0 {
			quo.Add(quo, big.NewInt(1))
		}
		minor = quo
	}
	if !minor.IsInt64() {
		return math.MaxInt64
	}
	return minor.Int64()
}

// MinorToAtomic converts minor currency units to an atomic token amount.
func MinorToAtomic(minor int64, decimals uint8) *big.Int {
	if minor <= 0 {
		return big.NewInt(0)
	}
	if decimals <= 2 {
		divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(2-decimals)), nil)
		return new(big.Int).Quo(big.NewInt(minor), divisor)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-2)), nil)
	return new(big.Int).Mul(big.NewInt(minor), scale)
}
