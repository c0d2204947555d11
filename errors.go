package agentpay

import (
	"errors"
	"fmt"
)

// Error taxonomy. Verification and guard failures are always surfaced,
// never defaulted to allow.

var (
	// ErrMalformedCredential indicates the payment header is not valid
	// base64, not valid JSON, or missing a required field.
	ErrMalformedCredential = errors.New("malformed payment credential")

	// ErrResourceMismatch indicates the credential was issued for a
	// different resource URL.
	ErrResourceMismatch = errors.New("credential resource mismatch")

	// ErrInsufficientAmount indicates the authorized amount is below the
	// price of the resource.
	ErrInsufficientAmount = errors.New("insufficient payment amount")

	// ErrExpired indicates the credential's validUntil has passed.
	ErrExpired = errors.New("payment credential expired")

	// ErrInvalidSignature indicates the signature does not recover to the
	// declared signer address.
	ErrInvalidSignature = errors.New("invalid credential signature")

	// ErrUnsupportedChain indicates the credential's chainId does not map
	// to a known network configuration.
	ErrUnsupportedChain = errors.New("unsupported chain")

	// ErrAmountExceedsAuthorization indicates an attempt to charge more
	// than the credential authorizes.
	ErrAmountExceedsAuthorization = errors.New("charge exceeds authorized amount")

	// ErrSettlementFailed indicates the facilitator rejected or failed the
	// on-chain transfer. Safe to retry idempotently by nonce.
	ErrSettlementFailed = errors.New("settlement failed")

	// ErrSettlementInProgress indicates another settlement attempt for the
	// same nonce has not completed yet.
	ErrSettlementInProgress = errors.New("settlement already in progress")

	// ErrFacilitatorUnavailable indicates the facilitator service could not
	// be reached.
	ErrFacilitatorUnavailable = errors.New("facilitator unavailable")

	// ErrSigningFailed indicates credential signing failed.
	ErrSigningFailed = errors.New("credential signing failed")

	// ErrInvalidKey indicates a malformed private key.
	ErrInvalidKey = errors.New("invalid private key")

	// ErrInvalidKeystore indicates a keystore file could not be read or decrypted.
	ErrInvalidKeystore = errors.New("invalid keystore")

	// ErrInvalidMnemonic indicates an invalid BIP39 mnemonic phrase.
	ErrInvalidMnemonic = errors.New("invalid mnemonic")

	// ErrInvalidAmount indicates an amount that is not a valid non-negative
	// base-10 integer.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidChain indicates a signer was configured without a usable
	// chain configuration.
	ErrInvalidChain = errors.New("invalid chain configuration")

	// ErrNoValidSigner indicates no configured signer can satisfy a
	// payment option.
	ErrNoValidSigner = errors.New("no valid signer for payment option")

	// ErrPaymentRequired indicates a 402 challenge was received and no
	// payment could be attached.
	ErrPaymentRequired = errors.New("payment required")
)

func missingField(name string) error {
	return fmt.Errorf("%w: missing field %q", ErrMalformedCredential, name)
}
