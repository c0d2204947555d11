package agentpay

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Verifier validates payment credentials on the resource-server side.
// Verification is pure: it never marks a credential consumed, so a
// verified-but-unsettled credential can be re-verified without side effects.
type Verifier struct {
	now func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithClock overrides the verifier's clock. Used in tests and by callers
// that need deterministic expiry checks.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier creates a Verifier with the given options.
func NewVerifier(opts ...VerifierOption) *Verifier {
	v := &Verifier{now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks a credential against the expected resource and minimum
// amount. Checks run in order and short-circuit on the first failure:
// resource match, amount sufficiency, expiry, signature recovery.
func (v *Verifier) Verify(auth *PaymentAuthorization, resource string, minAmount *big.Int) (*VerifiedPayment, error) {
	if err := auth.Validate(); err != nil {
		return nil, err
	}

	if auth.Resource != resource {
		return nil, fmt.Errorf("%w: credential issued for %q, expected %q",
			ErrResourceMismatch, auth.Resource, resource)
	}

	amount, err := auth.AmountBig()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}
	if minAmount != nil && amount.Cmp(minAmount) < 0 {
		return nil, fmt.Errorf("%w: authorized %s, required %s",
			ErrInsufficientAmount, amount, minAmount)
	}

	if auth.ValidUntil <= v.now().Unix() {
		return nil, fmt.Errorf("%w: validUntil %d", ErrExpired, auth.ValidUntil)
	}

	payer, err := RecoverSigner(auth)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(payer.Hex(), auth.Signer) {
		return nil, fmt.Errorf("%w: signature recovers to %s, credential names %s",
			ErrInvalidSignature, payer.Hex(), auth.Signer)
	}

	return &VerifiedPayment{
		Authorization: auth,
		Payer:         payer.Hex(),
		Amount:        amount,
	}, nil
}

// RecoverSigner recovers the address that signed the credential's canonical
// payload. The signature is an EIP-191 personal-message signature with the
// recovery byte in either {0,1} or {27,28} form.
func RecoverSigner(auth *PaymentAuthorization) (common.Address, error) {
	payload, err := auth.SigningBytes()
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(auth.Signature, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: signature is not hex", ErrInvalidSignature)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: signature length %d", ErrInvalidSignature, len(sig))
	}

	// crypto.SigToPub expects the recovery byte in {0,1}.
	recovery := make([]byte, crypto.SignatureLength)
	copy(recovery, sig)
	if recovery[64] >= 27 {
		recovery[64] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(payload), recovery)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
