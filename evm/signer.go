// Package evm signs payment credentials with an EVM account key.
package evm

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/agentrails/agentpay"
)

// DefaultTTL is the credential validity window when none is configured.
// Matches the one-hour window the protocol assumes for agent requests.
const DefaultTTL = time.Hour

// Signer implements agentpay.Signer for EVM-compatible chains using EIP-191
// personal-message signatures over the credential's canonical payload.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chain      agentpay.ChainConfig
	ttl        time.Duration
	priority   int
	maxAmount  *big.Int
	now        func() time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer) error

// NewSigner creates an EVM signer. A private key (via WithPrivateKey,
// WithKeystore, or WithMnemonic) and a chain are required.
func NewSigner(opts ...SignerOption) (*Signer, error) {
	s := &Signer{
		ttl: DefaultTTL,
		now: time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.privateKey == nil {
		return nil, agentpay.ErrInvalidKey
	}
	if s.chain.ChainID == 0 {
		return nil, agentpay.ErrInvalidChain
	}

	s.address = crypto.PubkeyToAddress(s.privateKey.PublicKey)
	return s, nil
}

// WithPrivateKey sets the signing key from a hex string.
func WithPrivateKey(hexKey string) SignerOption {
	return func(s *Signer) error {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return agentpay.ErrInvalidKey
		}
		s.privateKey = key
		return nil
	}
}

// WithChain sets the chain the signer issues credentials for.
func WithChain(chain agentpay.ChainConfig) SignerOption {
	return func(s *Signer) error {
		s.chain = chain
		return nil
	}
}

// WithTTL sets the credential validity window.
func WithTTL(ttl time.Duration) SignerOption {
	return func(s *Signer) error {
		if ttl <= 0 {
			return fmt.Errorf("ttl must be positive, got %v", ttl)
		}
		s.ttl = ttl
		return nil
	}
}

// WithPriority sets the signer priority used during selection.
func WithPriority(priority int) SignerOption {
	return func(s *Signer) error {
		s.priority = priority
		return nil
	}
}

// WithMaxAmountPerCall caps the atomic amount a single credential may authorize.
func WithMaxAmountPerCall(amount string) SignerOption {
	return func(s *Signer) error {
		maxAmount, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return agentpay.ErrInvalidAmount
		}
		s.maxAmount = maxAmount
		return nil
	}
}

// WithSignerClock overrides the clock used for validUntil. Used in tests.
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) error {
		s.now = now
		return nil
	}
}

// Address implements agentpay.Signer.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// ChainID implements agentpay.Signer.
func (s *Signer) ChainID() int64 {
	return s.chain.ChainID
}

// Priority implements agentpay.Signer.
func (s *Signer) Priority() int {
	return s.priority
}

// MaxAmount implements agentpay.Signer.
func (s *Signer) MaxAmount() *big.Int {
	return s.maxAmount
}

// CanSign implements agentpay.Signer. The option must target the signer's
// chain and, when it names an asset, match the chain's payment token.
func (s *Signer) CanSign(option *agentpay.PaymentOption) bool {
	if option.ChainID != s.chain.ChainID {
		return false
	}
	if option.Scheme != "" && option.Scheme != agentpay.Scheme {
		return false
	}
	if option.Asset != "" && !strings.EqualFold(option.Asset, s.chain.USDCAddress) {
		return false
	}
	return true
}

// Sign implements agentpay.Signer. It builds a credential for the option's
// full quoted amount and signs it.
func (s *Signer) Sign(option *agentpay.PaymentOption) (*agentpay.PaymentAuthorization, error) {
	if !s.CanSign(option) {
		return nil, agentpay.ErrNoValidSigner
	}

	amount, ok := new(big.Int).SetString(option.MaxAmount, 10)
	if !ok || amount.Sign() < 0 {
		return nil, agentpay.ErrInvalidAmount
	}
	if s.maxAmount != nil && amount.Cmp(s.maxAmount) > 0 {
		return nil, fmt.Errorf("%w: option requires %s, per-call limit is %s",
			agentpay.ErrAmountExceedsAuthorization, amount, s.maxAmount)
	}

	asset := option.Asset
	if asset == "" {
		asset = s.chain.USDCAddress
	}

	return s.SignAuthorization(option.Resource, amount, asset, option.PayTo)
}

// SignAuthorization constructs and signs a credential for an arbitrary
// resource and amount. It generates a fresh random nonce, stamps the expiry,
// and signs the canonical payload.
func (s *Signer) SignAuthorization(resource string, amount *big.Int, asset, payTo string) (*agentpay.PaymentAuthorization, error) {
	nonce, err := generateNonce()
	if err != nil {
		return nil, fmt.Errorf("%w: nonce generation: %v", agentpay.ErrSigningFailed, err)
	}

	auth := &agentpay.PaymentAuthorization{
		Version:    agentpay.ProtocolVersion,
		Resource:   resource,
		Amount:     amount.String(),
		Asset:      asset,
		PayTo:      payTo,
		ChainID:    s.chain.ChainID,
		ValidUntil: s.now().Add(s.ttl).Unix(),
		Nonce:      nonce,
	}

	signature, err := signPayload(s.privateKey, auth)
	if err != nil {
		return nil, err
	}

	auth.Signer = s.address.Hex()
	auth.Signature = signature
	return auth, nil
}

// signPayload signs the credential's canonical payload as an EIP-191
// personal message and returns the 65-byte signature hex-encoded with the
// recovery byte adjusted to {27,28}.
func signPayload(key *ecdsa.PrivateKey, auth *agentpay.PaymentAuthorization) (string, error) {
	payload, err := auth.SigningBytes()
	if err != nil {
		return "", fmt.Errorf("%w: %v", agentpay.ErrSigningFailed, err)
	}

	signature, err := crypto.Sign(accounts.TextHash(payload), key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", agentpay.ErrSigningFailed, err)
	}
	signature[64] += 27

	return "0x" + hex.EncodeToString(signature), nil
}

// generateNonce returns a cryptographically random 16-byte hex nonce.
func generateNonce() (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(nonce[:]), nil
}
