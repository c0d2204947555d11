package facilitator

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// JWTAuthorization builds an AuthorizationProvider that mints short-lived
// ES256 bearer tokens from a PEM-encoded EC private key. Facilitators that
// require authenticated callers accept these as "Bearer <token>".
//
// Each call issues a fresh token, so expired tokens never need refreshing.
func JWTAuthorization(keyID, pemKey, audience string, ttl time.Duration) (AuthorizationProvider, error) {
	key, err := parseECKey(pemKey)
	if err != nil {
		return nil, err
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: key},
		(&jose.SignerOptions{}).WithHeader("kid", keyID).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	if ttl <= 0 {
		ttl = 2 * time.Minute
	}

	return func() (string, error) {
		now := time.Now()
		claims := jwt.Claims{
			Issuer:    keyID,
			Audience:  jwt.Audience{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(now.Add(ttl)),
		}
		token, err := jwt.Signed(signer).Claims(claims).CompactSerialize()
		if err != nil {
			return "", fmt.Errorf("failed to sign token: %w", err)
		}
		return "Bearer " + token, nil
	}, nil
}

func parseECKey(pemKey string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, fmt.Errorf("invalid PEM block in facilitator key")
	}

	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	// PKCS8 wrapping is common for exported keys.
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse facilitator key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("facilitator key must be an EC private key, got %T", parsed)
	}
	return key, nil
}
