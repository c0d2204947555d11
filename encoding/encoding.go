// Package encoding converts payment credentials, challenges, and settlement
// receipts to and from their base64 wire form for HTTP header transport.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/agentrails/agentpay"
)

// EncodeAuthorization converts a credential to its opaque header value:
// base64 of the credential's JSON object.
func EncodeAuthorization(auth *agentpay.PaymentAuthorization) (string, error) {
	data, err := json.Marshal(auth)
	if err != nil {
		return "", fmt.Errorf("failed to marshal credential: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeAuthorization parses a header value back into a credential.
// Invalid base64, invalid JSON, or a missing required field all fail with
// an error wrapping agentpay.ErrMalformedCredential.
func DecodeAuthorization(encoded string) (*agentpay.PaymentAuthorization, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64", agentpay.ErrMalformedCredential)
	}

	var auth agentpay.PaymentAuthorization
	if err := json.Unmarshal(decoded, &auth); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON", agentpay.ErrMalformedCredential)
	}

	if err := auth.Validate(); err != nil {
		return nil, err
	}
	return &auth, nil
}

// EncodeSettlement converts a settlement receipt to its base64 header value
// for the X-PAYMENT-RESPONSE header.
func EncodeSettlement(settlement *agentpay.Settlement) (string, error) {
	data, err := json.Marshal(settlement)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSettlement parses a base64 settlement receipt.
func DecodeSettlement(encoded string) (*agentpay.Settlement, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var settlement agentpay.Settlement
	if err := json.Unmarshal(decoded, &settlement); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settlement: %w", err)
	}
	return &settlement, nil
}
