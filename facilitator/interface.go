// Package facilitator settles verified payment credentials through an
// external on-chain settlement service, with nonce-keyed idempotency so a
// credential can never be charged twice.
package facilitator

import (
	"context"

	"github.com/agentrails/agentpay"
)

// SettleRequest is the payload sent to a facilitator's settle endpoint.
type SettleRequest struct {
	// PaymentData is the verified credential authorizing the transfer.
	PaymentData *agentpay.PaymentAuthorization `json:"paymentData"`

	// Amount is the amount to actually charge, in atomic units.
	Amount string `json:"amount"`

	// ChainID identifies the settlement network.
	ChainID int64 `json:"chainId"`
}

// SettleResponse is a facilitator's successful settlement result.
type SettleResponse struct {
	// TransactionHash is the on-chain transaction hash.
	TransactionHash string `json:"transactionHash"`
}

// Facilitator executes the on-chain value transfer for a verified credential.
type Facilitator interface {
	// Settle performs the transfer. Implementations must not retry
	// internally; retry policy belongs to the caller, keyed by nonce.
	Settle(ctx context.Context, req *SettleRequest) (*SettleResponse, error)
}

// AuthorizationProvider returns an Authorization header value for a
// facilitator request. Useful for short-lived bearer tokens.
type AuthorizationProvider func() (string, error)
