package facilitator

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/agentrails/agentpay"
	"github.com/agentrails/agentpay/retry"
)

// SettlementClient settles verified credentials through a Facilitator,
// enforcing the authorization ceiling and nonce-keyed idempotency. A
// credential settles at most once; repeated calls return the original
// receipt without touching the chain again. Facilitator outages are
// retried with backoff while the nonce is held, which is safe because
// the facilitator call is idempotent per nonce.
type SettlementClient struct {
	facilitator Facilitator
	nonces      NonceStore
	logger      *slog.Logger
	retries     retry.Config
}

// SettlementOption configures a SettlementClient.
type SettlementOption func(*SettlementClient)

// WithNonceStore replaces the default in-memory idempotency store.
func WithNonceStore(store NonceStore) SettlementOption {
	return func(c *SettlementClient) {
		c.nonces = store
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) SettlementOption {
	return func(c *SettlementClient) {
		c.logger = logger
	}
}

// WithRetryPolicy overrides the backoff applied to transient facilitator
// failures. A MaxAttempts of 1 disables retries.
func WithRetryPolicy(config retry.Config) SettlementOption {
	return func(c *SettlementClient) {
		c.retries = config
	}
}

// NewSettlementClient creates a settlement client over the facilitator.
func NewSettlementClient(f Facilitator, opts ...SettlementOption) *SettlementClient {
	c := &SettlementClient{
		facilitator: f,
		nonces:      NewMemoryNonceStore(),
		logger:      slog.Default(),
		retries:     retry.DefaultConfig,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Settle charges a verified credential. actualAmount, when non-nil, is the
// amount to charge instead of the full authorization (services that metered
// less than the maximum); it must not exceed the authorized amount.
//
// A repeat call with the same nonce returns the recorded settlement. A
// failed or timed-out attempt releases the nonce so an idempotent retry can
// proceed, and never reports a charge.
func (c *SettlementClient) Settle(ctx context.Context, auth *agentpay.PaymentAuthorization, actualAmount *big.Int) (*agentpay.Settlement, error) {
	chain, ok := agentpay.ChainByID(auth.ChainID)
	if !ok {
		return nil, fmt.Errorf("%w: chain ID %d", agentpay.ErrUnsupportedChain, auth.ChainID)
	}

	authorized, err := auth.AmountBig()
	if err != nil {
		return nil, err
	}

	charge := authorized
	if actualAmount != nil {
		if actualAmount.Cmp(authorized) > 0 {
			return nil, fmt.Errorf("%w: attempted %s, authorized %s",
				agentpay.ErrAmountExceedsAuthorization, actualAmount, authorized)
		}
		charge = actualAmount
	}

	prior, err := c.nonces.Begin(ctx, auth.Nonce)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		c.logger.Info("settlement replay detected, returning recorded receipt",
			"nonce", auth.Nonce, "tx", prior.TxHash)
		return prior, nil
	}

	resp, err := retry.WithRetry(ctx, c.retries, retry.Transient, func() (*SettleResponse, error) {
		return c.facilitator.Settle(ctx, &SettleRequest{
			PaymentData: auth,
			Amount:      charge.String(),
			ChainID:     chain.ChainID,
		})
	})
	if err != nil {
		if abortErr := c.nonces.Abort(ctx, auth.Nonce); abortErr != nil {
			c.logger.Error("failed to release nonce after settlement error",
				"nonce", auth.Nonce, "error", abortErr)
		}
		return nil, err
	}

	settlement := &agentpay.Settlement{
		Settled:       true,
		TxHash:        resp.TransactionHash,
		AmountCharged: charge.String(),
		ChainID:       chain.ChainID,
		Payer:         auth.Signer,
	}
	if err := c.nonces.Complete(ctx, auth.Nonce, settlement); err != nil {
		// The transfer happened; losing the receipt record must not
		// fail the settlement, but it weakens replay protection.
		c.logger.Error("failed to record settlement receipt",
			"nonce", auth.Nonce, "tx", settlement.TxHash, "error", err)
	}

	c.logger.Info("payment settled",
		"nonce", auth.Nonce, "tx", settlement.TxHash,
		"amount", settlement.AmountCharged, "chain", chain.Network)
	return settlement, nil
}
