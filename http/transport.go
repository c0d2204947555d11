package http

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/agentrails/agentpay"
	"github.com/agentrails/agentpay/encoding"
)

// Transport is a RoundTripper that pays its way through 402 challenges.
// It wraps a base transport; when a request comes back 402 it selects a
// signer for one of the challenge's options, attaches a signed credential
// and retries the request once.
type Transport struct {
	// Base is the underlying RoundTripper. Defaults to
	// http.DefaultTransport.
	Base http.RoundTripper

	// Signers are the wallets available to pay with.
	Signers []agentpay.Signer

	// Authorize, when set, is consulted before signing. It receives the
	// transfer the selected option asks for, in minor currency units.
	// Returning an error aborts the payment before anything is signed.
	Authorize func(ctx context.Context, transfer agentpay.ProposedTransfer) error

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// RoundTrip implements http.RoundTripper. Requests with a body must be
// replayable (GetBody set, as with bytes.Reader bodies) for the paid
// retry to work.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}

	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	challenge, err := parsePaymentRequirements(resp)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agentpay.ErrPaymentRequired, err)
	}

	option, signer, err := agentpay.SelectOption(challenge, t.Signers)
	if err != nil {
		return nil, err
	}

	if t.Authorize != nil {
		transfer, err := optionTransfer(option)
		if err != nil {
			return nil, err
		}
		if err := t.Authorize(req.Context(), transfer); err != nil {
			logger.Warn("payment blocked by guard",
				"url", req.URL.String(),
				"amount", option.MaxAmount,
				"error", err)
			return nil, err
		}
	}

	auth, err := signer.Sign(option)
	if err != nil {
		return nil, err
	}
	header, err := encoding.EncodeAuthorization(auth)
	if err != nil {
		return nil, err
	}

	logger.Info("paying for resource",
		"url", req.URL.String(),
		"network", option.Network,
		"amount", option.MaxAmount,
		"signer", signer.Address())

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("replay request body: %w", err)
		}
		retry.Body = body
	}
	retry.Header.Set(agentpay.PaymentHeader, header)

	paidResp, err := base.RoundTrip(retry)
	if err != nil {
		return nil, err
	}

	if receipt := paidResp.Header.Get(agentpay.PaymentResponseHeader); receipt != "" {
		if settlement, err := encoding.DecodeSettlement(receipt); err == nil && settlement.Settled {
			logger.Info("payment settled",
				"url", req.URL.String(),
				"txHash", settlement.TxHash)
		}
	}
	return paidResp, nil
}

// optionTransfer converts a payment option into the minor-unit transfer
// the guard evaluates.
func optionTransfer(option *agentpay.PaymentOption) (agentpay.ProposedTransfer, error) {
	chain, ok := agentpay.ChainByID(option.ChainID)
	if !ok {
		return agentpay.ProposedTransfer{}, fmt.Errorf("%w: chain %d", agentpay.ErrUnsupportedChain, option.ChainID)
	}
	atomic, ok := new(big.Int).SetString(option.MaxAmount, 10)
	if !ok {
		return agentpay.ProposedTransfer{}, fmt.Errorf("%w: %q", agentpay.ErrInvalidAmount, option.MaxAmount)
	}
	return agentpay.ProposedTransfer{
		To:     option.PayTo,
		Amount: agentpay.AtomicToMinor(atomic, chain.USDCDecimals),
		Asset:  option.Asset,
	}, nil
}

// NewClient returns an http.Client whose transport pays 402 challenges
// with the given signers.
func NewClient(signers ...agentpay.Signer) *http.Client {
	return &http.Client{
		Transport: &Transport{Signers: signers},
	}
}
