// Package http provides payment gating middleware for resource servers and
// a paying RoundTripper for clients. The middleware challenges unpaid
// requests with HTTP 402, verifies presented credentials locally, and
// settles them through a facilitator only after the protected handler
// commits to a success response.
package http

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"

	"github.com/agentrails/agentpay"
)

// Settler settles a verified payment authorization. It is satisfied by
// facilitator.SettlementClient.
type Settler interface {
	Settle(ctx context.Context, auth *agentpay.PaymentAuthorization, actualAmount *big.Int) (*agentpay.Settlement, error)
}

// Config holds the configuration for the payment middleware.
type Config struct {
	// PayTo is the address payments must be made out to.
	PayTo string

	// Price is the required amount in atomic token units.
	Price string

	// Chains lists the chains payments are accepted on. Defaults to
	// every supported chain.
	Chains []agentpay.ChainConfig

	// Verifier validates presented credentials. Defaults to a verifier
	// with the real clock.
	Verifier *agentpay.Verifier

	// Settler charges verified credentials. Required unless VerifyOnly.
	Settler Settler

	// VerifyOnly skips settlement; the credential is verified but never
	// charged.
	VerifyOnly bool

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Validate reports whether the configuration is usable. The middleware
// constructors panic on the first error: a non-numeric price or a
// missing settler would gate resources behind a free or unchargeable
// credential.
func (c *Config) Validate() error {
	if amount, ok := new(big.Int).SetString(c.Price, 10); !ok || amount.Sign() < 0 {
		return fmt.Errorf("%w: price %q", agentpay.ErrInvalidAmount, c.Price)
	}
	if c.Settler == nil && !c.VerifyOnly {
		return errors.New("settler is required unless VerifyOnly is set")
	}
	return nil
}

// validateConfig panics on an unusable configuration and returns the
// parsed minimum amount in atomic units.
func validateConfig(config *Config) *big.Int {
	if err := config.Validate(); err != nil {
		panic("agentpay: " + err.Error())
	}
	minAmount, _ := new(big.Int).SetString(config.Price, 10)
	return minAmount
}

// contextKey is a private type so context values cannot collide.
type contextKey string

// PaymentContextKey carries the *agentpay.VerifiedPayment of the request.
const PaymentContextKey = contextKey("agentpay_payment")

// VerifiedPayment returns the verified payment attached to the request by
// the middleware, or nil when the request was not payment-gated.
func VerifiedPayment(r *http.Request) *agentpay.VerifiedPayment {
	vp, _ := r.Context().Value(PaymentContextKey).(*agentpay.VerifiedPayment)
	return vp
}

// NewPaymentMiddleware wraps handlers with payment gating. Requests
// without a valid X-PAYMENT credential receive a 402 challenge. Valid
// credentials are verified before the handler runs and settled only when
// the handler commits a success status, so failed requests are never
// charged.
//
// Misconfiguration panics at construction time rather than surfacing per
// request: a non-numeric Price or a missing Settler would otherwise gate
// resources behind an unchargeable or free credential.
func NewPaymentMiddleware(config *Config) func(http.Handler) http.Handler {
	minAmount := validateConfig(config)

	verifier := config.Verifier
	if verifier == nil {
		verifier = agentpay.NewVerifier()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	chains := config.Chains
	if len(chains) == 0 {
		chains = agentpay.SupportedChains()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme := "http"
			if r.TLS != nil {
				scheme = "https"
			}
			resource := scheme + "://" + r.Host + r.URL.Path

			options := make([]agentpay.PaymentOption, len(chains))
			for i, chain := range chains {
				options[i] = agentpay.PaymentOption{
					Scheme:    agentpay.Scheme,
					Network:   chain.Network,
					ChainID:   chain.ChainID,
					Asset:     chain.USDCAddress,
					PayTo:     config.PayTo,
					MaxAmount: config.Price,
					Resource:  resource,
				}
			}

			if r.Header.Get(agentpay.PaymentHeader) == "" {
				logger.Info("payment required", "path", r.URL.Path)
				sendPaymentRequired(w, options, "payment required")
				return
			}

			auth, err := parsePaymentHeader(r)
			if err != nil {
				logger.Warn("malformed payment header", "error", err)
				http.Error(w, "invalid payment header", http.StatusBadRequest)
				return
			}

			verified, err := verifier.Verify(auth, resource, minAmount)
			if err != nil {
				logger.Warn("payment rejected",
					"path", r.URL.Path,
					"nonce", auth.Nonce,
					"error", err)
				sendPaymentRequired(w, options, err.Error())
				return
			}

			logger.Info("payment verified",
				"payer", verified.Payer,
				"amount", auth.Amount,
				"nonce", auth.Nonce)

			r = r.WithContext(context.WithValue(r.Context(), PaymentContextKey, verified))

			interceptor := &settlementInterceptor{
				w: w,
				settleFunc: func() bool {
					if config.VerifyOnly {
						return true
					}

					// Charge the advertised price even when the credential
					// authorizes more.
					var charge *big.Int
					if minAmount.Sign() > 0 {
						charge = minAmount
					}
					settlement, err := config.Settler.Settle(r.Context(), auth, charge)
					if err != nil {
						logger.Error("settlement failed",
							"nonce", auth.Nonce,
							"error", err)
						http.Error(w, "payment settlement failed", http.StatusServiceUnavailable)
						return false
					}

					if err := addPaymentResponseHeader(w, settlement); err != nil {
						logger.Warn("failed to attach settlement receipt", "error", err)
					}
					return true
				},
				onFailure: func(statusCode int) {
					logger.Warn("handler failed, payment not settled",
						"status", statusCode,
						"nonce", auth.Nonce)
				},
			}
			next.ServeHTTP(interceptor, r)
		})
	}
}

// settlementInterceptor defers settlement to the moment the handler
// commits a response. Error statuses pass through unsettled; success
// statuses trigger settlement first and are replaced with a 503 when it
// fails.
type settlementInterceptor struct {
	w          http.ResponseWriter
	settleFunc func() bool
	onFailure  func(statusCode int)
	committed  bool
	hijacked   bool
}

func (i *settlementInterceptor) Header() http.Header {
	return i.w.Header()
}

func (i *settlementInterceptor) Write(b []byte) (int, error) {
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}
	// After a failed settlement the error response is already written;
	// the handler's payload is discarded to avoid a mixed body.
	if i.hijacked {
		return len(b), nil
	}
	return i.w.Write(b)
}

func (i *settlementInterceptor) WriteHeader(statusCode int) {
	if i.committed {
		return
	}
	i.committed = true

	if statusCode >= 400 {
		if i.onFailure != nil {
			i.onFailure(statusCode)
		}
		i.w.WriteHeader(statusCode)
		return
	}

	if !i.settleFunc() {
		i.hijacked = true
		return
	}

	i.w.WriteHeader(statusCode)
}

// Flush implements http.Flusher for streaming handlers.
func (i *settlementInterceptor) Flush() {
	if flusher, ok := i.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker.
func (i *settlementInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := i.w.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, errors.New("hijacking not supported")
}

// Push implements http.Pusher.
func (i *settlementInterceptor) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := i.w.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}
