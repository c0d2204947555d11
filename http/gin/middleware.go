// Package gin provides Gin-compatible payment gating middleware. Unlike
// the stdlib middleware, it settles before running the handler: Gin's
// writer cannot be wrapped to intercept the commit point, so a handler
// error after settlement does not refund the payment.
package gin

import (
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentrails/agentpay"
	"github.com/agentrails/agentpay/encoding"
	agentpayhttp "github.com/agentrails/agentpay/http"
)

// PaymentKey is the Gin context key holding the *agentpay.VerifiedPayment.
const PaymentKey = "agentpay_payment"

// NewPaymentMiddleware returns a Gin middleware that gates handlers behind
// payment.
//
// Example usage:
//
//	config := &agentpayhttp.Config{
//	    PayTo:   "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
//	    Price:   "10000",
//	    Settler: settlementClient,
//	}
//	r := gin.Default()
//	r.Use(ginpay.NewPaymentMiddleware(config))
//	r.GET("/protected", func(c *gin.Context) {
//	    payment := c.MustGet(ginpay.PaymentKey).(*agentpay.VerifiedPayment)
//	    c.JSON(200, gin.H{"payer": payment.Payer})
//	})
func NewPaymentMiddleware(config *agentpayhttp.Config) gin.HandlerFunc {
	if err := config.Validate(); err != nil {
		panic("agentpay: " + err.Error())
	}
	verifier := config.Verifier
	if verifier == nil {
		verifier = agentpay.NewVerifier()
	}
	chains := config.Chains
	if len(chains) == 0 {
		chains = agentpay.SupportedChains()
	}
	minAmount, _ := new(big.Int).SetString(config.Price, 10)

	return func(c *gin.Context) {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		resource := scheme + "://" + c.Request.Host + c.Request.URL.Path

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

		header := c.GetHeader(agentpay.PaymentHeader)
		if header == "" {
			sendPaymentRequired(c, options, "payment required")
			return
		}

		auth, err := encoding.DecodeAuthorization(header)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payment header"})
			return
		}

		verified, err := verifier.Verify(auth, resource, minAmount)
		if err != nil {
			sendPaymentRequired(c, options, err.Error())
			return
		}

		if !config.VerifyOnly {
			var charge *big.Int
			if minAmount.Sign() > 0 {
				charge = minAmount
			}
			settlement, err := config.Settler.Settle(c.Request.Context(), auth, charge)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "payment settlement failed"})
				return
			}
			if encoded, err := encoding.EncodeSettlement(settlement); err == nil {
				c.Header(agentpay.PaymentResponseHeader, encoded)
			}
		}

		c.Set(PaymentKey, verified)
		c.Next()
	}
}

func sendPaymentRequired(c *gin.Context, options []agentpay.PaymentOption, reason string) {
	challenge := agentpay.PaymentChallenge{Accepts: options, Error: reason}
	if len(options) > 0 {
		challenge.Price = options[0].MaxAmount
		c.Header("X-Payment-Required", "true")
		c.Header("X-Payment-Network", options[0].Network)
		c.Header("X-Payment-Amount", options[0].MaxAmount)
		c.Header("X-Payment-Asset", options[0].Asset)
		c.Header("X-Payment-PayTo", options[0].PayTo)
	}
	c.AbortWithStatusJSON(http.StatusPaymentRequired, challenge)
}
