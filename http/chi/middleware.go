// Package chi provides Chi-compatible payment gating middleware. It is a
// thin adapter over the stdlib middleware that additionally bypasses CORS
// preflight requests.
package chi

import (
	"net/http"

	agentpayhttp "github.com/agentrails/agentpay/http"
)

// NewPaymentMiddleware returns a Chi middleware that gates handlers behind
// payment. OPTIONS requests pass through unpaid so CORS preflight works.
//
// Example usage:
//
//	config := &agentpayhttp.Config{
//	    PayTo:   "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
//	    Price:   "10000",
//	    Settler: settlementClient,
//	}
//	r := chi.NewRouter()
//	r.Use(chi.NewPaymentMiddleware(config))
//	r.Get("/protected", func(w http.ResponseWriter, r *http.Request) {
//	    payment := agentpayhttp.VerifiedPayment(r)
//	    w.Write([]byte("paid by " + payment.Payer))
//	})
func NewPaymentMiddleware(config *agentpayhttp.Config) func(http.Handler) http.Handler {
	gate := agentpayhttp.NewPaymentMiddleware(config)
	return func(next http.Handler) http.Handler {
		gated := gate(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			gated.ServeHTTP(w, r)
		})
	}
}
