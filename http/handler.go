package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/agentrails/agentpay"
	"github.com/agentrails/agentpay/encoding"
)

// sendPaymentRequired writes a 402 challenge. The body enumerates every
// accepted payment option; the first option is mirrored into X-Payment-*
// headers for clients that only inspect headers.
func sendPaymentRequired(w http.ResponseWriter, options []agentpay.PaymentOption, reason string) {
	challenge := agentpay.PaymentChallenge{
		Accepts: options,
		Error:   reason,
	}
	if len(options) > 0 {
		challenge.Price = options[0].MaxAmount

		w.Header().Set("X-Payment-Required", "true")
		w.Header().Set("X-Payment-Network", options[0].Network)
		w.Header().Set("X-Payment-Amount", options[0].MaxAmount)
		w.Header().Set("X-Payment-Asset", options[0].Asset)
		w.Header().Set("X-Payment-PayTo", options[0].PayTo)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(challenge)
}

// parsePaymentHeader decodes the X-PAYMENT header of a request.
func parsePaymentHeader(r *http.Request) (*agentpay.PaymentAuthorization, error) {
	header := r.Header.Get(agentpay.PaymentHeader)
	if header == "" {
		return nil, fmt.Errorf("%w: missing %s header", agentpay.ErrMalformedCredential, agentpay.PaymentHeader)
	}
	return encoding.DecodeAuthorization(header)
}

// addPaymentResponseHeader attaches the settlement receipt to the response.
func addPaymentResponseHeader(w http.ResponseWriter, settlement *agentpay.Settlement) error {
	encoded, err := encoding.EncodeSettlement(settlement)
	if err != nil {
		return err
	}
	w.Header().Set(agentpay.PaymentResponseHeader, encoded)
	return nil
}

// parsePaymentRequirements reads the challenge body of a 402 response.
func parsePaymentRequirements(resp *http.Response) (*agentpay.PaymentChallenge, error) {
	var challenge agentpay.PaymentChallenge
	if err := json.NewDecoder(resp.Body).Decode(&challenge); err != nil {
		return nil, fmt.Errorf("decode payment challenge: %w", err)
	}
	if len(challenge.Accepts) == 0 {
		return nil, errors.New("payment challenge lists no accepted options")
	}
	return &challenge, nil
}
