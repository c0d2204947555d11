package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/agentrails/agentpay"
	"github.com/agentrails/agentpay/encoding"
	"github.com/agentrails/agentpay/evm"
)

const (
	testPayTo = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	testKey   = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

// fakeSettler records settle calls.
type fakeSettler struct {
	calls atomic.Int32
	err   error
}

func (f *fakeSettler) Settle(_ context.Context, auth *agentpay.PaymentAuthorization, actual *big.Int) (*agentpay.Settlement, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	charged := auth.Amount
	if actual != nil {
		charged = actual.String()
	}
	return &agentpay.Settlement{
		Settled:       true,
		TxHash:        "0xsettled",
		AmountCharged: charged,
		ChainID:       auth.ChainID,
		Payer:         auth.Signer,
	}, nil
}

func testConfig(settler Settler) *Config {
	return &Config{
		PayTo:   testPayTo,
		Price:   "10000",
		Chains:  []agentpay.ChainConfig{agentpay.BaseSepolia},
		Settler: settler,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestNewPaymentMiddlewareRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "non-numeric price", config: &Config{PayTo: testPayTo, Price: "ten dollars", Settler: &fakeSettler{}}},
		{name: "negative price", config: &Config{PayTo: testPayTo, Price: "-1", Settler: &fakeSettler{}}},
		{name: "missing settler", config: &Config{PayTo: testPayTo, Price: "10000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected construction to panic")
				}
			}()
			NewPaymentMiddleware(tt.config)
		})
	}

	// VerifyOnly needs no settler.
	NewPaymentMiddleware(&Config{PayTo: testPayTo, Price: "10000", VerifyOnly: true})
}

func protectedHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if VerifiedPayment(r) == nil {
			t.Error("handler ran without a verified payment in context")
		}
		w.Write([]byte("premium content"))
	})
}

// payFor signs a credential for the server's challenge and returns the
// header value.
func payFor(t *testing.T, server *httptest.Server, resource string) string {
	t.Helper()
	signer, err := evm.NewSigner(
		evm.WithPrivateKey(testKey),
		evm.WithChain(agentpay.BaseSepolia),
	)
	if err != nil {
		t.Fatal(err)
	}
	auth, err := signer.SignAuthorization(resource, big.NewInt(10000),
		agentpay.BaseSepolia.USDCAddress, testPayTo)
	if err != nil {
		t.Fatal(err)
	}
	header, err := encoding.EncodeAuthorization(auth)
	if err != nil {
		t.Fatal(err)
	}
	return header
}

func TestMiddlewareChallengesUnpaidRequest(t *testing.T) {
	settler := &fakeSettler{}
	server := httptest.NewServer(NewPaymentMiddleware(testConfig(settler))(protectedHandler(t)))
	defer server.Close()

	resp, err := http.Get(server.URL + "/premium")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
	if resp.Header.Get("X-Payment-Required") != "true" {
		t.Error("missing X-Payment-Required mirror header")
	}
	if got := resp.Header.Get("X-Payment-Amount"); got != "10000" {
		t.Errorf("X-Payment-Amount = %q, want 10000", got)
	}
	if got := resp.Header.Get("X-Payment-PayTo"); got != testPayTo {
		t.Errorf("X-Payment-PayTo = %q", got)
	}

	var challenge agentpay.PaymentChallenge
	if err := json.NewDecoder(resp.Body).Decode(&challenge); err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	if len(challenge.Accepts) != 1 {
		t.Fatalf("accepts = %d options, want 1", len(challenge.Accepts))
	}
	opt := challenge.Accepts[0]
	if opt.Scheme != agentpay.Scheme || opt.ChainID != agentpay.BaseSepolia.ChainID {
		t.Errorf("unexpected option %+v", opt)
	}
	if !strings.HasSuffix(opt.Resource, "/premium") {
		t.Errorf("resource = %q, want the requested path", opt.Resource)
	}
	if settler.calls.Load() != 0 {
		t.Error("challenge must not settle anything")
	}
}

func TestMiddlewareAcceptsValidPayment(t *testing.T) {
	settler := &fakeSettler{}
	server := httptest.NewServer(NewPaymentMiddleware(testConfig(settler))(protectedHandler(t)))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/premium", nil)
	req.Header.Set(agentpay.PaymentHeader, payFor(t, server, server.URL+"/premium"))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "premium content" {
		t.Errorf("body = %q", body)
	}
	if settler.calls.Load() != 1 {
		t.Errorf("settle calls = %d, want 1", settler.calls.Load())
	}

	receipt := resp.Header.Get(agentpay.PaymentResponseHeader)
	if receipt == "" {
		t.Fatal("missing settlement receipt header")
	}
	settlement, err := encoding.DecodeSettlement(receipt)
	if err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if !settlement.Settled || settlement.TxHash != "0xsettled" {
		t.Errorf("unexpected receipt %+v", settlement)
	}
}

func TestMiddlewareRejectsMalformedHeader(t *testing.T) {
	settler := &fakeSettler{}
	server := httptest.NewServer(NewPaymentMiddleware(testConfig(settler))(protectedHandler(t)))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/premium", nil)
	req.Header.Set(agentpay.PaymentHeader, "!!garbage!!")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestMiddlewareRejectsWrongResource(t *testing.T) {
	settler := &fakeSettler{}
	server := httptest.NewServer(NewPaymentMiddleware(testConfig(settler))(protectedHandler(t)))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/premium", nil)
	req.Header.Set(agentpay.PaymentHeader, payFor(t, server, server.URL+"/other"))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("status = %d, want 402 for a credential bound elsewhere", resp.StatusCode)
	}
	if settler.calls.Load() != 0 {
		t.Error("rejected credential must not settle")
	}
}

func TestMiddlewareSkipsSettlementOnHandlerError(t *testing.T) {
	settler := &fakeSettler{}
	failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broke", http.StatusBadGateway)
	})
	server := httptest.NewServer(NewPaymentMiddleware(testConfig(settler))(failing))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/premium", nil)
	req.Header.Set(agentpay.PaymentHeader, payFor(t, server, server.URL+"/premium"))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want handler's 502", resp.StatusCode)
	}
	if settler.calls.Load() != 0 {
		t.Error("failed request must not be charged")
	}
}

func TestMiddlewareFailsClosedOnSettlementError(t *testing.T) {
	settler := &fakeSettler{err: errors.New("facilitator down")}
	server := httptest.NewServer(NewPaymentMiddleware(testConfig(settler))(protectedHandler(t)))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/premium", nil)
	req.Header.Set(agentpay.PaymentHeader, payFor(t, server, server.URL+"/premium"))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(body), "premium content") {
		t.Error("handler payload leaked after failed settlement")
	}
}

func TestMiddlewareVerifyOnly(t *testing.T) {
	settler := &fakeSettler{}
	config := testConfig(settler)
	config.VerifyOnly = true
	server := httptest.NewServer(NewPaymentMiddleware(config)(protectedHandler(t)))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/premium", nil)
	req.Header.Set(agentpay.PaymentHeader, payFor(t, server, server.URL+"/premium"))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if settler.calls.Load() != 0 {
		t.Error("verify-only mode must not settle")
	}
}
