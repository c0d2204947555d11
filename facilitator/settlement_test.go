package facilitator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentrails/agentpay"
	"github.com/agentrails/agentpay/retry"
)

func testAuthorization() *agentpay.PaymentAuthorization {
	return &agentpay.PaymentAuthorization{
		Version:    agentpay.ProtocolVersion,
		Resource:   "https://api.example.com/premium",
		Amount:     "10000",
		Asset:      agentpay.BaseSepolia.USDCAddress,
		PayTo:      "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		ChainID:    agentpay.BaseSepolia.ChainID,
		ValidUntil: 1893456000,
		Nonce:      "a1b2c3d4e5f60718293a4b5c6d7e8f90",
		Signer:     "0x9858EfFD232B4033E47d90003D41EC34EcaEda94",
		Signature:  "0xabcdef",
	}
}

// fakeFacilitator counts settle calls and records the last request. When
// failFirst is set, only that many leading calls fail with err.
type fakeFacilitator struct {
	calls     atomic.Int32
	last      *SettleRequest
	err       error
	failFirst int32
}

func (f *fakeFacilitator) Settle(_ context.Context, req *SettleRequest) (*SettleResponse, error) {
	n := f.calls.Add(1)
	f.last = req
	if f.err != nil && (f.failFirst == 0 || n <= f.failFirst) {
		return nil, f.err
	}
	return &SettleResponse{TransactionHash: "0xtx1"}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// noRetry disables the settlement backoff so failure counts are exact.
var noRetry = retry.Config{MaxAttempts: 1}

func TestSettleChargesFullAuthorization(t *testing.T) {
	fake := &fakeFacilitator{}
	client := NewSettlementClient(fake, WithLogger(quietLogger()))

	settlement, err := client.Settle(context.Background(), testAuthorization(), nil)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !settlement.Settled {
		t.Error("settlement not marked settled")
	}
	if settlement.TxHash != "0xtx1" {
		t.Errorf("txHash = %s, want 0xtx1", settlement.TxHash)
	}
	if settlement.AmountCharged != "10000" {
		t.Errorf("amountCharged = %s, want full authorization 10000", settlement.AmountCharged)
	}
	if fake.last.Amount != "10000" {
		t.Errorf("facilitator asked to charge %s, want 10000", fake.last.Amount)
	}
}

func TestSettleChargesActualAmount(t *testing.T) {
	fake := &fakeFacilitator{}
	client := NewSettlementClient(fake, WithLogger(quietLogger()))

	settlement, err := client.Settle(context.Background(), testAuthorization(), big.NewInt(2500))
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if settlement.AmountCharged != "2500" {
		t.Errorf("amountCharged = %s, want 2500", settlement.AmountCharged)
	}
}

func TestSettleRejectsOvercharge(t *testing.T) {
	fake := &fakeFacilitator{}
	client := NewSettlementClient(fake, WithLogger(quietLogger()))

	_, err := client.Settle(context.Background(), testAuthorization(), big.NewInt(20000))
	if !errors.Is(err, agentpay.ErrAmountExceedsAuthorization) {
		t.Fatalf("expected ErrAmountExceedsAuthorization, got %v", err)
	}
	if fake.calls.Load() != 0 {
		t.Error("facilitator must not be contacted for an overcharge")
	}
}

func TestSettleRejectsUnknownChain(t *testing.T) {
	client := NewSettlementClient(&fakeFacilitator{}, WithLogger(quietLogger()))

	auth := testAuthorization()
	auth.ChainID = 999999
	if _, err := client.Settle(context.Background(), auth, nil); !errors.Is(err, agentpay.ErrUnsupportedChain) {
		t.Errorf("expected ErrUnsupportedChain, got %v", err)
	}
}

func TestSettleIdempotentPerNonce(t *testing.T) {
	fake := &fakeFacilitator{}
	client := NewSettlementClient(fake, WithLogger(quietLogger()))
	auth := testAuthorization()

	first, err := client.Settle(context.Background(), auth, nil)
	if err != nil {
		t.Fatalf("first Settle: %v", err)
	}
	second, err := client.Settle(context.Background(), auth, nil)
	if err != nil {
		t.Fatalf("replayed Settle: %v", err)
	}
	if second.TxHash != first.TxHash {
		t.Errorf("replay returned tx %s, want original %s", second.TxHash, first.TxHash)
	}
	if fake.calls.Load() != 1 {
		t.Errorf("facilitator called %d times, want 1", fake.calls.Load())
	}
}

func TestSettleRetriesTransientOutage(t *testing.T) {
	fake := &fakeFacilitator{err: agentpay.ErrFacilitatorUnavailable, failFirst: 2}
	client := NewSettlementClient(fake, WithLogger(quietLogger()),
		WithRetryPolicy(retry.Config{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			Multiplier:   1,
		}))
	auth := testAuthorization()

	settlement, err := client.Settle(context.Background(), auth, nil)
	if err != nil {
		t.Fatalf("Settle should survive a transient outage: %v", err)
	}
	if !settlement.Settled {
		t.Error("settlement not recorded")
	}
	if fake.calls.Load() != 3 {
		t.Errorf("facilitator called %d times, want 3", fake.calls.Load())
	}
}

func TestSettleDoesNotRetryRejections(t *testing.T) {
	fake := &fakeFacilitator{err: agentpay.ErrSettlementFailed}
	client := NewSettlementClient(fake, WithLogger(quietLogger()))

	if _, err := client.Settle(context.Background(), testAuthorization(), nil); !errors.Is(err, agentpay.ErrSettlementFailed) {
		t.Fatalf("expected settlement failure, got %v", err)
	}
	if fake.calls.Load() != 1 {
		t.Errorf("facilitator called %d times, want 1", fake.calls.Load())
	}
}

func TestSettleReleasesNonceOnFailure(t *testing.T) {
	fake := &fakeFacilitator{err: agentpay.ErrFacilitatorUnavailable}
	client := NewSettlementClient(fake, WithLogger(quietLogger()), WithRetryPolicy(noRetry))
	auth := testAuthorization()

	if _, err := client.Settle(context.Background(), auth, nil); !errors.Is(err, agentpay.ErrFacilitatorUnavailable) {
		t.Fatalf("expected facilitator error, got %v", err)
	}

	// The failed attempt must not consume the nonce.
	fake.err = nil
	settlement, err := client.Settle(context.Background(), auth, nil)
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if !settlement.Settled {
		t.Error("retry should settle")
	}
	if fake.calls.Load() != 2 {
		t.Errorf("facilitator called %d times, want 2", fake.calls.Load())
	}
}

func TestMemoryNonceStoreInFlight(t *testing.T) {
	store := NewMemoryNonceStore()
	ctx := context.Background()

	if prior, err := store.Begin(ctx, "n1"); err != nil || prior != nil {
		t.Fatalf("fresh Begin: prior=%v err=%v", prior, err)
	}
	if _, err := store.Begin(ctx, "n1"); !errors.Is(err, agentpay.ErrSettlementInProgress) {
		t.Errorf("concurrent Begin should report in progress, got %v", err)
	}

	if err := store.Abort(ctx, "n1"); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, err := store.Begin(ctx, "n1"); err != nil {
		t.Errorf("Begin after Abort should succeed, got %v", err)
	}
}

func TestHTTPClientSettle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/settle" {
			t.Errorf("path = %s, want /settle", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sekrit" {
			t.Errorf("authorization = %q, want Bearer sekrit", auth)
		}
		var req SettleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Amount != "10000" {
			t.Errorf("amount = %s, want 10000", req.Amount)
		}
		json.NewEncoder(w).Encode(SettleResponse{TransactionHash: "0xhash"})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL)
	client.Authorization = "Bearer sekrit"

	resp, err := client.Settle(context.Background(), &SettleRequest{
		PaymentData: testAuthorization(),
		Amount:      "10000",
		ChainID:     agentpay.BaseSepolia.ChainID,
	})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if resp.TransactionHash != "0xhash" {
		t.Errorf("tx = %s, want 0xhash", resp.TransactionHash)
	}
}

func TestHTTPClientSettleErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
	}{
		{
			name: "facilitator error body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": "insufficient balance"})
			},
			wantErr: agentpay.ErrSettlementFailed,
		},
		{
			name: "empty transaction hash",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(SettleResponse{})
			},
			wantErr: agentpay.ErrSettlementFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			client := NewHTTPClient(server.URL)
			_, err := client.Settle(context.Background(), &SettleRequest{Amount: "1", ChainID: 8453})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestHTTPClientUnreachable(t *testing.T) {
	client := NewHTTPClient("http://127.0.0.1:1")
	_, err := client.Settle(context.Background(), &SettleRequest{Amount: "1", ChainID: 8453})
	if !errors.Is(err, agentpay.ErrFacilitatorUnavailable) {
		t.Errorf("expected ErrFacilitatorUnavailable, got %v", err)
	}
}
