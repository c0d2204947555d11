package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/agentrails/agentpay"
)

func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetriesTransientFailure(t *testing.T) {
	attempts := 0
	result, err := WithRetry(context.Background(), fastConfig(), Transient, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", fmt.Errorf("%w: connection refused", agentpay.ErrFacilitatorUnavailable)
		}
		return "0xtx", nil
	})
	if err != nil {
		t.Fatalf("WithRetry: %v", err)
	}
	if result != "0xtx" {
		t.Errorf("result = %q", result)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestFailsFastOnPermanentError(t *testing.T) {
	attempts := 0
	permanent := fmt.Errorf("%w: signature recovers to the wrong address", agentpay.ErrInvalidSignature)
	_, err := WithRetry(context.Background(), fastConfig(), Transient, func() (int, error) {
		attempts++
		return 0, permanent
	})
	if !errors.Is(err, agentpay.ErrInvalidSignature) {
		t.Fatalf("error = %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 for a permanent error", attempts)
	}
}

func TestExhaustsAttempts(t *testing.T) {
	attempts := 0
	_, err := WithRetry(context.Background(), fastConfig(), Transient, func() (int, error) {
		attempts++
		return 0, agentpay.ErrFacilitatorUnavailable
	})
	if !errors.Is(err, agentpay.ErrFacilitatorUnavailable) {
		t.Fatalf("error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want MaxAttempts", attempts)
	}
}

func TestHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	_, err := WithRetry(ctx, fastConfig(), Transient, func() (int, error) {
		attempts++
		return 0, agentpay.ErrFacilitatorUnavailable
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v", err)
	}
	if attempts != 0 {
		t.Errorf("attempts = %d, want 0 after cancellation", attempts)
	}
}

func TestTransientPredicate(t *testing.T) {
	if !Transient(fmt.Errorf("wrap: %w", agentpay.ErrFacilitatorUnavailable)) {
		t.Error("facilitator outage should be transient")
	}
	if Transient(agentpay.ErrSettlementFailed) {
		t.Error("settlement rejection is not transient")
	}
	if Transient(agentpay.ErrInvalidSignature) {
		t.Error("bad signature is not transient")
	}
}
