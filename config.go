package agentpay

import (
	"fmt"
	"time"
)

// TimeoutConfig holds the timeouts applied to facilitator operations.
type TimeoutConfig struct {
	// VerifyTimeout bounds credential verification round-trips.
	VerifyTimeout time.Duration

	// SettleTimeout bounds settlement calls, which wait on a blockchain
	// transaction and need headroom.
	SettleTimeout time.Duration

	// RequestTimeout bounds a full paid request on the payer side.
	RequestTimeout time.Duration
}

// DefaultTimeouts are the timeouts used when none are configured.
var DefaultTimeouts = TimeoutConfig{
	VerifyTimeout:  5 * time.Second,
	SettleTimeout:  60 * time.Second,
	RequestTimeout: 120 * time.Second,
}

// Validate checks that every timeout is positive and that the settle timeout
// is not shorter than the verify timeout.
func (c TimeoutConfig) Validate() error {
	if c.VerifyTimeout <= 0 {
		return fmt.Errorf("verify timeout must be positive, got %v", c.VerifyTimeout)
	}
	if c.SettleTimeout <= 0 {
		return fmt.Errorf("settle timeout must be positive, got %v", c.SettleTimeout)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", c.RequestTimeout)
	}
	if c.SettleTimeout < c.VerifyTimeout {
		return fmt.Errorf("settle timeout %v shorter than verify timeout %v", c.SettleTimeout, c.VerifyTimeout)
	}
	return nil
}

// WithVerifyTimeout returns a copy with the verify timeout replaced.
func (c TimeoutConfig) WithVerifyTimeout(d time.Duration) TimeoutConfig {
	c.VerifyTimeout = d
	return c
}

// WithSettleTimeout returns a copy with the settle timeout replaced.
func (c TimeoutConfig) WithSettleTimeout(d time.Duration) TimeoutConfig {
	c.SettleTimeout = d
	return c
}

// WithRequestTimeout returns a copy with the request timeout replaced.
func (c TimeoutConfig) WithRequestTimeout(d time.Duration) TimeoutConfig {
	c.RequestTimeout = d
	return c
}
