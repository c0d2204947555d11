package facilitator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentrails/agentpay"
)

const (
	noncePendingValue = "__pending__"

	// pendingTTL bounds how long a crashed settlement attempt can block
	// retries for the same nonce.
	pendingTTL = 5 * time.Minute
)

// RedisNonceStore is a NonceStore backed by Redis, for deduplicating
// settlements across multiple resource-server processes. Keys use SETNX so
// exactly one attempt per nonce can be in flight.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisNonceStore creates a Redis-backed nonce store. Settled receipts
// are retained for ttl (zero means retain indefinitely).
func NewRedisNonceStore(client *redis.Client, prefix string, ttl time.Duration) *RedisNonceStore {
	if prefix == "" {
		prefix = "agentpay:nonce:"
	}
	return &RedisNonceStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisNonceStore) key(nonce string) string {
	return s.prefix + nonce
}

// Begin implements NonceStore.
func (s *RedisNonceStore) Begin(ctx context.Context, nonce string) (*agentpay.Settlement, error) {
	acquired, err := s.client.SetNX(ctx, s.key(nonce), noncePendingValue, pendingTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("nonce store: %w", err)
	}
	if acquired {
		return nil, nil
	}

	value, err := s.client.Get(ctx, s.key(nonce)).Result()
	if errors.Is(err, redis.Nil) {
		// Marker expired between SETNX and GET. Treat as in flight;
		// the caller retries.
		return nil, agentpay.ErrSettlementInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("nonce store: %w", err)
	}
	if value == noncePendingValue {
		return nil, agentpay.ErrSettlementInProgress
	}

	var settlement agentpay.Settlement
	if err := json.Unmarshal([]byte(value), &settlement); err != nil {
		return nil, fmt.Errorf("nonce store: corrupt settlement record: %w", err)
	}
	return &settlement, nil
}

// Complete implements NonceStore.
func (s *RedisNonceStore) Complete(ctx context.Context, nonce string, settlement *agentpay.Settlement) error {
	data, err := json.Marshal(settlement)
	if err != nil {
		return fmt.Errorf("nonce store: %w", err)
	}
	if err := s.client.Set(ctx, s.key(nonce), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("nonce store: %w", err)
	}
	return nil
}

// Abort implements NonceStore.
func (s *RedisNonceStore) Abort(ctx context.Context, nonce string) error {
	if err := s.client.Del(ctx, s.key(nonce)).Err(); err != nil {
		return fmt.Errorf("nonce store: %w", err)
	}
	return nil
}
