package facilitator

import (
	"context"
	"sync"

	"github.com/agentrails/agentpay"
)

// NonceStore tracks settlement attempts per credential nonce. It is the
// idempotency key store: a nonce is either unknown, in flight, or settled
// with a recorded receipt.
type NonceStore interface {
	// Begin marks the nonce in flight. If the nonce already settled it
	// returns the recorded receipt; if another attempt is in flight it
	// returns agentpay.ErrSettlementInProgress.
	Begin(ctx context.Context, nonce string) (*agentpay.Settlement, error)

	// Complete records the settlement receipt for the nonce.
	Complete(ctx context.Context, nonce string, settlement *agentpay.Settlement) error

	// Abort releases an in-flight nonce after a failed attempt, so an
	// idempotent retry can proceed.
	Abort(ctx context.Context, nonce string) error
}

// MemoryNonceStore is an in-process NonceStore. Suitable for a single
// resource server; use RedisNonceStore when settlements must be
// deduplicated across processes.
type MemoryNonceStore struct {
	mu      sync.Mutex
	pending map[string]struct{}
	settled map[string]*agentpay.Settlement
}

// NewMemoryNonceStore creates an empty in-memory nonce store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{
		pending: make(map[string]struct{}),
		settled: make(map[string]*agentpay.Settlement),
	}
}

// Begin implements NonceStore.
func (s *MemoryNonceStore) Begin(_ context.Context, nonce string) (*agentpay.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if settlement, ok := s.settled[nonce]; ok {
		return settlement, nil
	}
	if _, ok := s.pending[nonce]; ok {
		return nil, agentpay.ErrSettlementInProgress
	}
	s.pending[nonce] = struct{}{}
	return nil, nil
}

// Complete implements NonceStore.
func (s *MemoryNonceStore) Complete(_ context.Context, nonce string, settlement *agentpay.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, nonce)
	s.settled[nonce] = settlement
	return nil
}

// Abort implements NonceStore.
func (s *MemoryNonceStore) Abort(_ context.Context, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, nonce)
	return nil
}
