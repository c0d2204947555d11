package guard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrWalletNotFound is returned by stores when no wallet matches.
var ErrWalletNotFound = errors.New("wallet not found")

// MemoryStore is an in-process WalletStore, PolicyStore and LimitStore.
// Limit access is serialized per wallet so Update is atomic without
// blocking spends on other wallets.
type MemoryStore struct {
	mu        sync.Mutex
	wallets   map[uuid.UUID]*Wallet
	byAddress map[string]uuid.UUID
	policies  map[uuid.UUID][]Policy
	limits    map[uuid.UUID][]*SpendLimit
	walletMu  map[uuid.UUID]*sync.Mutex
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:   make(map[uuid.UUID]*Wallet),
		byAddress: make(map[string]uuid.UUID),
		policies:  make(map[uuid.UUID][]Policy),
		limits:    make(map[uuid.UUID][]*SpendLimit),
		walletMu:  make(map[uuid.UUID]*sync.Mutex),
	}
}

// AddWallet registers a wallet.
func (s *MemoryStore) AddWallet(w *Wallet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[w.ID] = w
	s.byAddress[strings.ToLower(w.Address)] = w.ID
}

// AddPolicy attaches a policy to its wallet.
func (s *MemoryStore) AddPolicy(p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.WalletID] = append(s.policies[p.WalletID], p)
}

// SetLimits replaces a wallet's spend limits.
func (s *MemoryStore) SetLimits(walletID uuid.UUID, limits []*SpendLimit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[walletID] = limits
}

// WalletByID implements WalletStore.
func (s *MemoryStore) WalletByID(_ context.Context, id uuid.UUID) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, id)
	}
	return w, nil
}

// WalletByAddress implements WalletStore.
func (s *MemoryStore) WalletByAddress(_ context.Context, address string) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byAddress[strings.ToLower(address)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, address)
	}
	return s.wallets[id], nil
}

// ActivePolicies implements PolicyStore.
func (s *MemoryStore) ActivePolicies(_ context.Context, walletID uuid.UUID) ([]Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []Policy
	for _, p := range s.policies[walletID] {
		if p.Active {
			active = append(active, p)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Priority > active[j].Priority
	})
	return active, nil
}

// View implements LimitStore.
func (s *MemoryStore) View(_ context.Context, walletID uuid.UUID, fn func(limits []*SpendLimit) error) error {
	mu := s.lockFor(walletID)
	mu.Lock()
	defer mu.Unlock()

	s.mu.Lock()
	limits := s.limits[walletID]
	s.mu.Unlock()

	snapshot := make([]*SpendLimit, len(limits))
	for i, l := range limits {
		c := *l
		snapshot[i] = &c
	}
	return fn(snapshot)
}

// Update implements LimitStore. The mutation fn makes to the limits is
// kept only when fn returns nil.
func (s *MemoryStore) Update(_ context.Context, walletID uuid.UUID, fn func(limits []*SpendLimit) error) error {
	mu := s.lockFor(walletID)
	mu.Lock()
	defer mu.Unlock()

	s.mu.Lock()
	limits := s.limits[walletID]
	s.mu.Unlock()

	working := make([]*SpendLimit, len(limits))
	for i, l := range limits {
		c := *l
		working[i] = &c
	}
	if err := fn(working); err != nil {
		return err
	}
	for i, l := range limits {
		*l = *working[i]
	}
	return nil
}

func (s *MemoryStore) lockFor(walletID uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.walletMu[walletID]
	if !ok {
		mu = &sync.Mutex{}
		s.walletMu[walletID] = mu
	}
	return mu
}
