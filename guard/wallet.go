package guard

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Wallet is an agent-controlled wallet tracked by the guardrail engine.
// The private key never lives here; signing is the payer's concern.
type Wallet struct {
	ID      uuid.UUID
	Address string
	ChainID int64
	Label   string

	// Primary marks the agent's default wallet for outgoing payments.
	Primary   bool
	CreatedAt time.Time
}

// NewWallet registers a wallet identity. The address is normalized to
// lowercase so lookups are case-insensitive.
func NewWallet(address string, chainID int64, label string) *Wallet {
	return &Wallet{
		ID:        uuid.New(),
		Address:   strings.ToLower(address),
		ChainID:   chainID,
		Label:     label,
		CreatedAt: time.Now().UTC(),
	}
}

// WalletStore resolves wallet identities.
type WalletStore interface {
	WalletByID(ctx context.Context, id uuid.UUID) (*Wallet, error)
	WalletByAddress(ctx context.Context, address string) (*Wallet, error)
}

// PolicyStore provides the active policies of a wallet, ordered by
// priority descending.
type PolicyStore interface {
	ActivePolicies(ctx context.Context, walletID uuid.UUID) ([]Policy, error)
}

// DefaultLimits returns the limits applied to a freshly created wallet:
// $500 per day and $100 per transaction, in minor units.
func DefaultLimits(walletID uuid.UUID, now time.Time) []*SpendLimit {
	return []*SpendLimit{
		{
			ID:          uuid.New(),
			WalletID:    walletID,
			Period:      PeriodDaily,
			MaxAmount:   50000,
			PeriodStart: now,
			Active:      true,
		},
		{
			ID:          uuid.New(),
			WalletID:    walletID,
			Period:      PeriodPerTransaction,
			MaxAmount:   10000,
			PeriodStart: now,
			Active:      true,
		},
	}
}
