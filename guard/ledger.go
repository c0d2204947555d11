package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrLimitExceeded is the sentinel matched by errors.Is for any spend
// rejected by the ledger.
var ErrLimitExceeded = errors.New("spend limit exceeded")

// Period is the rolling window a spend limit accumulates over.
// PeriodPerTransaction caps single transfers and never accumulates.
type Period string

const (
	PeriodPerTransaction Period = "per_transaction"
	PeriodHourly         Period = "hourly"
	PeriodDaily          Period = "daily"
	PeriodWeekly         Period = "weekly"
	PeriodMonthly        Period = "monthly"
)

// Duration returns the length of the rolling window, or zero for
// per-transaction limits. Monthly is a fixed 30 days.
func (p Period) Duration() time.Duration {
	switch p {
	case PeriodHourly:
		return time.Hour
	case PeriodDaily:
		return 24 * time.Hour
	case PeriodWeekly:
		return 7 * 24 * time.Hour
	case PeriodMonthly:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// SpendLimit caps wallet spending over one period. Amounts are minor
// currency units (cents). The window rolls over lazily: expiry is detected
// on the next read rather than by a background job.
type SpendLimit struct {
	ID           uuid.UUID
	WalletID     uuid.UUID
	Period       Period
	MaxAmount    int64
	CurrentSpent int64
	PeriodStart  time.Time
	Active       bool
}

// Remaining returns the unspent headroom in the current window.
func (l *SpendLimit) Remaining() int64 {
	if l.Period == PeriodPerTransaction {
		return l.MaxAmount
	}
	r := l.MaxAmount - l.CurrentSpent
	if r < 0 {
		return 0
	}
	return r
}

// rollover resets the window if it has fully elapsed. The new window
// starts at the observation time, not at a multiple of the period.
func (l *SpendLimit) rollover(now time.Time) {
	d := l.Period.Duration()
	if d == 0 {
		return
	}
	if now.Sub(l.PeriodStart) >= d {
		l.CurrentSpent = 0
		l.PeriodStart = now
	}
}

// Breach describes one limit a proposed amount would exceed.
type Breach struct {
	LimitID   uuid.UUID
	Period    Period
	MaxAmount int64
	Requested int64
	Remaining int64
}

func (b Breach) String() string {
	if b.Period == PeriodPerTransaction {
		return fmt.Sprintf("%s limit: %d exceeds maximum %d", b.Period, b.Requested, b.MaxAmount)
	}
	return fmt.Sprintf("%s limit: %d exceeds remaining %d of %d", b.Period, b.Requested, b.Remaining, b.MaxAmount)
}

// LimitError reports every limit a spend would breach.
type LimitError struct {
	WalletID uuid.UUID
	Breaches []Breach
}

func (e *LimitError) Error() string {
	parts := make([]string, len(e.Breaches))
	for i, b := range e.Breaches {
		parts[i] = b.String()
	}
	return fmt.Sprintf("wallet %s: %s", e.WalletID, strings.Join(parts, "; "))
}

func (e *LimitError) Unwrap() error { return ErrLimitExceeded }

// LimitStore provides access to a wallet's spend limits. View runs fn over
// a read-only snapshot. Update runs fn with exclusive access to the
// wallet's limits and persists any mutation atomically; if fn returns an
// error nothing is persisted.
type LimitStore interface {
	View(ctx context.Context, walletID uuid.UUID, fn func(limits []*SpendLimit) error) error
	Update(ctx context.Context, walletID uuid.UUID, fn func(limits []*SpendLimit) error) error
}

// Ledger applies rolling spend limits with a reserve/commit protocol.
// Reserve is the only admission point: it checks and records the spend in
// one exclusive store operation, so concurrent spends can never jointly
// exceed a limit. Settlement then runs outside any lock, after which the
// caller either Commits the actual amount or Releases the reservation.
type Ledger struct {
	store LimitStore
	now   func() time.Time
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerClock overrides the rollover clock. Used in tests.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		l.now = now
	}
}

// NewLedger creates a ledger over the given limit store.
func NewLedger(store LimitStore, opts ...LedgerOption) *Ledger {
	l := &Ledger{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check reports whether the wallet could spend amount right now, without
// recording anything. The answer is advisory: only Reserve admits a spend.
// A wallet with no active limits allows everything.
func (l *Ledger) Check(ctx context.Context, walletID uuid.UUID, amount int64) error {
	return l.store.View(ctx, walletID, func(limits []*SpendLimit) error {
		now := l.now()
		var breaches []Breach
		for _, limit := range limits {
			if !limit.Active {
				continue
			}
			effective := *limit
			effective.rollover(now)
			if b := effective.breach(amount); b != nil {
				breaches = append(breaches, *b)
			}
		}
		if len(breaches) > 0 {
			return &LimitError{WalletID: walletID, Breaches: breaches}
		}
		return nil
	})
}

// Reserve atomically admits amount against every active limit and records
// it in the rolling ones. All limits are checked before any is updated;
// on breach nothing is recorded and a LimitError lists every limit the
// amount would exceed.
func (l *Ledger) Reserve(ctx context.Context, walletID uuid.UUID, amount int64) error {
	return l.store.Update(ctx, walletID, func(limits []*SpendLimit) error {
		now := l.now()
		var breaches []Breach
		for _, limit := range limits {
			if !limit.Active {
				continue
			}
			limit.rollover(now)
			if b := limit.breach(amount); b != nil {
				breaches = append(breaches, *b)
			}
		}
		if len(breaches) > 0 {
			return &LimitError{WalletID: walletID, Breaches: breaches}
		}
		for _, limit := range limits {
			if limit.Active && limit.Period != PeriodPerTransaction {
				limit.CurrentSpent += amount
			}
		}
		return nil
	})
}

// Commit settles a reservation at the actual charged amount. When actual
// is below reserved the difference is returned to each rolling limit.
// Actual amounts above the reservation are not admitted and are clamped.
func (l *Ledger) Commit(ctx context.Context, walletID uuid.UUID, reserved, actual int64) error {
	if actual > reserved {
		actual = reserved
	}
	delta := reserved - actual
	if delta == 0 {
		return nil
	}
	return l.release(ctx, walletID, delta)
}

// Release undoes a reservation after a failed settlement.
func (l *Ledger) Release(ctx context.Context, walletID uuid.UUID, amount int64) error {
	return l.release(ctx, walletID, amount)
}

func (l *Ledger) release(ctx context.Context, walletID uuid.UUID, amount int64) error {
	return l.store.Update(ctx, walletID, func(limits []*SpendLimit) error {
		for _, limit := range limits {
			if !limit.Active || limit.Period == PeriodPerTransaction {
				continue
			}
			limit.CurrentSpent -= amount
			if limit.CurrentSpent < 0 {
				limit.CurrentSpent = 0
			}
		}
		return nil
	})
}

func (l *SpendLimit) breach(amount int64) *Breach {
	if l.Period == PeriodPerTransaction {
		if amount > l.MaxAmount {
			return &Breach{LimitID: l.ID, Period: l.Period, MaxAmount: l.MaxAmount, Requested: amount, Remaining: l.MaxAmount}
		}
		return nil
	}
	if l.CurrentSpent+amount > l.MaxAmount {
		return &Breach{LimitID: l.ID, Period: l.Period, MaxAmount: l.MaxAmount, Requested: amount, Remaining: l.Remaining()}
	}
	return nil
}
