package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/agentrails/agentpay"
)

// ErrPolicyViolation is the sentinel matched by errors.Is for any spend
// rejected by a wallet policy.
var ErrPolicyViolation = errors.New("policy violation")

// Rejection reports every reason a proposed transfer was refused: the
// policies it violates and the spend limits it would breach.
type Rejection struct {
	WalletID   uuid.UUID
	Violations []Violation
	Breaches   []Breach
}

func (r *Rejection) Error() string {
	parts := make([]string, 0, len(r.Violations)+len(r.Breaches))
	for _, v := range r.Violations {
		parts = append(parts, v.String())
	}
	for _, b := range r.Breaches {
		parts = append(parts, b.String())
	}
	return fmt.Sprintf("wallet %s: %s", r.WalletID, strings.Join(parts, "; "))
}

func (r *Rejection) Unwrap() []error {
	var errs []error
	if len(r.Violations) > 0 {
		errs = append(errs, ErrPolicyViolation)
	}
	if len(r.Breaches) > 0 {
		errs = append(errs, ErrLimitExceeded)
	}
	return errs
}

// Guard is the single decision point for wallet spends. It evaluates
// policies through an Engine, admits amounts through a Ledger, and
// orchestrates reserve, settle, commit around a caller-supplied
// settlement function.
type Guard struct {
	policies PolicyStore
	ledger   *Ledger
	engine   *Engine
	logger   *slog.Logger
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithEngine overrides the policy engine.
func WithEngine(engine *Engine) GuardOption {
	return func(g *Guard) {
		g.engine = engine
	}
}

// WithGuardLogger sets the structured logger.
func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) {
		g.logger = logger
	}
}

// NewGuard creates a guard over the given policy store and ledger.
func NewGuard(policies PolicyStore, ledger *Ledger, opts ...GuardOption) *Guard {
	g := &Guard{
		policies: policies,
		ledger:   ledger,
		engine:   NewEngine(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize reports whether the wallet may make the transfer right now.
// Policies and limits are both consulted so a refusal carries every
// reason at once. It is a pure dry run: nothing is recorded, so a later
// Spend can still be rejected by a concurrent spend that lands first.
func (g *Guard) Authorize(ctx context.Context, walletID uuid.UUID, transfer agentpay.ProposedTransfer) error {
	violations, err := g.violations(ctx, walletID, transfer)
	if err != nil {
		return err
	}
	breaches, err := breachesOf(g.ledger.Check(ctx, walletID, transfer.Amount))
	if err != nil {
		return err
	}
	if len(violations) > 0 || len(breaches) > 0 {
		return &Rejection{WalletID: walletID, Violations: violations, Breaches: breaches}
	}
	return nil
}

// SettleFunc performs the external settlement of an admitted spend and
// returns the amount actually charged in minor units. A negative return
// means the full reserved amount was charged.
type SettleFunc func(ctx context.Context) (int64, error)

// Spend authorizes the transfer, reserves its amount, runs settle outside
// any lock, then commits the actual charge or releases the reservation on
// failure. It returns the amount recorded against the wallet's limits.
func (g *Guard) Spend(ctx context.Context, walletID uuid.UUID, transfer agentpay.ProposedTransfer, settle SettleFunc) (int64, error) {
	violations, err := g.violations(ctx, walletID, transfer)
	if err != nil {
		return 0, err
	}
	if len(violations) > 0 {
		// A dry-run limit check rides along so the rejection carries
		// every reason; nothing is reserved.
		breaches, cerr := breachesOf(g.ledger.Check(ctx, walletID, transfer.Amount))
		if cerr != nil {
			return 0, cerr
		}
		rejection := &Rejection{WalletID: walletID, Violations: violations, Breaches: breaches}
		g.logger.Warn("spend rejected",
			"wallet", walletID,
			"to", transfer.To,
			"amount", transfer.Amount,
			"error", rejection)
		return 0, rejection
	}

	if err := g.ledger.Reserve(ctx, walletID, transfer.Amount); err != nil {
		var limitErr *LimitError
		if errors.As(err, &limitErr) {
			err = &Rejection{WalletID: walletID, Breaches: limitErr.Breaches}
		}
		g.logger.Warn("spend rejected by limit",
			"wallet", walletID,
			"amount", transfer.Amount,
			"error", err)
		return 0, err
	}

	actual, err := settle(ctx)
	if err != nil {
		if relErr := g.ledger.Release(ctx, walletID, transfer.Amount); relErr != nil {
			g.logger.Error("release reservation failed",
				"wallet", walletID,
				"amount", transfer.Amount,
				"error", relErr)
		}
		return 0, err
	}

	if actual < 0 || actual > transfer.Amount {
		actual = transfer.Amount
	}
	if err := g.ledger.Commit(ctx, walletID, transfer.Amount, actual); err != nil {
		g.logger.Error("commit reservation failed",
			"wallet", walletID,
			"reserved", transfer.Amount,
			"actual", actual,
			"error", err)
	}

	g.logger.Info("spend recorded",
		"wallet", walletID,
		"to", transfer.To,
		"amount", actual)
	return actual, nil
}

func (g *Guard) violations(ctx context.Context, walletID uuid.UUID, transfer agentpay.ProposedTransfer) ([]Violation, error) {
	policies, err := g.policies.ActivePolicies(ctx, walletID)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	return g.engine.Evaluate(policies, transfer), nil
}

// breachesOf unpacks a ledger check result: breaches become data, any
// other error stays an error.
func breachesOf(err error) ([]Breach, error) {
	if err == nil {
		return nil, nil
	}
	var limitErr *LimitError
	if errors.As(err, &limitErr) {
		return limitErr.Breaches, nil
	}
	return nil, err
}
