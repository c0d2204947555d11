package guard

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schema is the DDL for the MySQL store. Callers apply it through their
// own migration tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS wallets (
	id         CHAR(36)     NOT NULL PRIMARY KEY,
	address    VARCHAR(64)  NOT NULL,
	chain_id   BIGINT       NOT NULL,
	label      VARCHAR(255) NOT NULL DEFAULT '',
	is_primary TINYINT(1)   NOT NULL DEFAULT 0,
	created_at TIMESTAMP    NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE KEY idx_wallets_address (address)
);

CREATE TABLE IF NOT EXISTS wallet_policies (
	id        CHAR(36)     NOT NULL PRIMARY KEY,
	wallet_id CHAR(36)     NOT NULL,
	name      VARCHAR(255) NOT NULL,
	kind      VARCHAR(32)  NOT NULL,
	config    JSON         NOT NULL,
	priority  INT          NOT NULL DEFAULT 0,
	active    TINYINT(1)   NOT NULL DEFAULT 1,
	KEY idx_policies_wallet (wallet_id, active)
);

CREATE TABLE IF NOT EXISTS spend_limits (
	id            CHAR(36)    NOT NULL PRIMARY KEY,
	wallet_id     CHAR(36)    NOT NULL,
	period        VARCHAR(32) NOT NULL,
	max_amount    BIGINT      NOT NULL,
	current_spent BIGINT      NOT NULL DEFAULT 0,
	period_start  BIGINT      NOT NULL,
	active        TINYINT(1)  NOT NULL DEFAULT 1,
	KEY idx_limits_wallet (wallet_id, active)
);
`

// MySQLStore persists wallets, policies and spend limits in MySQL.
// Update serializes concurrent spends on the same wallet with
// SELECT ... FOR UPDATE row locks inside a transaction.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore wraps an open database handle.
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// WalletByID implements WalletStore.
func (s *MySQLStore) WalletByID(ctx context.Context, id uuid.UUID) (*Wallet, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, address, chain_id, label, is_primary, created_at FROM wallets WHERE id = ?", id.String())
	return scanWallet(row)
}

// WalletByAddress implements WalletStore.
func (s *MySQLStore) WalletByAddress(ctx context.Context, address string) (*Wallet, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, address, chain_id, label, is_primary, created_at FROM wallets WHERE address = LOWER(?)", address)
	return scanWallet(row)
}

func scanWallet(row *sql.Row) (*Wallet, error) {
	var (
		w  Wallet
		id string
	)
	err := row.Scan(&id, &w.Address, &w.ChainID, &w.Label, &w.Primary, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query wallet: %w", err)
	}
	w.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse wallet id: %w", err)
	}
	return &w, nil
}

// SaveWallet inserts a wallet.
func (s *MySQLStore) SaveWallet(ctx context.Context, w *Wallet) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO wallets (id, address, chain_id, label, is_primary, created_at) VALUES (?, LOWER(?), ?, ?, ?, ?)",
		w.ID.String(), w.Address, w.ChainID, w.Label, w.Primary, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert wallet: %w", err)
	}
	return nil
}

// SavePolicy inserts a policy with its kind-specific configuration
// serialized as JSON.
func (s *MySQLStore) SavePolicy(ctx context.Context, p Policy) error {
	cfg, err := p.configJSON()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO wallet_policies (id, wallet_id, name, kind, config, priority, active) VALUES (?, ?, ?, ?, ?, ?, ?)",
		p.ID.String(), p.WalletID.String(), p.Name, string(p.Kind), cfg, p.Priority, p.Active)
	if err != nil {
		return fmt.Errorf("insert policy: %w", err)
	}
	return nil
}

// SaveLimit inserts a spend limit.
func (s *MySQLStore) SaveLimit(ctx context.Context, l *SpendLimit) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO spend_limits (id, wallet_id, period, max_amount, current_spent, period_start, active) VALUES (?, ?, ?, ?, ?, ?, ?)",
		l.ID.String(), l.WalletID.String(), string(l.Period), l.MaxAmount, l.CurrentSpent, l.PeriodStart.Unix(), l.Active)
	if err != nil {
		return fmt.Errorf("insert limit: %w", err)
	}
	return nil
}

// ActivePolicies implements PolicyStore.
func (s *MySQLStore) ActivePolicies(ctx context.Context, walletID uuid.UUID) ([]Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, kind, config, priority FROM wallet_policies WHERE wallet_id = ? AND active = 1 ORDER BY priority DESC",
		walletID.String())
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()

	var policies []Policy
	for rows.Next() {
		var (
			id, name, kind string
			config         []byte
			priority       int
		)
		if err := rows.Scan(&id, &name, &kind, &config, &priority); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		p, err := policyFromRow(id, walletID, name, Kind(kind), config, priority)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func policyFromRow(id string, walletID uuid.UUID, name string, kind Kind, config []byte, priority int) (Policy, error) {
	policyID, err := uuid.Parse(id)
	if err != nil {
		return Policy{}, fmt.Errorf("parse policy id: %w", err)
	}
	p := Policy{
		ID:       policyID,
		WalletID: walletID,
		Name:     name,
		Kind:     kind,
		Priority: priority,
		Active:   true,
	}
	switch kind {
	case KindAllowlist:
		p.allowlist = &addressListConfig{}
		err = json.Unmarshal(config, p.allowlist)
	case KindBlocklist:
		p.blocklist = &addressListConfig{}
		err = json.Unmarshal(config, p.blocklist)
	case KindContractCall:
		p.contractCall = &contractCallConfig{}
		err = json.Unmarshal(config, p.contractCall)
	case KindTimeWindow:
		p.timeWindow = &timeWindowConfig{}
		err = json.Unmarshal(config, p.timeWindow)
	default:
		return Policy{}, fmt.Errorf("policy %s: unknown kind %q", id, kind)
	}
	if err != nil {
		return Policy{}, fmt.Errorf("policy %s: decode config: %w", id, err)
	}
	return p, nil
}

func (p Policy) configJSON() (string, error) {
	var cfg any
	switch p.Kind {
	case KindAllowlist:
		cfg = p.allowlist
	case KindBlocklist:
		cfg = p.blocklist
	case KindContractCall:
		cfg = p.contractCall
	case KindTimeWindow:
		cfg = p.timeWindow
	default:
		return "", fmt.Errorf("policy %s: unknown kind %q", p.ID, p.Kind)
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("policy %s: encode config: %w", p.ID, err)
	}
	return string(raw), nil
}

// View implements LimitStore with a plain read.
func (s *MySQLStore) View(ctx context.Context, walletID uuid.UUID, fn func(limits []*SpendLimit) error) error {
	limits, err := queryLimits(ctx, s.db, walletID, false)
	if err != nil {
		return err
	}
	return fn(limits)
}

// Update implements LimitStore. The wallet's limit rows are locked for the
// duration of fn, then written back in the same transaction.
func (s *MySQLStore) Update(ctx context.Context, walletID uuid.UUID, fn func(limits []*SpendLimit) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	limits, err := queryLimits(ctx, tx, walletID, true)
	if err != nil {
		return err
	}
	if err := fn(limits); err != nil {
		return err
	}
	for _, l := range limits {
		_, err := tx.ExecContext(ctx,
			"UPDATE spend_limits SET current_spent = ?, period_start = ? WHERE id = ?",
			l.CurrentSpent, l.PeriodStart.Unix(), l.ID.String())
		if err != nil {
			return fmt.Errorf("update limit %s: %w", l.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryLimits(ctx context.Context, q querier, walletID uuid.UUID, forUpdate bool) ([]*SpendLimit, error) {
	query := "SELECT id, period, max_amount, current_spent, period_start FROM spend_limits WHERE wallet_id = ? AND active = 1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	rows, err := q.QueryContext(ctx, query, walletID.String())
	if err != nil {
		return nil, fmt.Errorf("query limits: %w", err)
	}
	defer rows.Close()

	var limits []*SpendLimit
	for rows.Next() {
		var (
			id, period  string
			periodStart int64
			l           SpendLimit
		)
		if err := rows.Scan(&id, &period, &l.MaxAmount, &l.CurrentSpent, &periodStart); err != nil {
			return nil, fmt.Errorf("scan limit: %w", err)
		}
		l.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse limit id: %w", err)
		}
		l.WalletID = walletID
		l.Period = Period(period)
		l.PeriodStart = time.Unix(periodStart, 0)
		l.Active = true
		limits = append(limits, &l)
	}
	return limits, rows.Err()
}
