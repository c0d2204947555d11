// Package guard gates every outgoing spend of an agent wallet against the
// wallet's policies and rolling spend limits. It composes a policy engine
// and a spend-limit ledger into a single authorize-or-reject decision point.
package guard

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentrails/agentpay"
)

// Kind identifies a policy variant. The set is closed: invalid
// configurations are rejected at construction, not at evaluation.
type Kind string

const (
	// KindAllowlist permits transfers only to listed addresses.
	KindAllowlist Kind = "allowlist"

	// KindBlocklist rejects transfers to listed addresses.
	KindBlocklist Kind = "blocklist"

	// KindContractCall restricts transfers to one contract and,
	// optionally, a set of its methods.
	KindContractCall Kind = "contract_call"

	// KindTimeWindow permits transfers only during listed hours and days.
	KindTimeWindow Kind = "time_window"
)

type addressListConfig struct {
	Addresses []string `json:"addresses"`
}

type contractCallConfig struct {
	Contract string   `json:"contract"`
	Methods  []string `json:"methods,omitempty"`
}

type timeWindowConfig struct {
	AllowedHours []int          `json:"allowedHours"`
	AllowedDays  []time.Weekday `json:"allowedDays"`
}

// Policy is a single guardrail attached to a wallet. Policies are created
// by the wallet owner and never auto-generated. The kind-specific
// configuration is a tagged union populated only through the New*Policy
// constructors.
type Policy struct {
	ID       uuid.UUID
	WalletID uuid.UUID
	Name     string
	Kind     Kind
	Priority int
	Active   bool

	allowlist    *addressListConfig
	blocklist    *addressListConfig
	contractCall *contractCallConfig
	timeWindow   *timeWindowConfig
}

// NewAllowlistPolicy creates a policy permitting transfers only to the given
// addresses. At least one address is required.
func NewAllowlistPolicy(walletID uuid.UUID, name string, priority int, addresses []string) (Policy, error) {
	if len(addresses) == 0 {
		return Policy{}, fmt.Errorf("allowlist policy %q: addresses must not be empty", name)
	}
	return Policy{
		ID:        uuid.New(),
		WalletID:  walletID,
		Name:      name,
		Kind:      KindAllowlist,
		Priority:  priority,
		Active:    true,
		allowlist: &addressListConfig{Addresses: lowerAll(addresses)},
	}, nil
}

// NewBlocklistPolicy creates a policy rejecting transfers to the given
// addresses.
func NewBlocklistPolicy(walletID uuid.UUID, name string, priority int, addresses []string) (Policy, error) {
	if len(addresses) == 0 {
		return Policy{}, fmt.Errorf("blocklist policy %q: addresses must not be empty", name)
	}
	return Policy{
		ID:        uuid.New(),
		WalletID:  walletID,
		Name:      name,
		Kind:      KindBlocklist,
		Priority:  priority,
		Active:    true,
		blocklist: &addressListConfig{Addresses: lowerAll(addresses)},
	}, nil
}

// NewContractCallPolicy creates a policy restricting transfers to one
// contract. When methods is non-empty, only those methods may be invoked.
func NewContractCallPolicy(walletID uuid.UUID, name string, priority int, contract string, methods []string) (Policy, error) {
	if contract == "" {
		return Policy{}, fmt.Errorf("contract-call policy %q: contract must not be empty", name)
	}
	return Policy{
		ID:       uuid.New(),
		WalletID: walletID,
		Name:     name,
		Kind:     KindContractCall,
		Priority: priority,
		Active:   true,
		contractCall: &contractCallConfig{
			Contract: strings.ToLower(contract),
			Methods:  methods,
		},
	}, nil
}

// NewTimeWindowPolicy creates a policy permitting transfers only during the
// given hours of the day (0-23) and days of the week.
func NewTimeWindowPolicy(walletID uuid.UUID, name string, priority int, hours []int, days []time.Weekday) (Policy, error) {
	if len(hours) == 0 && len(days) == 0 {
		return Policy{}, fmt.Errorf("time-window policy %q: at least one of hours or days is required", name)
	}
	for _, h := range hours {
		if h < 0 || h > 23 {
			return Policy{}, fmt.Errorf("time-window policy %q: hour %d out of range", name, h)
		}
	}
	for _, d := range days {
		if d < time.Sunday || d > time.Saturday {
			return Policy{}, fmt.Errorf("time-window policy %q: day %d out of range", name, d)
		}
	}
	return Policy{
		ID:       uuid.New(),
		WalletID: walletID,
		Name:     name,
		Kind:     KindTimeWindow,
		Priority: priority,
		Active:   true,
		timeWindow: &timeWindowConfig{
			AllowedHours: hours,
			AllowedDays:  days,
		},
	}, nil
}

// Violation is a single policy breach found during evaluation.
type Violation struct {
	PolicyID   uuid.UUID
	PolicyName string
	Kind       Kind
	Reason     string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.PolicyName, v.Reason)
}

// Engine evaluates wallet policies against proposed transfers. Evaluation
// is pure over the provided policies and the engine clock.
type Engine struct {
	now func() time.Time
	loc *time.Location
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineClock overrides the evaluation clock. Used in tests.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLocation sets the timezone time-window policies evaluate in.
// Defaults to the server's local timezone.
func WithLocation(loc *time.Location) EngineOption {
	return func(e *Engine) {
		e.loc = loc
	}
}

// NewEngine creates a policy engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{now: time.Now, loc: time.Local}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs every active policy against the transfer and returns the
// full set of violations, ordered by policy priority descending. Every
// active policy is mandatory: priority affects reporting order only, never
// the allow/deny outcome. An empty result means the transfer is allowed.
func (e *Engine) Evaluate(policies []Policy, transfer agentpay.ProposedTransfer) []Violation {
	ordered := make([]Policy, len(policies))
	copy(ordered, policies)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	now := e.now().In(e.loc)

	var violations []Violation
	for _, p := range ordered {
		if !p.Active {
			continue
		}
		if v := e.evaluate(p, transfer, now); v != nil {
			violations = append(violations, *v)
		}
	}
	return violations
}

func (e *Engine) evaluate(p Policy, transfer agentpay.ProposedTransfer, now time.Time) *Violation {
	to := strings.ToLower(transfer.To)

	switch p.Kind {
	case KindAllowlist:
		if !contains(p.allowlist.Addresses, to) {
			return p.violation("address %s not in allowlist", to)
		}

	case KindBlocklist:
		if contains(p.blocklist.Addresses, to) {
			return p.violation("address %s is blocked", to)
		}

	case KindContractCall:
		if to != p.contractCall.Contract {
			return p.violation("contract %s not allowed", to)
		}
		if len(p.contractCall.Methods) > 0 && !contains(p.contractCall.Methods, transfer.ContractMethod) {
			return p.violation("method %q not allowed", transfer.ContractMethod)
		}

	case KindTimeWindow:
		cfg := p.timeWindow
		if len(cfg.AllowedHours) > 0 && !containsInt(cfg.AllowedHours, now.Hour()) {
			return p.violation("hour %d outside allowed window", now.Hour())
		}
		if len(cfg.AllowedDays) > 0 && !containsDay(cfg.AllowedDays, now.Weekday()) {
			return p.violation("day %s outside allowed window", now.Weekday())
		}
	}
	return nil
}

func (p Policy) violation(format string, args ...any) *Violation {
	return &Violation{
		PolicyID:   p.ID,
		PolicyName: p.Name,
		Kind:       p.Kind,
		Reason:     fmt.Sprintf(format, args...),
	}
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func contains(list []string, value string) bool {
	for _, s := range list {
		if s == value {
			return true
		}
	}
	return false
}

func containsInt(list []int, value int) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func containsDay(list []time.Weekday, value time.Weekday) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
