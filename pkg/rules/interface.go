package rules

import (
	"context"
	"time"

	"github.com/gokaycavdar/go-bankguard/pkg/models"
)

// Rule identifiers, in rule-definition order.
const (
	MultipleFailedLogins = "MULTIPLE_FAILED_LOGINS"
	MultipleIPs          = "MULTIPLE_IPS"
	UnusualLocation      = "UNUSUAL_LOCATION"
	UnusualTime          = "UNUSUAL_TIME"
	NewDevice            = "NEW_DEVICE"
	RepeatedLockouts     = "REPEATED_LOCKOUTS"
	HighVelocity         = "HIGH_VELOCITY"
	AmountAnomaly        = "AMOUNT_ANOMALY"
)

// Scope says which kind of evaluation a rule takes part in.
type Scope int

const (
	ScopeLogin Scope = iota
	ScopeTransaction
)

func (s Scope) String() string {
	if s == ScopeTransaction {
		return "transaction"
	}
	return "login"
}

// Context is the input to a single evaluation.
//
// GeoTag is already resolved by the engine (request override first, then the
// geo provider, then the configured default). Amount is set only for
// transaction evaluations. Unverified marks an attempt whose password did
// not match; such attempts are scored but never seed a baseline.
type Context struct {
	Scope      Scope
	Email      string
	AccountRef string
	IP         string
	UserAgent  string
	GeoTag     string
	Amount     *float64
	Unverified bool
	Now        time.Time
}

// Rule is one independent risk signal.
//
// The set of rules is closed: every implementation lives in this package and
// RuleSet fixes their order. Evaluate returns nil when the condition does not
// hold. An error means the signal could not be read; RuleSet then reports the
// rule as triggered.
type Rule interface {
	// ID is the stable identifier reported in RiskAssessment.TriggeredRules.
	ID() string

	// Weight is added to the risk score when the rule triggers.
	Weight() float64

	Scope() Scope

	Evaluate(ctx context.Context, rc Context) (*models.TriggeredRule, error)

	rule()
}

// base carries the fields every rule shares.
type base struct {
	id     string
	weight float64
	scope  Scope
}

func (b base) ID() string      { return b.id }
func (b base) Weight() float64 { return b.weight }
func (b base) Scope() Scope    { return b.scope }
func (base) rule()             {}

func (b base) trigger(desc string) *models.TriggeredRule {
	return &models.TriggeredRule{ID: b.id, Weight: b.weight, Description: desc}
}
