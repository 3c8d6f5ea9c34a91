package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/gokaycavdar/go-bankguard/pkg/autherr"
	"github.com/gokaycavdar/go-bankguard/pkg/geoip"
	"github.com/gokaycavdar/go-bankguard/pkg/models"
	"github.com/gokaycavdar/go-bankguard/pkg/rules"
	"github.com/gokaycavdar/go-bankguard/pkg/storage"
)

// Action thresholds, checked from the top down.
const (
	BlockThreshold   = 0.7
	FlagThreshold    = 0.5
	MonitorThreshold = 0.3
)

// ErrAlertWrite is returned when a BLOCK decision could not be made auditable.
var ErrAlertWrite = errors.New("engine: alert write failed")

// Input represents a login attempt as seen by the risk engine.
//
// AccountRef is empty for emails that do not resolve to an account; the
// email-keyed rules still run for those.
type Input struct {
	Email      string
	AccountRef string

	// IPAddress is the client address after proxy resolution.
	IPAddress string
	UserAgent string

	// GeoTag overrides the location lookup when set (e.g. a header injected
	// by an edge proxy that already resolved the country).
	GeoTag string

	// Unverified is set when the password check failed.
	Unverified bool
}

// TransactionInput is a transfer about to be screened.
type TransactionInput struct {
	AccountRef string
	Email      string
	IPAddress  string
	Amount     float64
	Recipient  string
}

// GeoTagger resolves an IP to a coarse location tag. *geoip.Service implements it.
type GeoTagger interface {
	GeoTag(ip string) (string, error)
}

// RiskEngine scores requests against the rule set and records alerts.
//
// Architecture Principles:
//   - Engine is rule-agnostic: the rule set reports triggers, the engine sums
//   - Explainable: every assessment lists the rules that contributed
//   - Auditable: any non-ALLOW decision is persisted as an Alert before the
//     assessment is returned
//   - Fail closed: unreadable signals count as triggered
//
// Usage:
//
//	eng := engine.New(store, store, engine.WithGeoTagger(geoService))
//	assessment, err := eng.EvaluateLogin(ctx, engine.Input{...})
type RiskEngine struct {
	rules         *rules.RuleSet
	events        storage.EventStore
	accounts      storage.AccountRepository
	geo           GeoTagger
	defaultGeoTag string
	location      *time.Location
	now           func() time.Time
	logger        *slog.Logger
}

// Option configures a RiskEngine.
type Option func(*RiskEngine)

// WithGeoTagger sets the location provider consulted when Input.GeoTag is empty.
func WithGeoTagger(g GeoTagger) Option {
	return func(e *RiskEngine) { e.geo = g }
}

// WithDefaultGeoTag sets the tag used when neither the request nor the
// provider yields one.
func WithDefaultGeoTag(tag string) Option {
	return func(e *RiskEngine) { e.defaultGeoTag = tag }
}

// WithLocation sets the time zone for the unusual-hours rule.
func WithLocation(loc *time.Location) Option {
	return func(e *RiskEngine) {
		if loc != nil {
			e.location = loc
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *RiskEngine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *RiskEngine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates a RiskEngine over the given collaborators.
func New(events storage.EventStore, accounts storage.AccountRepository, opts ...Option) *RiskEngine {
	e := &RiskEngine{
		events:        events,
		accounts:      accounts,
		defaultGeoTag: "US",
		location:      time.Local,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.rules = rules.NewRuleSet(events, accounts,
		rules.WithLocation(e.location),
		rules.WithLogger(e.logger),
	)
	return e
}

// Rules exposes the underlying rule set.
func (e *RiskEngine) Rules() *rules.RuleSet { return e.rules }

// ActionFor maps a score to an action by descending threshold.
func ActionFor(score float64) models.Action {
	switch {
	case score >= BlockThreshold:
		return models.ActionBlock
	case score >= FlagThreshold:
		return models.ActionFlag
	case score >= MonitorThreshold:
		return models.ActionMonitor
	default:
		return models.ActionAllow
	}
}

func severityFor(a models.Action) models.Severity {
	switch a {
	case models.ActionBlock:
		return models.SeverityHigh
	case models.ActionFlag:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// EvaluateLogin scores a login attempt.
func (e *RiskEngine) EvaluateLogin(ctx context.Context, in Input) (*models.RiskAssessment, error) {
	rc := rules.Context{
		Scope:      rules.ScopeLogin,
		Email:      in.Email,
		AccountRef: in.AccountRef,
		IP:         in.IPAddress,
		UserAgent:  in.UserAgent,
		GeoTag:     e.resolveGeoTag(in),
		Unverified: in.Unverified,
		Now:        e.now(),
	}
	return e.evaluate(ctx, rc, "LOGIN")
}

// EvaluateTransaction scores a transaction without recording it.
func (e *RiskEngine) EvaluateTransaction(ctx context.Context, in TransactionInput) (*models.RiskAssessment, error) {
	amount := in.Amount
	rc := rules.Context{
		Scope:      rules.ScopeTransaction,
		Email:      in.Email,
		AccountRef: in.AccountRef,
		IP:         in.IPAddress,
		Amount:     &amount,
		Now:        e.now(),
	}
	return e.evaluate(ctx, rc, "TRANSACTION")
}

func (e *RiskEngine) resolveGeoTag(in Input) string {
	if in.GeoTag != "" {
		return in.GeoTag
	}
	if e.geo != nil && in.IPAddress != "" {
		tag, err := e.geo.GeoTag(in.IPAddress)
		if err == nil && tag != "" {
			return tag
		}
		e.logger.Debug("geo lookup failed, using default tag",
			"ip", geoip.MaskIP(in.IPAddress), "error", err)
	}
	return e.defaultGeoTag
}

func (e *RiskEngine) evaluate(ctx context.Context, rc rules.Context, kind string) (*models.RiskAssessment, error) {
	// Evaluation is short and bounded; a caller timeout should not turn it
	// into a half-finished decision.
	ctx = context.WithoutCancel(ctx)

	ev := e.rules.Evaluate(ctx, rc)

	var score float64
	triggered := make([]string, 0, len(ev.Triggered))
	for _, tr := range ev.Triggered {
		score += tr.Weight
		triggered = append(triggered, tr.ID)
	}
	// Weights have at most two decimals; rounding only strips float noise.
	score = math.Round(score*1e4) / 1e4

	result := &models.RiskAssessment{
		RiskScore:      score,
		Action:         ActionFor(score),
		TriggeredRules: triggered,
		Details:        ev.Triggered,
		EvaluatedAt:    rc.Now,
	}

	log := e.logger.With(
		"kind", kind,
		"account", rc.AccountRef,
		"ip", geoip.MaskIP(rc.IP),
		"score", result.RiskScore,
		"action", result.Action,
		"rules", result.TriggeredRules,
	)

	if result.Action == models.ActionAllow {
		log.Debug("risk evaluated")
		return result, nil
	}

	alert := &models.Alert{
		AccountRef:     rc.AccountRef,
		AlertType:      kind + "_" + string(result.Action),
		Severity:       severityFor(result.Action),
		TriggeredRules: append([]string(nil), triggered...),
		RiskScore:      score,
		IP:             rc.IP,
		Details:        *result,
		Status:         models.AlertPending,
		Timestamp:      rc.Now,
	}
	if err := e.events.AppendAlert(ctx, alert); err != nil {
		if result.Action == models.ActionBlock {
			log.Error("alert write failed for block decision", "error", err)
			return nil, fmt.Errorf("%w: %v", ErrAlertWrite, err)
		}
		log.Warn("alert write failed", "error", err)
	}

	if len(ev.Unavailable) > 0 {
		log.Warn("risk evaluated with unavailable signals", "unavailable", ev.Unavailable)
	} else {
		log.Info("risk evaluated")
	}
	return result, nil
}

// MaxTransactionAmount is the largest single transfer accepted for screening.
const MaxTransactionAmount = 1_000_000

// ScreenTransaction evaluates a transaction, records it and, unless
// blocked, folds its amount into the account's rolling average.
func (e *RiskEngine) ScreenTransaction(ctx context.Context, in TransactionInput) (*models.RiskAssessment, *models.TransactionEvent, error) {
	if in.AccountRef == "" {
		return nil, nil, autherr.Invalid("account", "required")
	}
	if math.IsNaN(in.Amount) || in.Amount <= 0 || in.Amount > MaxTransactionAmount {
		return nil, nil, autherr.Invalid("amount", "must be in (0, 1000000]")
	}

	assessment, err := e.EvaluateTransaction(ctx, in)
	if err != nil {
		return nil, nil, err
	}

	status := models.TransactionCompleted
	if assessment.Blocked() {
		status = models.TransactionBlocked
	}
	event := &models.TransactionEvent{
		AccountRef: in.AccountRef,
		Amount:     in.Amount,
		Recipient:  in.Recipient,
		Status:     status,
		RiskScore:  assessment.RiskScore,
		Flags:      append([]string(nil), assessment.TriggeredRules...),
		IP:         in.IPAddress,
		Timestamp:  assessment.EvaluatedAt,
	}
	if err := e.events.AppendTransactionEvent(ctx, event); err != nil {
		return nil, nil, fmt.Errorf("record transaction: %w", err)
	}

	if status == models.TransactionCompleted {
		_, err := e.accounts.UpdateAccount(ctx, in.AccountRef, func(a *models.Account) error {
			a.AverageTransactionAmount = (a.AverageTransactionAmount + in.Amount) / 2
			return nil
		})
		if err != nil {
			return nil, nil, fmt.Errorf("update average: %w", err)
		}
	}
	return assessment, event, nil
}
