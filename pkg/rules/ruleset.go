package rules

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gokaycavdar/go-bankguard/pkg/models"
	"github.com/gokaycavdar/go-bankguard/pkg/storage"
)

// RuleSet is the fixed, ordered list of risk rules.
//
// Rules of the requested scope run concurrently; their store queries do not
// depend on each other. Results are slotted by rule position, so the order of
// the triggered list always follows rule-definition order no matter which
// query finished first.
type RuleSet struct {
	rules  []Rule
	logger *slog.Logger
}

// Option configures a RuleSet.
type Option func(*config)

type config struct {
	location *time.Location
	logger   *slog.Logger
}

// WithLocation sets the time zone UNUSUAL_TIME evaluates the hour in.
func WithLocation(loc *time.Location) Option {
	return func(c *config) { c.location = loc }
}

// WithLogger sets the logger used for unreadable signals.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewRuleSet builds the standard eight rules in their defined order.
func NewRuleSet(events storage.EventStore, accounts storage.AccountRepository, opts ...Option) *RuleSet {
	cfg := config{location: time.Local, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &RuleSet{
		rules: []Rule{
			NewFailedLoginsRule(events),
			NewMultipleIPsRule(events),
			NewLocationRule(accounts),
			NewUnusualTimeRule(cfg.location),
			NewDeviceRule(accounts),
			NewLockoutsRule(events),
			NewVelocityRule(events),
			NewAmountAnomalyRule(accounts),
		},
		logger: cfg.logger,
	}
}

// Rules returns the rules in definition order.
func (s *RuleSet) Rules() []Rule {
	return append([]Rule(nil), s.rules...)
}

// Evaluation is the joined result of one RuleSet run.
type Evaluation struct {
	// Triggered is in rule-definition order; no rule appears twice.
	Triggered []models.TriggeredRule

	// Unavailable lists rules whose signal could not be read. They are
	// included in Triggered with their full weight (fail closed).
	Unavailable []string
}

// Evaluate runs every rule whose scope matches rc.Scope.
func (s *RuleSet) Evaluate(ctx context.Context, rc Context) Evaluation {
	type slot struct {
		hit *models.TriggeredRule
		err error
	}
	slots := make([]slot, len(s.rules))

	var g errgroup.Group
	for i, r := range s.rules {
		if r.Scope() != rc.Scope {
			continue
		}
		i, r := i, r
		g.Go(func() error {
			hit, err := r.Evaluate(ctx, rc)
			slots[i] = slot{hit: hit, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var ev Evaluation
	for i, sl := range slots {
		r := s.rules[i]
		switch {
		case sl.err != nil:
			s.logger.Warn("risk signal unavailable, failing closed",
				"rule", r.ID(), "error", sl.err)
			ev.Unavailable = append(ev.Unavailable, r.ID())
			ev.Triggered = append(ev.Triggered, models.TriggeredRule{
				ID:          r.ID(),
				Weight:      r.Weight(),
				Description: "Risk signal unavailable",
			})
		case sl.hit != nil:
			ev.Triggered = append(ev.Triggered, *sl.hit)
		}
	}
	return ev
}
