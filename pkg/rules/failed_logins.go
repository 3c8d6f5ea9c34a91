package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/gokaycavdar/go-bankguard/pkg/models"
	"github.com/gokaycavdar/go-bankguard/pkg/storage"
)

// FailedLoginsRule fires when an email has accumulated at least Threshold
// failed login events inside Window. It runs for unknown emails too, so a
// brute-force run against a non-existent account still trips it.
type FailedLoginsRule struct {
	base
	events    storage.EventStore
	Threshold int
	Window    time.Duration
}

func NewFailedLoginsRule(events storage.EventStore) *FailedLoginsRule {
	return &FailedLoginsRule{
		base:      base{id: MultipleFailedLogins, weight: 0.8, scope: ScopeLogin},
		events:    events,
		Threshold: 4,
		Window:    15 * time.Minute,
	}
}

func (r *FailedLoginsRule) Evaluate(ctx context.Context, rc Context) (*models.TriggeredRule, error) {
	if rc.Email == "" {
		return nil, nil
	}

	failures, err := r.events.CountFailedLogins(ctx, rc.Email, rc.Now.Add(-r.Window))
	if err != nil {
		return nil, err
	}
	if failures >= r.Threshold {
		return r.trigger(fmt.Sprintf("Detected %d failed logins", failures)), nil
	}
	return nil, nil
}
