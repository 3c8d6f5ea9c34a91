package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/gokaycavdar/go-bankguard/pkg/models"
	"github.com/gokaycavdar/go-bankguard/pkg/storage"
)

// VelocityRule fires when an account has made more than Limit transactions in
// Window. The transaction under evaluation is not yet stored and so not counted.
type VelocityRule struct {
	base
	events storage.EventStore
	Limit  int
	Window time.Duration
}

func NewVelocityRule(events storage.EventStore) *VelocityRule {
	return &VelocityRule{
		base:   base{id: HighVelocity, weight: 0.4, scope: ScopeTransaction},
		events: events,
		Limit:  5,
		Window: time.Minute,
	}
}

func (r *VelocityRule) Evaluate(ctx context.Context, rc Context) (*models.TriggeredRule, error) {
	if rc.AccountRef == "" {
		return nil, nil
	}

	count, err := r.events.CountRecentTransactions(ctx, rc.AccountRef, rc.Now.Add(-r.Window))
	if err != nil {
		return nil, err
	}
	if count > r.Limit {
		return r.trigger(fmt.Sprintf("High transaction volume: %d in 1 min", count)), nil
	}
	return nil, nil
}
