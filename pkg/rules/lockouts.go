package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/gokaycavdar/go-bankguard/pkg/models"
	"github.com/gokaycavdar/go-bankguard/pkg/storage"
)

// LockoutsRule counts ACCOUNT_LOCKED login events for the email.
type LockoutsRule struct {
	base
	events    storage.EventStore
	Threshold int
	Window    time.Duration
}

func NewLockoutsRule(events storage.EventStore) *LockoutsRule {
	return &LockoutsRule{
		base:      base{id: RepeatedLockouts, weight: 0.4, scope: ScopeLogin},
		events:    events,
		Threshold: 2,
		Window:    24 * time.Hour,
	}
}

func (r *LockoutsRule) Evaluate(ctx context.Context, rc Context) (*models.TriggeredRule, error) {
	if rc.Email == "" {
		return nil, nil
	}

	blocks, err := r.events.CountLockoutEvents(ctx, rc.Email, rc.Now.Add(-r.Window))
	if err != nil {
		return nil, err
	}
	if blocks >= r.Threshold {
		return r.trigger(fmt.Sprintf("User account locked out %d times in 24h", blocks)), nil
	}
	return nil, nil
}
