package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/gokaycavdar/go-bankguard/pkg/models"
	"github.com/gokaycavdar/go-bankguard/pkg/storage"
)

// MultipleIPsRule counts distinct addresses seen for the account in Window,
// the current request's address included.
type MultipleIPsRule struct {
	base
	events    storage.EventStore
	Threshold int
	Window    time.Duration
}

func NewMultipleIPsRule(events storage.EventStore) *MultipleIPsRule {
	return &MultipleIPsRule{
		base:      base{id: MultipleIPs, weight: 0.35, scope: ScopeLogin},
		events:    events,
		Threshold: 3,
		Window:    time.Hour,
	}
}

func (r *MultipleIPsRule) Evaluate(ctx context.Context, rc Context) (*models.TriggeredRule, error) {
	if rc.AccountRef == "" {
		return nil, nil
	}

	n, err := r.events.DistinctIPs(ctx, rc.AccountRef, rc.Now.Add(-r.Window), rc.IP)
	if err != nil {
		return nil, err
	}
	if n >= r.Threshold {
		return r.trigger(fmt.Sprintf("Login attempts from %d distinct IPs", n)), nil
	}
	return nil, nil
}
