package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/gokaycavdar/go-bankguard/pkg/models"
)

// UnusualTimeRule fires when the wall-clock hour falls in [StartHour, EndHour)
// in Location (server local time unless configured).
type UnusualTimeRule struct {
	base
	StartHour int
	EndHour   int
	Location  *time.Location
}

func NewUnusualTimeRule(loc *time.Location) *UnusualTimeRule {
	if loc == nil {
		loc = time.Local
	}
	return &UnusualTimeRule{
		base:      base{id: UnusualTime, weight: 0.15, scope: ScopeLogin},
		StartHour: 0,
		EndHour:   5,
		Location:  loc,
	}
}

func (r *UnusualTimeRule) Evaluate(_ context.Context, rc Context) (*models.TriggeredRule, error) {
	hour := rc.Now.In(r.Location).Hour()
	if hour >= r.StartHour && hour < r.EndHour {
		return r.trigger(fmt.Sprintf("Login during unusual hours (%02d:00-%02d:00)", r.StartHour, r.EndHour)), nil
	}
	return nil, nil
}
