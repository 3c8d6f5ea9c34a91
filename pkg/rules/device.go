package rules

import (
	"context"

	"github.com/gokaycavdar/go-bankguard/pkg/models"
	"github.com/gokaycavdar/go-bankguard/pkg/storage"
)

// DeviceRule flags a user agent the account has not logged in with before.
// Like LocationRule, the first device seen is trusted and recorded.
type DeviceRule struct {
	base
	accounts storage.AccountRepository
}

func NewDeviceRule(accounts storage.AccountRepository) *DeviceRule {
	return &DeviceRule{
		base:     base{id: NewDevice, weight: 0.2, scope: ScopeLogin},
		accounts: accounts,
	}
}

func (r *DeviceRule) Evaluate(ctx context.Context, rc Context) (*models.TriggeredRule, error) {
	if rc.AccountRef == "" || rc.UserAgent == "" {
		return nil, nil
	}

	unknown, err := checkBaseline(ctx, r.accounts, rc.AccountRef, rc.UserAgent, !rc.Unverified, func(a *models.Account) *[]string {
		return &a.KnownDevices
	})
	if err != nil {
		return nil, err
	}
	if unknown {
		return r.trigger("Login from unrecognized device/browser"), nil
	}
	return nil, nil
}
