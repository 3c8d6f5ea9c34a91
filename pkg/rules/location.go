package rules

import (
	"context"
	"fmt"

	"github.com/gokaycavdar/go-bankguard/pkg/models"
	"github.com/gokaycavdar/go-bankguard/pkg/storage"
)

// LocationRule flags a geo-tag outside the account's known locations. The
// first tag ever seen for an account becomes its baseline silently.
type LocationRule struct {
	base
	accounts storage.AccountRepository
}

func NewLocationRule(accounts storage.AccountRepository) *LocationRule {
	return &LocationRule{
		base:     base{id: UnusualLocation, weight: 0.5, scope: ScopeLogin},
		accounts: accounts,
	}
}

func (r *LocationRule) Evaluate(ctx context.Context, rc Context) (*models.TriggeredRule, error) {
	if rc.AccountRef == "" || rc.GeoTag == "" {
		return nil, nil
	}

	unknown, err := checkBaseline(ctx, r.accounts, rc.AccountRef, rc.GeoTag, !rc.Unverified, func(a *models.Account) *[]string {
		return &a.KnownGeoTags
	})
	if err != nil {
		return nil, err
	}
	if unknown {
		return r.trigger(fmt.Sprintf("Login from unusual location: %s", rc.GeoTag)), nil
	}
	return nil, nil
}
