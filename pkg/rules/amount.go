package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/gokaycavdar/go-bankguard/pkg/autherr"
	"github.com/gokaycavdar/go-bankguard/pkg/models"
	"github.com/gokaycavdar/go-bankguard/pkg/storage"
)

// AmountAnomalyRule compares a transaction amount with the account's rolling
// average. Accounts without an average yet are skipped.
type AmountAnomalyRule struct {
	base
	accounts   storage.AccountRepository
	Multiplier float64
}

func NewAmountAnomalyRule(accounts storage.AccountRepository) *AmountAnomalyRule {
	return &AmountAnomalyRule{
		base:       base{id: AmountAnomaly, weight: 0.3, scope: ScopeTransaction},
		accounts:   accounts,
		Multiplier: 3,
	}
}

func (r *AmountAnomalyRule) Evaluate(ctx context.Context, rc Context) (*models.TriggeredRule, error) {
	if rc.AccountRef == "" || rc.Amount == nil {
		return nil, nil
	}

	acct, err := r.accounts.GetAccount(ctx, rc.AccountRef)
	if errors.Is(err, autherr.ErrAccountNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	avg := acct.AverageTransactionAmount
	if avg <= 0 {
		return nil, nil
	}
	if amount := *rc.Amount; amount > avg*r.Multiplier {
		return r.trigger(fmt.Sprintf("Amount %.2f exceeds %.0fx average (%.2f)", amount, r.Multiplier, avg)), nil
	}
	return nil, nil
}
