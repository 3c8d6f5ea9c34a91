package rules

import (
	"context"
	"errors"
	"slices"

	"github.com/gokaycavdar/go-bankguard/pkg/autherr"
	"github.com/gokaycavdar/go-bankguard/pkg/models"
	"github.com/gokaycavdar/go-bankguard/pkg/storage"
)

// errUnchanged aborts an UpdateAccount without writing.
var errUnchanged = errors.New("rules: baseline unchanged")

// knownSet selects one of the account's "seen before" sets.
type knownSet func(a *models.Account) *[]string

// checkBaseline reports whether value is unknown for the account.
//
// On an account whose set is still empty the value is recorded as the
// baseline and reported as known (cold-start trust). The empty-check and the
// write run inside one UpdateAccount, so when two first logins race only the
// first writer's value lands and the loser is judged against it. With seed
// false an empty set is left empty and the value is reported as known.
func checkBaseline(ctx context.Context, accounts storage.AccountRepository, ref, value string, seed bool, set knownSet) (unknown bool, err error) {
	acct, err := accounts.GetAccount(ctx, ref)
	if errors.Is(err, autherr.ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// Known sets only ever grow, so a non-empty read cannot go stale in a way
	// that matters here.
	if known := *set(acct); len(known) > 0 {
		return !slices.Contains(known, value), nil
	}
	if !seed {
		return false, nil
	}

	_, err = accounts.UpdateAccount(ctx, ref, func(a *models.Account) error {
		known := set(a)
		if len(*known) > 0 {
			unknown = !slices.Contains(*known, value)
			return errUnchanged
		}
		unknown = false
		*known = append(*known, value)
		return nil
	})
	switch {
	case errors.Is(err, errUnchanged):
		return unknown, nil
	case errors.Is(err, autherr.ErrAccountNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return unknown, nil
}
