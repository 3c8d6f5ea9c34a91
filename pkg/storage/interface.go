package storage

import (
	"context"
	"errors"
	"time"

	"github.com/gokaycavdar/go-bankguard/pkg/models"
)

// ErrDuplicateEmail is returned by CreateAccount when the email is taken.
var ErrDuplicateEmail = errors.New("storage: email already registered")

// EventStore is the append-only log of login and transaction facts, plus the
// alert sink. All window queries are inclusive of since.
//
// Implementations can use any backend: in-memory, SQLite, PostgreSQL, etc.
type EventStore interface {
	// CountFailedLogins counts unsuccessful login events for email since the given time.
	CountFailedLogins(ctx context.Context, email string, since time.Time) (int, error)

	// DistinctIPs counts distinct IPs on login events for accountRef since the
	// given time. A non-empty current IP is counted as well.
	DistinctIPs(ctx context.Context, accountRef string, since time.Time, current string) (int, error)

	// CountLockoutEvents counts ACCOUNT_LOCKED login events for email.
	CountLockoutEvents(ctx context.Context, email string, since time.Time) (int, error)

	// CountRecentTransactions counts transaction events for accountRef.
	CountRecentTransactions(ctx context.Context, accountRef string, since time.Time) (int, error)

	AppendLoginEvent(ctx context.Context, event *models.LoginEvent) error
	AppendTransactionEvent(ctx context.Context, event *models.TransactionEvent) error

	// AppendAlert must only return once the alert is durable.
	AppendAlert(ctx context.Context, alert *models.Alert) error
}

// UpdateFunc mutates a private copy of an account. Returning an error aborts
// the update and nothing is written.
type UpdateFunc func(acct *models.Account) error

// AccountRepository owns Account records.
type AccountRepository interface {
	// GetAccount returns a copy of the account or autherr.ErrAccountNotFound.
	GetAccount(ctx context.Context, ref string) (*models.Account, error)

	// FindAccountByEmail looks up by normalized email, autherr.ErrAccountNotFound if absent.
	FindAccountByEmail(ctx context.Context, email string) (*models.Account, error)

	CreateAccount(ctx context.Context, acct *models.Account) error

	// SaveAccount overwrites the whole record.
	SaveAccount(ctx context.Context, acct *models.Account) error

	// UpdateAccount applies fn as an atomic read-modify-write on one account.
	// Concurrent updates of the same account are serialized; fn must not call
	// back into the repository. The stored result is returned.
	UpdateAccount(ctx context.Context, ref string, fn UpdateFunc) (*models.Account, error)
}

// Store is the combination both built-in backends satisfy.
type Store interface {
	EventStore
	AccountRepository
}
