package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gokaycavdar/go-bankguard/pkg/autherr"
	"github.com/gokaycavdar/go-bankguard/pkg/models"
)

// MemoryStore keeps events and accounts in RAM. It is safe for concurrent use
// and intended for tests, demos and single-process deployments.
//
// Account writes are serialized per account: UpdateAccount holds that
// account's lock for the whole read-modify-write, so unrelated accounts never
// wait on each other.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*models.Account // key: account ID
	byEmail  map[string]string          // email -> account ID

	logins       []models.LoginEvent
	transactions []models.TransactionEvent
	alerts       []models.Alert

	lockMu       sync.Mutex
	accountLocks map[string]*sync.Mutex
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]*models.Account),
		byEmail:      make(map[string]string),
		accountLocks: make(map[string]*sync.Mutex),
	}
}

func (m *MemoryStore) accountLock(ref string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()

	l, ok := m.accountLocks[ref]
	if !ok {
		l = &sync.Mutex{}
		m.accountLocks[ref] = l
	}
	return l
}

// --- EventStore ---

func (m *MemoryStore) CountFailedLogins(_ context.Context, email string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, e := range m.logins {
		if e.Email == email && !e.Success && !e.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DistinctIPs(_ context.Context, accountRef string, since time.Time, current string) (int, error) {
	if accountRef == "" {
		return 0, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	if current != "" {
		seen[current] = struct{}{}
	}
	for _, e := range m.logins {
		if e.AccountRef == accountRef && !e.Timestamp.Before(since) && e.IP != "" {
			seen[e.IP] = struct{}{}
		}
	}
	return len(seen), nil
}

func (m *MemoryStore) CountLockoutEvents(_ context.Context, email string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, e := range m.logins {
		if e.Email == email && e.FailReason == models.FailAccountLocked && !e.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountRecentTransactions(_ context.Context, accountRef string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, e := range m.transactions {
		if e.AccountRef == accountRef && !e.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) AppendLoginEvent(_ context.Context, event *models.LoginEvent) error {
	if event == nil {
		return errors.New("storage: nil login event")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e := *event
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	m.logins = append(m.logins, e)
	return nil
}

func (m *MemoryStore) AppendTransactionEvent(_ context.Context, event *models.TransactionEvent) error {
	if event == nil {
		return errors.New("storage: nil transaction event")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e := *event
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Flags = append([]string(nil), event.Flags...)
	m.transactions = append(m.transactions, e)
	return nil
}

func (m *MemoryStore) AppendAlert(_ context.Context, alert *models.Alert) error {
	if alert == nil {
		return errors.New("storage: nil alert")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	a := *alert
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.TriggeredRules = append([]string(nil), alert.TriggeredRules...)
	m.alerts = append(m.alerts, a)
	return nil
}

// LoginEvents returns a snapshot of every login event in append order.
func (m *MemoryStore) LoginEvents() []models.LoginEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.LoginEvent(nil), m.logins...)
}

// TransactionEvents returns a snapshot of every transaction event.
func (m *MemoryStore) TransactionEvents() []models.TransactionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.TransactionEvent(nil), m.transactions...)
}

// Alerts returns a snapshot of every alert.
func (m *MemoryStore) Alerts() []models.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Alert(nil), m.alerts...)
}

// --- AccountRepository ---

func (m *MemoryStore) GetAccount(_ context.Context, ref string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[ref]
	if !ok {
		return nil, autherr.ErrAccountNotFound
	}
	return acct.Clone(), nil
}

func (m *MemoryStore) FindAccountByEmail(_ context.Context, email string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEmail[email]
	if !ok {
		return nil, autherr.ErrAccountNotFound
	}
	return m.accounts[id].Clone(), nil
}

func (m *MemoryStore) CreateAccount(_ context.Context, acct *models.Account) error {
	if acct == nil || acct.Email == "" {
		return errors.New("storage: account needs an email")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.byEmail[acct.Email]; taken {
		return ErrDuplicateEmail
	}
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now()
	}
	acct.Version = 1
	m.accounts[acct.ID] = acct.Clone()
	m.byEmail[acct.Email] = acct.ID
	return nil
}

func (m *MemoryStore) SaveAccount(_ context.Context, acct *models.Account) error {
	if acct == nil {
		return errors.New("storage: nil account")
	}
	l := m.accountLock(acct.ID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.accounts[acct.ID]
	if !ok {
		return autherr.ErrAccountNotFound
	}
	stored := acct.Clone()
	stored.Version = prev.Version + 1
	m.accounts[acct.ID] = stored
	acct.Version = stored.Version
	return nil
}

func (m *MemoryStore) UpdateAccount(_ context.Context, ref string, fn UpdateFunc) (*models.Account, error) {
	l := m.accountLock(ref)
	l.Lock()
	defer l.Unlock()

	m.mu.RLock()
	current, ok := m.accounts[ref]
	m.mu.RUnlock()
	if !ok {
		return nil, autherr.ErrAccountNotFound
	}

	working := current.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.ID = current.ID
	working.Email = current.Email
	working.Version = current.Version + 1

	m.mu.Lock()
	m.accounts[ref] = working
	m.mu.Unlock()

	return working.Clone(), nil
}
