package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gokaycavdar/go-bankguard/pkg/autherr"
)

// DefaultChallengeTTL bounds the AWAITING_SECOND_FACTOR state.
const DefaultChallengeTTL = 5 * time.Minute

// Challenge is a login parked at AWAITING_SECOND_FACTOR.
type Challenge struct {
	ID         string
	AccountRef string
	Email      string
	IP         string
	UserAgent  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// ChallengeStore holds pending challenges.
//
// Take removes and returns a live challenge so that a single challenge can
// only be worked on by one request at a time. Put returns it after a wrong code.
type ChallengeStore interface {
	Put(ctx context.Context, c Challenge) error
	Take(ctx context.Context, id string, now time.Time) (Challenge, error)
}

// MemoryChallenges is an in-process ChallengeStore with lazy expiry.
type MemoryChallenges struct {
	mu    sync.Mutex
	items map[string]Challenge
}

func NewMemoryChallenges() *MemoryChallenges {
	return &MemoryChallenges{items: make(map[string]Challenge)}
}

func (s *MemoryChallenges) Put(_ context.Context, c Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// drop whatever has expired while we hold the lock
	for id, old := range s.items {
		if !old.ExpiresAt.After(c.CreatedAt) {
			delete(s.items, id)
		}
	}
	s.items[c.ID] = c
	return nil
}

func (s *MemoryChallenges) Take(_ context.Context, id string, now time.Time) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.items[id]
	if !ok {
		return Challenge{}, autherr.ErrChallengeNotFound
	}
	delete(s.items, id)
	if !c.ExpiresAt.After(now) {
		return Challenge{}, autherr.ErrChallengeNotFound
	}
	return c, nil
}

// Len returns the number of stored challenges, live or not.
func (s *MemoryChallenges) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func newChallengeID() string { return uuid.NewString() }
