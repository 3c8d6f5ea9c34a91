package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/gokaycavdar/go-bankguard/pkg/autherr"
	"github.com/gokaycavdar/go-bankguard/pkg/engine"
	"github.com/gokaycavdar/go-bankguard/pkg/mfa"
	"github.com/gokaycavdar/go-bankguard/pkg/models"
	"github.com/gokaycavdar/go-bankguard/pkg/rules"
	"github.com/gokaycavdar/go-bankguard/pkg/storage"
	"github.com/gokaycavdar/go-bankguard/pkg/vault"
)

const (
	password = "Correct1Horse"
	browser  = "Mozilla/5.0 (Macintosh)"
)

var noon = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	machine *Machine
	store   *storage.MemoryStore
	mfa     *mfa.Manager
	issuer  *JWTIssuer
	clock   *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{t: noon}
	s := storage.NewMemoryStore()
	v, err := vault.New("auth-test-master-key")
	require.NoError(t, err)

	eng := engine.New(s, s, engine.WithClock(clock.Now), engine.WithLocation(time.UTC))
	mgr := mfa.New(s, v, mfa.WithClock(clock.Now))
	issuer := NewJWTIssuer("a-test-secret-that-is-long-enough", "SecureBankApp", time.Hour)

	m := New(Deps{Accounts: s, Events: s, Risk: eng, MFA: mgr, Issuer: issuer},
		WithPasswordHasher(BcryptHasher{Cost: bcrypt.MinCost}),
		WithClock(clock.Now),
	)
	return &fixture{machine: m, store: s, mfa: mgr, issuer: issuer, clock: clock}
}

func (f *fixture) register(t *testing.T, email string) *models.Account {
	t.Helper()
	out, err := f.machine.Register(context.Background(), email, password)
	require.NoError(t, err)
	acct, err := f.store.GetAccount(context.Background(), out.AccountRef)
	require.NoError(t, err)
	return acct
}

func (f *fixture) enableMFA(t *testing.T, ref string) *mfa.SetupResult {
	t.Helper()
	ctx := context.Background()
	res, err := f.mfa.Setup(ctx, ref)
	require.NoError(t, err)
	_, err = f.mfa.Verify(ctx, ref, f.code(t, res.Secret))
	require.NoError(t, err)
	return res
}

func (f *fixture) code(t *testing.T, secret string) string {
	t.Helper()
	c, err := totp.GenerateCodeCustom(secret, f.clock.Now(), totp.ValidateOpts{
		Period: mfa.Period, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) wrongCode(t *testing.T, secret string) string {
	t.Helper()
	for i := 0; ; i++ {
		c := fmt.Sprintf("%06d", i)
		ok, _ := totp.ValidateCustom(c, secret, f.clock.Now(), totp.ValidateOpts{
			Period: mfa.Period, Skew: mfa.Skew, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
		})
		if !ok {
			return c
		}
	}
}

func countReason(events []models.LoginEvent, reason models.FailReason) int {
	n := 0
	for _, e := range events {
		if !e.Success && e.FailReason == reason {
			n++
		}
	}
	return n
}

func successes(events []models.LoginEvent) int {
	n := 0
	for _, e := range events {
		if e.Success {
			n++
		}
	}
	return n
}

var client = RequestContext{IP: "203.0.113.7", UserAgent: browser, GeoTag: "US"}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateStart, StateCredentialChecked, true},
		{StateStart, StateAuthenticated, false},
		{StateCredentialChecked, StateRiskChecked, true},
		{StateRiskChecked, StateAwaitingSecondFactor, true},
		{StateRiskChecked, StateAuthenticated, true},
		{StateAwaitingSecondFactor, StateAwaitingSecondFactor, true},
		{StateAwaitingSecondFactor, StateAuthenticated, true},
		{StateAuthenticated, StateRejected, false},
		{StateRejected, StateAuthenticated, false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
	require.True(t, StateAuthenticated.Terminal())
	require.True(t, StateRejected.Terminal())
	require.False(t, StateAwaitingSecondFactor.Terminal())
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	out, err := f.machine.Register(ctx, "  Alice@Bank.Test ", password)
	require.NoError(t, err)
	require.Equal(t, StateAuthenticated, out.State)
	require.Equal(t, models.ActionAllow, out.Assessment.Action)

	claims, err := f.issuer.Parse(out.Credential)
	require.NoError(t, err)
	require.Equal(t, out.AccountRef, claims.Subject)
	require.Equal(t, "alice@bank.test", claims.Email)

	acct, err := f.store.FindAccountByEmail(ctx, "alice@bank.test")
	require.NoError(t, err)
	require.NotEqual(t, password, acct.CredentialRef)

	tests := []struct {
		name, email, password, field, reason string
	}{
		{"bad email", "not-an-email", password, "email", "invalid email format"},
		{"blank email", "   ", password, "email", "is required"},
		{"short", "b@bank.test", "Ab1", "password", "must be at least 8 characters"},
		{"no digit", "b@bank.test", "Abcdefgh", "password", "must contain uppercase, lowercase, and number"},
		{"no upper", "b@bank.test", "abcdefg1", "password", "must contain uppercase, lowercase, and number"},
		{"empty", "b@bank.test", "", "password", "is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.machine.Register(ctx, tt.email, tt.password)
			var ve *autherr.ValidationError
			require.ErrorAs(t, err, &ve)
			require.Equal(t, tt.field, ve.Field)
			require.Equal(t, tt.reason, ve.Reason)
		})
	}

	_, err = f.machine.Register(ctx, "alice@bank.test", password)
	require.ErrorIs(t, err, autherr.ErrValidation)
	require.Contains(t, err.Error(), "registration failed")
}

func TestLoginWithoutMFA(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.register(t, "alice@bank.test")

	out, err := f.machine.Login(ctx, "ALICE@bank.test", password, client)
	require.NoError(t, err)
	require.Equal(t, StateAuthenticated, out.State)
	require.Equal(t, models.ActionAllow, out.Assessment.Action)

	claims, err := f.issuer.Parse(out.Credential)
	require.NoError(t, err)
	require.Equal(t, acct.ID, claims.Subject)

	events := f.store.LoginEvents()
	require.Len(t, events, 1)
	require.True(t, events[0].Success)
	require.Equal(t, browser, events[0].UserAgent)
	require.Equal(t, acct.ID, events[0].AccountRef)

	// first login established the baseline
	stored, err := f.store.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, []string{browser}, stored.KnownDevices)
	require.Equal(t, []string{"US"}, stored.KnownGeoTags)
}

func TestMalformedLoginTouchesNothing(t *testing.T) {
	f := newFixture(t)
	for _, tt := range []struct{ email, password string }{
		{"", password},
		{"nope", password},
		{"alice@bank.test", ""},
	} {
		_, err := f.machine.Login(context.Background(), tt.email, tt.password, client)
		require.ErrorIs(t, err, autherr.ErrInvalidCredential)
	}
	require.Empty(t, f.store.LoginEvents())
}

func TestWrongPasswordIsGeneric(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.register(t, "alice@bank.test")

	_, errKnown := f.machine.Login(ctx, acct.Email, "Wrong1Password", client)
	_, errUnknown := f.machine.Login(ctx, "ghost@bank.test", password, client)
	require.ErrorIs(t, errKnown, autherr.ErrInvalidCredential)
	require.ErrorIs(t, errUnknown, autherr.ErrInvalidCredential)
	require.Equal(t, errKnown.Error(), errUnknown.Error())

	events := f.store.LoginEvents()
	require.Len(t, events, 2)
	require.Equal(t, acct.ID, events[0].AccountRef)
	require.Empty(t, events[1].AccountRef)
	require.Equal(t, 2, countReason(events, models.FailWrongPassword))
}

func TestBruteForceLocksOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.register(t, "alice@bank.test")

	for i := 0; i < 4; i++ {
		require.NoError(t, f.store.AppendLoginEvent(ctx, &models.LoginEvent{
			Email: acct.Email, AccountRef: acct.ID, IP: client.IP,
			FailReason: models.FailWrongPassword, Timestamp: noon.Add(-5 * time.Minute),
		}))
	}

	_, err := f.machine.Login(ctx, acct.Email, "Wrong1Password", client)
	var blocked *autherr.RiskBlockedError
	require.ErrorAs(t, err, &blocked)
	require.ErrorIs(t, err, autherr.ErrRiskBlocked)
	require.ErrorIs(t, err, autherr.ErrAccountLocked)
	require.Equal(t, models.ActionBlock, blocked.Assessment.Action)
	require.Contains(t, blocked.Assessment.TriggeredRules, rules.MultipleFailedLogins)

	events := f.store.LoginEvents()
	require.Equal(t, 1, countReason(events, models.FailAccountLocked))
	require.Equal(t, 5, countReason(events, models.FailWrongPassword))

	stored, err := f.store.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	require.True(t, stored.IsLoginLocked(f.clock.Now()))

	// a correct password is still scored, and the failure burst blocks it
	// with the full assessment
	_, err = f.machine.Login(ctx, acct.Email, password, client)
	require.ErrorAs(t, err, &blocked)
	require.NotErrorIs(t, err, autherr.ErrAccountLocked)
	require.NotNil(t, blocked.Assessment)
	require.Contains(t, blocked.Assessment.TriggeredRules, rules.MultipleFailedLogins)

	events = f.store.LoginEvents()
	require.Equal(t, 1, countReason(events, models.FailAccountLocked), "correct passwords never record a lockout")
	require.Equal(t, 1, countReason(events, models.FailFraudBlock))
	require.Zero(t, successes(events))
}

func TestFraudBlockDoesNotLockOutOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.register(t, "alice@bank.test")

	_, err := f.machine.Login(ctx, acct.Email, password, client)
	require.NoError(t, err)

	// stolen password used from a new country and tool
	attacker := RequestContext{IP: "198.51.100.66", UserAgent: "curl/8.0", GeoTag: "RU"}
	_, err = f.machine.Login(ctx, acct.Email, password, attacker)
	var blocked *autherr.RiskBlockedError
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, []string{rules.UnusualLocation, rules.NewDevice}, blocked.Assessment.TriggeredRules)

	stored, err := f.store.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	require.Nil(t, stored.LoginLockUntil)

	for i := 0; i < 3; i++ {
		out, err := f.machine.Login(ctx, acct.Email, password, client)
		require.NoError(t, err, "attempt %d", i)
		require.Equal(t, StateAuthenticated, out.State)
		require.Equal(t, models.ActionAllow, out.Assessment.Action)
	}

	f.clock.Advance(LoginLockDuration + time.Minute)
	out, err := f.machine.Login(ctx, acct.Email, password, client)
	require.NoError(t, err)
	require.Equal(t, StateAuthenticated, out.State)

	events := f.store.LoginEvents()
	require.Zero(t, countReason(events, models.FailAccountLocked))
	require.Equal(t, 1, countReason(events, models.FailFraudBlock))
}

func TestWrongPasswordDoesNotSeedBaseline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.register(t, "alice@bank.test")

	attacker := RequestContext{IP: "198.51.100.66", UserAgent: "curl/8.0", GeoTag: "RU"}
	_, err := f.machine.Login(ctx, acct.Email, "Wrong1Password", attacker)
	require.ErrorIs(t, err, autherr.ErrInvalidCredential)

	stored, err := f.store.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	require.Empty(t, stored.KnownDevices)
	require.Empty(t, stored.KnownGeoTags)

	out, err := f.machine.Login(ctx, acct.Email, password, client)
	require.NoError(t, err)
	require.Equal(t, StateAuthenticated, out.State)

	stored, err = f.store.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	require.Equal(t, []string{browser}, stored.KnownDevices)
	require.Equal(t, []string{"US"}, stored.KnownGeoTags)
}

type flakyHasher struct {
	BcryptHasher
	mu   sync.Mutex
	fail bool
}

func (h *flakyHasher) Hash(password string) (string, error) {
	h.mu.Lock()
	fail := h.fail
	h.mu.Unlock()
	if fail {
		return "", errors.New("hasher unavailable")
	}
	return h.BcryptHasher.Hash(password)
}

func (h *flakyHasher) recover() {
	h.mu.Lock()
	h.fail = false
	h.mu.Unlock()
}

func TestUnknownEmailNeedsDummyHash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	h := &flakyHasher{BcryptHasher: BcryptHasher{Cost: bcrypt.MinCost}, fail: true}
	m := New(f.machine.Deps, WithPasswordHasher(h), WithClock(f.clock.Now))

	_, err := m.Login(ctx, "ghost@bank.test", password, client)
	require.Error(t, err)
	require.NotErrorIs(t, err, autherr.ErrInvalidCredential)
	require.Empty(t, f.store.LoginEvents())

	h.recover()
	_, err = m.Login(ctx, "ghost@bank.test", password, client)
	require.ErrorIs(t, err, autherr.ErrInvalidCredential)
}

func TestFailuresAccumulateToBlock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := 1; i <= 3; i++ {
		_, err := f.machine.Login(ctx, "ghost@bank.test", password, client)
		require.ErrorIs(t, err, autherr.ErrInvalidCredential, "attempt %d", i)
	}
	_, err := f.machine.Login(ctx, "ghost@bank.test", password, client)
	require.ErrorIs(t, err, autherr.ErrRiskBlocked)
	require.Equal(t, 1, countReason(f.store.LoginEvents(), models.FailAccountLocked))

	alerts := f.store.Alerts()
	require.NotEmpty(t, alerts)
	require.Equal(t, "LOGIN_BLOCK", alerts[len(alerts)-1].AlertType)
}

func TestCorrectPasswordBlockedByRisk(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.register(t, "alice@bank.test")

	for i := 0; i < 4; i++ {
		require.NoError(t, f.store.AppendLoginEvent(ctx, &models.LoginEvent{
			Email: acct.Email, FailReason: models.FailWrongPassword, Timestamp: noon.Add(-time.Minute),
		}))
	}

	_, err := f.machine.Login(ctx, acct.Email, password, client)
	require.ErrorIs(t, err, autherr.ErrRiskBlocked)
	require.NotErrorIs(t, err, autherr.ErrAccountLocked)

	events := f.store.LoginEvents()
	require.Equal(t, 1, countReason(events, models.FailFraudBlock))
	require.Zero(t, successes(events))

	// the failures age out of the window
	f.clock.Advance(LoginLockDuration + time.Minute)
	out, err := f.machine.Login(ctx, acct.Email, password, client)
	require.NoError(t, err)
	require.Equal(t, StateAuthenticated, out.State)
}

func TestSecondFactorFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.register(t, "alice@bank.test")
	setup := f.enableMFA(t, acct.ID)

	out, err := f.machine.Login(ctx, acct.Email, password, client)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingSecondFactor, out.State)
	require.Empty(t, out.Credential)
	require.NotEmpty(t, out.ChallengeID)
	require.Equal(t, noon.Add(DefaultChallengeTTL), out.ChallengeExpiresAt)
	require.Zero(t, successes(f.store.LoginEvents()))

	_, err = f.machine.VerifySecondFactor(ctx, out.ChallengeID, f.wrongCode(t, setup.Secret), client)
	var sf *autherr.SecondFactorError
	require.ErrorAs(t, err, &sf)
	require.Equal(t, mfa.MaxFailedAttempts-1, sf.AttemptsRemaining)

	done, err := f.machine.VerifySecondFactor(ctx, out.ChallengeID, f.code(t, setup.Secret), client)
	require.NoError(t, err)
	require.Equal(t, StateAuthenticated, done.State)
	require.Equal(t, mfa.ModeTOTP, done.SecondFactorMode)
	require.NotEmpty(t, done.Credential)
	require.Equal(t, 1, successes(f.store.LoginEvents()))

	_, err = f.machine.VerifySecondFactor(ctx, out.ChallengeID, f.code(t, setup.Secret), client)
	require.ErrorIs(t, err, autherr.ErrChallengeNotFound)
}

func TestSecondFactorWithRecoveryCode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.register(t, "alice@bank.test")
	setup := f.enableMFA(t, acct.ID)

	out, err := f.machine.Login(ctx, acct.Email, password, client)
	require.NoError(t, err)

	done, err := f.machine.VerifySecondFactor(ctx, out.ChallengeID, setup.RecoveryCodes[0], client)
	require.NoError(t, err)
	require.Equal(t, mfa.ModeRecovery, done.SecondFactorMode)
}

func TestChallengeExpires(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.register(t, "alice@bank.test")
	setup := f.enableMFA(t, acct.ID)

	out, err := f.machine.Login(ctx, acct.Email, password, client)
	require.NoError(t, err)

	f.clock.Advance(DefaultChallengeTTL + time.Second)
	_, err = f.machine.VerifySecondFactor(ctx, out.ChallengeID, f.code(t, setup.Secret), client)
	require.ErrorIs(t, err, autherr.ErrChallengeNotFound)
}

func TestMfaLockRejectsChallenge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.register(t, "alice@bank.test")
	setup := f.enableMFA(t, acct.ID)

	out, err := f.machine.Login(ctx, acct.Email, password, client)
	require.NoError(t, err)

	for i := 0; i < mfa.MaxFailedAttempts; i++ {
		_, err = f.machine.VerifySecondFactor(ctx, out.ChallengeID, f.wrongCode(t, setup.Secret), client)
		require.ErrorIs(t, err, autherr.ErrInvalidSecondFactor)
	}
	_, err = f.machine.VerifySecondFactor(ctx, out.ChallengeID, f.code(t, setup.Secret), client)
	require.ErrorIs(t, err, autherr.ErrChallengeNotFound)

	// a new login reaches the second factor step but the lock still holds
	out, err = f.machine.Login(ctx, acct.Email, password, client)
	require.NoError(t, err)
	_, err = f.machine.VerifySecondFactor(ctx, out.ChallengeID, f.code(t, setup.Secret), client)
	require.ErrorIs(t, err, autherr.ErrMfaLocked)
	_, err = f.machine.VerifySecondFactor(ctx, out.ChallengeID, f.code(t, setup.Secret), client)
	require.ErrorIs(t, err, autherr.ErrChallengeNotFound)
}

func TestRiskRecheckAfterSecondFactor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acct := f.register(t, "alice@bank.test")
	setup := f.enableMFA(t, acct.ID)

	// establishes US and the browser as the baseline
	out, err := f.machine.Login(ctx, acct.Email, password, client)
	require.NoError(t, err)

	moved := RequestContext{IP: "198.51.100.9", UserAgent: "curl/8.0", GeoTag: "DE"}
	_, err = f.machine.VerifySecondFactor(ctx, out.ChallengeID, f.code(t, setup.Secret), moved)
	var blocked *autherr.RiskBlockedError
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, []string{rules.UnusualLocation, rules.NewDevice}, blocked.Assessment.TriggeredRules)

	events := f.store.LoginEvents()
	require.Zero(t, successes(events))
	require.Equal(t, 1, countReason(events, models.FailFraudBlock))
}

func TestJWTIssuerRejectsForeignTokens(t *testing.T) {
	acct := &models.Account{ID: "acct-1", Email: "a@bank.test"}
	issuer := NewJWTIssuer("first-secret-long-enough!", "SecureBankApp", time.Hour)
	other := NewJWTIssuer("second-secret-long-enough", "SecureBankApp", time.Hour)

	token, err := other.Issue(acct)
	require.NoError(t, err)
	_, err = issuer.Parse(token)
	require.Error(t, err)

	expired := NewJWTIssuer("first-secret-long-enough!", "SecureBankApp", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err = expired.Issue(acct)
	require.NoError(t, err)
	_, err = issuer.Parse(token)
	require.Error(t, err)

	token, err = issuer.Issue(acct)
	require.NoError(t, err)
	claims, err := issuer.Parse(token)
	require.NoError(t, err)
	require.Equal(t, "acct-1", claims.Subject)
}

func TestMemoryChallengesLazyExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryChallenges()
	require.NoError(t, s.Put(ctx, Challenge{ID: "old", CreatedAt: noon, ExpiresAt: noon.Add(time.Minute)}))
	require.NoError(t, s.Put(ctx, Challenge{ID: "new", CreatedAt: noon.Add(2 * time.Minute), ExpiresAt: noon.Add(7 * time.Minute)}))
	require.Equal(t, 1, s.Len())

	c, err := s.Take(ctx, "new", noon.Add(3*time.Minute))
	require.NoError(t, err)
	require.Equal(t, "new", c.ID)

	_, err = s.Take(ctx, "new", noon.Add(3*time.Minute))
	require.ErrorIs(t, err, autherr.ErrChallengeNotFound)
}
