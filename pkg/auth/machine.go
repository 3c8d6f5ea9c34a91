// Package auth runs the login protocol:
//
//	START -> CREDENTIAL_CHECKED -> RISK_CHECKED -> AUTHENTICATED
//	                                            -> AWAITING_SECOND_FACTOR -> AUTHENTICATED | REJECTED
//	                                            -> REJECTED
//
// Rejections are returned as errors from pkg/autherr. A wrong password and a
// wrong second factor are indistinguishable apart from the attempt budget;
// risk blocks carry their assessment.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gokaycavdar/go-bankguard/pkg/autherr"
	"github.com/gokaycavdar/go-bankguard/pkg/engine"
	"github.com/gokaycavdar/go-bankguard/pkg/geoip"
	"github.com/gokaycavdar/go-bankguard/pkg/mfa"
	"github.com/gokaycavdar/go-bankguard/pkg/models"
	"github.com/gokaycavdar/go-bankguard/pkg/storage"
)

// LoginLockDuration is the advisory lock window stamped on an account when
// failed passwords escalate to a BLOCK. Login never consults it; the risk
// rules alone decide every attempt.
const LoginLockDuration = 15 * time.Minute

// RiskEvaluator scores login attempts. *engine.RiskEngine implements it.
type RiskEvaluator interface {
	EvaluateLogin(ctx context.Context, in engine.Input) (*models.RiskAssessment, error)
}

// SecondFactor verifies MFA codes. *mfa.Manager implements it.
type SecondFactor interface {
	Verify(ctx context.Context, ref, code string) (*mfa.VerifyResult, error)
}

// RequestContext is what the transport knows about the client.
type RequestContext struct {
	IP        string
	UserAgent string
	// GeoTag is an optional location override.
	GeoTag string
}

// Outcome is a non-rejected result of a protocol step.
type Outcome struct {
	State      State                  `json:"state"`
	AccountRef string                 `json:"accountRef"`
	Assessment *models.RiskAssessment `json:"riskAnalysis,omitempty"`

	// Credential is set on AUTHENTICATED.
	Credential string `json:"token,omitempty"`

	// ChallengeID and ChallengeExpiresAt are set on AWAITING_SECOND_FACTOR.
	ChallengeID        string    `json:"challengeId,omitempty"`
	ChallengeExpiresAt time.Time `json:"challengeExpiresAt,omitzero"`

	// SecondFactorMode is set when a second factor completed the login.
	SecondFactorMode mfa.Mode `json:"mfaMode,omitempty"`
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Accounts storage.AccountRepository
	Events   storage.EventStore
	Risk     RiskEvaluator
	MFA      SecondFactor
	Issuer   CredentialIssuer
}

// Machine drives login attempts through the protocol. It holds no per-user
// state besides pending challenges.
type Machine struct {
	Deps

	passwords    PasswordHasher
	dummyMu      sync.Mutex
	dummy        string
	challenges   ChallengeStore
	challengeTTL time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

func WithPasswordHasher(h PasswordHasher) Option {
	return func(m *Machine) {
		if h != nil {
			m.passwords = h
		}
	}
}

func WithChallengeStore(s ChallengeStore) Option {
	return func(m *Machine) {
		if s != nil {
			m.challenges = s
		}
	}
}

func WithChallengeTTL(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.challengeTTL = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates a Machine.
func New(deps Deps, opts ...Option) *Machine {
	m := &Machine{
		Deps:         deps,
		passwords:    BcryptHasher{},
		challengeTTL: DefaultChallengeTTL,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.challenges == nil {
		m.challenges = NewMemoryChallenges()
	}
	// a failure here is retried on the first unknown-email login
	m.dummy, _ = dummyHash(m.passwords)
	return m
}

func (m *Machine) dummyCredential() (string, error) {
	m.dummyMu.Lock()
	defer m.dummyMu.Unlock()
	if m.dummy != "" {
		return m.dummy, nil
	}
	h, err := dummyHash(m.passwords)
	if err != nil {
		return "", err
	}
	m.dummy = h
	return h, nil
}

// Register creates an account and signs it in.
func (m *Machine) Register(ctx context.Context, email, password string) (*Outcome, error) {
	normalized := canonicalEmail(email)
	if err := validateRegistration(registration{Email: normalized, Password: password}); err != nil {
		return nil, err
	}

	hash, err := m.passwords.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	acct := &models.Account{Email: normalized, CredentialRef: hash, CreatedAt: m.now()}
	if err := m.Accounts.CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, storage.ErrDuplicateEmail) {
			// same answer as any other failure, no enumeration
			return nil, autherr.Invalid("", "registration failed")
		}
		return nil, err
	}

	token, err := m.Issuer.Issue(acct)
	if err != nil {
		return nil, fmt.Errorf("issue credential: %w", err)
	}
	m.logger.Info("account registered", "account", acct.ID)
	return &Outcome{
		State:      StateAuthenticated,
		AccountRef: acct.ID,
		Credential: token,
		Assessment: &models.RiskAssessment{Action: models.ActionAllow, TriggeredRules: []string{}, EvaluatedAt: acct.CreatedAt},
	}, nil
}

// Login runs the first stage of the protocol.
//
// Every failed password is recorded and scored, known account or not, so
// failed-login velocity builds up per email. A BLOCK on that path records an
// ACCOUNT_LOCKED event and stamps the advisory LoginLockUntil. A correct
// password is always scored, so a block never outlives the signals behind it.
func (m *Machine) Login(ctx context.Context, email, password string, rc RequestContext) (*Outcome, error) {
	email, ok := NormalizeEmail(email)
	if !ok || password == "" {
		return nil, autherr.ErrInvalidCredential
	}
	ctx = context.WithoutCancel(ctx)

	log := m.logger.With("email", email, "ip", geoip.MaskIP(rc.IP))
	att := newAttempt(StateStart, log)

	acct, err := m.Accounts.FindAccountByEmail(ctx, email)
	switch {
	case errors.Is(err, autherr.ErrAccountNotFound):
		acct = nil
	case err != nil:
		return nil, err
	}

	var hash string
	if acct != nil {
		hash = acct.CredentialRef
	} else if hash, err = m.dummyCredential(); err != nil {
		return nil, err
	}
	if !m.passwords.Compare(hash, password) || acct == nil {
		att.advance(StateRejected)
		return nil, m.rejectPassword(ctx, log, email, acct, rc)
	}
	att.advance(StateCredentialChecked)

	now := m.now()
	assessment, err := m.Risk.EvaluateLogin(ctx, m.riskInput(acct.Email, acct.ID, rc))
	if err != nil {
		att.advance(StateRejected)
		return nil, err
	}
	att.advance(StateRiskChecked)

	if assessment.Blocked() {
		att.advance(StateRejected)
		if err := m.record(ctx, acct.Email, acct.ID, rc, false, models.FailFraudBlock, assessment.RiskScore); err != nil {
			return nil, err
		}
		log.Info("login blocked by risk policy", "account", acct.ID, "score", assessment.RiskScore, "rules", assessment.TriggeredRules)
		return nil, autherr.Blocked(assessment)
	}

	if acct.MfaEnabled {
		c := Challenge{
			ID:         newChallengeID(),
			AccountRef: acct.ID,
			Email:      acct.Email,
			IP:         rc.IP,
			UserAgent:  rc.UserAgent,
			CreatedAt:  now,
			ExpiresAt:  now.Add(m.challengeTTL),
		}
		if err := m.challenges.Put(ctx, c); err != nil {
			return nil, fmt.Errorf("store challenge: %w", err)
		}
		att.advance(StateAwaitingSecondFactor)
		log.Info("second factor required", "account", acct.ID)
		return &Outcome{
			State:              StateAwaitingSecondFactor,
			AccountRef:         acct.ID,
			Assessment:         assessment,
			ChallengeID:        c.ID,
			ChallengeExpiresAt: c.ExpiresAt,
		}, nil
	}

	out, err := m.authenticate(ctx, acct, rc, assessment)
	if err != nil {
		return nil, err
	}
	att.advance(StateAuthenticated)
	log.Info("login succeeded", "account", acct.ID, "score", assessment.RiskScore)
	return out, nil
}

func (m *Machine) rejectPassword(ctx context.Context, log *slog.Logger, email string, acct *models.Account, rc RequestContext) error {
	ref := ""
	if acct != nil {
		ref = acct.ID
	}
	if err := m.record(ctx, email, ref, rc, false, models.FailWrongPassword, 0); err != nil {
		return err
	}

	in := m.riskInput(email, ref, rc)
	// scored against the account, but without teaching it a new device or location
	in.Unverified = true
	assessment, err := m.Risk.EvaluateLogin(ctx, in)
	if err != nil {
		return err
	}
	if !assessment.Blocked() {
		log.Info("login failed: invalid credentials")
		return autherr.ErrInvalidCredential
	}

	if err := m.record(ctx, email, ref, rc, false, models.FailAccountLocked, assessment.RiskScore); err != nil {
		return err
	}
	if ref != "" {
		if err := m.lockLogin(ctx, ref, m.now()); err != nil {
			return err
		}
	}
	log.Warn("login locked after failed attempts", "account", ref, "score", assessment.RiskScore, "rules", assessment.TriggeredRules)
	return &autherr.RiskBlockedError{Assessment: assessment, Cause: autherr.ErrAccountLocked}
}

// VerifySecondFactor completes a login parked at AWAITING_SECOND_FACTOR.
//
// A wrong code leaves the challenge pending. An MFA lock, an exhausted
// attempt budget, an unreadable secret or a risk block on the re-check
// consume it.
func (m *Machine) VerifySecondFactor(ctx context.Context, challengeID, code string, rc RequestContext) (*Outcome, error) {
	ctx = context.WithoutCancel(ctx)
	now := m.now()

	c, err := m.challenges.Take(ctx, challengeID, now)
	if err != nil {
		return nil, err
	}
	log := m.logger.With("account", c.AccountRef, "ip", geoip.MaskIP(rc.IP))
	att := newAttempt(StateAwaitingSecondFactor, log)

	result, err := m.MFA.Verify(ctx, c.AccountRef, code)
	if err != nil {
		var sf *autherr.SecondFactorError
		switch {
		case errors.As(err, &sf) && sf.AttemptsRemaining > 0,
			errors.Is(err, autherr.ErrValidation):
			att.advance(StateAwaitingSecondFactor)
			if perr := m.challenges.Put(ctx, c); perr != nil {
				return nil, fmt.Errorf("store challenge: %w", perr)
			}
		default:
			att.advance(StateRejected)
		}
		return nil, err
	}

	acct, err := m.Accounts.GetAccount(ctx, c.AccountRef)
	if err != nil {
		att.advance(StateRejected)
		return nil, err
	}

	// The client may have moved between the two steps.
	assessment, err := m.Risk.EvaluateLogin(ctx, m.riskInput(acct.Email, acct.ID, rc))
	if err != nil {
		att.advance(StateRejected)
		return nil, err
	}
	if assessment.Blocked() {
		att.advance(StateRejected)
		if err := m.record(ctx, acct.Email, acct.ID, rc, false, models.FailFraudBlock, assessment.RiskScore); err != nil {
			return nil, err
		}
		log.Info("login blocked after second factor", "score", assessment.RiskScore, "rules", assessment.TriggeredRules)
		return nil, autherr.Blocked(assessment)
	}

	out, err := m.authenticate(ctx, acct, rc, assessment)
	if err != nil {
		return nil, err
	}
	out.SecondFactorMode = result.Mode
	att.advance(StateAuthenticated)
	log.Info("login succeeded", "mode", result.Mode, "score", assessment.RiskScore)
	return out, nil
}

func (m *Machine) authenticate(ctx context.Context, acct *models.Account, rc RequestContext, a *models.RiskAssessment) (*Outcome, error) {
	token, err := m.Issuer.Issue(acct)
	if err != nil {
		return nil, fmt.Errorf("issue credential: %w", err)
	}
	if err := m.record(ctx, acct.Email, acct.ID, rc, true, "", a.RiskScore); err != nil {
		return nil, err
	}
	return &Outcome{
		State:      StateAuthenticated,
		AccountRef: acct.ID,
		Assessment: a,
		Credential: token,
	}, nil
}

func (m *Machine) riskInput(email, ref string, rc RequestContext) engine.Input {
	return engine.Input{
		Email:      email,
		AccountRef: ref,
		IPAddress:  rc.IP,
		UserAgent:  rc.UserAgent,
		GeoTag:     rc.GeoTag,
	}
}

func (m *Machine) record(ctx context.Context, email, ref string, rc RequestContext, success bool, reason models.FailReason, score float64) error {
	err := m.Events.AppendLoginEvent(ctx, &models.LoginEvent{
		AccountRef: ref,
		Email:      email,
		IP:         rc.IP,
		UserAgent:  rc.UserAgent,
		Success:    success,
		FailReason: reason,
		RiskScore:  score,
		Timestamp:  m.now(),
	})
	if err != nil {
		return fmt.Errorf("record login event: %w", err)
	}
	return nil
}

func (m *Machine) lockLogin(ctx context.Context, ref string, now time.Time) error {
	until := now.Add(LoginLockDuration)
	_, err := m.Accounts.UpdateAccount(ctx, ref, func(a *models.Account) error {
		a.LoginLockUntil = &until
		return nil
	})
	if err != nil && !errors.Is(err, autherr.ErrAccountNotFound) {
		return fmt.Errorf("lock login: %w", err)
	}
	return nil
}
