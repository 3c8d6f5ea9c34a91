// Package api is the HTTP adapter over the authentication engine.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gokaycavdar/go-bankguard/pkg/auth"
	"github.com/gokaycavdar/go-bankguard/pkg/engine"
	"github.com/gokaycavdar/go-bankguard/pkg/mfa"
	"github.com/gokaycavdar/go-bankguard/pkg/models"
)

// Authenticator is the login protocol. *auth.Machine implements it.
type Authenticator interface {
	Register(ctx context.Context, email, password string) (*auth.Outcome, error)
	Login(ctx context.Context, email, password string, rc auth.RequestContext) (*auth.Outcome, error)
	VerifySecondFactor(ctx context.Context, challengeID, code string, rc auth.RequestContext) (*auth.Outcome, error)
}

// SecondFactorManager is the MFA lifecycle. *mfa.Manager implements it.
type SecondFactorManager interface {
	Setup(ctx context.Context, ref string) (*mfa.SetupResult, error)
	Verify(ctx context.Context, ref, code string) (*mfa.VerifyResult, error)
	Disable(ctx context.Context, ref string) error
	RegenerateCodes(ctx context.Context, ref string) ([]string, error)
	Status(ctx context.Context, ref string) (mfa.State, error)
}

// TransactionScreener screens transfers. *engine.RiskEngine implements it.
type TransactionScreener interface {
	ScreenTransaction(ctx context.Context, in engine.TransactionInput) (*models.RiskAssessment, *models.TransactionEvent, error)
}

// Deps are the collaborators of the router.
type Deps struct {
	Auth         Authenticator
	MFA          SecondFactorManager
	Transactions TransactionScreener
	Tokens       TokenParser
}

type server struct {
	Deps
	logger *slog.Logger
}

type options struct {
	logger         *slog.Logger
	trustedProxies []string
	loginLimit     int
	mfaLimit       int
	window         time.Duration
	geoHeader      string
}

// Option configures the router.
type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTrustedProxies sets the proxies whose X-Forwarded-For is honored.
func WithTrustedProxies(cidrs []string) Option {
	return func(o *options) { o.trustedProxies = cidrs }
}

// WithRateLimits allows login and mfa requests per window and client IP.
func WithRateLimits(login, mfa int, window time.Duration) Option {
	return func(o *options) {
		if login > 0 && mfa > 0 && window > 0 {
			o.loginLimit, o.mfaLimit, o.window = login, mfa, window
		}
	}
}

// WithGeoHeader names a request header carrying an already resolved geo-tag,
// set by an edge proxy. Leave unset unless the proxy strips it from clients.
func WithGeoHeader(name string) Option {
	return func(o *options) { o.geoHeader = name }
}

// NewRouter builds the gin engine.
func NewRouter(deps Deps, opts ...Option) (*gin.Engine, error) {
	o := options{
		logger:     slog.Default(),
		loginLimit: 1000,
		mfaLimit:   10,
		window:     15 * time.Minute,
	}
	for _, opt := range opts {
		opt(&o)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	if err := r.SetTrustedProxies(o.trustedProxies); err != nil {
		return nil, err
	}

	s := &server{Deps: deps, logger: o.logger}
	authLimit := newIPLimiter(o.loginLimit, o.window, "Too many attempts, please try again later").middleware()
	mfaLimit := newIPLimiter(o.mfaLimit, o.window, "Too many MFA attempts, please try again later").middleware()
	protect := requireAuth(deps.Tokens)
	requestContext := func(c *gin.Context) auth.RequestContext {
		rc := auth.RequestContext{IP: c.ClientIP(), UserAgent: c.Request.UserAgent()}
		if o.geoHeader != "" {
			rc.GeoTag = c.GetHeader(o.geoHeader)
		}
		return rc
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := r.Group("/api")
	{
		a := api.Group("/auth")
		a.POST("/register", authLimit, s.register)
		a.POST("/login", authLimit, func(c *gin.Context) { s.login(c, requestContext(c)) })
		a.POST("/mfa/verify", mfaLimit, func(c *gin.Context) { s.verifySecondFactor(c, requestContext(c)) })

		m := a.Group("/mfa", protect)
		m.GET("/status", s.mfaStatus)
		m.POST("/setup", s.mfaSetup)
		m.POST("/confirm", mfaLimit, s.mfaConfirm)
		m.POST("/disable", s.mfaDisable)
		m.POST("/regenerate-codes", s.mfaRegenerate)

		api.POST("/transactions", protect, func(c *gin.Context) { s.transfer(c, requestContext(c)) })
	}
	return r, nil
}

func accountRef(c *gin.Context) string { return c.GetString(ctxAccountRef) }

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *server) register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Email and password are required"})
		return
	}
	out, err := s.Auth.Register(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (s *server) login(c *gin.Context, rc auth.RequestContext) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// same answer as a wrong password
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid credentials"})
		return
	}
	out, err := s.Auth.Login(c.Request.Context(), req.Email, req.Password, rc)
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	if out.State == auth.StateAwaitingSecondFactor {
		c.JSON(http.StatusOK, gin.H{
			"success":            false,
			"mfaRequired":        true,
			"message":            "MFA Verification Required",
			"challengeId":        out.ChallengeID,
			"challengeExpiresAt": out.ChallengeExpiresAt,
		})
		return
	}
	c.JSON(http.StatusOK, out)
}

type codeRequest struct {
	ChallengeID string `json:"challengeId"`
	Code        string `json:"token" binding:"required"`
}

func (s *server) verifySecondFactor(c *gin.Context, rc auth.RequestContext) {
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ChallengeID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Challenge and token required"})
		return
	}
	out, err := s.Auth.VerifySecondFactor(c.Request.Context(), req.ChallengeID, req.Code, rc)
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *server) mfaStatus(c *gin.Context) {
	state, err := s.MFA.Status(c.Request.Context(), accountRef(c))
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

func (s *server) mfaSetup(c *gin.Context) {
	res, err := s.MFA.Setup(c.Request.Context(), accountRef(c))
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, res)
}

func (s *server) mfaConfirm(c *gin.Context) {
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Token required"})
		return
	}
	res, err := s.MFA.Verify(c.Request.Context(), accountRef(c), req.Code)
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *server) mfaDisable(c *gin.Context) {
	if err := s.MFA.Disable(c.Request.Context(), accountRef(c)); err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "mfaEnabled": false})
}

func (s *server) mfaRegenerate(c *gin.Context) {
	codes, err := s.MFA.RegenerateCodes(c.Request.Context(), accountRef(c))
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{"success": true, "recoveryCodes": codes})
}

type transferRequest struct {
	Amount    float64 `json:"amount" binding:"required"`
	Recipient string  `json:"recipient" binding:"required"`
}

func (s *server) transfer(c *gin.Context, rc auth.RequestContext) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Amount and recipient are required"})
		return
	}
	assessment, event, err := s.Transactions.ScreenTransaction(c.Request.Context(), engine.TransactionInput{
		AccountRef: accountRef(c),
		Email:      c.GetString(ctxEmail),
		IPAddress:  rc.IP,
		Amount:     req.Amount,
		Recipient:  req.Recipient,
	})
	if err != nil {
		writeError(c, s.logger, err)
		return
	}
	if assessment.Blocked() {
		c.JSON(http.StatusForbidden, gin.H{
			"message":     "Transaction blocked by fraud detection",
			"risk":        assessment,
			"transaction": event,
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": event, "risk": assessment})
}
