package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gokaycavdar/go-bankguard/pkg/autherr"
	"github.com/gokaycavdar/go-bankguard/pkg/models"
	"github.com/gokaycavdar/go-bankguard/pkg/rules"
	"github.com/gokaycavdar/go-bankguard/pkg/storage"
)

var noon = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

const ua = "Mozilla/5.0 (X11; Linux x86_64)"

type staticGeo struct {
	tag string
	err error
}

func (g staticGeo) GeoTag(string) (string, error) { return g.tag, g.err }

type failingAlerts struct {
	*storage.MemoryStore
}

func (failingAlerts) AppendAlert(context.Context, *models.Alert) error {
	return errors.New("disk full")
}

func setup(t *testing.T, opts ...Option) (*RiskEngine, *storage.MemoryStore, *models.Account) {
	t.Helper()
	s := storage.NewMemoryStore()
	acct := &models.Account{
		Email:                    "alice@bank.test",
		KnownDevices:             []string{ua},
		KnownGeoTags:             []string{"US"},
		AverageTransactionAmount: 50,
	}
	require.NoError(t, s.CreateAccount(context.Background(), acct))
	opts = append([]Option{WithClock(func() time.Time { return noon }), WithLocation(time.UTC)}, opts...)
	return New(s, s, opts...), s, acct
}

func loginInput(acct *models.Account, ip string) Input {
	return Input{Email: acct.Email, AccountRef: acct.ID, IPAddress: ip, UserAgent: ua}
}

func TestActionFor(t *testing.T) {
	tests := []struct {
		score float64
		want  models.Action
	}{
		{0, models.ActionAllow},
		{0.29, models.ActionAllow},
		{0.3, models.ActionMonitor},
		{0.49, models.ActionMonitor},
		{0.5, models.ActionFlag},
		{0.69, models.ActionFlag},
		{0.7, models.ActionBlock},
		{2.1, models.ActionBlock},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ActionFor(tt.score), "score %v", tt.score)
	}
}

func TestEvaluateLoginAllowsKnownContext(t *testing.T) {
	eng, s, acct := setup(t)

	got, err := eng.EvaluateLogin(context.Background(), loginInput(acct, "10.0.0.1"))
	require.NoError(t, err)
	require.Equal(t, models.ActionAllow, got.Action)
	require.Zero(t, got.RiskScore)
	require.Empty(t, got.TriggeredRules)
	require.Empty(t, s.Alerts())
}

func TestThirdDistinctIPAddsWeight(t *testing.T) {
	ctx := context.Background()
	eng, s, acct := setup(t)

	before, err := eng.EvaluateLogin(ctx, loginInput(acct, "10.0.0.3"))
	require.NoError(t, err)

	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		require.NoError(t, s.AppendLoginEvent(ctx, &models.LoginEvent{
			AccountRef: acct.ID, Email: acct.Email, IP: ip, Success: true, Timestamp: noon.Add(-10 * time.Minute),
		}))
	}

	after, err := eng.EvaluateLogin(ctx, loginInput(acct, "10.0.0.3"))
	require.NoError(t, err)
	require.InDelta(t, before.RiskScore+0.35, after.RiskScore, 1e-9)
	require.Contains(t, after.TriggeredRules, rules.MultipleIPs)
	require.Equal(t, models.ActionMonitor, after.Action)

	alerts := s.Alerts()
	require.Len(t, alerts, 1)
	require.Equal(t, "LOGIN_MONITOR", alerts[0].AlertType)
	require.Equal(t, models.SeverityLow, alerts[0].Severity)
	require.Equal(t, acct.ID, alerts[0].AccountRef)
}

func TestBlockWritesHighSeverityAlert(t *testing.T) {
	ctx := context.Background()
	eng, s, acct := setup(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.AppendLoginEvent(ctx, &models.LoginEvent{
			AccountRef: acct.ID, Email: acct.Email, IP: "10.0.0.1",
			FailReason: models.FailWrongPassword, Timestamp: noon.Add(-time.Minute),
		}))
	}

	got, err := eng.EvaluateLogin(ctx, loginInput(acct, "10.0.0.1"))
	require.NoError(t, err)
	require.True(t, got.Blocked())
	require.Equal(t, []string{rules.MultipleFailedLogins}, got.TriggeredRules)

	alerts := s.Alerts()
	require.Len(t, alerts, 1)
	require.Equal(t, "LOGIN_BLOCK", alerts[0].AlertType)
	require.Equal(t, models.SeverityHigh, alerts[0].Severity)
	require.Equal(t, models.AlertPending, alerts[0].Status)
	require.Equal(t, got.RiskScore, alerts[0].Details.RiskScore)
}

func TestBlockFailsWhenAlertCannotBeWritten(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	acct := &models.Account{Email: "bob@bank.test", KnownDevices: []string{ua}, KnownGeoTags: []string{"US"}}
	require.NoError(t, s.CreateAccount(ctx, acct))
	for i := 0; i < 4; i++ {
		require.NoError(t, s.AppendLoginEvent(ctx, &models.LoginEvent{
			Email: acct.Email, FailReason: models.FailWrongPassword, Timestamp: noon,
		}))
	}

	eng := New(failingAlerts{s}, s, WithClock(func() time.Time { return noon }), WithLocation(time.UTC))
	got, err := eng.EvaluateLogin(ctx, loginInput(acct, "10.0.0.1"))
	require.ErrorIs(t, err, ErrAlertWrite)
	require.Nil(t, got)
}

func TestMonitorSurvivesAlertFailure(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	acct := &models.Account{Email: "carol@bank.test", KnownDevices: []string{"other"}, KnownGeoTags: []string{"US"}}
	require.NoError(t, s.CreateAccount(ctx, acct))

	eng := New(failingAlerts{s}, s,
		WithClock(func() time.Time { return time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC) }),
		WithLocation(time.UTC))

	// NEW_DEVICE 0.2 + UNUSUAL_TIME 0.15
	got, err := eng.EvaluateLogin(ctx, loginInput(acct, "10.0.0.1"))
	require.NoError(t, err)
	require.Equal(t, models.ActionMonitor, got.Action)
	require.Equal(t, []string{rules.UnusualTime, rules.NewDevice}, got.TriggeredRules)
}

func TestGeoTagResolution(t *testing.T) {
	ctx := context.Background()

	t.Run("provider tag", func(t *testing.T) {
		eng, _, acct := setup(t, WithGeoTagger(staticGeo{tag: "DE"}))
		got, err := eng.EvaluateLogin(ctx, loginInput(acct, "10.0.0.1"))
		require.NoError(t, err)
		require.Equal(t, []string{rules.UnusualLocation}, got.TriggeredRules)
		require.Equal(t, models.ActionFlag, got.Action)
	})

	t.Run("override wins", func(t *testing.T) {
		eng, _, acct := setup(t, WithGeoTagger(staticGeo{tag: "DE"}))
		in := loginInput(acct, "10.0.0.1")
		in.GeoTag = "US"
		got, err := eng.EvaluateLogin(ctx, in)
		require.NoError(t, err)
		require.Empty(t, got.TriggeredRules)
	})

	t.Run("provider failure falls back to default", func(t *testing.T) {
		eng, _, acct := setup(t, WithGeoTagger(staticGeo{err: errors.New("no record")}))
		got, err := eng.EvaluateLogin(ctx, loginInput(acct, "10.0.0.1"))
		require.NoError(t, err)
		require.Empty(t, got.TriggeredRules)
	})

	t.Run("custom default", func(t *testing.T) {
		eng, _, acct := setup(t, WithDefaultGeoTag("TR"))
		got, err := eng.EvaluateLogin(ctx, loginInput(acct, "10.0.0.1"))
		require.NoError(t, err)
		require.Equal(t, []string{rules.UnusualLocation}, got.TriggeredRules)
	})
}

func TestEvaluateTransactionAmountAnomaly(t *testing.T) {
	eng, s, acct := setup(t)

	got, err := eng.EvaluateTransaction(context.Background(), TransactionInput{
		AccountRef: acct.ID, Email: acct.Email, Amount: 5000,
	})
	require.NoError(t, err)
	require.Equal(t, []string{rules.AmountAnomaly}, got.TriggeredRules)
	require.InDelta(t, 0.3, got.RiskScore, 1e-9)
	require.Equal(t, models.ActionMonitor, got.Action)

	alerts := s.Alerts()
	require.Len(t, alerts, 1)
	require.Equal(t, "TRANSACTION_MONITOR", alerts[0].AlertType)
	// evaluation alone does not record the transaction
	require.Empty(t, s.TransactionEvents())
}

func TestScreenTransaction(t *testing.T) {
	ctx := context.Background()

	t.Run("validation", func(t *testing.T) {
		eng, _, acct := setup(t)
		for _, amount := range []float64{0, -5, 1_000_000.01} {
			_, _, err := eng.ScreenTransaction(ctx, TransactionInput{AccountRef: acct.ID, Amount: amount})
			require.ErrorIs(t, err, autherr.ErrValidation, "amount %v", amount)
		}
		_, _, err := eng.ScreenTransaction(ctx, TransactionInput{Amount: 10})
		require.ErrorIs(t, err, autherr.ErrValidation)
	})

	t.Run("completed updates average", func(t *testing.T) {
		eng, s, acct := setup(t)
		got, event, err := eng.ScreenTransaction(ctx, TransactionInput{
			AccountRef: acct.ID, Email: acct.Email, Amount: 150, Recipient: "TR00 0001",
		})
		require.NoError(t, err)
		require.Equal(t, models.ActionAllow, got.Action)
		require.Equal(t, models.TransactionCompleted, event.Status)
		require.Len(t, s.TransactionEvents(), 1)

		stored, err := s.GetAccount(ctx, acct.ID)
		require.NoError(t, err)
		require.InDelta(t, 100, stored.AverageTransactionAmount, 1e-9)
	})

	t.Run("blocked keeps average", func(t *testing.T) {
		eng, s, acct := setup(t)
		for i := 0; i < 6; i++ {
			require.NoError(t, s.AppendTransactionEvent(ctx, &models.TransactionEvent{
				AccountRef: acct.ID, Amount: 40, Status: models.TransactionCompleted,
				Timestamp: noon.Add(-10 * time.Second),
			}))
		}

		got, event, err := eng.ScreenTransaction(ctx, TransactionInput{
			AccountRef: acct.ID, Email: acct.Email, Amount: 5000,
		})
		require.NoError(t, err)
		require.True(t, got.Blocked())
		require.Equal(t, []string{rules.HighVelocity, rules.AmountAnomaly}, got.TriggeredRules)
		require.Equal(t, models.TransactionBlocked, event.Status)
		require.Equal(t, got.TriggeredRules, event.Flags)

		stored, err := s.GetAccount(ctx, acct.ID)
		require.NoError(t, err)
		require.InDelta(t, 50, stored.AverageTransactionAmount, 1e-9)
		require.Equal(t, "TRANSACTION_BLOCK", s.Alerts()[0].AlertType)
	})
}
