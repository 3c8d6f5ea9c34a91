package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gokaycavdar/go-bankguard/pkg/api"
	"github.com/gokaycavdar/go-bankguard/pkg/auth"
	"github.com/gokaycavdar/go-bankguard/pkg/config"
	"github.com/gokaycavdar/go-bankguard/pkg/engine"
	"github.com/gokaycavdar/go-bankguard/pkg/geoip"
	"github.com/gokaycavdar/go-bankguard/pkg/mfa"
	"github.com/gokaycavdar/go-bankguard/pkg/storage"
	"github.com/gokaycavdar/go-bankguard/pkg/vault"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("FATAL: invalid configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Storage
	var store storage.Store
	switch cfg.Storage.Driver {
	case "sqlite":
		db, err := storage.OpenSQLite(cfg.Storage.Path)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		defer db.Close()
		store = db
	default:
		store = storage.NewMemoryStore()
	}

	// 2. Risk engine, optionally backed by a MaxMind database
	loc, err := cfg.Location()
	if err != nil {
		log.Fatalf("risk time zone: %v", err)
	}
	engineOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithLocation(loc),
		engine.WithDefaultGeoTag(cfg.Risk.DefaultGeoTag),
	}
	if cfg.GeoIP.CityDB != "" {
		geoService, err := geoip.NewService(cfg.GeoIP.CityDB)
		if err != nil {
			log.Fatalf("GeoIP: %v", err)
		}
		defer geoService.Close()
		engineOpts = append(engineOpts, engine.WithGeoTagger(geoService))
	}
	riskEngine := engine.New(store, store, engineOpts...)

	// 3. Second factor
	secrets, err := vault.New(cfg.Security.MFAEncryptionKey, vault.WithIterations(cfg.Security.PBKDF2Iterations))
	if err != nil {
		log.Fatalf("vault: %v", err)
	}
	mfaManager := mfa.New(store, secrets,
		mfa.WithIssuer(cfg.Security.TOTPIssuer),
		mfa.WithLogger(logger),
	)

	// 4. Login protocol
	tokens := auth.NewJWTIssuer(cfg.Security.JWTSecret, cfg.Security.TOTPIssuer, cfg.TokenTTL())
	machine := auth.New(auth.Deps{
		Accounts: store,
		Events:   store,
		Risk:     riskEngine,
		MFA:      mfaManager,
		Issuer:   tokens,
	}, auth.WithLogger(logger))

	// 5. HTTP
	router, err := api.NewRouter(api.Deps{
		Auth:         machine,
		MFA:          mfaManager,
		Transactions: riskEngine,
		Tokens:       tokens,
	},
		api.WithLogger(logger),
		api.WithTrustedProxies(cfg.Server.TrustedProxies),
		api.WithRateLimits(cfg.Server.LoginLimit, cfg.Server.MFALimit, cfg.RateWindow()),
	)
	if err != nil {
		log.Fatalf("router: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", cfg.Server.Addr, "storage", cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server stopped", "error", err)
	}
}
