// Package config loads process configuration: defaults, then an optional TOML
// file, then an optional .env file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Environment variables that override the file.
const (
	EnvAddr      = "BANKGUARD_ADDR"
	EnvMFAKey    = "MFA_ENCRYPTION_KEY"
	EnvJWTSecret = "JWT_SECRET"
	EnvDBPath    = "BANKGUARD_DB_PATH"
	EnvStorage   = "BANKGUARD_STORAGE"
	EnvGeoIPDB   = "BANKGUARD_GEOIP_CITY_DB"
)

const (
	MinJWTSecretLength = 20
	MinPBKDF2          = 100_000
)

// Config is the full process configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Security SecurityConfig `toml:"security"`
	Storage  StorageConfig  `toml:"storage"`
	GeoIP    GeoIPConfig    `toml:"geoip"`
	Risk     RiskConfig     `toml:"risk"`
}

type ServerConfig struct {
	Addr           string   `toml:"addr"`
	TrustedProxies []string `toml:"trusted_proxies"`

	// Per client IP, LoginLimit requests to the auth endpoints and MFALimit
	// to the second factor endpoints per RateWindowMinutes.
	LoginLimit        int `toml:"login_limit"`
	MFALimit          int `toml:"mfa_limit"`
	RateWindowMinutes int `toml:"rate_window_minutes"`
}

type SecurityConfig struct {
	// MFAEncryptionKey is the vault master key. Prefer the environment.
	MFAEncryptionKey string `toml:"mfa_encryption_key"`
	JWTSecret        string `toml:"jwt_secret"`
	TokenTTLHours    int    `toml:"token_ttl_hours"`
	TOTPIssuer       string `toml:"totp_issuer"`
	PBKDF2Iterations int    `toml:"pbkdf2_iterations"`
}

type StorageConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
}

type GeoIPConfig struct {
	// CityDB is a MaxMind City or Country database. Empty disables lookups.
	CityDB string `toml:"city_db"`
}

type RiskConfig struct {
	DefaultGeoTag string `toml:"default_geo_tag"`
	// TimeZone is an IANA name for the unusual-hours rule. Empty means local.
	TimeZone string `toml:"time_zone"`
}

// Default returns the built-in configuration. Secrets are left empty.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			LoginLimit:        1000,
			MFALimit:          10,
			RateWindowMinutes: 15,
		},
		Security: SecurityConfig{
			TokenTTLHours:    720,
			TOTPIssuer:       "SecureBankApp",
			PBKDF2Iterations: MinPBKDF2,
		},
		Storage: StorageConfig{
			Driver: "memory",
			Path:   "bankguard.db",
		},
		Risk: RiskConfig{
			DefaultGeoTag: "US",
		},
	}
}

// Load builds the configuration. path may be empty; a named file that does
// not exist is an error. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// LoadTOML decodes path over cfg.
func LoadTOML(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadDotEnv loads path into the environment when it exists. Variables that
// are already set win.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnvOverrides copies set environment variables over cfg.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv(EnvAddr); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv(EnvMFAKey); v != "" {
		c.Security.MFAEncryptionKey = v
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		c.Security.JWTSecret = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv(EnvStorage); v != "" {
		c.Storage.Driver = strings.ToLower(v)
	}
	if v := os.Getenv(EnvGeoIPDB); v != "" {
		c.GeoIP.CityDB = v
	}
}

// TokenTTL is the lifetime of issued credentials.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Security.TokenTTLHours) * time.Hour
}

// RateWindow is the rate limiter window.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.Server.RateWindowMinutes) * time.Minute
}

// Location resolves Risk.TimeZone.
func (c *Config) Location() (*time.Location, error) {
	if c.Risk.TimeZone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Risk.TimeZone)
}

// ValidationError is a single rejected setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors collects every rejected setting.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks that the process can start with c.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Security.MFAEncryptionKey == "" {
		errs = append(errs, ValidationError{Field: "security.mfa_encryption_key", Message: "must be set (" + EnvMFAKey + ")"})
	}
	if len(c.Security.JWTSecret) < MinJWTSecretLength {
		errs = append(errs, ValidationError{
			Field:   "security.jwt_secret",
			Message: fmt.Sprintf("must be at least %d characters (%s)", MinJWTSecretLength, EnvJWTSecret),
		})
	}
	if c.Security.TokenTTLHours < 1 {
		errs = append(errs, ValidationError{Field: "security.token_ttl_hours", Message: "must be positive"})
	}
	if c.Security.PBKDF2Iterations < MinPBKDF2 {
		errs = append(errs, ValidationError{
			Field:   "security.pbkdf2_iterations",
			Message: fmt.Sprintf("must be at least %d, got %d", MinPBKDF2, c.Security.PBKDF2Iterations),
		})
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			errs = append(errs, ValidationError{Field: "storage.path", Message: "required for sqlite"})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.driver",
			Message: fmt.Sprintf("invalid driver '%s', must be one of: memory, sqlite", c.Storage.Driver),
		})
	}

	if c.Server.LoginLimit < 1 || c.Server.MFALimit < 1 || c.Server.RateWindowMinutes < 1 {
		errs = append(errs, ValidationError{Field: "server", Message: "rate limits and window must be positive"})
	}
	if c.Risk.DefaultGeoTag == "" {
		errs = append(errs, ValidationError{Field: "risk.default_geo_tag", Message: "must be set"})
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, ValidationError{Field: "risk.time_zone", Message: err.Error()})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
