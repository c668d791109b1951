package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Runtime modes.
const (
	ModeProduction  = "production"
	ModeDevelopment = "development"
	ModeTest        = "test"
)

// Identity strategies.
const (
	StrategyLocal     = "local"
	StrategyFederated = "federated"
)

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Refresh-token reuse policies.
const (
	ReusePolicyRevokeFamily = "revoke_family"
	ReusePolicyRejectOnly   = "reject_only"
)

const minSigningSecretLen = 32

// Config holds application configuration loaded from environment variables.
type Config struct {
	Port     int    `envconfig:"PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Version  string `envconfig:"VERSION" default:"dev"`

	RuntimeMode      string `envconfig:"RUNTIME_MODE" default:"production"`
	IdentityStrategy string `envconfig:"IDENTITY_STRATEGY" default:"local"`

	TestBypassEnabled bool   `envconfig:"TEST_BYPASS_ENABLED" default:"false"`
	TestBypassSubject string `envconfig:"TEST_BYPASS_SUBJECT" default:"user123"`
	TestBypassRole    string `envconfig:"TEST_BYPASS_ROLE" default:"user"`

	TokenSigningSecret string        `envconfig:"TOKEN_SIGNING_SECRET" required:"true"`
	TokenIssuer        string        `envconfig:"TOKEN_ISSUER" default:"ethixai"`
	AccessTokenTTL     time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"15m"`
	RefreshTokenTTL    time.Duration `envconfig:"REFRESH_TOKEN_TTL" default:"336h"`
	RefreshReusePolicy string        `envconfig:"REFRESH_REUSE_POLICY" default:"revoke_family"`

	CookieMode   bool   `envconfig:"COOKIE_MODE" default:"false"`
	CookieSecure bool   `envconfig:"COOKIE_SECURE" default:"true"`
	CookieDomain string `envconfig:"COOKIE_DOMAIN" default:""`
	BcryptCost   int    `envconfig:"BCRYPT_COST" default:"12"`

	StoreBackend     string        `envconfig:"STORE_BACKEND" default:"postgres"`
	DatabaseURL      string        `envconfig:"DATABASE_URL" default:""`
	DatabaseMaxConns int32         `envconfig:"DATABASE_MAX_CONNS" default:"10"`
	AutoMigrate      bool          `envconfig:"AUTO_MIGRATE" default:"true"`
	SweepInterval    time.Duration `envconfig:"SWEEP_INTERVAL" default:"10m"`

	FederationIssuer       string        `envconfig:"FEDERATION_ISSUER" default:""`
	FederationAudience     string        `envconfig:"FEDERATION_AUDIENCE" default:""`
	FederationJWKSURL      string        `envconfig:"FEDERATION_JWKS_URL" default:""`
	FederationAdminURL     string        `envconfig:"FEDERATION_ADMIN_URL" default:""`
	FederationClientID     string        `envconfig:"FEDERATION_CLIENT_ID" default:""`
	FederationClientSecret string        `envconfig:"FEDERATION_CLIENT_SECRET" default:""`
	FederationTokenURL     string        `envconfig:"FEDERATION_TOKEN_URL" default:""`
	FederationTimeout      time.Duration `envconfig:"FEDERATION_TIMEOUT" default:"5s"`

	ClaimsSyncWorkers     int `envconfig:"CLAIMS_SYNC_WORKERS" default:"2"`
	ClaimsSyncQueueSize   int `envconfig:"CLAIMS_SYNC_QUEUE_SIZE" default:"256"`
	ClaimsSyncMaxAttempts int `envconfig:"CLAIMS_SYNC_MAX_ATTEMPTS" default:"3"`

	AMQPURL     string `envconfig:"AMQP_URL" default:""`
	NotifyQueue string `envconfig:"NOTIFY_QUEUE" default:"notifications"`
	AlertEmail  string `envconfig:"ALERT_EMAIL" default:""`

	RedisURL           string `envconfig:"REDIS_URL" default:""`
	RateLimitPerMinute int    `envconfig:"RATE_LIMIT_PER_MINUTE" default:"30"`
	RateLimitBurst     int    `envconfig:"RATE_LIMIT_BURST" default:"10"`
}

// Load reads configuration from environment variables into a Config struct
// and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsProduction reports whether the runtime mode is production.
func (c *Config) IsProduction() bool {
	return c.RuntimeMode == ModeProduction
}

// Validate rejects unknown enum values and unsafe combinations.
func (c *Config) Validate() error {
	var errs []error

	switch c.RuntimeMode {
	case ModeProduction, ModeDevelopment, ModeTest:
	default:
		errs = append(errs, fmt.Errorf("RUNTIME_MODE must be one of production, development, test; got %q", c.RuntimeMode))
	}

	switch c.IdentityStrategy {
	case StrategyLocal:
	case StrategyFederated:
		if c.FederationIssuer == "" || c.FederationAudience == "" || c.FederationJWKSURL == "" {
			errs = append(errs, errors.New("federated identity strategy requires FEDERATION_ISSUER, FEDERATION_AUDIENCE and FEDERATION_JWKS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("IDENTITY_STRATEGY must be local or federated; got %q", c.IdentityStrategy))
	}

	switch c.StoreBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be postgres or memory; got %q", c.StoreBackend))
	}

	switch c.RefreshReusePolicy {
	case ReusePolicyRevokeFamily, ReusePolicyRejectOnly:
	default:
		errs = append(errs, fmt.Errorf("REFRESH_REUSE_POLICY must be revoke_family or reject_only; got %q", c.RefreshReusePolicy))
	}

	if c.TestBypassEnabled && c.RuntimeMode == ModeProduction {
		errs = append(errs, errors.New("TEST_BYPASS_ENABLED cannot be set in production runtime mode"))
	}

	if len(c.TokenSigningSecret) < minSigningSecretLen {
		errs = append(errs, fmt.Errorf("TOKEN_SIGNING_SECRET must be at least %d bytes", minSigningSecretLen))
	}

	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	} else if c.AccessTokenTTL >= c.RefreshTokenTTL {
		errs = append(errs, errors.New("ACCESS_TOKEN_TTL must be shorter than REFRESH_TOKEN_TTL"))
	}

	if c.ClaimsSyncWorkers < 1 || c.ClaimsSyncQueueSize < 1 || c.ClaimsSyncMaxAttempts < 1 {
		errs = append(errs, errors.New("claims sync workers, queue size and max attempts must be positive"))
	}

	return errors.Join(errs...)
}
