package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port                string   `mapstructure:"PORT"`
	Env                 string   `mapstructure:"ENV"`
	AuthMode            string   `mapstructure:"AUTH_MODE"`
	DatabaseURL         string   `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL            string   `mapstructure:"REDIS_URL"`
	AuthIssuer          string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL         string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience        string   `mapstructure:"AUTH_AUDIENCE"`
	DefaultTenant       string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins         []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS        float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst      int      `mapstructure:"RATE_LIMIT_BURST"`
	TLSEnabled          bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile         string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile          string   `mapstructure:"TLS_KEY_FILE"`

	// Bulk FHIR ingestion pipeline.
	FHIRServerURL       string  `mapstructure:"FHIR_SERVER_URL"`
	BulkDataDir         string  `mapstructure:"BULK_DATA_DIR"`
	RetryMaxAttempts    int     `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryBaseDelaySec   float64 `mapstructure:"RETRY_BASE_DELAY_SECONDS"`
	RetryMaxDelaySec    float64 `mapstructure:"RETRY_MAX_DELAY_SECONDS"`
	HTTPConnectTimeoutSec int   `mapstructure:"HTTP_CONNECT_TIMEOUT_SECONDS"`
	HTTPReadTimeoutSec    int   `mapstructure:"HTTP_READ_TIMEOUT_SECONDS"`
	HTTPWriteTimeoutSec   int   `mapstructure:"HTTP_WRITE_TIMEOUT_SECONDS"`
	HTTPPoolIdleSec       int   `mapstructure:"HTTP_POOL_IDLE_TIMEOUT_SECONDS"`
	ProgressLogIntervalSec int  `mapstructure:"PROGRESS_LOG_INTERVAL_SECONDS"`

	// SMART Backend Services client credentials for bulk export kick-off.
	SMARTTokenURL   string `mapstructure:"SMART_TOKEN_URL"`
	SMARTClientID   string `mapstructure:"SMART_CLIENT_ID"`
	SMARTPrivateKey string `mapstructure:"SMART_PRIVATE_KEY"`
	SMARTAlgorithm  string `mapstructure:"SMART_ALGORITHM"`
	SMARTScope      string `mapstructure:"SMART_SCOPE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("FHIR_SERVER_URL", "https://hapi.fhir.org/baseR4")
	v.SetDefault("BULK_DATA_DIR", "/data/bulk")
	v.SetDefault("RETRY_MAX_ATTEMPTS", 5)
	v.SetDefault("RETRY_BASE_DELAY_SECONDS", 1.0)
	v.SetDefault("RETRY_MAX_DELAY_SECONDS", 60.0)
	v.SetDefault("HTTP_CONNECT_TIMEOUT_SECONDS", 10)
	v.SetDefault("HTTP_READ_TIMEOUT_SECONDS", 300)
	v.SetDefault("HTTP_WRITE_TIMEOUT_SECONDS", 300)
	v.SetDefault("HTTP_POOL_IDLE_TIMEOUT_SECONDS", 60)
	v.SetDefault("PROGRESS_LOG_INTERVAL_SECONDS", 10)
	v.SetDefault("SMART_ALGORITHM", "RS384")
	v.SetDefault("SMART_SCOPE", "system/*.read")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("AUTH_MODE")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("DEFAULT_TENANT")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("TLS_ENABLED")
	v.BindEnv("TLS_CERT_FILE")
	v.BindEnv("TLS_KEY_FILE")
	v.BindEnv("FHIR_SERVER_URL")
	v.BindEnv("BULK_DATA_DIR")
	v.BindEnv("RETRY_MAX_ATTEMPTS")
	v.BindEnv("RETRY_BASE_DELAY_SECONDS")
	v.BindEnv("RETRY_MAX_DELAY_SECONDS")
	v.BindEnv("HTTP_CONNECT_TIMEOUT_SECONDS")
	v.BindEnv("HTTP_READ_TIMEOUT_SECONDS")
	v.BindEnv("HTTP_WRITE_TIMEOUT_SECONDS")
	v.BindEnv("HTTP_POOL_IDLE_TIMEOUT_SECONDS")
	v.BindEnv("PROGRESS_LOG_INTERVAL_SECONDS")
	v.BindEnv("SMART_TOKEN_URL")
	v.BindEnv("SMART_CLIENT_ID")
	v.BindEnv("SMART_PRIVATE_KEY")
	v.BindEnv("SMART_ALGORITHM")
	v.BindEnv("SMART_SCOPE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active — all requests get admin access.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise, the mode is inferred:
//   - ENV=development → "development" (no auth, all requests get admin)
//   - AUTH_ISSUER set → "external" (Keycloak, Auth0, etc.)
//   - Otherwise       → "standalone" (built-in SMART on FHIR server)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	if c.AuthIssuer != "" {
		return "external"
	}
	return "standalone"
}

// Validate checks that the configuration is safe to run. AUTH_ISSUER must be
// set when ENV=production and whenever the resolved auth mode is "external";
// other non-development environments without it resolve to standalone mode.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if c.IsProduction() && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_ISSUER must be set when ENV=production")
	}
	if mode == "external" && c.AuthIssuer == "" {
		return fmt.Errorf(
			"AUTH_ISSUER must be set when AUTH_MODE is \"external\" (current ENV=%q). "+
				"Refusing to start without authentication configuration. "+
				"Use AUTH_MODE=standalone to use the built-in SMART on FHIR server", c.Env)
	}
	if mode != "development" && mode != "standalone" && mode != "external" {
		return fmt.Errorf("AUTH_MODE must be \"development\", \"standalone\", or \"external\", got %q", mode)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
