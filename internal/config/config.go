package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config holds application configuration.
type Config struct {
	LogLevel string

	// Storefront
	StorefrontBaseURL string
	UserAgent         string
	RequestTimeout    time.Duration

	// State store
	StoreBackend string
	StateDir     string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// Control API
	ControlAddr      string
	ControlPort      int
	ControlJWTSecret string
	ControlJWTIssuer string
	RateLimit        RateLimitConfig
	SecurityHeaders  SecurityHeadersConfig
	Validation       ValidationConfig

	// Two-factor
	TwoFactorTimeout time.Duration
	TwoFactorPrompt  bool

	// SMTP
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string
	NotifyTo     []string

	Accounts []AccountConfig
}

// AccountConfig holds the settings of one storefront account. Every field
// is read from ACCOUNT_<NAME>_<FIELD>.
type AccountConfig struct {
	Name          string
	Username      string
	Password      string
	TOTPSecret    string
	TwoFactorCode string
	Enabled       bool

	// Decision toggles
	IgnoreRegion         bool
	RevealIgnoringRegion bool
	GiftOwned            bool
	SkipUnknown          bool
	RequireExpiry        bool
	BlacklistApps        []uint32
	BlacklistNames       []string
	WithholdApps         []uint32
	WithholdAutoPaid     bool

	// Subscription
	RevealChoice  bool
	AutoPayChoice bool

	// Fetching
	RetryInterval  time.Duration
	Pacing         time.Duration
	BulkFetch      bool
	BulkChunkSize  int
	FetchDelay     time.Duration
	ExcludedOrders []string
	Platform       string

	// Ownership facts
	OwnedApps []uint32
	Region    string
}

// RateLimitConfig holds control API rate limits.
type RateLimitConfig struct {
	Enabled bool

	ReadRequestsPerMinute  int
	WriteRequestsPerMinute int
	Window                 time.Duration
}

// SecurityHeadersConfig holds the response headers of the control API.
type SecurityHeadersConfig struct {
	Enabled            bool
	CSP                string
	HSTSMaxAge         int
	FrameOptions       string
	ContentTypeOptions string
	ReferrerPolicy     string
}

// ValidationConfig holds request validation limits.
type ValidationConfig struct {
	MaxRequestBodySize int64
}

var accountNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),

		StorefrontBaseURL: getEnv("STOREFRONT_BASE_URL", "https://www.humblebundle.com"),
		UserAgent:         getEnv("STOREFRONT_USER_AGENT", ""),
		RequestTimeout:    getEnvDuration("STOREFRONT_TIMEOUT", 30*time.Second),

		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", StoreFile)),
		StateDir:     getEnv("STATE_DIR", "./state"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "keyclaim"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisPrefix:   getEnv("REDIS_PREFIX", "keyclaim"),

		ControlAddr:      getEnv("CONTROL_ADDR", "127.0.0.1"),
		ControlPort:      getEnvInt("CONTROL_PORT", 8080),
		ControlJWTSecret: getEnv("CONTROL_JWT_SECRET", ""),
		ControlJWTIssuer: getEnv("CONTROL_JWT_ISSUER", "keyclaim"),
		RateLimit: RateLimitConfig{
			Enabled:                getEnvBool("RATE_LIMIT_ENABLED", true),
			ReadRequestsPerMinute:  getEnvInt("RATE_LIMIT_READ_PER_MINUTE", 60),
			WriteRequestsPerMinute: getEnvInt("RATE_LIMIT_WRITE_PER_MINUTE", 10),
			Window:                 getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SecurityHeaders: SecurityHeadersConfig{
			Enabled:            getEnvBool("SECURITY_HEADERS_ENABLED", true),
			CSP:                getEnv("SECURITY_CSP", "default-src 'none'"),
			HSTSMaxAge:         getEnvInt("SECURITY_HSTS_MAX_AGE", 0),
			FrameOptions:       getEnv("SECURITY_FRAME_OPTIONS", "DENY"),
			ContentTypeOptions: getEnv("SECURITY_CONTENT_TYPE_OPTIONS", "nosniff"),
			ReferrerPolicy:     getEnv("SECURITY_REFERRER_POLICY", "no-referrer"),
		},
		Validation: ValidationConfig{
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 4096)),
		},

		TwoFactorTimeout: getEnvDuration("TWO_FACTOR_TIMEOUT", 5*time.Minute),
		TwoFactorPrompt:  getEnvBool("TWO_FACTOR_PROMPT", false),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnvInt("SMTP_PORT", 587),
		SMTPUser:     getEnv("SMTP_USER", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:     getEnv("SMTP_FROM", ""),
		SMTPFromName: getEnv("SMTP_FROM_NAME", "keyclaim"),
		NotifyTo:     getEnvList("NOTIFY_TO"),
	}

	switch cfg.StoreBackend {
	case StoreFile, StorePostgres, StoreRedis:
	default:
		return nil, fmt.Errorf("STORE_BACKEND must be one of file, postgres, redis; got %q", cfg.StoreBackend)
	}

	names := getEnvList("ACCOUNTS")
	if len(names) == 0 {
		return nil, fmt.Errorf("ACCOUNTS is required")
	}
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		key := strings.ToUpper(name)
		if seen[key] {
			return nil, fmt.Errorf("account %q listed twice", name)
		}
		seen[key] = true

		acct, err := loadAccount(name)
		if err != nil {
			return nil, err
		}
		cfg.Accounts = append(cfg.Accounts, acct)
	}

	return cfg, nil
}

func loadAccount(name string) (AccountConfig, error) {
	if !accountNamePattern.MatchString(name) {
		return AccountConfig{}, fmt.Errorf("account name %q may only contain letters, digits and underscores", name)
	}
	prefix := "ACCOUNT_" + strings.ToUpper(name) + "_"
	env := func(field string) string { return prefix + field }

	acct := AccountConfig{
		Name:          name,
		Username:      getEnv(env("USERNAME"), ""),
		Password:      getEnv(env("PASSWORD"), ""),
		TOTPSecret:    getEnv(env("TOTP_SECRET"), ""),
		TwoFactorCode: getEnv(env("TWO_FACTOR_CODE"), ""),
		Enabled:       getEnvBool(env("ENABLED"), true),

		IgnoreRegion:         getEnvBool(env("IGNORE_REGION"), false),
		RevealIgnoringRegion: getEnvBool(env("REVEAL_IGNORING_REGION"), false),
		GiftOwned:            getEnvBool(env("GIFT_OWNED"), false),
		SkipUnknown:          getEnvBool(env("SKIP_UNKNOWN"), false),
		RequireExpiry:        getEnvBool(env("REQUIRE_EXPIRY"), false),
		BlacklistNames:       getEnvList(env("BLACKLIST_NAMES")),
		WithholdAutoPaid:     getEnvBool(env("WITHHOLD_AUTO_PAID"), false),

		RevealChoice:  getEnvBool(env("REVEAL_CHOICE"), false),
		AutoPayChoice: getEnvBool(env("AUTO_PAY_CHOICE"), false),

		RetryInterval:  getEnvDuration(env("RETRY_INTERVAL"), time.Hour),
		Pacing:         getEnvDuration(env("PACING"), time.Second),
		BulkFetch:      getEnvBool(env("BULK_FETCH"), false),
		BulkChunkSize:  getEnvInt(env("BULK_CHUNK_SIZE"), 40),
		FetchDelay:     getEnvDuration(env("FETCH_DELAY"), 500*time.Millisecond),
		ExcludedOrders: getEnvList(env("EXCLUDED_ORDERS")),
		Platform:       getEnv(env("PLATFORM"), "steam"),

		Region: strings.ToUpper(getEnv(env("REGION"), "")),
	}

	var err error
	if acct.BlacklistApps, err = getEnvAppIDs(env("BLACKLIST_APPS")); err != nil {
		return AccountConfig{}, err
	}
	if acct.WithholdApps, err = getEnvAppIDs(env("WITHHOLD_APPS")); err != nil {
		return AccountConfig{}, err
	}
	if acct.OwnedApps, err = getEnvAppIDs(env("OWNED_APPS")); err != nil {
		return AccountConfig{}, err
	}

	if acct.Enabled {
		if acct.Username == "" {
			return AccountConfig{}, fmt.Errorf("%s is required", env("USERNAME"))
		}
		if acct.Password == "" {
			return AccountConfig{}, fmt.Errorf("%s is required", env("PASSWORD"))
		}
	}
	if acct.RetryInterval < 0 {
		return AccountConfig{}, fmt.Errorf("%s must not be negative", env("RETRY_INTERVAL"))
	}
	return acct, nil
}

// LoadControl reads only the control token settings, for tools that mint
// tokens without a full account configuration.
func LoadControl() (secret, issuer string, err error) {
	secret = getEnv("CONTROL_JWT_SECRET", "")
	if secret == "" {
		return "", "", fmt.Errorf("CONTROL_JWT_SECRET is required")
	}
	return secret, getEnv("CONTROL_JWT_ISSUER", "keyclaim"), nil
}

// HasSMTP returns true if pass summaries can be mailed.
func (c *Config) HasSMTP() bool {
	return c.SMTPHost != "" && c.SMTPFrom != "" && len(c.NotifyTo) > 0
}

// HasControlAPI returns true if the control API should be served.
func (c *Config) HasControlAPI() bool {
	return c.ControlJWTSecret != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAppIDs(key string) ([]uint32, error) {
	var ids []uint32
	for _, part := range getEnvList(key) {
		id, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid app id %q", key, part)
		}
		ids = append(ids, uint32(id))
	}
	return ids, nil
}
