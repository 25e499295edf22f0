// Package config loads the service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const insecureDefault = "changethis"

const (
	EnvLocal      = "local"
	EnvTest       = "test"
	EnvStaging    = "staging"
	EnvProduction = "production"
)

type Config struct {
	Environment string
	ProjectName string
	HTTPAddr    string
	APIPrefix   string
	PublicURL   string
	// TrustedProxies are IPs or CIDRs whose forwarding headers are believed.
	TrustedProxies []string

	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	EmailVerificationTTL time.Duration
	PasswordResetTTL     time.Duration

	MaxFailedLoginAttempts int
	LockoutDuration        time.Duration

	AccessTokenSecret        string
	RefreshTokenFingerprintK string

	// Raw env values; Argon2 converts them once they pass the range checks.
	Argon2Time        int
	Argon2MemoryKB    int
	Argon2Parallelism int

	FirstSuperuser         string
	FirstSuperuserUsername string
	FirstSuperuserPassword string

	RateLimit RateLimitConfig
	Redis     RedisConfig
	Mail      MailConfig
}

type RateLimitConfig struct {
	Enabled bool
	Limit   int
	Window  time.Duration
	Prefix  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type MailConfig struct {
	RabbitURL string
	Queue     string
}

// Load reads .env (best effort) and the process environment.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads the process environment only.
func FromEnv() Config {
	return Config{
		Environment: strings.ToLower(envStr("ENVIRONMENT", EnvLocal)),
		ProjectName: envStr("PROJECT_NAME", "pitchfork"),
		HTTPAddr:    envStr("HTTP_ADDR", "0.0.0.0:8431"),
		APIPrefix:   strings.TrimRight(envStr("API_PREFIX", "/api/v1"), "/"),
		PublicURL:   strings.TrimRight(envStr("PUBLIC_URL", "http://localhost:8431"), "/"),

		TrustedProxies: envList("TRUSTED_PROXIES"),

		AccessTokenTTL:       envMinutes("ACCESS_TOKEN_EXPIRE_MINUTES", 5),
		RefreshTokenTTL:      envMinutes("REFRESH_TOKEN_EXPIRE_MINUTES", 60*24*30),
		EmailVerificationTTL: envMinutes("EMAIL_VERIFICATION_TOKEN_EXPIRE_MINUTES", 60*24),
		PasswordResetTTL:     envMinutes("PASSWORD_RESET_TOKEN_EXPIRE_MINUTES", 30),

		MaxFailedLoginAttempts: envInt("MAX_FAILED_LOGIN_ATTEMPTS", 5),
		LockoutDuration:        envMinutes("LOCKED_ACCOUNT_TIMEOUT_MINUTES", 15),

		AccessTokenSecret:        envStr("SECRET_KEY_ACCESS_TOKENS", insecureDefault),
		RefreshTokenFingerprintK: envStr("SECRET_KEY_REFRESH_TOKENS_DB", insecureDefault),

		Argon2Time:        envInt("ARGON2_TIME", 3),
		Argon2MemoryKB:    envInt("ARGON2_MEMORY_KB", 64*1024),
		Argon2Parallelism: envInt("ARGON2_PARALLELISM", 4),

		FirstSuperuser:         strings.ToLower(envStr("FIRST_SUPERUSER", "")),
		FirstSuperuserUsername: envStr("FIRST_SUPERUSER_USERNAME", "admin"),
		FirstSuperuserPassword: envStr("FIRST_SUPERUSER_PASSWORD", insecureDefault),

		RateLimit: RateLimitConfig{
			Enabled: envBool("RATE_LIMIT_ENABLED", true),
			Limit:   envInt("RATE_LIMIT_LIMIT", 10),
			Window:  envDur("RATE_LIMIT_WINDOW", time.Minute),
			Prefix:  envStr("RATE_LIMIT_PREFIX", "rl:auth"),
		},
		Redis: RedisConfig{
			Addr:     envStr("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envInt("REDIS_DB", 0),
		},
		Mail: MailConfig{
			RabbitURL: os.Getenv("RABBITMQ_URL"),
			Queue:     envStr("MAIL_QUEUE", "auth.email"),
		},
	}
}

// Validate checks the settings the service cannot start without. Insecure
// secrets are fatal outside local and test; there they come back as warnings.
func (c Config) Validate() (warnings []string, err error) {
	var errs []error
	switch c.Environment {
	case EnvLocal, EnvTest, EnvStaging, EnvProduction:
	default:
		errs = append(errs, fmt.Errorf("ENVIRONMENT %q is not one of local, test, staging, production", c.Environment))
	}

	secrets := []struct{ name, value string }{
		{"SECRET_KEY_ACCESS_TOKENS", c.AccessTokenSecret},
		{"SECRET_KEY_REFRESH_TOKENS_DB", c.RefreshTokenFingerprintK},
	}
	if c.FirstSuperuser != "" {
		secrets = append(secrets, struct{ name, value string }{"FIRST_SUPERUSER_PASSWORD", c.FirstSuperuserPassword})
	}
	for _, s := range secrets {
		if s.value != "" && s.value != insecureDefault {
			continue
		}
		msg := fmt.Sprintf("the value of %s is %q, for security, please change it, at least for deployments", s.name, s.value)
		if c.Environment == EnvLocal || c.Environment == EnvTest {
			warnings = append(warnings, msg)
			continue
		}
		errs = append(errs, errors.New(msg))
	}

	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 || c.EmailVerificationTTL <= 0 || c.PasswordResetTTL <= 0 {
		errs = append(errs, errors.New("token lifetimes must be positive"))
	}
	if c.MaxFailedLoginAttempts < 1 {
		errs = append(errs, errors.New("MAX_FAILED_LOGIN_ATTEMPTS must be >= 1"))
	}
	if c.LockoutDuration <= 0 {
		errs = append(errs, errors.New("LOCKED_ACCOUNT_TIMEOUT_MINUTES must be positive"))
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	if _, _, _, err := c.Argon2(); err != nil {
		errs = append(errs, err)
	}
	return warnings, errors.Join(errs...)
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address becomes a
// single-host prefix.
func (c Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, v := range c.TrustedProxies {
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// Argon2 hashing bounds. Memory is in KiB; the cap is 4 GiB.
const (
	maxArgon2Time     = 100
	maxArgon2MemoryKB = 4 * 1024 * 1024
)

// Argon2 returns the hashing cost converted for the hasher. Out of range
// values are rejected rather than truncated.
func (c Config) Argon2() (iterations, memoryKB uint32, parallelism uint8, err error) {
	var errs []error
	if c.Argon2Time < 1 || c.Argon2Time > maxArgon2Time {
		errs = append(errs, fmt.Errorf("ARGON2_TIME must be in [1, %d], got %d", maxArgon2Time, c.Argon2Time))
	}
	if c.Argon2Parallelism < 1 || c.Argon2Parallelism > 255 {
		errs = append(errs, fmt.Errorf("ARGON2_PARALLELISM must be in [1, 255], got %d", c.Argon2Parallelism))
	} else if c.Argon2MemoryKB < 8*c.Argon2Parallelism || c.Argon2MemoryKB > maxArgon2MemoryKB {
		errs = append(errs, fmt.Errorf("ARGON2_MEMORY_KB must be in [%d, %d], got %d", 8*c.Argon2Parallelism, maxArgon2MemoryKB, c.Argon2MemoryKB))
	}
	if len(errs) > 0 {
		return 0, 0, 0, errors.Join(errs...)
	}
	return uint32(c.Argon2Time), uint32(c.Argon2MemoryKB), uint8(c.Argon2Parallelism), nil
}

// VerificationLink is the URL mailed to a newly registered user.
func (c Config) VerificationLink(raw string) string {
	return c.PublicURL + c.APIPrefix + "/auth/verify-email?token=" + raw
}

// PasswordResetLink is the URL of the frontend reset page for raw.
func (c Config) PasswordResetLink(raw string) string {
	return c.PublicURL + "/static/reset-password.html?token=" + raw
}

// StaticPage returns the absolute URL of a static page.
func (c Config) StaticPage(name string) string {
	return c.PublicURL + "/static/" + name
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

// envList splits a comma separated value, dropping empty items.
func envList(k string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(k), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}

func envMinutes(k string, d int) time.Duration {
	return time.Duration(envInt(k, d)) * time.Minute
}
