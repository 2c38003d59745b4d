package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environments
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Relay names accepted by EMAIL_RELAY.
const (
	RelaySMTP   = "smtp"
	RelayResend = "resend"
	RelayNoop   = "noop"
)

// Config is the process configuration, read once at startup.
type Config struct {
	Env         string
	Addr        string
	TemplateDir string

	CSRFKey          []byte
	CSRFKeyGenerated bool
	TrustedOrigins   []string
	RateLimit        int
	MaxUploadBytes   int64
	SlowRequest      time.Duration

	DispatchConcurrency int
	SendTimeout         time.Duration
	ShutdownWait        time.Duration

	// Relay
	Relay     string
	EmailUser string
	EmailPass string
	ReplyTo   string
	SMTPHost  string
	SMTPPort  int

	LogLevel  string
	LogFormat string
}

// Production reports whether the process runs in production.
func (c *Config) Production() bool {
	return c.Env == EnvProduction
}

// Load reads .env (if present) and the environment.
// POST: Returns a validated Config, or an error naming the offending variable
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.Env = strings.ToLower(getEnv("NEWSLETTER_ENV", EnvDevelopment))
	if cfg.Env != EnvDevelopment && cfg.Env != EnvProduction {
		return nil, fmt.Errorf("bad NEWSLETTER_ENV: %q", cfg.Env)
	}
	cfg.Addr = getEnv("NEWSLETTER_ADDR", ":8080")
	cfg.TemplateDir = getEnv("NEWSLETTER_TEMPLATE_DIR", "templates")

	key, generated, err := loadCSRFKey(getEnv("NEWSLETTER_CSRF_KEY", ""), cfg.Production())
	if err != nil {
		return nil, err
	}
	cfg.CSRFKey = key
	cfg.CSRFKeyGenerated = generated
	cfg.TrustedOrigins = getList("NEWSLETTER_TRUSTED_ORIGINS")

	var errs []error
	cfg.RateLimit = getInt("NEWSLETTER_RATE_LIMIT", 10, &errs)
	cfg.MaxUploadBytes = int64(getInt("NEWSLETTER_MAX_UPLOAD_BYTES", 5<<20, &errs))
	cfg.SlowRequest = time.Duration(getInt("NEWSLETTER_SLOW_REQUEST_MS", 200, &errs)) * time.Millisecond

	cfg.DispatchConcurrency = getInt("DISPATCH_CONCURRENCY", 0, &errs)
	cfg.SendTimeout = getDuration("SEND_TIMEOUT", 30*time.Second, &errs)
	cfg.ShutdownWait = getDuration("SHUTDOWN_WAIT", 10*time.Second, &errs)

	cfg.EmailUser = getEnv("EMAIL_USER", "")
	cfg.EmailPass = getEnv("EMAIL_PASS", "")
	cfg.ReplyTo = getEnv("EMAIL_REPLY_TO", "")
	cfg.SMTPHost = getEnv("SMTP_HOST", "smtp.gmail.com")
	cfg.SMTPPort = getInt("SMTP_PORT", 587, &errs)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	cfg.Relay, err = resolveRelay(strings.ToLower(getEnv("EMAIL_RELAY", "")), cfg)
	if err != nil {
		return nil, err
	}

	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = getEnv("LOG_FORMAT", "console")

	return cfg, nil
}

func resolveRelay(relay string, cfg *Config) (string, error) {
	hasCreds := cfg.EmailUser != "" && cfg.EmailPass != ""
	if relay == "" {
		relay = RelayNoop
		if hasCreds {
			relay = RelaySMTP
		}
	}

	switch relay {
	case RelaySMTP, RelayResend:
		if !hasCreds {
			return "", fmt.Errorf("%s relay selected but EMAIL_USER or EMAIL_PASS is missing", relay)
		}
	case RelayNoop:
		if cfg.Production() {
			return "", fmt.Errorf("noop relay is not allowed in production; set EMAIL_USER and EMAIL_PASS")
		}
	default:
		return "", fmt.Errorf("unknown EMAIL_RELAY: %q", relay)
	}
	return relay, nil
}

// loadCSRFKey decodes a hex-encoded 32-byte key. Outside production a random
// key is generated when none is set, so sessions do not survive a restart.
func loadCSRFKey(keyHex string, production bool) ([]byte, bool, error) {
	if keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil || len(key) != 32 {
			return nil, false, fmt.Errorf("NEWSLETTER_CSRF_KEY must be 64 hex characters (32 bytes)")
		}
		return key, false, nil
	}
	if production {
		return nil, false, fmt.Errorf("NEWSLETTER_CSRF_KEY is required in production")
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("generate csrf key: %w", err)
	}
	return key, true, nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getList(key string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getInt parses a non-negative integer. Bad values are appended to errs and
// the default is kept so Load can report every offending variable at once.
func getInt(key string, def int, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		*errs = append(*errs, fmt.Errorf("bad %s: %q is not a non-negative integer", key, v))
		return def
	}
	return n
}

func getDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Errorf("bad %s: %q is not a positive duration", key, v))
		return def
	}
	return d
}
