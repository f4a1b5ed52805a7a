package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix may be prepended to every key; the prefixed variable wins over
// the bare one.
const EnvPrefix = "MAILBRIDGE"

type Config struct {
	HTTPPort   int
	SealSecret string
	TokenTTL   time.Duration

	PollInterval         time.Duration
	CycleTimeout         time.Duration
	IdleWindow           time.Duration
	SweepInterval        time.Duration
	MaxActiveMailboxes   int
	AuthFailureThreshold int
	FolderConcurrency    int

	DialTimeout        time.Duration
	InsecureSkipVerify bool

	RateLimitPerMinute int
	RateLimitBurst     int

	LogLevel  string
	LogFormat string
}

var defaults = map[string]any{
	"http_port":              8080,
	"seal_secret":            "",
	"token_ttl":              15 * time.Minute,
	"poll_interval":          45 * time.Second,
	"cycle_timeout":          20 * time.Second,
	"idle_window":            30 * time.Minute,
	"sweep_interval":         time.Minute,
	"max_active_mailboxes":   500,
	"auth_failure_threshold": 3,
	"folder_concurrency":     4,
	"dial_timeout":           15 * time.Second,
	"insecure_skip_verify":   false,
	"rate_limit_per_minute":  60,
	"rate_limit_burst":       20,
	"log_level":              "info",
	"log_format":             "text",
}

// Load reads the configuration from the environment and, when path is not
// empty, from the YAML file at path. Environment variables override the
// file.
func Load(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
		upper := strings.ToUpper(key)
		if err := v.BindEnv(key, EnvPrefix+"_"+upper, upper); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", upper, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := Config{
		HTTPPort:             v.GetInt("http_port"),
		SealSecret:           strings.TrimSpace(v.GetString("seal_secret")),
		TokenTTL:             v.GetDuration("token_ttl"),
		PollInterval:         v.GetDuration("poll_interval"),
		CycleTimeout:         v.GetDuration("cycle_timeout"),
		IdleWindow:           v.GetDuration("idle_window"),
		SweepInterval:        v.GetDuration("sweep_interval"),
		MaxActiveMailboxes:   v.GetInt("max_active_mailboxes"),
		AuthFailureThreshold: v.GetInt("auth_failure_threshold"),
		FolderConcurrency:    v.GetInt("folder_concurrency"),
		DialTimeout:          v.GetDuration("dial_timeout"),
		InsecureSkipVerify:   v.GetBool("insecure_skip_verify"),
		RateLimitPerMinute:   v.GetInt("rate_limit_per_minute"),
		RateLimitBurst:       v.GetInt("rate_limit_burst"),
		LogLevel:             strings.ToLower(strings.TrimSpace(v.GetString("log_level"))),
		LogFormat:            strings.ToLower(strings.TrimSpace(v.GetString("log_format"))),
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("HTTP_PORT %d out of range", c.HTTPPort))
	}
	for name, d := range map[string]time.Duration{
		"TOKEN_TTL":      c.TokenTTL,
		"POLL_INTERVAL":  c.PollInterval,
		"CYCLE_TIMEOUT":  c.CycleTimeout,
		"IDLE_WINDOW":    c.IdleWindow,
		"SWEEP_INTERVAL": c.SweepInterval,
		"DIAL_TIMEOUT":   c.DialTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	for name, n := range map[string]int{
		"MAX_ACTIVE_MAILBOXES":   c.MaxActiveMailboxes,
		"AUTH_FAILURE_THRESHOLD": c.AuthFailureThreshold,
		"FOLDER_CONCURRENCY":     c.FolderConcurrency,
	} {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.RateLimitPerMinute < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q must be text or json", c.LogFormat))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q must be debug, info, warn or error", c.LogLevel))
	}
	return errors.Join(errs...)
}
