// Package config loads an immutable configuration snapshot from the
// environment using viper, mirroring the env-var surface in spec.md §6.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider holds the url/key for one upstream (moderation or primary).
type Provider struct {
	URL    string
	Key    string
	Models []string // only populated for the moderation provider
}

// Timeouts holds every duration/count knob governing retry and streaming.
type Timeouts struct {
	MaxRetryTime  time.Duration
	RetryDelay    time.Duration
	StreamTimeout time.Duration
	MaxRetryCount int
	EnableRetry   bool
}

// RateLimits holds the per-route requests-per-minute ceilings.
type RateLimits struct {
	ChatRPM      int
	ImagesRPM    int
	AudioRPM     int
	ModelsRPM    int
	GlobalIPRPM  int
}

// ServiceHealth holds the circuit-breaker tuning knobs.
type ServiceHealth struct {
	MaxErrors   int
	ErrorWindow time.Duration
}

// Config is the immutable snapshot read once at process boot.
type Config struct {
	AuthKey            string
	FirstProvider      Provider // moderation
	SecondProvider     Provider // primary
	Timeouts           Timeouts
	RateLimits         RateLimits
	ServiceHealth      ServiceHealth
	WhitelistedModels  []string
	Port               string
}

// Load binds every spec.md §6 environment variable via viper and
// returns a validated snapshot, or an error describing the first
// missing/invalid setting.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	defaults := map[string]any{
		"MAX_RETRY_TIME":        30_000,
		"RETRY_DELAY":           500,
		"STREAM_TIMEOUT":        30_000,
		"MAX_RETRY_COUNT":       3,
		"ENABLE_RETRY":          false,
		"CHAT_RPM":              60,
		"IMAGES_RPM":            20,
		"AUDIO_RPM":             20,
		"MODELS_RPM":            60,
		"GLOBAL_IP_RPM":         120,
		"MAX_PROVIDER_ERRORS":   5,
		"PROVIDER_ERROR_WINDOW": 60_000,
		"PORT":                  "8080",
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	for _, key := range []string{
		"AUTH_KEY", "FIRST_PROVIDER_URL", "FIRST_PROVIDER_KEY", "FIRST_PROVIDER_MODELS",
		"SECOND_PROVIDER_URL", "SECOND_PROVIDER_KEY",
		"MAX_RETRY_TIME", "RETRY_DELAY", "STREAM_TIMEOUT", "MAX_RETRY_COUNT", "ENABLE_RETRY",
		"CHAT_RPM", "IMAGES_RPM", "AUDIO_RPM", "MODELS_RPM", "GLOBAL_IP_RPM",
		"MAX_PROVIDER_ERRORS", "PROVIDER_ERROR_WINDOW", "WHITELISTED_MODELS", "PORT",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	cfg := &Config{
		AuthKey: v.GetString("AUTH_KEY"),
		FirstProvider: Provider{
			URL:    v.GetString("FIRST_PROVIDER_URL"),
			Key:    v.GetString("FIRST_PROVIDER_KEY"),
			Models: splitCSV(v.GetString("FIRST_PROVIDER_MODELS")),
		},
		SecondProvider: Provider{
			URL: v.GetString("SECOND_PROVIDER_URL"),
			Key: v.GetString("SECOND_PROVIDER_KEY"),
		},
		Timeouts: Timeouts{
			MaxRetryTime:  time.Duration(v.GetInt("MAX_RETRY_TIME")) * time.Millisecond,
			RetryDelay:    time.Duration(v.GetInt("RETRY_DELAY")) * time.Millisecond,
			StreamTimeout: time.Duration(v.GetInt("STREAM_TIMEOUT")) * time.Millisecond,
			MaxRetryCount: v.GetInt("MAX_RETRY_COUNT"),
			EnableRetry:   v.GetBool("ENABLE_RETRY"),
		},
		RateLimits: RateLimits{
			ChatRPM:     v.GetInt("CHAT_RPM"),
			ImagesRPM:   v.GetInt("IMAGES_RPM"),
			AudioRPM:    v.GetInt("AUDIO_RPM"),
			ModelsRPM:   v.GetInt("MODELS_RPM"),
			GlobalIPRPM: v.GetInt("GLOBAL_IP_RPM"),
		},
		ServiceHealth: ServiceHealth{
			MaxErrors:   v.GetInt("MAX_PROVIDER_ERRORS"),
			ErrorWindow: time.Duration(v.GetInt("PROVIDER_ERROR_WINDOW")) * time.Millisecond,
		},
		WhitelistedModels: splitCSV(v.GetString("WHITELISTED_MODELS")),
		Port:              v.GetString("PORT"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.AuthKey == "" {
		return fmt.Errorf("config: AUTH_KEY must be set")
	}
	if c.SecondProvider.URL == "" {
		return fmt.Errorf("config: SECOND_PROVIDER_URL must be set")
	}
	if c.Timeouts.MaxRetryCount < 0 {
		return fmt.Errorf("config: MAX_RETRY_COUNT must be >= 0")
	}
	return nil
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
