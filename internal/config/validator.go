package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// minSecretLength is the shortest accepted HMAC or publish secret.
const minSecretLength = 16

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidatePort validates a TCP port.
func (v *Validator) ValidatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535, got %d", port)
	}
	return nil
}

// ValidateURL checks that raw parses and uses one of the allowed schemes.
func (v *Validator) ValidateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return nil // optional
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: missing host in %q", field, raw)
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme {
			return nil
		}
	}
	return fmt.Errorf("%s: scheme %q not allowed (must be one of: %s)", field, u.Scheme, strings.Join(schemes, ", "))
}

// ValidateSecret rejects secrets too short to be useful.
func (v *Validator) ValidateSecret(field, secret string) error {
	if secret != "" && len(secret) < minSecretLength {
		return fmt.Errorf("%s must be at least %d characters", field, minSecretLength)
	}
	return nil
}

// ValidateDuration rejects negative durations. Zero means "use the default".
func (v *Validator) ValidateDuration(field string, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%s must be >= 0, got %s", field, d)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error
	add := func(err error) {
		if err != nil {
			errors = append(errors, err)
		}
	}

	add(v.ValidatePort(cfg.Server.Port))
	add(v.ValidateSecret("server.shared_secret", cfg.Server.SharedSecret))
	add(v.ValidateSecret("server.publish_secret", cfg.Server.PublishSecret))
	add(v.ValidateDuration("server.session_timeout", cfg.Server.SessionTimeout))
	add(v.ValidateDuration("server.sweep_interval", cfg.Server.SweepInterval))
	add(v.ValidateDuration("server.history_max_age", cfg.Server.HistoryMaxAge))
	add(v.ValidateDuration("server.history_sweep_interval", cfg.Server.HistorySweepInterval))
	add(v.ValidateDuration("server.tick_interval", cfg.Server.TickInterval))
	if cfg.Server.HistorySize < 0 {
		add(fmt.Errorf("server.history_size must be >= 0"))
	}
	if cfg.Server.RequestsPerMinute < 0 {
		add(fmt.Errorf("server.requests_per_minute must be >= 0"))
	}
	if cfg.Server.MaxAuthAttempts < 0 {
		add(fmt.Errorf("server.max_auth_attempts must be >= 0"))
	}

	client := cfg.Client
	add(v.ValidateURL("client.server_url", client.ServerURL, "ws", "wss"))
	add(v.ValidateURL("client.api_base_url", client.APIBaseURL, "http", "https"))
	add(v.ValidateDuration("client.reconnect.initial_delay", client.Reconnect.InitialDelay))
	add(v.ValidateDuration("client.reconnect.max_delay", client.Reconnect.MaxDelay))
	if client.Reconnect.Multiplier != 0 && client.Reconnect.Multiplier < 1 {
		add(fmt.Errorf("client.reconnect.multiplier must be >= 1, got %g", client.Reconnect.Multiplier))
	}
	if client.Reconnect.Jitter < 0 || client.Reconnect.Jitter > 1 {
		add(fmt.Errorf("client.reconnect.jitter must be between 0 and 1, got %g", client.Reconnect.Jitter))
	}
	if client.Reconnect.MaxAttempts < 0 {
		add(fmt.Errorf("client.reconnect.max_attempts must be >= 0"))
	}
	add(v.ValidateDuration("client.heartbeat_interval", client.HeartbeatInterval))
	if client.MaxMissedHeartbeats < 0 {
		add(fmt.Errorf("client.max_missed_heartbeats must be >= 0"))
	}
	add(v.ValidateDuration("client.request.timeout", client.Request.Timeout))
	add(v.ValidateDuration("client.request.base_delay", client.Request.BaseDelay))
	add(v.ValidateDuration("client.request.max_delay", client.Request.MaxDelay))
	if client.Request.MaxAttempts < 0 {
		add(fmt.Errorf("client.request.max_attempts must be >= 0"))
	}
	if client.Outbox.MaxAttempts < 0 {
		add(fmt.Errorf("client.outbox.max_attempts must be >= 0"))
	}
	add(v.ValidateDuration("client.outbox.flush_interval", client.Outbox.FlushInterval))
	add(v.ValidateDuration("client.cache.max_stale", client.Cache.MaxStale))
	add(v.ValidateDuration("client.cache.purge_interval", client.Cache.PurgeInterval))

	add(v.ValidateLogLevel(cfg.Logging.Level))
	if cfg.Logging.MaxSize < 0 {
		add(fmt.Errorf("logging.max_size must be >= 0"))
	}
	if cfg.Logging.MaxAge < 0 {
		add(fmt.Errorf("logging.max_age must be >= 0"))
	}

	return errors
}
