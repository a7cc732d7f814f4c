package config

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Config is the tether configuration shared by the server daemon and the
// client commands.
type Config struct {
	Server  ServerConfig  `json:"server" mapstructure:"server"`
	Client  ClientConfig  `json:"client" mapstructure:"client"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// DataDir holds the PID file, the audit log and the client database.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig configures the session server.
type ServerConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
	// SharedSecret keys the HMAC credential verifier.
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
	// PublishSecret guards the /publish endpoint; empty disables it.
	PublishSecret string `json:"publish_secret" mapstructure:"publish_secret"`

	SessionTimeout       time.Duration `json:"session_timeout" mapstructure:"session_timeout"`
	SweepInterval        time.Duration `json:"sweep_interval" mapstructure:"sweep_interval"`
	HistorySize          int           `json:"history_size" mapstructure:"history_size"`
	HistoryMaxAge        time.Duration `json:"history_max_age" mapstructure:"history_max_age"`
	HistorySweepInterval time.Duration `json:"history_sweep_interval" mapstructure:"history_sweep_interval"`
	TickInterval         time.Duration `json:"tick_interval" mapstructure:"tick_interval"`
	RequestsPerMinute    int           `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxAuthAttempts      int           `json:"max_auth_attempts" mapstructure:"max_auth_attempts"`
	AuditLog             string        `json:"audit_log" mapstructure:"audit_log"`
}

// ClientConfig configures the client library used by the CLI.
type ClientConfig struct {
	ServerURL  string `json:"server_url" mapstructure:"server_url"`
	APIBaseURL string `json:"api_base_url" mapstructure:"api_base_url"`
	Credential string `json:"credential" mapstructure:"credential"`
	AgentID    string `json:"agent_id" mapstructure:"agent_id"`

	Reconnect           ReconnectConfig `json:"reconnect" mapstructure:"reconnect"`
	HeartbeatInterval   time.Duration   `json:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	MaxMissedHeartbeats int             `json:"max_missed_heartbeats" mapstructure:"max_missed_heartbeats"`
	Request             RequestConfig   `json:"request" mapstructure:"request"`
	Outbox              OutboxConfig    `json:"outbox" mapstructure:"outbox"`
	Cache               CacheConfig     `json:"cache" mapstructure:"cache"`
}

// ReconnectConfig is the backoff policy of the connection manager.
type ReconnectConfig struct {
	InitialDelay time.Duration `json:"initial_delay" mapstructure:"initial_delay"`
	Multiplier   float64       `json:"multiplier" mapstructure:"multiplier"`
	MaxDelay     time.Duration `json:"max_delay" mapstructure:"max_delay"`
	Jitter       float64       `json:"jitter" mapstructure:"jitter"`
	MaxAttempts  int           `json:"max_attempts" mapstructure:"max_attempts"`
}

// RequestConfig is the retry policy of the request gateway.
type RequestConfig struct {
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxAttempts int           `json:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" mapstructure:"max_delay"`
}

// OutboxConfig configures the durable action store.
type OutboxConfig struct {
	MaxAttempts   int           `json:"max_attempts" mapstructure:"max_attempts"`
	FlushInterval time.Duration `json:"flush_interval" mapstructure:"flush_interval"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	MaxStale      time.Duration `json:"max_stale" mapstructure:"max_stale"`
	PurgeInterval time.Duration `json:"purge_interval" mapstructure:"purge_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                 "0.0.0.0",
			Port:                 8420,
			SessionTimeout:       5 * time.Minute,
			SweepInterval:        time.Minute,
			HistorySize:          100,
			HistoryMaxAge:        10 * time.Minute,
			HistorySweepInterval: time.Minute,
			TickInterval:         30 * time.Second,
			RequestsPerMinute:    120,
			MaxAuthAttempts:      3,
		},
		Client: ClientConfig{
			ServerURL: "ws://127.0.0.1:8420/ws",
			Reconnect: ReconnectConfig{
				InitialDelay: time.Second,
				Multiplier:   2,
				MaxDelay:     30 * time.Second,
				Jitter:       0.1,
				MaxAttempts:  10,
			},
			HeartbeatInterval:   25 * time.Second,
			MaxMissedHeartbeats: 2,
			Request: RequestConfig{
				Timeout:     30 * time.Second,
				MaxAttempts: 3,
				BaseDelay:   time.Second,
				MaxDelay:    10 * time.Second,
			},
			Outbox: OutboxConfig{
				MaxAttempts:   10,
				FlushInterval: time.Minute,
			},
			Cache: CacheConfig{
				MaxStale:      24 * time.Hour,
				PurgeInterval: time.Hour,
			},
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// Addr is the server listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks the whole config and reports every problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	for _, err := range NewValidator().ValidateConfig(c) {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// ValidateServer is Validate plus the settings only the daemon needs.
func (c *Config) ValidateServer() error {
	var result *multierror.Error
	if err := c.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if c.Server.SharedSecret == "" {
		result = multierror.Append(result, fmt.Errorf("server.shared_secret is required to verify credentials"))
	}
	return result.ErrorOrNil()
}
