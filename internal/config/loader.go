package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TETHER_SERVER_PORT.
const EnvPrefix = "TETHER"

// ErrNoConfigFile is returned by Watch when there is no file to watch.
var ErrNoConfigFile = errors.New("config file does not exist")

// Loader handles configuration loading
type Loader struct {
	configPath string

	mu sync.Mutex
	v  *viper.Viper
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file if it exists and applies TETHER_* environment
// overrides on top of the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to get home directory")
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about.
	if err := setDefaults(v, DefaultConfig()); err != nil {
		return nil, err
	}

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.v = v
	l.mu.Unlock()
	return cfg, nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to get home directory")
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	sections, err := toMap(cfg)
	if err != nil {
		return err
	}
	for key, value := range sections {
		v.Set(key, value)
	}

	if err := v.WriteConfig(); err != nil {
		// If file doesn't exist, create it
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	// The file may carry the shared secret.
	return os.Chmod(configPath, 0600)
}

// Watch calls onChange with the re-read config every time the file is
// written. The log level is applied before onChange runs. Load must have
// been called first.
func (l *Loader) Watch(onChange func(*Config)) error {
	l.mu.Lock()
	v := l.v
	l.mu.Unlock()
	if v == nil {
		return fmt.Errorf("config not loaded")
	}
	if _, err := os.Stat(v.ConfigFileUsed()); err != nil {
		return fmt.Errorf("%w: %s", ErrNoConfigFile, v.ConfigFileUsed())
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("Ignoring invalid config change")
			return
		}
		if err := applyLogLevel(cfg.Logging.Level); err != nil {
			log.Warn().Err(err).Msg("Ignoring invalid log level")
		}
		log.Info().Str("file", e.Name).Str("level", cfg.Logging.Level).Msg("Config reloaded")
		if onChange != nil {
			onChange(cfg)
		}
	})
	v.WatchConfig()
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".tether", "tether.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".tether")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "tether.log")
	}
	if cfg.Server.AuditLog == "" {
		cfg.Server.AuditLog = filepath.Join(cfg.DataDir, "audit.log")
	}
	return cfg, nil
}

func applyLogLevel(level string) error {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(parsed)
	return nil
}

func toMap(cfg *Config) (map[string]interface{}, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return out, nil
}

func setDefaults(v *viper.Viper, cfg *Config) error {
	m, err := toMap(cfg)
	if err != nil {
		return err
	}
	var walk func(prefix string, m map[string]interface{})
	walk = func(prefix string, m map[string]interface{}) {
		for key, value := range m {
			if prefix != "" {
				key = prefix + "." + key
			}
			if nested, ok := value.(map[string]interface{}); ok {
				walk(key, nested)
				continue
			}
			v.SetDefault(key, value)
		}
	}
	walk("", m)
	return nil
}
