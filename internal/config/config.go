// Package config handles configuration management for candlelife.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Backend       BackendConfig       `mapstructure:"backend"`
	Server        ServerConfig        `mapstructure:"server"`
	Subscriptions SubscriptionsConfig `mapstructure:"subscriptions"`
	Presence      PresenceConfig      `mapstructure:"presence"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Session       SessionConfig       `mapstructure:"session"`
	Store         StoreConfig         `mapstructure:"store"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// BackendConfig holds hosted backend connection configuration.
type BackendConfig struct {
	URL                string `mapstructure:"url"`
	AnonKey            string `mapstructure:"anon_key"`
	RequestTimeoutSecs int    `mapstructure:"request_timeout_secs"`
}

// ServerConfig holds local status API configuration.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// SubscriptionsConfig holds subscription registry configuration.
type SubscriptionsConfig struct {
	TeardownDebounceMS  int  `mapstructure:"teardown_debounce_ms"`
	JoinTimeoutSecs     int  `mapstructure:"join_timeout_secs"`
	SocketHeartbeatSecs int  `mapstructure:"socket_heartbeat_secs"`
	Rebind              bool `mapstructure:"rebind"`
	RebindInitialMS     int  `mapstructure:"rebind_initial_ms"`
	RebindMaxMS         int  `mapstructure:"rebind_max_ms"`
}

// PresenceConfig holds presence publishing and tracking configuration.
type PresenceConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	HeartbeatSecs int  `mapstructure:"heartbeat_secs"`
	StalenessSecs int  `mapstructure:"staleness_secs"`
}

// NotificationsConfig holds notification pipeline configuration.
type NotificationsConfig struct {
	Desktop      bool     `mapstructure:"desktop"`
	Sound        bool     `mapstructure:"sound"`
	SoundCommand string   `mapstructure:"sound_command"`
	SoundArgs    []string `mapstructure:"sound_args"`
	LogCapacity  int      `mapstructure:"log_capacity"`
}

// SessionConfig holds local session file configuration.
type SessionConfig struct {
	File  string `mapstructure:"file"`
	Watch bool   `mapstructure:"watch"`
}

// StoreConfig holds local durable store configuration.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from files and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default search paths
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.candlelife")
		v.AddConfigPath("/etc/candlelife")
	}

	// Environment variable prefix
	v.SetEnvPrefix("CANDLELIFE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	// Read config file (optional - not an error if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	// Post-process configuration
	if err := postProcess(&cfg); err != nil {
		return nil, err
	}

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Backend defaults
	v.SetDefault("backend.url", DefaultBackendURL)
	v.SetDefault("backend.anon_key", "")
	v.SetDefault("backend.request_timeout_secs", 15)

	// Local status API defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8787)

	// Subscription defaults
	v.SetDefault("subscriptions.teardown_debounce_ms", DefaultTeardownDebounceMS)
	v.SetDefault("subscriptions.join_timeout_secs", 10)
	v.SetDefault("subscriptions.socket_heartbeat_secs", 30)
	v.SetDefault("subscriptions.rebind", true)
	v.SetDefault("subscriptions.rebind_initial_ms", 1000)
	v.SetDefault("subscriptions.rebind_max_ms", 30000)

	// Presence defaults
	v.SetDefault("presence.enabled", true)
	v.SetDefault("presence.heartbeat_secs", DefaultPresenceHeartbeatSecs)
	v.SetDefault("presence.staleness_secs", DefaultPresenceStalenessSecs)

	// Notification defaults - sound command resolved in postProcess
	v.SetDefault("notifications.desktop", true)
	v.SetDefault("notifications.sound", true)
	v.SetDefault("notifications.sound_command", "")
	v.SetDefault("notifications.sound_args", []string{})
	v.SetDefault("notifications.log_capacity", DefaultNotificationLogCapacity)

	// Session defaults - file path resolved in postProcess
	v.SetDefault("session.file", "")
	v.SetDefault("session.watch", true)

	// Store defaults - path resolved in postProcess
	v.SetDefault("store.path", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// postProcess applies post-processing to configuration.
func postProcess(cfg *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to resolve config directory: %w", err)
	}

	// Default local file locations live under the config directory
	if cfg.Session.File == "" {
		cfg.Session.File = filepath.Join(configDir, DefaultSessionFileName)
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(configDir, DefaultStoreFileName)
	}

	// Resolve to absolute paths
	if cfg.Session.File, err = filepath.Abs(cfg.Session.File); err != nil {
		return fmt.Errorf("failed to resolve session.file: %w", err)
	}
	if cfg.Store.Path, err = filepath.Abs(cfg.Store.Path); err != nil {
		return fmt.Errorf("failed to resolve store.path: %w", err)
	}

	// Pick a platform sound player when none is configured. An empty
	// command after this means no player for this platform; the sound
	// step is skipped.
	if cfg.Notifications.Sound && cfg.Notifications.SoundCommand == "" {
		cfg.Notifications.SoundCommand, cfg.Notifications.SoundArgs = DefaultSoundCommand()
	}

	cfg.Backend.URL = strings.TrimRight(cfg.Backend.URL, "/")

	return nil
}

// GetConfigDir returns the user config directory for candlelife.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".candlelife"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
