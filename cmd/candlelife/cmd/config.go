package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/DIGONADA/candlelife-85/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	configInitLocal bool
	configInitForce bool
)

// configCmd displays or manages configuration.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Display and manage configuration",
	Long: `Display and manage candlelife configuration.

Without subcommands, shows the current effective configuration.

Examples:
  candlelife config              # Show current config
  candlelife config init         # Create config file with defaults
  candlelife config path         # Show config file location
  candlelife config get <key>    # Get a config value
  candlelife config set <key> <value>  # Set a config value`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		printConfig(cfg)
	},
}

// configInitCmd creates a config file with defaults.
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a config file with default settings",
	Long: `Create a config file with default settings and documentation.

By default, creates ~/.candlelife/config.yaml.
Use --local to create ./config.yaml in the current directory.

Examples:
  candlelife config init          # Create ~/.candlelife/config.yaml
  candlelife config init --local  # Create ./config.yaml
  candlelife config init --force  # Overwrite existing file`,
	RunE: runConfigInit,
}

// configPathCmd shows config file location.
var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show config file location",
	Long: `Show where the config file is located and whether it exists.

Examples:
  candlelife config path`,
	Run: runConfigPath,
}

// configGetCmd gets a config value.
var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Long: `Get a configuration value by key.

Keys use dot notation to access nested values.

Examples:
  candlelife config get server.port
  candlelife config get logging.level
  candlelife config get presence.heartbeat_secs`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

// configSetCmd sets a config value.
var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value by key.

Creates the config file if it doesn't exist.
Keys use dot notation to access nested values.

Examples:
  candlelife config set server.port 9000
  candlelife config set logging.level debug
  candlelife config set notifications.sound false`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

func init() {
	// Add subcommands to config
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)

	// Flags for init
	configInitCmd.Flags().BoolVar(&configInitLocal, "local", false, "create config in current directory instead of ~/.candlelife/")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite existing config file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	var configPath string

	if configInitLocal {
		configPath = "config.yaml"
	} else {
		configDir, err := config.EnsureConfigDir()
		if err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		configPath = filepath.Join(configDir, "config.yaml")
	}

	// Check if file exists
	if _, err := os.Stat(configPath); err == nil {
		if !configInitForce {
			return fmt.Errorf("config file already exists: %s\nUse --force to overwrite", configPath)
		}
	}

	// Write default config with comments
	if err := writeDefaultConfig(configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Created %s\n", configPath)
	fmt.Println("Edit this file to customize candlelife behavior.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) {
	configDir, err := config.GetConfigDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting config dir: %v\n", err)
		os.Exit(1)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	// Check various locations
	locations := []string{
		"./config.yaml",
		configPath,
		"/etc/candlelife/config.yaml",
	}

	fmt.Println("Config search paths (in order):")
	for i, loc := range locations {
		exists := "not found"
		if _, err := os.Stat(loc); err == nil {
			exists = "exists"
		}
		fmt.Printf("  %d. %s (%s)\n", i+1, loc, exists)
	}

	fmt.Printf("\nConfig directory: %s\n", configDir)
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	value, err := getConfigValue(cfg, key)
	if err != nil {
		return err
	}

	fmt.Println(value)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	// Determine config path
	configDir, err := config.EnsureConfigDir()
	if err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	configPath := filepath.Join(configDir, "config.yaml")

	// Load existing config or create new one
	var data map[string]interface{}

	if content, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(content, &data); err != nil {
			return fmt.Errorf("failed to parse existing config: %w", err)
		}
	}

	if data == nil {
		data = make(map[string]interface{})
	}

	// Set the value
	if err := setNestedValue(data, key, value); err != nil {
		return err
	}

	// Write back
	content, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Set %s = %s in %s\n", key, value, configPath)
	return nil
}

func getConfigValue(cfg *config.Config, key string) (interface{}, error) {
	parts := strings.Split(key, ".")

	switch parts[0] {
	case "backend":
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid key: %s", key)
		}
		switch parts[1] {
		case "url":
			return cfg.Backend.URL, nil
		case "anon_key":
			return cfg.Backend.AnonKey, nil
		case "request_timeout_secs":
			return cfg.Backend.RequestTimeoutSecs, nil
		}
	case "server":
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid key: %s", key)
		}
		switch parts[1] {
		case "enabled":
			return cfg.Server.Enabled, nil
		case "port":
			return cfg.Server.Port, nil
		case "host":
			return cfg.Server.Host, nil
		}
	case "subscriptions":
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid key: %s", key)
		}
		switch parts[1] {
		case "teardown_debounce_ms":
			return cfg.Subscriptions.TeardownDebounceMS, nil
		case "join_timeout_secs":
			return cfg.Subscriptions.JoinTimeoutSecs, nil
		case "socket_heartbeat_secs":
			return cfg.Subscriptions.SocketHeartbeatSecs, nil
		case "rebind":
			return cfg.Subscriptions.Rebind, nil
		case "rebind_initial_ms":
			return cfg.Subscriptions.RebindInitialMS, nil
		case "rebind_max_ms":
			return cfg.Subscriptions.RebindMaxMS, nil
		}
	case "presence":
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid key: %s", key)
		}
		switch parts[1] {
		case "enabled":
			return cfg.Presence.Enabled, nil
		case "heartbeat_secs":
			return cfg.Presence.HeartbeatSecs, nil
		case "staleness_secs":
			return cfg.Presence.StalenessSecs, nil
		}
	case "notifications":
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid key: %s", key)
		}
		switch parts[1] {
		case "desktop":
			return cfg.Notifications.Desktop, nil
		case "sound":
			return cfg.Notifications.Sound, nil
		case "sound_command":
			return cfg.Notifications.SoundCommand, nil
		case "log_capacity":
			return cfg.Notifications.LogCapacity, nil
		}
	case "session":
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid key: %s", key)
		}
		switch parts[1] {
		case "file":
			return cfg.Session.File, nil
		case "watch":
			return cfg.Session.Watch, nil
		}
	case "store":
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid key: %s", key)
		}
		switch parts[1] {
		case "path":
			return cfg.Store.Path, nil
		}
	case "logging":
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid key: %s", key)
		}
		switch parts[1] {
		case "level":
			return cfg.Logging.Level, nil
		case "format":
			return cfg.Logging.Format, nil
		}
	}

	return nil, fmt.Errorf("unknown config key: %s", key)
}

func setNestedValue(data map[string]interface{}, key string, value string) error {
	parts := strings.Split(key, ".")

	// Navigate to the parent
	current := data
	for i := 0; i < len(parts)-1; i++ {
		if _, ok := current[parts[i]]; !ok {
			current[parts[i]] = make(map[string]interface{})
		}
		if nested, ok := current[parts[i]].(map[string]interface{}); ok {
			current = nested
		} else {
			return fmt.Errorf("cannot set nested value: %s is not a map", parts[i])
		}
	}

	// Convert value to appropriate type based on key
	finalKey := parts[len(parts)-1]
	current[finalKey] = parseValue(key, value)

	return nil
}

func parseValue(key string, value string) interface{} {
	// Boolean values
	if value == "true" {
		return true
	}
	if value == "false" {
		return false
	}

	// Integer values for known int fields
	intKeys := []string{"port", "request_timeout_secs", "teardown_debounce_ms",
		"join_timeout_secs", "socket_heartbeat_secs", "rebind_initial_ms",
		"rebind_max_ms", "heartbeat_secs", "staleness_secs", "log_capacity"}
	for _, k := range intKeys {
		if strings.HasSuffix(key, k) {
			var i int
			if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
				return i
			}
		}
	}

	// Default to string
	return value
}

func writeDefaultConfig(path string) error {
	content := `# candlelife Configuration
# Copy this file to ~/.candlelife/config.yaml and modify as needed

# Backend connection
backend:
  # Hosted backend base URL
  url: "https://api.candlelife.app"

  # Publishable API key sent with every request
  anon_key: ""

  # Timeout for REST requests in seconds
  request_timeout_secs: 15

# Local status API (HTTP + WebSocket)
server:
  enabled: true

  # Bind address (use 0.0.0.0 to allow other devices on the network)
  host: "127.0.0.1"

  # Port for HTTP API and WebSocket event stream
  port: 8787

# Realtime subscriptions
subscriptions:
  # How long an unused channel lingers before teardown (milliseconds)
  teardown_debounce_ms: 1000

  # Timeout for a channel join handshake in seconds
  join_timeout_secs: 10

  # Socket heartbeat interval in seconds
  socket_heartbeat_secs: 30

  # Retry failed channel joins with backoff
  rebind: true
  rebind_initial_ms: 1000
  rebind_max_ms: 30000

# Presence publishing and tracking
presence:
  enabled: true

  # Own-status heartbeat interval in seconds
  heartbeat_secs: 25

  # Age past which another user's status reads as offline
  staleness_secs: 90

# Notifications for incoming messages
notifications:
  desktop: true
  sound: true

  # Player command for the notification sound (auto-detected when empty)
  # sound_command: "paplay"

  # How many notifications the local log keeps
  log_capacity: 100

# Session file written by "candlelife login"
session:
  # file: ~/.candlelife/session.json
  watch: true

# Local cache store
store:
  # path: ~/.candlelife/client.db

# Logging settings
logging:
  # Log level: debug, info, warn, error
  level: "info"

  # Log format: console (human-readable) or json
  format: "console"
`

	return os.WriteFile(path, []byte(content), 0644)
}
