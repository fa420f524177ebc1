package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/DIGONADA/candlelife-85/internal/app"
	"github.com/DIGONADA/candlelife-85/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	backendURL string
	port       int
	noServer   bool
	noPresence bool
)

// startCmd represents the start command.
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the candlelife daemon",
	Long: `Start the candlelife daemon to subscribe to backend changes
and serve the local status API.

The daemon picks up the session written by "candlelife login" and
follows it live: signing in or out from another terminal rebinds the
realtime subscriptions without a restart.

Example:
  candlelife start                       # defaults from config
  candlelife start --port 8787           # custom status API port
  candlelife start --no-server           # realtime only, no local API
  candlelife start --no-presence         # do not publish online status`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&backendURL, "backend-url", "", "backend base URL (default from config)")
	startCmd.Flags().IntVar(&port, "port", 0, "local status API port (default: 8787)")
	startCmd.Flags().BoolVar(&noServer, "no-server", false, "disable the local HTTP and WebSocket API")
	startCmd.Flags().BoolVar(&noPresence, "no-presence", false, "disable presence publishing and tracking")
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override config with flags
	if backendURL != "" {
		cfg.Backend.URL = backendURL
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if noServer {
		cfg.Server.Enabled = false
	}
	if noPresence {
		cfg.Presence.Enabled = false
	}

	// Re-validate after overrides
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Setup logging
	setupLogging(cfg)

	log.Info().
		Str("version", version).
		Str("backend", cfg.Backend.URL).
		Int("port", cfg.Server.Port).
		Msg("starting candlelife")

	// Create application
	application, err := app.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	// Start the application
	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("application error: %w", err)
	}

	log.Info().Msg("candlelife stopped")
	return nil
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

func setupLogging(cfg *config.Config) {
	// Set log level
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Logging.Format == "console" || verbose {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Add verbose logging if flag is set
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func printConfig(cfg *config.Config) {
	fmt.Println("Current Configuration:")
	fmt.Println("----------------------")
	fmt.Printf("Backend URL:      %s\n", cfg.Backend.URL)
	fmt.Printf("Server Enabled:   %t\n", cfg.Server.Enabled)
	fmt.Printf("Host:             %s\n", cfg.Server.Host)
	fmt.Printf("Port:             %d\n", cfg.Server.Port)
	fmt.Printf("Presence Enabled: %t\n", cfg.Presence.Enabled)
	fmt.Printf("Desktop Notify:   %t\n", cfg.Notifications.Desktop)
	fmt.Printf("Session File:     %s\n", cfg.Session.File)
	fmt.Printf("Store Path:       %s\n", cfg.Store.Path)
	fmt.Printf("Log Level:        %s\n", cfg.Logging.Level)
	fmt.Printf("Log Format:       %s\n", cfg.Logging.Format)
}
