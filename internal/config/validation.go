package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate validates the configuration.
func Validate(cfg *Config) error {
	if err := validateBackend(&cfg.Backend); err != nil {
		return err
	}

	if err := validateServer(&cfg.Server); err != nil {
		return err
	}

	if err := validateSubscriptions(&cfg.Subscriptions); err != nil {
		return err
	}

	if err := validatePresence(&cfg.Presence); err != nil {
		return err
	}

	if err := validateNotifications(&cfg.Notifications); err != nil {
		return err
	}

	return nil
}

func validateBackend(cfg *BackendConfig) error {
	if cfg.URL == "" {
		return fmt.Errorf("backend.url cannot be empty")
	}
	if err := validateHTTPURL(cfg.URL, "backend.url"); err != nil {
		return err
	}
	if cfg.RequestTimeoutSecs < 1 {
		return fmt.Errorf("backend.request_timeout_secs must be at least 1")
	}
	if cfg.RequestTimeoutSecs > 120 {
		return fmt.Errorf("backend.request_timeout_secs cannot exceed 120")
	}
	return nil
}

// validateHTTPURL validates that a URL is well-formed and uses http or https.
func validateHTTPURL(rawURL, fieldName string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", fieldName, err)
	}

	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", fieldName)
	}

	if !strings.EqualFold(parsed.Scheme, "http") && !strings.EqualFold(parsed.Scheme, "https") {
		return fmt.Errorf("%s must use http or https", fieldName)
	}

	return nil
}

func validateServer(cfg *ServerConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if cfg.Host == "" {
		return fmt.Errorf("server.host cannot be empty")
	}
	return nil
}

func validateSubscriptions(cfg *SubscriptionsConfig) error {
	if cfg.TeardownDebounceMS < 0 {
		return fmt.Errorf("subscriptions.teardown_debounce_ms cannot be negative")
	}
	if cfg.TeardownDebounceMS > 10000 {
		return fmt.Errorf("subscriptions.teardown_debounce_ms cannot exceed 10000ms")
	}
	if cfg.JoinTimeoutSecs < 1 {
		return fmt.Errorf("subscriptions.join_timeout_secs must be at least 1")
	}
	if cfg.JoinTimeoutSecs > 120 {
		return fmt.Errorf("subscriptions.join_timeout_secs cannot exceed 120")
	}
	if cfg.SocketHeartbeatSecs < 5 {
		return fmt.Errorf("subscriptions.socket_heartbeat_secs must be at least 5")
	}
	if cfg.SocketHeartbeatSecs > 300 {
		return fmt.Errorf("subscriptions.socket_heartbeat_secs cannot exceed 300")
	}
	if cfg.Rebind {
		if cfg.RebindInitialMS < 100 {
			return fmt.Errorf("subscriptions.rebind_initial_ms must be at least 100")
		}
		if cfg.RebindMaxMS < cfg.RebindInitialMS {
			return fmt.Errorf("subscriptions.rebind_max_ms must be >= subscriptions.rebind_initial_ms")
		}
	}
	return nil
}

func validatePresence(cfg *PresenceConfig) error {
	if cfg.HeartbeatSecs < 5 {
		return fmt.Errorf("presence.heartbeat_secs must be at least 5")
	}
	if cfg.StalenessSecs > 3600 {
		return fmt.Errorf("presence.staleness_secs cannot exceed 3600")
	}
	// A row written every heartbeat must survive at least two missed beats
	// before it reads as offline, or healthy clients flap.
	if cfg.StalenessSecs <= 2*cfg.HeartbeatSecs {
		return fmt.Errorf("presence.staleness_secs must be greater than twice presence.heartbeat_secs")
	}
	return nil
}

func validateNotifications(cfg *NotificationsConfig) error {
	if cfg.LogCapacity < 1 {
		return fmt.Errorf("notifications.log_capacity must be at least 1")
	}
	if cfg.LogCapacity > 1000 {
		return fmt.Errorf("notifications.log_capacity cannot exceed 1000")
	}
	return nil
}
