package config

import (
	"strings"
	"testing"
)

func TestValidateBackend(t *testing.T) {
	tests := []struct {
		name    string
		cfg     BackendConfig
		wantErr string
	}{
		{
			name: "valid config",
			cfg: BackendConfig{
				URL:                "https://backend.example.com",
				RequestTimeoutSecs: 15,
			},
			wantErr: "",
		},
		{
			name: "empty url",
			cfg: BackendConfig{
				URL:                "",
				RequestTimeoutSecs: 15,
			},
			wantErr: "backend.url cannot be empty",
		},
		{
			name: "missing host",
			cfg: BackendConfig{
				URL:                "https://",
				RequestTimeoutSecs: 15,
			},
			wantErr: "must include a host",
		},
		{
			name: "bad scheme",
			cfg: BackendConfig{
				URL:                "ftp://backend.example.com",
				RequestTimeoutSecs: 15,
			},
			wantErr: "must use http or https",
		},
		{
			name: "timeout too low",
			cfg: BackendConfig{
				URL:                "https://backend.example.com",
				RequestTimeoutSecs: 0,
			},
			wantErr: "request_timeout_secs must be at least 1",
		},
		{
			name: "timeout too high",
			cfg: BackendConfig{
				URL:                "https://backend.example.com",
				RequestTimeoutSecs: 600,
			},
			wantErr: "request_timeout_secs cannot exceed 120",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateBackend(&tt.cfg)

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validateBackend() error = %v, want nil", err)
				}
			} else {
				if err == nil {
					t.Errorf("validateBackend() error = nil, want error containing %q", tt.wantErr)
				} else if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("validateBackend() error = %v, want error containing %q", err, tt.wantErr)
				}
			}
		})
	}
}

func TestValidateServer(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr string
	}{
		{
			name: "valid config",
			cfg: ServerConfig{
				Enabled: true,
				Host:    "127.0.0.1",
				Port:    8787,
			},
			wantErr: "",
		},
		{
			name: "disabled skips checks",
			cfg: ServerConfig{
				Enabled: false,
				Host:    "",
				Port:    0,
			},
			wantErr: "",
		},
		{
			name: "port too low",
			cfg: ServerConfig{
				Enabled: true,
				Host:    "127.0.0.1",
				Port:    0,
			},
			wantErr: "port must be between 1 and 65535",
		},
		{
			name: "port too high",
			cfg: ServerConfig{
				Enabled: true,
				Host:    "127.0.0.1",
				Port:    70000,
			},
			wantErr: "port must be between 1 and 65535",
		},
		{
			name: "empty host",
			cfg: ServerConfig{
				Enabled: true,
				Host:    "",
				Port:    8787,
			},
			wantErr: "host cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateServer(&tt.cfg)

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validateServer() error = %v, want nil", err)
				}
			} else {
				if err == nil {
					t.Errorf("validateServer() error = nil, want error containing %q", tt.wantErr)
				} else if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("validateServer() error = %v, want error containing %q", err, tt.wantErr)
				}
			}
		})
	}
}

func TestValidateSubscriptions(t *testing.T) {
	valid := SubscriptionsConfig{
		TeardownDebounceMS:  1000,
		JoinTimeoutSecs:     10,
		SocketHeartbeatSecs: 30,
		Rebind:              true,
		RebindInitialMS:     1000,
		RebindMaxMS:         30000,
	}

	tests := []struct {
		name    string
		mutate  func(*SubscriptionsConfig)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *SubscriptionsConfig) {},
			wantErr: "",
		},
		{
			name:    "zero debounce allowed",
			mutate:  func(c *SubscriptionsConfig) { c.TeardownDebounceMS = 0 },
			wantErr: "",
		},
		{
			name:    "negative debounce",
			mutate:  func(c *SubscriptionsConfig) { c.TeardownDebounceMS = -1 },
			wantErr: "teardown_debounce_ms cannot be negative",
		},
		{
			name:    "debounce too long",
			mutate:  func(c *SubscriptionsConfig) { c.TeardownDebounceMS = 20000 },
			wantErr: "teardown_debounce_ms cannot exceed 10000ms",
		},
		{
			name:    "join timeout too low",
			mutate:  func(c *SubscriptionsConfig) { c.JoinTimeoutSecs = 0 },
			wantErr: "join_timeout_secs must be at least 1",
		},
		{
			name:    "socket heartbeat too low",
			mutate:  func(c *SubscriptionsConfig) { c.SocketHeartbeatSecs = 1 },
			wantErr: "socket_heartbeat_secs must be at least 5",
		},
		{
			name:    "rebind initial too low",
			mutate:  func(c *SubscriptionsConfig) { c.RebindInitialMS = 10 },
			wantErr: "rebind_initial_ms must be at least 100",
		},
		{
			name:    "rebind max below initial",
			mutate:  func(c *SubscriptionsConfig) { c.RebindMaxMS = 500 },
			wantErr: "rebind_max_ms must be >= subscriptions.rebind_initial_ms",
		},
		{
			name: "rebind disabled skips backoff checks",
			mutate: func(c *SubscriptionsConfig) {
				c.Rebind = false
				c.RebindInitialMS = 0
				c.RebindMaxMS = 0
			},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := validateSubscriptions(&cfg)

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validateSubscriptions() error = %v, want nil", err)
				}
			} else {
				if err == nil {
					t.Errorf("validateSubscriptions() error = nil, want error containing %q", tt.wantErr)
				} else if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("validateSubscriptions() error = %v, want error containing %q", err, tt.wantErr)
				}
			}
		})
	}
}

func TestValidatePresence(t *testing.T) {
	tests := []struct {
		name    string
		cfg     PresenceConfig
		wantErr string
	}{
		{
			name:    "valid config",
			cfg:     PresenceConfig{Enabled: true, HeartbeatSecs: 25, StalenessSecs: 90},
			wantErr: "",
		},
		{
			name:    "heartbeat too low",
			cfg:     PresenceConfig{HeartbeatSecs: 1, StalenessSecs: 90},
			wantErr: "heartbeat_secs must be at least 5",
		},
		{
			name:    "staleness equal to twice heartbeat",
			cfg:     PresenceConfig{HeartbeatSecs: 25, StalenessSecs: 50},
			wantErr: "staleness_secs must be greater than twice",
		},
		{
			name:    "staleness below twice heartbeat",
			cfg:     PresenceConfig{HeartbeatSecs: 30, StalenessSecs: 45},
			wantErr: "staleness_secs must be greater than twice",
		},
		{
			name:    "staleness too high",
			cfg:     PresenceConfig{HeartbeatSecs: 25, StalenessSecs: 7200},
			wantErr: "staleness_secs cannot exceed 3600",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePresence(&tt.cfg)

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validatePresence() error = %v, want nil", err)
				}
			} else {
				if err == nil {
					t.Errorf("validatePresence() error = nil, want error containing %q", tt.wantErr)
				} else if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("validatePresence() error = %v, want error containing %q", err, tt.wantErr)
				}
			}
		})
	}
}

func TestValidateNotifications(t *testing.T) {
	tests := []struct {
		name    string
		cfg     NotificationsConfig
		wantErr string
	}{
		{
			name:    "valid config",
			cfg:     NotificationsConfig{LogCapacity: 100},
			wantErr: "",
		},
		{
			name:    "capacity too low",
			cfg:     NotificationsConfig{LogCapacity: 0},
			wantErr: "log_capacity must be at least 1",
		},
		{
			name:    "capacity too high",
			cfg:     NotificationsConfig{LogCapacity: 5000},
			wantErr: "log_capacity cannot exceed 1000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateNotifications(&tt.cfg)

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validateNotifications() error = %v, want nil", err)
				}
			} else {
				if err == nil {
					t.Errorf("validateNotifications() error = nil, want error containing %q", tt.wantErr)
				} else if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("validateNotifications() error = %v, want error containing %q", err, tt.wantErr)
				}
			}
		})
	}
}
