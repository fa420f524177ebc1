// Package config provides centralized default configuration values.
package config

import "runtime"

// Defaults shared between setDefaults and other packages. These are the
// single source of truth - all components should use these values.
const (
	// DefaultBackendURL is the hosted Candlelife backend.
	DefaultBackendURL = "https://api.candlelife.app"

	// DefaultSessionFileName is the session file name under the config dir.
	DefaultSessionFileName = "session.json"

	// DefaultStoreFileName is the local store file name under the config dir.
	DefaultStoreFileName = "client.db"

	// DefaultTeardownDebounceMS is how long a subscription with no
	// consumers lingers before teardown. Remount churn inside this window
	// reuses the live channel.
	DefaultTeardownDebounceMS = 1000

	// DefaultPresenceHeartbeatSecs is the own-presence upsert interval.
	DefaultPresenceHeartbeatSecs = 25

	// DefaultPresenceStalenessSecs is the age past which a presence row
	// reads as offline regardless of its stored status. Must stay above
	// twice the heartbeat interval or healthy clients flap offline.
	DefaultPresenceStalenessSecs = 90

	// DefaultNotificationLogCapacity bounds the persisted notification log.
	DefaultNotificationLogCapacity = 100
)

// soundPlayers lists player commands probed per platform, in order.
var soundPlayers = map[string][]string{
	"linux":  {"paplay", "aplay", "play"},
	"darwin": {"afplay"},
}

// DefaultSoundCommand returns the platform notification sound player and
// its base arguments. The command is a bare name resolved via PATH at play
// time; an empty command means no player is available on this platform.
func DefaultSoundCommand() (string, []string) {
	players := soundPlayers[runtime.GOOS]
	if len(players) == 0 {
		return "", nil
	}
	return players[0], nil
}
