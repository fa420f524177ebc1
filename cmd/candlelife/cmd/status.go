package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/DIGONADA/candlelife-85/internal/domain"
	"github.com/DIGONADA/candlelife-85/internal/domain/events"
	"github.com/spf13/cobra"
)

var statusJSON bool

// statusCmd queries a running daemon for its status.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running daemon",
	Long: `Query the local status API of a running candlelife daemon.

Examples:
  candlelife status
  candlelife status --json`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output status as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/api/status", cfg.Server.Host, cfg.Server.Port)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("%w (start it with: candlelife start)", domain.ErrDaemonNotRunning)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read status response: %w", err)
	}

	if statusJSON {
		var pretty json.RawMessage = body
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(pretty)
	}

	var status events.StatusResponsePayload
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("failed to parse status response: %w", err)
	}

	printStatus(status)
	return nil
}

func printStatus(status events.StatusResponsePayload) {
	user := status.UserID
	if user == "" {
		user = "signed out"
	}
	socket := "disconnected"
	if status.SocketConnected {
		socket = "connected"
	}

	fmt.Println("Daemon Status:")
	fmt.Println("--------------")
	fmt.Printf("User:            %s\n", user)
	fmt.Printf("Socket:          %s\n", socket)
	fmt.Printf("Channels:        %d\n", status.ActiveChannels)
	fmt.Printf("Clients:         %d\n", status.ConnectedClients)
	fmt.Printf("Notifications:   %d\n", status.NotificationCount)
	fmt.Printf("Online Users:    %d\n", status.OnlineUsers)
	fmt.Printf("Uptime:          %s\n", formatUptime(status.UptimeSeconds))
	fmt.Printf("Version:         %s\n", status.ClientVersion)
}

func formatUptime(seconds int64) string {
	if seconds <= 0 {
		return "0s"
	}
	return (time.Duration(seconds) * time.Second).String()
}
