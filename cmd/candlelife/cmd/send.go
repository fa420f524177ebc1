package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/DIGONADA/candlelife-85/internal/domain"
	"github.com/DIGONADA/candlelife-85/internal/rest"
	"github.com/DIGONADA/candlelife-85/internal/session"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// sendCmd sends a direct message from the terminal.
var sendCmd = &cobra.Command{
	Use:   "send <recipient-id> <message...>",
	Short: "Send a direct message",
	Long: `Send a direct message to another user.

The recipient's daemon sees the insert through its realtime
subscription and raises a notification.

Examples:
  candlelife send 7f2c... "on my way"
  candlelife send 7f2c... running late, start without me`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sess, err := session.Load(cfg.Session.File)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if !sess.SignedIn() {
		return fmt.Errorf("%w (run: candlelife login)", domain.ErrNotAuthenticated)
	}

	client, err := rest.New(cfg.Backend.URL, cfg.Backend.AnonKey, rest.Options{})
	if err != nil {
		return fmt.Errorf("failed to create backend client: %w", err)
	}
	client.SetToken(sess.AccessToken)

	recipient := args[0]
	content := strings.Join(args[1:], " ")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	row := map[string]any{
		"id":              uuid.New().String(),
		"conversation_id": conversationID(sess.UserID, recipient),
		"sender_id":       sess.UserID,
		"recipient_id":    recipient,
		"content":         content,
		"created_at":      time.Now().UTC().Format(time.RFC3339),
	}

	if _, err := client.Insert(ctx, domain.TableMessages, row); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	fmt.Printf("Sent to %s\n", recipient)
	return nil
}

// conversationID derives the shared conversation key for a user pair.
// Both sides compute the same value regardless of who sends first.
func conversationID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}
