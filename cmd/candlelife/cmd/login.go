package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/DIGONADA/candlelife-85/internal/config"
	"github.com/DIGONADA/candlelife-85/internal/pairing"
	"github.com/DIGONADA/candlelife-85/internal/rest"
	"github.com/DIGONADA/candlelife-85/internal/session"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	loginEmail    string
	loginPassword string
	loginQR       bool
)

const (
	loginTimeout   = 30 * time.Second
	loginQRTimeout = 5 * time.Minute
)

// loginCmd signs in against the backend and writes the session file.
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store the session locally",
	Long: `Sign in against the Candlelife backend and write the session file.

A running daemon watches the session file and picks up the new session
without a restart.

Two modes are available:

Password (default):
  Prompts for email and password unless provided via flags.

Device link (--qr):
  Registers a one-time link code, renders it as a QR code, and waits
  for approval from a phone that is already signed in.

Examples:
  candlelife login
  candlelife login --email ana@example.com
  candlelife login --qr`,
	RunE: runLogin,
}

// logoutCmd revokes the session on the backend and clears it locally.
var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear the local session",
	RunE:  runLogout,
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)

	loginCmd.Flags().StringVar(&loginEmail, "email", "", "account email (prompted when omitted)")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "account password (prompted when omitted)")
	loginCmd.Flags().BoolVar(&loginQR, "qr", false, "sign in by scanning a QR code from the phone app")
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	client, err := rest.New(cfg.Backend.URL, cfg.Backend.AnonKey, rest.Options{})
	if err != nil {
		return fmt.Errorf("failed to create backend client: %w", err)
	}

	if loginQR {
		return runLoginQR(cfg, client)
	}

	email := loginEmail
	if email == "" {
		if email, err = promptLine("Email: "); err != nil {
			return err
		}
	}

	password := loginPassword
	if password == "" {
		if password, err = promptPassword("Password: "); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), loginTimeout)
	defer cancel()

	auth, err := client.SignIn(ctx, email, password)
	if err != nil {
		return fmt.Errorf("sign in failed: %w", err)
	}

	sess := session.Session{
		UserID:       auth.User.ID,
		Email:        auth.User.Email,
		AccessToken:  auth.AccessToken,
		RefreshToken: auth.RefreshToken,
	}
	if auth.ExpiresIn > 0 {
		sess.ExpiresAt = time.Now().Add(time.Duration(auth.ExpiresIn) * time.Second).Unix()
	}

	if err := session.Save(cfg.Session.File, sess); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	fmt.Printf("Signed in as %s\n", sess.Email)
	return nil
}

func runLoginQR(cfg *config.Config, client *rest.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), loginQRTimeout)
	defer cancel()

	link, err := pairing.Begin(ctx, client, cfg.Backend.URL)
	if err != nil {
		return fmt.Errorf("failed to start device link: %w", err)
	}

	fmt.Printf("Link code: %s\n", link.Code())
	fmt.Println()
	link.Generator().PrintToTerminal()
	fmt.Println("Waiting for approval...")

	sess, err := link.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("link code expired before it was approved")
		}
		return err
	}

	if err := session.Save(cfg.Session.File, sess); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	fmt.Printf("Signed in as %s\n", sess.Email)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Best-effort server-side revoke; local sign-out proceeds regardless.
	if sess, err := session.Load(cfg.Session.File); err == nil && sess.SignedIn() {
		if client, err := rest.New(cfg.Backend.URL, cfg.Backend.AnonKey, rest.Options{}); err == nil {
			client.SetToken(sess.AccessToken)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := client.SignOut(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to revoke session on backend: %v\n", err)
			}
			cancel()
		}
	}

	if err := session.Clear(cfg.Session.File); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}

	fmt.Println("Signed out.")
	return nil
}

func promptLine(prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// promptPassword reads without echo on a terminal and falls back to a
// plain line read when stdin is piped.
func promptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptLine(prompt)
	}

	fmt.Print(prompt)
	raw, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}
