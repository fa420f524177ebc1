// Package pairing signs a terminal in from a phone that already is: the
// CLI registers a one-time link code with the backend, renders it as a
// QR code, and polls until the phone approves it and attaches a session.
package pairing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"

	"github.com/DIGONADA/candlelife-85/internal/rest"
	"github.com/DIGONADA/candlelife-85/internal/session"
)

const (
	// linkTable is the backend table mediating device links.
	linkTable = "device_links"

	// pollInterval is how often Wait re-checks the link row.
	pollInterval = 2 * time.Second
)

// LinkInfo is the payload encoded in the QR code. The phone checks that
// the backend matches its own before approving the code.
type LinkInfo struct {
	Backend string `json:"backend"`
	Code    string `json:"code"`
}

// Generator renders the QR code for one link attempt.
type Generator struct {
	backendURL string
	code       string
}

// NewGenerator creates a generator for a backend and one-time code.
func NewGenerator(backendURL, code string) *Generator {
	return &Generator{backendURL: backendURL, code: code}
}

// Info returns the link payload.
func (g *Generator) Info() LinkInfo {
	return LinkInfo{Backend: g.backendURL, Code: g.code}
}

// GenerateJSON returns the link payload as JSON.
func (g *Generator) GenerateJSON() (string, error) {
	data, err := json.Marshal(g.Info())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GenerateTerminal renders the QR code for terminal display.
func (g *Generator) GenerateTerminal() (string, error) {
	jsonData, err := g.GenerateJSON()
	if err != nil {
		return "", err
	}

	qr, err := qrcode.New(jsonData, qrcode.Medium)
	if err != nil {
		return "", err
	}

	return qr.ToSmallString(false), nil
}

// PrintToTerminal prints the QR code with a scan hint.
func (g *Generator) PrintToTerminal() {
	qrStr, err := g.GenerateTerminal()
	if err != nil {
		fmt.Printf("  [Error generating QR code: %v]\n", err)
		return
	}

	lines := strings.Split(qrStr, "\n")

	fmt.Println()
	fmt.Println("  Scan with the candlelife app to approve this sign-in:")
	fmt.Println()

	for _, line := range lines {
		if line != "" {
			fmt.Printf("  %s\n", line)
		}
	}

	fmt.Println()
}

// linkRow is the row shape of the device_links table.
type linkRow struct {
	Code         string `json:"code"`
	Status       string `json:"status"`
	UserID       string `json:"user_id,omitempty"`
	Email        string `json:"email,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
}

// Link is one device-link attempt against the backend.
type Link struct {
	client  *rest.Client
	backend string
	code    string
}

// Begin registers a new pending link code with the backend.
func Begin(ctx context.Context, client *rest.Client, backendURL string) (*Link, error) {
	code := uuid.New().String()

	row := map[string]any{"code": code, "status": "pending"}
	if _, err := client.Insert(ctx, linkTable, row); err != nil {
		return nil, fmt.Errorf("register link code: %w", err)
	}

	return &Link{client: client, backend: backendURL, code: code}, nil
}

// Code returns the one-time link code.
func (l *Link) Code() string {
	return l.code
}

// Generator returns the QR generator for this link.
func (l *Link) Generator() *Generator {
	return NewGenerator(l.backend, l.code)
}

// Wait polls until the phone approves the code, then returns the
// session it granted. The caller bounds it with the context.
func (l *Link) Wait(ctx context.Context) (session.Session, error) {
	// First check without delay; a fast scan should not wait a tick.
	if sess, ok := l.poll(ctx); ok {
		return sess, nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return session.Session{}, ctx.Err()
		case <-ticker.C:
			if sess, ok := l.poll(ctx); ok {
				return sess, nil
			}
		}
	}
}

// poll reads the link row once. Transient failures are logged and
// reported as not-yet-approved so Wait keeps going.
func (l *Link) poll(ctx context.Context) (session.Session, bool) {
	query := url.Values{"code": []string{"eq." + l.code}}
	raw, err := l.client.Select(ctx, linkTable, query)
	if err != nil {
		log.Debug().Err(err).Msg("device link poll failed")
		return session.Session{}, false
	}

	var rows []linkRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		log.Debug().Err(err).Msg("device link row unreadable")
		return session.Session{}, false
	}
	if len(rows) == 0 {
		return session.Session{}, false
	}

	row := rows[0]
	if row.Status != "approved" || row.AccessToken == "" {
		return session.Session{}, false
	}

	return session.Session{
		UserID:       row.UserID,
		Email:        row.Email,
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		ExpiresAt:    row.ExpiresAt,
	}, true
}
