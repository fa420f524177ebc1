package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/DIGONADA/candlelife-85/internal/config"
	"github.com/DIGONADA/candlelife-85/internal/session"
	"github.com/spf13/cobra"
)

var (
	doctorJSON        bool
	doctorStrict      bool
	doctorHTTPTimeout int
)

type doctorStatus string

const (
	doctorStatusOK   doctorStatus = "ok"
	doctorStatusWarn doctorStatus = "warn"
	doctorStatusFail doctorStatus = "fail"
)

type doctorCheck struct {
	ID          string                 `json:"id"`
	Status      doctorStatus           `json:"status"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Remediation string                 `json:"remediation,omitempty"`
}

type doctorSummary struct {
	Total int `json:"total"`
	OK    int `json:"ok"`
	Warn  int `json:"warn"`
	Fail  int `json:"fail"`
}

type doctorReport struct {
	Version      string        `json:"version"`
	GeneratedAt  string        `json:"generated_at"`
	Overall      doctorStatus  `json:"overall_status"`
	Summary      doctorSummary `json:"summary"`
	Checks       []doctorCheck `json:"checks"`
	SearchConfig []string      `json:"config_search_paths,omitempty"`
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run local diagnostics with remediation hints",
	Long: `Run read-only diagnostics against local candlelife setup and print actionable hints.

By default the output is human-readable text.
Use --json for machine-readable output.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)

	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "output machine-readable JSON")
	doctorCmd.Flags().BoolVar(&doctorStrict, "strict", false, "return non-zero on warnings")
	doctorCmd.Flags().IntVar(&doctorHTTPTimeout, "http-timeout", 2, "HTTP check timeout in seconds")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	report := collectDoctorReport()

	if doctorJSON {
		if err := printDoctorJSON(report); err != nil {
			return err
		}
	} else {
		printDoctorText(report)
	}

	if report.Summary.Fail > 0 {
		return fmt.Errorf("doctor found %d failing check(s)", report.Summary.Fail)
	}
	if doctorStrict && report.Summary.Warn > 0 {
		return fmt.Errorf("doctor strict mode failed with %d warning(s)", report.Summary.Warn)
	}
	return nil
}

func collectDoctorReport() doctorReport {
	checks := make([]doctorCheck, 0, 8)

	cfg := defaultDoctorConfig()
	loadedCfg, cfgCheck := checkConfigLoad(cfgFile)
	checks = append(checks, cfgCheck)
	if loadedCfg != nil {
		cfg = loadedCfg
	}

	checks = append(checks, checkConfigDirectory())
	checks = append(checks, checkSessionFile(cfg.Session.File))
	checks = append(checks, checkStoreFile(cfg.Store.Path))
	checks = append(checks, checkSoundPlayer(cfg))
	checks = append(checks, checkBackendEndpoint(cfg.Backend.URL, doctorHTTPTimeout))
	checks = append(checks, checkHealthEndpoint(cfg.Server.Host, cfg.Server.Port, doctorHTTPTimeout))

	summary := summarizeDoctorChecks(checks)
	return doctorReport{
		Version:      "1.0",
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
		Overall:      overallStatus(summary),
		Summary:      summary,
		Checks:       checks,
		SearchConfig: configSearchPaths(cfgFile),
	}
}

func checkConfigLoad(path string) (*config.Config, doctorCheck) {
	cfg, err := config.Load(path)
	searchPaths := configSearchPaths(path)
	if err != nil {
		return nil, doctorCheck{
			ID:      "config.load",
			Status:  doctorStatusFail,
			Message: fmt.Sprintf("Failed to load config: %v", err),
			Details: map[string]interface{}{
				"config_path":  strings.TrimSpace(path),
				"search_paths": searchPaths,
			},
			Remediation: "Fix the config file syntax, or run `candlelife config init --force` to regenerate defaults.",
		}
	}

	source := findFirstExistingPath(searchPaths)
	msg := "Configuration loaded using built-in defaults and environment overrides"
	if source != "" {
		msg = "Configuration loaded successfully"
	}

	return cfg, doctorCheck{
		ID:      "config.load",
		Status:  doctorStatusOK,
		Message: msg,
		Details: map[string]interface{}{
			"loaded_from":  source,
			"search_paths": searchPaths,
		},
	}
}

func checkConfigDirectory() doctorCheck {
	dir, err := config.GetConfigDir()
	if err != nil {
		return doctorCheck{
			ID:          "config.directory",
			Status:      doctorStatusFail,
			Message:     fmt.Sprintf("Failed to resolve config directory: %v", err),
			Remediation: "Verify your HOME environment and filesystem permissions.",
		}
	}

	info, statErr := os.Stat(dir)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return doctorCheck{
				ID:      "config.directory",
				Status:  doctorStatusWarn,
				Message: "Config directory does not exist yet",
				Details: map[string]interface{}{
					"path": dir,
				},
				Remediation: "Run `candlelife config init` to create initial local configuration.",
			}
		}
		return doctorCheck{
			ID:      "config.directory",
			Status:  doctorStatusFail,
			Message: fmt.Sprintf("Failed to access config directory: %v", statErr),
			Details: map[string]interface{}{
				"path": dir,
			},
			Remediation: "Fix directory permissions or create the directory manually.",
		}
	}

	if !info.IsDir() {
		return doctorCheck{
			ID:      "config.directory",
			Status:  doctorStatusFail,
			Message: "Config path exists but is not a directory",
			Details: map[string]interface{}{
				"path": dir,
			},
			Remediation: "Remove the file and recreate directory with `mkdir -p ~/.candlelife`.",
		}
	}

	return doctorCheck{
		ID:      "config.directory",
		Status:  doctorStatusOK,
		Message: "Config directory is available",
		Details: map[string]interface{}{
			"path": dir,
		},
	}
}

func checkSessionFile(path string) doctorCheck {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return doctorCheck{
				ID:      "session.file",
				Status:  doctorStatusWarn,
				Message: "No session file, running signed out",
				Details: map[string]interface{}{
					"path": path,
				},
				Remediation: "Run `candlelife login` to sign in.",
			}
		}
		return doctorCheck{
			ID:      "session.file",
			Status:  doctorStatusFail,
			Message: fmt.Sprintf("Failed to read session file: %v", err),
			Details: map[string]interface{}{
				"path": path,
			},
			Remediation: "Check file permissions and ownership.",
		}
	}

	var sess session.Session
	if err := json.Unmarshal(content, &sess); err != nil {
		return doctorCheck{
			ID:      "session.file",
			Status:  doctorStatusFail,
			Message: fmt.Sprintf("Invalid session file format: %v", err),
			Details: map[string]interface{}{
				"path": path,
			},
			Remediation: "Run `candlelife logout` then `candlelife login` to recreate it.",
		}
	}

	if !sess.SignedIn() {
		return doctorCheck{
			ID:      "session.file",
			Status:  doctorStatusWarn,
			Message: "Session file holds no signed-in identity",
			Details: map[string]interface{}{
				"path": path,
			},
			Remediation: "Run `candlelife login` to sign in.",
		}
	}

	details := map[string]interface{}{
		"path":  path,
		"email": sess.Email,
	}
	if sess.ExpiresAt != 0 && time.Now().Unix() >= sess.ExpiresAt {
		return doctorCheck{
			ID:          "session.file",
			Status:      doctorStatusWarn,
			Message:     "Access token has expired",
			Details:     details,
			Remediation: "A running daemon refreshes it automatically, or run `candlelife login` again.",
		}
	}

	return doctorCheck{
		ID:      "session.file",
		Status:  doctorStatusOK,
		Message: "Session file is valid and signed in",
		Details: details,
	}
}

func checkStoreFile(path string) doctorCheck {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return doctorCheck{
				ID:      "store.file",
				Status:  doctorStatusWarn,
				Message: "Local store does not exist yet",
				Details: map[string]interface{}{
					"path": path,
				},
				Remediation: "The store is created on first `candlelife start`.",
			}
		}
		return doctorCheck{
			ID:      "store.file",
			Status:  doctorStatusFail,
			Message: fmt.Sprintf("Failed to inspect local store: %v", err),
			Details: map[string]interface{}{
				"path": path,
			},
			Remediation: "Check filesystem permissions and path validity.",
		}
	}

	if info.IsDir() {
		return doctorCheck{
			ID:      "store.file",
			Status:  doctorStatusFail,
			Message: "Local store path is a directory",
			Details: map[string]interface{}{
				"path": path,
			},
			Remediation: "Set `store.path` to a file path.",
		}
	}

	return doctorCheck{
		ID:      "store.file",
		Status:  doctorStatusOK,
		Message: "Local store is present",
		Details: map[string]interface{}{
			"path": path,
			"size": info.Size(),
		},
	}
}

func checkSoundPlayer(cfg *config.Config) doctorCheck {
	if !cfg.Notifications.Sound {
		return doctorCheck{
			ID:      "notifications.sound_player",
			Status:  doctorStatusOK,
			Message: "Notification sound is disabled",
		}
	}

	command := cfg.Notifications.SoundCommand
	execName := extractCommandName(command)
	if execName == "" {
		return doctorCheck{
			ID:          "notifications.sound_player",
			Status:      doctorStatusWarn,
			Message:     "No sound player available on this platform",
			Remediation: "Set `notifications.sound_command` or disable `notifications.sound`.",
		}
	}

	resolved, err := exec.LookPath(execName)
	if err != nil {
		return doctorCheck{
			ID:      "notifications.sound_player",
			Status:  doctorStatusWarn,
			Message: fmt.Sprintf("Sound player not found in PATH: %s", execName),
			Details: map[string]interface{}{
				"configured": command,
			},
			Remediation: fmt.Sprintf("Install `%s` or set `notifications.sound_command` to an installed player.", execName),
		}
	}

	return doctorCheck{
		ID:      "notifications.sound_player",
		Status:  doctorStatusOK,
		Message: "Sound player is available",
		Details: map[string]interface{}{
			"configured": command,
			"resolved":   resolved,
		},
	}
}

func checkBackendEndpoint(baseURL string, timeoutSeconds int) doctorCheck {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 2
	}

	url := strings.TrimRight(baseURL, "/") + "/auth/v1/health"
	client := &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return doctorCheck{
			ID:      "backend.reachable",
			Status:  doctorStatusFail,
			Message: fmt.Sprintf("Backend is not reachable: %v", err),
			Details: map[string]interface{}{
				"url": url,
			},
			Remediation: "Check `backend.url` in config and your network connection.",
		}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		return doctorCheck{
			ID:      "backend.reachable",
			Status:  doctorStatusFail,
			Message: fmt.Sprintf("Backend health endpoint returned status %d", resp.StatusCode),
			Details: map[string]interface{}{
				"url":         url,
				"status_code": resp.StatusCode,
			},
			Remediation: "The backend may be down; try again later.",
		}
	}

	return doctorCheck{
		ID:      "backend.reachable",
		Status:  doctorStatusOK,
		Message: "Backend is reachable",
		Details: map[string]interface{}{
			"url":         url,
			"status_code": resp.StatusCode,
		},
	}
}

func checkHealthEndpoint(host string, port, timeoutSeconds int) doctorCheck {
	if strings.TrimSpace(host) == "" {
		host = "127.0.0.1"
	}
	if port <= 0 {
		port = 8787
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = 2
	}

	url := fmt.Sprintf("http://%s:%d/health", host, port)
	client := &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return doctorCheck{
			ID:      "server.health_endpoint",
			Status:  doctorStatusWarn,
			Message: fmt.Sprintf("Daemon is not reachable: %v", err),
			Details: map[string]interface{}{
				"url": url,
			},
			Remediation: "Start the daemon with `candlelife start` and verify host/port configuration.",
		}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return doctorCheck{
			ID:      "server.health_endpoint",
			Status:  doctorStatusFail,
			Message: fmt.Sprintf("Health endpoint returned non-200 status: %d", resp.StatusCode),
			Details: map[string]interface{}{
				"url":         url,
				"status_code": resp.StatusCode,
				"body":        strings.TrimSpace(string(body)),
			},
			Remediation: "Check daemon logs (`candlelife start -v`) to diagnose HTTP startup issues.",
		}
	}

	return doctorCheck{
		ID:      "server.health_endpoint",
		Status:  doctorStatusOK,
		Message: "Daemon health endpoint is reachable",
		Details: map[string]interface{}{
			"url":         url,
			"status_code": resp.StatusCode,
		},
	}
}

func summarizeDoctorChecks(checks []doctorCheck) doctorSummary {
	summary := doctorSummary{Total: len(checks)}
	for _, check := range checks {
		switch check.Status {
		case doctorStatusOK:
			summary.OK++
		case doctorStatusWarn:
			summary.Warn++
		case doctorStatusFail:
			summary.Fail++
		}
	}
	return summary
}

func overallStatus(summary doctorSummary) doctorStatus {
	if summary.Fail > 0 {
		return doctorStatusFail
	}
	if summary.Warn > 0 {
		return doctorStatusWarn
	}
	return doctorStatusOK
}

func printDoctorJSON(report doctorReport) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

func printDoctorText(report doctorReport) {
	fmt.Printf("candlelife doctor v%s\n", report.Version)
	fmt.Printf("generated_at: %s\n", report.GeneratedAt)
	fmt.Printf("overall: %s  (ok=%d warn=%d fail=%d total=%d)\n\n",
		strings.ToUpper(string(report.Overall)),
		report.Summary.OK,
		report.Summary.Warn,
		report.Summary.Fail,
		report.Summary.Total,
	)

	for _, check := range report.Checks {
		label := "[OK]"
		if check.Status == doctorStatusWarn {
			label = "[WARN]"
		}
		if check.Status == doctorStatusFail {
			label = "[FAIL]"
		}

		fmt.Printf("%s %s: %s\n", label, check.ID, check.Message)
		if check.Remediation != "" && check.Status != doctorStatusOK {
			fmt.Printf("  fix: %s\n", check.Remediation)
		}
	}

	fmt.Println()
	fmt.Println("Tip: run `candlelife doctor --json` for machine-readable output.")
}

func defaultDoctorConfig() *config.Config {
	return &config.Config{
		Backend: config.BackendConfig{
			URL: config.DefaultBackendURL,
		},
		Server: config.ServerConfig{
			Host: "127.0.0.1",
			Port: 8787,
		},
		Session: config.SessionConfig{
			File: session.DefaultPath(),
		},
	}
}

func configSearchPaths(explicit string) []string {
	if strings.TrimSpace(explicit) != "" {
		return []string{explicit}
	}

	home := userHomeDir()
	return []string{
		filepath.Join(".", "config.yaml"),
		filepath.Join(home, ".candlelife", "config.yaml"),
		"/etc/candlelife/config.yaml",
	}
}

func findFirstExistingPath(paths []string) string {
	for _, candidate := range paths {
		if strings.TrimSpace(candidate) == "" {
			continue
		}
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func extractCommandName(command string) string {
	parts := strings.Fields(strings.TrimSpace(command))
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
