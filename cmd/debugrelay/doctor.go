package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/debugrelay/host/internal/chrome"
	"github.com/debugrelay/host/internal/config"
	"github.com/debugrelay/host/internal/server"
)

// DoctorResult is the output of `debugrelay doctor --json`.
type DoctorResult struct {
	// Version is the doctor output schema version. Always "1".
	Version string `json:"version"`

	Checks  []DoctorCheck `json:"checks"`
	Summary DoctorSummary `json:"summary"`
}

// DoctorCheck is one diagnostic check.
type DoctorCheck struct {
	// ID is stable and machine-readable, e.g. "chrome.reachable".
	ID string `json:"id"`

	// Status is "pass", "warn" or "fail".
	Status string `json:"status"`

	Message string `json:"message"`

	// NextAction is the remediation step shown for non-passing checks.
	NextAction string `json:"next_action"`
}

// DoctorSummary counts check outcomes.
type DoctorSummary struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

// Stable check ids.
const (
	checkIDConfig         = "config.load"
	checkIDChromeReach    = "chrome.reachable"
	checkIDChromeProtocol = "chrome.protocol"
	checkIDHostStatus     = "host.status"
)

const (
	statusPass = "pass"
	statusWarn = "warn"
	statusFail = "fail"
)

const doctorTimeout = 5 * time.Second

// doctorQueryHostStatus is replaced in tests.
var doctorQueryHostStatus = queryHostStatus

// queryHostStatus fetches /status from a running host.
func queryHostStatus(ctx context.Context, addr string) (*server.StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %s", resp.Status)
	}
	var st server.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

func newDoctorCmd() *cobra.Command {
	var (
		flags  configFlags
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the configuration, Chrome and the running host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), doctorTimeout)
			defer cancel()

			result := runDoctor(ctx, cmd, &flags)
			out := cmd.OutOrStdout()
			if asJSON {
				if err := renderDoctorJSON(out, result); err != nil {
					return err
				}
			} else {
				renderDoctorHuman(out, result)
			}
			if result.Summary.Fail > 0 {
				return errors.New("doctor found failing checks")
			}
			return nil
		},
	}
	flags.register(cmd, "addr", "chrome-url")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a report")
	return cmd
}

// runDoctor evaluates every check. A broken config is reported and the
// remaining checks fall back to defaults.
func runDoctor(ctx context.Context, cmd *cobra.Command, flags *configFlags) DoctorResult {
	var checks []DoctorCheck

	cfg, err := flags.load(cmd)
	if err != nil {
		checks = append(checks, DoctorCheck{
			ID:         checkIDConfig,
			Status:     statusFail,
			Message:    err.Error(),
			NextAction: "Fix the config file or the DEBUGRELAY_* environment variables",
		})
		cfg = &config.Config{}
		cfg.ApplyDefaults()
	} else {
		checks = append(checks, evalConfig(flags.configPath))
	}

	browser := chrome.New(cfg.ChromeURL, chrome.Options{ProtocolVersion: cfg.ProtocolVersion})
	checks = append(checks, evalChrome(ctx, browser, cfg.ChromeURL)...)
	checks = append(checks, evalHostStatus(ctx, cfg.Addr))

	result := DoctorResult{Version: "1", Checks: checks}
	for _, c := range checks {
		switch c.Status {
		case statusPass:
			result.Summary.Pass++
		case statusWarn:
			result.Summary.Warn++
		case statusFail:
			result.Summary.Fail++
		}
	}
	return result
}

func evalConfig(path string) DoctorCheck {
	if path == "" {
		if p, err := config.DefaultConfigPath(); err == nil {
			path = p
		}
	}
	return DoctorCheck{
		ID:      checkIDConfig,
		Status:  statusPass,
		Message: fmt.Sprintf("configuration loaded (%s, defaults for unset keys)", path),
	}
}

// evalChrome checks that the endpoint answers and speaks a compatible
// protocol. The protocol check is skipped when Chrome is unreachable.
func evalChrome(ctx context.Context, browser *chrome.Client, chromeURL string) []DoctorCheck {
	v, err := browser.Version(ctx)
	if err != nil {
		return []DoctorCheck{{
			ID:         checkIDChromeReach,
			Status:     statusFail,
			Message:    fmt.Sprintf("Chrome is not reachable at %s: %v", chromeURL, err),
			NextAction: "Start Chrome with --remote-debugging-port=9222 or set chrome_url",
		}}
	}
	reach := DoctorCheck{
		ID:      checkIDChromeReach,
		Status:  statusPass,
		Message: fmt.Sprintf("%s at %s", v.Browser, chromeURL),
	}

	proto := DoctorCheck{
		ID:      checkIDChromeProtocol,
		Status:  statusPass,
		Message: fmt.Sprintf("protocol version %s", v.ProtocolVersion),
	}
	if err := browser.CheckProtocol(ctx); err != nil {
		proto.Status = statusFail
		proto.Message = err.Error()
		proto.NextAction = "Update Chrome or set protocol_version to the version it reports"
	}
	return []DoctorCheck{reach, proto}
}

func evalHostStatus(ctx context.Context, addr string) DoctorCheck {
	st, err := doctorQueryHostStatus(ctx, addr)
	if err != nil {
		return DoctorCheck{
			ID:         checkIDHostStatus,
			Status:     statusWarn,
			Message:    fmt.Sprintf("no host answering at %s", addr),
			NextAction: "Run 'debugrelay start'",
		}
	}
	return DoctorCheck{
		ID:     checkIDHostStatus,
		Status: statusPass,
		Message: fmt.Sprintf("host running at %s with %d session(s) and %d listener(s)",
			st.ListeningAddress, len(st.Sessions), st.Listeners),
	}
}

func renderDoctorJSON(w io.Writer, result DoctorResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func renderDoctorHuman(w io.Writer, result DoctorResult) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "debugrelay doctor")
	fmt.Fprintln(w, "=================")
	fmt.Fprintln(w, "")

	for _, c := range result.Checks {
		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(c.Status), c.ID, c.Message)
		if c.Status != statusPass && c.NextAction != "" {
			fmt.Fprintf(w, "    -> %s\n", c.NextAction)
		}
	}

	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Summary: %d passed, %d warnings, %d failures\n",
		result.Summary.Pass, result.Summary.Warn, result.Summary.Fail)
	fmt.Fprintln(w, "")
}

func statusIcon(status string) string {
	switch status {
	case statusPass:
		return "[PASS]"
	case statusWarn:
		return "[WARN]"
	case statusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}
