package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// Probe paths served by the hub.
var probePaths = map[string]string{
	"health": "/health",
	"ready":  "/readyz",
	"live":   "/healthz",
}

var (
	healthcheckTimeout time.Duration
	healthcheckURL     string
	healthcheckProbe   string
)

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Probe a running hub",
	Long: `Calls one of the hub's probe endpoints and reports the result through
the exit code, for container HEALTHCHECK and orchestrator probes.

Probes:
  health  full report of registry, peers, push queue, database and jobs
  ready   database reachable (or memory mode)
  live    process answering

Exit codes:
  0  healthy (a degraded report still exits 0)
  1  unhealthy or unreachable
  2  the answer was not a health report`,
	Args: cobra.NoArgs,
	RunE: runHealthcheck,
}

// errInvalidHealthResponse marks a body that is not a health report.
var errInvalidHealthResponse = errors.New("invalid health response")

// exitError carries a process exit code up to Execute.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func init() {
	flags := healthcheckCmd.Flags()
	flags.DurationVar(&healthcheckTimeout, "timeout", 5*time.Second, "request timeout")
	flags.StringVar(&healthcheckURL, "url", "", "probe URL (default: http://localhost:{SERVER_PORT} plus the probe path)")
	flags.StringVar(&healthcheckProbe, "probe", "health", "probe to call: health, ready or live")
}

// HealthResponse is the subset of the /health report the probe reads.
type HealthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func runHealthcheck(cmd *cobra.Command, _ []string) error {
	url, err := probeURL(healthcheckURL, healthcheckProbe, os.Getenv("SERVER_PORT"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), healthcheckTimeout)
	defer cancel()

	client := &http.Client{}
	if healthcheckProbe != "health" {
		if err := probeStatus(ctx, client, url); err != nil {
			return &exitError{code: 1, err: err}
		}
		return nil
	}

	health, err := performHealthCheck(ctx, client, url)
	switch {
	case errors.Is(err, errInvalidHealthResponse):
		return &exitError{code: 2, err: err}
	case err != nil:
		return &exitError{code: 1, err: err}
	case health.Status == "unhealthy":
		reportFailingChecks(cmd.ErrOrStderr(), health)
		return &exitError{code: 1, err: fmt.Errorf("hub is %s", health.Status)}
	case health.Status != "healthy":
		reportFailingChecks(cmd.ErrOrStderr(), health)
	}
	return nil
}

// probeURL resolves the URL to call. An explicit url wins over the probe.
func probeURL(url, probe, port string) (string, error) {
	path, ok := probePaths[probe]
	if !ok {
		return "", fmt.Errorf("unknown probe %q", probe)
	}
	if url != "" {
		return url, nil
	}
	if _, err := strconv.Atoi(port); err != nil {
		port = "8080"
	}
	return "http://localhost:" + port + path, nil
}

func reportFailingChecks(w io.Writer, health HealthResponse) {
	fmt.Fprintf(w, "hub status: %s\n", health.Status)
	names := make([]string, 0, len(health.Checks))
	for name := range health.Checks {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if check := health.Checks[name]; check.Status != "pass" {
			fmt.Fprintf(w, "  %s: %s %s\n", name, check.Status, check.Message)
		}
	}
}

func get(ctx context.Context, client *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return client.Do(req)
}

// probeStatus calls a probe that answers with a bare status code.
func probeStatus(ctx context.Context, client *http.Client, url string) error {
	resp, err := get(ctx, client, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe answered %d", resp.StatusCode)
	}
	return nil
}

// performHealthCheck calls url and decodes the report. A non-200 answer is
// an error; a 200 answer with a degraded status is returned as is.
func performHealthCheck(ctx context.Context, client *http.Client, url string) (HealthResponse, error) {
	resp, err := get(ctx, client, url)
	if err != nil {
		return HealthResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return HealthResponse{}, fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return HealthResponse{}, fmt.Errorf("%w: %v", errInvalidHealthResponse, err)
	}
	return health, nil
}
