package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Togather-Foundation/roaming/internal/domain/parties"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	checkPass = "pass"
	checkWarn = "warn"
	checkFail = "fail"
)

// pushBacklogWarn is the queued delivery count above which push_queue warns.
const pushBacklogWarn = 1000

type HealthCheck struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	GitCommit string                 `json:"git_commit"`
	Slot      string                 `json:"slot,omitempty"`
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp string                 `json:"timestamp"`
}

type CheckResult struct {
	Status    string         `json:"status"`
	Message   string         `json:"message,omitempty"`
	LatencyMs int64          `json:"latency_ms,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// PartyCounter is the registry view the health check reads.
type PartyCounter interface {
	All() []*parties.Record
}

// Backlog reports queued outbound deliveries.
type Backlog interface {
	Len() int
}

type probe struct {
	name string
	run  func(ctx context.Context) CheckResult
}

// HealthChecker aggregates the probes behind /health. A nil pool means the
// hub runs on the in-memory registry and the database probes report that.
type HealthChecker struct {
	pool      *pgxpool.Pool
	probes    []probe
	version   string
	gitCommit string
}

// NewHealthChecker wires the probes. jobs names the job runner in use
// ("river", "ticker" or "" when disabled); backlog may be nil.
func NewHealthChecker(pool *pgxpool.Pool, registry PartyCounter, backlog Backlog, jobs, version, gitCommit string) *HealthChecker {
	h := &HealthChecker{pool: pool, version: version, gitCommit: gitCommit}
	h.probes = []probe{
		{"registry", func(context.Context) CheckResult { return registryCheck(registry) }},
		{"peers", func(context.Context) CheckResult { return peersCheck(registry) }},
		{"push_queue", func(context.Context) CheckResult { return backlogCheck(backlog) }},
		{"database", h.databaseCheck},
		{"job_queue", func(ctx context.Context) CheckResult { return h.jobQueueCheck(ctx, jobs) }},
	}
	if pool != nil {
		h.probes = append(h.probes, probe{"migrations", h.migrationsCheck})
	}
	return h
}

// Health answers 200 while no probe fails. A warning only marks the hub
// degraded.
func (h *HealthChecker) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Context().Err() != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"}, "")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := make(map[string]CheckResult, len(h.probes))
		overall, code := "healthy", http.StatusOK
		for _, p := range h.probes {
			res := p.run(ctx)
			checks[p.name] = res
			switch {
			case res.Status == checkFail:
				overall, code = "unhealthy", http.StatusServiceUnavailable
			case res.Status == checkWarn && overall == "healthy":
				overall = "degraded"
			}
		}

		writeJSON(w, code, HealthCheck{
			Status:    overall,
			Version:   h.version,
			GitCommit: h.gitCommit,
			Slot:      os.Getenv("DEPLOYMENT_SLOT"),
			Checks:    checks,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}, "")
	}
}

func registryCheck(registry PartyCounter) CheckResult {
	if registry == nil {
		return CheckResult{Status: checkFail, Message: "Party registry not initialized"}
	}
	counts := map[string]any{}
	all := registry.All()
	for _, rec := range all {
		key := strings.ToLower(string(rec.Identity.Role) + "_" + string(rec.Status))
		n, _ := counts[key].(int)
		counts[key] = n + 1
	}
	counts["total"] = len(all)
	return CheckResult{Status: checkPass, Message: fmt.Sprintf("%d parties loaded", len(all)), Details: counts}
}

// peersCheck warns when every registered connection is offline.
func peersCheck(registry PartyCounter) CheckResult {
	if registry == nil {
		return CheckResult{Status: checkFail, Message: "Party registry not initialized"}
	}
	var registered, online int
	for _, rec := range registry.All() {
		if rec.Status != parties.StatusEnabled {
			continue
		}
		for _, remote := range rec.RemoteAccess {
			if remote.State != parties.StateRegistered {
				continue
			}
			registered++
			if remote.Status == parties.RemoteOnline {
				online++
			}
		}
	}
	details := map[string]any{"registered": registered, "online": online}
	switch {
	case registered == 0:
		return CheckResult{Status: checkPass, Message: "No registered peers", Details: details}
	case online == 0:
		return CheckResult{Status: checkWarn, Message: "All registered peers are offline", Details: details}
	}
	return CheckResult{Status: checkPass, Message: fmt.Sprintf("%d of %d peers online", online, registered), Details: details}
}

func backlogCheck(backlog Backlog) CheckResult {
	if backlog == nil {
		return CheckResult{Status: checkPass, Message: "Push engine not configured"}
	}
	n := backlog.Len()
	res := CheckResult{Status: checkPass, Message: fmt.Sprintf("%d deliveries queued", n), Details: map[string]any{"queued": n}}
	if n > pushBacklogWarn {
		res.Status = checkWarn
	}
	return res
}

func (h *HealthChecker) databaseCheck(ctx context.Context) CheckResult {
	if h.pool == nil {
		return CheckResult{Status: checkPass, Message: "In-memory registry (no database configured)"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	var one int
	err := h.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return CheckResult{Status: checkFail, Message: "Database query failed", LatencyMs: latency, Details: map[string]any{
			"error":       err.Error(),
			"remediation": databaseRemediation(err),
		}}
	}
	stats := h.pool.Stat()
	return CheckResult{Status: checkPass, Message: "PostgreSQL connection successful", LatencyMs: latency, Details: map[string]any{
		"max_connections":      stats.MaxConns(),
		"total_connections":    stats.TotalConns(),
		"acquired_connections": stats.AcquiredConns(),
	}}
}

func databaseRemediation(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return "Verify PostgreSQL is running and the DATABASE_URL host and port"
	case strings.Contains(msg, "authentication failed"):
		return "Verify the DATABASE_URL credentials"
	}
	return "Check DATABASE_URL and the PostgreSQL service"
}

// migrationsCheck fails while the schema is dirty from an aborted migration.
func (h *HealthChecker) migrationsCheck(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	var version int64
	var dirty bool
	err := h.pool.QueryRow(ctx, `SELECT version, dirty FROM schema_migrations ORDER BY version DESC LIMIT 1`).Scan(&version, &dirty)
	latency := time.Since(start).Milliseconds()
	switch {
	case err != nil:
		return CheckResult{Status: checkFail, Message: "Failed to read migration version", LatencyMs: latency,
			Details: map[string]any{"error": err.Error(), "remediation": "Run: server migrate up"}}
	case dirty:
		return CheckResult{Status: checkFail, Message: fmt.Sprintf("Migration %d is dirty", version), LatencyMs: latency,
			Details: map[string]any{"version": version, "dirty": true}}
	}
	return CheckResult{Status: checkPass, Message: fmt.Sprintf("Schema at version %d", version), LatencyMs: latency,
		Details: map[string]any{"version": version, "dirty": false}}
}

// jobQueueCheck reports the job runner. With River the job table must be
// readable.
func (h *HealthChecker) jobQueueCheck(ctx context.Context, jobs string) CheckResult {
	switch {
	case jobs == "":
		return CheckResult{Status: checkWarn, Message: "Periodic jobs disabled"}
	case jobs != "river":
		return CheckResult{Status: checkPass, Message: "In-process ticker runs periodic jobs"}
	case h.pool == nil:
		return CheckResult{Status: checkFail, Message: "River configured without a database"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	var active int64
	err := h.pool.QueryRow(ctx, `SELECT COUNT(*) FROM river_job WHERE state = ANY($1)`, []string{"available", "running"}).Scan(&active)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return CheckResult{Status: checkFail, Message: "Failed to query job queue", LatencyMs: latency,
			Details: map[string]any{"error": err.Error(), "remediation": "Run: server migrate up"}}
	}
	return CheckResult{Status: checkPass, Message: "River job queue operational", LatencyMs: latency,
		Details: map[string]any{"active_jobs": active}}
}

// Healthz is the liveness probe.
func Healthz() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondHealth(w, http.StatusOK, "ok")
	})
}

// Readyz answers ready once the database (when configured) answers a ping.
func Readyz(pool *pgxpool.Pool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				respondHealth(w, http.StatusServiceUnavailable, "not_ready")
				return
			}
		}
		respondHealth(w, http.StatusOK, "ready")
	})
}

func respondHealth(w http.ResponseWriter, status int, value string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": value})
}
