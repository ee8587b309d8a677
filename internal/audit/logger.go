// Package audit records operator actions on parties: registration, status
// changes, token rotation and authorization toggles.
package audit

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/Togather-Foundation/roaming/internal/auth"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Entry represents a single audit log entry with structured fields
type Entry struct {
	Timestamp    time.Time         `json:"timestamp"`
	Action       string            `json:"action"`
	Actor        string            `json:"actor"`
	ResourceType string            `json:"resource_type,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	IPAddress    string            `json:"ip_address,omitempty"`
	Status       string            `json:"status"` // "success" or "failure"
	Details      map[string]string `json:"details,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Logger writes audit entries as a nested "audit" object on zerolog events.
type Logger struct {
	logger zerolog.Logger
	now    func() time.Time
}

// NewLogger creates an audit logger on the global zerolog logger.
func NewLogger() *Logger {
	return NewLoggerWithZerolog(log.Logger)
}

// NewLoggerWithZerolog creates an audit logger writing to logger.
func NewLoggerWithZerolog(logger zerolog.Logger) *Logger {
	return &Logger{
		logger: logger.With().Str("component", "audit").Logger(),
		now:    time.Now,
	}
}

// Log writes an audit entry. A zero Timestamp is set to now.
func (l *Logger) Log(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}

	ev := l.logger.Info()
	if entry.Status == StatusFailure {
		ev = l.logger.Warn()
	}
	ev.Interface("audit", entry).Msg(entry.Action)
}

// LogSuccess logs a successful operator action.
func (l *Logger) LogSuccess(action, actor, resourceType, resourceID, ipAddress string, details map[string]string) {
	l.Log(Entry{
		Action:       action,
		Actor:        actor,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		IPAddress:    ipAddress,
		Status:       StatusSuccess,
		Details:      details,
	})
}

// LogFailure logs a rejected or failed operator action.
func (l *Logger) LogFailure(action, actor, ipAddress string, details map[string]string) {
	l.Log(Entry{
		Action:    action,
		Actor:     actor,
		IPAddress: ipAddress,
		Status:    StatusFailure,
		Details:   details,
	})
}

// extractClientIP gets the client IP from proxy headers or RemoteAddr
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

// LogFromRequest logs an action taken through the admin API. The actor is the
// subject of the admin token on the request context.
func (l *Logger) LogFromRequest(r *http.Request, action, resourceType, resourceID, status string, details map[string]string) {
	actor := "unknown"
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok && claims.Subject != "" {
		actor = claims.Subject
	}

	l.Log(Entry{
		Action:       action,
		Actor:        actor,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		IPAddress:    extractClientIP(r),
		Status:       status,
		Details:      details,
	})
}

type contextKey string

const auditLoggerKey contextKey = "auditLogger"

// WithLogger adds an audit logger to the request context
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, auditLoggerKey, logger)
}

// FromContext retrieves the audit logger from the request context, falling
// back to one on the global logger.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(auditLoggerKey).(*Logger); ok {
		return logger
	}
	return NewLogger()
}
