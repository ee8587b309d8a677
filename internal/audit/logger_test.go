package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Togather-Foundation/roaming/internal/auth"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

func decodeEntry(t *testing.T, output string) Entry {
	t.Helper()
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &wrapper); err != nil {
		t.Fatalf("Failed to parse logged JSON: %v\nOutput: %s", err, output)
	}
	auditData, ok := wrapper["audit"]
	if !ok {
		t.Fatal("No 'audit' field found in logged JSON")
	}
	var logged Entry
	if err := json.Unmarshal(auditData, &logged); err != nil {
		t.Fatalf("Failed to parse audit entry: %v\nOutput: %s", err, output)
	}
	return logged
}

func TestLogger_Log(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithZerolog(zerolog.New(&buf))

	entry := Entry{
		Action:       "party.status.update",
		Actor:        "ops@hub",
		ResourceType: "party",
		ResourceID:   "NL/XYZ/EMSP",
		IPAddress:    "192.168.1.1",
		Status:       StatusSuccess,
	}
	logger.Log(entry)

	logged := decodeEntry(t, buf.String())
	if logged.Action != entry.Action {
		t.Errorf("Action mismatch: got %s, want %s", logged.Action, entry.Action)
	}
	if logged.Actor != entry.Actor {
		t.Errorf("Actor mismatch: got %s, want %s", logged.Actor, entry.Actor)
	}
	if logged.ResourceID != entry.ResourceID {
		t.Errorf("ResourceID mismatch: got %s, want %s", logged.ResourceID, entry.ResourceID)
	}
	if logged.Status != entry.Status {
		t.Errorf("Status mismatch: got %s, want %s", logged.Status, entry.Status)
	}
	if time.Since(logged.Timestamp) > time.Second {
		t.Errorf("Timestamp should be set automatically, got %v", logged.Timestamp)
	}
}

func TestLogger_LevelsByStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithZerolog(zerolog.New(&buf))

	logger.LogFailure("party.register", "bob", "10.0.0.1", map[string]string{"reason": "suspended"})
	if !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Errorf("failures should log at warn: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "suspended") {
		t.Error("Should contain details")
	}

	buf.Reset()
	logger.LogSuccess("party.register", "bob", "party", "NL/XYZ/EMSP", "10.0.0.1", nil)
	if !strings.Contains(buf.String(), `"level":"info"`) {
		t.Errorf("successes should log at info: %s", buf.String())
	}
}

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "forwarded for takes first hop", headers: map[string]string{"X-Forwarded-For": "203.0.113.1, 198.51.100.1"}, want: "203.0.113.1"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": "203.0.113.5"}, want: "203.0.113.5"},
		{name: "remote addr", remote: "192.168.1.100:12345", want: "192.168.1.100:12345"},
		{name: "forwarded for preferred", headers: map[string]string{"X-Forwarded-For": "203.0.113.1", "X-Real-IP": "203.0.113.2"}, want: "203.0.113.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/parties", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if tt.remote != "" {
				req.RemoteAddr = tt.remote
			}
			if got := extractClientIP(req); got != tt.want {
				t.Errorf("extractClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLogFromRequest_UsesTokenSubject(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithZerolog(zerolog.New(&buf))

	req := httptest.NewRequest(http.MethodPost, "/admin/parties", nil)
	req.RemoteAddr = "10.0.0.1:12345"
	claims := &auth.Claims{Role: string(auth.RoleAdmin), RegisteredClaims: jwt.RegisteredClaims{Subject: "charlie"}}
	req = req.WithContext(auth.ContextWithClaims(req.Context(), claims))

	logger.LogFromRequest(req, "party.create", "party", "NL/XYZ/EMSP", StatusSuccess, nil)

	logged := decodeEntry(t, buf.String())
	if logged.Actor != "charlie" {
		t.Errorf("Actor = %q, want charlie", logged.Actor)
	}
	if logged.IPAddress != "10.0.0.1:12345" {
		t.Errorf("IPAddress = %q", logged.IPAddress)
	}
}

func TestLogFromRequest_NoClaimsInContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithZerolog(zerolog.New(&buf))

	req := httptest.NewRequest(http.MethodPost, "/admin/parties", nil)
	logger.LogFromRequest(req, "party.create", "party", "NL/XYZ/EMSP", StatusSuccess, nil)

	if logged := decodeEntry(t, buf.String()); logged.Actor != "unknown" {
		t.Errorf("Actor = %q, want unknown", logged.Actor)
	}
}

func TestWithLogger_AndFromContext(t *testing.T) {
	logger := NewLoggerWithZerolog(zerolog.Nop())
	ctx := WithLogger(context.Background(), logger)

	if retrieved := FromContext(ctx); retrieved != logger {
		t.Error("Retrieved logger should be the same instance")
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("Should return a default logger when not found in context")
	}
}

func BenchmarkLogger_Log(b *testing.B) {
	var buf bytes.Buffer
	logger := NewLoggerWithZerolog(zerolog.New(&buf))
	entry := Entry{Action: "party.status.update", Actor: "bench", ResourceType: "party", ResourceID: "NL/XYZ/EMSP", Status: StatusSuccess}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Log(entry)
	}
}
