package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Togather-Foundation/roaming/internal/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimit_ProtocolTierIsDefault(t *testing.T) {
	handler := RateLimit(config.RateLimitConfig{ProtocolPerMinute: 2})(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ocpi/versions", nil)
		req.RemoteAddr = "192.168.1.100:12345"
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("request %d: expected status 200, got %d", i+1, res.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/ocpi/versions", nil)
	req.RemoteAddr = "192.168.1.100:12345"
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", res.Code)
	}
	if got := res.Header().Get("Retry-After"); got != "60" {
		t.Errorf("expected Retry-After 60, got %s", got)
	}
}

func TestRateLimit_TiersAreIndependent(t *testing.T) {
	limit := RateLimit(config.RateLimitConfig{ProtocolPerMinute: 1, AdminPerMinute: 1})
	protocol := limit(okHandler())
	admin := WithRateLimitTierHandler(TierAdmin)(limit(okHandler()))

	send := func(h http.Handler) int {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = "10.1.1.1:1000"
		res := httptest.NewRecorder()
		h.ServeHTTP(res, req)
		return res.Code
	}

	if code := send(protocol); code != http.StatusOK {
		t.Fatalf("protocol: expected 200, got %d", code)
	}
	if code := send(admin); code != http.StatusOK {
		t.Fatalf("admin: expected 200 on its own bucket, got %d", code)
	}
	if code := send(admin); code != http.StatusTooManyRequests {
		t.Fatalf("admin: expected 429, got %d", code)
	}
}

func TestRateLimit_PerIPIsolation(t *testing.T) {
	handler := RateLimit(config.RateLimitConfig{ProtocolPerMinute: 1})(okHandler())

	for _, addr := range []string{"192.168.1.1:1", "192.168.1.2:1"} {
		req := httptest.NewRequest(http.MethodGet, "/ocpi/versions", nil)
		req.RemoteAddr = addr
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", addr, res.Code)
		}
	}
}

func TestRateLimit_HealthEndpointsExempt(t *testing.T) {
	handler := RateLimit(config.RateLimitConfig{ProtocolPerMinute: 1})(okHandler())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "192.168.1.9:1"
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, res.Code)
		}
	}
}

func TestRateLimit_ZeroLimitDisables(t *testing.T) {
	handler := RateLimit(config.RateLimitConfig{})(okHandler())

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ocpi/versions", nil)
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, res.Code)
		}
	}
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		xff     string
		realIP  string
		trusted []string
		want    string
	}{
		{name: "direct", remote: "203.0.113.5:443", want: "203.0.113.5"},
		{name: "untrusted forwarded header ignored", remote: "203.0.113.5:443", xff: "1.2.3.4", want: "203.0.113.5"},
		{name: "trusted proxy forwarded", remote: "10.0.0.2:443", xff: "1.2.3.4, 10.0.0.2", trusted: []string{"10.0.0.0/8"}, want: "1.2.3.4"},
		{name: "trusted proxy real ip", remote: "10.0.0.2:443", realIP: " 5.6.7.8 ", trusted: []string{"10.0.0.0/8"}, want: "5.6.7.8"},
		{name: "no port", remote: "198.51.100.7", want: "198.51.100.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := clientKey(req, parseProxies(tt.trusted)); got != tt.want {
				t.Errorf("clientKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFromProxy_InvalidInput(t *testing.T) {
	if fromProxy("not-an-ip", parseProxies([]string{"10.0.0.0/8"})) {
		t.Error("invalid IP should not be trusted")
	}
	if got := parseProxies([]string{"bogus", " 10.1.2.3/8 "}); len(got) != 1 || got[0].String() != "10.0.0.0/8" {
		t.Errorf("parseProxies = %v, want [10.0.0.0/8]", got)
	}
	if !fromProxy("::ffff:10.0.0.9", parseProxies([]string{"10.0.0.0/8"})) {
		t.Error("IPv4-mapped address should match its IPv4 prefix")
	}
}

func TestLimiterStore_SweepsIdleBuckets(t *testing.T) {
	store := newLimiterStore(config.RateLimitConfig{ProtocolPerMinute: 5})
	clock := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }

	store.limiter(TierProtocol, "1.1.1.1")
	clock = clock.Add(16 * time.Minute)
	store.limiter(TierProtocol, "2.2.2.2")

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.buckets) != 1 {
		t.Errorf("expected the idle bucket swept, %d left", len(store.buckets))
	}
	if _, ok := store.buckets["protocol|2.2.2.2"]; !ok {
		t.Error("fresh bucket missing")
	}
}

func TestRateLimit_ProtocolKeyedByToken(t *testing.T) {
	handler := RateLimit(config.RateLimitConfig{ProtocolPerMinute: 1})(okHandler())

	send := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ocpi/versions", nil)
		req.RemoteAddr = "203.0.113.7:443"
		req.Header.Set("Authorization", "Token "+token)
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		return res
	}

	if code := send("peer-a").Code; code != http.StatusOK {
		t.Fatalf("peer-a: expected 200, got %d", code)
	}
	if code := send("peer-b").Code; code != http.StatusOK {
		t.Fatalf("peer-b behind the same address: expected 200, got %d", code)
	}

	res := send("peer-a")
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("peer-a again: expected 429, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), `"status_code":2000`) {
		t.Errorf("expected OCPI envelope, got %s", res.Body.String())
	}
}

func TestRateLimit_AdminRejectsWithProblem(t *testing.T) {
	handler := WithRateLimitTierHandler(TierAdmin)(RateLimit(config.RateLimitConfig{AdminPerMinute: 1})(okHandler()))

	var res *httptest.ResponseRecorder
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/parties", nil)
		req.RemoteAddr = "10.0.0.5:9000"
		res = httptest.NewRecorder()
		handler.ServeHTTP(res, req)
	}

	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", res.Code)
	}
	if ct := res.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json, got %q", ct)
	}
}
