package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/Togather-Foundation/roaming/internal/api/problem"
	"github.com/Togather-Foundation/roaming/internal/api/render"
	"github.com/Togather-Foundation/roaming/internal/auth"
	"github.com/Togather-Foundation/roaming/internal/config"
	"github.com/Togather-Foundation/roaming/internal/metrics"
	"github.com/Togather-Foundation/roaming/internal/ocpi"
	"golang.org/x/time/rate"
)

var errRateLimited = errors.New("rate limit exceeded")

type RateLimitTier string

const (
	TierProtocol RateLimitTier = "protocol" // OCPI endpoints called by peers
	TierAdmin    RateLimitTier = "admin"
)

type rateLimitKey string

const rateLimitTierKey rateLimitKey = "rateLimitTier"

func WithRateLimitTier(ctx context.Context, tier RateLimitTier) context.Context {
	return context.WithValue(ctx, rateLimitTierKey, tier)
}

func WithRateLimitTierHandler(tier RateLimitTier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithRateLimitTier(r.Context(), tier)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimit applies a token bucket per caller for the tier in the request
// context, defaulting to TierProtocol. Protocol callers are keyed by the
// token they present so peers sharing an egress address do not starve each
// other; admin callers and tokenless requests are keyed by client IP.
//
// Rejections answer in the tier's format: an OCPI envelope for peers and a
// problem document for admins.
func RateLimit(cfg config.RateLimitConfig) func(http.Handler) http.Handler {
	store := newLimiterStore(cfg)
	proxies := parseProxies(cfg.TrustedProxyCIDRs)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" {
				next.ServeHTTP(w, r)
				return
			}

			tier := TierProtocol
			if value, ok := r.Context().Value(rateLimitTierKey).(RateLimitTier); ok {
				tier = value
			}

			limiter := store.limiter(tier, callerKey(r, tier, proxies))
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			if !limiter.Allow() {
				metrics.RateLimited.WithLabelValues(string(tier)).Inc()
				w.Header().Set("Retry-After", "60")
				if tier == TierAdmin {
					problem.Write(w, r, http.StatusTooManyRequests, problem.TypeRateLimited, "Too many requests", errRateLimited, "")
					return
				}
				render.Error(w, r, http.StatusTooManyRequests, ocpi.StatusClientError, "too many requests", errRateLimited)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

const (
	limiterIdleTTL = 15 * time.Minute
	sweepEvery     = 5 * time.Minute
)

// limiterStore holds one bucket per tier and caller. Idle buckets are swept
// on access, at most every sweepEvery.
type limiterStore struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	perMinute map[RateLimitTier]int
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLimiterStore(cfg config.RateLimitConfig) *limiterStore {
	return &limiterStore{
		buckets: make(map[string]*bucket),
		perMinute: map[RateLimitTier]int{
			TierProtocol: cfg.ProtocolPerMinute,
			TierAdmin:    cfg.AdminPerMinute,
		},
		now: time.Now,
	}
}

// limiter returns the bucket for key in tier, or nil when the tier is
// unlimited.
func (s *limiterStore) limiter(tier RateLimitTier, key string) *rate.Limiter {
	limit := s.perMinute[tier]
	if limit <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) >= sweepEvery {
		s.sweepLocked(now)
	}

	id := string(tier) + "|" + key
	b, ok := s.buckets[id]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(limit)), limit)}
		s.buckets[id] = b
	}
	b.lastSeen = now
	return b.limiter
}

func (s *limiterStore) sweepLocked(now time.Time) {
	for id, b := range s.buckets {
		if now.Sub(b.lastSeen) > limiterIdleTTL {
			delete(s.buckets, id)
		}
	}
	s.lastSweep = now
}

func callerKey(r *http.Request, tier RateLimitTier, proxies []netip.Prefix) string {
	if tier == TierProtocol {
		if token, err := auth.TokenFromRequest(r); err == nil {
			sum := sha256.Sum256([]byte(token))
			return "token:" + hex.EncodeToString(sum[:8])
		}
	}
	return clientKey(r, proxies)
}

// clientKey is the caller's address. Forwarding headers are honored only
// when the connection comes from a trusted proxy.
func clientKey(r *http.Request, proxies []netip.Prefix) string {
	if r == nil {
		return ""
	}
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if !fromProxy(remote, proxies) {
		return remote
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	return remote
}

// parseProxies skips entries that are not valid CIDRs.
func parseProxies(cidrs []string) []netip.Prefix {
	var out []netip.Prefix
	for _, c := range cidrs {
		if p, err := netip.ParsePrefix(strings.TrimSpace(c)); err == nil {
			out = append(out, p.Masked())
		}
	}
	return out
}

func fromProxy(ip string, proxies []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
