// Package api assembles the HTTP surface of the hub: the OCPI protocol
// endpoints peers call and the admin API operators use.
package api

import (
	"net/http"
	"sort"
	"strings"

	"github.com/Togather-Foundation/roaming/internal/api/handlers"
	"github.com/Togather-Foundation/roaming/internal/api/middleware"
	"github.com/Togather-Foundation/roaming/internal/audit"
	"github.com/Togather-Foundation/roaming/internal/auth"
	"github.com/Togather-Foundation/roaming/internal/config"
	"github.com/Togather-Foundation/roaming/internal/domain/authorization"
	"github.com/Togather-Foundation/roaming/internal/domain/parties"
	"github.com/Togather-Foundation/roaming/internal/domain/push"
	"github.com/Togather-Foundation/roaming/internal/domain/registration"
	"github.com/Togather-Foundation/roaming/internal/metrics"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Deps is everything the router serves. Pool is nil when the hub runs in
// memory; JWT is nil when no admin secret is configured.
type Deps struct {
	Config      config.Config
	Logger      zerolog.Logger
	Pool        *pgxpool.Pool
	Registry    *parties.Registry
	Coordinator *registration.Coordinator
	Resolver    *authorization.Resolver
	Engine      *push.Engine
	JWT         *auth.JWTManager
	// Jobs names the periodic job runner, "river" or "ticker".
	Jobs      string
	Version   string
	GitCommit string
	BuildDate string
}

// NewRouter wires the routes and the global middleware chain. Nothing between
// Tracing and the mux replaces the request, so the matched pattern is visible
// to tracing, logging and metrics after the handler returns.
func NewRouter(deps Deps) http.Handler {
	cfg := deps.Config
	env := cfg.Environment

	versions := handlers.NewVersionsHandler(cfg.Server.BaseURL, nil)
	credentials := handlers.NewCredentialsHandler(deps.Coordinator)
	receiver := handlers.NewReceiverHandler(deps.Engine)
	tokens := handlers.NewTokensHandler(deps.Resolver)
	admin := handlers.NewAdminHandler(deps.Registry, deps.Coordinator, deps.Resolver, deps.Engine, audit.NewLoggerWithZerolog(deps.Logger), env)
	var backlog handlers.Backlog
	if deps.Engine != nil {
		backlog = deps.Engine.Queue()
	}
	health := handlers.NewHealthChecker(deps.Pool, deps.Registry, backlog, deps.Jobs, deps.Version, deps.GitCommit)

	evaluator := auth.NewEvaluator(deps.Registry)
	limit := middleware.RateLimit(cfg.RateLimit)
	adminTier := middleware.WithRateLimitTierHandler(middleware.TierAdmin)
	protocolSize := middleware.ProtocolRequestSize()
	adminSize := middleware.AdminRequestSize()

	// peer wraps a protocol route: rate limit, body bound, token auth.
	peer := func(role parties.Role, h http.HandlerFunc) http.Handler {
		return limit(protocolSize(middleware.PartyAuth(evaluator, role)(h)))
	}
	readAuth := middleware.JWTAuth(deps.JWT, env, auth.CapInspect)
	writeAuth := middleware.JWTAuth(deps.JWT, env, auth.CapOperate)
	adminOnly := middleware.JWTAuth(deps.JWT, env, auth.CapManage)
	operator := func(authn func(http.Handler) http.Handler, h http.HandlerFunc) http.Handler {
		return adminTier(limit(adminSize(authn(h))))
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", handlers.Healthz())
	mux.Handle("/readyz", handlers.Readyz(deps.Pool))
	mux.Handle("/health", health.Health())
	mux.Handle("/version", VersionHandler(BuildInfo{
		Version:     deps.Version,
		GitCommit:   deps.GitCommit,
		BuildDate:   deps.BuildDate,
		CountryCode: deps.Config.Party.CountryCode,
		PartyID:     deps.Config.Party.PartyID,
	}))
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	mux.Handle("/ocpi/versions", methodMux(map[string]http.Handler{
		http.MethodGet: peer("", versions.List),
	}))
	mux.Handle("/ocpi/{version}", methodMux(map[string]http.Handler{
		http.MethodGet: peer("", versions.Detail),
	}))
	mux.Handle("/ocpi/{version}/credentials", methodMux(map[string]http.Handler{
		http.MethodGet:    peer("", credentials.Get),
		http.MethodPost:   peer("", credentials.Post),
		http.MethodPut:    peer("", credentials.Put),
		http.MethodDelete: peer("", credentials.Delete),
	}))
	mux.Handle("/ocpi/{version}/{module}/{country_code}/{party_id}/{id}", methodMux(map[string]http.Handler{
		http.MethodPut:   peer(parties.RoleCPO, receiver.Put),
		http.MethodPatch: peer(parties.RoleCPO, receiver.Patch),
	}))
	mux.Handle("/ocpi/{version}/cdrs", methodMux(map[string]http.Handler{
		http.MethodPost: peer(parties.RoleCPO, receiver.PostCDR),
	}))
	mux.Handle("/ocpi/{version}/tokens/{uid}/authorize", methodMux(map[string]http.Handler{
		http.MethodPost: peer(parties.RoleCPO, tokens.Authorize),
	}))

	mux.Handle("/api/v1/admin/parties", methodMux(map[string]http.Handler{
		http.MethodGet:  operator(readAuth, admin.ListParties),
		http.MethodPost: operator(adminOnly, admin.CreateParty),
	}))
	mux.Handle("/api/v1/admin/parties/{party}", methodMux(map[string]http.Handler{
		http.MethodGet: operator(readAuth, admin.GetParty),
	}))
	mux.Handle("/api/v1/admin/parties/{party}/status", methodMux(map[string]http.Handler{
		http.MethodPut: operator(adminOnly, admin.SetPartyStatus),
	}))
	mux.Handle("/api/v1/admin/parties/{party}/remote", methodMux(map[string]http.Handler{
		http.MethodPost: operator(adminOnly, admin.AttachRemote),
	}))
	mux.Handle("/api/v1/admin/parties/{party}/register", methodMux(map[string]http.Handler{
		http.MethodPost: operator(writeAuth, admin.Register),
	}))
	mux.Handle("/api/v1/admin/parties/{party}/reregister", methodMux(map[string]http.Handler{
		http.MethodPost: operator(writeAuth, admin.Reregister),
	}))
	mux.Handle("/api/v1/admin/parties/{party}/unregister", methodMux(map[string]http.Handler{
		http.MethodPost: operator(writeAuth, admin.Unregister),
	}))
	mux.Handle("/api/v1/admin/parties/{party}/tokens/rotate", methodMux(map[string]http.Handler{
		http.MethodPost: operator(adminOnly, admin.RotateToken),
	}))

	mux.Handle("/api/v1/admin/authorizations/start", methodMux(map[string]http.Handler{
		http.MethodPost: operator(writeAuth, admin.AuthorizeStart),
	}))
	mux.Handle("/api/v1/admin/authorizations/stop", methodMux(map[string]http.Handler{
		http.MethodPost: operator(writeAuth, admin.AuthorizeStop),
	}))
	mux.Handle("/api/v1/admin/authorizations/enabled", methodMux(map[string]http.Handler{
		http.MethodGet: operator(readAuth, admin.AuthorizationEnabled),
		http.MethodPut: operator(adminOnly, admin.SetAuthorizationEnabled),
	}))

	mux.Handle("/api/v1/admin/push/cdrs", methodMux(map[string]http.Handler{
		http.MethodPost: operator(writeAuth, admin.SubmitCDRs),
	}))
	mux.Handle("/api/v1/admin/push/flush", methodMux(map[string]http.Handler{
		http.MethodPost: operator(writeAuth, admin.Flush),
	}))
	mux.Handle("/api/v1/admin/push/changes", methodMux(map[string]http.Handler{
		http.MethodGet: operator(readAuth, admin.ListChanges),
	}))
	mux.Handle("/api/v1/admin/push/queue", methodMux(map[string]http.Handler{
		http.MethodGet: operator(readAuth, admin.ListQueue),
	}))
	mux.Handle("/api/v1/admin/push/{module}", methodMux(map[string]http.Handler{
		http.MethodPost: operator(writeAuth, admin.Push),
	}))

	var handler http.Handler = mux
	handler = middleware.SecurityHeaders(cfg.Party.RequireHTTPS)(handler)
	handler = metrics.HTTPMiddleware(handler)
	handler = middleware.RequestLogging(deps.Logger)(handler)
	handler = middleware.Tracing(handler)
	handler = middleware.CorrelationID(deps.Logger)(handler)
	return handler
}

func methodMux(handlers map[string]http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Allow", allowedMethods(handlers))
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
}

func allowedMethods(handlers map[string]http.Handler) string {
	methods := make([]string, 0, len(handlers))
	for method := range handlers {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return strings.Join(methods, ", ")
}
