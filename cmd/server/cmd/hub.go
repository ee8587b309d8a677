package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/Togather-Foundation/roaming/internal/api"
	"github.com/Togather-Foundation/roaming/internal/auth"
	"github.com/Togather-Foundation/roaming/internal/config"
	"github.com/Togather-Foundation/roaming/internal/domain/authorization"
	"github.com/Togather-Foundation/roaming/internal/domain/parties"
	"github.com/Togather-Foundation/roaming/internal/domain/push"
	"github.com/Togather-Foundation/roaming/internal/domain/registration"
	"github.com/Togather-Foundation/roaming/internal/jobs"
	"github.com/Togather-Foundation/roaming/internal/metrics"
	"github.com/Togather-Foundation/roaming/internal/ocpi"
	"github.com/Togather-Foundation/roaming/internal/ocpi/client"
	"github.com/Togather-Foundation/roaming/internal/storage/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog"
)

// hub holds the assembled components of a running server. With no database
// configured the registry lives in memory and the periodic jobs run on a
// ticker instead of River.
type hub struct {
	cfg         config.Config
	logger      zerolog.Logger
	pool        *pgxpool.Pool
	registry    *parties.Registry
	coordinator *registration.Coordinator
	resolver    *authorization.Resolver
	engine      *push.Engine
	clients     *client.Factory
	river       *river.Client[pgx.Tx]
	ticker      *jobs.Ticker
	handler     http.Handler

	cancel         context.CancelFunc
	unregisterPool func()
}

func newHub(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*hub, error) {
	h := &hub{cfg: cfg, logger: logger}

	var repo parties.Repository = parties.NewMemoryRepository()
	if cfg.Database.URL != "" {
		poolCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := postgres.Connect(poolCtx, cfg.Database.URL, cfg.Database.MaxConnections)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		h.pool = pool
		partyRepo, err := postgres.NewPartyRepository(pool)
		if err != nil {
			h.close()
			return nil, err
		}
		repo = partyRepo
	} else {
		logger.Warn().Msg("DATABASE_URL not set, parties are kept in memory only")
	}

	h.registry = parties.NewRegistry(repo, logger, parties.WithLockWait(cfg.Registration.LockWait))
	if err := h.registry.Load(ctx); err != nil {
		h.close()
		return nil, err
	}

	h.clients = client.NewFactory(client.WithUserAgent("roaming-hub/" + Version))
	dial := func(remote parties.RemoteAccessInfo) *client.Client {
		return h.clients.ForRemote(withPeerDefaults(remote, cfg.Peer))
	}

	h.coordinator = registration.NewCoordinator(h.registry,
		func(remote parties.RemoteAccessInfo) registration.Client { return dial(remote) },
		registration.Config{
			Self: registration.Self{
				CountryCode:     cfg.Party.CountryCode,
				PartyID:         cfg.Party.PartyID,
				BusinessDetails: ocpi.BusinessDetails{Name: cfg.Party.Name, Website: cfg.Party.Website},
				VersionsURL:     cfg.VersionsURL(),
			},
			LockWait:     cfg.Registration.LockWait,
			RequireHTTPS: cfg.Party.RequireHTTPS,
		}, logger)

	h.resolver = authorization.NewResolver(h.registry,
		func(remote parties.RemoteAccessInfo) authorization.Authorizer { return dial(remote) },
		authorization.Config{
			Enabled:      cfg.Authorization.Enabled,
			Deadline:     cfg.Authorization.Deadline,
			StopCacheTTL: cfg.Authorization.StopCacheTTL,
		}, logger)

	h.engine = push.NewEngine(
		push.NewStore(h.registry.AllowDowngrades),
		push.NewRegistryRouter(h.registry),
		push.NewPeerPusher(h.registry, func(remote parties.RemoteAccessInfo) push.ObjectPusher { return dial(remote) }),
		push.Config{
			LockWait:    cfg.Push.LockWait,
			MaxAttempts: cfg.Push.MaxAttempts,
			Concurrency: cfg.Push.FlushConcurrency,
		}, logger)

	schedule := jobs.Schedule{
		FlushInterval: cfg.Push.FlushInterval,
		RetryInterval: cfg.Registration.RetryInterval,
	}
	runner := "ticker"
	if h.pool != nil {
		if err := jobs.MigrateRiver(ctx, h.pool); err != nil {
			h.close()
			return nil, err
		}
		slogLogger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
		workers := jobs.NewWorkers(h.engine, h.registry, h.coordinator, logger)
		riverClient, err := jobs.NewClient(h.pool, workers, jobs.ClientOptions{
			Logger:   slogLogger,
			Failures: jobs.NewFailureHandler(logger),
			Hooks:    []rivertype.Hook{metrics.NewRiverMetricsHook()},
			Periodic: jobs.NewPeriodicJobs(schedule),
		})
		if err != nil {
			h.close()
			return nil, fmt.Errorf("river client: %w", err)
		}
		h.river = riverClient
		runner = "river"
	} else {
		h.ticker = jobs.NewTicker(h.engine, h.registry, h.coordinator, schedule, logger)
	}

	var manager *auth.JWTManager
	if cfg.AdminEnabled() {
		m, err := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry, cfg.Auth.JWTIssuer)
		if err != nil {
			h.close()
			return nil, fmt.Errorf("admin jwt: %w", err)
		}
		manager = m
	} else {
		logger.Warn().Msg("JWT_SECRET not set, admin API rejects every request")
	}

	h.handler = api.NewRouter(api.Deps{
		Config:      cfg,
		Logger:      logger,
		Pool:        h.pool,
		Registry:    h.registry,
		Coordinator: h.coordinator,
		Resolver:    h.resolver,
		Engine:      h.engine,
		JWT:         manager,
		Jobs:        runner,
		Version:     Version,
		GitCommit:   GitCommit,
		BuildDate:   BuildDate,
	})
	return h, nil
}

// start launches the job runner and, with a database, registers the pool
// metrics collector.
func (h *hub) start(ctx context.Context) error {
	ctx, h.cancel = context.WithCancel(ctx)
	if h.pool != nil {
		unregister, err := metrics.RegisterPool(h.pool)
		if err != nil {
			h.logger.Warn().Err(err).Msg("pool metrics not registered")
		} else {
			h.unregisterPool = unregister
		}
	}
	if h.river != nil {
		if err := h.river.Start(ctx); err != nil {
			return fmt.Errorf("river workers failed to start: %w", err)
		}
		h.logger.Info().Msg("river background job workers started")
		return nil
	}
	h.ticker.Start(ctx)
	h.logger.Info().Msg("in-process job ticker started")
	return nil
}

// stop halts the background work, then closes the peer clients and the
// pool.
func (h *hub) stop(ctx context.Context) {
	if h.cancel != nil {
		h.cancel()
	}
	if h.river != nil {
		if err := h.river.Stop(ctx); err != nil {
			h.logger.Error().Err(err).Msg("river workers shutdown error")
		} else {
			h.logger.Info().Msg("river workers stopped")
		}
	}
	if h.ticker != nil {
		h.ticker.Wait()
	}
	if h.unregisterPool != nil {
		h.unregisterPool()
	}
	h.close()
}

func (h *hub) close() {
	if h.clients != nil {
		h.clients.Close()
	}
	if h.pool != nil {
		h.pool.Close()
	}
}

// withPeerDefaults fills in the transport settings a remote entry leaves
// unset.
func withPeerDefaults(remote parties.RemoteAccessInfo, peer config.PeerConfig) parties.RemoteAccessInfo {
	if remote.Transport.Timeout <= 0 {
		remote.Transport.Timeout = peer.Timeout
	}
	if remote.Transport.MaxRetries <= 0 {
		remote.Transport.MaxRetries = peer.MaxRetries
	}
	if remote.Transport.RequestsPerSecond <= 0 {
		remote.Transport.RequestsPerSecond = peer.RequestsPerSecond
	}
	return remote
}
