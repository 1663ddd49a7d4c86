package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"outbound-dialer/internal/agents"
	"outbound-dialer/internal/audit"
	"outbound-dialer/internal/auth"
	"outbound-dialer/internal/calls"
	"outbound-dialer/internal/campaigns"
	"outbound-dialer/internal/config"
	"outbound-dialer/internal/dispatch"
	"outbound-dialer/internal/dispositions"
	"outbound-dialer/internal/httpapi"
	"outbound-dialer/internal/reporting"
	"outbound-dialer/internal/telephony"
	"outbound-dialer/pkg/utils"

	"github.com/redis/go-redis/v9"
)

const lineCounterKey = "dialer:lines"

// app holds the long-lived components. Closers run in reverse order on shutdown.
type app struct {
	cfg config.Config
	log *slog.Logger

	auth       *auth.Manager
	store      calls.Store
	registry   *agents.Registry
	dispatcher *dispatch.Dispatcher
	campaigns  *campaigns.Manager
	handlers   httpapi.Handlers
	webhooks   telephony.TwilioWebhookHandler

	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", "err", err)
		}
	}
}

func buildApp(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("auth init: %w", err)
	}
	a.auth = authManager

	// Stores.
	var (
		campaignRepo campaigns.Repository
		auditRepo    audit.Repository
	)
	switch cfg.Dialer.Store {
	case config.StoreMemory:
		log.Warn("using in-memory stores; state is lost on restart")
		a.store = calls.NewMemoryStore()
		campaignRepo = campaigns.NewMemoryRepo()
		auditRepo = audit.NewMemoryRepo()
	default:
		db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{
			MaxOpenConns:    cfg.DB.MaxOpenConns,
			MaxIdleConns:    cfg.DB.MaxIdleConns,
			ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.DB.ConnMaxIdleTime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		a.store, campaignRepo, auditRepo = postgresStores(db)
	}

	// Line limiter.
	var lines dispatch.LineLimiter
	switch cfg.Dialer.Limiter {
	case config.LimiterRedis:
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("redis init: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		lines, err = newRedisLines(rdb, cfg.Dialer.MaxConcurrentCalls)
		if err != nil {
			return nil, err
		}
	default:
		lines = dispatch.NewAtomicLimiter(cfg.Dialer.MaxConcurrentCalls)
	}

	a.registry = agents.NewRegistry(log.With("component", "agents"))

	// Gateway.
	var (
		gateway telephony.Gateway
		sandbox *telephony.SandboxGateway
	)
	switch cfg.Dialer.Gateway {
	case config.GatewayTwilio:
		tw, err := telephony.NewTwilioGateway(telephony.TwilioConfig{
			AccountSID:    cfg.Twilio.AccountSID,
			AuthToken:     cfg.Twilio.AuthToken,
			FromNumber:    cfg.Twilio.FromNumber,
			PublicBaseURL: cfg.Twilio.PublicBaseURL,
			APIBaseURL:    cfg.Twilio.APIBaseURL,
			HTTPTimeout:   cfg.Twilio.HTTPTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("twilio init: %w", err)
		}
		gateway = tw
	default:
		sandbox = telephony.NewSandboxGateway(log.With("component", "sandbox"))
		gateway = sandbox
	}
	if err := gateway.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("gateway %s health: %w", gateway.Name(), err)
	}

	a.dispatcher = dispatch.New(dispatch.Config{
		CallerID:         cfg.Dialer.CallerID,
		PlaceTimeout:     cfg.Dialer.PlaceTimeout,
		StuckCallTimeout: cfg.Dialer.StuckCallTimeout,
		SweepInterval:    cfg.Dialer.SweepInterval,
		EventShards:      cfg.Dialer.EventShards,
	}, a.store, gateway, a.registry, lines, log.With("component", "dispatcher"))
	if sandbox != nil {
		sandbox.SetSink(a.dispatcher)
	}

	auditSvc := audit.NewService(auditRepo, log.With("component", "audit"))

	pacing, err := campaigns.NewPacerFactory(cfg.Dialer.Pacing, cfg.Dialer.DialsPerMinute)
	if err != nil {
		return nil, err
	}
	a.campaigns = campaigns.NewManager(campaigns.Config{
		BackoffInterval:    cfg.Dialer.BackoffInterval,
		MaxDispatchRetries: cfg.Dialer.MaxDispatchRetries,
		IdlePollInterval:   cfg.Dialer.IdlePollInterval,
		Pacing:             pacing,
	}, campaignRepo, a.dispatcher, a.registry, a.store, auditSvc, log.With("component", "campaigns"))

	a.dispatcher.SetObserver(a.campaigns)
	a.registry.SetIdleNotifier(a.campaigns.OnAgentIdle)

	recorder, err := dispositions.NewRecorder(dispositions.Config{
		Categories:   cfg.Dialer.DispositionCategories,
		NonConnected: cfg.Dialer.NonConnectedCategories,
	}, a.store, a.campaigns, log.With("component", "dispositions"))
	if err != nil {
		return nil, err
	}

	a.handlers = httpapi.Handlers{
		Auth:         a.auth,
		DevLogin:     !cfg.IsProduction(),
		Campaigns:    a.campaigns,
		Agents:       a.registry,
		Dispatcher:   a.dispatcher,
		Calls:        a.store,
		Dispositions: recorder,
		Reporting:    reporting.NewService(a.store, campaignRepo, auditSvc, log.With("component", "reporting")),
		Audit:        auditSvc,
	}

	a.webhooks = telephony.TwilioWebhookHandler{
		Events:   a.dispatcher,
		Bridge:   a.bridgeTarget,
		CallerID: cfg.Dialer.CallerID,
	}
	if cfg.Twilio.ValidateSignature && cfg.Dialer.Gateway == config.GatewayTwilio {
		a.webhooks.Validator = &telephony.TwilioSignatureValidator{
			AuthToken:     cfg.Twilio.AuthToken,
			PublicBaseURL: cfg.Twilio.PublicBaseURL,
		}
	}

	ok = true
	return a, nil
}

func postgresStores(db *sql.DB) (calls.Store, campaigns.Repository, audit.Repository) {
	return calls.NewPostgresStore(db), campaigns.NewPostgresRepo(db), audit.NewPostgresRepo(db)
}

func newRedisLines(rdb *redis.Client, limit int) (dispatch.LineLimiter, error) {
	l, err := dispatch.NewRedisLimiter(rdb, lineCounterKey, limit, 0)
	if err != nil {
		return nil, fmt.Errorf("line limiter: %w", err)
	}
	return l, nil
}

// bridgeTarget resolves the endpoint of the agent holding callID.
func (a *app) bridgeTarget(ctx context.Context, callID string) (string, error) {
	c, err := a.store.GetCall(ctx, callID)
	if err != nil {
		return "", err
	}
	ag, err := a.registry.Get(c.AgentID)
	if err != nil {
		return "", err
	}
	if ag.Endpoint == "" {
		return "", telephony.ErrNoEndpoint
	}
	return ag.Endpoint, nil
}

// restore rebuilds in-flight calls before any campaign loop may dial.
func (a *app) restore(ctx context.Context) error {
	n, err := a.dispatcher.Recover(ctx)
	if err != nil {
		return err
	}
	m, err := a.campaigns.Recover(ctx)
	if err != nil {
		return err
	}
	a.log.Info("state recovered", "in_flight_calls", n, "campaigns_resumed", m)
	return nil
}
