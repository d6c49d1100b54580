package main

import (
	"database/sql"
	"log/slog"

	"campaign-dialer/internal/audit"
	"campaign-dialer/internal/auth"
	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaigns"
	"campaign-dialer/internal/capacity"
	"campaign-dialer/internal/config"
	"campaign-dialer/internal/dispatcher"
	"campaign-dialer/internal/events"
	"campaign-dialer/internal/httpapi"
	"campaign-dialer/internal/metrics"
	"campaign-dialer/internal/pacing"
	"campaign-dialer/internal/queue"
	"campaign-dialer/internal/ratelimit"
	"campaign-dialer/internal/reporting"
	"campaign-dialer/internal/retry"
	"campaign-dialer/internal/settings"
	"campaign-dialer/internal/supervisor"
	"campaign-dialer/internal/telephony"

	"github.com/redis/go-redis/v9"
)

type deps struct {
	db        *sql.DB
	rdb       *redis.Client
	publisher events.Publisher
	metrics   *metrics.Metrics
	loops     *supervisor.Supervisor
	auth      *auth.Manager
	log       *slog.Logger
}

type application struct {
	handlers httpapi.Handlers
	webhook  telephony.StatusCallbackHandler
}

// wire builds the services over Postgres and Redis. Settings caches share
// one store; each kind keeps its own TTL cache and version counter.
func wire(cfg config.Config, d deps) (*application, error) {
	dc := cfg.Dialer

	settingsStore := settings.NewPostgresStore(d.db)
	capCache := settings.NewCache(capacity.SettingsKind, settingsStore, capacity.DefaultSettings, dc.SettingsCacheTTL)
	paceCache := settings.NewCache(pacing.SettingsKind, settingsStore, pacing.DefaultSettings, dc.SettingsCacheTTL)
	retryCache := settings.NewCache(retry.SettingsKind, settingsStore, retry.DefaultSettings, dc.SettingsCacheTTL)
	rateCache := settings.NewCache(ratelimit.SettingsKind, settingsStore, ratelimit.DefaultSettings, dc.SettingsCacheTTL)

	q := queue.NewService(queue.NewPostgresStore(d.db))
	callRepo := calls.NewPostgresRepository(d.db)
	campStore := campaigns.NewPostgresStore(d.db)
	auditSvc := audit.NewService(audit.NewPostgresRepo(d.db))
	rep := reporting.NewService(callRepo)

	capMgr := capacity.NewManager(
		capCache,
		callRepo,
		capacity.NewPostgresTransferStore(d.db),
		capacity.NewRedisSlots(d.rdb, dc.StaleTransferAfter),
		capacity.Options{ActiveCallWindow: dc.ActiveCallWindow, StaleTransferAfter: dc.StaleTransferAfter},
		d.log.With("component", "capacity"),
	)
	observer := dispatcher.PacingObserver{Audit: auditSvc, Events: d.publisher, Metrics: d.metrics, Log: d.log.With("component", "pacing")}
	pacer := pacing.NewController(paceCache, rep, observer, d.log.With("component", "pacing")).WithStateStore(settingsStore)
	limiter := ratelimit.NewLimiter(rateCache, d.rdb)
	sched := retry.NewScheduler(retryCache, q, retry.NewPostgresSlotStore(d.db), rep, dc.LearningWindow, d.log.With("component", "retry"))

	var placer telephony.Placer
	if cfg.Telephony.BaseURL != "" {
		p, err := telephony.NewRESTPlacer(telephony.RESTConfig{
			BaseURL:           cfg.Telephony.BaseURL,
			APIKey:            cfg.Telephony.APIKey,
			DefaultFrom:       cfg.Telephony.DefaultFrom,
			StatusCallbackURL: cfg.Telephony.StatusCallbackURL,
			RequestsPerSecond: cfg.Telephony.RequestsPerSecond,
			Timeout:           cfg.Telephony.Timeout,
		})
		if err != nil {
			return nil, err
		}
		placer = p
	} else {
		d.log.Warn("TELEPHONY_BASE_URL not set; calls are placed against the in-memory placer")
		placer = telephony.NewMemoryPlacer()
	}

	disp := dispatcher.New(dispatcher.Deps{
		Queue:     q,
		Calls:     callRepo,
		Campaigns: campStore,
		Capacity:  capMgr,
		Pacing:    pacer,
		Limiter:   limiter,
		Retry:     sched,
		Placer:    placer,
		Events:    d.publisher,
		Audit:     auditSvc,
		Metrics:   d.metrics,
	}, dispatcher.Options{
		Interval:          dc.DispatchInterval,
		PlacementBackoff:  dc.PlacementBackoff,
		TransientCooldown: dc.TransientCooldown,
		StaleCallAfter:    dc.StaleCallAfter,
	}, d.log.With("component", "dispatcher"))

	return &application{
		handlers: httpapi.Handlers{
			Auth:       d.auth,
			Dispatcher: disp,
			Loops:      d.loops,
			Intervals:  dispatcher.LoopIntervals{Dispatch: dc.DispatchInterval, Pacing: dc.PacingInterval},
			Queue:      q,
			Campaigns:  campStore,
			Calls:      callRepo,
			Capacity:   capMgr,
			Pacing:     pacer,
			Retry:      sched,
			Limiter:    limiter,
			Reporting:  rep,
			Audit:      auditSvc,
		},
		webhook: telephony.StatusCallbackHandler{Sink: disp},
	}, nil
}
