package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/layer-3/walletauth/adapters/events"
	"github.com/layer-3/walletauth/adapters/keys"
	"github.com/layer-3/walletauth/adapters/ratelimit"
	"github.com/layer-3/walletauth/adapters/store"
	"github.com/layer-3/walletauth/adapters/store/sqlite"
	"github.com/layer-3/walletauth/adapters/tokenizer"
	"github.com/layer-3/walletauth/internal/config"
	"github.com/layer-3/walletauth/internal/logx"
	"github.com/layer-3/walletauth/internal/metrics"
	"github.com/layer-3/walletauth/ports"
	"github.com/layer-3/walletauth/service"
	httpapi "github.com/layer-3/walletauth/transport/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// BuildVersion is overridden at build time via ldflags.
var BuildVersion = "dev"

type stores struct {
	challenges  ports.ChallengeStore
	sessions    ports.SessionStore
	revocations ports.RevocationStore
	riskEvents  ports.RiskEventStore
	stepUps     ports.StepUpStore
	nonces      ports.NonceCache
	limiter     ports.RateLimiter
	failures    ports.Counter
}

// Application wires the service together and owns its lifecycle.
type Application struct {
	cfg    config.Config
	logger *slog.Logger
	clock  ports.Clock

	redis      *redis.Client
	publisher  message.Publisher
	subscriber message.Subscriber
	closers    []io.Closer

	revocations  *service.RevocationChecker
	housekeeping *service.HousekeepingService
	server       *http.Server
}

// New creates the application and connects to its backends.
func New(cfg config.Config) (*Application, error) {
	app := &Application{
		cfg:   cfg,
		clock: ports.SystemClock{},
		logger: logx.New(logx.Config{
			Service: "walletauth",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.Log.Level,
			Format:  cfg.Log.Format,
		}),
	}

	st, err := app.initStores()
	if err != nil {
		app.close()
		return nil, err
	}
	if err := app.initPubSub(); err != nil {
		app.close()
		return nil, err
	}

	kp, err := keys.LoadOrGenerate(cfg.Keys.KeyID, cfg.Keys.Algorithm, cfg.Keys.PrivateKeyPath)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	if cfg.Keys.PrivateKeyPath == "" {
		app.logger.Warn("using an ephemeral signing key; tokens will not survive a restart")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	if err := app.initServices(st, kp, m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})); err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

func (app *Application) initStores() (stores, error) {
	var st stores

	if app.cfg.Store.RedisURL == "" {
		app.logger.Info("using in-memory stores")
		mem := store.NewMemoryStore(app.clock)
		st = stores{
			challenges:  mem,
			sessions:    mem,
			revocations: mem,
			riskEvents:  mem,
			stepUps:     mem,
			nonces:      mem,
			limiter:     ratelimit.NewMemoryLimiter(app.clock),
			failures:    ratelimit.NewMemoryCounter(app.clock),
		}
	} else {
		opts, err := redis.ParseURL(app.cfg.Store.RedisURL)
		if err != nil {
			return st, fmt.Errorf("failed to parse redis url: %w", err)
		}
		app.redis = redis.NewClient(opts)
		app.closers = append(app.closers, app.redis)

		rs := store.NewRedisStore(app.redis, app.cfg.Store.KeyPrefix, app.cfg.Challenge.GCGrace, app.clock)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rs.Ping(ctx); err != nil {
			return st, fmt.Errorf("failed to connect to redis: %w", err)
		}
		st = stores{
			challenges:  rs,
			sessions:    rs,
			revocations: rs,
			stepUps:     rs,
			nonces:      rs,
			limiter:     ratelimit.NewRedisLimiter(app.redis, app.cfg.Store.KeyPrefix),
			failures:    ratelimit.NewRedisCounter(app.redis, app.cfg.Store.KeyPrefix),
		}
	}

	// Redis has no risk event store of its own.
	dsn := ""
	switch {
	case app.cfg.Store.SQLitePath != "":
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", app.cfg.Store.SQLitePath)
	case st.riskEvents == nil:
		app.logger.Warn("risk events are kept in memory; set RISK_SQLITE_PATH to persist them")
		dsn = ":memory:"
	}
	if dsn != "" {
		db, err := sqlite.NewRiskStore(dsn)
		if err != nil {
			return st, fmt.Errorf("failed to open risk database: %w", err)
		}
		app.closers = append(app.closers, db)
		if err := db.ApplyMigrations(); err != nil {
			return st, fmt.Errorf("failed to migrate risk database: %w", err)
		}
		st.riskEvents = db
	}

	return st, nil
}

// initPubSub uses redis streams when redis is configured and an in-process
// channel otherwise.
func (app *Application) initPubSub() error {
	wlog := watermill.NewSlogLogger(app.logger)

	if app.redis == nil {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, wlog)
		app.publisher, app.subscriber = ch, ch
		app.closers = append(app.closers, ch)
		return nil
	}

	pub, sub, err := events.NewRedisStreams(app.redis, app.cfg.Store.StreamMaxLen, wlog)
	if err != nil {
		return err
	}
	app.publisher, app.subscriber = pub, sub
	app.closers = append(app.closers, pub, sub)
	return nil
}

func (app *Application) initServices(st stores, kp ports.KeyProvider, m *metrics.Metrics, metricsHandler http.Handler) error {
	cfg := app.cfg
	publisher := events.NewWatermillPublisher(app.publisher)
	tok := tokenizer.NewJWTTokenizer(kp, cfg.Session.Issuer, app.clock)

	challenges := service.NewChallengeManager(cfg, st.challenges, st.limiter, st.failures, app.clock, app.logger, m)
	risk := service.NewRiskEngine(cfg, st.riskEvents, st.failures, publisher, app.clock, app.logger, m)
	app.revocations = service.NewRevocationChecker(st.revocations, st.sessions, app.clock, cfg.Store.Timeout)
	sessions := service.NewSessionManager(cfg, st.sessions, tok, app.revocations, risk, publisher, app.clock, app.logger, m)
	dpop := service.NewDPoPValidator(st.nonces, risk, app.clock, cfg.DPoP.Window, cfg.Store.Timeout, app.logger, m)
	stepUp := service.NewStepUpController(cfg, st.stepUps, challenges, risk, app.clock, app.logger, m)
	auth := service.NewAuthService(challenges, sessions, risk, dpop, stepUp, kp, app.logger)

	app.housekeeping = service.NewHousekeepingService(
		service.HousekeepingStores{
			Challenges:  st.challenges,
			Sessions:    st.sessions,
			Revocations: st.revocations,
			StepUps:     st.stepUps,
			RiskEvents:  st.riskEvents,
		},
		app.revocations,
		app.clock,
		cfg.Challenge.GCGrace,
		cfg.Risk.Retention,
		cfg.Store.Timeout,
		app.logger,
		cfg.HousekeepingInterval,
	)

	router, err := httpapi.SetupRouter(auth, app.logger, metricsHandler, cfg.HTTP)
	if err != nil {
		return err
	}
	app.server = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
	return nil
}

// Run starts the application and blocks until shutdown is requested
func (app *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.housekeeping.Start()

	sync := events.NewRevocationSubscriber(app.subscriber, app.revocations, app.logger)
	go func() {
		if err := sync.Run(ctx); err != nil {
			app.logger.Error("revocation sync stopped", "error", err)
		}
	}()

	app.logger.Info("walletauth starting", "addr", app.cfg.HTTP.Addr, "version", BuildVersion)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.housekeeping.Stop()
			app.close()
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)
		cancel()
		return app.Shutdown()
	}
	return nil
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.HTTP.ShutdownGrace)
	defer cancel()

	var err error
	if serr := app.server.Shutdown(ctx); serr != nil {
		app.logger.Error("graceful server shutdown failed", "error", serr)
		err = errors.Join(serr, app.server.Close())
	}

	app.housekeeping.Stop()
	app.close()

	app.logger.Info("walletauth stopped")
	return err
}

// close releases backends in reverse order of acquisition.
func (app *Application) close() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i].Close(); err != nil {
			app.logger.Error("error closing backend", "error", err)
		}
	}
	app.closers = nil
}
