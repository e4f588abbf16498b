package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"arbiter/internal/auth"
	"arbiter/internal/broker"
	"arbiter/internal/config"
	cronrunner "arbiter/internal/cron"
	"arbiter/internal/db"
	"arbiter/internal/guardrail"
	"arbiter/internal/handler"
	"arbiter/internal/logger"
	"arbiter/internal/notifier"
	"arbiter/internal/orderflow"
	"arbiter/internal/ownership"
	"arbiter/internal/paas"
	"arbiter/internal/registry"
	"arbiter/internal/repository"
	gormrepository "arbiter/internal/repository/gorm"
	"arbiter/internal/repository/memory"
	"arbiter/internal/service"

	_ "arbiter/docs"
)

func main() {
	cfgPath := os.Getenv("ARBITER_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("ARBITER_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	var (
		store  repository.Repository
		health = &handler.HealthHandler{Driver: cfg.DB.Driver}
	)
	switch strings.ToLower(cfg.DB.Driver) {
	case "memory":
		store = memory.New()
		logger.Warn("using in-memory store; state is lost on restart")
	default:
		dbConn, err := db.Open(cfg.DB)
		if err != nil {
			logger.Fatal("db open failed", zap.Error(err))
		}
		defer db.Close(dbConn)

		if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
			logger.Warn("failed to set timezone", zap.Error(err))
		}
		if err := db.AutoMigrate(dbConn); err != nil {
			logger.Fatal("auto-migrate failed", zap.Error(err))
		}
		store = gormrepository.New(dbConn.Gorm)
		health.Ping = func(ctx context.Context) error { return db.Ping(ctx, dbConn) }
	}

	settingsSvc := &service.SystemSettingsService{Repo: store}
	if err := settingsSvc.EnsureDefaultSwitches(context.Background()); err != nil {
		logger.Warn("init default system switches failed", zap.Error(err))
	}

	paasClient := initPaaSClient(cfg.PaaS, logger)

	bus := notifier.NewBus(logger, cfg.Notifier.PublishTimeout)
	if cfg.Notifier.LogEvents {
		bus.Subscribe(&notifier.LogSubscriber{Logger: logger})
	}
	hub := notifier.NewWSHub(logger, cfg.Notifier.WSBuffer)
	bus.Subscribe(hub)
	var redisClient *redis.Client
	if cfg.Notifier.RedisEnabled && cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis ping failed; events will retry per publish", zap.Error(err))
		}
		cancel()
		bus.Subscribe(notifier.NewRedisSubscriber(redisClient, cfg.Notifier.RedisChannel))
	}
	if cfg.Notifier.PaaSAlerts && paasClient != nil {
		bus.Subscribe(&notifier.PaaSAlerter{Client: paasClient})
	}

	reg := registry.New(store, logger)
	resolver := ownership.New(store, reg, bus, logger, cfg.Ownership)
	reg.Releaser = resolver

	var brk broker.Broker
	switch strings.ToLower(cfg.Broker.Mode) {
	case "none", "external":
		logger.Info("no broker configured; orders wait for execution events")
	default:
		brk = broker.NewPaper(cfg.Broker, logger)
	}

	machine := orderflow.New(store, reg, resolver, guardrail.New(cfg.Guardrail), logger, cfg.OrderMachine)
	machine.Portfolio = &guardrail.ContextProvider{Counter: store, Config: cfg.Guardrail}
	machine.Broker = brk
	machine.Events = bus
	var dispatcher *orderflow.Dispatcher
	if cfg.OrderMachine.DispatchWorkers > 0 && brk != nil {
		dispatcher = orderflow.NewDispatcher(machine, logger, cfg.OrderMachine.DispatchWorkers, cfg.OrderMachine.DispatchQueue)
		machine.Queue = dispatcher
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	jwtAuth := auth.JWT{Secret: []byte(cfg.Auth.JWTSecret), Issuer: cfg.Auth.Issuer, TokenTTL: cfg.Auth.TokenTTL}
	if !jwtAuth.Enabled() {
		logger.Warn("auth.jwt_secret is empty; operator routes are open")
	}
	operatorAuth := auth.Middleware(jwtAuth)
	engine.Use(paas.WriteAuditMiddleware(paasClient, logger))

	health.Register(engine)
	paas.RegisterDocs(engine)
	(&handler.ProposalHandler{Machine: machine, Flags: settingsSvc}).Register(engine)
	(&handler.ExecutionHandler{Machine: machine, Auth: operatorAuth}).Register(engine)
	(&handler.OrderHandler{Repo: store, Machine: machine, Auth: operatorAuth}).Register(engine)
	(&handler.StrategyHandler{Registry: reg, Auth: operatorAuth}).Register(engine)
	(&handler.OwnershipHandler{Resolver: resolver, Auth: operatorAuth}).Register(engine)
	(&handler.ConflictHandler{Repo: store}).Register(engine)
	(&handler.EventStreamHandler{Hub: hub}).Register(engine)
	(&handler.SettingsHandler{Repo: store, Settings: settingsSvc, Auth: operatorAuth}).Register(engine)

	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcherDone := make(chan struct{})
	if dispatcher != nil {
		go func() {
			defer close(dispatcherDone)
			if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("order dispatcher stopped", zap.Error(err))
			}
		}()
	} else {
		close(dispatcherDone)
	}

	cronRunner := cronrunner.New(logger, ctx)
	if cfg.Cron.Enabled {
		sweepers := &service.Sweepers{
			Ledger: resolver,
			Orders: machine,
			Flags:  settingsSvc,
			Logger: logger,
		}
		if paasClient != nil {
			sweepers.Audit = paasClient
		}
		if err := sweepers.Register(cronRunner, cfg.Cron); err != nil {
			logger.Warn("cron register sweepers failed", zap.Error(err))
		}
	}
	cronRunner.Start()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting",
			zap.String("addr", cfg.Server.HTTPAddr),
			zap.String("db_driver", cfg.DB.Driver),
			zap.String("broker_mode", cfg.Broker.Mode),
			zap.String("validation_mode", cfg.OrderMachine.ValidationMode),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	// Publishers stop first so the bus drains a closed set of events.
	stop()
	cronRunner.Stop()
	<-dispatcherDone
	bus.Close()
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Operator")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func initPaaSClient(cfg config.PaaSConfig, logger *zap.Logger) *paas.Client {
	p := paas.NewClient(cfg)
	if p == nil || strings.TrimSpace(cfg.APIKey) == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := p.Login(ctx); err != nil {
		logger.Warn("paas login failed (audit and alerts disabled)", zap.Error(err))
		return nil
	}
	logger.Info("paas login ok")
	return p
}
