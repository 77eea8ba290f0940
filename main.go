// Package main wires the lead dispatch scheduler and its read-only reporting API
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amirphl/lead-dispatch/app/handlers"
	"github.com/amirphl/lead-dispatch/app/router"
	"github.com/amirphl/lead-dispatch/app/scheduler"
	businessflow "github.com/amirphl/lead-dispatch/business_flow"
	"github.com/amirphl/lead-dispatch/config"
	"github.com/amirphl/lead-dispatch/repository"
	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Application represents the main application structure
type Application struct {
	router    *router.FiberRouter
	config    *config.ProductionConfig
	server    *fiber.App
	metrics   *http.Server
	stopFuncs []func()
	closers   []io.Closer
}

func main() {
	log.Println("Starting lead dispatch service...")

	cfg, err := config.LoadProductionConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	app, err := initializeApplication(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	app.router.SetupRoutes()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		log.Printf("Server starting on %s", address)

		if err := app.server.Listen(address); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	if app.metrics != nil {
		go func() {
			log.Printf("Metrics server starting on %s%s", app.metrics.Addr, cfg.Metrics.Path)
			if err := app.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Metrics server stopped: %v", err)
			}
		}()
	}

	<-sigChan
	log.Println("Shutting down gracefully...")

	// Scheduler first: in-flight dispatches finish, no new claims are issued
	for _, fn := range app.stopFuncs {
		fn()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := app.server.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	if app.metrics != nil {
		if err := app.metrics.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error during metrics shutdown: %v", err)
		}
	}
	for _, c := range app.closers {
		_ = c.Close()
	}

	log.Println("Server stopped")
}

// initializeDatabase initializes the database connection with connection pooling
func initializeDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	if cfg.SlowQueryLog {
		gormCfg.Logger = logger.New(log.New(os.Stdout, "gorm ", log.LstdFlags|log.LUTC), logger.Config{
			SlowThreshold:             cfg.SlowQueryTime,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		})
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Printf("Database connection established with %d max open connections, %d max idle connections",
		cfg.MaxOpenConns, cfg.MaxIdleConns)

	return db, nil
}

// initializeCache connects to Redis when caching is enabled; a nil client disables the analytics cache
func initializeCache(cfg config.CacheConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opt.DB = cfg.RedisDB

	rc := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Printf("Redis connection established (db=%d)", cfg.RedisDB)
	return rc, nil
}

func initializeMetricsServer(cfg config.MetricsConfig) *http.Server {
	if !cfg.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// initializeApplication initializes the main application components
func initializeApplication(cfg *config.ProductionConfig) (*Application, error) {
	var stopFuncs []func()
	var closers []io.Closer

	db, err := initializeDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}

	rc, err := initializeCache(cfg.Cache)
	if err != nil {
		return nil, err
	}
	if rc != nil {
		closers = append(closers, rc)
	}

	ruleRepo := repository.NewLeadRuleRepository(db)
	leadRepo := repository.NewLeadRepository(db)
	sendingRepo := repository.NewLeadSendingRepository(db)

	analyticsFlow := businessflow.NewAnalyticsFlow(ruleRepo, sendingRepo, rc, &cfg.Cache)
	analyticsHandler := handlers.NewAnalyticsHandler(analyticsFlow, cfg.Deployment)

	appRouter := router.NewFiberRouter(cfg, analyticsHandler)

	if cfg.Dispatch.Enabled {
		schedLogger, logCloser, err := scheduler.NewLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
		closers = append(closers, logCloser)

		sched := scheduler.NewLeadScheduler(
			ruleRepo,
			leadRepo,
			sendingRepo,
			scheduler.NewHTTPAffiliateClient(cfg.Affiliate),
			scheduler.NewRandomDelayDrawer(uint64(time.Now().UnixNano())),
			cfg.Dispatch,
			schedLogger,
		)
		stopFuncs = append(stopFuncs, sched.Start(context.Background()))
		log.Printf("Lead scheduler started (tick=%s workers=%d)", cfg.Dispatch.TickInterval, cfg.Dispatch.Workers)
	}

	fiberRouter := appRouter.(*router.FiberRouter)
	return &Application{
		router:    fiberRouter,
		config:    cfg,
		server:    fiberRouter.GetApp(),
		metrics:   initializeMetricsServer(cfg.Metrics),
		stopFuncs: stopFuncs,
		closers:   closers,
	}, nil
}
