package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/songzhibin97/gkit/generator"

	"github.com/casekit/caseflow/approval"
	"github.com/casekit/caseflow/config"
	"github.com/casekit/caseflow/enrich"
	"github.com/casekit/caseflow/payload"
	"github.com/casekit/caseflow/rules"
	"github.com/casekit/caseflow/server"
	"github.com/casekit/caseflow/storage"
	"github.com/casekit/caseflow/workflow"
)

func main() {
	ctx := context.Background()

	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("failed to initialize storage: %v", err)
	}
	defer closeStore()

	table, err := rules.NewTable(cfg.Workflow.ConfidenceThreshold, cfg.Rules)
	if err != nil {
		log.Fatalf("failed to build decision table: %v", err)
	}

	snowflake := generator.NewSnowflake(time.Now().Add(-1*time.Second), 1)
	engine, err := workflow.NewEngine(snowflake, store, table,
		workflow.WithValidator(payload.NewValidator(cfg.Workflow.Actions...)),
		workflow.WithRetryPolicy(enrich.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		}),
		workflow.WithApprovalGate(approval.NewGate(store, cfg.Workflow.ApprovalDeadline)),
		workflow.WithMaxResumes(cfg.Workflow.MaxResumes),
	)
	if err != nil {
		log.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Stop(context.Background())

	for _, cc := range cfg.Connectors {
		connector := enrich.NewHTTPConnector(cc.Name, cc.URL, cc.Timeout)
		if err := engine.Connectors().Register(cc.Fact, connector); err != nil {
			log.Fatalf("failed to register connector %s: %v", cc.Name, err)
		}
	}
	for _, xc := range cfg.Executors {
		executor := workflow.NewHTTPExecutor(xc.Action, xc.URL, xc.Timeout)
		if err := engine.RegisterExecutor(ctx, xc.Action, executor); err != nil {
			log.Fatalf("failed to register executor %s: %v", xc.Action, err)
		}
	}

	// Resume instances interrupted by the previous shutdown.
	if err := engine.Recover(ctx); err != nil {
		log.Printf("recovery scan failed: %v", err)
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go engine.RunExpirySweeper(sweepCtx, cfg.Workflow.ExpirySweepInterval)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	server.NewServer(engine).Register(e)

	go func() {
		if err := e.Start(cfg.Server.Addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server stopped: %v", err)
		}
	}()
	log.Printf("listening on %s", cfg.Server.Addr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func buildStore(cfg *config.Config) (storage.Store, func(), error) {
	if !cfg.Redis.Enable {
		return storage.NewMemoryStore(), func() {}, nil
	}
	rs, err := storage.NewRedisStore(storage.RedisOptions{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
	if err != nil {
		return nil, nil, err
	}
	return rs, func() { _ = rs.Close() }, nil
}
