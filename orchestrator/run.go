// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/donlasahachat6/mrpromth-sub002/common/usage"
	"github.com/donlasahachat6/mrpromth-sub002/orchestrator/llm"
	"github.com/donlasahachat6/mrpromth-sub002/shared/logger"
)

// Run starts the orchestrator service and blocks until SIGINT or SIGTERM.
func Run() {
	log.Println("Starting Mr.Prompt Orchestrator...")

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := NewService(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize orchestrator: %v", err)
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("Mr.Prompt Orchestrator listening on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Println("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Printf("HTTP server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownSeconds)*time.Second)
	defer cancel()

	// Open event streams only end with their runs, so the HTTP server and
	// the engine drain together.
	httpDone := make(chan struct{})
	go func() {
		defer close(httpDone)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown: %v", err)
		}
	}()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Printf("Workflow engine shutdown: %v", err)
	}
	<-httpDone
	log.Println("Mr.Prompt Orchestrator stopped")
}

// Service holds the wired components of a running orchestrator.
type Service struct {
	Config   Config
	Pool     *llm.KeyPool
	Balancer *llm.LoadBalancer
	Gateway  *llm.Gateway
	Store    WorkflowStore
	Engine   *WorkflowEngine
	Server   *Server

	redisClient *redis.Client
	closers     []io.Closer
}

// NewService builds every component from cfg.
func NewService(ctx context.Context, cfg Config) (*Service, error) {
	svc := &Service{Config: cfg}

	pool, err := loadKeyPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	svc.Pool = pool
	log.Printf("Loaded %d key/endpoint pair(s)", pool.Size())

	svc.Balancer = llm.NewLoadBalancer(pool,
		llm.WithStrategy(llm.RoutingStrategy(cfg.RoutingStrategy)),
		llm.WithCooldown(time.Duration(cfg.CooldownSeconds)*time.Second),
	)
	svc.Gateway = llm.NewGateway(svc.Balancer, llm.NewVanchinTransport(cfg.VanchinBaseURL), cfg.GatewayConfig())

	store, recorder, err := svc.openStore(ctx, cfg)
	if err != nil {
		svc.close()
		return nil, err
	}
	svc.Store = store

	engineOpts := []EngineOption{
		WithMaxContextChars(cfg.MaxContextChars),
		WithUsageRecorder(recorder),
		WithEngineLogger(logger.New("orchestrator")),
	}
	if cfg.PipelineFile != "" {
		steps, err := LoadPipelineFile(cfg.PipelineFile)
		if err != nil {
			svc.close()
			return nil, err
		}
		engineOpts = append(engineOpts, WithPipeline(steps))
		log.Printf("Loaded %d-step pipeline from %s", len(steps), cfg.PipelineFile)
	}
	if cfg.Archive.Bucket != "" {
		archiver, err := NewS3Archiver(ctx, cfg.Archive)
		if err != nil {
			svc.close()
			return nil, err
		}
		engineOpts = append(engineOpts, WithArchiver(archiver))
		log.Printf("Archiving finished workflows to s3://%s", cfg.Archive.Bucket)
	}

	broadcaster := NewBroadcaster(WithReplayBuffer(cfg.EventReplayBuffer))
	svc.Engine = NewWorkflowEngine(store, svc.Gateway, broadcaster, engineOpts...)

	auth := NewAuthenticator(cfg.JWTSecret)
	if auth.DevMode() {
		log.Printf("JWT_SECRET not set, accepting %s header (development mode)", DevUserHeader)
	}

	svc.Server = NewServer(ServerConfig{
		Engine:            svc.Engine,
		Balancer:          svc.Balancer,
		Usage:             recorder,
		Auth:              auth,
		StartLimiter:      svc.startLimiter(cfg),
		HeartbeatInterval: time.Duration(cfg.HeartbeatSeconds) * time.Second,
	})
	return svc, nil
}

// startLimiter shares limits through Redis when it is available.
func (svc *Service) startLimiter(cfg Config) RateLimiter {
	if cfg.WorkflowRateLimit == 0 {
		return nil
	}
	if svc.redisClient != nil {
		return NewRedisRateLimiter(svc.redisClient, cfg.WorkflowRateLimit)
	}
	return NewInMemoryRateLimiter(cfg.WorkflowRateLimit)
}

// loadKeyPool reads pairs from the first configured source: Secrets
// Manager, then a YAML file, then numbered environment variables.
func loadKeyPool(ctx context.Context, cfg Config) (*llm.KeyPool, error) {
	switch {
	case cfg.KeysSecretID != "":
		client, err := llm.NewSecretsManagerClient(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		return llm.LoadKeyPoolFromSecret(ctx, client, cfg.KeysSecretID)
	case cfg.KeysFile != "":
		return llm.LoadKeyPoolFromFile(cfg.KeysFile)
	default:
		return llm.LoadKeyPoolFromEnv()
	}
}

// openStore connects the configured WorkflowStore and a matching usage
// recorder.
func (svc *Service) openStore(ctx context.Context, cfg Config) (WorkflowStore, usage.Recorder, error) {
	switch cfg.WorkflowStore {
	case StorePostgres:
		db, err := OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		svc.closers = append(svc.closers, db)
		return openPostgresStore(ctx, db)

	case StoreRedis:
		client, err := OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		svc.redisClient = client
		svc.closers = append(svc.closers, client)
		log.Printf("Using Redis workflow store")
		return NewRedisWorkflowStore(client, 0), usage.NewInMemoryRecorder(), nil

	default:
		log.Printf("Using in-memory workflow store")
		return NewInMemoryWorkflowStore(), usage.NewInMemoryRecorder(), nil
	}
}

func openPostgresStore(ctx context.Context, db *sql.DB) (WorkflowStore, usage.Recorder, error) {
	store := NewPostgresWorkflowStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	recorder := usage.NewUsageRecorder(db)
	if err := recorder.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	log.Printf("Using PostgreSQL workflow store")
	return store, recorder, nil
}

// Handler returns the HTTP handler.
func (svc *Service) Handler() http.Handler {
	return svc.Server.Router()
}

// Shutdown drains the engine, then releases the balancer and connections.
func (svc *Service) Shutdown(ctx context.Context) error {
	err := svc.Engine.Shutdown(ctx)
	svc.close()
	return err
}

func (svc *Service) close() {
	if svc.Balancer != nil {
		svc.Balancer.Close()
	}
	for _, c := range svc.closers {
		if err := c.Close(); err != nil {
			log.Printf("Failed to close %T: %v", c, err)
		}
	}
	svc.closers = nil
}
