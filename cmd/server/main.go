package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	deploymentapp "capstan/internal/application/deployment"
	projectapp "capstan/internal/application/project"

	resthttp "capstan/internal/adapters/http"
	"capstan/internal/adapters/http/request"
	"capstan/internal/adapters/http/response"
	"capstan/internal/adapters/postgres"
	redisadapter "capstan/internal/adapters/redis"
	"capstan/internal/adapters/ws"
	"capstan/internal/config"
	"capstan/internal/event"
	"capstan/internal/logger"
	"capstan/internal/logstream"
	"capstan/internal/pipeline"
	"capstan/internal/scheduler"
	"capstan/internal/secrets"
	"capstan/internal/step"
	"capstan/internal/workers"
	"capstan/internal/workspace"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	log := logger.New(cfg)

	if cfg.JWTSecret == "" {
		panic("FATAL: JWT_SECRET is mandatory")
	}

	dbPool, err := postgres.InitDB(cfg.DatabaseURL, log)
	if err != nil {
		log.Error("failed to init DB", "error", err)
		return
	}
	defer dbPool.Close()

	redisClient, err := redisadapter.NewClient(cfg.RedisURL)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		return
	}
	defer redisClient.Close()

	secretStore, err := secrets.NewStore(cfg.SecretsFile, cfg.SecretsKey)
	if err != nil {
		log.Error("failed to open secret store", "error", err)
		return
	}

	deploymentRepo := postgres.NewDeploymentRepository(dbPool)
	projectRepo := postgres.NewProjectRepository(dbPool)
	transcripts := redisadapter.NewTranscriptStore(redisClient)

	bus := event.New()
	hub := logstream.NewHub(transcripts, cfg.SubscriberBuffer, log)

	workspaces := workspace.NewManager(cfg.WorkDir, log)
	executor := step.NewExecutor(cfg.KillGracePeriod, log)

	machine := pipeline.NewMachine(pipeline.MachineConfig{
		MinFreeDiskBytes: cfg.MinFreeDiskBytes,
		WorkspaceQuota:   cfg.WorkspaceQuota,
		KeepWorkspace:    cfg.KeepWorkspaceOnDone,
		StepTimeout:      cfg.StepTimeout,
	}, deploymentRepo, secretStore, workspaces, executor, hub, bus, log)

	engine := scheduler.New(
		cfg.WorkerCount,
		cfg.QueueSize,
		deploymentRepo,
		projectRepo,
		transcripts,
		machine,
		hub,
		bus,
		log,
	)

	if err := engine.RecoverOrphans(ctx); err != nil {
		log.Error("failed to recover orphaned deployments", "error", err)
		return
	}
	engine.Start(ctx)

	workerManager := workers.NewManager(log, workers.NewScheduler(log), &workers.ManagerDeps{
		Deployments: deploymentRepo,
		Transcripts: transcripts,
		Workspaces:  workspaces,

		RetentionAge:      cfg.RetentionAge,
		RetentionInterval: cfg.RetentionInterval,
	})
	workerManager.Start(ctx)

	deploymentService := deploymentapp.NewService(deploymentRepo, transcripts)
	projectService := projectapp.NewService(projectRepo)

	decoder := request.RequestDecoder{}
	writer := response.ResponseWriter{}

	router := resthttp.NewRouter(cfg, &resthttp.RouterDeps{
		Project:    resthttp.NewProjectHandler(projectService, decoder, writer),
		Deployment: resthttp.NewDeploymentHandler(deploymentService, engine, decoder, writer),
		Stream:     resthttp.NewStreamHandler(deploymentService, hub, log),
		WsTail:     ws.NewLogHandler(deploymentService, hub, log, cfg.AllowedOrigins),
	})

	srv := resthttp.NewServer(router, cfg.Address)

	errCh := make(chan error, 1)
	go func() {
		log.Info("http: starting server", "address", cfg.Address)
		errCh <- srv.ListenAndServe()
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http: server shutdown error", "error", err)
		}

		// Running deployments were cancelled by ctx; wait for workers to
		// record their terminal states before exiting.
		engine.Wait()

	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("http: server error", "error", err)
		}
	}

	log.Info("server stopped")
}
