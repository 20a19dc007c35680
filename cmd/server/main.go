package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/magistory/render-server/internal/auth"
	"github.com/magistory/render-server/internal/client"
	"github.com/magistory/render-server/internal/config"
	"github.com/magistory/render-server/internal/handler"
	"github.com/magistory/render-server/internal/middleware"
	"github.com/magistory/render-server/internal/model"
	"github.com/magistory/render-server/internal/pkg/logger"
	"github.com/magistory/render-server/internal/pkg/shutdown"
	"github.com/magistory/render-server/internal/registry"
	"github.com/magistory/render-server/internal/service"
	"github.com/magistory/render-server/internal/worker"
)

func main() {
	// .env is optional; real deployments use the environment
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Server.LogLevel,
		Format:      cfg.Server.LogFormat,
		ServiceName: "render-server",
	})

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", "error", err.Error())
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx := context.Background()
	sm := shutdown.NewManager(log, 30*time.Second)

	if err := os.MkdirAll(cfg.Render.TempDir, 0o755); err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}

	// Redis backs the limiter, and optionally the registry, ledger and queue
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	sm.Register("redis", func(context.Context) error { return redisClient.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	redisUp := redisClient.Ping(pingCtx).Err() == nil
	cancel()
	if !redisUp {
		log.Warn("redis not available", "addr", cfg.Redis.Addr)
	}

	verifier, ledger, err := newCreditGate(ctx, cfg, redisClient, sm, log)
	if err != nil {
		return err
	}

	var reg registry.Registry
	switch cfg.Registry.Driver {
	case "redis":
		reg = registry.NewRedisRegistry(redisClient, log)
	case "memory", "":
		reg = registry.NewMemoryRegistry(log)
	default:
		return fmt.Errorf("unknown registry driver %q", cfg.Registry.Driver)
	}

	var engine client.RenderEngine
	engineClient := client.NewEngineClient(&cfg.Engine)
	if engineClient.IsConfigured() {
		engine = engineClient
	} else {
		log.Warn("ENGINE_URL not set, using mock render engine")
		engine = &client.MockEngine{Delay: 2 * time.Second}
	}

	var storage client.StorageClient
	filesRoot := ""
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			return fmt.Errorf("failed to init R2 client: %w", err)
		}
		storage = r2Client
	} else {
		local, err := client.NewLocalStorage(cfg.Storage.LocalRoot, cfg.Storage.PublicURL)
		if err != nil {
			return err
		}
		log.Info("R2 storage not configured, storing videos locally", "root", local.Root())
		storage = local
		filesRoot = local.Root()
	}

	pipelineCfg := worker.PipelineConfig{
		TempDir:       cfg.Render.TempDir,
		RenderTimeout: cfg.Render.RenderTimeout,
		UploadTimeout: cfg.Render.UploadTimeout,
	}
	pipeline := worker.NewPipeline(reg, engine, storage, pipelineCfg, log)

	var dispatcher worker.Dispatcher
	switch cfg.Render.DispatchMode {
	case "asynq":
		if cfg.Registry.Driver != "redis" {
			log.Warn("asynq dispatch with an in-memory registry only works in a single process")
		}
		redisOpt := worker.RedisOpt(&cfg.Redis)
		asynqClient := asynq.NewClient(redisOpt)
		dispatcher = worker.NewQueueDispatcher(asynqClient, pipelineCfg, log)

		srv := worker.NewQueueServer(redisOpt, cfg, log)
		mux := asynq.NewServeMux()
		worker.NewRenderWorker(pipeline, reg, log).Register(mux)
		if err := srv.Start(mux); err != nil {
			return fmt.Errorf("failed to start queue worker: %w", err)
		}
		sm.RegisterSimple("asynq-client", func() { _ = asynqClient.Close() })
		sm.RegisterSimple("asynq-server", srv.Shutdown)
	case "local", "":
		local := worker.NewLocalDispatcher(pipeline, cfg.Render.MaxConcurrent, log)
		dispatcher = local
		sm.Register("dispatcher", local.Shutdown)
	default:
		return fmt.Errorf("unknown dispatch mode %q", cfg.Render.DispatchMode)
	}

	reaper, err := worker.NewReaper(reg, cfg.Render.Retention, cfg.Render.ReaperInterval, log)
	if err != nil {
		return err
	}
	reaper.Start()
	sm.Register("reaper", reaper.Stop)

	gate := auth.NewCreditGate(verifier, ledger)
	renderService := service.NewRenderService(gate, reg, dispatcher, cfg.Render.Cost, log)

	var renderLimit = middleware.NewRateLimiter(redisClient, log).RenderLimit(cfg.RateLimit.RenderPerHour)
	if !redisUp {
		renderLimit = nil
	}

	app := handler.NewApp(handler.Deps{
		Render: handler.NewRenderHandler(renderService, model.NewValidator()),
		Health: handler.NewHealthHandler(cfg.Render.Cost, cfg.Render.PollInterval, map[string]bool{
			"engine":   engineClient.IsConfigured(),
			"r2":       filesRoot == "",
			"redis":    redisUp,
			"identity": verifier != nil,
			"ledger":   ledger != nil,
		}),
		RenderLimit:    renderLimit,
		FilesRoot:      filesRoot,
		AccessLog:      true,
		LogLevel:       cfg.Server.LogLevel,
		ProxyHeader:    cfg.Server.ProxyHeader,
		TrustedProxies: cfg.Server.TrustedProxies,
	})
	sm.Register("http", func(ctx context.Context) error { return app.ShutdownWithContext(ctx) })

	addr := ":" + cfg.Server.Port
	listenErr := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", addr, "temp_dir", cfg.Render.TempDir,
			"registry", cfg.Registry.Driver, "dispatch", cfg.Render.DispatchMode, "ledger", cfg.Ledger.Driver)
		if err := app.Listen(addr); err != nil {
			listenErr <- err
			sm.Shutdown()
		}
	}()

	go sm.Wait()
	<-sm.Done()

	select {
	case err := <-listenErr:
		return fmt.Errorf("server error: %w", err)
	default:
		return nil
	}
}

// newCreditGate builds the identity verifier chain and the configured ledger.
// A missing piece is logged and left nil; the gate then refuses submissions
// with a configuration error instead of the process refusing to start.
func newCreditGate(ctx context.Context, cfg *config.Config, redisClient *redis.Client, sm *shutdown.Manager, log *logger.Logger) (auth.TokenVerifier, auth.Ledger, error) {
	var verifiers []auth.TokenVerifier

	if cfg.OIDC.Issuer != "" {
		jwks, err := auth.NewJWKSVerifier(&cfg.OIDC)
		if err != nil {
			log.Warn("JWKS verifier not initialized", "error", err.Error())
		} else {
			verifiers = append(verifiers, jwks)
		}
	}

	supabase, supabaseErr := auth.NewSupabaseClient(&cfg.Ledger)
	if supabaseErr == nil {
		verifiers = append(verifiers, supabase)
	}

	if cfg.JWT.Secret != "" {
		verifiers = append(verifiers, auth.NewHMACVerifier(cfg.JWT.Secret))
	}

	var verifier auth.TokenVerifier
	if len(verifiers) > 0 {
		chain := auth.NewChainVerifier(verifiers...)
		log.Info("identity verifiers configured", "count", chain.Len())
		sm.Register("verifier", func(context.Context) error { return chain.Close() })
		verifier = chain
	} else {
		log.Warn("no identity provider configured, render requests will be refused")
	}

	var ledger auth.Ledger
	switch cfg.Ledger.Driver {
	case "supabase", "":
		if supabaseErr != nil {
			log.Warn("supabase ledger not configured, render requests will be refused", "error", supabaseErr.Error())
		} else {
			ledger = supabase
		}
	case "postgres":
		if cfg.Ledger.DatabaseURL == "" {
			log.Warn("DATABASE_URL not set, render requests will be refused")
			break
		}
		pool, err := pgxpool.New(ctx, cfg.Ledger.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		sm.RegisterSimple("postgres", pool.Close)
		ledger = auth.NewPostgresLedger(pool)
	case "redis":
		ledger = auth.NewRedisLedger(redisClient)
	default:
		return nil, nil, fmt.Errorf("unknown ledger driver %q", cfg.Ledger.Driver)
	}

	return verifier, ledger, nil
}
