package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/org/agentwarden/internal/acl"
	"github.com/org/agentwarden/internal/api"
	"github.com/org/agentwarden/internal/audit"
	"github.com/org/agentwarden/internal/events"
	"github.com/org/agentwarden/internal/policy"
	"github.com/org/agentwarden/internal/quota"
	"github.com/org/agentwarden/internal/resource"
	"github.com/org/agentwarden/internal/storage"
	"github.com/org/agentwarden/internal/trash"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := loadConfig()

	if cfg.LogJSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	ensureAdminToken(&cfg)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// The process must not start without a validated policy.
	policies := policy.NewStore()
	if _, err := policies.Load(cfg.PolicyFile); err != nil {
		log.Fatal().Err(err).Str("file", cfg.PolicyFile).Msg("failed to load security policy")
	}

	backend, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("failed to open state backend")
	}
	defer backend.Close()

	hub := events.NewHub()
	var pub events.Publisher = hub
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		if err != nil {
			log.Fatal().Err(err).Msg("invalid kafka configuration")
		}
		defer kp.Close()
		pub = events.Multi{hub, kp}
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("publishing events to kafka")
	}

	auditor := audit.NewLogger(backend, pub)
	engine := acl.NewEngine(policies, quota.NewLedger(backend), auditor)
	defer engine.Close()

	var accel resource.Accelerator = resource.NoAccelerator{}
	if cfg.GPUDiscovery {
		accel = resource.NewNvidiaSMI()
	}
	governor := resource.NewGovernor(policies, engine, auditor, resource.Options{
		Enforcer:    resource.NewOSEnforcer(),
		Accelerator: accel,
	})
	engine.SetTelemetry(governor)

	applied, err := governor.CheckAndApply(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("configured resource allocation is not permitted by policy")
	}
	for _, w := range applied.Warnings {
		log.Warn().Str("warning", w).Msg("resource limit not enforced")
	}

	bin, err := trash.NewStore(cfg.TrashDir, policies, auditor)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open trash")
	}
	sweeper := trash.NewSweeper(bin, cfg.SweepInterval)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	go sweepConfirmations(ctx, engine, time.Minute)

	srv := api.NewServer(api.Deps{
		Policies: policies,
		Engine:   engine,
		Governor: governor,
		Trash:    bin,
		Audit:    auditor,
		Events:   hub,
	}, api.Config{
		ListenAddr:       cfg.ListenAddr,
		TLSCertFile:      cfg.TLSCertFile,
		TLSKeyFile:       cfg.TLSKeyFile,
		AdminToken:       cfg.AdminToken,
		CORSOrigins:      cfg.CORSOrigins,
		WSOriginPatterns: cfg.WSOriginPatterns,
		RateLimitRPS:     cfg.RateLimitRPS,
		RateLimitBurst:   cfg.RateLimitBurst,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()
	log.Info().Str("addr", cfg.ListenAddr).Str("policy", cfg.PolicyFile).Msg("server started")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigs {
		if sig == syscall.SIGHUP {
			if p, err := policies.ReloadFromFile(); err != nil {
				log.Error().Err(err).Msg("policy reload rejected, keeping active policy")
			} else {
				log.Info().Int64("version", p.Version).Msg("policy reloaded on SIGHUP")
			}
			continue
		}
		break
	}

	log.Info().Msg("shutting down...")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}

func openBackend(ctx context.Context, cfg storageConfig) (storage.StateBackend, error) {
	switch cfg.Backend {
	case "memory":
		log.Warn().Msg("using in-memory state: quotas and audit log reset on restart")
		return storage.NewMemoryBackend(), nil
	case "", "sqlite":
		b, err := storage.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("database_url must be configured (or DATABASE_URL env var)")
		}
		if err := storage.RunPostgresMigrations(cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		log.Info().Msg("migrations applied")
		b, err := storage.NewPostgresBackend(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, errors.New("redis_addr must be configured (or REDIS_ADDR env var)")
		}
		b, err := storage.NewRedisBackend(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// sweepConfirmations evicts resolved confirmations past their retention.
func sweepConfirmations(ctx context.Context, engine *acl.Engine, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			engine.Sweep(now)
		}
	}
}
