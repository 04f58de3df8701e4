package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/fhir-gateway/internal/config"
	"github.com/ehr/fhir-gateway/internal/gateway"
	"github.com/ehr/fhir-gateway/internal/platform/backend"
	"github.com/ehr/fhir-gateway/internal/platform/db"
	"github.com/ehr/fhir-gateway/internal/platform/metrics"
	"github.com/ehr/fhir-gateway/internal/platform/middleware"
	"github.com/ehr/fhir-gateway/internal/reference"
	"github.com/ehr/fhir-gateway/internal/seed"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhir-gateway",
		Short: "Multi-tenant gateway in front of a shared FHIR server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the audit database schema",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetInt("to")
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				count, err := db.NewMigrator(pool).UpTo(ctx, target)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) to schema %s.\n", count, db.Schema)
				return nil
			})
		},
	}
	upCmd.Flags().Int("to", 0, "Stop after this version (0 applies all)")
	cmd.AddCommand(upCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("Migration status for schema: %s\n", db.Schema)
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

func seedCmd() *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create demo organizations, a patient and an observation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger(cfg)

			client, err := backend.NewHTTPClient(cfg.FHIRBase, cfg.BackendTimeout)
			if err != nil {
				return err
			}
			svc := gateway.NewService(client, reference.NewResolver(client, nil))

			ctx := logger.WithContext(context.Background())
			seeder := seed.New(client, svc)
			seeder.Strict = strict
			res, err := seeder.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Hospital B sees %d patient(s); expected 0 with strict tenant filtering.\n", res.VisibleToOther)
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "fail when an organization cannot be upserted")
	return cmd
}

func withPool(ctx context.Context, fn func(context.Context, *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	m := metrics.New()

	client, err := backend.NewHTTPClient(cfg.FHIRBase, cfg.BackendTimeout, backend.WithObserver(m))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build backend client")
	}

	deps := serverDeps{Backend: client, Metrics: m}

	rlCfg := cfg.RateLimit()
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		deps.Limiter = middleware.NewRedisLimiter(rdb, rlCfg, middleware.WithFallback(middleware.NewLocalLimiter(rlCfg)))
		clientCfg := rlCfg.ClientConfig()
		deps.ClientLimiter = middleware.NewRedisLimiter(rdb, clientCfg, middleware.WithFallback(middleware.NewLocalLimiter(clientCfg)))
		logger.Info().Str("addr", opt.Addr).Msg("rate limits shared through redis")
	}

	ctx := context.Background()
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to audit database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to audit database")

		repo := db.NewAuditRepo(pool)
		deps.Pool = pool
		deps.Audit = middleware.AuditRecorderFunc(func(ctx context.Context, e middleware.AuditEntry) error {
			err := repo.RecordAccess(ctx, e)
			m.ObserveAuditWrite(err)
			return err
		})
	}

	e := newServer(cfg, logger, deps)

	go func() {
		logger.Info().Str("addr", cfg.Addr()).Str("backend", cfg.FHIRBase).Msg("starting gateway")
		if err := e.Start(cfg.Addr()); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("gateway stopped")
	return nil
}
