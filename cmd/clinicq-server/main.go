package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/clinicq/internal/config"
	"github.com/ehr/clinicq/internal/domain/scheduling"
	"github.com/ehr/clinicq/internal/platform/auth"
	"github.com/ehr/clinicq/internal/platform/db"
	"github.com/ehr/clinicq/internal/platform/metrics"
	"github.com/ehr/clinicq/internal/platform/middleware"
	"github.com/ehr/clinicq/internal/platform/payments"
	"github.com/ehr/clinicq/migrations"
)

const serviceName = "clinicq"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clinicq-server",
		Short: "Clinic appointment and queue scheduling server",
	}
	cmd.AddCommand(serveCmd())
	cmd.AddCommand(migrateCmd())
	cmd.AddCommand(reservationsCmd())
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduling API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// loadConfig loads and validates configuration. Every command goes through
// it so a bad CLINIC_TIMEZONE fails before anything touches the database.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
}

func migrationsFS(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationsFS(dir))
			fmt.Printf("Running migrations on schema: %s\n", cfg.DBSchema)

			count, err := migrator.Up(ctx, cfg.DBSchema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationsFS(dir)).Status(ctx, cfg.DBSchema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", cfg.DBSchema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func reservationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reservations",
		Short: "Reservation maintenance tasks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "expire-no-shows",
		Short: "Cancel reservations whose patient never checked in",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			engine, err := newEngine(cfg, pool, nil, logger)
			if err != nil {
				return err
			}
			count, err := engine.Lifecycle.ExpireNoShows(ctx)
			if err != nil {
				return fmt.Errorf("expire no-shows: %w", err)
			}
			fmt.Printf("Expired %d no-show reservation(s).\n", count)
			return nil
		},
	})

	return cmd
}

// settingsFromConfig maps the environment onto the engine's policy knobs.
func settingsFromConfig(cfg *config.Config) (scheduling.Settings, error) {
	loc, err := cfg.Location()
	if err != nil {
		return scheduling.Settings{}, fmt.Errorf("load clinic timezone: %w", err)
	}
	s := scheduling.DefaultSettings()
	s.Location = loc
	s.BookingHorizonDays = cfg.BookingHorizonDays
	s.CheckInEarly = time.Duration(cfg.CheckInEarlyMinutes) * time.Minute
	s.CheckInLate = time.Duration(cfg.CheckInLateMinutes) * time.Minute
	s.NoShowGrace = time.Duration(cfg.NoShowGraceMinutes) * time.Minute
	s.AllocMaxAttempts = cfg.AllocMaxAttempts
	return s, nil
}

func newEngine(cfg *config.Config, pool *pgxpool.Pool, rec scheduling.Recorder, logger zerolog.Logger) (*scheduling.Engine, error) {
	settings, err := settingsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return scheduling.NewEngine(scheduling.Deps{
		Tx:           db.NewTransactor(pool, cfg.AllocLockTimeout),
		Sessions:     scheduling.NewSessionRepoPG(pool),
		Slots:        scheduling.NewSlotRepoPG(pool),
		Capacity:     scheduling.NewCapacityRepoPG(pool),
		Counters:     scheduling.NewQueueCounterRepoPG(pool),
		Reservations: scheduling.NewReservationRepoPG(pool),
		Patients:     scheduling.NewPatientDirectoryPG(pool),
		Recorder:     rec,
		Logger:       logger.With().Str("component", "scheduling").Logger(),
		Settings:     settings,
	}), nil
}

// paymentSettler adapts the lifecycle to the payment consumer.
func paymentSettler(engine *scheduling.Engine) payments.Settler {
	return payments.SettlerFunc(func(ctx context.Context, id uuid.UUID) error {
		_, err := engine.Lifecycle.SettlePayment(ctx, id)
		return err
	})
}

func runServer() error {
	cfg, err := loadConfig()
	logger := newLogger(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Database
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	collector := metrics.NewCollector(serviceName)
	collector.RegisterPool(pool)

	engine, err := newEngine(cfg, pool, collector, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build scheduling engine")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	if cfg.MetricsEnabled {
		e.Use(collector.Middleware())
	}
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	jwtMW := auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	})
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtMW))
	} else {
		e.Use(jwtMW)
	}

	// API group
	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.DefaultRateLimitConfig()
	rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
	rateLimitCfg.BurstSize = cfg.RateLimitBurst
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	scheduling.NewHandler(engine).RegisterRoutes(apiV1)

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	if cfg.MetricsEnabled {
		e.GET("/metrics", echo.WrapHandler(collector.Handler()))
	}

	// Payment events
	consumerDone := make(chan struct{})
	if cfg.KafkaEnabled() {
		supervisor := &payments.Supervisor{
			NewReader: func() payments.MessageReader {
				return payments.NewReader(cfg.KafkaBrokers, cfg.KafkaPaymentTopic, cfg.KafkaGroupID)
			},
			Settler: paymentSettler(engine),
			Config: payments.ConsumerConfig{
				IsPermanent: scheduling.IsPermanentPaymentError,
				Recorder:    collector,
			},
			Logger: logger.With().Str("component", "payments").Logger(),
		}
		go func() {
			defer close(consumerDone)
			logger.Info().Str("topic", cfg.KafkaPaymentTopic).Msg("payment consumer started")
			if err := supervisor.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("payment consumer stopped")
			}
		}()
	} else {
		close(consumerDone)
		logger.Info().Msg("KAFKA_BROKERS not set; payment consumer disabled")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	<-consumerDone
	logger.Info().Msg("server stopped")
	return nil
}
