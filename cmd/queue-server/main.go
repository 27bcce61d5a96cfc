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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicqueue/clinicqueue/internal/config"
	"github.com/clinicqueue/clinicqueue/internal/domain/queue"
	"github.com/clinicqueue/clinicqueue/internal/domain/scheduling"
	"github.com/clinicqueue/clinicqueue/internal/platform/auth"
	"github.com/clinicqueue/clinicqueue/internal/platform/db"
	"github.com/clinicqueue/clinicqueue/internal/platform/eventbus"
	"github.com/clinicqueue/clinicqueue/internal/platform/middleware"
	"github.com/clinicqueue/clinicqueue/internal/platform/websocket"
	"github.com/clinicqueue/clinicqueue/migrations"
)

const (
	version         = "0.1.0"
	janitorInterval = 15 * time.Minute
	shutdownTimeout = 10 * time.Second
)

// appointmentSource adapts the scheduling service to queue.AppointmentSource
// so the queue package does not import scheduling.
type appointmentSource struct {
	svc *scheduling.Service
}

func (a *appointmentSource) ScheduledVisit(ctx context.Context, appointmentID string) (*queue.ScheduledVisit, error) {
	id, err := uuid.Parse(appointmentID)
	if err != nil {
		return nil, fmt.Errorf("%w: appointment %q", queue.ErrNotFound, appointmentID)
	}
	appt, err := a.svc.GetAppointment(ctx, id)
	if errors.Is(err, scheduling.ErrAppointmentNotFound) {
		return nil, fmt.Errorf("%w: appointment %s", queue.ErrNotFound, id)
	}
	if err != nil {
		return nil, &queue.PersistenceError{Op: "load appointment", Err: err}
	}
	return &queue.ScheduledVisit{
		AppointmentID: appt.ID.String(),
		ProfileID:     appt.PatientID.String(),
		DoctorID:      appt.PractitionerID.String(),
		Department:    appt.Department,
		Start:         appt.StartTime,
		Cancelled:     appt.Closed(),
	}, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "queue-server",
		Short: "Clinic patient queue API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the queue API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationSource returns the embedded migrations unless dir is set.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func openMigrator(ctx context.Context, dir string) (*db.Migrator, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrationSource(dir)), pool, nil
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
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := cmd.Context()
			migrator, pool, err := openMigrator(ctx, dir)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := cmd.Context()
			migrator, pool, err := openMigrator(ctx, dir)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
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
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func newLogger(dev bool) zerolog.Logger {
	if dev {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func departmentDirectory(cfg *config.Config, pool *pgxpool.Pool) queue.DepartmentDirectory {
	if len(cfg.Departments) > 0 {
		return queue.NewStaticDepartments(cfg.Departments)
	}
	return queue.NewDepartmentRepoPG(pool)
}

func authMiddleware(cfg *config.Config, signingKey []byte) echo.MiddlewareFunc {
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: signingKey,
	}
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(jwtCfg)
	}
	return auth.JWTMiddleware(jwtCfg)
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	return rl
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.IsDev())
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	loc, _ := cfg.Location()
	signingKey, _ := cfg.SigningKey()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Queue domain. The hub greets new subscribers with the current snapshot,
	// so it needs the service, which in turn publishes through the hub.
	var queueSvc *queue.Service
	hub := websocket.NewHub(logger,
		websocket.WithTopicFilter(queue.IsQueueTopic),
		websocket.WithGreeter(func(ctx context.Context, topic string) (*websocket.Event, error) {
			return queueSvc.Greeter()(ctx, topic)
		}),
	)
	defer hub.Close()

	var publisher websocket.EventPublisher = hub
	if cfg.RedisURL != "" {
		client, err := eventbus.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer client.Close()
		publisher = eventbus.NewRedisPublisher(client, cfg.EventsChannel)
		relay := eventbus.NewRelay(client, cfg.EventsChannel, hub, logger)
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("event relay stopped")
			}
		}()
		logger.Info().Str("channel", cfg.EventsChannel).Msg("queue events fan out through redis")
	}

	scheduleSvc := scheduling.NewService(scheduling.NewAppointmentRepoPG(pool), loc)

	gate := queue.NewGate(queue.Policy{RequirePaymentBeforeVisit: cfg.RequirePaymentBeforeVisit})
	coord := queue.NewCoordinator(queue.NewRepoPG(pool), gate, logger)
	queueSvc = queue.NewService(coord, departmentDirectory(cfg, pool), logger,
		queue.WithLocation(loc),
		queue.WithAppointments(&appointmentSource{svc: scheduleSvc}),
		queue.WithPublisher(publisher),
	)
	go queueSvc.RunJanitor(ctx, janitorInterval)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))

	authMW := authMiddleware(cfg, signingKey)

	// API routes. Rate limiting runs after auth so callers are limited per user.
	apiV1 := e.Group("/api/v1", authMW, middleware.RateLimit(rateLimitConfig(cfg)))
	queue.NewHandler(queueSvc).RegisterRoutes(apiV1)
	scheduling.NewHandler(scheduleSvc).RegisterRoutes(apiV1)

	// Now-serving boards
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(e.Group(""), authMW, auth.RequireRole(auth.StaffRoles...))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).
			Bool("require_payment", cfg.RequirePaymentBeforeVisit).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
