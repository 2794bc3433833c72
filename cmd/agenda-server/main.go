package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinica/agenda/internal/config"
	"github.com/clinica/agenda/internal/domain/agenda"
	"github.com/clinica/agenda/internal/platform/auth"
	"github.com/clinica/agenda/internal/platform/cache"
	"github.com/clinica/agenda/internal/platform/db"
	"github.com/clinica/agenda/internal/platform/middleware"
	"github.com/clinica/agenda/internal/platform/notification"
	"github.com/clinica/agenda/migrations"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agenda-server",
		Short: "Clinic agenda API server",
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(clinicCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(remindersCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the agenda API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations to one clinic or to every clinic",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinic, _ := cmd.Flags().GetString("clinic")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.FS)
			schemas, err := targetSchemas(ctx, migrator, clinic)
			if err != nil {
				return err
			}
			for _, schema := range schemas {
				count, err := migrator.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed on %s: %w", schema, err)
				}
				fmt.Printf("%s: applied %d migration(s).\n", schema, count)
			}
			return nil
		},
	}
	upCmd.Flags().String("clinic", "", "Clinic identifier (default: every clinic schema)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinic, _ := cmd.Flags().GetString("clinic")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.FS)
			schemas, err := targetSchemas(ctx, migrator, clinic)
			if err != nil {
				return err
			}
			for _, schema := range schemas {
				statuses, err := migrator.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				fmt.Printf("Migration status for schema: %s\n", schema)
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
				if pending := db.Pending(statuses); len(pending) > 0 {
					fmt.Printf("%d pending migration(s)\n", len(pending))
				}
				fmt.Println()
			}
			return nil
		},
	}
	statusCmd.Flags().String("clinic", "", "Clinic identifier (default: every clinic schema)")
	cmd.AddCommand(statusCmd)

	return cmd
}

// targetSchemas resolves the --clinic flag to schema names. An empty clinic
// selects every existing clinic schema.
func targetSchemas(ctx context.Context, m *db.Migrator, clinic string) ([]string, error) {
	if clinic != "" {
		return []string{db.SchemaName(clinic)}, nil
	}
	schemas, err := m.ClinicSchemas(ctx)
	if err != nil {
		return nil, err
	}
	if len(schemas) == 0 {
		return nil, errors.New("no clinic schemas found; create one with: agenda-server clinic create --name <id>")
	}
	return schemas, nil
}

func clinicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clinic",
		Short: "Manage clinics",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a clinic schema and apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating clinic schema: %s\n", db.SchemaName(name))
			if err := db.CreateClinicSchema(ctx, pool, name, migrations.FS); err != nil {
				return err
			}
			fmt.Println("Clinic created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Clinic identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// loadConfig loads and validates configuration.
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

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		bootLogger := newLogger(nil)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Calendar cache
	healthChecks := map[string]db.Check{}
	var calendarCache agenda.CalendarCache
	if cfg.RedisAddr != "" {
		client, err := cache.NewRedisClient(ctx, cache.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisCacheDB,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer client.Close()
		store := cache.NewRedisStore(client, "agenda:calendar", logger)
		healthChecks["redis"] = store.Ping
		calendarCache = store
		logger.Info().Str("addr", cfg.RedisAddr).Msg("calendar cache backed by redis")
	} else {
		store := cache.NewMemoryStore()
		store.StartCleanup(ctx, time.Minute)
		calendarCache = store
	}

	// Notifications
	dispatcher, closeDispatcher, err := newDispatcher(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up notifications")
	}
	defer closeDispatcher()
	if dispatcher == nil {
		logger.Warn().Msg("WhatsApp is not configured; patient notifications are disabled")
	}

	svc := newService(cfg, pool, logger, dispatcher, calendarCache)

	e := newServer(cfg, logger)

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, healthChecks))

	// API
	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(rateLimitConfig(cfg)))
	apiV1.Use(db.ClinicMiddleware(pool, cfg.DefaultClinic))
	agenda.NewHandler(svc).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the echo instance with the global middleware chain.
// Routes are registered by the caller.
func newServer(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Clinic-ID"},
	}))

	if useDevAuth(cfg) {
		logger.Warn().Msg("no AUTH_SIGNING_KEY or AUTH_JWKS_URL; unauthenticated requests act as admin")
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(jwtConfig(cfg)))
	}
	return e
}

func useDevAuth(cfg *config.Config) bool {
	return cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthJWKSURL == ""
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	jc := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
		Skipper:  auth.AuthSkipper,
	}
	if cfg.AuthSigningKey != "" {
		jc.SigningKey = []byte(cfg.AuthSigningKey)
	}
	return jc
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rl.RequestsPerSecond <= 0 || rl.BurstSize <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	return rl
}

func whatsAppConfig(cfg *config.Config) notification.WhatsAppConfig {
	return notification.WhatsAppConfig{
		BaseURL:  cfg.WhatsAppAPIURL,
		Instance: cfg.WhatsAppInstance,
		APIKey:   cfg.WhatsAppAPIKey,
	}
}

func queueRedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisQueueDB,
	}
}

// newDispatcher returns the notification channel for NOTIFICATION_MODE. A
// nil dispatcher means WhatsApp is not configured.
func newDispatcher(cfg *config.Config, logger zerolog.Logger) (agenda.NotificationDispatch, func(), error) {
	noop := func() {}
	wa := whatsAppConfig(cfg)
	if !wa.Configured() {
		return nil, noop, nil
	}
	if cfg.NotificationMode == config.NotifyQueue {
		client := asynq.NewClient(queueRedisOpt(cfg))
		return notification.NewQueue(client, logger), func() { _ = client.Close() }, nil
	}
	return notification.NewDispatcher(notification.NewWhatsAppSender(wa), logger), noop, nil
}

func newService(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger, dispatcher agenda.NotificationDispatch, calendarCache agenda.CalendarCache) *agenda.Service {
	loc, _ := cfg.Location()
	opts := []agenda.Option{
		agenda.WithLogger(logger),
		agenda.WithLocation(loc),
		agenda.WithClinic(agenda.ClinicInfo{Name: cfg.ClinicName, Address: cfg.ClinicAddress}),
		agenda.WithBookingConfirmation(cfg.NotifyOnBooking),
	}
	if dispatcher != nil {
		opts = append(opts, agenda.WithDispatcher(dispatcher))
	}
	if calendarCache != nil {
		opts = append(opts, agenda.WithCache(calendarCache, cfg.CalendarCacheTTL))
	}
	return agenda.NewService(
		agenda.NewRuleRepoPG(pool),
		agenda.NewBookingRepoPG(pool),
		agenda.NewBlockRepoPG(pool),
		db.NewTxManager(pool),
		opts...,
	)
}

func clinicFromSchema(schema string) string {
	return strings.TrimPrefix(schema, "clinic_")
}
