package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinica/agenda/internal/domain/agenda"
	"github.com/clinica/agenda/internal/platform/db"
	"github.com/clinica/agenda/internal/platform/notification"
	"github.com/clinica/agenda/migrations"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Deliver queued notifications and run the daily reminder schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}
}

func remindersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reminders",
		Short: "Patient reminders",
	}

	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Send reminders for one day's bookings (default: tomorrow)",
		RunE: func(cmd *cobra.Command, args []string) error {
			dateStr, _ := cmd.Flags().GetString("date")
			clinic, _ := cmd.Flags().GetString("clinic")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			var date agenda.Date
			if dateStr != "" {
				if date, err = agenda.ParseDate(dateStr); err != nil {
					return fmt.Errorf("--date: %w", err)
				}
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			wa := whatsAppConfig(cfg)
			if !wa.Configured() {
				return fmt.Errorf("WHATSAPP_API_URL, WHATSAPP_INSTANCE and WHATSAPP_API_KEY are required to send reminders")
			}
			dispatcher := notification.NewDispatcher(notification.NewWhatsAppSender(wa), logger)
			svc := newService(cfg, pool, logger, dispatcher, nil)

			if date.IsZero() {
				date = svc.Today().AddDays(1)
			}
			runner := &clinicRunner{pool: pool, logger: logger, clinic: clinic}
			return runner.each(ctx, func(ctx context.Context) error {
				report, err := svc.SendReminders(ctx, date)
				if err != nil {
					return err
				}
				fmt.Printf("%s %s: %d candidate(s), %d sent, %d failed, %d skipped\n",
					db.ClinicFromContext(ctx), report.Date, report.Candidates, report.Sent, report.Failed, report.Skipped)
				return nil
			})
		},
	}
	sendCmd.Flags().String("date", "", "Booking date YYYY-MM-DD (default: tomorrow)")
	sendCmd.Flags().String("clinic", "", "Clinic identifier (default: every clinic)")

	cmd.AddCommand(sendCmd)
	return cmd
}

// clinicRunner runs a job once per clinic, each time on a connection scoped
// to that clinic's schema. A set clinic restricts the run to it.
type clinicRunner struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
	clinic string
	svc    *agenda.Service
}

func (r *clinicRunner) clinics(ctx context.Context) ([]string, error) {
	if r.clinic != "" {
		return []string{r.clinic}, nil
	}
	schemas, err := db.NewMigrator(r.pool, migrations.FS).ClinicSchemas(ctx)
	if err != nil {
		return nil, err
	}
	clinics := make([]string, 0, len(schemas))
	for _, s := range schemas {
		clinics = append(clinics, clinicFromSchema(s))
	}
	return clinics, nil
}

// each runs fn for every clinic. A failing clinic is logged and the rest
// still run; the first error is returned.
func (r *clinicRunner) each(ctx context.Context, fn func(ctx context.Context) error) error {
	clinics, err := r.clinics(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, clinic := range clinics {
		err := func() error {
			cctx, release, err := db.WithClinic(ctx, r.pool, clinic)
			if err != nil {
				return err
			}
			defer release()
			return fn(cctx)
		}()
		if err != nil {
			r.logger.Error().Err(err).Str("clinic", clinic).Msg("clinic job failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("clinic %s: %w", clinic, err)
			}
		}
	}
	return firstErr
}

// RunDailyReminders sends tomorrow's reminders for every clinic.
func (r *clinicRunner) RunDailyReminders(ctx context.Context) error {
	return r.each(ctx, r.svc.RunDailyReminders)
}

func runWorker() error {
	cfg, err := loadConfig()
	if err != nil {
		bootLogger := newLogger(nil)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)

	if cfg.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required to run the worker")
	}
	wa := whatsAppConfig(cfg)
	if !wa.Configured() {
		return fmt.Errorf("WHATSAPP_API_URL, WHATSAPP_INSTANCE and WHATSAPP_API_KEY are required to run the worker")
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	// The worker delivers inline; it is the end of the queue.
	dispatcher := notification.NewDispatcher(notification.NewWhatsAppSender(wa), logger)
	svc := newService(cfg, pool, logger, dispatcher, nil)
	runner := &clinicRunner{pool: pool, logger: logger, svc: svc}

	redisOpt := queueRedisOpt(cfg)
	srv := notification.NewServer(redisOpt, cfg.WorkerConcurrency, logger)
	mux := notification.NewServeMux(dispatcher, runner, logger)

	scheduler, err := notification.NewScheduler(redisOpt, cfg.ReminderCron, loc)
	if err != nil {
		return err
	}
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer scheduler.Shutdown()

	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	logger.Info().
		Int("concurrency", cfg.WorkerConcurrency).
		Str("reminder_cron", cfg.ReminderCron).
		Str("timezone", loc.String()).
		Msg("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down worker")
	srv.Shutdown()
	stats := dispatcher.Stats()
	logger.Info().Int("sent", stats["sent"]).Int("failed", stats["failed"]).Msg("worker stopped")
	return nil
}
