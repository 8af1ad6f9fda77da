package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-consent-api/internal/config"
	"github.com/noah-isme/gema-consent-api/internal/consent"
	"github.com/noah-isme/gema-consent-api/internal/database"
	"github.com/noah-isme/gema-consent-api/internal/handler"
	"github.com/noah-isme/gema-consent-api/internal/middleware"
	"github.com/noah-isme/gema-consent-api/internal/models"
	"github.com/noah-isme/gema-consent-api/internal/notifier"
	"github.com/noah-isme/gema-consent-api/internal/observability"
	"github.com/noah-isme/gema-consent-api/internal/repository"
	"github.com/noah-isme/gema-consent-api/internal/router"
	"github.com/noah-isme/gema-consent-api/internal/scheduler"
	"github.com/noah-isme/gema-consent-api/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()
	observability.RegisterMetrics()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(&models.ConsentRecord{}, &models.AuditEvent{}); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Close()
	}

	var notify notifier.Notifier
	switch cfg.NotifierKind {
	case "nats":
		notify = notifier.NewNATSNotifier(natsConn, cfg.NotifierSubject, cfg.NotifierTimeout, logger)
	default:
		notify = notifier.NewLogNotifier(logger)
	}

	codes, err := consent.NewCodeIssuer(cfg.CodeSecret)
	if err != nil {
		log.Fatalf("failed to create code issuer: %v", err)
	}

	policy := consent.DefaultPolicy()
	policy.RequestTTL = cfg.RequestTTL
	policy.RenewalGrace = cfg.RenewalGrace
	policy.SchoolYearEndMonth = cfg.SchoolYearEndMonth
	policy.SchoolYearEndDay = cfg.SchoolYearEndDay

	validate := validator.New(validator.WithRequiredStructEnabled())

	store := repository.NewStore(db)
	machine := consent.NewMachine(policy, codes)
	publisher := service.NewEventPublisher(redisClient, natsConn, cfg.ChannelBase, logger)

	consentService := service.NewConsentService(store, machine, notify, publisher, validate, logger, nil)
	auditService := service.NewAuditService(store, validate, logger)

	var schools repository.SchoolDirectory = repository.NewSchoolDirectory(db)
	if len(cfg.StaticSchools) > 0 {
		schools = repository.StaticSchoolDirectory(cfg.StaticSchools)
	}

	schedulerCfg := scheduler.DefaultConfig()
	schedulerCfg.Schedule = cfg.SchedulerSchedule
	schedulerCfg.StartupDelay = cfg.SchedulerStartupDelay
	schedulerCfg.Concurrency = cfg.SchedulerConcurrency
	schedulerCfg.PageSize = cfg.SchedulerPageSize
	schedulerCfg.RunTimeout = cfg.SchedulerRunTimeout
	schedulerCfg.LeaseTTL = cfg.ReminderLeaseTTL

	reminders := scheduler.NewReminderScheduler(consentService, store.Consents(), schools, notify, redisClient, schedulerCfg, logger, nil)
	if err := reminders.Start(); err != nil {
		log.Fatalf("failed to start reminder scheduler: %v", err)
	}

	consentHandler := handler.NewConsentHandler(consentService, validate, logger)
	adminConsentHandler := handler.NewAdminConsentHandler(consentService, auditService, logger)

	healthChecks := map[string]handler.DependencyCheck{
		"postgres": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	}
	if natsConn != nil {
		healthChecks["nats"] = func(ctx context.Context) error {
			return natsConn.FlushWithContext(ctx)
		}
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.CORSOrigins})
	router.Register(app, cfg, router.Dependencies{
		ConsentHandler:      consentHandler,
		AdminConsentHandler: adminConsentHandler,
		JWTMiddleware:       middleware.JWTProtected(cfg.JWTSecret),
		HealthChecks:        healthChecks,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	logger.Info().Str("addr", cfg.HTTPAddress()).Str("schedule", schedulerCfg.Schedule).Msg("consent api started")
	waitForShutdown(app, reminders, logger)
}

func waitForShutdown(app *fiber.App, reminders *scheduler.ReminderScheduler, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	// let an in-flight reminder run finish its current record
	if err := reminders.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("reminder scheduler did not stop cleanly")
	}

	logger.Info().Msg("server stopped")
}
