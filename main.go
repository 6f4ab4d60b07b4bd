package main

import (
	"context"
	"log"
	"os"
	"time"

	"mailflow/config"
	"mailflow/middleware"
	"mailflow/queue"
	"mailflow/routes"
	"mailflow/utils"
	"mailflow/worker"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

func main() {
	logger := log.New(os.Stdout, "MAILFLOW: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Error reporting
	if dsn := config.AppConfig.SentryDSN; dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: config.AppConfig.Environment,
		})
		if err != nil {
			logger.Printf("Sentry initialization failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Create Fiber app
	app := fiber.New()
	app.Use(middleware.CORS())

	// Outbound transport
	var mailer utils.Mailer
	if config.AppConfig.DryRun {
		logger.Println("⚠️ Dry-run mode: sends are logged, not delivered")
	}
	mailer = utils.NewSMTPMailer(
		config.AppConfig.SMTPHost,
		config.AppConfig.SMTPPort,
		config.AppConfig.SMTPUsername,
		config.AppConfig.SMTPPassword,
		config.AppConfig.FromEmail,
		config.AppConfig.FromName,
	)

	// Queue plumbing. Each instance claims under its own lock owner so
	// the stale-lock sweep can tell crashed instances apart.
	hostname, _ := os.Hostname()
	owner := hostname + "-" + uuid.New().String()[:8]
	store := queue.NewStore(config.DB)
	q := queue.New(store, owner, log.New(os.Stdout, "QUEUE: ", log.LstdFlags))

	throttle := utils.NewThrottle(config.DB,
		config.AppConfig.SendRatePerMinute, config.AppConfig.SendRatePerHour)

	// Delivery worker
	deliveryWorker := worker.NewDeliveryWorker(config.DB, q, mailer, owner,
		log.New(os.Stdout, "DELIVERY: ", log.LstdFlags))
	deliveryWorker.Throttle = throttle
	deliveryWorker.BaseURL = config.AppConfig.TrackingBaseURL
	deliveryWorker.PollInterval = time.Duration(config.AppConfig.QueuePollSeconds) * time.Second
	deliveryWorker.BatchSize = config.AppConfig.QueueBatchSize
	deliveryWorker.LockTTL = time.Duration(config.AppConfig.LockTTLMinutes) * time.Minute
	deliveryWorker.DryRun = config.AppConfig.DryRun

	// Automation worker
	automationWorker := worker.NewAutomationWorker(config.DB, mailer,
		log.New(os.Stdout, "AUTOMATION: ", log.LstdFlags))
	automationWorker.Throttle = throttle
	automationWorker.BaseURL = config.AppConfig.TrackingBaseURL
	automationWorker.DryRun = config.AppConfig.DryRun

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go deliveryWorker.Start(ctx)
	go automationWorker.Start(ctx)

	// Campaign dispatcher behind the admin API
	dispatcher := utils.NewCampaignDispatcher(config.DB, store,
		log.New(os.Stdout, "DISPATCH: ", log.LstdFlags))
	dispatcher.MaxAttempts = config.AppConfig.QueueMaxAttempts
	dispatcher.SandboxEmails = config.AppConfig.SandboxEmails
	dispatcher.DryRun = config.AppConfig.DryRun

	// Setup routes
	routes.SetupRoutes(app, config.DB, dispatcher, deliveryWorker, automationWorker)

	// Start server
	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
