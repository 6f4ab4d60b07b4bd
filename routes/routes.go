package routes

import (
	"log"
	"os"

	controller "mailflow/controllers"
	"mailflow/middleware"
	"mailflow/utils"
	"mailflow/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"gorm.io/gorm"
)

// SetupRoutes wires the engine's HTTP surface: the admin API for
// enqueueing and monitoring, and the public tracking endpoints that
// outbound emails point at.
func SetupRoutes(app *fiber.App, db *gorm.DB, dispatcher *utils.CampaignDispatcher, deliveryWorker *worker.DeliveryWorker, automationWorker *worker.AutomationWorker) {
	campaignController := controller.NewCampaignController(db, dispatcher, log.New(os.Stdout, "CAMPAIGN: ", log.LstdFlags))
	subscriberController := controller.NewSubscriberController(db, automationWorker, log.New(os.Stdout, "SUBSCRIBER: ", log.LstdFlags))
	trackingController := controller.NewTrackingController(db, log.New(os.Stdout, "TRACKING: ", log.LstdFlags))
	workerController := controller.NewWorkerController(deliveryWorker, log.New(os.Stdout, "WORKER: ", log.LstdFlags))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Admin API
	api := app.Group("/api/v1", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	api.Post("/subscribers", subscriberController.CreateSubscriber)

	campaign := api.Group("/campaigns")
	campaign.Post("/:id/enqueue", campaignController.EnqueueCampaign)
	campaign.Post("/:id/sandbox", middleware.TrackRateLimiter(), campaignController.SandboxCampaign)
	campaign.Get("/:id/progress", campaignController.GetCampaignProgress)

	workerGroup := api.Group("/worker")
	workerGroup.Post("/process-once", workerController.ProcessOnce)
	workerGroup.Get("/status", workerController.Status)

	// Public tracking endpoints, rate limited per IP. Order matters:
	// fiber matches the pixel route before the catch-all click route.
	track := app.Group("/t", middleware.TrackRateLimiter())
	track.Get("/:kind/:id/:token/open.gif", trackingController.HandleOpen)
	track.Get("/:kind/:id/:token", trackingController.HandleClick)

	app.Get("/unsubscribe/:token", trackingController.HandleUnsubscribe)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})

	log.Println("Routes initialized successfully")
}
