package controller

import (
	"log"

	"mailflow/worker"

	"github.com/gofiber/fiber/v2"
)

// WorkerController exposes the delivery worker to operators and to
// external schedulers that drive processing instead of the built-in
// poll loop.
type WorkerController struct {
	Logger *log.Logger
	Worker *worker.DeliveryWorker
}

func NewWorkerController(w *worker.DeliveryWorker, logger *log.Logger) *WorkerController {
	return &WorkerController{Logger: logger, Worker: w}
}

// ProcessOnce runs one stale-lock sweep and one claim/process cycle.
func (wc *WorkerController) ProcessOnce(c *fiber.Ctx) error {
	processed, err := wc.Worker.DrainOnce()
	if err != nil {
		wc.Logger.Printf("Error draining queue: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process queue",
		})
	}
	return c.JSON(fiber.Map{"processed": processed})
}

// Status reports the worker's health and lifetime counters.
func (wc *WorkerController) Status(c *fiber.Ctx) error {
	return c.JSON(wc.Worker.Status())
}
