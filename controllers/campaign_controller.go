package controller

import (
	"errors"
	"log"
	"time"

	"mailflow/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type CampaignController struct {
	DB         *gorm.DB
	Logger     *log.Logger
	Dispatcher *utils.CampaignDispatcher
}

func NewCampaignController(db *gorm.DB, dispatcher *utils.CampaignDispatcher, logger *log.Logger) *CampaignController {
	return &CampaignController{
		DB:         db,
		Logger:     logger,
		Dispatcher: dispatcher,
	}
}

// EnqueueCampaign fans the campaign out into delivery jobs. Calling it
// again only picks up recipients not already enqueued, so a retried
// request never double-sends.
func (cc *CampaignController) EnqueueCampaign(c *fiber.Ctx) error {
	campaignID, err := utils.ParseUint(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid campaign ID",
		})
	}

	var input struct {
		RunAt *time.Time `json:"run_at"`
	}
	// Body is optional; an empty body means send now.
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&input); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}
	runAt := time.Now()
	if input.RunAt != nil {
		runAt = *input.RunAt
	}

	queued, err := cc.Dispatcher.EnqueueCampaign(campaignID, runAt)
	if err != nil {
		return cc.enqueueError(c, err)
	}

	cc.Logger.Printf("Campaign %d enqueued: %d jobs", campaignID, queued)
	return c.JSON(fiber.Map{"queued": queued})
}

// SandboxCampaign performs a dry-run send restricted to the configured
// allow-list.
func (cc *CampaignController) SandboxCampaign(c *fiber.Ctx) error {
	campaignID, err := utils.ParseUint(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid campaign ID",
		})
	}

	queued, err := cc.Dispatcher.EnqueueSandbox(campaignID, time.Now())
	if err != nil {
		return cc.enqueueError(c, err)
	}

	return c.JSON(fiber.Map{"queued": queued})
}

// GetCampaignProgress reports aggregate job counts for the campaign.
func (cc *CampaignController) GetCampaignProgress(c *fiber.Ctx) error {
	campaignID, err := utils.ParseUint(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid campaign ID",
		})
	}

	progress, err := cc.Dispatcher.GetCampaignProgress(campaignID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Campaign not found",
			})
		}
		cc.Logger.Printf("Error fetching progress for campaign %d: %v", campaignID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch campaign progress",
		})
	}

	return c.JSON(progress)
}

func (cc *CampaignController) enqueueError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	case errors.Is(err, utils.ErrNoUsableSubject),
		errors.Is(err, utils.ErrNoSandboxRecipients):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
		})
	default:
		cc.Logger.Printf("Error enqueueing campaign: %v", err)
		utils.LogError("campaign_enqueue_failed", err, map[string]interface{}{
			"path": c.Path(),
		})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to enqueue campaign",
		})
	}
}
