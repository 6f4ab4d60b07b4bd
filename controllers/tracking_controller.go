package controller

import (
	"errors"
	"log"
	"time"

	"mailflow/models"
	"mailflow/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// 1x1 transparent GIF served for open tracking.
var trackingPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// TrackingController handles the public click/open/unsubscribe
// endpoints. These live on recipient-facing URLs, so responses must
// degrade gracefully: a broken tracking link still redirects where it
// can and never exposes internals.
type TrackingController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewTrackingController(db *gorm.DB, logger *log.Logger) *TrackingController {
	return &TrackingController{DB: db, Logger: logger}
}

// HandleClick records the click and redirects to the original
// destination carried in the u query parameter.
func (tc *TrackingController) HandleClick(c *fiber.Ctx) error {
	destination := c.Query("u")
	if destination == "" {
		return c.Status(fiber.StatusBadRequest).SendString("Missing destination")
	}

	refID, sub, kind, ok := tc.resolveRef(c)
	if ok {
		tc.recordEvent(c, models.TrackingKindClick, kind, refID, sub.ID, destination)
	}

	// The redirect must work even when attribution fails; losing a
	// click stat is better than stranding a recipient.
	return c.Redirect(destination, fiber.StatusFound)
}

// HandleOpen records the open and serves the pixel.
func (tc *TrackingController) HandleOpen(c *fiber.Ctx) error {
	refID, sub, kind, ok := tc.resolveRef(c)
	if ok {
		tc.recordEvent(c, models.TrackingKindOpen, kind, refID, sub.ID, "")
	}

	c.Set("Content-Type", "image/gif")
	c.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	return c.Send(trackingPixel)
}

// HandleUnsubscribe flips the subscriber's opt-out flag. Idempotent: a
// second visit confirms the same state.
func (tc *TrackingController) HandleUnsubscribe(c *fiber.Ctx) error {
	token := c.Params("token")
	if token == "" {
		return c.Status(fiber.StatusBadRequest).SendString("Missing token")
	}

	var sub models.Subscriber
	err := tc.DB.Where("unsubscribe_token = ?", token).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).SendString("Unknown unsubscribe link")
		}
		tc.Logger.Printf("Error loading subscriber for unsubscribe: %v", err)
		return c.Status(fiber.StatusInternalServerError).SendString("Something went wrong")
	}

	if !sub.Unsubscribed {
		now := time.Now()
		err := tc.DB.Model(&sub).Updates(map[string]interface{}{
			"unsubscribed":    true,
			"unsubscribed_at": now,
		}).Error
		if err != nil {
			tc.Logger.Printf("Error unsubscribing subscriber %d: %v", sub.ID, err)
			return c.Status(fiber.StatusInternalServerError).SendString("Something went wrong")
		}
		utils.LogEvent("subscriber_unsubscribed", map[string]interface{}{
			"subscriber_id": sub.ID,
		})
	}

	return c.SendString("You have been unsubscribed. You will not receive further emails from us.")
}

// resolveRef parses the :kind/:id/:token route segments and looks up
// the subscriber behind the token.
func (tc *TrackingController) resolveRef(c *fiber.Ctx) (uint, *models.Subscriber, string, bool) {
	kind := c.Params("kind")
	if kind != utils.TrackingRefCampaign && kind != utils.TrackingRefAutomation {
		return 0, nil, "", false
	}

	refID, err := utils.ParseUint(c.Params("id"))
	if err != nil {
		return 0, nil, "", false
	}

	token := c.Params("token")
	if token == "" {
		return 0, nil, "", false
	}

	var sub models.Subscriber
	if err := tc.DB.Where("unsubscribe_token = ?", token).First(&sub).Error; err != nil {
		return 0, nil, "", false
	}
	return refID, &sub, kind, true
}

func (tc *TrackingController) recordEvent(c *fiber.Ctx, eventKind, refKind string, refID, subscriberID uint, destination string) {
	event := models.TrackingEvent{
		Kind:         eventKind,
		SubscriberID: subscriberID,
		URL:          destination,
		IPAddress:    c.IP(),
		UserAgent:    c.Get("User-Agent"),
	}
	if refKind == utils.TrackingRefCampaign {
		event.CampaignID = utils.Pointer(refID)
	} else {
		event.AutomationID = utils.Pointer(refID)
	}
	if err := tc.DB.Create(&event).Error; err != nil {
		tc.Logger.Printf("Error recording %s event: %v", eventKind, err)
	}
}
