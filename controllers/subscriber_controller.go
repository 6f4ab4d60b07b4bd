package controller

import (
	"errors"
	"log"
	"strings"

	"mailflow/models"
	"mailflow/utils"
	"mailflow/worker"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type SubscriberController struct {
	DB          *gorm.DB
	Logger      *log.Logger
	Automations *worker.AutomationWorker
}

func NewSubscriberController(db *gorm.DB, automations *worker.AutomationWorker, logger *log.Logger) *SubscriberController {
	return &SubscriberController{
		DB:          db,
		Logger:      logger,
		Automations: automations,
	}
}

type signupInput struct {
	Email     string   `json:"email" validate:"required,email"`
	FirstName string   `json:"first_name" validate:"omitempty,max=100"`
	LastName  string   `json:"last_name" validate:"omitempty,max=100"`
	Country   string   `json:"country"`
	Continent string   `json:"continent" validate:"omitempty,continent"`
	Source    string   `json:"source"`
	Interests []string `json:"interests" validate:"omitempty,dive,min=1"`
}

// CreateSubscriber registers a new contact and enrolls it into every
// active signup-triggered automation. Posting the same email again is a
// no-op for both the subscriber row and its enrollments, so upstream
// forms can retry freely.
func (sc *SubscriberController) CreateSubscriber(c *fiber.Ctx) error {
	var input signupInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(input); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	email := strings.ToLower(strings.TrimSpace(input.Email))

	var existing models.Subscriber
	err := sc.DB.Where("email = ?", email).First(&existing).Error
	if err == nil {
		// Known address: enrollment is idempotent, so catch up any
		// signup automations added since the original registration.
		sc.enrollSignupAutomations(&existing)
		return c.JSON(fiber.Map{"id": existing.ID, "created": false})
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		sc.Logger.Printf("Error looking up subscriber %s: %v", email, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create subscriber",
		})
	}

	source := input.Source
	if source == "" {
		source = "api"
	}
	sub := models.Subscriber{
		Email:     email,
		FirstName: input.FirstName,
		LastName:  input.LastName,
		Country:   input.Country,
		Continent: input.Continent,
		Source:    source,
		Interests: input.Interests,
	}
	if err := sc.DB.Create(&sub).Error; err != nil {
		sc.Logger.Printf("Error creating subscriber %s: %v", email, err)
		utils.LogError("subscriber_create_failed", err, map[string]interface{}{
			"email": email,
		})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create subscriber",
		})
	}

	sc.enrollSignupAutomations(&sub)

	sc.Logger.Printf("Subscriber %d registered (%s)", sub.ID, email)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": sub.ID, "created": true})
}

// enrollSignupAutomations is best effort: a failed enrollment must not
// lose the signup itself, so the error is reported for operators to
// replay instead of failing the request.
func (sc *SubscriberController) enrollSignupAutomations(sub *models.Subscriber) {
	if sc.Automations == nil {
		return
	}
	if err := sc.Automations.EnrollOnSignup(sub); err != nil {
		sc.Logger.Printf("Error enrolling subscriber %d on signup: %v", sub.ID, err)
		utils.LogError("signup_enroll_failed", err, map[string]interface{}{
			"subscriber_id": sub.ID,
		})
	}
}
