package controller

import (
	"log"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"mailflow/models"
	"mailflow/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newSignupApp(t *testing.T, db *gorm.DB) *fiber.App {
	t.Helper()
	aw := worker.NewAutomationWorker(db, nil, log.New(os.Stdout, "AUTOMATION-TEST: ", log.LstdFlags))
	sc := NewSubscriberController(db, aw, log.New(os.Stdout, "SUBSCRIBER-TEST: ", log.LstdFlags))

	app := fiber.New()
	app.Post("/api/v1/subscribers", sc.CreateSubscriber)
	return app
}

func TestCreateSubscriberEnrollsSignupAutomations(t *testing.T) {
	db := newTestDB(t)
	app := newSignupApp(t, db)

	automation := models.Automation{
		Name:        "Welcome series",
		Status:      models.AutomationStatusActive,
		TriggerType: models.TriggerTypeSignup,
	}
	require.NoError(t, db.Create(&automation).Error)

	body := `{"email":"New@Example.com","first_name":"Ada","continent":"Europe","interests":["go"]}`
	req := httptest.NewRequest("POST", "/api/v1/subscribers", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var sub models.Subscriber
	require.NoError(t, db.First(&sub).Error)
	require.Equal(t, "new@example.com", sub.Email)
	require.Equal(t, "api", sub.Source)

	var enrollment models.AutomationEnrollment
	require.NoError(t, db.
		Where("automation_id = ? AND subscriber_id = ?", automation.ID, sub.ID).
		First(&enrollment).Error)
	require.Equal(t, models.EnrollmentStatusActive, enrollment.Status)
}

func TestCreateSubscriberIsIdempotentPerEmail(t *testing.T) {
	db := newTestDB(t)
	app := newSignupApp(t, db)

	require.NoError(t, db.Create(&models.Automation{
		Name:        "Welcome series",
		Status:      models.AutomationStatusActive,
		TriggerType: models.TriggerTypeSignup,
	}).Error)

	body := `{"email":"repeat@example.com"}`
	for i, want := range []int{fiber.StatusCreated, fiber.StatusOK} {
		req := httptest.NewRequest("POST", "/api/v1/subscribers", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		require.NoError(t, err)
		require.Equal(t, want, resp.StatusCode, "request %d", i+1)
	}

	var subscribers int64
	require.NoError(t, db.Model(&models.Subscriber{}).Count(&subscribers).Error)
	require.EqualValues(t, 1, subscribers)

	var enrollments int64
	require.NoError(t, db.Model(&models.AutomationEnrollment{}).Count(&enrollments).Error)
	require.EqualValues(t, 1, enrollments)
}

func TestCreateSubscriberRejectsBadInput(t *testing.T) {
	db := newTestDB(t)
	app := newSignupApp(t, db)

	for _, body := range []string{
		`{"email":"not-an-address"}`,
		`{"email":"ok@example.com","continent":"Atlantis"}`,
		`{}`,
	} {
		req := httptest.NewRequest("POST", "/api/v1/subscribers", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		require.NoError(t, err)
		require.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode, "body %s", body)
	}

	var count int64
	require.NoError(t, db.Model(&models.Subscriber{}).Count(&count).Error)
	require.Zero(t, count)
}
