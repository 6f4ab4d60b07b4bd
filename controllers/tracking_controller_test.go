package controller

import (
	"fmt"
	"log"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"

	"mailflow/models"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Subscriber{},
		&models.TrackingEvent{},
		&models.Automation{},
		&models.AutomationEnrollment{},
	))
	return db
}

func newTrackingApp(t *testing.T, db *gorm.DB) *fiber.App {
	t.Helper()
	tc := NewTrackingController(db, log.New(os.Stdout, "TRACKING-TEST: ", log.LstdFlags))

	app := fiber.New()
	app.Get("/t/:kind/:id/:token/open.gif", tc.HandleOpen)
	app.Get("/t/:kind/:id/:token", tc.HandleClick)
	app.Get("/unsubscribe/:token", tc.HandleUnsubscribe)
	return app
}

func seedTokenSubscriber(t *testing.T, db *gorm.DB) models.Subscriber {
	t.Helper()
	sub := models.Subscriber{Email: "clicker@example.com", UnsubscribeToken: "tok-123"}
	require.NoError(t, db.Create(&sub).Error)
	return sub
}

func TestClickRecordsEventAndRedirects(t *testing.T) {
	db := newTestDB(t)
	app := newTrackingApp(t, db)
	sub := seedTokenSubscriber(t, db)

	dest := "https://shop.example.com/sale?x=1"
	req := httptest.NewRequest("GET", "/t/c/7/tok-123?u="+url.QueryEscape(dest), nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusFound, resp.StatusCode)
	require.Equal(t, dest, resp.Header.Get("Location"))

	var event models.TrackingEvent
	require.NoError(t, db.First(&event).Error)
	require.Equal(t, models.TrackingKindClick, event.Kind)
	require.EqualValues(t, 7, *event.CampaignID)
	require.Nil(t, event.AutomationID)
	require.Equal(t, sub.ID, event.SubscriberID)
	require.Equal(t, dest, event.URL)
}

func TestClickWithUnknownTokenStillRedirects(t *testing.T) {
	db := newTestDB(t)
	app := newTrackingApp(t, db)

	req := httptest.NewRequest("GET", "/t/c/7/bogus?u=https%3A%2F%2Fexample.com", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusFound, resp.StatusCode)

	var count int64
	require.NoError(t, db.Model(&models.TrackingEvent{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestClickWithoutDestinationIsRejected(t *testing.T) {
	db := newTestDB(t)
	app := newTrackingApp(t, db)
	seedTokenSubscriber(t, db)

	req := httptest.NewRequest("GET", "/t/c/7/tok-123", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestOpenServesPixelAndRecordsEvent(t *testing.T) {
	db := newTestDB(t)
	app := newTrackingApp(t, db)
	sub := seedTokenSubscriber(t, db)

	req := httptest.NewRequest("GET", "/t/a/3/tok-123/open.gif", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "image/gif", resp.Header.Get("Content-Type"))

	var event models.TrackingEvent
	require.NoError(t, db.First(&event).Error)
	require.Equal(t, models.TrackingKindOpen, event.Kind)
	require.EqualValues(t, 3, *event.AutomationID)
	require.Nil(t, event.CampaignID)
	require.Equal(t, sub.ID, event.SubscriberID)
}

func TestUnsubscribeFlipsFlagIdempotently(t *testing.T) {
	db := newTestDB(t)
	app := newTrackingApp(t, db)
	sub := seedTokenSubscriber(t, db)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/unsubscribe/tok-123", nil)
		resp, err := app.Test(req)
		require.NoError(t, err)
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
	}

	var reloaded models.Subscriber
	require.NoError(t, db.First(&reloaded, sub.ID).Error)
	require.True(t, reloaded.Unsubscribed)
	require.NotNil(t, reloaded.UnsubscribedAt)
}

func TestUnsubscribeUnknownTokenIs404(t *testing.T) {
	db := newTestDB(t)
	app := newTrackingApp(t, db)

	req := httptest.NewRequest("GET", "/unsubscribe/bogus", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}
