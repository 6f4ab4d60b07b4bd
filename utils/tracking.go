package utils

import (
	"fmt"
	"net/url"

	"mailflow/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Tracking reference kinds used in /t/ URLs
const (
	TrackingRefCampaign   = "c"
	TrackingRefAutomation = "a"
)

// TrackingContext carries what the render pipeline needs to route a
// message's links and open pixel through the tracking endpoints.
type TrackingContext struct {
	Kind    string // "c" for campaigns, "a" for automations
	RefID   uint   // campaign or automation id
	Token   string // subscriber token
	BaseURL string
}

func CampaignTracking(baseURL string, campaignID uint, token string) *TrackingContext {
	return &TrackingContext{Kind: TrackingRefCampaign, RefID: campaignID, Token: token, BaseURL: baseURL}
}

func AutomationTracking(baseURL string, automationID uint, token string) *TrackingContext {
	return &TrackingContext{Kind: TrackingRefAutomation, RefID: automationID, Token: token, BaseURL: baseURL}
}

// ClickURL generates a tracked redirect URL for an outbound link
func (tc *TrackingContext) ClickURL(destination string) string {
	return fmt.Sprintf("%s/t/%s/%d/%s?u=%s",
		tc.BaseURL, tc.Kind, tc.RefID, tc.Token, url.QueryEscape(destination))
}

// OpenPixelURL generates the 1x1 open-tracking image URL
func (tc *TrackingContext) OpenPixelURL() string {
	return fmt.Sprintf("%s/t/%s/%d/%s/open.gif", tc.BaseURL, tc.Kind, tc.RefID, tc.Token)
}

// UnsubscribeURL generates the direct (never click-tracked) opt-out URL
func UnsubscribeURL(baseURL, token string) string {
	return fmt.Sprintf("%s/unsubscribe/%s", baseURL, token)
}

// EnsureUnsubscribeToken lazily mints the subscriber's opaque token the
// first time something needs it.
func EnsureUnsubscribeToken(db *gorm.DB, sub *models.Subscriber) (string, error) {
	if sub.UnsubscribeToken != "" {
		return sub.UnsubscribeToken, nil
	}
	token := uuid.New().String()
	if err := db.Model(sub).Update("unsubscribe_token", token).Error; err != nil {
		return "", fmt.Errorf("mint unsubscribe token for subscriber %d: %w", sub.ID, err)
	}
	sub.UnsubscribeToken = token
	return token, nil
}
