package models

import "gorm.io/gorm"

// TrackingEvent kinds
const (
	TrackingKindOpen  = "open"
	TrackingKindClick = "click"
)

// TrackingEvent records a single open or click, attributed to either a
// campaign or an automation send.
type TrackingEvent struct {
	gorm.Model
	Kind         string `gorm:"not null;index" json:"kind"` // open, click
	CampaignID   *uint  `gorm:"index" json:"campaign_id,omitempty"`
	AutomationID *uint  `gorm:"index" json:"automation_id,omitempty"`
	SubscriberID uint   `gorm:"not null;index" json:"subscriber_id"`

	URL string `gorm:"type:text" json:"url,omitempty"` // click destination

	// Device info
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}
