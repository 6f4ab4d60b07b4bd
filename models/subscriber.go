package models

import (
	"time"

	"gorm.io/gorm"
)

// Subscriber represents a single mailing-list contact
type Subscriber struct {
	gorm.Model
	Email     string `gorm:"not null;uniqueIndex" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`

	// Audience dimensions
	Country   string   `json:"country"`
	Continent string   `json:"continent"`
	Source    string   `json:"source"` // signup form, import, api, etc.
	Interests []string `gorm:"type:jsonb;serializer:json" json:"interests"`

	// Status
	Confirmed      bool `gorm:"default:false" json:"confirmed"`
	Unsubscribed   bool `gorm:"default:false" json:"unsubscribed"`
	AddressInvalid bool `gorm:"default:false" json:"address_invalid"`

	// Delivery bookkeeping
	FailureCount     int        `gorm:"default:0" json:"failure_count"`
	UnsubscribeToken string     `gorm:"index" json:"-"`
	UnsubscribedAt   *time.Time `json:"unsubscribed_at,omitempty"`
}

// Suppressed reports whether the subscriber must never receive mail.
func (s *Subscriber) Suppressed() bool {
	return s.Unsubscribed || s.AddressInvalid
}

// FullName returns the display name used in template variables.
func (s *Subscriber) FullName() string {
	if s.FirstName == "" {
		return s.LastName
	}
	if s.LastName == "" {
		return s.FirstName
	}
	return s.FirstName + " " + s.LastName
}
