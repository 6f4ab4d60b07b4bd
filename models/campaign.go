package models

import (
	"time"

	"gorm.io/gorm"
)

// Campaign statuses
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusScheduled = "scheduled"
	CampaignStatusSending   = "sending"
	CampaignStatusSent      = "sent"
	CampaignStatusFailed    = "failed"
)

// Campaign represents a one-time or scheduled bulk send to a filtered
// subscriber audience, with optional A/B variants.
type Campaign struct {
	gorm.Model
	Name string `gorm:"not null" json:"name"`

	// Content. Variant A is the default; variant B is optional. A raw
	// body override takes precedence over the template reference.
	Subject      string `json:"subject"`
	SubjectB     string `json:"subject_b"`
	TemplateID   *uint  `gorm:"index" json:"template_id,omitempty"`
	TemplateBID  *uint  `gorm:"index" json:"template_b_id,omitempty"`
	BodyOverride string `gorm:"type:text" json:"body_override,omitempty"`

	// Audience
	Filter AudienceFilter `gorm:"type:jsonb;serializer:json" json:"filter"`

	// Share of the audience (0-100) assigned variant A; the rest get B.
	ABSplitPercent int `gorm:"default:100" json:"ab_split_percent"`

	// Scheduling
	Status      string     `gorm:"default:'draft';index" json:"status"` // draft, scheduled, sending, sent, failed
	ScheduledAt *time.Time `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	// Relations
	Logs []DeliveryLog `gorm:"foreignKey:CampaignID" json:"logs,omitempty"`
	Jobs []DeliveryJob `gorm:"foreignKey:CampaignID" json:"jobs,omitempty"`
}

// VariantContent resolves the subject and template reference for one A/B
// variant. The raw body override applies to both variants.
func (c *Campaign) VariantContent(variant string) (subject string, templateID *uint) {
	if variant == VariantB {
		subject, templateID = c.SubjectB, c.TemplateBID
		if subject == "" {
			subject = c.Subject
		}
		if templateID == nil {
			templateID = c.TemplateID
		}
		return subject, templateID
	}
	return c.Subject, c.TemplateID
}
