package models

import (
	"time"

	"gorm.io/gorm"
)

// DeliveryJob statuses
const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSent       = "sent"
	JobStatusFailed     = "failed"
	JobStatusSkipped    = "skipped"
)

// DeliveryLog statuses
const (
	LogStatusQueued     = "queued"
	LogStatusProcessing = "processing"
	LogStatusSent       = "sent"
	LogStatusSentDryRun = "sent-dry-run"
	LogStatusSkipped    = "skipped"
	LogStatusFailed     = "failed"
)

// A/B variants
const (
	VariantA = "a"
	VariantB = "b"
)

// EmailJobPayload is the unit of work carried by a DeliveryJob. Exactly
// one of TemplateID or RawHTML is set; RawHTML wins when both are.
type EmailJobPayload struct {
	TemplateID *uint             `json:"template_id,omitempty"`
	RawHTML    string            `json:"raw_html,omitempty"`
	Subject    string            `json:"subject"`
	Variant    string            `json:"variant,omitempty"` // a or b
	Variables  map[string]string `json:"variables,omitempty"`
	DryRun     bool              `json:"dry_run,omitempty"`
}

// DeliveryJob is one queued unit of send work, retried independently.
// A job in 'processing' always carries a lock owner and lock time; a job
// never reaches 'sent' or 'failed' while still locked.
type DeliveryJob struct {
	gorm.Model
	CampaignID   *uint `gorm:"index" json:"campaign_id,omitempty"`
	AutomationID *uint `gorm:"index" json:"automation_id,omitempty"`
	SubscriberID *uint `gorm:"index" json:"subscriber_id,omitempty"`

	Recipient string          `gorm:"not null" json:"recipient"`
	Payload   EmailJobPayload `gorm:"type:jsonb;serializer:json" json:"payload"`

	Status      string     `gorm:"default:'queued';index" json:"status"` // queued, processing, sent, failed, skipped
	Attempts    int        `gorm:"default:0" json:"attempts"`
	MaxAttempts int        `gorm:"default:3" json:"max_attempts"`
	RunAt       time.Time  `gorm:"index" json:"run_at"` // eligible-run-time
	LockedBy    string     `gorm:"index" json:"locked_by,omitempty"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	LastError   string     `gorm:"type:text" json:"last_error,omitempty"`
}

// Terminal reports whether the job can no longer be claimed.
func (j *DeliveryJob) Terminal() bool {
	return j.Status == JobStatusSent || j.Status == JobStatusFailed || j.Status == JobStatusSkipped
}

// DeliveryLog is the per-(campaign, subscriber) deduplication and
// reporting record; at most one row exists per pair regardless of
// retries, enforced by a unique index.
type DeliveryLog struct {
	gorm.Model
	CampaignID   uint `gorm:"not null;uniqueIndex:idx_delivery_logs_pair" json:"campaign_id"`
	SubscriberID uint `gorm:"not null;uniqueIndex:idx_delivery_logs_pair" json:"subscriber_id"`

	Recipient  string     `gorm:"not null" json:"recipient"`
	Variant    string     `json:"variant"`
	Status     string     `gorm:"default:'queued';index" json:"status"` // queued, processing, sent, sent-dry-run, skipped, failed
	SkipReason string     `json:"skip_reason,omitempty"`
	Error      string     `gorm:"type:text" json:"error,omitempty"`
	SentAt     *time.Time `gorm:"index" json:"sent_at,omitempty"`
}
