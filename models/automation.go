package models

import (
	"time"

	"gorm.io/gorm"
)

// Automation statuses
const (
	AutomationStatusDraft  = "draft"
	AutomationStatusActive = "active"
	AutomationStatusPaused = "paused"
)

// Automation trigger types
const (
	TriggerTypeSignup = "signup"
	TriggerTypeFilter = "filter"
)

// AutomationStep types
const (
	StepTypeEmail = "email"
	StepTypeDelay = "delay"
)

// AutomationEnrollment statuses
const (
	EnrollmentStatusActive    = "active"
	EnrollmentStatusCompleted = "completed"
	EnrollmentStatusSkipped   = "skipped"
)

// TriggerConfig describes what enrolls subscribers into an automation.
// Signup-triggered automations enroll on the signup event; filter
// triggers are matched by the periodic sweep.
type TriggerConfig struct {
	Filter    AudienceFilter `json:"filter"`
	NotBefore *time.Time     `json:"not_before,omitempty"`
}

// Automation represents a per-subscriber multi-step drip sequence.
type Automation struct {
	gorm.Model
	Name        string        `gorm:"not null" json:"name"`
	Status      string        `gorm:"default:'draft';index" json:"status"`        // draft, active, paused
	TriggerType string        `gorm:"default:'signup'" json:"trigger_type"`       // signup, filter
	Trigger     TriggerConfig `gorm:"type:jsonb;serializer:json" json:"trigger"`

	// Relations
	Steps       []AutomationStep       `gorm:"foreignKey:AutomationID" json:"steps,omitempty"`
	Enrollments []AutomationEnrollment `gorm:"foreignKey:AutomationID" json:"enrollments,omitempty"`
}

// AutomationStep is one ordered step of an automation: an email to send
// or a delay to wait out.
type AutomationStep struct {
	gorm.Model
	AutomationID uint `gorm:"not null;index" json:"automation_id"`

	StepNumber int    `gorm:"not null" json:"step_number"`
	Type       string `gorm:"not null" json:"type"` // email, delay

	// Email step fields
	TemplateID   *uint  `json:"template_id,omitempty"`
	BodyOverride string `gorm:"type:text" json:"body_override,omitempty"`
	Subject      string `json:"subject,omitempty"`

	// Delay step fields
	DelayMinutes int `gorm:"default:0" json:"delay_minutes,omitempty"`
}

// AutomationEnrollment tracks one subscriber's progress through one
// automation; at most one row per (automation, subscriber) pair. The
// step index only advances after the current step has been durably
// executed or durably skipped.
type AutomationEnrollment struct {
	gorm.Model
	AutomationID uint `gorm:"not null;uniqueIndex:idx_enrollments_pair" json:"automation_id"`
	SubscriberID uint `gorm:"not null;uniqueIndex:idx_enrollments_pair" json:"subscriber_id"`

	Status      string    `gorm:"default:'active';index" json:"status"` // active, completed, skipped
	CurrentStep int       `gorm:"default:0" json:"current_step"`
	NextRunAt   time.Time `gorm:"index" json:"next_run_at"`
	LastError   string    `gorm:"type:text" json:"last_error,omitempty"`
}

// AutomationLog records each attempted automation email send.
type AutomationLog struct {
	gorm.Model
	AutomationID uint   `gorm:"not null;index" json:"automation_id"`
	SubscriberID uint   `gorm:"not null;index" json:"subscriber_id"`
	StepNumber   int    `json:"step_number"`
	Recipient    string `json:"recipient"`

	Status string     `gorm:"not null;index" json:"status"` // sent, failed
	Error  string     `gorm:"type:text" json:"error,omitempty"`
	SentAt *time.Time `gorm:"index" json:"sent_at,omitempty"`
}
