package models

import "gorm.io/gorm"

// Template represents a reusable email body with a default subject.
type Template struct {
	gorm.Model
	Name        string `gorm:"not null" json:"name"`
	Subject     string `json:"subject"` // default subject, overridable per campaign/step
	HTMLContent string `gorm:"type:text" json:"html_content"`
}
