package utils

import (
	"fmt"
	"time"

	"mailflow/models"

	"gorm.io/gorm"
)

// Throttle enforces the global send-rate budget. Successful sends are
// counted from the delivery and automation logs over trailing windows;
// dry-run sends count like real sends so sandbox traffic cannot be used
// to burst past the ceiling.
type Throttle struct {
	DB        *gorm.DB
	PerMinute int // 0 = unlimited
	PerHour   int // 0 = unlimited
}

func NewThrottle(db *gorm.DB, perMinute, perHour int) *Throttle {
	return &Throttle{DB: db, PerMinute: perMinute, PerHour: perHour}
}

// ThrottleUntil returns the next eligible send time when a ceiling is
// met or exceeded, the larger deferral when both are, and nil when
// under budget.
func (t *Throttle) ThrottleUntil(now time.Time) (*time.Time, error) {
	if t.PerMinute <= 0 && t.PerHour <= 0 {
		return nil, nil
	}

	var until *time.Time
	if t.PerMinute > 0 {
		sent, err := t.countSince(now.Add(-time.Minute))
		if err != nil {
			return nil, err
		}
		if sent >= int64(t.PerMinute) {
			u := now.Add(time.Minute)
			until = &u
		}
	}
	if t.PerHour > 0 {
		sent, err := t.countSince(now.Add(-time.Hour))
		if err != nil {
			return nil, err
		}
		if sent >= int64(t.PerHour) {
			u := now.Add(time.Hour)
			if until == nil || u.After(*until) {
				until = &u
			}
		}
	}
	return until, nil
}

func (t *Throttle) countSince(since time.Time) (int64, error) {
	var campaignSends int64
	err := t.DB.Model(&models.DeliveryLog{}).
		Where("status IN ? AND sent_at >= ?",
			[]string{models.LogStatusSent, models.LogStatusSentDryRun}, since).
		Count(&campaignSends).Error
	if err != nil {
		return 0, fmt.Errorf("count campaign sends: %w", err)
	}

	var automationSends int64
	err = t.DB.Model(&models.AutomationLog{}).
		Where("status = ? AND sent_at >= ?", models.LogStatusSent, since).
		Count(&automationSends).Error
	if err != nil {
		return 0, fmt.Errorf("count automation sends: %w", err)
	}

	return campaignSends + automationSends, nil
}
