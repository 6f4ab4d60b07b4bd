package utils

import (
	"errors"
	"fmt"
	"log"
	"time"

	"mailflow/models"
	"mailflow/queue"

	"gorm.io/gorm"
)

// ErrNoUsableSubject is returned when neither A/B variant resolves to a
// non-empty subject; nothing is enqueued in that case.
var ErrNoUsableSubject = errors.New("campaign has no usable subject for any variant")

// ErrNoSandboxRecipients is returned when no allow-listed subscriber
// exists for a sandbox send.
var ErrNoSandboxRecipients = errors.New("no allow-listed sandbox recipients found")

// CampaignDispatcher turns campaigns into batches of delivery jobs plus
// their deduplication log rows, and reports aggregate progress.
type CampaignDispatcher struct {
	DB       *gorm.DB
	Logger   *log.Logger
	Store    *queue.Store
	Resolver *AudienceResolver

	MaxAttempts   int
	SandboxEmails []string // allow-list for test sends
	DryRun        bool     // global: log sends without touching the transport
}

func NewCampaignDispatcher(db *gorm.DB, store *queue.Store, logger *log.Logger) *CampaignDispatcher {
	return &CampaignDispatcher{
		DB:          db,
		Logger:      logger,
		Store:       store,
		Resolver:    NewAudienceResolver(db),
		MaxAttempts: 3,
	}
}

// EnqueueCampaign resolves the campaign's audience and creates one
// delivery job plus one delivery-log row per recipient not already
// logged for this campaign. Re-invocation is idempotent: recipients
// with an existing log row are silently skipped. Returns the number of
// jobs queued.
func (d *CampaignDispatcher) EnqueueCampaign(campaignID uint, runAt time.Time) (int, error) {
	return d.enqueue(campaignID, runAt, false)
}

// EnqueueSandbox works like EnqueueCampaign but targets only
// allow-listed subscriber addresses and marks every job dry-run, for
// safe test sends.
func (d *CampaignDispatcher) EnqueueSandbox(campaignID uint, runAt time.Time) (int, error) {
	return d.enqueue(campaignID, runAt, true)
}

func (d *CampaignDispatcher) enqueue(campaignID uint, runAt time.Time, sandbox bool) (int, error) {
	var campaign models.Campaign
	if err := d.DB.First(&campaign, campaignID).Error; err != nil {
		return 0, fmt.Errorf("load campaign %d: %w", campaignID, err)
	}

	if err := ValidateStruct(campaign.Filter); err != nil {
		return 0, fmt.Errorf("invalid audience filter: %w", err)
	}

	subjects, err := d.resolveSubjects(&campaign)
	if err != nil {
		return 0, err
	}

	var recipients []Recipient
	if sandbox {
		recipients, err = d.sandboxRecipients(campaign.ABSplitPercent)
	} else {
		recipients, err = d.Resolver.Resolve(campaign.Filter, true, campaign.ABSplitPercent)
	}
	if err != nil {
		return 0, err
	}

	queued := 0
	err = d.DB.Transaction(func(tx *gorm.DB) error {
		var existing []uint
		if err := tx.Model(&models.DeliveryLog{}).
			Where("campaign_id = ?", campaign.ID).
			Pluck("subscriber_id", &existing).Error; err != nil {
			return fmt.Errorf("load existing delivery logs: %w", err)
		}
		seen := make(map[uint]struct{}, len(existing))
		for _, id := range existing {
			seen[id] = struct{}{}
		}

		var logs []models.DeliveryLog
		var jobs []models.DeliveryJob
		for _, rcpt := range recipients {
			sub := rcpt.Subscriber
			if _, ok := seen[sub.ID]; ok {
				continue
			}

			content := subjects[rcpt.Variant]
			payload := models.EmailJobPayload{
				TemplateID: content.TemplateID,
				RawHTML:    campaign.BodyOverride,
				Subject:    content.Subject,
				Variant:    rcpt.Variant,
				Variables:  SubscriberVariables(&sub),
				DryRun:     sandbox || d.DryRun,
			}

			logs = append(logs, models.DeliveryLog{
				CampaignID:   campaign.ID,
				SubscriberID: sub.ID,
				Recipient:    sub.Email,
				Variant:      rcpt.Variant,
				Status:       models.LogStatusQueued,
			})
			jobs = append(jobs, models.DeliveryJob{
				CampaignID:   Pointer(campaign.ID),
				SubscriberID: Pointer(sub.ID),
				Recipient:    sub.Email,
				Payload:      payload,
				MaxAttempts:  d.MaxAttempts,
				RunAt:        runAt,
			})
		}

		if len(jobs) == 0 {
			return nil
		}

		if err := tx.CreateInBatches(logs, 200).Error; err != nil {
			return fmt.Errorf("create delivery logs: %w", err)
		}
		if err := queue.NewStore(tx).EnqueueBatch(jobs); err != nil {
			return err
		}

		if !sandbox && campaign.Status != models.CampaignStatusSending {
			if err := tx.Model(&campaign).Updates(map[string]interface{}{
				"status":     models.CampaignStatusSending,
				"started_at": time.Now(),
			}).Error; err != nil {
				return fmt.Errorf("mark campaign sending: %w", err)
			}
		}

		queued = len(jobs)
		return nil
	})
	if err != nil {
		return 0, err
	}

	LogEvent("campaign_enqueued", map[string]interface{}{
		"campaign_id": campaign.ID,
		"queued":      queued,
		"sandbox":     sandbox,
	})
	return queued, nil
}

// variantSubject is the resolved subject/template pair for one variant.
type variantSubject struct {
	Subject    string
	TemplateID *uint
}

// resolveSubjects resolves the subject for both variants, falling back
// to the template's default subject, and fails fast when neither
// variant ends up usable.
func (d *CampaignDispatcher) resolveSubjects(campaign *models.Campaign) (map[string]variantSubject, error) {
	out := make(map[string]variantSubject, 2)
	for _, variant := range []string{models.VariantA, models.VariantB} {
		subject, templateID := campaign.VariantContent(variant)
		if subject == "" && templateID != nil {
			var tmpl models.Template
			if err := d.DB.First(&tmpl, *templateID).Error; err == nil {
				subject = tmpl.Subject
			}
		}
		out[variant] = variantSubject{Subject: subject, TemplateID: templateID}
	}
	if out[models.VariantA].Subject == "" && out[models.VariantB].Subject == "" {
		return nil, ErrNoUsableSubject
	}
	return out, nil
}

// sandboxRecipients returns non-suppressed subscribers whose address is
// on the sandbox allow-list. The audience filter is deliberately
// ignored so a test send always has somewhere to go.
func (d *CampaignDispatcher) sandboxRecipients(splitPercent int) ([]Recipient, error) {
	if len(d.SandboxEmails) == 0 {
		return nil, ErrNoSandboxRecipients
	}

	var subs []models.Subscriber
	err := d.DB.
		Where("unsubscribed = ? AND address_invalid = ?", false, false).
		Where("LOWER(email) IN ?", d.SandboxEmails).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("load sandbox subscribers: %w", err)
	}
	if len(subs) == 0 {
		return nil, ErrNoSandboxRecipients
	}

	recipients := make([]Recipient, 0, len(subs))
	for i := range subs {
		recipients = append(recipients, Recipient{
			Subscriber: subs[i],
			Variant:    AssignVariant(subs[i].ID, splitPercent),
		})
	}
	return recipients, nil
}

// SubscriberVariables snapshots the per-recipient template variables at
// enqueue time.
func SubscriberVariables(sub *models.Subscriber) map[string]string {
	return map[string]string{
		"firstName": sub.FirstName,
		"lastName":  sub.LastName,
		"fullName":  sub.FullName(),
		"email":     sub.Email,
	}
}

// CampaignProgress aggregates job counts for one campaign.
type CampaignProgress struct {
	Queued     int64 `json:"queued"`
	Processing int64 `json:"processing"`
	Sent       int64 `json:"sent"`
	Failed     int64 `json:"failed"`
	Skipped    int64 `json:"skipped"`
	Total      int64 `json:"total"`
}

// GetCampaignProgress returns the campaign's job counts and lazily
// reconciles its externally-visible status: once no job is queued or
// processing the campaign becomes failed when any job failed, sent
// otherwise. Skips are not a failure signal.
func (d *CampaignDispatcher) GetCampaignProgress(campaignID uint) (*CampaignProgress, error) {
	var campaign models.Campaign
	if err := d.DB.First(&campaign, campaignID).Error; err != nil {
		return nil, fmt.Errorf("load campaign %d: %w", campaignID, err)
	}

	var counts []struct {
		Status string
		N      int64
	}
	err := d.DB.Model(&models.DeliveryJob{}).
		Select("status, COUNT(*) AS n").
		Where("campaign_id = ?", campaignID).
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("count campaign jobs: %w", err)
	}

	progress := &CampaignProgress{}
	for _, row := range counts {
		switch row.Status {
		case models.JobStatusQueued:
			progress.Queued = row.N
		case models.JobStatusProcessing:
			progress.Processing = row.N
		case models.JobStatusSent:
			progress.Sent = row.N
		case models.JobStatusFailed:
			progress.Failed = row.N
		case models.JobStatusSkipped:
			progress.Skipped = row.N
		}
		progress.Total += row.N
	}

	if campaign.Status == models.CampaignStatusSending &&
		progress.Total > 0 && progress.Queued+progress.Processing == 0 {
		newStatus := models.CampaignStatusSent
		if progress.Failed > 0 {
			newStatus = models.CampaignStatusFailed
		}
		err := d.DB.Model(&campaign).Updates(map[string]interface{}{
			"status":       newStatus,
			"completed_at": time.Now(),
		}).Error
		if err != nil {
			d.Logger.Printf("Failed to reconcile campaign %d status: %v", campaignID, err)
		}
	}

	return progress, nil
}
