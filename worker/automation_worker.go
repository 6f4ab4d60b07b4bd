package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"mailflow/models"
	"mailflow/utils"

	"gorm.io/gorm"
)

const (
	enrollmentBatchSize = 100

	// Filter-triggered automations pick up newly matching subscribers
	// on this cadence.
	triggerSweepInterval = 5 * time.Minute
)

// AutomationWorker advances active enrollments through their
// automation's steps: it waits out delay steps, sends email steps, and
// periodically sweeps filter triggers for new subscribers to enroll.
// Email steps send inline rather than through the delivery queue; a
// failed step is logged and the sequence moves on.
type AutomationWorker struct {
	DB       *gorm.DB
	Logger   *log.Logger
	Mailer   utils.Mailer
	Renderer *utils.Renderer
	Throttle *utils.Throttle
	Resolver *utils.AudienceResolver

	BaseURL      string
	PollInterval time.Duration
	DryRun       bool
}

func NewAutomationWorker(db *gorm.DB, mailer utils.Mailer, logger *log.Logger) *AutomationWorker {
	return &AutomationWorker{
		DB:           db,
		Logger:       logger,
		Mailer:       mailer,
		Renderer:     utils.NewRenderer(),
		Throttle:     &utils.Throttle{DB: db},
		Resolver:     utils.NewAudienceResolver(db),
		PollInterval: 30 * time.Second,
	}
}

func (aw *AutomationWorker) Start(ctx context.Context) {
	aw.Logger.Println("Automation worker started")

	poll := time.NewTicker(aw.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(triggerSweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			aw.Logger.Println("Automation worker shutting down...")
			return
		case <-poll.C:
			aw.ProcessDueEnrollments()
		case <-sweep.C:
			aw.SweepFilterTriggers()
		}
	}
}

// ProcessDueEnrollments advances every active enrollment whose next run
// time has arrived. Returns the number of enrollments advanced.
func (aw *AutomationWorker) ProcessDueEnrollments() int {
	var enrollments []models.AutomationEnrollment
	err := aw.DB.
		Where("status = ? AND next_run_at <= ?", models.EnrollmentStatusActive, time.Now()).
		Order("next_run_at ASC").
		Limit(enrollmentBatchSize).
		Find(&enrollments).Error
	if err != nil {
		aw.Logger.Printf("Error fetching due enrollments: %v", err)
		return 0
	}

	advanced := 0
	for i := range enrollments {
		if err := aw.advanceEnrollment(&enrollments[i]); err != nil {
			aw.Logger.Printf("Error advancing enrollment %d: %v", enrollments[i].ID, err)
			aw.DB.Model(&enrollments[i]).Update("last_error", err.Error())
			continue
		}
		advanced++
	}
	return advanced
}

// advanceEnrollment executes the enrollment's current step. The step
// index only moves after the step has been durably executed or durably
// skipped, so a crash mid-step re-runs the step rather than losing it.
func (aw *AutomationWorker) advanceEnrollment(enrollment *models.AutomationEnrollment) error {
	var automation models.Automation
	if err := aw.DB.First(&automation, enrollment.AutomationID).Error; err != nil {
		return fmt.Errorf("load automation %d: %w", enrollment.AutomationID, err)
	}
	// Paused or drafted automations hold their enrollments in place.
	if automation.Status != models.AutomationStatusActive {
		return nil
	}

	var step models.AutomationStep
	err := aw.DB.
		Where("automation_id = ? AND step_number = ?", enrollment.AutomationID, enrollment.CurrentStep).
		First(&step).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Ran off the end of the sequence.
		return aw.DB.Model(enrollment).Updates(map[string]interface{}{
			"status":     models.EnrollmentStatusCompleted,
			"last_error": "",
		}).Error
	}
	if err != nil {
		return fmt.Errorf("load step %d: %w", enrollment.CurrentStep, err)
	}

	switch step.Type {
	case models.StepTypeDelay:
		return aw.DB.Model(enrollment).Updates(map[string]interface{}{
			"current_step": enrollment.CurrentStep + 1,
			"next_run_at":  time.Now().Add(time.Duration(step.DelayMinutes) * time.Minute),
			"last_error":   "",
		}).Error
	case models.StepTypeEmail:
		return aw.executeEmailStep(enrollment, &automation, &step)
	default:
		return fmt.Errorf("unknown step type %q", step.Type)
	}
}

func (aw *AutomationWorker) executeEmailStep(enrollment *models.AutomationEnrollment, automation *models.Automation, step *models.AutomationStep) error {
	var sub models.Subscriber
	if err := aw.DB.First(&sub, enrollment.SubscriberID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return aw.DB.Model(enrollment).Updates(map[string]interface{}{
				"status":     models.EnrollmentStatusSkipped,
				"last_error": "subscriber no longer exists",
			}).Error
		}
		return fmt.Errorf("load subscriber %d: %w", enrollment.SubscriberID, err)
	}

	// Suppression ends the whole enrollment, not just this step.
	if sub.Suppressed() {
		reason := "unsubscribed"
		if sub.AddressInvalid {
			reason = "address invalid"
		}
		return aw.DB.Model(enrollment).Updates(map[string]interface{}{
			"status":     models.EnrollmentStatusSkipped,
			"last_error": reason,
		}).Error
	}

	// Throttled: hold the current step and try again at the deadline.
	until, err := aw.Throttle.ThrottleUntil(time.Now())
	if err != nil {
		return fmt.Errorf("evaluate throttle: %w", err)
	}
	if until != nil {
		return aw.DB.Model(enrollment).Update("next_run_at", *until).Error
	}

	rendered, err := aw.renderStep(step, automation.ID, &sub)
	if err != nil {
		aw.logStep(enrollment, step, models.LogStatusFailed, err.Error())
		return aw.advanceStep(enrollment, err.Error())
	}

	if aw.DryRun {
		aw.Logger.Printf("Dry-run: automation %d step %d to %s", automation.ID, step.StepNumber, sub.Email)
		aw.logStep(enrollment, step, models.LogStatusSent, "")
		return aw.advanceStep(enrollment, "")
	}

	if err := aw.Mailer.Send(sub.Email, rendered.Subject, rendered.HTML); err != nil {
		utils.LogError("automation_send_failed", err, map[string]interface{}{
			"automation_id": automation.ID,
			"step":          step.StepNumber,
			"recipient":     sub.Email,
		})
		aw.logStep(enrollment, step, models.LogStatusFailed, err.Error())
		return aw.advanceStep(enrollment, err.Error())
	}

	aw.logStep(enrollment, step, models.LogStatusSent, "")
	return aw.advanceStep(enrollment, "")
}

func (aw *AutomationWorker) renderStep(step *models.AutomationStep, automationID uint, sub *models.Subscriber) (*utils.RenderResult, error) {
	html := step.BodyOverride
	subject := step.Subject
	if step.TemplateID != nil {
		var tmpl models.Template
		if err := aw.DB.First(&tmpl, *step.TemplateID).Error; err != nil {
			return nil, fmt.Errorf("load template %d: %w", *step.TemplateID, err)
		}
		if html == "" {
			html = tmpl.HTMLContent
		}
		if subject == "" {
			subject = tmpl.Subject
		}
	}
	if html == "" {
		return nil, fmt.Errorf("step %d has no body content", step.StepNumber)
	}
	if subject == "" {
		return nil, fmt.Errorf("step %d has no subject", step.StepNumber)
	}

	token, err := utils.EnsureUnsubscribeToken(aw.DB, sub)
	if err != nil {
		return nil, err
	}

	vars := utils.SubscriberVariables(sub)
	vars[utils.VarUnsubscribeURL] = utils.UnsubscribeURL(aw.BaseURL, token)

	rendered, err := aw.Renderer.Render(html, subject, vars, utils.RenderOptions{
		InjectUnsubscribe: true,
		InjectOpenPixel:   true,
		Tracking:          utils.AutomationTracking(aw.BaseURL, automationID, token),
	})
	if err != nil {
		return nil, fmt.Errorf("render step %d: %w", step.StepNumber, err)
	}
	return rendered, nil
}

func (aw *AutomationWorker) logStep(enrollment *models.AutomationEnrollment, step *models.AutomationStep, status, errMsg string) {
	now := time.Now()
	entry := models.AutomationLog{
		AutomationID: enrollment.AutomationID,
		SubscriberID: enrollment.SubscriberID,
		StepNumber:   step.StepNumber,
		Status:       status,
		Error:        errMsg,
	}
	if status == models.LogStatusSent {
		entry.SentAt = &now
	}
	var sub models.Subscriber
	if err := aw.DB.Select("email").First(&sub, enrollment.SubscriberID).Error; err == nil {
		entry.Recipient = sub.Email
	}
	if err := aw.DB.Create(&entry).Error; err != nil {
		aw.Logger.Printf("Error writing automation log: %v", err)
	}
}

func (aw *AutomationWorker) advanceStep(enrollment *models.AutomationEnrollment, lastError string) error {
	return aw.DB.Model(enrollment).Updates(map[string]interface{}{
		"current_step": enrollment.CurrentStep + 1,
		"next_run_at":  time.Now(),
		"last_error":   lastError,
	}).Error
}

// EnrollOnSignup enrolls a new subscriber into every active
// signup-triggered automation. Re-invocation is safe: an existing
// enrollment for the pair is left untouched.
func (aw *AutomationWorker) EnrollOnSignup(sub *models.Subscriber) error {
	var automations []models.Automation
	err := aw.DB.
		Where("status = ? AND trigger_type = ?", models.AutomationStatusActive, models.TriggerTypeSignup).
		Find(&automations).Error
	if err != nil {
		return fmt.Errorf("load signup automations: %w", err)
	}

	for i := range automations {
		if err := aw.enroll(&automations[i], sub.ID); err != nil {
			return err
		}
	}
	return nil
}

// SweepFilterTriggers enrolls subscribers newly matching a
// filter-triggered automation's audience. Returns how many enrollments
// were created.
func (aw *AutomationWorker) SweepFilterTriggers() int {
	var automations []models.Automation
	err := aw.DB.
		Where("status = ? AND trigger_type = ?", models.AutomationStatusActive, models.TriggerTypeFilter).
		Find(&automations).Error
	if err != nil {
		aw.Logger.Printf("Error fetching filter automations: %v", err)
		return 0
	}

	enrolled := 0
	for i := range automations {
		recipients, err := aw.Resolver.Resolve(automations[i].Trigger.Filter, false, 100)
		if err != nil {
			aw.Logger.Printf("Error resolving audience for automation %d: %v", automations[i].ID, err)
			continue
		}
		for _, rcpt := range recipients {
			if err := aw.enroll(&automations[i], rcpt.Subscriber.ID); err != nil {
				aw.Logger.Printf("Error enrolling subscriber %d: %v", rcpt.Subscriber.ID, err)
				continue
			}
			enrolled++
		}
	}
	if enrolled > 0 {
		aw.Logger.Printf("Enrolled %d subscribers from filter triggers", enrolled)
	}
	return enrolled
}

// enroll creates the (automation, subscriber) enrollment if it does not
// already exist, honoring the trigger's not-before gate.
func (aw *AutomationWorker) enroll(automation *models.Automation, subscriberID uint) error {
	var count int64
	err := aw.DB.Model(&models.AutomationEnrollment{}).
		Where("automation_id = ? AND subscriber_id = ?", automation.ID, subscriberID).
		Count(&count).Error
	if err != nil {
		return fmt.Errorf("check existing enrollment: %w", err)
	}
	if count > 0 {
		return nil
	}

	nextRunAt := time.Now()
	if nb := automation.Trigger.NotBefore; nb != nil && nb.After(nextRunAt) {
		nextRunAt = *nb
	}

	enrollment := models.AutomationEnrollment{
		AutomationID: automation.ID,
		SubscriberID: subscriberID,
		Status:       models.EnrollmentStatusActive,
		NextRunAt:    nextRunAt,
	}
	if err := aw.DB.Create(&enrollment).Error; err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}
