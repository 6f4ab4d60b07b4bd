package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"mailflow/models"
	"mailflow/queue"
	"mailflow/utils"

	"github.com/badoux/checkmail"
	"gorm.io/gorm"
)

const (
	staleLockSweepInterval = 60 * time.Second

	// Consecutive transport failures before an address is flagged
	// invalid and suppressed from future sends.
	// TODO: classify SMTP errors so only hard bounces count here;
	// a flapping relay currently looks the same as a dead mailbox.
	invalidAddressThreshold = 3
)

// DeliveryStatus is a snapshot of one worker instance's state and
// lifetime counters.
type DeliveryStatus struct {
	Running   bool       `json:"running"`
	Owner     string     `json:"owner"`
	LastJobAt *time.Time `json:"last_job_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	Processed int64      `json:"processed"`
	Sent      int64      `json:"sent"`
	Skipped   int64      `json:"skipped"`
	Deferred  int64      `json:"deferred"`
	Failed    int64      `json:"failed"`
}

// DeliveryWorker drains the delivery queue: it polls for due jobs,
// renders and sends each one, and sweeps stale locks left behind by
// crashed workers. Multiple instances can run against the same
// database; the queue's claim semantics keep them from colliding.
type DeliveryWorker struct {
	DB       *gorm.DB
	Logger   *log.Logger
	Queue    *queue.Queue
	Mailer   utils.Mailer
	Renderer *utils.Renderer
	Throttle *utils.Throttle

	BaseURL      string
	PollInterval time.Duration
	BatchSize    int
	LockTTL      time.Duration
	DryRun       bool

	owner  string
	mu     sync.Mutex
	status DeliveryStatus
}

func NewDeliveryWorker(db *gorm.DB, q *queue.Queue, mailer utils.Mailer, owner string, logger *log.Logger) *DeliveryWorker {
	return &DeliveryWorker{
		DB:           db,
		Logger:       logger,
		Queue:        q,
		Mailer:       mailer,
		Renderer:     utils.NewRenderer(),
		Throttle:     &utils.Throttle{DB: db},
		PollInterval: 2 * time.Second,
		BatchSize:    10,
		LockTTL:      10 * time.Minute,
		owner:        owner,
	}
}

func (dw *DeliveryWorker) Start(ctx context.Context) {
	dw.setRunning(true)
	defer dw.setRunning(false)

	dw.Logger.Printf("Delivery worker %s started", dw.owner)

	poll := time.NewTicker(dw.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(staleLockSweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			dw.Logger.Println("Delivery worker shutting down...")
			return
		case <-poll.C:
			dw.processBatch()
		case <-sweep.C:
			dw.recoverStaleLocks()
		}
	}
}

// DrainOnce runs one recovery sweep and one claim/process cycle
// synchronously. Used by the admin API and by deployments that drive
// the worker from an external scheduler instead of Start.
func (dw *DeliveryWorker) DrainOnce() (int, error) {
	dw.recoverStaleLocks()
	return dw.Queue.ProcessOnce(dw.handleJob, dw.BatchSize)
}

// Status returns a copy of the worker's current state.
func (dw *DeliveryWorker) Status() DeliveryStatus {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	st := dw.status
	st.Owner = dw.owner
	return st
}

func (dw *DeliveryWorker) processBatch() {
	n, err := dw.Queue.ProcessOnce(dw.handleJob, dw.BatchSize)
	if err != nil {
		dw.Logger.Printf("Error processing delivery batch: %v", err)
		dw.recordError(err)
		return
	}
	if n > 0 {
		dw.Logger.Printf("Processed %d delivery jobs", n)
	}
}

func (dw *DeliveryWorker) recoverStaleLocks() {
	n, err := dw.Queue.Store().RecoverStaleLocks(dw.LockTTL)
	if err != nil {
		dw.Logger.Printf("Error recovering stale locks: %v", err)
		dw.recordError(err)
		return
	}
	if n > 0 {
		dw.Logger.Printf("Recovered %d jobs from stale locks", n)
		utils.LogEvent("stale_locks_recovered", map[string]interface{}{"count": n})
	}
}

// handleJob processes one claimed job end to end. Returning an error
// routes the job through the queue's retry/backoff path; every other
// outcome is written here.
func (dw *DeliveryWorker) handleJob(job *models.DeliveryJob) (queue.Result, error) {
	dw.touch()

	if job.SubscriberID == nil {
		dw.terminate(job, fmt.Errorf("job %d has no subscriber", job.ID))
		return queue.ResultSkipped, nil
	}

	var sub models.Subscriber
	if err := dw.DB.First(&sub, *job.SubscriberID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			dw.terminate(job, fmt.Errorf("subscriber %d no longer exists", *job.SubscriberID))
			return queue.ResultSkipped, nil
		}
		return queue.ResultSkipped, fmt.Errorf("load subscriber %d: %w", *job.SubscriberID, err)
	}

	// Suppression is rechecked at send time: a recipient may have
	// opted out between enqueue and delivery.
	if sub.Suppressed() {
		reason := "unsubscribed"
		if sub.AddressInvalid {
			reason = "address invalid"
		}
		if err := dw.Queue.Store().MarkSkipped(job, reason); err != nil {
			dw.Logger.Printf("Error skipping job %d: %v", job.ID, err)
		}
		dw.updateLog(job, map[string]interface{}{
			"status":      models.LogStatusSkipped,
			"skip_reason": reason,
		})
		dw.bump(func(s *DeliveryStatus) { s.Skipped++ })
		return queue.ResultSkipped, nil
	}

	// A malformed address can never succeed; flag it now instead of
	// burning three transport attempts.
	if err := checkmail.ValidateFormat(sub.Email); err != nil {
		if uerr := dw.DB.Model(&sub).Update("address_invalid", true).Error; uerr != nil {
			dw.Logger.Printf("Error flagging subscriber %d invalid: %v", sub.ID, uerr)
		}
		if serr := dw.Queue.Store().MarkSkipped(job, "malformed address"); serr != nil {
			dw.Logger.Printf("Error skipping job %d: %v", job.ID, serr)
		}
		dw.updateLog(job, map[string]interface{}{
			"status":      models.LogStatusSkipped,
			"skip_reason": "malformed address",
		})
		dw.bump(func(s *DeliveryStatus) { s.Skipped++ })
		return queue.ResultSkipped, nil
	}

	// Throttle deferrals refund the attempt the claim charged, so a
	// rate-limited job keeps its full retry budget.
	until, err := dw.Throttle.ThrottleUntil(time.Now())
	if err != nil {
		return queue.ResultSkipped, fmt.Errorf("evaluate throttle: %w", err)
	}
	if until != nil {
		if err := dw.Queue.Store().Defer(job, *until); err != nil {
			dw.Logger.Printf("Error deferring job %d: %v", job.ID, err)
		}
		dw.bump(func(s *DeliveryStatus) { s.Deferred++ })
		return queue.ResultRequeued, nil
	}

	rendered, err := dw.render(job, &sub)
	if err != nil {
		// Rendering is deterministic; retrying cannot fix it.
		dw.terminate(job, err)
		return queue.ResultSkipped, nil
	}

	if job.Payload.DryRun || dw.DryRun {
		dw.updateLog(job, map[string]interface{}{
			"status":  models.LogStatusSentDryRun,
			"sent_at": time.Now(),
			"error":   "",
		})
		dw.bump(func(s *DeliveryStatus) { s.Sent++ })
		return queue.ResultSent, nil
	}

	if err := dw.Mailer.Send(sub.Email, rendered.Subject, rendered.HTML); err != nil {
		dw.recordSendFailure(job, &sub, err)
		return queue.ResultSkipped, err
	}

	if sub.FailureCount > 0 {
		if err := dw.DB.Model(&sub).Update("failure_count", 0).Error; err != nil {
			dw.Logger.Printf("Error resetting failure count for subscriber %d: %v", sub.ID, err)
		}
	}

	dw.updateLog(job, map[string]interface{}{
		"status":  models.LogStatusSent,
		"sent_at": time.Now(),
		"error":   "",
	})
	dw.bump(func(s *DeliveryStatus) { s.Sent++ })
	return queue.ResultSent, nil
}

// render resolves the job's content and runs it through the pipeline
// with per-recipient unsubscribe and tracking URLs bound.
func (dw *DeliveryWorker) render(job *models.DeliveryJob, sub *models.Subscriber) (*utils.RenderResult, error) {
	html := job.Payload.RawHTML
	if html == "" && job.Payload.TemplateID != nil {
		var tmpl models.Template
		if err := dw.DB.First(&tmpl, *job.Payload.TemplateID).Error; err != nil {
			return nil, fmt.Errorf("load template %d: %w", *job.Payload.TemplateID, err)
		}
		html = tmpl.HTMLContent
	}
	if html == "" {
		return nil, fmt.Errorf("job %d has no body content", job.ID)
	}

	token, err := utils.EnsureUnsubscribeToken(dw.DB, sub)
	if err != nil {
		return nil, err
	}

	var tracking *utils.TrackingContext
	switch {
	case job.CampaignID != nil:
		tracking = utils.CampaignTracking(dw.BaseURL, *job.CampaignID, token)
	case job.AutomationID != nil:
		tracking = utils.AutomationTracking(dw.BaseURL, *job.AutomationID, token)
	}

	vars := make(map[string]string, len(job.Payload.Variables)+1)
	for k, v := range job.Payload.Variables {
		vars[k] = v
	}
	vars[utils.VarUnsubscribeURL] = utils.UnsubscribeURL(dw.BaseURL, token)

	rendered, err := dw.Renderer.Render(html, job.Payload.Subject, vars, utils.RenderOptions{
		InjectUnsubscribe: true,
		InjectOpenPixel:   true,
		Tracking:          tracking,
	})
	if err != nil {
		return nil, fmt.Errorf("render job %d: %w", job.ID, err)
	}
	return rendered, nil
}

// recordSendFailure bumps the subscriber's failure counter and records
// the error on the delivery log; at the threshold the address is
// flagged invalid so future jobs skip it. The claim already charged
// this attempt, so an exhausted budget means the queue is about to
// terminally fail the job and the log row must read failed too.
func (dw *DeliveryWorker) recordSendFailure(job *models.DeliveryJob, sub *models.Subscriber, cause error) {
	sub.FailureCount++
	updates := map[string]interface{}{"failure_count": sub.FailureCount}
	if sub.FailureCount >= invalidAddressThreshold {
		updates["address_invalid"] = true
	}
	if err := dw.DB.Model(sub).Updates(updates).Error; err != nil {
		dw.Logger.Printf("Error recording failure for subscriber %d: %v", sub.ID, err)
	}

	logUpdates := map[string]interface{}{"error": cause.Error()}
	if job.Attempts >= job.MaxAttempts {
		logUpdates["status"] = models.LogStatusFailed
		dw.bump(func(s *DeliveryStatus) { s.Failed++ })
	}
	dw.updateLog(job, logUpdates)
	dw.recordError(cause)
	utils.LogError("delivery_send_failed", cause, map[string]interface{}{
		"job_id":    job.ID,
		"recipient": job.Recipient,
		"attempts":  job.Attempts,
	})
}

// terminate fails a job permanently and reflects that on its log row.
func (dw *DeliveryWorker) terminate(job *models.DeliveryJob, cause error) {
	if err := dw.Queue.Store().MarkFailedPermanent(job, cause); err != nil {
		dw.Logger.Printf("Error failing job %d: %v", job.ID, err)
	}
	dw.updateLog(job, map[string]interface{}{
		"status": models.LogStatusFailed,
		"error":  cause.Error(),
	})
	dw.bump(func(s *DeliveryStatus) { s.Failed++ })
	dw.recordError(cause)
}

// updateLog writes through to the job's campaign delivery-log row.
// Automation sends keep their own logs, so jobs without a campaign are
// left alone.
func (dw *DeliveryWorker) updateLog(job *models.DeliveryJob, updates map[string]interface{}) {
	if job.CampaignID == nil || job.SubscriberID == nil {
		return
	}
	err := dw.DB.Model(&models.DeliveryLog{}).
		Where("campaign_id = ? AND subscriber_id = ?", *job.CampaignID, *job.SubscriberID).
		Updates(updates).Error
	if err != nil {
		dw.Logger.Printf("Error updating delivery log for job %d: %v", job.ID, err)
	}
}

func (dw *DeliveryWorker) setRunning(v bool) {
	dw.mu.Lock()
	dw.status.Running = v
	dw.mu.Unlock()
}

func (dw *DeliveryWorker) touch() {
	now := time.Now()
	dw.mu.Lock()
	dw.status.Processed++
	dw.status.LastJobAt = &now
	dw.mu.Unlock()
}

func (dw *DeliveryWorker) bump(f func(*DeliveryStatus)) {
	dw.mu.Lock()
	f(&dw.status)
	dw.mu.Unlock()
}

func (dw *DeliveryWorker) recordError(err error) {
	dw.mu.Lock()
	dw.status.LastError = err.Error()
	dw.mu.Unlock()
}
