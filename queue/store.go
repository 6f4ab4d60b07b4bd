package queue

import (
	"fmt"
	"math/rand"
	"time"

	"mailflow/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StaleLockError marks jobs recovered by the sweep so reporting can tell
// a crashed worker from a real send failure.
const StaleLockError = "requeued by stale-lock recovery"

// Store owns every DeliveryJob state transition. Claiming relies on
// row-level locks with SKIP LOCKED so concurrent workers never grab the
// same row; no in-process mutex is involved.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Enqueue inserts a single job with status queued and zero attempts.
func (s *Store) Enqueue(job *models.DeliveryJob) error {
	job.Status = models.JobStatusQueued
	job.Attempts = 0
	if job.RunAt.IsZero() {
		job.RunAt = time.Now()
	}
	if err := s.db.Create(job).Error; err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// EnqueueBatch inserts a batch of jobs in one statement.
func (s *Store) EnqueueBatch(jobs []models.DeliveryJob) error {
	if len(jobs) == 0 {
		return nil
	}
	now := time.Now()
	for i := range jobs {
		jobs[i].Status = models.JobStatusQueued
		jobs[i].Attempts = 0
		if jobs[i].RunAt.IsZero() {
			jobs[i].RunAt = now
		}
	}
	if err := s.db.CreateInBatches(jobs, 200).Error; err != nil {
		return fmt.Errorf("enqueue batch: %w", err)
	}
	return nil
}

// Claim atomically selects up to limit due, unlocked jobs with retry
// budget left, oldest-due first, and marks them processing under the
// given lock owner. On Postgres the select takes row locks with SKIP
// LOCKED so a concurrent claimer passes over rows we are claiming;
// SQLite (tests) has no row locks, its single-writer model is enough.
func (s *Store) Claim(owner string, limit int) ([]models.DeliveryJob, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("claim limit must be > 0")
	}

	var claimed []models.DeliveryJob
	err := s.db.Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("status = ? AND run_at <= ? AND attempts < max_attempts AND locked_at IS NULL",
				models.JobStatusQueued, time.Now()).
			Order("run_at ASC").
			Limit(limit)
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}

		now := time.Now()
		ids := make([]uint, len(claimed))
		for i := range claimed {
			ids[i] = claimed[i].ID
		}
		if err := tx.Model(&models.DeliveryJob{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"status":    models.JobStatusProcessing,
				"attempts":  gorm.Expr("attempts + 1"),
				"locked_by": owner,
				"locked_at": now,
			}).Error; err != nil {
			return err
		}

		for i := range claimed {
			claimed[i].Status = models.JobStatusProcessing
			claimed[i].Attempts++
			claimed[i].LockedBy = owner
			claimed[i].LockedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return claimed, nil
}

// MarkSent completes a job: terminal sent, lock and error cleared.
func (s *Store) MarkSent(job *models.DeliveryJob) error {
	return s.db.Model(job).Updates(map[string]interface{}{
		"status":     models.JobStatusSent,
		"locked_by":  "",
		"locked_at":  nil,
		"last_error": "",
	}).Error
}

// MarkSkipped terminates a job for a suppressed recipient. Not a
// failure: the recipient changed state after enqueue.
func (s *Store) MarkSkipped(job *models.DeliveryJob, reason string) error {
	return s.db.Model(job).Updates(map[string]interface{}{
		"status":     models.JobStatusSkipped,
		"locked_by":  "",
		"locked_at":  nil,
		"last_error": reason,
	}).Error
}

// Fail records a handler failure. With retry budget left the job is
// requeued with linear capped backoff; otherwise it is terminally
// failed. The lock is cleared either way.
func (s *Store) Fail(job *models.DeliveryJob, cause error) error {
	updates := map[string]interface{}{
		"locked_by":  "",
		"locked_at":  nil,
		"last_error": cause.Error(),
	}
	if job.Attempts >= job.MaxAttempts {
		updates["status"] = models.JobStatusFailed
	} else {
		updates["status"] = models.JobStatusQueued
		updates["run_at"] = time.Now().Add(Backoff(job.Attempts))
	}
	if err := s.db.Model(job).Updates(updates).Error; err != nil {
		return fmt.Errorf("fail job %d: %w", job.ID, err)
	}
	return nil
}

// Defer pushes a claimed job back to queued with a future run time and
// refunds the attempt the claim charged, so deferrals (throttling) never
// eat into the retry budget.
func (s *Store) Defer(job *models.DeliveryJob, runAt time.Time) error {
	if err := s.db.Model(job).Updates(map[string]interface{}{
		"status":    models.JobStatusQueued,
		"attempts":  gorm.Expr("attempts - 1"),
		"run_at":    runAt,
		"locked_by": "",
		"locked_at": nil,
	}).Error; err != nil {
		return fmt.Errorf("defer job %d: %w", job.ID, err)
	}
	job.Attempts--
	return nil
}

// MarkFailedPermanent terminally fails a job regardless of remaining
// attempts; used for render failures that retrying cannot fix.
func (s *Store) MarkFailedPermanent(job *models.DeliveryJob, cause error) error {
	return s.db.Model(job).Updates(map[string]interface{}{
		"status":     models.JobStatusFailed,
		"locked_by":  "",
		"locked_at":  nil,
		"last_error": cause.Error(),
	}).Error
}

// RecoverStaleLocks resets jobs stuck in processing with a lock older
// than ttl back to queued, spread over the next 1-11 seconds so a herd
// of recovered jobs doesn't land on one poll. A job whose dead worker
// burned its last attempt has nothing left to retry and is terminally
// failed instead; requeueing it would leave a row no claim can ever
// pick up. Returns how many jobs were recovered.
func (s *Store) RecoverStaleLocks(ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)

	var stale []models.DeliveryJob
	if err := s.db.
		Where("status = ? AND locked_at IS NOT NULL AND locked_at < ?", models.JobStatusProcessing, cutoff).
		Find(&stale).Error; err != nil {
		return 0, fmt.Errorf("find stale locks: %w", err)
	}

	recovered := 0
	for i := range stale {
		updates := map[string]interface{}{
			"locked_by":  "",
			"locked_at":  nil,
			"last_error": StaleLockError,
		}
		if stale[i].Attempts >= stale[i].MaxAttempts {
			updates["status"] = models.JobStatusFailed
		} else {
			updates["status"] = models.JobStatusQueued
			updates["run_at"] = time.Now().Add(time.Duration(1+rand.Intn(10)) * time.Second)
		}
		if err := s.db.Model(&stale[i]).Updates(updates).Error; err != nil {
			return recovered, fmt.Errorf("recover job %d: %w", stale[i].ID, err)
		}
		recovered++
	}
	return recovered, nil
}

// Backoff returns the retry delay after the given attempt count:
// linear 2s per attempt, capped at 60s.
func Backoff(attempts int) time.Duration {
	d := time.Duration(attempts) * 2 * time.Second
	if d > 60*time.Second {
		return 60 * time.Second
	}
	return d
}
