package queue

import (
	"log"

	"mailflow/models"
)

// Result reports what a handler did with a claimed job.
type Result int

const (
	// ResultSent means the send succeeded; the queue marks the job sent.
	ResultSent Result = iota
	// ResultSkipped means the handler already moved the job to a
	// terminal skipped state; the queue leaves it alone.
	ResultSkipped
	// ResultRequeued means the handler already pushed the job back to
	// queued (throttle deferral); the queue leaves it alone.
	ResultRequeued
)

// Handler processes one claimed job. Returning an error routes the job
// through the retry/backoff path.
type Handler func(job *models.DeliveryJob) (Result, error)

// Queue claims batches of due jobs and reconciles handler outcomes back
// into the store.
type Queue struct {
	store  *Store
	owner  string
	logger *log.Logger
}

func New(store *Store, owner string, logger *log.Logger) *Queue {
	return &Queue{store: store, owner: owner, logger: logger}
}

// Store exposes the underlying job store for handlers that need to
// defer or terminate jobs themselves.
func (q *Queue) Store() *Store {
	return q.store
}

// ProcessOnce claims up to batchSize due jobs and runs the handler over
// them in eligible-run-time order. It returns the number of jobs
// handled (including skips and requeues).
func (q *Queue) ProcessOnce(handler Handler, batchSize int) (int, error) {
	jobs, err := q.store.Claim(q.owner, batchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	for i := range jobs {
		job := &jobs[i]

		result, handleErr := handler(job)
		if handleErr != nil {
			if err := q.store.Fail(job, handleErr); err != nil {
				q.logger.Printf("Error recording failure for job %d: %v", job.ID, err)
			}
			processed++
			continue
		}

		switch result {
		case ResultSent:
			if err := q.store.MarkSent(job); err != nil {
				q.logger.Printf("Error marking job %d sent: %v", job.ID, err)
			}
		case ResultSkipped, ResultRequeued:
			// Handler already wrote the job's state.
		}
		processed++
	}
	return processed, nil
}
