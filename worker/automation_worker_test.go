package worker

import (
	"errors"
	"log"
	"os"
	"testing"
	"time"

	"mailflow/models"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestAutomationWorker(t *testing.T, db *gorm.DB, mailer *fakeMailer) *AutomationWorker {
	t.Helper()
	w := NewAutomationWorker(db, mailer, log.New(os.Stdout, "AUTOMATION-TEST: ", log.LstdFlags))
	w.BaseURL = "https://mail.example.com"
	return w
}

func seedAutomation(t *testing.T, db *gorm.DB, automation models.Automation, steps ...models.AutomationStep) models.Automation {
	t.Helper()
	require.NoError(t, db.Create(&automation).Error)
	for i := range steps {
		steps[i].AutomationID = automation.ID
		require.NoError(t, db.Create(&steps[i]).Error)
	}
	return automation
}

func seedEnrollment(t *testing.T, db *gorm.DB, automationID, subscriberID uint) models.AutomationEnrollment {
	t.Helper()
	enrollment := models.AutomationEnrollment{
		AutomationID: automationID,
		SubscriberID: subscriberID,
		Status:       models.EnrollmentStatusActive,
		NextRunAt:    time.Now().Add(-time.Second),
	}
	require.NoError(t, db.Create(&enrollment).Error)
	return enrollment
}

func TestEnrollmentWalksDelayThenEmail(t *testing.T) {
	db := newTestDB(t)
	mailer := &fakeMailer{}
	w := newTestAutomationWorker(t, db, mailer)

	sub := models.Subscriber{Email: "drip@example.com", FirstName: "Dot"}
	require.NoError(t, db.Create(&sub).Error)

	automation := seedAutomation(t, db,
		models.Automation{Name: "Welcome", Status: models.AutomationStatusActive},
		models.AutomationStep{StepNumber: 0, Type: models.StepTypeDelay, DelayMinutes: 10},
		models.AutomationStep{StepNumber: 1, Type: models.StepTypeEmail,
			Subject: "Welcome, {{firstName}}", BodyOverride: "<p>Hi {{firstName}}</p>"},
	)
	enrollment := seedEnrollment(t, db, automation.ID, sub.ID)

	// Tick 1: delay step advances the index and pushes next_run_at out.
	require.Equal(t, 1, w.ProcessDueEnrollments())
	require.Zero(t, mailer.sentCount())

	var reloaded models.AutomationEnrollment
	require.NoError(t, db.First(&reloaded, enrollment.ID).Error)
	require.Equal(t, 1, reloaded.CurrentStep)
	require.Equal(t, models.EnrollmentStatusActive, reloaded.Status)
	wait := time.Until(reloaded.NextRunAt)
	require.Greater(t, wait, 9*time.Minute)
	require.LessOrEqual(t, wait, 10*time.Minute)

	// Not due yet: nothing advances.
	require.Zero(t, w.ProcessDueEnrollments())

	// Tick 2: the email step sends and advances.
	require.NoError(t, db.Model(&reloaded).Update("next_run_at", time.Now().Add(-time.Second)).Error)
	require.Equal(t, 1, w.ProcessDueEnrollments())
	require.Equal(t, 1, mailer.sentCount())
	require.Equal(t, "Welcome, Dot", mailer.sent[0].Subject)
	require.Contains(t, mailer.sent[0].HTML, "Hi Dot")
	require.Contains(t, mailer.sent[0].HTML, "/t/a/")

	var entry models.AutomationLog
	require.NoError(t, db.Where("automation_id = ?", automation.ID).First(&entry).Error)
	require.Equal(t, models.LogStatusSent, entry.Status)
	require.Equal(t, 1, entry.StepNumber)
	require.Equal(t, "drip@example.com", entry.Recipient)
	require.NotNil(t, entry.SentAt)

	// Tick 3: past the last step, the enrollment completes.
	require.Equal(t, 1, w.ProcessDueEnrollments())
	require.NoError(t, db.First(&reloaded, enrollment.ID).Error)
	require.Equal(t, models.EnrollmentStatusCompleted, reloaded.Status)
}

func TestSuppressedSubscriberEndsEnrollment(t *testing.T) {
	db := newTestDB(t)
	mailer := &fakeMailer{}
	w := newTestAutomationWorker(t, db, mailer)

	sub := models.Subscriber{Email: "out@example.com", Unsubscribed: true}
	require.NoError(t, db.Create(&sub).Error)

	automation := seedAutomation(t, db,
		models.Automation{Name: "Welcome", Status: models.AutomationStatusActive},
		models.AutomationStep{StepNumber: 0, Type: models.StepTypeEmail,
			Subject: "Hi", BodyOverride: "<p>Hi</p>"},
	)
	enrollment := seedEnrollment(t, db, automation.ID, sub.ID)

	w.ProcessDueEnrollments()
	require.Zero(t, mailer.sentCount())

	var reloaded models.AutomationEnrollment
	require.NoError(t, db.First(&reloaded, enrollment.ID).Error)
	require.Equal(t, models.EnrollmentStatusSkipped, reloaded.Status)
	require.Equal(t, "unsubscribed", reloaded.LastError)
}

func TestPausedAutomationHoldsEnrollments(t *testing.T) {
	db := newTestDB(t)
	mailer := &fakeMailer{}
	w := newTestAutomationWorker(t, db, mailer)

	sub := models.Subscriber{Email: "held@example.com"}
	require.NoError(t, db.Create(&sub).Error)

	automation := seedAutomation(t, db,
		models.Automation{Name: "Paused", Status: models.AutomationStatusPaused},
		models.AutomationStep{StepNumber: 0, Type: models.StepTypeEmail,
			Subject: "Hi", BodyOverride: "<p>Hi</p>"},
	)
	enrollment := seedEnrollment(t, db, automation.ID, sub.ID)

	w.ProcessDueEnrollments()
	require.Zero(t, mailer.sentCount())

	var reloaded models.AutomationEnrollment
	require.NoError(t, db.First(&reloaded, enrollment.ID).Error)
	require.Equal(t, models.EnrollmentStatusActive, reloaded.Status)
	require.Zero(t, reloaded.CurrentStep)
}

func TestFailedSendIsLoggedAndSequenceMovesOn(t *testing.T) {
	db := newTestDB(t)
	mailer := &fakeMailer{fail: errors.New("relay down")}
	w := newTestAutomationWorker(t, db, mailer)

	sub := models.Subscriber{Email: "drip@example.com"}
	require.NoError(t, db.Create(&sub).Error)

	automation := seedAutomation(t, db,
		models.Automation{Name: "Welcome", Status: models.AutomationStatusActive},
		models.AutomationStep{StepNumber: 0, Type: models.StepTypeEmail,
			Subject: "Hi", BodyOverride: "<p>Hi</p>"},
	)
	enrollment := seedEnrollment(t, db, automation.ID, sub.ID)

	w.ProcessDueEnrollments()

	var entry models.AutomationLog
	require.NoError(t, db.Where("automation_id = ?", automation.ID).First(&entry).Error)
	require.Equal(t, models.LogStatusFailed, entry.Status)
	require.Contains(t, entry.Error, "relay down")

	var reloaded models.AutomationEnrollment
	require.NoError(t, db.First(&reloaded, enrollment.ID).Error)
	require.Equal(t, 1, reloaded.CurrentStep)
	require.Equal(t, "relay down", reloaded.LastError)
}

func TestThrottledEmailStepHoldsWithoutAdvancing(t *testing.T) {
	db := newTestDB(t)
	mailer := &fakeMailer{}
	w := newTestAutomationWorker(t, db, mailer)
	w.Throttle.PerMinute = 1

	now := time.Now()
	require.NoError(t, db.Create(&models.AutomationLog{
		AutomationID: 999, SubscriberID: 999,
		Status: models.LogStatusSent, SentAt: &now,
	}).Error)

	sub := models.Subscriber{Email: "later@example.com"}
	require.NoError(t, db.Create(&sub).Error)

	automation := seedAutomation(t, db,
		models.Automation{Name: "Welcome", Status: models.AutomationStatusActive},
		models.AutomationStep{StepNumber: 0, Type: models.StepTypeEmail,
			Subject: "Hi", BodyOverride: "<p>Hi</p>"},
	)
	enrollment := seedEnrollment(t, db, automation.ID, sub.ID)

	w.ProcessDueEnrollments()
	require.Zero(t, mailer.sentCount())

	var reloaded models.AutomationEnrollment
	require.NoError(t, db.First(&reloaded, enrollment.ID).Error)
	require.Equal(t, models.EnrollmentStatusActive, reloaded.Status)
	require.Zero(t, reloaded.CurrentStep)
	require.True(t, reloaded.NextRunAt.After(time.Now().Add(30*time.Second)))
}

func TestEnrollOnSignupIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	w := newTestAutomationWorker(t, db, &fakeMailer{})

	sub := models.Subscriber{Email: "new@example.com"}
	require.NoError(t, db.Create(&sub).Error)

	seedAutomation(t, db, models.Automation{
		Name: "Welcome", Status: models.AutomationStatusActive,
		TriggerType: models.TriggerTypeSignup,
	})
	// Inactive and filter-triggered automations are not signed up into.
	seedAutomation(t, db, models.Automation{
		Name: "Draft", Status: models.AutomationStatusDraft,
		TriggerType: models.TriggerTypeSignup,
	})
	seedAutomation(t, db, models.Automation{
		Name: "Sweeper", Status: models.AutomationStatusActive,
		TriggerType: models.TriggerTypeFilter,
	})

	require.NoError(t, w.EnrollOnSignup(&sub))
	require.NoError(t, w.EnrollOnSignup(&sub))

	var count int64
	require.NoError(t, db.Model(&models.AutomationEnrollment{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestSweepFilterTriggersEnrollsMatches(t *testing.T) {
	db := newTestDB(t)
	w := newTestAutomationWorker(t, db, &fakeMailer{})

	match := models.Subscriber{Email: "go@example.com", Interests: []string{"golang"}}
	require.NoError(t, db.Create(&match).Error)
	other := models.Subscriber{Email: "cook@example.com", Interests: []string{"cooking"}}
	require.NoError(t, db.Create(&other).Error)

	automation := seedAutomation(t, db, models.Automation{
		Name: "Gopher drip", Status: models.AutomationStatusActive,
		TriggerType: models.TriggerTypeFilter,
		Trigger: models.TriggerConfig{
			Filter: models.AudienceFilter{Topics: []string{"golang"}},
		},
	})

	require.Equal(t, 1, w.SweepFilterTriggers())

	var enrollment models.AutomationEnrollment
	require.NoError(t, db.First(&enrollment).Error)
	require.Equal(t, automation.ID, enrollment.AutomationID)
	require.Equal(t, match.ID, enrollment.SubscriberID)

	// A second sweep is a no-op for already-enrolled subscribers.
	require.Zero(t, w.SweepFilterTriggers())
}

func TestEnrollHonorsNotBeforeGate(t *testing.T) {
	db := newTestDB(t)
	w := newTestAutomationWorker(t, db, &fakeMailer{})

	sub := models.Subscriber{Email: "early@example.com"}
	require.NoError(t, db.Create(&sub).Error)

	gate := time.Now().Add(2 * time.Hour)
	seedAutomation(t, db, models.Automation{
		Name: "Gated", Status: models.AutomationStatusActive,
		TriggerType: models.TriggerTypeSignup,
		Trigger:     models.TriggerConfig{NotBefore: &gate},
	})

	require.NoError(t, w.EnrollOnSignup(&sub))

	var enrollment models.AutomationEnrollment
	require.NoError(t, db.First(&enrollment).Error)
	require.WithinDuration(t, gate, enrollment.NextRunAt, time.Second)
}
