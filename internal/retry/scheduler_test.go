package retry

import (
	"context"
	"testing"
	"time"

	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/queue"
	"campaign-dialer/internal/reporting"
	"campaign-dialer/internal/settings"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	sched *Scheduler
	queue *queue.Service
	store *queue.MemoryStore
	calls *calls.MemoryRepository
	slots *MemorySlotStore
}

func newFixture(t *testing.T, st Settings) fixture {
	t.Helper()
	now := func() time.Time { return monNoon }
	qs := queue.NewMemoryStore()
	q := queue.NewService(qs).WithClock(now)
	callRepo := calls.NewMemoryRepository()
	slots := NewMemorySlotStore()
	cache := settings.NewCache(SettingsKind, settings.NewMemoryStore(), DefaultSettings, time.Minute)
	_, err := cache.Update(context.Background(), "acct", st)
	require.NoError(t, err)

	s := NewScheduler(cache, q, slots, reporting.NewService(callRepo), 0, nil).WithClock(now)
	return fixture{sched: s, queue: q, store: qs, calls: callRepo, slots: slots}
}

// failedEntry enqueues, claims and fails one entry, leaving attempts at n.
func failedEntry(t *testing.T, f fixture, lead string, attempts int) queue.Entry {
	t.Helper()
	ctx := context.Background()
	_, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{
		AccountID: "acct", CampaignID: "camp", LeadID: lead,
		PhoneNumber: "+15550001", Priority: 5, Attempts: attempts - 1,
	})
	require.NoError(t, err)
	claimed, err := f.queue.ClaimLead(ctx, "camp", lead)
	require.NoError(t, err)
	require.Equal(t, attempts, claimed.Attempts)
	failed, err := f.queue.RecordOutcome(ctx, claimed.ID, queue.OutcomeFailed, "no_answer")
	require.NoError(t, err)
	return failed
}

func TestScheduleRetry_InsertsNewPendingEntry(t *testing.T) {
	st := backoffOnly()
	f := newFixture(t, st)
	prior := failedEntry(t, f, "lead-1", 1)

	res, err := f.sched.ScheduleRetry(context.Background(), "camp", "lead-1", "no_answer")
	require.NoError(t, err)
	require.True(t, res.Scheduled)

	assert.NotEqual(t, prior.ID, res.Entry.ID)
	assert.Equal(t, queue.StatusPending, res.Entry.Status)
	assert.Equal(t, 1, res.Entry.Attempts)
	assert.Equal(t, 9, res.Entry.Priority)
	assert.Equal(t, monNoon.Add(30*time.Minute), res.Entry.ScheduledAt)

	old, err := f.queue.Get(context.Background(), prior.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, old.Status)
}

func TestScheduleRetry_GivesUpPastMaxRetries(t *testing.T) {
	st := backoffOnly()
	st.MaxRetries = 2
	f := newFixture(t, st)
	failedEntry(t, f, "lead-1", 3)

	res, err := f.sched.ScheduleRetry(context.Background(), "camp", "lead-1", "busy")
	require.NoError(t, err)
	assert.False(t, res.Scheduled)
	assert.Len(t, f.store.All(), 1)
}

func TestScheduleRetry_RespectsEntryMaxAttempts(t *testing.T) {
	f := newFixture(t, backoffOnly())
	ctx := context.Background()
	_, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{
		AccountID: "acct", CampaignID: "camp", LeadID: "lead-1",
		PhoneNumber: "+15550001", MaxAttempts: 1,
	})
	require.NoError(t, err)
	e, err := f.queue.ClaimLead(ctx, "camp", "lead-1")
	require.NoError(t, err)
	_, err = f.queue.RecordOutcome(ctx, e.ID, queue.OutcomeFailed, "")
	require.NoError(t, err)

	res, err := f.sched.ScheduleRetry(ctx, "camp", "lead-1", "no_answer")
	require.NoError(t, err)
	assert.False(t, res.Scheduled)
}

func TestScheduleRetry_RejectsActivePrior(t *testing.T) {
	f := newFixture(t, backoffOnly())
	ctx := context.Background()
	_, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{
		AccountID: "acct", CampaignID: "camp", LeadID: "lead-1", PhoneNumber: "+15550001",
	})
	require.NoError(t, err)

	_, err = f.sched.ScheduleRetry(ctx, "camp", "lead-1", "no_answer")
	require.ErrorIs(t, err, ErrPriorEntryActive)

	_, err = f.sched.ScheduleRetry(ctx, "camp", "lead-unknown", "no_answer")
	require.ErrorIs(t, err, queue.ErrNotFound)
}

func TestCancelRetry(t *testing.T) {
	f := newFixture(t, backoffOnly())
	failedEntry(t, f, "lead-1", 1)
	ctx := context.Background()
	_, err := f.sched.ScheduleRetry(ctx, "camp", "lead-1", "no_answer")
	require.NoError(t, err)

	n, err := f.sched.CancelRetry(ctx, "camp", "lead-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	latest, ok, err := f.queue.LatestForLead(ctx, "camp", "lead-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, queue.StatusFailed, latest.Status)
}

func seedCall(t *testing.T, repo *calls.MemoryRepository, started time.Time, outcome calls.Outcome) {
	t.Helper()
	end := started.Add(time.Minute)
	err := repo.Insert(context.Background(), calls.Call{
		ID: uuid.NewString(), AccountID: "acct", CampaignID: "camp", LeadID: "l", To: "+1555", From: "+1666",
		Status: calls.StatusCompleted, Outcome: outcome, StartedAt: started, EndedAt: &end,
		CreatedAt: started, UpdatedAt: end,
	})
	require.NoError(t, err)
}

func TestLearnBestTimes_ReplacesTableAndDrivesRetry(t *testing.T) {
	f := newFixture(t, DefaultSettings())
	ctx := context.Background()

	// Last Tuesday 10:00: 4 of 5 answered. Last Monday 13:00: 1 of 5.
	tue := time.Date(2026, 2, 24, 10, 5, 0, 0, time.UTC)
	mon := time.Date(2026, 2, 23, 13, 5, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		o := calls.OutcomeNoAnswer
		if i < 4 {
			o = calls.OutcomeAnswered
		}
		seedCall(t, f.calls, tue, o)
		o = calls.OutcomeNoAnswer
		if i == 0 {
			o = calls.OutcomeAnswered
		}
		seedCall(t, f.calls, mon, o)
	}
	require.NoError(t, f.slots.Replace(ctx, "acct", []BestTimeSlot{{DayOfWeek: time.Sunday, Hour: 9, AnswerRate: 1}}))

	slots, err := f.sched.LearnBestTimes(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, slots, 2)

	stored, err := f.sched.BestTimes(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, time.Monday, stored[0].DayOfWeek)
	assert.InDelta(t, 0.2, stored[0].AnswerRate, 1e-9)
	assert.Equal(t, time.Tuesday, stored[1].DayOfWeek)
	assert.InDelta(t, 0.8, stored[1].AnswerRate, 1e-9)
	assert.Equal(t, 5, stored[1].CallCount)

	plan, err := f.sched.CalculateRetryTime(ctx, "acct", 1)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC), plan.NextRetryAt)
}

func TestPostgresSlotStore_ReplaceInOneTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := monNoon
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM best_time_slots").WithArgs("acct").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO best_time_slots").
		WithArgs("acct", 2, 10, 0.8, 5, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s := NewPostgresSlotStore(db)
	err = s.Replace(context.Background(), "acct", []BestTimeSlot{
		{DayOfWeek: time.Tuesday, Hour: 10, AnswerRate: 0.8, CallCount: 5, UpdatedAt: now},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSlotStore_RollsBackOnInsertError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM best_time_slots").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO best_time_slots").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err = NewPostgresSlotStore(db).Replace(context.Background(), "acct", []BestTimeSlot{{DayOfWeek: time.Monday, Hour: 9}})
	require.ErrorIs(t, err, assert.AnError)
	require.NoError(t, mock.ExpectationsWereMet())
}
