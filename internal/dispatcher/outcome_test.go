package dispatcher

import (
	"context"
	"testing"
	"time"

	"campaign-dialer/internal/audit"
	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/events"
	"campaign-dialer/internal/queue"
	"campaign-dialer/internal/telephony"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleStatus_NoAnswerSchedulesRetry(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	c := placeOne(t, f, "a")

	err := f.d.HandleStatus(ctx, telephony.StatusEvent{ProviderCallID: c.ProviderCallID, Status: calls.StatusRinging})
	require.NoError(t, err)
	got, err := f.calls.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, calls.StatusRinging, got.Status)

	ended := telephony.StatusEvent{ProviderCallID: c.ProviderCallID, Status: calls.StatusNoAnswer, DurationSeconds: 0}
	require.NoError(t, f.d.HandleStatus(ctx, ended))

	prior, err := f.queue.Get(ctx, c.QueueEntryID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, prior.Status)

	next, ok, err := f.queue.LatestForLead(ctx, "camp-1", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, prior.ID, next.ID)
	assert.Equal(t, queue.StatusPending, next.Status)
	assert.Equal(t, 1, next.Attempts)
	assert.Equal(t, 9, next.Priority)
	assert.Equal(t, t0.Add(30*time.Minute), next.ScheduledAt)

	assert.Len(t, f.pub.OfType(events.TypeCallOutcome), 1)
	assert.Len(t, f.pub.OfType(events.TypeRetryScheduled), 1)

	// A duplicate end callback changes nothing.
	require.NoError(t, f.d.HandleStatus(ctx, ended))
	assert.Len(t, f.qstore.All(), 2)
	assert.Len(t, f.pub.OfType(events.TypeCallOutcome), 1)
}

func TestHandleStatus_AnsweredCompletesEntry(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	c := placeOne(t, f, "a")

	err := f.d.HandleStatus(ctx, telephony.StatusEvent{
		ProviderCallID:  c.ProviderCallID,
		Status:          calls.StatusCompleted,
		Outcome:         calls.OutcomeAnswered,
		DurationSeconds: 95,
	})
	require.NoError(t, err)

	e, err := f.queue.Get(ctx, c.QueueEntryID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, e.Status)
	assert.Len(t, f.qstore.All(), 1)

	got, err := f.calls.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, calls.OutcomeAnswered, got.Outcome)
	assert.Equal(t, 95, got.DurationSeconds)
}

func TestHandleStatus_RejectsUnknownStatus(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	c := placeOne(t, f, "a")

	err := f.d.HandleStatus(ctx, telephony.StatusEvent{ProviderCallID: c.ProviderCallID, Status: "in-progress"})
	require.ErrorIs(t, err, telephony.ErrInvalidStatus)

	got, err := f.calls.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, calls.StatusInitiated, got.Status)
	e, err := f.queue.Get(ctx, c.QueueEntryID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCalling, e.Status)
	assert.Len(t, f.qstore.All(), 1)
}

func TestHandleStatus_RetryExhausted(t *testing.T) {
	cfg := defaultConfig()
	cfg.retry.MaxRetries = 0
	f := newFixture(t, cfg)
	c := placeOne(t, f, "a")

	require.NoError(t, f.d.HandleStatus(context.Background(), telephony.StatusEvent{ProviderCallID: c.ProviderCallID, Status: calls.StatusBusy}))
	assert.Len(t, f.qstore.All(), 1)
	assert.Len(t, f.pub.OfType(events.TypeRetryExhausted), 1)
}

func TestHandleStatus_UnknownCall(t *testing.T) {
	f := newFixture(t, defaultConfig())
	err := f.d.HandleStatus(context.Background(), telephony.StatusEvent{ProviderCallID: "nope", Status: calls.StatusCompleted})
	require.ErrorIs(t, err, telephony.ErrUnknownCall)
}

func seedEnded(t *testing.T, f *fixture, outcome calls.Outcome, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		start := t0.Add(-10 * time.Minute)
		end := start.Add(time.Minute)
		require.NoError(t, f.calls.Insert(context.Background(), calls.Call{
			ID: uuid.NewString(), AccountID: acct, CampaignID: "camp-1", LeadID: "x",
			From: "+1666", To: "+1555", Status: calls.StatusCompleted, Outcome: outcome,
			StartedAt: start, EndedAt: &end, CreatedAt: start, UpdatedAt: end,
		}))
	}
}

func TestPacing_ComplianceViolationIsSurfacedAndBlocksForce(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	seedEnded(t, f, calls.OutcomeAnswered, 5)
	seedEnded(t, f, calls.OutcomeAbandoned, 5)
	f.enqueue(t, "a", t0)

	require.NoError(t, f.d.EvaluatePacing(ctx))

	m, ok, err := f.pacing.LastMetrics(ctx, acct)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, m.ComplianceViolation)
	assert.Less(t, m.TargetDialRate, m.CurrentDialRate)

	alerts, err := f.audit.Recent(ctx, acct, 10, audit.EventTypeComplianceAlert)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
	assert.Len(t, f.pub.OfType(events.TypeComplianceAlert), 1)

	_, err = f.d.ForceDispatch(ctx, "camp-1", "a")
	require.ErrorIs(t, err, ErrComplianceLimited)
	assert.Empty(t, f.placer.Placed())
}

func TestEvaluatePacing_CoversAccountWithoutPendingWork(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	seedEnded(t, f, calls.OutcomeAnswered, 5)
	seedEnded(t, f, calls.OutcomeAbandoned, 5)

	require.NoError(t, f.d.EvaluatePacing(ctx))

	m, ok, err := f.pacing.LastMetrics(ctx, acct)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, m.ComplianceViolation)
	assert.Equal(t, 10, m.SampleSize)
}
