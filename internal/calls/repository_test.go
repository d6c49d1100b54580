package calls

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)

func seed(t *testing.T, r *MemoryRepository, id string, status Status, startedAgo time.Duration) {
	t.Helper()
	require.NoError(t, r.Insert(context.Background(), Call{
		ID:             id,
		AccountID:      "acct-1",
		CampaignID:     "camp-1",
		LeadID:         "lead-" + id,
		ProviderCallID: "prov-" + id,
		Status:         status,
		StartedAt:      now.Add(-startedAgo),
	}))
}

func TestMemoryRepository_CountActiveUsesWindow(t *testing.T) {
	r := NewMemoryRepository()
	seed(t, r, "1", StatusInitiated, time.Minute)
	seed(t, r, "2", StatusInProgress, 3*time.Minute)
	seed(t, r, "3", StatusRinging, 40*time.Minute)
	seed(t, r, "4", StatusCompleted, time.Minute)

	n, err := r.CountActive(context.Background(), "acct-1", now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = r.CountActive(context.Background(), "acct-2", now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryRepository_UpdateStatusOnce(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	seed(t, r, "1", StatusRinging, time.Minute)

	c, err := r.UpdateStatus(ctx, "1", Update{Status: StatusInProgress}, now)
	require.NoError(t, err)
	assert.Nil(t, c.EndedAt)

	c, err = r.UpdateStatus(ctx, "1", Update{Status: StatusCompleted, Outcome: OutcomeAnswered, DurationSeconds: 42}, now)
	require.NoError(t, err)
	require.NotNil(t, c.EndedAt)
	assert.Equal(t, 42, c.DurationSeconds)

	_, err = r.UpdateStatus(ctx, "1", Update{Status: StatusFailed}, now)
	assert.ErrorIs(t, err, ErrAlreadyEnded)

	_, err = r.UpdateStatus(ctx, "missing", Update{Status: StatusFailed}, now)
	assert.ErrorIs(t, err, ErrNotFound)

	found, err := r.FindByProviderID(ctx, "prov-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAnswered, found.Outcome)
}

func TestMemoryRepository_MarkStaleAndCancel(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	seed(t, r, "old", StatusInProgress, 45*time.Minute)
	seed(t, r, "fresh", StatusInProgress, 2*time.Minute)

	stale, err := r.MarkStale(ctx, now.Add(-30*time.Minute), now)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)
	assert.Equal(t, OutcomeFailed, stale[0].Outcome)

	canceled, err := r.CancelActiveForLead(ctx, "camp-1", "lead-fresh", now)
	require.NoError(t, err)
	require.Len(t, canceled, 1)
	assert.Equal(t, StatusCanceled, canceled[0].Status)

	ended, err := r.ListEnded(ctx, "acct-1", now.Add(-time.Hour), now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, ended, 2)
	assert.Equal(t, "old", ended[0].ID)
}

func TestPostgresRepository_CountActive(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	since := now.Add(-5 * time.Minute)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).
		WithArgs("acct-1", sqlmock.AnyArg(), since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	n, err := NewPostgresRepository(db).CountActive(context.Background(), "acct-1", since)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_UpdateStatusAlreadyEnded(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cols := []string{"id", "account_id", "campaign_id", "lead_id", "queue_entry_id", "provider_call_id",
		"from_number", "to_number", "status", "outcome", "duration", "started_at", "ended_at", "created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE calls")).WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery(regexp.QuoteMeta("FROM calls WHERE id = $1")).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"c1", "acct-1", "camp-1", "lead-1", "", "prov-1", "+1", "+2", "completed", "answered", 30, now, now, now, now))

	_, err = NewPostgresRepository(db).UpdateStatus(context.Background(), "c1", Update{Status: StatusFailed}, now)
	assert.ErrorIs(t, err, ErrAlreadyEnded)
	require.NoError(t, mock.ExpectationsWereMet())
}
