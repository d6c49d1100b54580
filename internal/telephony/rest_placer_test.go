package telephony

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRESTPlacer_PlaceCall(t *testing.T) {
	var got placeCallBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/calls", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"call_id":"CA999","status":"queued"}`))
	}))
	defer srv.Close()

	p, err := NewRESTPlacer(RESTConfig{BaseURL: srv.URL, APIKey: "secret", DefaultFrom: "+15550000000", StatusCallbackURL: "https://dialer/cb"})
	require.NoError(t, err)

	res, err := p.PlaceCall(context.Background(), PlaceCallRequest{
		AccountID: "acct-1", CampaignID: "camp-1", LeadID: "lead-1", QueueEntryID: "q1", To: "+15551112222",
	})
	require.NoError(t, err)
	assert.Equal(t, "CA999", res.ProviderCallID)
	assert.Equal(t, "+15550000000", res.From)
	assert.Equal(t, "+15551112222", got.To)
	assert.Equal(t, "https://dialer/cb", got.StatusCallback)
	assert.Equal(t, "q1", got.Metadata["queue_entry_id"])
}

func TestRESTPlacer_ClassifiesFailures(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusServiceUnavailable, ErrUnreachable},
		{http.StatusTooManyRequests, ErrUnreachable},
		{http.StatusUnprocessableEntity, ErrPlacementRejected},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"message":"nope"}`))
		}))
		p, err := NewRESTPlacer(RESTConfig{BaseURL: srv.URL, DefaultFrom: "+1", RequestsPerSecond: 100})
		require.NoError(t, err)

		_, err = p.PlaceCall(context.Background(), PlaceCallRequest{To: "+2"})
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
		assert.Equal(t, tc.want == ErrUnreachable, IsTransient(err))
		srv.Close()
	}
}

func TestRESTPlacer_UnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p, err := NewRESTPlacer(RESTConfig{BaseURL: url, DefaultFrom: "+1"})
	require.NoError(t, err)
	_, err = p.PlaceCall(context.Background(), PlaceCallRequest{To: "+2"})
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.True(t, IsTransient(err))
}

func TestRESTPlacer_Validation(t *testing.T) {
	_, err := NewRESTPlacer(RESTConfig{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	p, err := NewRESTPlacer(RESTConfig{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	_, err = p.PlaceCall(context.Background(), PlaceCallRequest{To: "+2"})
	assert.ErrorIs(t, err, ErrPlacementRejected)
	assert.False(t, IsTransient(err))
}
