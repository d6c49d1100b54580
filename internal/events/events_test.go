package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventEncoding(t *testing.T) {
	e := New(TypeRetryScheduled, "acct-1", "camp-1", "lead-1", map[string]int{"attempt": 2})
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "dialer.retry_scheduled", e.RoutingKey())

	raw, err := e.Marshal()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "retry_scheduled", decoded["type"])
	assert.Equal(t, "lead-1", decoded["lead_id"])
}

func TestMemoryPublisher(t *testing.T) {
	p := NewMemoryPublisher()
	ctx := context.Background()
	require.NoError(t, p.Publish(ctx, New(TypeCallPlaced, "a", "", "", nil)))
	require.NoError(t, p.Publish(ctx, New(TypeCallOutcome, "a", "", "", nil)))

	assert.Len(t, p.Events(), 2)
	assert.Len(t, p.OfType(TypeCallOutcome), 1)
	assert.NoError(t, NopPublisher{}.Publish(ctx, Event{}))
}

func TestDialAMQPRequiresURL(t *testing.T) {
	_, err := DialAMQP("", "", nil)
	assert.Error(t, err)
}
