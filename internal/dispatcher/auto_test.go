package dispatcher

import (
	"context"
	"testing"
	"time"

	"campaign-dialer/internal/supervisor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAutoIsIdempotent(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.enqueueN(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := supervisor.New(ctx, nil)
	defer sup.StopAll()

	li := LoopIntervals{Dispatch: time.Hour, Pacing: time.Hour, Learning: time.Hour}
	require.True(t, f.d.StartAuto(sup, li))
	assert.False(t, f.d.StartAuto(sup, li))
	assert.True(t, sup.Running(LoopDispatch))
	assert.True(t, sup.Running(LoopPacing))

	require.Eventually(t, func() bool {
		return len(f.placer.Placed()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.True(t, f.d.StopAuto(sup))
	assert.False(t, f.d.StopAuto(sup))
	assert.False(t, sup.Running(LoopDispatch))
	assert.True(t, sup.Running(LoopLearning))
}
