package controller

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRunOnce(t *testing.T) {
	ex := &fakeExchange{available: decimal.NewFromInt(100)}
	ctrl, _, _, _ := newTestController(ex, pinnedWeights{})
	s := NewScheduler(ctrl, time.Hour, 0)

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 1, ex.listCount())
}

func TestSchedulerTicksUntilStopped(t *testing.T) {
	ex := &fakeExchange{available: decimal.NewFromInt(100)}
	ctrl, _, _, _ := newTestController(ex, pinnedWeights{})
	s := NewScheduler(ctrl, 10*time.Millisecond, 0)

	s.Start(context.Background())
	assert.Eventually(t, func() bool {
		return ex.listCount() >= 3
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	after := ex.listCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, ex.listCount(), "no cycles after stop")
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	ex := &fakeExchange{available: decimal.NewFromInt(100)}
	ctrl, _, _, _ := newTestController(ex, pinnedWeights{})
	s := NewScheduler(ctrl, 10*time.Millisecond, 0)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	assert.Eventually(t, func() bool { return ex.listCount() >= 1 }, time.Second, 5*time.Millisecond)

	cancel()
	time.Sleep(30 * time.Millisecond)
	after := ex.listCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, ex.listCount())
}
