package licensing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate.app/cloud/licensing"
	"licensegate.app/cloud/models"
)

func TestExpireOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, "KEY-LIVE", 1, models.StrategyFloating, 30)
	f.seed(t, "KEY-DUE", 1, models.StrategyFloating, 1)
	f.seed(t, "KEY-FOREVER", 1, models.StrategyFloating, 0)

	n, err := f.svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(36 * time.Hour)
	n, err = f.svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	due, err := f.store.FindLicenseByKey(ctx, "KEY-DUE")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, due.Status)

	// Already expired licenses are not counted again.
	n, err = f.svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeper_RunsImmediatelyAndStops(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "KEY-DUE", 1, models.StrategyFloating, -1)

	swept := make(chan int64, 4)
	sweeper := licensing.NewSweeper(f.svc, time.Hour)
	sweeper.OnSweep(func(expired int64) { swept <- expired })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	select {
	case n := <-swept:
		assert.Equal(t, int64(1), n)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not run on start")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
