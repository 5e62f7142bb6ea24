package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetry_DelayWithinJitterBound(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	subCfg := testSubCfg()

	// attempt n uses backoff[min(n-1, len-1)], plus at most 20% jitter
	cases := []struct {
		attempt int
		base    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{7, 400 * time.Millisecond},
	}
	for _, c := range cases {
		delay, err := e.retries.Schedule(ctx, "orders", "fraud", "1-0",
			json.RawMessage(`{}`), nil, c.attempt, subCfg, 0, nil)
		require.NoError(t, err)
		require.GreaterOrEqual(t, delay, c.base, "attempt %d", c.attempt)
		require.LessOrEqual(t, delay, c.base+c.base/5, "attempt %d", c.attempt)
	}
}

func TestRetry_DelayOverride(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	delay, err := e.retries.Schedule(ctx, "orders", "fraud", "1-0",
		json.RawMessage(`{}`), nil, 1, testSubCfg(), 50*time.Millisecond, nil)
	require.NoError(t, err)
	require.GreaterOrEqual(t, delay, 50*time.Millisecond)
	require.LessOrEqual(t, delay, 60*time.Millisecond)
}

func TestRetry_DrainOrderAndRemoval(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	subCfg := testSubCfg()
	subCfg.RetryBackoffMS = []int64{0}

	// zero backoff makes everything immediately ready, in schedule order
	for _, id := range []string{"1-0", "2-0", "3-0"} {
		_, err := e.retries.Schedule(ctx, "orders", "fraud", id,
			json.RawMessage(`{"id":"`+id+`"}`), map[string]string{"k": id}, 1, subCfg, 0, nil)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	n, err := e.retries.PendingCount(ctx, "orders", "fraud", nil)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	ready, err := e.retries.DrainReady(ctx, "orders", "fraud", 10, nil)
	require.NoError(t, err)
	require.Len(t, ready, 3)
	require.Equal(t, "1-0", ready[0].OriginalID)
	require.Equal(t, 1, ready[0].Attempt)
	require.Equal(t, map[string]string{"k": "1-0"}, ready[0].Headers)

	// removal matches the exact stored member string
	for _, entry := range ready {
		require.NoError(t, e.retries.Remove(ctx, "orders", "fraud", entry, nil))
	}
	n, err = e.retries.PendingCount(ctx, "orders", "fraud", nil)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestRetry_NotReadyBeforeSchedule(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.retries.Schedule(ctx, "orders", "fraud", "1-0",
		json.RawMessage(`{}`), nil, 1, testSubCfg(), time.Minute, nil)
	require.NoError(t, err)

	ready, err := e.retries.DrainReady(ctx, "orders", "fraud", 10, nil)
	require.NoError(t, err)
	require.Empty(t, ready)
}

func TestRetry_SubscriptionIsolation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.retries.Schedule(ctx, "orders", "fraud", "1-0",
		json.RawMessage(`{}`), nil, 1, testSubCfg(), 0, nil)
	require.NoError(t, err)

	n, err := e.retries.PendingCount(ctx, "orders", "billing", nil)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}
