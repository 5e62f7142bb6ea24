package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"chronow/pkg/broker/domain/model"
)

func TestTopics_EnsureTopicIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.topics.EnsureTopic(ctx, "orders", nil))
	require.NoError(t, e.topics.EnsureTopic(ctx, "orders", nil))

	row := &model.Topic{Topic: "orders", Tenant: e.cfg.Tenant}
	require.NoError(t, e.warm.Get(ctx, row))
	require.Equal(t, 1, row.Shards)

	stats, err := e.topics.GetStats(ctx, "orders", nil)
	require.NoError(t, err)
	require.EqualValues(t, 0, stats.Length)
}

func TestTopics_SubscriptionConfigPersistence(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.topics.EnsureSubscription(ctx, "orders", "fraud", testSubCfg(), nil))

	got, err := e.topics.GetSubscriptionConfig(ctx, "orders", "fraud", nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.EqualValues(t, 1000, got.VisibilityTimeoutMS)
	require.Equal(t, 3, got.MaxDeliveries)
	require.Equal(t, []int64{100, 200, 400}, got.RetryBackoffMS)
	require.True(t, got.DeadLetterEnabled)
	require.False(t, got.CreatedAt.IsZero())

	// re-ensure keeps the original creation time
	createdAt := got.CreatedAt
	require.NoError(t, e.topics.EnsureSubscription(ctx, "orders", "fraud", testSubCfg(), nil))
	again, err := e.topics.GetSubscriptionConfig(ctx, "orders", "fraud", nil)
	require.NoError(t, err)
	require.Equal(t, createdAt, again.CreatedAt)
}

func TestTopics_SubscriptionDefaultsFilled(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.topics.EnsureSubscription(ctx, "orders", "fraud", nil, nil))
	got, err := e.topics.GetSubscriptionConfig(ctx, "orders", "fraud", nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.EqualValues(t, e.cfg.VisibilityTimeout.Milliseconds(), got.VisibilityTimeoutMS)
	require.Equal(t, 3, got.MaxDeliveries)
	require.NotEmpty(t, got.RetryBackoffMS)
	require.Positive(t, got.CountPerRead)
	require.Positive(t, got.BlockMS)
}

func TestTopics_DeleteSubscription(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.topics.EnsureSubscription(ctx, "orders", "fraud", testSubCfg(), nil))
	require.NoError(t, e.topics.DeleteSubscription(ctx, "orders", "fraud", nil))

	got, err := e.topics.GetSubscriptionConfig(ctx, "orders", "fraud", nil)
	require.NoError(t, err)
	require.Nil(t, got)

	_, err = e.consumer.Consume(ctx, "orders", "fraud", nil)
	require.ErrorIs(t, err, ErrSubscriptionNotFound)
}

// Purge resets: the log empties but the topic stays usable.
func TestTopics_PurgeResets(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.topics.EnsureTopic(ctx, "orders", nil))
	for i := 0; i < 3; i++ {
		_, err := e.producer.Publish(ctx, "orders", i, nil)
		require.NoError(t, err)
	}
	require.NoError(t, e.topics.PurgeTopic(ctx, "orders", nil))

	stats, err := e.topics.GetStats(ctx, "orders", nil)
	require.NoError(t, err)
	require.EqualValues(t, 0, stats.Length)

	_, err = e.producer.Publish(ctx, "orders", "again", nil)
	require.NoError(t, err)
	stats, err = e.topics.GetStats(ctx, "orders", nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Length)
}
