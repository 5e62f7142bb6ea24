package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Publish–ack: the happy path of the state machine.
func TestConsumer_PublishAck(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.topics.EnsureSubscription(ctx, "orders", "fraud", testSubCfg(), nil))

	msgID, err := e.producer.Publish(ctx, "orders", map[string]string{"id": "A"}, nil)
	require.NoError(t, err)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c, err := e.consumer.Consume(loopCtx, "orders", "fraud", &ConsumeOptions{ConsumerID: "c1"})
	require.NoError(t, err)

	msg := recvMessage(t, c, 3*time.Second)
	require.Equal(t, msgID, msg.ID)
	require.Equal(t, 0, msg.RedeliveryCount)
	require.JSONEq(t, `{"id":"A"}`, string(msg.Payload))
	require.NoError(t, msg.Ack(ctx))

	stats, err := e.topics.GetStats(ctx, "orders", nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Length)
	require.EqualValues(t, 1, stats.Groups)

	n, err := e.dlq.Length(ctx, "orders", nil)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	// a second consumer in the same group sees nothing
	loopCtx2, cancel2 := context.WithCancel(ctx)
	defer cancel2()
	c2, err := e.consumer.Consume(loopCtx2, "orders", "fraud", &ConsumeOptions{ConsumerID: "c2"})
	require.NoError(t, err)
	expectNoMessage(t, c2, 2*time.Second)

	require.EqualValues(t, 1, c.Stats().Delivered)
	require.EqualValues(t, 1, c.Stats().Acked)
}

// Retry then succeed: nack{requeue} re-injects the payload as a fresh
// entry carrying retryOf, after the first backoff delay.
func TestConsumer_RetryThenSucceed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.topics.EnsureSubscription(ctx, "orders", "fraud", testSubCfg(), nil))

	msgID, err := e.producer.Publish(ctx, "orders", map[string]string{"id": "B"}, nil)
	require.NoError(t, err)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c, err := e.consumer.Consume(loopCtx, "orders", "fraud", &ConsumeOptions{ConsumerID: "c1"})
	require.NoError(t, err)

	first := recvMessage(t, c, 3*time.Second)
	require.Equal(t, 0, first.RedeliveryCount)
	nackedAt := time.Now()
	require.NoError(t, first.Nack(ctx, &NackOptions{Requeue: true}))

	second := recvMessage(t, c, 5*time.Second)
	require.Equal(t, msgID, second.Headers["retryOf"])
	require.NotEqual(t, msgID, second.ID)
	require.Equal(t, 1, second.RedeliveryCount)
	// first backoff is 100ms plus at most 20% jitter and loop latency
	require.GreaterOrEqual(t, time.Since(nackedAt), 100*time.Millisecond)
	require.NoError(t, second.Ack(ctx))

	n, err := e.dlq.Length(ctx, "orders", nil)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

// Dead-letter via max deliveries: with maxDeliveries=3 the third nack
// transfers the message to the DLQ under its original id.
func TestConsumer_DeadLetterViaMaxDeliveries(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.topics.EnsureSubscription(ctx, "orders", "fraud", testSubCfg(), nil))

	firstID, err := e.producer.Publish(ctx, "orders", map[string]string{"id": "C"}, nil)
	require.NoError(t, err)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c, err := e.consumer.Consume(loopCtx, "orders", "fraud", &ConsumeOptions{ConsumerID: "c1"})
	require.NoError(t, err)

	for want := 0; want < 3; want++ {
		msg := recvMessage(t, c, 5*time.Second)
		require.Equal(t, want, msg.RedeliveryCount)
		require.NoError(t, msg.Nack(ctx, &NackOptions{Requeue: true}))
	}

	require.Eventually(t, func() bool {
		n, err := e.dlq.Length(ctx, "orders", nil)
		return err == nil && n == 1
	}, 3*time.Second, 50*time.Millisecond)

	letters, err := e.dlq.Peek(ctx, "orders", 10, nil)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, firstID, letters[0].OriginalMsgID)
	require.Equal(t, ReasonMaxDeliveries, letters[0].Reason)
	require.EqualValues(t, 3, letters[0].Deliveries)

	// no further redelivery after the dead-letter
	expectNoMessage(t, c, time.Second)
}

// Reclaim after timeout: a dead consumer's entry is handed to the next
// consumer once the visibility timeout expires.
func TestConsumer_ReclaimAfterTimeout(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	subCfg := testSubCfg()
	subCfg.VisibilityTimeoutMS = 300
	require.NoError(t, e.topics.EnsureSubscription(ctx, "orders", "fraud", subCfg, nil))

	msgID, err := e.producer.Publish(ctx, "orders", map[string]string{"id": "D"}, nil)
	require.NoError(t, err)

	deadCtx, killDead := context.WithCancel(ctx)
	dead, err := e.consumer.Consume(deadCtx, "orders", "fraud", &ConsumeOptions{ConsumerID: "dead"})
	require.NoError(t, err)
	got := recvMessage(t, dead, 3*time.Second)
	require.Equal(t, msgID, got.ID)
	// never acks, dies
	killDead()

	time.Sleep(500 * time.Millisecond)

	aliveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	alive, err := e.consumer.Consume(aliveCtx, "orders", "fraud", &ConsumeOptions{ConsumerID: "alive"})
	require.NoError(t, err)
	reclaimed := recvMessage(t, alive, 5*time.Second)
	require.Equal(t, msgID, reclaimed.ID)
	require.NoError(t, reclaimed.Ack(ctx))
}

// A handle is one-shot: the second terminal call reports ErrHandleDone.
func TestConsumer_DoubleTerminal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.topics.EnsureSubscription(ctx, "orders", "fraud", testSubCfg(), nil))
	_, err := e.producer.Publish(ctx, "orders", map[string]string{"id": "E"}, nil)
	require.NoError(t, err)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c, err := e.consumer.Consume(loopCtx, "orders", "fraud", &ConsumeOptions{ConsumerID: "c1"})
	require.NoError(t, err)

	msg := recvMessage(t, c, 3*time.Second)
	require.NoError(t, msg.Ack(ctx))
	require.ErrorIs(t, msg.Ack(ctx), ErrHandleDone)
	require.ErrorIs(t, msg.Nack(ctx, nil), ErrHandleDone)
	require.ErrorIs(t, msg.DeadLetter(ctx, ""), ErrHandleDone)
}

// Manual dead-letter uses the default reason and releases the entry.
func TestConsumer_ManualDeadLetter(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.topics.EnsureSubscription(ctx, "orders", "fraud", testSubCfg(), nil))
	msgID, err := e.producer.Publish(ctx, "orders", map[string]string{"id": "F"}, nil)
	require.NoError(t, err)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c, err := e.consumer.Consume(loopCtx, "orders", "fraud", &ConsumeOptions{ConsumerID: "c1"})
	require.NoError(t, err)

	msg := recvMessage(t, c, 3*time.Second)
	require.NoError(t, msg.DeadLetter(ctx, ""))

	letters, err := e.dlq.Peek(ctx, "orders", 10, nil)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, msgID, letters[0].OriginalMsgID)
	require.Equal(t, ReasonManual, letters[0].Reason)
}

// An entry whose payload cannot be decoded is acked and dropped so it
// cannot poison the loop; later entries still flow.
func TestConsumer_ParseErrorDropped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.topics.EnsureSubscription(ctx, "orders", "fraud", testSubCfg(), nil))

	log := "cw:default:msg:topic:orders"
	_, err := e.hot.LogAppend(ctx, log, map[string]string{
		"payload": "{not json",
		"headers": "{}",
	}, 0)
	require.NoError(t, err)
	goodID, err := e.producer.Publish(ctx, "orders", map[string]string{"id": "G"}, nil)
	require.NoError(t, err)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c, err := e.consumer.Consume(loopCtx, "orders", "fraud", &ConsumeOptions{ConsumerID: "c1"})
	require.NoError(t, err)

	msg := recvMessage(t, c, 3*time.Second)
	require.Equal(t, goodID, msg.ID)
	require.NoError(t, msg.Ack(ctx))
	require.EqualValues(t, 1, c.Stats().Dropped)
}

// Nack without requeue leaves the entry in flight; the visibility
// timeout brings it back.
func TestConsumer_NackWithoutRequeueReclaims(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	subCfg := testSubCfg()
	subCfg.VisibilityTimeoutMS = 300
	require.NoError(t, e.topics.EnsureSubscription(ctx, "orders", "fraud", subCfg, nil))

	msgID, err := e.producer.Publish(ctx, "orders", map[string]string{"id": "H"}, nil)
	require.NoError(t, err)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c, err := e.consumer.Consume(loopCtx, "orders", "fraud", &ConsumeOptions{ConsumerID: "c1"})
	require.NoError(t, err)

	first := recvMessage(t, c, 3*time.Second)
	require.Equal(t, msgID, first.ID)
	require.NoError(t, first.Nack(ctx, nil))

	second := recvMessage(t, c, 5*time.Second)
	require.Equal(t, msgID, second.ID)
	require.Equal(t, 1, second.RedeliveryCount)
	require.NoError(t, second.Ack(ctx))
}

// Payloads survive the whole pipeline byte-identically.
func TestConsumer_PayloadFidelity(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.topics.EnsureSubscription(ctx, "orders", "fraud", testSubCfg(), nil))

	payload := map[string]interface{}{
		"id":     "X",
		"amount": 12.5,
		"tags":   []string{"a", "b"},
	}
	_, err := e.producer.Publish(ctx, "orders", payload, &PublishOptions{
		Headers: map[string]string{"traceId": "abc"},
	})
	require.NoError(t, err)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c, err := e.consumer.Consume(loopCtx, "orders", "fraud", &ConsumeOptions{ConsumerID: "c1"})
	require.NoError(t, err)

	msg := recvMessage(t, c, 3*time.Second)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Payload, &got))
	require.Equal(t, "X", got["id"])
	require.Equal(t, "abc", msg.Headers["traceId"])
	require.NoError(t, msg.Ack(ctx))
}
