package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"chronow/pkg/broker/config"
	"chronow/pkg/broker/domain/model"
	"chronow/pkg/broker/infrastructure/hotstore"
	"chronow/pkg/broker/utils"
	"chronow/pkg/broker/utils/codec"
	"chronow/pkg/broker/utils/keys"
)

// ErrHandleDone is returned when a terminal operation is invoked twice
// on the same message handle.
var ErrHandleDone = errors.New("message handle already completed")

// DLQ reasons used by the consumer loop.
const (
	ReasonMaxDeliveries = "Max deliveries exceeded"
	ReasonManual        = "Manual dead-letter"
)

// minBlock keeps the loop from busy-spinning on an empty log.
const minBlock = 100 * time.Millisecond

// retryDrainLimit bounds how many scheduled retries one iteration
// re-injects before reading.
const retryDrainLimit = 10

// reclaimBatch bounds how many stale entries one iteration claims.
const reclaimBatch = 10

// ConsumerService runs consumer loops over subscriptions.
type ConsumerService struct {
	Hot     hotstore.Store
	Names   *keys.Namer
	Cfg     *config.Config
	Topics  *TopicService
	Retries *RetryService
	DLQ     *DeadLetterService
}

// NewConsumerService wires the consumer.
func NewConsumerService(hot hotstore.Store, names *keys.Namer, cfg *config.Config, topics *TopicService, retries *RetryService, dlq *DeadLetterService) *ConsumerService {
	return &ConsumerService{Hot: hot, Names: names, Cfg: cfg, Topics: topics, Retries: retries, DLQ: dlq}
}

// ConsumeOptions qualifies a consumer loop.
type ConsumeOptions struct {
	Tenant    string
	Namespace string
	// ConsumerID identifies this consumer within the group; synthesised
	// when empty.
	ConsumerID string
}

// ConsumerStats counts what a loop has processed so far.
type ConsumerStats struct {
	Delivered    uint64
	Acked        uint64
	Retried      uint64
	DeadLettered uint64
	Reclaimed    uint64
	Dropped      uint64
}

// Consumer is a handle on a running loop: the channel of message
// handles plus its counters.
type Consumer struct {
	C <-chan *Message

	loop *consumerLoop
}

// ConsumerID returns the identity this loop reads under.
func (c *Consumer) ConsumerID() string { return c.loop.consumerID }

// Stats snapshots the loop counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Delivered:    c.loop.delivered.Load(),
		Acked:        c.loop.acked.Load(),
		Retried:      c.loop.retried.Load(),
		DeadLettered: c.loop.deadLettered.Load(),
		Reclaimed:    c.loop.reclaimed.Load(),
		Dropped:      c.loop.dropped.Load(),
	}
}

// Consume starts a loop over (topic, subscription) and returns the
// stream of message handles. The loop runs until ctx is cancelled; the
// channel closes when it stops. Internal failures (reclaim, drain,
// parse) are logged and the loop continues; in-flight entries left
// behind on cancellation are reclaimed by any future consumer after the
// visibility timeout.
func (s *ConsumerService) Consume(ctx context.Context, topic, subscription string, opts *ConsumeOptions) (*Consumer, error) {
	if opts == nil {
		opts = &ConsumeOptions{}
	}
	tenant, namespace := scope(s.Cfg, opts.Tenant, opts.Namespace)
	topicOpts := &TopicOptions{Tenant: tenant, Namespace: namespace}

	subCfg, err := s.Topics.GetSubscriptionConfig(ctx, topic, subscription, topicOpts)
	if err != nil {
		return nil, fmt.Errorf("load subscription %s/%s: %w", topic, subscription, err)
	}
	if subCfg == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrSubscriptionNotFound, topic, subscription)
	}

	consumerID := opts.ConsumerID
	if consumerID == "" {
		consumerID = utils.NewConsumerID()
	}

	loop := &consumerLoop{
		svc:          s,
		topic:        topic,
		subscription: subscription,
		opts:         topicOpts,
		log:          s.Names.Topic(tenant, namespace, topic),
		group:        s.Names.Group(subscription),
		consumerID:   consumerID,
		subCfg:       subCfg,
		counts:       map[string]int{},
	}
	ch := make(chan *Message)
	go loop.run(ctx, ch)
	return &Consumer{C: ch, loop: loop}, nil
}

type consumerLoop struct {
	svc          *ConsumerService
	topic        string
	subscription string
	opts         *TopicOptions
	log          string
	group        string
	consumerID   string
	subCfg       *model.SubscriptionConfig

	// counts tracks deliveries observed by this loop per original
	// message id. It is process-local: after a failover the new
	// process starts from zero, so the delivery cap is best-effort
	// across restarts.
	mu     sync.Mutex
	counts map[string]int

	delivered    atomic.Uint64
	acked        atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
	reclaimed    atomic.Uint64
	dropped      atomic.Uint64
}

func (l *consumerLoop) run(ctx context.Context, ch chan<- *Message) {
	defer close(ch)
	block := l.subCfg.Block()
	if block < minBlock {
		block = minBlock
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.drainRetries(ctx)
		reclaimed := l.reclaim(ctx)

		entries, err := l.svc.Hot.GroupRead(ctx, l.log, l.group, l.consumerID, block, l.subCfg.CountPerRead)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			klog.Errorf("group read on %s/%s: %v", l.log, l.group, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(block):
			}
			continue
		}

		for _, entry := range append(reclaimed, entries...) {
			msg, ok := l.dispatch(ctx, entry)
			if !ok {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case ch <- msg:
				l.delivered.Add(1)
			}
		}
	}
}

// drainRetries re-injects ready retry entries as fresh log entries. The
// original ids stay acked; each re-injected entry re-enters the state
// machine under its own id.
func (l *consumerLoop) drainRetries(ctx context.Context) {
	ready, err := l.svc.Retries.DrainReady(ctx, l.topic, l.subscription, retryDrainLimit, l.opts)
	if err != nil {
		klog.Errorf("retry drain on %s/%s: %v", l.topic, l.subscription, err)
		return
	}
	for _, entry := range ready {
		fields := map[string]string{
			fieldPayload: string(entry.Payload),
			fieldHeaders: codec.EncodeHeaders(entry.Headers),
			fieldRetryOf: entry.OriginalID,
			fieldAttempt: fmt.Sprint(entry.Attempt),
		}
		if _, err := l.svc.Hot.LogAppend(ctx, l.log, fields, l.svc.Cfg.MaxStreamLen); err != nil {
			klog.Errorf("re-inject retry of %s: %v", entry.OriginalID, err)
			continue
		}
		if err := l.svc.Retries.Remove(ctx, l.topic, l.subscription, entry, l.opts); err != nil {
			klog.Errorf("remove drained retry of %s: %v", entry.OriginalID, err)
		}
	}
}

// reclaim transfers entries whose in-flight time exceeded the
// visibility timeout to this consumer and hands them to dispatch.
func (l *consumerLoop) reclaim(ctx context.Context) []hotstore.Entry {
	entries, err := l.svc.Hot.GroupReclaim(ctx, l.log, l.group, l.consumerID, l.subCfg.VisibilityTimeout(), reclaimBatch)
	if err != nil {
		klog.Errorf("reclaim on %s/%s: %v", l.log, l.group, err)
		return nil
	}
	if len(entries) > 0 {
		l.reclaimed.Add(uint64(len(entries)))
		klog.V(4).Infof("reclaimed %d entries on %s for %s", len(entries), l.group, l.consumerID)
	}
	return entries
}

// dispatch turns a log entry into a message handle. Entries whose
// payload or headers cannot be decoded are acked and dropped so they
// cannot poison the loop.
func (l *consumerLoop) dispatch(ctx context.Context, entry hotstore.Entry) (*Message, bool) {
	payload := entry.Fields[fieldPayload]
	headers, err := codec.DecodeHeaders(entry.Fields[fieldHeaders])
	if err == nil && !json.Valid([]byte(payload)) {
		err = fmt.Errorf("payload is not valid JSON")
	}
	if err != nil {
		klog.Errorf("dropping undecodable entry %s on %s: %v", entry.ID, l.log, err)
		if _, ackErr := l.svc.Hot.GroupAck(ctx, l.log, l.group, entry.ID); ackErr != nil {
			klog.Errorf("ack of dropped entry %s: %v", entry.ID, ackErr)
		}
		l.dropped.Add(1)
		return nil, false
	}

	counterKey := entry.ID
	if retryOf := entry.Fields[fieldRetryOf]; retryOf != "" {
		counterKey = retryOf
		headers[fieldRetryOf] = retryOf
		if attempt := entry.Fields[fieldAttempt]; attempt != "" {
			headers[fieldAttempt] = attempt
		}
	}

	l.mu.Lock()
	redeliveryCount := l.counts[counterKey]
	l.counts[counterKey] = redeliveryCount + 1
	l.mu.Unlock()

	return &Message{
		ID:              entry.ID,
		Topic:           l.topic,
		Subscription:    l.subscription,
		Headers:         headers,
		Payload:         json.RawMessage(payload),
		RedeliveryCount: redeliveryCount,
		loop:            l,
		counterKey:      counterKey,
	}, true
}

func (l *consumerLoop) deliveryCount(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d, ok := l.counts[key]; ok {
		return d
	}
	return 1
}

func (l *consumerLoop) forgetCount(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counts, key)
}

// Message is a delivered entry bound to its consumer loop. Ack, Nack
// and DeadLetter are one-shot: the first terminal call wins and any
// further call returns ErrHandleDone.
type Message struct {
	ID              string
	Topic           string
	Subscription    string
	Headers         map[string]string
	Payload         json.RawMessage
	RedeliveryCount int

	loop       *consumerLoop
	counterKey string
	done       atomic.Bool
}

// NackOptions controls what happens to a rejected message.
type NackOptions struct {
	// Requeue schedules a delayed redelivery; without it the entry
	// simply stays in flight until the visibility timeout reclaims it.
	Requeue bool
	// Delay overrides the subscription backoff for this requeue.
	Delay time.Duration
}

// Ack acknowledges the entry; it is never redelivered to this
// subscription afterwards.
func (m *Message) Ack(ctx context.Context) error {
	if !m.done.CompareAndSwap(false, true) {
		return ErrHandleDone
	}
	if _, err := m.loop.svc.Hot.GroupAck(ctx, m.loop.log, m.loop.group, m.ID); err != nil {
		return fmt.Errorf("ack %s: %w", m.ID, err)
	}
	m.loop.forgetCount(m.counterKey)
	m.loop.acked.Add(1)
	return nil
}

// Nack rejects the entry. At the delivery cap it is dead-lettered; with
// Requeue it is scheduled for retry; otherwise it stays in flight for
// the visibility timeout to reclaim.
func (m *Message) Nack(ctx context.Context, opts *NackOptions) error {
	if !m.done.CompareAndSwap(false, true) {
		return ErrHandleDone
	}
	if opts == nil {
		opts = &NackOptions{}
	}
	d := m.loop.deliveryCount(m.counterKey)

	if d >= m.loop.subCfg.MaxDeliveries {
		return m.toDeadLetter(ctx, ReasonMaxDeliveries, int64(d))
	}
	if opts.Requeue {
		delay, err := m.loop.svc.Retries.Schedule(ctx, m.Topic, m.Subscription, m.counterKey,
			m.Payload, m.retryHeaders(), d, m.loop.subCfg, opts.Delay, m.loop.opts)
		if err != nil {
			m.done.Store(false)
			return err
		}
		// the payload now lives in the retry set; release the log entry
		if _, err := m.loop.svc.Hot.GroupAck(ctx, m.loop.log, m.loop.group, m.ID); err != nil {
			return fmt.Errorf("ack requeued %s: %w", m.ID, err)
		}
		m.loop.retried.Add(1)
		klog.V(4).Infof("scheduled retry %d of %s in %s", d, m.counterKey, delay)
	}
	return nil
}

// DeadLetter transfers the entry to the dead-letter queue.
func (m *Message) DeadLetter(ctx context.Context, reason string) error {
	if !m.done.CompareAndSwap(false, true) {
		return ErrHandleDone
	}
	if reason == "" {
		reason = ReasonManual
	}
	return m.toDeadLetter(ctx, reason, int64(m.loop.deliveryCount(m.counterKey)))
}

func (m *Message) toDeadLetter(ctx context.Context, reason string, deliveries int64) error {
	if m.loop.subCfg.DeadLetterEnabled {
		err := m.loop.svc.DLQ.Send(ctx, m.Topic, m.counterKey, m.Payload, m.retryHeaders(), reason, deliveries, m.loop.opts)
		if err != nil {
			m.done.Store(false)
			return err
		}
	} else {
		klog.V(4).Infof("dead-lettering disabled on %s/%s; dropping %s", m.Topic, m.Subscription, m.counterKey)
	}
	if _, err := m.loop.svc.Hot.GroupAck(ctx, m.loop.log, m.loop.group, m.ID); err != nil {
		return fmt.Errorf("ack dead-lettered %s: %w", m.ID, err)
	}
	m.loop.forgetCount(m.counterKey)
	m.loop.deadLettered.Add(1)
	return nil
}

// retryHeaders strips the delivery-tracking headers the loop added so
// scheduled and dead-lettered payloads carry the caller's headers only.
func (m *Message) retryHeaders() map[string]string {
	headers := make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		if k == fieldRetryOf || k == fieldAttempt {
			continue
		}
		headers[k] = v
	}
	return headers
}
