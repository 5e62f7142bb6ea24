package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	"chronow/pkg/broker/config"
	"chronow/pkg/broker/domain/model"
	"chronow/pkg/broker/infrastructure/datastore"
	"chronow/pkg/broker/infrastructure/hotstore"
	"chronow/pkg/broker/infrastructure/locker"
	"chronow/pkg/broker/utils/codec"
	"chronow/pkg/broker/utils/keys"
)

// DeadLetterEntry is an inspected DLQ record with payload and headers
// decoded back to structured values.
type DeadLetterEntry struct {
	ID            string            `json:"id"`
	OriginalMsgID string            `json:"originalMsgId"`
	Payload       json.RawMessage   `json:"payload"`
	Headers       map[string]string `json:"headers"`
	Reason        string            `json:"reason"`
	Deliveries    int64             `json:"deliveries"`
	FailedAt      time.Time         `json:"failedAt"`
}

// DeadLetterService captures messages the broker has given up on: an
// append to the DLQ log for inspection plus a warm mirror.
type DeadLetterService struct {
	Hot   hotstore.Store
	Warm  datastore.DataStore
	Locks locker.Guard
	Names *keys.Namer
	Cfg   *config.Config
}

// NewDeadLetterService wires the sink.
func NewDeadLetterService(hot hotstore.Store, warm datastore.DataStore, locks locker.Guard, names *keys.Namer, cfg *config.Config) *DeadLetterService {
	return &DeadLetterService{Hot: hot, Warm: warm, Locks: locks, Names: names, Cfg: cfg}
}

// Send appends a dead letter and mirrors it to the warm tier.
func (s *DeadLetterService) Send(ctx context.Context, topic, originalID string, payload json.RawMessage, headers map[string]string, reason string, deliveries int64, opts *TopicOptions) error {
	if opts == nil {
		opts = &TopicOptions{}
	}
	tenant, namespace := scope(s.Cfg, opts.Tenant, opts.Namespace)
	failedAt := time.Now().UTC()

	log := s.Names.Dlq(tenant, namespace, topic)
	entry := map[string]string{
		fieldOriginalID: originalID,
		fieldPayload:    string(payload),
		fieldHeaders:    codec.EncodeHeaders(headers),
		fieldReason:     reason,
		fieldDeliveries: strconv.FormatInt(deliveries, 10),
		fieldFailedAt:   failedAt.Format(time.RFC3339Nano),
	}
	if _, err := s.Hot.LogAppend(ctx, log, entry, s.Cfg.MaxStreamLen); err != nil {
		return fmt.Errorf("append dead letter to %s: %w", log, err)
	}

	row := &model.DeadLetter{
		Topic:      topic,
		MsgID:      originalID,
		Tenant:     tenant,
		Reason:     reason,
		Headers:    headers,
		Payload:    string(payload),
		FailedAt:   failedAt,
		Deliveries: deliveries,
	}
	if err := s.Warm.Add(ctx, row); err != nil {
		klog.Errorf("warm dead-letter row for %s/%s failed: %v", topic, originalID, err)
	}
	return nil
}

// Length returns the DLQ log length.
func (s *DeadLetterService) Length(ctx context.Context, topic string, opts *TopicOptions) (int64, error) {
	if opts == nil {
		opts = &TopicOptions{}
	}
	tenant, namespace := scope(s.Cfg, opts.Tenant, opts.Namespace)
	return s.Hot.LogLen(ctx, s.Names.Dlq(tenant, namespace, topic))
}

// Peek reads up to limit dead letters, oldest first.
func (s *DeadLetterService) Peek(ctx context.Context, topic string, limit int64, opts *TopicOptions) ([]DeadLetterEntry, error) {
	if opts == nil {
		opts = &TopicOptions{}
	}
	tenant, namespace := scope(s.Cfg, opts.Tenant, opts.Namespace)
	log := s.Names.Dlq(tenant, namespace, topic)

	raw, err := s.Hot.LogRange(ctx, log, "-", "+", limit)
	if err != nil {
		return nil, fmt.Errorf("peek %s: %w", log, err)
	}
	entries := make([]DeadLetterEntry, 0, len(raw))
	for _, e := range raw {
		headers, err := codec.DecodeHeaders(e.Fields[fieldHeaders])
		if err != nil {
			klog.Warningf("dead letter %s has undecodable headers: %v", e.ID, err)
			headers = map[string]string{}
		}
		deliveries, _ := strconv.ParseInt(e.Fields[fieldDeliveries], 10, 64)
		failedAt, _ := time.Parse(time.RFC3339Nano, e.Fields[fieldFailedAt])
		entries = append(entries, DeadLetterEntry{
			ID:            e.ID,
			OriginalMsgID: e.Fields[fieldOriginalID],
			Payload:       json.RawMessage(e.Fields[fieldPayload]),
			Headers:       headers,
			Reason:        e.Fields[fieldReason],
			Deliveries:    deliveries,
			FailedAt:      failedAt,
		})
	}
	return entries, nil
}

// Purge deletes the DLQ log.
func (s *DeadLetterService) Purge(ctx context.Context, topic string, opts *TopicOptions) error {
	if opts == nil {
		opts = &TopicOptions{}
	}
	tenant, namespace := scope(s.Cfg, opts.Tenant, opts.Namespace)
	log := s.Names.Dlq(tenant, namespace, topic)

	return s.Locks.WithLock(ctx, "admin:"+log, func(ctx context.Context) error {
		if _, err := s.Hot.KVDel(ctx, log); err != nil {
			return fmt.Errorf("purge %s: %w", log, err)
		}
		return nil
	})
}
