package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"chronow/pkg/broker/config"
	"chronow/pkg/broker/domain/model"
	"chronow/pkg/broker/infrastructure/hotstore"
	"chronow/pkg/broker/utils/keys"
)

// RetryEntry is a scheduled redelivery waiting in the retry set.
type RetryEntry struct {
	OriginalID    string            `json:"originalId"`
	Payload       json.RawMessage   `json:"payload"`
	Headers       map[string]string `json:"headers,omitempty"`
	Attempt       int               `json:"attempt"`
	NextAttemptMS int64             `json:"nextAttemptMs"`

	// Raw is the exact member string stored in the set; removal matches
	// on it so entries never need re-serialising.
	Raw string `json:"-"`
}

// RetryService schedules delayed requeues through a sorted set scored
// by next-attempt time.
type RetryService struct {
	Hot   hotstore.Store
	Names *keys.Namer
	Cfg   *config.Config
}

// NewRetryService wires the scheduler.
func NewRetryService(hot hotstore.Store, names *keys.Namer, cfg *config.Config) *RetryService {
	return &RetryService{Hot: hot, Names: names, Cfg: cfg}
}

// Schedule inserts a retry for msgID at attempt (1-based). The delay is
// the subscription's backoff for that attempt plus up to 20% jitter;
// override, when positive, replaces the backoff base. Returns the delay
// actually applied.
func (s *RetryService) Schedule(ctx context.Context, topic, subscription, msgID string, payload json.RawMessage, headers map[string]string, attempt int, subCfg *model.SubscriptionConfig, override time.Duration, opts *TopicOptions) (time.Duration, error) {
	if opts == nil {
		opts = &TopicOptions{}
	}
	tenant, namespace := scope(s.Cfg, opts.Tenant, opts.Namespace)

	delay := subCfg.Backoff(attempt)
	if override > 0 {
		delay = override
	}
	if delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay)/5 + 1))
	}

	entry := RetryEntry{
		OriginalID:    msgID,
		Payload:       payload,
		Headers:       headers,
		Attempt:       attempt,
		NextAttemptMS: time.Now().Add(delay).UnixMilli(),
	}
	member, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("encode retry entry: %w", err)
	}
	key := s.Names.Retry(tenant, namespace, topic, subscription)
	if err := s.Hot.ZAdd(ctx, key, float64(entry.NextAttemptMS), string(member)); err != nil {
		return 0, fmt.Errorf("schedule retry on %s: %w", key, err)
	}
	return delay, nil
}

// DrainReady returns entries whose next-attempt time has passed, in
// non-decreasing schedule order, up to limit.
func (s *RetryService) DrainReady(ctx context.Context, topic, subscription string, limit int64, opts *TopicOptions) ([]RetryEntry, error) {
	if opts == nil {
		opts = &TopicOptions{}
	}
	tenant, namespace := scope(s.Cfg, opts.Tenant, opts.Namespace)
	key := s.Names.Retry(tenant, namespace, topic, subscription)

	members, err := s.Hot.ZRangeByScore(ctx, key, 0, float64(time.Now().UnixMilli()), limit)
	if err != nil {
		return nil, fmt.Errorf("drain retries from %s: %w", key, err)
	}
	entries := make([]RetryEntry, 0, len(members))
	for _, member := range members {
		var entry RetryEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			// an undecodable member would wedge the drain forever; drop it
			_, _ = s.Hot.ZRem(ctx, key, member)
			continue
		}
		entry.Raw = member
		entries = append(entries, entry)
	}
	return entries, nil
}

// Remove deletes a drained entry by its exact member string.
func (s *RetryService) Remove(ctx context.Context, topic, subscription string, entry RetryEntry, opts *TopicOptions) error {
	if opts == nil {
		opts = &TopicOptions{}
	}
	tenant, namespace := scope(s.Cfg, opts.Tenant, opts.Namespace)
	key := s.Names.Retry(tenant, namespace, topic, subscription)
	_, err := s.Hot.ZRem(ctx, key, entry.Raw)
	return err
}

// PendingCount returns the number of scheduled retries.
func (s *RetryService) PendingCount(ctx context.Context, topic, subscription string, opts *TopicOptions) (int64, error) {
	if opts == nil {
		opts = &TopicOptions{}
	}
	tenant, namespace := scope(s.Cfg, opts.Tenant, opts.Namespace)
	return s.Hot.ZCard(ctx, s.Names.Retry(tenant, namespace, topic, subscription))
}
