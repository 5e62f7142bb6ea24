package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"chronow/pkg/broker/config"
	"chronow/pkg/broker/domain/model"
	"chronow/pkg/broker/infrastructure/datastore"
	"chronow/pkg/broker/infrastructure/hotstore"
	"chronow/pkg/broker/infrastructure/locker"
	"chronow/pkg/broker/utils/keys"
)

// probeGroup is the throwaway consumer group used to materialise an
// empty log: creating and destroying a group is the only portable way
// to force a log into existence across both backends.
const probeGroup = "__init__"

// TopicStats summarises a topic log.
type TopicStats struct {
	Topic  string `json:"topic"`
	Length int64  `json:"length"`
	Groups int64  `json:"groups"`
}

// TopicService owns topic and subscription lifecycle.
type TopicService struct {
	Hot   hotstore.Store
	Warm  datastore.DataStore
	Locks locker.Guard
	Names *keys.Namer
	Cfg   *config.Config
}

// NewTopicService wires the manager.
func NewTopicService(hot hotstore.Store, warm datastore.DataStore, locks locker.Guard, names *keys.Namer, cfg *config.Config) *TopicService {
	return &TopicService{Hot: hot, Warm: warm, Locks: locks, Names: names, Cfg: cfg}
}

// TopicOptions scopes a topic operation.
type TopicOptions struct {
	Tenant    string
	Namespace string
}

// EnsureTopic creates the topic's log if absent and upserts its warm row.
func (s *TopicService) EnsureTopic(ctx context.Context, topic string, opts *TopicOptions) error {
	if opts == nil {
		opts = &TopicOptions{}
	}
	tenant, namespace := scope(s.Cfg, opts.Tenant, opts.Namespace)
	log := s.Names.Topic(tenant, namespace, topic)

	if err := s.Hot.GroupCreate(ctx, log, probeGroup, "0"); err != nil && !errors.Is(err, hotstore.ErrGroupExists) {
		return fmt.Errorf("materialise log %s: %w", log, err)
	}
	if err := s.Hot.GroupDestroy(ctx, log, probeGroup); err != nil {
		klog.Warningf("destroy probe group on %s: %v", log, err)
	}

	row := &model.Topic{Topic: topic, Tenant: tenant, Shards: 1}
	if err := s.Warm.Put(ctx, row); err != nil {
		return fmt.Errorf("warm topic row %s: %w", topic, err)
	}
	return nil
}

// EnsureSubscription creates the consumer group for a subscription and
// persists its effective configuration. Existing groups are kept; the
// persisted config is refreshed with the provided values.
func (s *TopicService) EnsureSubscription(ctx context.Context, topic, subscription string, subCfg *model.SubscriptionConfig, opts *TopicOptions) error {
	if opts == nil {
		opts = &TopicOptions{}
	}
	tenant, namespace := scope(s.Cfg, opts.Tenant, opts.Namespace)
	if err := s.EnsureTopic(ctx, topic, opts); err != nil {
		return err
	}

	log := s.Names.Topic(tenant, namespace, topic)
	group := s.Names.Group(subscription)
	if err := s.Hot.GroupCreate(ctx, log, group, "0"); err != nil && !errors.Is(err, hotstore.ErrGroupExists) {
		return fmt.Errorf("create group %s on %s: %w", group, log, err)
	}

	effective := s.effectiveConfig(subCfg)
	if existing, err := s.GetSubscriptionConfig(ctx, topic, subscription, opts); err == nil && existing != nil {
		effective.CreatedAt = existing.CreatedAt
	}
	raw, err := effective.Encode()
	if err != nil {
		return fmt.Errorf("encode subscription config: %w", err)
	}
	cfgKey := s.Names.SubConfig(tenant, namespace, topic, subscription)
	if err := s.Hot.HashSet(ctx, cfgKey, "config", raw); err != nil {
		return fmt.Errorf("persist subscription config %s: %w", cfgKey, err)
	}
	return nil
}

// effectiveConfig fills the gaps of a caller-provided config with the
// broker defaults.
func (s *TopicService) effectiveConfig(in *model.SubscriptionConfig) *model.SubscriptionConfig {
	out := &model.SubscriptionConfig{CreatedAt: time.Now()}
	if in != nil {
		copied := *in
		copied.CreatedAt = out.CreatedAt
		out = &copied
	}
	if out.VisibilityTimeoutMS <= 0 {
		out.VisibilityTimeoutMS = s.Cfg.VisibilityTimeout.Milliseconds()
	}
	if out.MaxDeliveries <= 0 {
		out.MaxDeliveries = 3
	}
	if len(out.RetryBackoffMS) == 0 {
		out.RetryBackoffMS = append([]int64(nil), config.DefaultRetryBackoffMS...)
	}
	if out.ShardCount <= 0 {
		out.ShardCount = 1
	}
	if out.BlockMS <= 0 {
		out.BlockMS = config.DefaultBlock.Milliseconds()
	}
	if out.CountPerRead <= 0 {
		out.CountPerRead = config.DefaultCountPerRead
	}
	return out
}

// GetSubscriptionConfig loads a persisted config; nil when the
// subscription was never ensured.
func (s *TopicService) GetSubscriptionConfig(ctx context.Context, topic, subscription string, opts *TopicOptions) (*model.SubscriptionConfig, error) {
	if opts == nil {
		opts = &TopicOptions{}
	}
	tenant, namespace := scope(s.Cfg, opts.Tenant, opts.Namespace)
	raw, err := s.Hot.HashGet(ctx, s.Names.SubConfig(tenant, namespace, topic, subscription), "config")
	if err != nil {
		return nil, err
	}
	return model.DecodeSubscriptionConfig(raw)
}

// DeleteSubscription removes the consumer group and its persisted config.
func (s *TopicService) DeleteSubscription(ctx context.Context, topic, subscription string, opts *TopicOptions) error {
	if opts == nil {
		opts = &TopicOptions{}
	}
	tenant, namespace := scope(s.Cfg, opts.Tenant, opts.Namespace)
	log := s.Names.Topic(tenant, namespace, topic)

	return s.Locks.WithLock(ctx, "admin:"+log, func(ctx context.Context) error {
		if err := s.Hot.GroupDestroy(ctx, log, s.Names.Group(subscription)); err != nil {
			return fmt.Errorf("destroy group: %w", err)
		}
		if _, err := s.Hot.KVDel(ctx, s.Names.SubConfig(tenant, namespace, topic, subscription)); err != nil {
			return fmt.Errorf("delete subscription config: %w", err)
		}
		return nil
	})
}

// PurgeTopic deletes the topic log and re-ensures an empty topic.
func (s *TopicService) PurgeTopic(ctx context.Context, topic string, opts *TopicOptions) error {
	if opts == nil {
		opts = &TopicOptions{}
	}
	tenant, namespace := scope(s.Cfg, opts.Tenant, opts.Namespace)
	log := s.Names.Topic(tenant, namespace, topic)

	return s.Locks.WithLock(ctx, "admin:"+log, func(ctx context.Context) error {
		if _, err := s.Hot.KVDel(ctx, log); err != nil {
			return fmt.Errorf("purge log %s: %w", log, err)
		}
		return s.EnsureTopic(ctx, topic, opts)
	})
}

// GetStats summarises a topic for inspection.
func (s *TopicService) GetStats(ctx context.Context, topic string, opts *TopicOptions) (*TopicStats, error) {
	if opts == nil {
		opts = &TopicOptions{}
	}
	tenant, namespace := scope(s.Cfg, opts.Tenant, opts.Namespace)
	info, err := s.Hot.LogInfo(ctx, s.Names.Topic(tenant, namespace, topic))
	if err != nil {
		return nil, err
	}
	return &TopicStats{Topic: topic, Length: info.Length, Groups: info.Groups}, nil
}
