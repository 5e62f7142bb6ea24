// Package broker wires the messaging core: hot-store backend selection,
// warm datastore, and the services built on them. It is the internal
// assembly layer; the thin public API surface sits above it.
package broker

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"chronow/pkg/broker/config"
	"chronow/pkg/broker/domain/service"
	"chronow/pkg/broker/infrastructure/clients"
	"chronow/pkg/broker/infrastructure/datastore"
	"chronow/pkg/broker/infrastructure/datastore/memory"
	"chronow/pkg/broker/infrastructure/datastore/mongodb"
	"chronow/pkg/broker/infrastructure/datastore/noop"
	"chronow/pkg/broker/infrastructure/hotstore"
	hotmongo "chronow/pkg/broker/infrastructure/hotstore/mongo"
	hotredis "chronow/pkg/broker/infrastructure/hotstore/redis"
	"chronow/pkg/broker/infrastructure/locker"
	"chronow/pkg/broker/utils/keys"
)

// Broker owns one hot store, one warm store and the services over them.
type Broker struct {
	cfg   *config.Config
	hot   hotstore.Store
	warm  datastore.DataStore
	locks locker.Guard

	// closers run in order on Close: warm first, then the admin guard,
	// then the hot tier (the injected hot store, or the shared clients
	// when built by New).
	closers []func(context.Context) error

	SharedMemory *service.SharedMemoryService
	Topics       *service.TopicService
	Producer     *service.ProducerService
	Consumer     *service.ConsumerService
	Retries      *service.RetryService
	DeadLetters  *service.DeadLetterService
}

// New validates cfg, connects the stores within the configured budget
// and assembles the services.
func New(ctx context.Context, cfg *config.Config) (*Broker, error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	hot, locks, err := buildHot(ctx, cfg)
	if err != nil {
		return nil, err
	}
	warm, err := buildWarm(ctx, cfg)
	if err != nil {
		return nil, err
	}

	b := Assemble(cfg, hot, warm, locks)
	b.closers = []func(context.Context) error{
		warm.Close,
		func(context.Context) error { return locks.Close() },
		func(context.Context) error { return clients.CloseRedis() },
		clients.CloseMongo,
	}
	return b, nil
}

// Assemble builds a Broker from pre-constructed stores. Tests and
// embedders use it to inject their own; Close then closes exactly what
// was injected.
func Assemble(cfg *config.Config, hot hotstore.Store, warm datastore.DataStore, locks locker.Guard) *Broker {
	if locks == nil {
		locks = locker.NewMemoryGuard()
	}
	names := keys.NewNamer(cfg.KeyPrefix)

	topics := service.NewTopicService(hot, warm, locks, names, cfg)
	retries := service.NewRetryService(hot, names, cfg)
	dlq := service.NewDeadLetterService(hot, warm, locks, names, cfg)

	b := &Broker{
		cfg:          cfg,
		hot:          hot,
		warm:         warm,
		locks:        locks,
		SharedMemory: service.NewSharedMemoryService(hot, warm, names, cfg),
		Topics:       topics,
		Producer:     service.NewProducerService(hot, warm, names, cfg),
		Consumer:     service.NewConsumerService(hot, names, cfg, topics, retries, dlq),
		Retries:      retries,
		DeadLetters:  dlq,
	}
	b.closers = []func(context.Context) error{
		warm.Close,
		func(context.Context) error { return locks.Close() },
		func(context.Context) error { return hot.Close() },
	}
	return b
}

func buildHot(ctx context.Context, cfg *config.Config) (hotstore.Store, locker.Guard, error) {
	if cfg.MongoOnly {
		cli, err := clients.EnsureMongo(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		store := hotmongo.New(cli.Database(cfg.Mongo.HotDatabase))
		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, nil, fmt.Errorf("prepare emulated hot store: %w", err)
		}
		klog.Infof("hot store: document-database emulation (%s)", cfg.Mongo.HotDatabase)
		return store, locker.NewMemoryGuard(), nil
	}

	cli, err := clients.EnsureRedis(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := hotredis.NewWithClient(cli)
	if err != nil {
		return nil, nil, err
	}
	locks, err := locker.NewRedisGuard(cli, cfg.KeyPrefix+"lock")
	if err != nil {
		return nil, nil, err
	}
	klog.Infof("hot store: native streaming log")
	return store, locks, nil
}

func buildWarm(ctx context.Context, cfg *config.Config) (datastore.DataStore, error) {
	switch cfg.Warm.Type {
	case config.WarmMemory:
		return memory.New(), nil
	case config.WarmNoop:
		return noop.New(), nil
	case config.WarmMongoDB:
		cli, err := clients.EnsureMongo(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return mongodb.New(ctx, cli.Database(cfg.Mongo.WarmDatabase))
	default:
		return nil, fmt.Errorf("%w: unknown warm datastore type %q", config.ErrConfigInvalid, cfg.Warm.Type)
	}
}

// Close shuts the broker down: the warm store first, then the hot
// store. In-flight messages stay in flight and are reclaimed by any
// future consumer after their visibility timeout.
func (b *Broker) Close(ctx context.Context) error {
	var errs []error
	for _, closer := range b.closers {
		if err := closer(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config returns the broker configuration.
func (b *Broker) Config() *config.Config { return b.cfg }
