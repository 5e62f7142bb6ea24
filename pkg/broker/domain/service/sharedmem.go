package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"chronow/pkg/broker/config"
	"chronow/pkg/broker/domain/model"
	"chronow/pkg/broker/infrastructure/datastore"
	"chronow/pkg/broker/infrastructure/hotstore"
	"chronow/pkg/broker/utils/codec"
	"chronow/pkg/broker/utils/keys"
)

// Warm upsert strategies for shared-memory values.
const (
	UpsertLatest = "latest"
	UpsertAppend = "append"
)

// SharedMemoryService is the dual-tier KV engine: the hot tier is a
// fast cache with bounded lifetime, the warm tier the source of truth
// for durability, with a read-through fallback.
type SharedMemoryService struct {
	Hot   hotstore.Store
	Warm  datastore.DataStore
	Names *keys.Namer
	Cfg   *config.Config
}

// NewSharedMemoryService wires the engine.
func NewSharedMemoryService(hot hotstore.Store, warm datastore.DataStore, names *keys.Namer, cfg *config.Config) *SharedMemoryService {
	return &SharedMemoryService{Hot: hot, Warm: warm, Names: names, Cfg: cfg}
}

// WarmPersistOptions controls warm mirroring of a value.
type WarmPersistOptions struct {
	Persist bool
	// UpsertStrategy is latest (overwrite the row) or append (keep a
	// versioned row per write alongside the latest one).
	UpsertStrategy string
	RetentionDays  int
}

// SetOptions qualifies a Set call.
type SetOptions struct {
	Tenant    string
	Namespace string
	// HotTTL expires the hot copy; zero keeps it until deleted.
	HotTTL time.Duration
	// MaxValueBytes overrides the configured payload bound.
	MaxValueBytes int64
	Warm          *WarmPersistOptions
}

// GetOptions qualifies reads, deletes and expiry calls.
type GetOptions struct {
	Tenant    string
	Namespace string
}

// DelOptions qualifies a Del call.
type DelOptions struct {
	Tenant    string
	Namespace string
	// Tombstone records the deletion in the warm tier so the value
	// stays deleted after the hot copy is gone.
	Tombstone bool
}

// Set JSON-encodes value and writes it to the hot tier, optionally
// mirroring it to the warm tier.
func (s *SharedMemoryService) Set(ctx context.Context, name string, value interface{}, opts *SetOptions) error {
	if opts == nil {
		opts = &SetOptions{}
	}
	tenant, namespace := scope(s.Cfg, opts.Tenant, opts.Namespace)
	maxBytes := opts.MaxValueBytes
	if maxBytes <= 0 {
		maxBytes = s.Cfg.MaxPayloadBytes
	}
	raw, err := codec.EncodePayload(value, maxBytes)
	if err != nil {
		return err
	}
	key := s.Names.SharedMem(tenant, namespace, name)
	if err := s.Hot.KVSet(ctx, key, raw, opts.HotTTL); err != nil {
		return fmt.Errorf("hot set %s: %w", key, err)
	}
	if opts.Warm == nil || !opts.Warm.Persist {
		return nil
	}
	return s.mirror(ctx, tenant, namespace, name, string(raw), opts.Warm)
}

func (s *SharedMemoryService) mirror(ctx context.Context, tenant, namespace, name, value string, warm *WarmPersistOptions) error {
	row := &model.SharedMemory{
		Key:       name,
		Namespace: namespace,
		Tenant:    tenant,
		Value:     value,
	}
	row.System.RetentionDays = warm.RetentionDays

	if warm.UpsertStrategy == UpsertAppend {
		// keep a versioned row per write; the plain-key row below stays
		// the read-through target
		version := &model.SharedMemory{
			Key:       fmt.Sprintf("%s@%d", name, time.Now().UnixMilli()),
			Namespace: namespace,
			Tenant:    tenant,
			Value:     value,
		}
		version.System.RetentionDays = warm.RetentionDays
		if err := s.Warm.Add(ctx, version); err != nil && !errors.Is(err, datastore.ErrRecordExist) {
			return fmt.Errorf("warm append %s: %w", name, err)
		}
	}
	if err := s.Warm.Put(ctx, row); err != nil {
		return fmt.Errorf("warm upsert %s: %w", name, err)
	}
	return nil
}

// Get reads the hot tier first and falls back to the warm tier on a
// miss. Returns nil when the value does not exist or is tombstoned.
func (s *SharedMemoryService) Get(ctx context.Context, name string, opts *GetOptions) (json.RawMessage, error) {
	if opts == nil {
		opts = &GetOptions{}
	}
	tenant, namespace := scope(s.Cfg, opts.Tenant, opts.Namespace)
	key := s.Names.SharedMem(tenant, namespace, name)

	raw, err := s.Hot.KVGet(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("hot get %s: %w", key, err)
	}
	if raw != nil {
		return json.RawMessage(raw), nil
	}

	row := &model.SharedMemory{Key: name, Namespace: namespace, Tenant: tenant}
	if err := s.Warm.Get(ctx, row); err != nil {
		if errors.Is(err, datastore.ErrRecordNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("warm get %s: %w", name, err)
	}
	if row.System.Tombstone || row.Value == "" {
		return nil, nil
	}
	klog.V(4).Infof("shared-memory read-through hit for %s", key)
	return json.RawMessage(row.Value), nil
}

// Del removes the hot copy and optionally tombstones the warm row.
func (s *SharedMemoryService) Del(ctx context.Context, name string, opts *DelOptions) error {
	if opts == nil {
		opts = &DelOptions{}
	}
	tenant, namespace := scope(s.Cfg, opts.Tenant, opts.Namespace)
	key := s.Names.SharedMem(tenant, namespace, name)
	if _, err := s.Hot.KVDel(ctx, key); err != nil {
		return fmt.Errorf("hot del %s: %w", key, err)
	}
	if !opts.Tombstone {
		return nil
	}
	now := time.Now()
	row := &model.SharedMemory{Key: name, Namespace: namespace, Tenant: tenant}
	row.System.Tombstone = true
	row.System.DeletedAt = &now
	if err := s.Warm.Put(ctx, row); err != nil {
		return fmt.Errorf("warm tombstone %s: %w", name, err)
	}
	return nil
}

// Exists reports whether the hot copy currently exists.
func (s *SharedMemoryService) Exists(ctx context.Context, name string, opts *GetOptions) (bool, error) {
	if opts == nil {
		opts = &GetOptions{}
	}
	tenant, namespace := scope(s.Cfg, opts.Tenant, opts.Namespace)
	n, err := s.Hot.KVExists(ctx, s.Names.SharedMem(tenant, namespace, name))
	return n > 0, err
}

// Expire sets a TTL on the hot copy; false when it is absent.
func (s *SharedMemoryService) Expire(ctx context.Context, name string, ttl time.Duration, opts *GetOptions) (bool, error) {
	if opts == nil {
		opts = &GetOptions{}
	}
	tenant, namespace := scope(s.Cfg, opts.Tenant, opts.Namespace)
	return s.Hot.KVExpire(ctx, s.Names.SharedMem(tenant, namespace, name), ttl)
}
