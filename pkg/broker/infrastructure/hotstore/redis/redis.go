// Package redis maps the hot-store contract onto a native streaming-log
// store. Append is O(1); reclaim uses XAUTOCLAIM; TTL, hashes and sorted
// sets are native commands.
package redis

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	"chronow/pkg/broker/infrastructure/hotstore"
)

// commander abstracts the subset of the go-redis client used by the
// store. It allows tests to inject a fake implementation without a real
// server; redis.UniversalClient satisfies it for both single-node and
// cluster deployments.
type commander interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XGroupDestroy(ctx context.Context, stream, group string) *redis.IntCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XLen(ctx context.Context, stream string) *redis.IntCmd
	XRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
	XInfoGroups(ctx context.Context, key string) *redis.XInfoGroupsCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	TxPipeline() redis.Pipeliner
	Close() error
}

// Store implements hotstore.Store over Redis.
type Store struct {
	cli commander
}

// NewWithClient builds a Store using a shared go-redis client (or any
// compatible implementation). Store.Close closes that client.
func NewWithClient(cli commander) (*Store, error) {
	if cli == nil {
		return nil, errors.New("redis client is nil")
	}
	return &Store{cli: cli}, nil
}

var _ hotstore.Store = (*Store)(nil)

func (s *Store) KVSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.cli.Set(ctx, key, value, ttl).Err()
}

func (s *Store) KVGet(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.cli.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return raw, err
}

func (s *Store) KVDel(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return s.cli.Del(ctx, keys...).Result()
}

func (s *Store) KVExists(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return s.cli.Exists(ctx, keys...).Result()
}

func (s *Store) KVExpire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.cli.Expire(ctx, key, ttl).Result()
}

func (s *Store) HashSet(ctx context.Context, key, field, value string) error {
	return s.cli.HSet(ctx, key, field, value).Err()
}

func (s *Store) HashGet(ctx context.Context, key, field string) (string, error) {
	val, err := s.cli.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (s *Store) LogAppend(ctx context.Context, log string, entry map[string]string, maxLen int64) (string, error) {
	return s.cli.XAdd(ctx, xaddArgs(log, entry, maxLen)).Result()
}

func (s *Store) LogAppendBatch(ctx context.Context, log string, entries []map[string]string, maxLen int64) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	pipe := s.cli.TxPipeline()
	cmds := make([]*redis.StringCmd, 0, len(entries))
	for _, entry := range entries {
		cmds = append(cmds, pipe.XAdd(ctx, xaddArgs(log, entry, maxLen)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		id, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func xaddArgs(log string, entry map[string]string, maxLen int64) *redis.XAddArgs {
	values := make(map[string]interface{}, len(entry))
	for k, v := range entry {
		values[k] = v
	}
	args := &redis.XAddArgs{Stream: log, Values: values}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return args
}

func (s *Store) GroupCreate(ctx context.Context, log, group, start string) error {
	err := s.cli.XGroupCreateMkStream(ctx, log, group, start).Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return hotstore.ErrGroupExists
	}
	return err
}

func (s *Store) GroupDestroy(ctx context.Context, log, group string) error {
	return s.cli.XGroupDestroy(ctx, log, group).Err()
}

func (s *Store) GroupRead(ctx context.Context, log, group, consumer string, block time.Duration, count int64) ([]hotstore.Entry, error) {
	res, err := s.cli.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{log, ">"},
		Count:    count,
		Block:    block,
		NoAck:    false,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		if strings.Contains(err.Error(), "NOGROUP") {
			return nil, hotstore.ErrGroupNotFound
		}
		return nil, err
	}
	var entries []hotstore.Entry
	for _, stream := range res {
		for _, m := range stream.Messages {
			entries = append(entries, toEntry(m))
		}
	}
	return entries, nil
}

func (s *Store) GroupAck(ctx context.Context, log, group string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return s.cli.XAck(ctx, log, group, ids...).Result()
}

func (s *Store) GroupReclaim(ctx context.Context, log, group, consumer string, minIdle time.Duration, count int64) ([]hotstore.Entry, error) {
	// Start from 0-0 each time; the pending set is small by construction.
	msgs, _, err := s.cli.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   log,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		if strings.Contains(err.Error(), "NOGROUP") {
			return nil, hotstore.ErrGroupNotFound
		}
		return nil, err
	}
	entries := make([]hotstore.Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, toEntry(m))
	}
	return entries, nil
}

func (s *Store) GroupPending(ctx context.Context, log, group string, count int64) ([]hotstore.PendingEntry, error) {
	res, err := s.cli.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: log,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if strings.Contains(err.Error(), "NOGROUP") {
			return nil, hotstore.ErrGroupNotFound
		}
		return nil, err
	}
	pending := make([]hotstore.PendingEntry, 0, len(res))
	for _, p := range res {
		pending = append(pending, hotstore.PendingEntry{
			ID:         p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			Deliveries: p.RetryCount,
		})
	}
	return pending, nil
}

func (s *Store) LogLen(ctx context.Context, log string) (int64, error) {
	return s.cli.XLen(ctx, log).Result()
}

func (s *Store) LogRange(ctx context.Context, log, start, end string, count int64) ([]hotstore.Entry, error) {
	msgs, err := s.cli.XRangeN(ctx, log, start, end, count).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]hotstore.Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, toEntry(m))
	}
	return entries, nil
}

func (s *Store) LogInfo(ctx context.Context, log string) (hotstore.LogInfo, error) {
	length, err := s.cli.XLen(ctx, log).Result()
	if err != nil {
		return hotstore.LogInfo{}, err
	}
	groups, err := s.cli.XInfoGroups(ctx, log).Result()
	if err != nil {
		// A log that was never written has no group metadata; report zero.
		if strings.Contains(err.Error(), "no such key") {
			return hotstore.LogInfo{Length: length}, nil
		}
		return hotstore.LogInfo{}, err
	}
	return hotstore.LogInfo{Length: length, Groups: int64(len(groups))}, nil
}

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.cli.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error) {
	opt := &redis.ZRangeBy{Min: formatScore(min), Max: formatScore(max)}
	if limit > 0 {
		opt.Count = limit
	}
	return s.cli.ZRangeByScore(ctx, key, opt).Result()
}

func (s *Store) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]interface{}, 0, len(members))
	for _, m := range members {
		args = append(args, m)
	}
	return s.cli.ZRem(ctx, key, args...).Result()
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	return s.cli.ZCard(ctx, key).Result()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.cli.Ping(ctx).Err()
}

func (s *Store) Close() error { return s.cli.Close() }

func toEntry(m redis.XMessage) hotstore.Entry {
	fields := make(map[string]string, len(m.Values))
	for k, raw := range m.Values {
		switch v := raw.(type) {
		case string:
			fields[k] = v
		case []byte:
			fields[k] = string(v)
		default:
			klog.Warningf("stream entry %s field %s has unexpected type %T", m.ID, k, v)
		}
	}
	return hotstore.Entry{ID: m.ID, Fields: fields}
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}
