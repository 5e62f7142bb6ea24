// Package hotstore defines the command surface the broker needs from its
// low-latency tier: append-only logs with consumer groups, keyed byte
// values with TTL, hashes, and score-ordered sets. Two interchangeable
// implementations exist: redis (native streaming log) and mongo
// (document-database emulation). Code above this interface never
// branches on the backend.
package hotstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrGroupExists is raised by GroupCreate when the group is already
	// present. Callers ensuring groups swallow it.
	ErrGroupExists = errors.New("consumer group already exists")

	// ErrGroupNotFound is raised by group operations on a missing group.
	ErrGroupNotFound = errors.New("consumer group does not exist")
)

// Entry is one log record: the id assigned on append plus its field map.
type Entry struct {
	ID     string
	Fields map[string]string
}

// PendingEntry describes an in-flight record of a consumer group.
type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	Deliveries int64
}

// LogInfo is the summary returned by Store.LogInfo for stats.
type LogInfo struct {
	Length int64
	Groups int64
}

// Store is the full hot-tier capability set. Every operation is safe
// under concurrent callers; the store is the single source of mutual
// exclusion for group reads, acks and reclaims.
type Store interface {
	// KVSet overwrites key with value, expiring after ttl when ttl > 0.
	KVSet(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// KVGet returns the current value, or nil when absent or expired.
	KVGet(ctx context.Context, key string) ([]byte, error)
	// KVDel removes keys and returns the number actually removed.
	KVDel(ctx context.Context, keys ...string) (int64, error)
	// KVExists returns how many of the given keys currently exist.
	KVExists(ctx context.Context, keys ...string) (int64, error)
	// KVExpire sets a TTL on an existing key; false when the key is absent.
	KVExpire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// HashSet sets one field of a hash-shaped value.
	HashSet(ctx context.Context, key, field, value string) error
	// HashGet reads one field; empty string when key or field is absent.
	HashGet(ctx context.Context, key, field string) (string, error)

	// LogAppend appends entry to log, soft-trimming toward maxLen when
	// maxLen > 0, and returns the new id.
	LogAppend(ctx context.Context, log string, entry map[string]string, maxLen int64) (string, error)
	// LogAppendBatch appends entries in one round trip where the backend
	// supports pipelining, returning the ids in order.
	LogAppendBatch(ctx context.Context, log string, entries []map[string]string, maxLen int64) ([]string, error)

	// GroupCreate creates a consumer group reading from start, creating
	// the log when missing. Returns ErrGroupExists if already present.
	GroupCreate(ctx context.Context, log, group, start string) error
	// GroupDestroy removes a consumer group and its in-flight state.
	GroupDestroy(ctx context.Context, log, group string) error
	// GroupRead delivers up to count never-before-delivered entries to
	// consumer, blocking up to block when the log is empty. Every entry
	// returned is recorded in-flight for (group, consumer).
	GroupRead(ctx context.Context, log, group, consumer string, block time.Duration, count int64) ([]Entry, error)
	// GroupAck removes ids from the group's in-flight set.
	GroupAck(ctx context.Context, log, group string, ids ...string) (int64, error)
	// GroupReclaim transfers in-flight entries idle longer than minIdle
	// to consumer, resetting their idle clock.
	GroupReclaim(ctx context.Context, log, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error)
	// GroupPending inspects up to count in-flight entries.
	GroupPending(ctx context.Context, log, group string, count int64) ([]PendingEntry, error)

	// LogLen returns the current entry count of log.
	LogLen(ctx context.Context, log string) (int64, error)
	// LogRange reads entries in [start, end], oldest first, up to count.
	// "-" and "+" denote the open ends.
	LogRange(ctx context.Context, log, start, end string, count int64) ([]Entry, error)
	// LogInfo summarises a log for stats.
	LogInfo(ctx context.Context, log string) (LogInfo, error)

	// ZAdd inserts or updates a scored member.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRangeByScore returns members with score in [min, max], ascending
	// by score, up to limit when limit > 0.
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error)
	// ZRem removes members and returns how many were removed.
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	// ZCard returns the member count.
	ZCard(ctx context.Context, key string) (int64, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	// Close releases the underlying client.
	Close() error
}
