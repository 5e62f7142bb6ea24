package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"chronow/pkg/broker/infrastructure/hotstore"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	cli := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	store, err := NewWithClient(cli)
	require.NoError(t, err)
	return s, store
}

func TestNewWithClient_NilClient(t *testing.T) {
	_, err := NewWithClient(nil)
	require.Error(t, err)
}

func TestKV_SetGetDelExists(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.KVSet(ctx, "k1", []byte("v1"), 0))
	got, err := store.KVGet(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)

	n, err := store.KVExists(ctx, "k1", "absent")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = store.KVDel(ctx, "k1", "absent")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	got, err = store.KVGet(ctx, "k1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestKV_TTLExpiry(t *testing.T) {
	mr, store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.KVSet(ctx, "k", []byte("v"), time.Second))
	mr.FastForward(2 * time.Second)

	got, err := store.KVGet(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestKV_ExpireExisting(t *testing.T) {
	mr, store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.KVSet(ctx, "k", []byte("v"), 0))
	ok, err := store.KVExpire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.KVExpire(ctx, "absent", time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	mr.FastForward(2 * time.Second)
	got, err := store.KVGet(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestHash_SetGet(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.HashSet(ctx, "h", "config", `{"a":1}`))
	val, err := store.HashGet(ctx, "h", "config")
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, val)

	val, err = store.HashGet(ctx, "h", "missing")
	require.NoError(t, err)
	require.Empty(t, val)
}

func TestLog_AppendReadAck(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()
	log := "cw:t:n:topic:orders"

	require.NoError(t, store.GroupCreate(ctx, log, "sub:g", "0"))
	require.ErrorIs(t, store.GroupCreate(ctx, log, "sub:g", "0"), hotstore.ErrGroupExists)

	id, err := store.LogAppend(ctx, log, map[string]string{"payload": `{"id":"A"}`}, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entries, err := store.GroupRead(ctx, log, "sub:g", "c1", 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, id, entries[0].ID)
	require.Equal(t, `{"id":"A"}`, entries[0].Fields["payload"])

	// entry is in flight until acked
	pending, err := store.GroupPending(ctx, log, "sub:g", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "c1", pending[0].Consumer)

	n, err := store.GroupAck(ctx, log, "sub:g", id)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	pending, err = store.GroupPending(ctx, log, "sub:g", 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	// never redelivered to the same group after ack
	entries, err = store.GroupRead(ctx, log, "sub:g", "c1", 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestLog_AppendBatch(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()
	log := "cw:t:n:topic:batch"

	ids, err := store.LogAppendBatch(ctx, log, []map[string]string{
		{"payload": "1"}, {"payload": "2"}, {"payload": "3"},
	}, 1000)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	length, err := store.LogLen(ctx, log)
	require.NoError(t, err)
	require.EqualValues(t, 3, length)
}

func TestLog_Range(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()
	log := "cw:t:n:topic:range"

	var ids []string
	for _, p := range []string{"a", "b", "c"} {
		id, err := store.LogAppend(ctx, log, map[string]string{"payload": p}, 0)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	entries, err := store.LogRange(ctx, log, "-", "+", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, ids[0], entries[0].ID)
	require.Equal(t, ids[1], entries[1].ID)
}

func TestGroup_ReclaimPendingEntry(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()
	log := "cw:t:n:topic:claims"

	require.NoError(t, store.GroupCreate(ctx, log, "sub:g", "0"))
	id, err := store.LogAppend(ctx, log, map[string]string{"payload": "x"}, 0)
	require.NoError(t, err)

	entries, err := store.GroupRead(ctx, log, "sub:g", "dead", 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// minIdle zero claims anything pending regardless of idle time
	claimed, err := store.GroupReclaim(ctx, log, "sub:g", "alive", 0, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, id, claimed[0].ID)

	pending, err := store.GroupPending(ctx, log, "sub:g", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "alive", pending[0].Consumer)
}

func TestGroup_ReadUnknownGroup(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()
	log := "cw:t:n:topic:nogroup"

	_, err := store.LogAppend(ctx, log, map[string]string{"payload": "x"}, 0)
	require.NoError(t, err)

	_, err = store.GroupRead(ctx, log, "sub:none", "c", 10*time.Millisecond, 1)
	require.True(t, errors.Is(err, hotstore.ErrGroupNotFound))
}

func TestZSet_ScheduleAndDrainOrder(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()
	key := "cw:t:n:retry:orders:g"

	require.NoError(t, store.ZAdd(ctx, key, 300, "late"))
	require.NoError(t, store.ZAdd(ctx, key, 100, "early"))
	require.NoError(t, store.ZAdd(ctx, key, 200, "middle"))

	members, err := store.ZRangeByScore(ctx, key, 0, 250, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"early", "middle"}, members)

	n, err := store.ZRem(ctx, key, "early")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	card, err := store.ZCard(ctx, key)
	require.NoError(t, err)
	require.EqualValues(t, 2, card)
}

func TestLogInfo_MissingLog(t *testing.T) {
	_, store := newTestStore(t)
	info, err := store.LogInfo(context.Background(), "cw:absent")
	require.NoError(t, err)
	require.EqualValues(t, 0, info.Length)
	require.EqualValues(t, 0, info.Groups)
}
