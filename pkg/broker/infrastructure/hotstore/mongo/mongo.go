// Package mongo reproduces the hot-store contract over a document
// database. Logs become documents in a streams collection with a
// per-group pending marker, consumer groups become cursor documents,
// and KV/hash/zset values share a single kv collection with an
// asynchronous TTL index. Blocking reads are emulated by a capped poll.
package mongo

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"k8s.io/klog/v2"

	"chronow/pkg/broker/infrastructure/hotstore"
)

const (
	collKV      = "kv"
	collStreams = "streams"
	collGroups  = "groups"

	typeString = "string"
	typeHash   = "hash"
	typeZSet   = "zset"

	// maxBlockSlice caps one emulated blocking wait; callers approximate
	// longer blocks by re-entering their read loop.
	maxBlockSlice = time.Second
)

type zsetMember struct {
	Member string  `bson:"member"`
	Score  float64 `bson:"score"`
}

type kvDoc struct {
	Key       string            `bson:"key"`
	Type      string            `bson:"type"`
	Value     []byte            `bson:"value,omitempty"`
	IsBuffer  bool              `bson:"isBuffer,omitempty"`
	Fields    map[string]string `bson:"fields,omitempty"`
	Members   []zsetMember      `bson:"members,omitempty"`
	ExpiresAt *time.Time        `bson:"expiresAt,omitempty"`
}

type pendingState struct {
	Consumer    string    `bson:"consumer"`
	DeliveredAt time.Time `bson:"deliveredAt"`
	Deliveries  int64     `bson:"deliveries"`
}

type streamDoc struct {
	Stream    string                  `bson:"stream"`
	ID        string                  `bson:"id"`
	Timestamp int64                   `bson:"timestamp"`
	Sequence  int64                   `bson:"sequence"`
	Fields    map[string]string       `bson:"fields"`
	Pending   map[string]pendingState `bson:"pending,omitempty"`
}

type groupDoc struct {
	Stream    string    `bson:"stream"`
	Group     string    `bson:"group"`
	LastTS    int64     `bson:"lastTs"`
	LastSeq   int64     `bson:"lastSeq"`
	CreatedAt time.Time `bson:"createdAt"`
}

// Store implements hotstore.Store over a document database.
type Store struct {
	kv      *mongo.Collection
	streams *mongo.Collection
	groups  *mongo.Collection
	client  *mongo.Client

	// id assignment state: ids are "<ms>-<seq>" with seq counting
	// appends within the same millisecond.
	mu     sync.Mutex
	lastMS int64
	seq    int64
}

// New builds a Store over the given hot database. The caller owns the
// client lifecycle; Close here is a no-op for that reason.
func New(db *mongo.Database) *Store {
	return &Store{
		kv:      db.Collection(collKV),
		streams: db.Collection(collStreams),
		groups:  db.Collection(collGroups),
		client:  db.Client(),
	}
}

var _ hotstore.Store = (*Store)(nil)

// EnsureIndexes creates the indexes the emulation depends on: a TTL
// index on kv.expiresAt, the compound stream order index, and the
// unique group identity.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.kv.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "key", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "expiresAt", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
	})
	if err != nil {
		return fmt.Errorf("ensure kv indexes: %w", err)
	}
	_, err = s.streams.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "stream", Value: 1}, {Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "stream", Value: 1}, {Key: "timestamp", Value: 1}, {Key: "sequence", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("ensure stream indexes: %w", err)
	}
	_, err = s.groups.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "stream", Value: 1}, {Key: "group", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("ensure group indexes: %w", err)
	}
	return nil
}

// notExpired matches a live kv row: either no TTL or one in the future.
// The TTL index removes expired rows asynchronously, so reads filter too.
func notExpired(key string) bson.M {
	return bson.M{
		"key": key,
		"$or": []bson.M{
			{"expiresAt": bson.M{"$exists": false}},
			{"expiresAt": nil},
			{"expiresAt": bson.M{"$gt": time.Now()}},
		},
	}
}

func (s *Store) KVSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	doc := kvDoc{Key: key, Type: typeString, Value: value, IsBuffer: true}
	if ttl > 0 {
		t := time.Now().Add(ttl)
		doc.ExpiresAt = &t
	}
	_, err := s.kv.ReplaceOne(ctx, bson.M{"key": key}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) KVGet(ctx context.Context, key string) ([]byte, error) {
	var doc kvDoc
	err := s.kv.FindOne(ctx, notExpired(key)).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Value, nil
}

// KVDel removes keys. Like the native DEL, a name may denote a log:
// its entry documents and group cursors are dropped with it.
func (s *Store) KVDel(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var removed int64
	for _, key := range keys {
		res, err := s.kv.DeleteMany(ctx, bson.M{"key": key})
		if err != nil {
			return removed, err
		}
		sres, err := s.streams.DeleteMany(ctx, bson.M{"stream": key})
		if err != nil {
			return removed, err
		}
		if _, err := s.groups.DeleteMany(ctx, bson.M{"stream": key}); err != nil {
			return removed, err
		}
		if res.DeletedCount > 0 || sres.DeletedCount > 0 {
			removed++
		}
	}
	return removed, nil
}

func (s *Store) KVExists(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return s.kv.CountDocuments(ctx, bson.M{
		"key": bson.M{"$in": keys},
		"$or": []bson.M{
			{"expiresAt": bson.M{"$exists": false}},
			{"expiresAt": nil},
			{"expiresAt": bson.M{"$gt": time.Now()}},
		},
	})
}

func (s *Store) KVExpire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	res, err := s.kv.UpdateOne(ctx, notExpired(key),
		bson.M{"$set": bson.M{"expiresAt": time.Now().Add(ttl)}})
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

func (s *Store) HashSet(ctx context.Context, key, field, value string) error {
	_, err := s.kv.UpdateOne(ctx, bson.M{"key": key},
		bson.M{"$set": bson.M{"type": typeHash, "fields." + field: value}},
		options.Update().SetUpsert(true))
	return err
}

func (s *Store) HashGet(ctx context.Context, key, field string) (string, error) {
	var doc kvDoc
	err := s.kv.FindOne(ctx, notExpired(key)).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return doc.Fields[field], nil
}

// nextID assigns "<ms>-<seq>" ids, monotonic within this process.
func (s *Store) nextID() (string, int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UnixMilli()
	if now == s.lastMS {
		s.seq++
	} else {
		s.lastMS = now
		s.seq = 0
	}
	return fmt.Sprintf("%d-%d", now, s.seq), now, s.seq
}

func (s *Store) LogAppend(ctx context.Context, log string, entry map[string]string, maxLen int64) (string, error) {
	id, ts, seq := s.nextID()
	fields := make(map[string]string, len(entry))
	for k, v := range entry {
		fields[k] = v
	}
	_, err := s.streams.InsertOne(ctx, streamDoc{
		Stream:    log,
		ID:        id,
		Timestamp: ts,
		Sequence:  seq,
		Fields:    fields,
	})
	if err != nil {
		return "", err
	}
	if maxLen > 0 {
		if err := s.trim(ctx, log, maxLen); err != nil {
			klog.Warningf("soft-trim of %s failed: %v", log, err)
		}
	}
	return id, nil
}

func (s *Store) LogAppendBatch(ctx context.Context, log string, entries []map[string]string, maxLen int64) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	docs := make([]interface{}, 0, len(entries))
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		id, ts, seq := s.nextID()
		fields := make(map[string]string, len(entry))
		for k, v := range entry {
			fields[k] = v
		}
		docs = append(docs, streamDoc{Stream: log, ID: id, Timestamp: ts, Sequence: seq, Fields: fields})
		ids = append(ids, id)
	}
	if _, err := s.streams.InsertMany(ctx, docs); err != nil {
		return nil, err
	}
	if maxLen > 0 {
		if err := s.trim(ctx, log, maxLen); err != nil {
			klog.Warningf("soft-trim of %s failed: %v", log, err)
		}
	}
	return ids, nil
}

// trim deletes the oldest entries past maxLen by (timestamp, sequence).
func (s *Store) trim(ctx context.Context, log string, maxLen int64) error {
	count, err := s.streams.CountDocuments(ctx, bson.M{"stream": log})
	if err != nil {
		return err
	}
	excess := count - maxLen
	if excess <= 0 {
		return nil
	}
	cur, err := s.streams.Find(ctx, bson.M{"stream": log},
		options.Find().
			SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "sequence", Value: 1}}).
			SetLimit(excess).
			SetProjection(bson.M{"id": 1}))
	if err != nil {
		return err
	}
	var oldest []struct {
		ID string `bson:"id"`
	}
	if err := cur.All(ctx, &oldest); err != nil {
		return err
	}
	ids := make([]string, 0, len(oldest))
	for _, d := range oldest {
		ids = append(ids, d.ID)
	}
	_, err = s.streams.DeleteMany(ctx, bson.M{"stream": log, "id": bson.M{"$in": ids}})
	return err
}

func (s *Store) GroupCreate(ctx context.Context, log, group, start string) error {
	doc := groupDoc{Stream: log, Group: group, CreatedAt: time.Now()}
	if start == "$" {
		// deliver only entries appended after creation
		var newest streamDoc
		err := s.streams.FindOne(ctx, bson.M{"stream": log},
			options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "sequence", Value: -1}})).
			Decode(&newest)
		switch err {
		case nil:
			doc.LastTS, doc.LastSeq = newest.Timestamp, newest.Sequence
		case mongo.ErrNoDocuments:
			doc.LastTS = time.Now().UnixMilli()
		default:
			return err
		}
	} else {
		doc.LastTS, doc.LastSeq = parseStreamID(start, 0, -1)
	}
	if _, err := s.groups.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return hotstore.ErrGroupExists
		}
		return err
	}
	return nil
}

func (s *Store) GroupDestroy(ctx context.Context, log, group string) error {
	if _, err := s.groups.DeleteOne(ctx, bson.M{"stream": log, "group": group}); err != nil {
		return err
	}
	_, err := s.streams.UpdateMany(ctx, bson.M{"stream": log},
		bson.M{"$unset": bson.M{pendingPath(group): ""}})
	return err
}

func pendingPath(group string) string { return "pending." + group }

func (s *Store) GroupRead(ctx context.Context, log, group, consumer string, block time.Duration, count int64) ([]hotstore.Entry, error) {
	var g groupDoc
	if err := s.groups.FindOne(ctx, bson.M{"stream": log, "group": group}).Decode(&g); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, hotstore.ErrGroupNotFound
		}
		return nil, err
	}

	entries, err := s.readOnce(ctx, log, group, consumer, g, count)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 || block <= 0 {
		return entries, nil
	}

	// emulate a blocking read: one bounded sleep, one retry
	wait := block
	if wait > maxBlockSlice {
		wait = maxBlockSlice
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(wait):
	}
	if err := s.groups.FindOne(ctx, bson.M{"stream": log, "group": group}).Decode(&g); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, hotstore.ErrGroupNotFound
		}
		return nil, err
	}
	return s.readOnce(ctx, log, group, consumer, g, count)
}

func (s *Store) readOnce(ctx context.Context, log, group, consumer string, g groupDoc, count int64) ([]hotstore.Entry, error) {
	filter := bson.M{
		"stream":             log,
		pendingPath(group):   bson.M{"$exists": false},
		"$or": []bson.M{
			{"timestamp": bson.M{"$gt": g.LastTS}},
			{"timestamp": g.LastTS, "sequence": bson.M{"$gt": g.LastSeq}},
		},
	}
	cur, err := s.streams.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "sequence", Value: 1}}).
		SetLimit(count))
	if err != nil {
		return nil, err
	}
	var candidates []streamDoc
	if err := cur.All(ctx, &candidates); err != nil {
		return nil, err
	}

	now := time.Now()
	var entries []hotstore.Entry
	var lastTS, lastSeq int64 = -1, -1
	for _, doc := range candidates {
		// the pending marker is written atomically; a concurrent reader
		// that claimed this entry first makes this update a no-op
		res, err := s.streams.UpdateOne(ctx,
			bson.M{"stream": log, "id": doc.ID, pendingPath(group): bson.M{"$exists": false}},
			bson.M{"$set": bson.M{pendingPath(group): pendingState{
				Consumer:    consumer,
				DeliveredAt: now,
				Deliveries:  1,
			}}})
		if err != nil {
			return nil, err
		}
		if res.ModifiedCount == 0 {
			continue
		}
		entries = append(entries, hotstore.Entry{ID: doc.ID, Fields: doc.Fields})
		lastTS, lastSeq = doc.Timestamp, doc.Sequence
	}
	if lastTS >= 0 {
		_, err = s.groups.UpdateOne(ctx, bson.M{
			"stream": log,
			"group":  group,
			"$or": []bson.M{
				{"lastTs": bson.M{"$lt": lastTS}},
				{"lastTs": lastTS, "lastSeq": bson.M{"$lt": lastSeq}},
			},
		}, bson.M{"$set": bson.M{"lastTs": lastTS, "lastSeq": lastSeq}})
		if err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (s *Store) GroupAck(ctx context.Context, log, group string, ids ...string) (int64, error) {
	var acked int64
	for _, id := range ids {
		res, err := s.streams.UpdateOne(ctx,
			bson.M{"stream": log, "id": id, pendingPath(group): bson.M{"$exists": true}},
			bson.M{"$unset": bson.M{pendingPath(group): ""}})
		if err != nil {
			return acked, err
		}
		acked += res.ModifiedCount
	}
	return acked, nil
}

func (s *Store) GroupReclaim(ctx context.Context, log, group, consumer string, minIdle time.Duration, count int64) ([]hotstore.Entry, error) {
	cutoff := time.Now().Add(-minIdle)
	cur, err := s.streams.Find(ctx, bson.M{
		"stream":                            log,
		pendingPath(group) + ".deliveredAt": bson.M{"$lte": cutoff},
	}, options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "sequence", Value: 1}}).
		SetLimit(count))
	if err != nil {
		return nil, err
	}
	var stale []streamDoc
	if err := cur.All(ctx, &stale); err != nil {
		return nil, err
	}

	var entries []hotstore.Entry
	for _, doc := range stale {
		res, err := s.streams.UpdateOne(ctx,
			bson.M{
				"stream":                            log,
				"id":                                doc.ID,
				pendingPath(group) + ".deliveredAt": bson.M{"$lte": cutoff},
			},
			bson.M{
				"$set": bson.M{
					pendingPath(group) + ".consumer":    consumer,
					pendingPath(group) + ".deliveredAt": time.Now(),
				},
				"$inc": bson.M{pendingPath(group) + ".deliveries": 1},
			})
		if err != nil {
			return nil, err
		}
		if res.ModifiedCount == 0 {
			continue
		}
		entries = append(entries, hotstore.Entry{ID: doc.ID, Fields: doc.Fields})
	}
	return entries, nil
}

func (s *Store) GroupPending(ctx context.Context, log, group string, count int64) ([]hotstore.PendingEntry, error) {
	cur, err := s.streams.Find(ctx, bson.M{
		"stream":           log,
		pendingPath(group): bson.M{"$exists": true},
	}, options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "sequence", Value: 1}}).
		SetLimit(count))
	if err != nil {
		return nil, err
	}
	var docs []streamDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	now := time.Now()
	pending := make([]hotstore.PendingEntry, 0, len(docs))
	for _, doc := range docs {
		st, ok := doc.Pending[group]
		if !ok {
			continue
		}
		pending = append(pending, hotstore.PendingEntry{
			ID:         doc.ID,
			Consumer:   st.Consumer,
			Idle:       now.Sub(st.DeliveredAt),
			Deliveries: st.Deliveries,
		})
	}
	return pending, nil
}

func (s *Store) LogLen(ctx context.Context, log string) (int64, error) {
	return s.streams.CountDocuments(ctx, bson.M{"stream": log})
}

func (s *Store) LogRange(ctx context.Context, log, start, end string, count int64) ([]hotstore.Entry, error) {
	sTS, sSeq := parseStreamID(start, 0, 0)
	eTS, eSeq := parseStreamID(end, math.MaxInt64, math.MaxInt64)
	filter := bson.M{
		"stream": log,
		"$and": []bson.M{
			{"$or": []bson.M{
				{"timestamp": bson.M{"$gt": sTS}},
				{"timestamp": sTS, "sequence": bson.M{"$gte": sSeq}},
			}},
			{"$or": []bson.M{
				{"timestamp": bson.M{"$lt": eTS}},
				{"timestamp": eTS, "sequence": bson.M{"$lte": eSeq}},
			}},
		},
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "sequence", Value: 1}})
	if count > 0 {
		opts = opts.SetLimit(count)
	}
	cur, err := s.streams.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []streamDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	entries := make([]hotstore.Entry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, hotstore.Entry{ID: doc.ID, Fields: doc.Fields})
	}
	return entries, nil
}

func (s *Store) LogInfo(ctx context.Context, log string) (hotstore.LogInfo, error) {
	length, err := s.streams.CountDocuments(ctx, bson.M{"stream": log})
	if err != nil {
		return hotstore.LogInfo{}, err
	}
	groups, err := s.groups.CountDocuments(ctx, bson.M{"stream": log})
	if err != nil {
		return hotstore.LogInfo{}, err
	}
	return hotstore.LogInfo{Length: length, Groups: groups}, nil
}

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	res, err := s.kv.UpdateOne(ctx,
		bson.M{"key": key, "members.member": member},
		bson.M{"$set": bson.M{"members.$.score": score}})
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	_, err = s.kv.UpdateOne(ctx, bson.M{"key": key},
		bson.M{
			"$set":  bson.M{"type": typeZSet},
			"$push": bson.M{"members": zsetMember{Member: member, Score: score}},
		},
		options.Update().SetUpsert(true))
	return err
}

func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error) {
	doc, err := s.zsetDoc(ctx, key)
	if err != nil || doc == nil {
		return nil, err
	}
	matched := make([]zsetMember, 0, len(doc.Members))
	for _, m := range doc.Members {
		if m.Score >= min && m.Score <= max {
			matched = append(matched, m)
		}
	}
	sortMembersByScore(matched)
	if limit > 0 && int64(len(matched)) > limit {
		matched = matched[:limit]
	}
	out := make([]string, 0, len(matched))
	for _, m := range matched {
		out = append(out, m.Member)
	}
	return out, nil
}

func (s *Store) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	doc, err := s.zsetDoc(ctx, key)
	if err != nil || doc == nil {
		return 0, err
	}
	present := map[string]bool{}
	for _, m := range doc.Members {
		present[m.Member] = true
	}
	var removed int64
	for _, m := range members {
		if present[m] {
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	_, err = s.kv.UpdateOne(ctx, bson.M{"key": key},
		bson.M{"$pull": bson.M{"members": bson.M{"member": bson.M{"$in": members}}}})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	doc, err := s.zsetDoc(ctx, key)
	if err != nil || doc == nil {
		return 0, err
	}
	return int64(len(doc.Members)), nil
}

func (s *Store) zsetDoc(ctx context.Context, key string) (*kvDoc, error) {
	var doc kvDoc
	err := s.kv.FindOne(ctx, notExpired(key)).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close is a no-op: the mongo client is shared with the warm tier and
// owned by the clients package.
func (s *Store) Close() error { return nil }

// parseStreamID parses "<ms>-<seq>", a bare "<ms>", or the open markers:
// "", "-" and "0" give timestamp 0 with defSeq, "+" gives the maximum
// timestamp and sequence. Missing or unparsable parts take the defaults.
func parseStreamID(id string, defTS, defSeq int64) (int64, int64) {
	switch id {
	case "", "-", "0":
		return 0, defSeq
	case "+":
		return math.MaxInt64, math.MaxInt64
	}
	parts := strings.SplitN(id, "-", 2)
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return defTS, defSeq
	}
	if len(parts) == 1 {
		return ts, defSeq
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ts, defSeq
	}
	return ts, seq
}

func sortMembersByScore(members []zsetMember) {
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].Score < members[j].Score
	})
}
