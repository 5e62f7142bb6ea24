// Package memory is an in-memory warm datastore used by tests and by
// deployments that opt out of durable mirroring.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"chronow/pkg/broker/infrastructure/datastore"
)

// Driver keeps every table as a map of primary key to a JSON snapshot of
// the entity. Snapshots keep callers from mutating stored state through
// retained pointers.
type Driver struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte
}

// New builds an empty in-memory datastore.
func New() *Driver {
	return &Driver{tables: map[string]map[string][]byte{}}
}

var _ datastore.DataStore = (*Driver)(nil)

func (m *Driver) table(name string) map[string][]byte {
	t, ok := m.tables[name]
	if !ok {
		t = map[string][]byte{}
		m.tables[name] = t
	}
	return t
}

func snapshot(entity datastore.Entity) ([]byte, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, datastore.NewDBError(err)
	}
	return raw, nil
}

func validate(entity datastore.Entity) error {
	if entity == nil {
		return datastore.ErrNilEntity
	}
	if entity.TableName() == "" {
		return datastore.ErrTableNameEmpty
	}
	return nil
}

func (m *Driver) Add(ctx context.Context, entity datastore.Entity) error {
	if err := validate(entity); err != nil {
		return err
	}
	if entity.PrimaryKey() == "" {
		return datastore.ErrPrimaryEmpty
	}
	entity.SetCreateTime(time.Now())
	entity.SetUpdateTime(time.Now())
	raw, err := snapshot(entity)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(entity.TableName())
	if _, exist := t[entity.PrimaryKey()]; exist {
		return datastore.ErrRecordExist
	}
	t[entity.PrimaryKey()] = raw
	return nil
}

func (m *Driver) BatchAdd(ctx context.Context, entities []datastore.Entity) error {
	for _, entity := range entities {
		if err := m.Add(ctx, entity); err != nil {
			return err
		}
	}
	return nil
}

func (m *Driver) Put(ctx context.Context, entity datastore.Entity) error {
	if err := validate(entity); err != nil {
		return err
	}
	if entity.PrimaryKey() == "" {
		return datastore.ErrPrimaryEmpty
	}
	entity.SetUpdateTime(time.Now())
	raw, err := snapshot(entity)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table(entity.TableName())[entity.PrimaryKey()] = raw
	return nil
}

// matches reports whether the stored snapshot satisfies every index
// field of the query.
func matches(raw []byte, index map[string]interface{}) bool {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false
	}
	for k, v := range index {
		got, ok := doc[k]
		if !ok {
			return false
		}
		want, _ := json.Marshal(v)
		have, _ := json.Marshal(got)
		if string(want) != string(have) {
			return false
		}
	}
	return true
}

func (m *Driver) Get(ctx context.Context, entity datastore.Entity) error {
	if err := validate(entity); err != nil {
		return err
	}
	index := entity.Index()
	if len(index) == 0 {
		return datastore.ErrIndexInvalid
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, raw := range m.table(entity.TableName()) {
		if matches(raw, index) {
			return json.Unmarshal(raw, entity)
		}
	}
	return datastore.ErrRecordNotExist
}

func (m *Driver) Delete(ctx context.Context, entity datastore.Entity) error {
	if err := validate(entity); err != nil {
		return err
	}
	index := entity.Index()
	if len(index) == 0 {
		return datastore.ErrIndexInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(entity.TableName())
	for pk, raw := range t {
		if matches(raw, index) {
			delete(t, pk)
			return nil
		}
	}
	return datastore.ErrRecordNotExist
}

func (m *Driver) DeleteMany(ctx context.Context, query datastore.Entity) error {
	if err := validate(query); err != nil {
		return err
	}
	index := query.Index()
	if len(index) == 0 {
		return datastore.ErrIndexInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(query.TableName())
	for pk, raw := range t {
		if matches(raw, index) {
			delete(t, pk)
		}
	}
	return nil
}

func (m *Driver) List(ctx context.Context, query datastore.Entity, op *datastore.ListOptions) ([]datastore.Entity, error) {
	if err := validate(query); err != nil {
		return nil, err
	}
	index := query.Index()
	m.mu.RLock()
	var snapshots [][]byte
	for _, raw := range m.table(query.TableName()) {
		if matches(raw, index) {
			snapshots = append(snapshots, raw)
		}
	}
	m.mu.RUnlock()

	// deterministic order for callers that page without sorting
	sort.Slice(snapshots, func(i, j int) bool {
		return string(snapshots[i]) < string(snapshots[j])
	})

	var list []datastore.Entity
	for _, raw := range snapshots {
		item, err := datastore.NewEntity(query)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, item); err != nil {
			return nil, datastore.NewDBError(err)
		}
		list = append(list, item)
	}
	if op != nil && op.Page > 0 && op.PageSize > 0 {
		start := (op.Page - 1) * op.PageSize
		if start >= len(list) {
			return nil, nil
		}
		end := start + op.PageSize
		if end > len(list) {
			end = len(list)
		}
		list = list[start:end]
	}
	return list, nil
}

func (m *Driver) Count(ctx context.Context, entity datastore.Entity) (int64, error) {
	if err := validate(entity); err != nil {
		return 0, err
	}
	index := entity.Index()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, raw := range m.table(entity.TableName()) {
		if matches(raw, index) {
			n++
		}
	}
	return n, nil
}

func (m *Driver) IsExist(ctx context.Context, entity datastore.Entity) (bool, error) {
	n, err := m.Count(ctx, entity)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (m *Driver) Close(ctx context.Context) error { return nil }
