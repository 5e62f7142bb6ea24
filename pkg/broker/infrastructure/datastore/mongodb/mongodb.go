// Package mongodb is the document-database driver of the warm datastore.
package mongodb

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"k8s.io/klog/v2"

	"chronow/pkg/broker/domain/model"
	"chronow/pkg/broker/infrastructure/datastore"
)

// Driver is the MongoDB implementation of datastore.DataStore.
type Driver struct {
	db *mongo.Database
}

// New builds a Driver over the given warm database and ensures the
// unique indexes each registered entity's identity demands.
func New(ctx context.Context, db *mongo.Database) (*Driver, error) {
	d := &Driver{db: db}
	if err := d.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

var _ datastore.DataStore = (*Driver)(nil)

// ensureIndexes walks the registered models and creates a unique index
// for every entity that declares one.
func (m *Driver) ensureIndexes(ctx context.Context) error {
	for table, entity := range model.GetRegisterModels() {
		indexer, ok := entity.(datastore.UniqueIndexer)
		if !ok {
			continue
		}
		keys := bson.D{}
		for _, f := range indexer.UniqueIndex() {
			keys = append(keys, bson.E{Key: f, Value: 1})
		}
		if len(keys) == 0 {
			continue
		}
		_, err := m.db.Collection(table).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    keys,
			Options: options.Index().SetUnique(true),
		})
		if err != nil {
			return datastore.NewDBError(err)
		}
	}
	return nil
}

func identityFilter(entity datastore.Entity) (bson.M, error) {
	index := entity.Index()
	if len(index) == 0 {
		return nil, datastore.ErrIndexInvalid
	}
	filter := bson.M{}
	for k, v := range index {
		filter[k] = v
	}
	return filter, nil
}

// Add a data model
func (m *Driver) Add(ctx context.Context, entity datastore.Entity) error {
	if entity == nil {
		return datastore.ErrNilEntity
	}
	if entity.PrimaryKey() == "" {
		return datastore.ErrPrimaryEmpty
	}
	if entity.TableName() == "" {
		return datastore.ErrTableNameEmpty
	}
	entity.SetCreateTime(time.Now())
	entity.SetUpdateTime(time.Now())

	if _, err := m.db.Collection(entity.TableName()).InsertOne(ctx, entity); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return datastore.ErrRecordExist
		}
		return datastore.NewDBError(err)
	}
	return nil
}

// BatchAdd batch adds entity, this operation has some atomicity.
func (m *Driver) BatchAdd(ctx context.Context, entities []datastore.Entity) error {
	notRollback := make(map[string]bool)
	for i, saveEntity := range entities {
		if err := m.Add(ctx, saveEntity); err != nil {
			if errors.Is(err, datastore.ErrRecordExist) {
				notRollback[saveEntity.PrimaryKey()] = true
			}
			for _, deleteEntity := range entities[:i] {
				if _, exist := notRollback[deleteEntity.PrimaryKey()]; !exist {
					if err := m.Delete(ctx, deleteEntity); err != nil {
						if !errors.Is(err, datastore.ErrRecordNotExist) {
							klog.Errorf("rollback delete entity failure %v", err)
						}
					}
				}
			}
			return datastore.NewDBError(err)
		}
	}
	return nil
}

// Put update data model, upserting when absent.
func (m *Driver) Put(ctx context.Context, entity datastore.Entity) error {
	if entity == nil {
		return datastore.ErrNilEntity
	}
	if entity.PrimaryKey() == "" {
		return datastore.ErrPrimaryEmpty
	}
	if entity.TableName() == "" {
		return datastore.ErrTableNameEmpty
	}
	entity.SetUpdateTime(time.Now())
	filter, err := identityFilter(entity)
	if err != nil {
		return err
	}
	_, err = m.db.Collection(entity.TableName()).ReplaceOne(ctx, filter, entity,
		options.Replace().SetUpsert(true))
	if err != nil {
		return datastore.NewDBError(err)
	}
	return nil
}

// Get get data model
func (m *Driver) Get(ctx context.Context, entity datastore.Entity) error {
	if entity == nil {
		return datastore.ErrNilEntity
	}
	if entity.TableName() == "" {
		return datastore.ErrTableNameEmpty
	}
	filter, err := identityFilter(entity)
	if err != nil {
		return err
	}
	if err := m.db.Collection(entity.TableName()).FindOne(ctx, filter).Decode(entity); err != nil {
		if err == mongo.ErrNoDocuments {
			return datastore.ErrRecordNotExist
		}
		return datastore.NewDBError(err)
	}
	return nil
}

// Delete entity from database by identity.
func (m *Driver) Delete(ctx context.Context, entity datastore.Entity) error {
	if entity == nil {
		return datastore.ErrNilEntity
	}
	if entity.TableName() == "" {
		return datastore.ErrTableNameEmpty
	}
	filter, err := identityFilter(entity)
	if err != nil {
		return err
	}
	res, err := m.db.Collection(entity.TableName()).DeleteOne(ctx, filter)
	if err != nil {
		return datastore.NewDBError(err)
	}
	if res.DeletedCount == 0 {
		return datastore.ErrRecordNotExist
	}
	return nil
}

// DeleteMany deletes every entity matching the query's index.
func (m *Driver) DeleteMany(ctx context.Context, query datastore.Entity) error {
	if query == nil {
		return datastore.ErrNilEntity
	}
	if query.TableName() == "" {
		return datastore.ErrTableNameEmpty
	}
	filter, err := identityFilter(query)
	if err != nil {
		return err
	}
	if _, err := m.db.Collection(query.TableName()).DeleteMany(ctx, filter); err != nil {
		return datastore.NewDBError(err)
	}
	return nil
}

// List entities from database by the query's index.
func (m *Driver) List(ctx context.Context, query datastore.Entity, op *datastore.ListOptions) ([]datastore.Entity, error) {
	if query == nil {
		return nil, datastore.ErrNilEntity
	}
	if query.TableName() == "" {
		return nil, datastore.ErrTableNameEmpty
	}
	filter := bson.M{}
	for k, v := range query.Index() {
		filter[k] = v
	}
	findOpts := options.Find()
	if op != nil {
		if len(op.SortBy) > 0 {
			sort := bson.D{}
			for _, s := range op.SortBy {
				sort = append(sort, bson.E{Key: s.Key, Value: int(s.Order)})
			}
			findOpts = findOpts.SetSort(sort)
		}
		if op.Page > 0 && op.PageSize > 0 {
			findOpts = findOpts.SetSkip(int64((op.Page - 1) * op.PageSize)).SetLimit(int64(op.PageSize))
		}
	}
	cur, err := m.db.Collection(query.TableName()).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, datastore.NewDBError(err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var list []datastore.Entity
	for cur.Next(ctx) {
		item, err := datastore.NewEntity(query)
		if err != nil {
			return nil, err
		}
		if err := cur.Decode(item); err != nil {
			return nil, datastore.NewDBError(err)
		}
		list = append(list, item)
	}
	if err := cur.Err(); err != nil {
		return nil, datastore.NewDBError(err)
	}
	return list, nil
}

// Count entities matching the query's index.
func (m *Driver) Count(ctx context.Context, entity datastore.Entity) (int64, error) {
	if entity == nil {
		return 0, datastore.ErrNilEntity
	}
	if entity.TableName() == "" {
		return 0, datastore.ErrTableNameEmpty
	}
	filter := bson.M{}
	for k, v := range entity.Index() {
		filter[k] = v
	}
	n, err := m.db.Collection(entity.TableName()).CountDocuments(ctx, filter)
	if err != nil {
		return 0, datastore.NewDBError(err)
	}
	return n, nil
}

// IsExist determine whether data exists.
func (m *Driver) IsExist(ctx context.Context, entity datastore.Entity) (bool, error) {
	n, err := m.Count(ctx, entity)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close is a no-op: the mongo client is shared with the hot tier and
// owned by the clients package.
func (m *Driver) Close(ctx context.Context) error { return nil }
