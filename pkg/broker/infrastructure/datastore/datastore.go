/*
Copyright 2021 The KubeVela Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package datastore

import (
	"context"
	"fmt"
	"reflect"
	"time"
)

var (

	// ErrPrimaryEmpty Error that primary key is empty.
	ErrPrimaryEmpty = NewDBError(fmt.Errorf("entity primary is empty"))

	// ErrTableNameEmpty Error that table name is empty.
	ErrTableNameEmpty = NewDBError(fmt.Errorf("entity table name is empty"))

	// ErrNilEntity Error that entity is nil
	ErrNilEntity = NewDBError(fmt.Errorf("entity is nil"))

	// ErrRecordExist Error that entity primary key is exist
	ErrRecordExist = NewDBError(fmt.Errorf("data record is exist"))

	// ErrRecordNotExist Error that entity primary key is not exist
	ErrRecordNotExist = NewDBError(fmt.Errorf("data record is not exist"))

	// ErrIndexInvalid Error that entity index is invalid
	ErrIndexInvalid = NewDBError(fmt.Errorf("entity index is invalid"))

	// ErrEntityInvalid Error that entity is invalid
	ErrEntityInvalid = NewDBError(fmt.Errorf("entity is invalid"))
)

// DBError datastore error
type DBError struct {
	err error
}

func (d *DBError) Error() string {
	return d.err.Error()
}

// NewDBError new datastore error
func NewDBError(err error) error {
	return &DBError{err: err}
}

// Config datastore config
type Config struct {
	Type     string
	URL      string
	Database string
	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout time.Duration
}

// Entity database data model
type Entity interface {
	SetCreateTime(time time.Time)
	SetUpdateTime(time time.Time)
	PrimaryKey() string
	TableName() string
	ShortTableName() string
	Index() map[string]interface{}
}

// UniqueIndexer is implemented by entities whose identity demands a
// unique index. Index-capable drivers create one per registered entity
// at startup.
type UniqueIndexer interface {
	UniqueIndex() []string
}

// NewEntity Create a new object based on the input type
func NewEntity(in Entity) (Entity, error) {
	if in == nil {
		return nil, ErrNilEntity
	}
	t := reflect.TypeOf(in)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	newEntity := reflect.New(t)
	return newEntity.Interface().(Entity), nil
}

// SortOrder is the order of sort
type SortOrder int

const (
	// SortOrderAscending defines the order of ascending for sorting
	SortOrderAscending = SortOrder(1)
	// SortOrderDescending defines the order of descending for sorting
	SortOrderDescending = SortOrder(-1)
)

// SortOption describes the sorting parameters for list
type SortOption struct {
	Key   string
	Order SortOrder
}

// ListOptions list api options
type ListOptions struct {
	Page     int
	PageSize int
	SortBy   []SortOption
}

// DataStore is the durable warm tier. Queries are driven by the Index()
// of the passed entity; implementations assume unique indexes on each
// entity's identity fields.
type DataStore interface {
	// Add adds entity to database, PrimaryKey() and TableName() can't return zero value.
	Add(ctx context.Context, entity Entity) error

	// BatchAdd will adds batched entities to database.
	BatchAdd(ctx context.Context, entities []Entity) error

	// Put will update entity to database, upserting when absent.
	Put(ctx context.Context, entity Entity) error

	// Delete removes one entity matching the query's Index().
	Delete(ctx context.Context, entity Entity) error

	// DeleteMany deletes every entity matching the query's Index().
	DeleteMany(ctx context.Context, query Entity) error

	// Get entity from database by the query's Index(); an empty Index()
	// is rejected with ErrIndexInvalid.
	Get(ctx context.Context, entity Entity) error

	// List entities matching the query's Index(); a zero list without
	// error when nothing matches.
	List(ctx context.Context, query Entity, options *ListOptions) ([]Entity, error)

	// Count entities matching the query's Index().
	Count(ctx context.Context, entity Entity) (int64, error)

	// IsExist reports whether a matching entity exists.
	IsExist(ctx context.Context, entity Entity) (bool, error)

	// Close releases the driver's resources.
	Close(ctx context.Context) error
}
