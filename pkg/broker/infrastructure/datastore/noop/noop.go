// Package noop is the stub warm adapter: reads miss, writes drop. It
// keeps the broker functional when no durable tier is configured.
package noop

import (
	"context"

	"chronow/pkg/broker/infrastructure/datastore"
)

type Driver struct{}

// New returns the stub datastore.
func New() *Driver { return &Driver{} }

var _ datastore.DataStore = (*Driver)(nil)

func (n *Driver) Add(ctx context.Context, entity datastore.Entity) error        { return nil }
func (n *Driver) BatchAdd(ctx context.Context, entities []datastore.Entity) error { return nil }
func (n *Driver) Put(ctx context.Context, entity datastore.Entity) error        { return nil }
func (n *Driver) Delete(ctx context.Context, entity datastore.Entity) error     { return nil }
func (n *Driver) DeleteMany(ctx context.Context, query datastore.Entity) error  { return nil }

func (n *Driver) Get(ctx context.Context, entity datastore.Entity) error {
	return datastore.ErrRecordNotExist
}

func (n *Driver) List(ctx context.Context, query datastore.Entity, op *datastore.ListOptions) ([]datastore.Entity, error) {
	return nil, nil
}

func (n *Driver) Count(ctx context.Context, entity datastore.Entity) (int64, error) {
	return 0, nil
}

func (n *Driver) IsExist(ctx context.Context, entity datastore.Entity) (bool, error) {
	return false, nil
}

func (n *Driver) Close(ctx context.Context) error { return nil }
