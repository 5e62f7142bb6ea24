package clients

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chronow/pkg/broker/config"
)

var (
	mongoMu sync.Mutex
	mClient *mongo.Client
)

// EnsureMongo returns a process-wide mongo client built from cfg if not
// yet initialized. The same client backs the emulated hot store and the
// warm store.
func EnsureMongo(ctx context.Context, cfg *config.Config) (*mongo.Client, error) {
	mongoMu.Lock()
	defer mongoMu.Unlock()
	if mClient != nil {
		return mClient, nil
	}
	if cfg.Mongo.URI == "" {
		return nil, fmt.Errorf("%w: MONGO_URI is empty", config.ErrConfigInvalid)
	}
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	cli, err := mongo.Connect(connectCtx, options.Client().
		ApplyURI(cfg.Mongo.URI).
		SetConnectTimeout(cfg.ConnectTimeout))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	if err := cli.Ping(connectCtx, nil); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	mClient = cli
	return mClient, nil
}

// GetMongo returns the initialized mongo client or nil if not initialized.
func GetMongo() *mongo.Client { return mClient }

// CloseMongo disconnects and forgets the process-wide client.
func CloseMongo(ctx context.Context) error {
	mongoMu.Lock()
	defer mongoMu.Unlock()
	if mClient == nil {
		return nil
	}
	err := mClient.Disconnect(ctx)
	mClient = nil
	return err
}
