package config

import "time"

const (
	// Backend type names for the hot tier.
	BackendRedis = "redis"
	BackendMongo = "mongo"

	// Warm datastore driver names.
	WarmMongoDB = "mongodb"
	WarmMemory  = "memory"
	WarmNoop    = "noop"
)

const (
	DefaultKeyPrefix = "cw:"
	DefaultTenant    = "default"
	DefaultNamespace = "msg"

	DefaultHotDatabase  = "chronow_hot"
	DefaultWarmDatabase = "chronow"

	DefaultVisibilityTimeout = 30 * time.Second
	DefaultMaxStreamLen      = 100000
	DefaultMaxPayloadBytes   = 262144

	// DefaultConnectTimeout bounds initial hot/warm store connections.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultBlock is how long a consumer read blocks when the log is empty.
	DefaultBlock = 5 * time.Second

	// DefaultCountPerRead is the max entries fetched per group read.
	DefaultCountPerRead = 10
)

// DefaultRetryBackoffMS is the base delay sequence used when a subscription
// does not configure its own. Attempt n uses index min(n-1, len-1).
var DefaultRetryBackoffMS = []int64{1000, 5000, 30000}
