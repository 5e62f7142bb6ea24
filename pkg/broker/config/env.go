package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Recognised environment variables. All are optional; FromEnv leaves the
// corresponding defaults in place when a variable is unset.
const (
	EnvMongoOnly    = "CHRONOW_MONGO_ONLY"
	EnvRedisURL     = "REDIS_URL"
	EnvRedisTLS     = "REDIS_TLS"
	EnvRedisUser    = "REDIS_USERNAME"
	EnvRedisPass    = "REDIS_PASSWORD"
	EnvRedisDB      = "REDIS_DB"
	EnvKeyPrefix    = "REDIS_KEY_PREFIX"
	EnvRedisRetryMS = "REDIS_RETRY_MS"
	EnvRedisCACert  = "REDIS_CA_CERT"
	EnvClusterNodes = "REDIS_CLUSTER_NODES"
	EnvMongoURI     = "MONGO_URI"

	EnvSpaceAccessKey = "SPACE_ACCESS_KEY"
	EnvSpaceSecretKey = "SPACE_SECRET_KEY"
	EnvSpaceEndpoint  = "SPACE_ENDPOINT"

	EnvVisibilityTimeoutMS = "REDIS_VISIBILITY_TIMEOUT_MS"
	EnvMaxStreamLen        = "REDIS_MAX_STREAM_LEN"
	EnvMaxPayloadBytes     = "REDIS_MAX_PAYLOAD_BYTES"
)

// FromEnv builds a Config from defaults overridden by process environment.
// Validation is left to the caller so tests can assemble partial configs.
func FromEnv() *Config {
	c := NewConfig()
	c.ApplyEnv()
	return c
}

// ApplyEnv overrides fields of c from the recognised environment variables.
func (c *Config) ApplyEnv() {
	if v, ok := os.LookupEnv(EnvMongoOnly); ok {
		c.MongoOnly = strings.EqualFold(strings.TrimSpace(v), "true")
	}
	if v, ok := os.LookupEnv(EnvRedisURL); ok {
		c.Redis.URL = v
	}
	if v, ok := os.LookupEnv(EnvRedisTLS); ok {
		c.Redis.TLS = strings.EqualFold(strings.TrimSpace(v), "true")
	}
	if v, ok := os.LookupEnv(EnvRedisUser); ok {
		c.Redis.Username = v
	}
	if v, ok := os.LookupEnv(EnvRedisPass); ok {
		c.Redis.Password = v
	}
	if v, ok := os.LookupEnv(EnvRedisDB); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			c.Redis.DB = n
		}
	}
	if v, ok := os.LookupEnv(EnvKeyPrefix); ok {
		c.KeyPrefix = v
	}
	if v, ok := os.LookupEnv(EnvRedisRetryMS); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n > 0 {
			c.Redis.RetryDelay = time.Duration(n) * time.Millisecond
		}
	}
	if v, ok := os.LookupEnv(EnvRedisCACert); ok {
		c.Redis.CACert = v
	}
	if v, ok := os.LookupEnv(EnvClusterNodes); ok {
		c.Redis.ClusterNodes = normalizeClusterNodes(v)
	}
	if v, ok := os.LookupEnv(EnvMongoURI); ok {
		c.Mongo.URI = v
	}
	if v, ok := os.LookupEnv(EnvSpaceAccessKey); ok {
		c.Space.AccessKey = v
	}
	if v, ok := os.LookupEnv(EnvSpaceSecretKey); ok {
		c.Space.SecretKey = v
	}
	if v, ok := os.LookupEnv(EnvSpaceEndpoint); ok {
		c.Space.Endpoint = v
	}
	if v, ok := os.LookupEnv(EnvVisibilityTimeoutMS); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n > 0 {
			c.VisibilityTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v, ok := os.LookupEnv(EnvMaxStreamLen); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n > 0 {
			c.MaxStreamLen = n
		}
	}
	if v, ok := os.LookupEnv(EnvMaxPayloadBytes); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n > 0 {
			c.MaxPayloadBytes = n
		}
	}
}

// MustValidate panics with a joined message when validation fails. Intended
// for wiring paths where a broken config cannot be recovered from.
func (c *Config) MustValidate() {
	if errs := c.Validate(); len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, err := range errs {
			msgs = append(msgs, err.Error())
		}
		panic(fmt.Sprintf("broker config: %s", strings.Join(msgs, "; ")))
	}
}
