package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	c := NewConfig()
	require.Equal(t, DefaultKeyPrefix, c.KeyPrefix)
	require.Equal(t, DefaultTenant, c.Tenant)
	require.Equal(t, DefaultNamespace, c.Namespace)
	require.Equal(t, 30*time.Second, c.VisibilityTimeout)
	require.EqualValues(t, 100000, c.MaxStreamLen)
	require.EqualValues(t, 262144, c.MaxPayloadBytes)
	require.Equal(t, WarmMongoDB, c.Warm.Type)
}

func TestValidate_NativeWithoutEndpoint(t *testing.T) {
	c := NewConfig()
	c.Warm.Type = WarmMemory
	errs := c.Validate()
	require.Len(t, errs, 1)
	require.True(t, errors.Is(errs[0], ErrConfigInvalid))
}

func TestValidate_MongoOnlyNeedsURI(t *testing.T) {
	c := NewConfig()
	c.MongoOnly = true
	c.Warm.Type = WarmMemory
	errs := c.Validate()
	require.Len(t, errs, 1)

	c.Mongo.URI = "mongodb://localhost:27017"
	require.Empty(t, c.Validate())
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvMongoOnly, "true")
	t.Setenv(EnvMongoURI, "mongodb://db:27017")
	t.Setenv(EnvKeyPrefix, "x:")
	t.Setenv(EnvVisibilityTimeoutMS, "1500")
	t.Setenv(EnvMaxStreamLen, "42")
	t.Setenv(EnvMaxPayloadBytes, "1024")
	t.Setenv(EnvClusterNodes, "a:6379, b:6379 ,")
	t.Setenv(EnvRedisRetryMS, "250")

	c := FromEnv()
	require.True(t, c.MongoOnly)
	require.Equal(t, "mongodb://db:27017", c.Mongo.URI)
	require.Equal(t, "x:", c.KeyPrefix)
	require.Equal(t, 1500*time.Millisecond, c.VisibilityTimeout)
	require.EqualValues(t, 42, c.MaxStreamLen)
	require.EqualValues(t, 1024, c.MaxPayloadBytes)
	require.Equal(t, []string{"a:6379", "b:6379"}, c.Redis.ClusterNodes)
	require.Equal(t, 250*time.Millisecond, c.Redis.RetryDelay)
	require.Empty(t, c.Validate())
}

func TestApplyEnv_BadNumbersIgnored(t *testing.T) {
	t.Setenv(EnvVisibilityTimeoutMS, "not-a-number")
	t.Setenv(EnvMaxStreamLen, "-5")
	c := FromEnv()
	require.Equal(t, DefaultVisibilityTimeout, c.VisibilityTimeout)
	require.EqualValues(t, DefaultMaxStreamLen, c.MaxStreamLen)
}
