package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscriptionConfig_Backoff(t *testing.T) {
	c := &SubscriptionConfig{RetryBackoffMS: []int64{100, 200, 400}}
	require.Equal(t, 100*time.Millisecond, c.Backoff(1))
	require.Equal(t, 200*time.Millisecond, c.Backoff(2))
	require.Equal(t, 400*time.Millisecond, c.Backoff(3))
	// past the end of the sequence the last element repeats
	require.Equal(t, 400*time.Millisecond, c.Backoff(9))
	require.Equal(t, 100*time.Millisecond, c.Backoff(0))
}

func TestSubscriptionConfig_BackoffEmpty(t *testing.T) {
	c := &SubscriptionConfig{}
	require.Equal(t, time.Duration(0), c.Backoff(1))
}

func TestSubscriptionConfig_EncodeDecode(t *testing.T) {
	in := &SubscriptionConfig{
		VisibilityTimeoutMS: 1000,
		MaxDeliveries:       3,
		RetryBackoffMS:      []int64{100, 200, 400},
		DeadLetterEnabled:   true,
		BlockMS:             250,
		CountPerRead:        10,
	}
	raw, err := in.Encode()
	require.NoError(t, err)

	out, err := DecodeSubscriptionConfig(raw)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecodeSubscriptionConfig_Missing(t *testing.T) {
	out, err := DecodeSubscriptionConfig("")
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestRegisteredModels(t *testing.T) {
	registered := GetRegisterModels()
	for _, table := range []string{"shared_memory", "topics", "messages", "dead_letters"} {
		require.Contains(t, registered, table)
	}

	// identity uniqueness is declared on the entity and consumed by
	// index-capable warm drivers; dead letters intentionally have none
	type uniqueIndexer interface{ UniqueIndex() []string }
	for table, entity := range registered {
		idx, ok := entity.(uniqueIndexer)
		switch table {
		case "dead_letters":
			require.False(t, ok, "dead_letters must not declare a unique index")
		default:
			require.True(t, ok, "%s must declare a unique index", table)
			require.NotEmpty(t, idx.UniqueIndex())
		}
	}
}

func TestEntityIdentity(t *testing.T) {
	sm := &SharedMemory{Key: "k", Namespace: "ns", Tenant: "t"}
	require.Equal(t, "t:ns:k", sm.PrimaryKey())
	require.Equal(t, map[string]interface{}{"key": "k", "namespace": "ns", "tenant": "t"}, sm.Index())

	topic := &Topic{Topic: "orders", Tenant: "t"}
	require.Equal(t, "t:orders", topic.PrimaryKey())

	msg := &Message{Topic: "orders", MsgID: "1-0", Tenant: "t"}
	require.Equal(t, "t:orders:1-0", msg.PrimaryKey())
}
