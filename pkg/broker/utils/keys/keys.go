// Package keys composes every hot-store key used by the broker.
//
// All keys follow <prefix><tenant>:<namespace>:<kind>:<name> with
// kind one of sm, topic, sub, retry, dlq. Keeping composition in one
// place guarantees no collision across kinds.
package keys

import "strings"

const (
	KindSharedMem = "sm"
	KindTopic     = "topic"
	KindSub       = "sub"
	KindRetry     = "retry"
	KindDlq       = "dlq"
)

// Namer builds namespaced keys under a fixed prefix.
type Namer struct {
	prefix string
}

// NewNamer returns a Namer with the given key prefix, e.g. "cw:".
func NewNamer(prefix string) *Namer {
	return &Namer{prefix: prefix}
}

func (n *Namer) compose(tenant, namespace, kind string, parts ...string) string {
	var b strings.Builder
	b.WriteString(n.prefix)
	b.WriteString(tenant)
	b.WriteByte(':')
	b.WriteString(namespace)
	b.WriteByte(':')
	b.WriteString(kind)
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}

// SharedMem returns the key for a shared-memory value.
func (n *Namer) SharedMem(tenant, namespace, name string) string {
	return n.compose(tenant, namespace, KindSharedMem, name)
}

// Topic returns the log key for a topic.
func (n *Namer) Topic(tenant, namespace, topic string) string {
	return n.compose(tenant, namespace, KindTopic, topic)
}

// Retry returns the sorted-set key scheduling retries for a subscription.
func (n *Namer) Retry(tenant, namespace, topic, subscription string) string {
	return n.compose(tenant, namespace, KindRetry, topic, subscription)
}

// Dlq returns the dead-letter log key for a topic.
func (n *Namer) Dlq(tenant, namespace, topic string) string {
	return n.compose(tenant, namespace, KindDlq, topic)
}

// SubConfig returns the hash key persisting a subscription's config.
func (n *Namer) SubConfig(tenant, namespace, topic, subscription string) string {
	return n.Topic(tenant, namespace, topic) + ":sub:" + subscription + ":config"
}

// Group returns the consumer-group name for a subscription.
func (n *Namer) Group(subscription string) string {
	return "sub:" + subscription
}
