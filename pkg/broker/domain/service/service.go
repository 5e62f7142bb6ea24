// Package service implements the broker's messaging core over the hot
// and warm tiers: shared memory, topic lifecycle, publishing, retry
// scheduling, dead-lettering and the consumer loop.
package service

import (
	"errors"

	"chronow/pkg/broker/config"
	"chronow/pkg/broker/utils/codec"
)

var (
	// ErrSubscriptionNotFound is returned when a consumer is invoked on
	// a subscription that was never ensured. Fatal for that consumer.
	ErrSubscriptionNotFound = errors.New("subscription does not exist")

	// ErrPayloadTooLarge mirrors the codec bound so callers need not
	// import the codec package to test for it.
	ErrPayloadTooLarge = codec.ErrPayloadTooLarge
)

// Log entry field names shared by producer, retry drain, DLQ and consumer.
const (
	fieldPayload     = "payload"
	fieldHeaders     = "headers"
	fieldHash        = "hash"
	fieldSize        = "size"
	fieldPublishedAt = "publishedAt"
	fieldRetryOf     = "retryOf"
	fieldAttempt     = "attempt"

	fieldOriginalID = "originalMsgId"
	fieldReason     = "reason"
	fieldDeliveries = "deliveries"
	fieldFailedAt   = "failedAt"
)

// scope resolves tenant and namespace labels against the configured
// defaults.
func scope(cfg *config.Config, tenant, namespace string) (string, string) {
	if tenant == "" {
		tenant = cfg.Tenant
	}
	if namespace == "" {
		namespace = cfg.Namespace
	}
	return tenant, namespace
}
