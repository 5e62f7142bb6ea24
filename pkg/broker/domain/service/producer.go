package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	"chronow/pkg/broker/config"
	"chronow/pkg/broker/domain/model"
	"chronow/pkg/broker/infrastructure/datastore"
	"chronow/pkg/broker/infrastructure/hotstore"
	"chronow/pkg/broker/utils/codec"
	"chronow/pkg/broker/utils/keys"
)

// ProducerService appends messages to topic logs.
type ProducerService struct {
	Hot   hotstore.Store
	Warm  datastore.DataStore
	Names *keys.Namer
	Cfg   *config.Config
}

// NewProducerService wires the producer.
func NewProducerService(hot hotstore.Store, warm datastore.DataStore, names *keys.Namer, cfg *config.Config) *ProducerService {
	return &ProducerService{Hot: hot, Warm: warm, Names: names, Cfg: cfg}
}

// PublishOptions qualifies a publish call.
type PublishOptions struct {
	Tenant    string
	Namespace string
	Headers   map[string]string
	// PersistWarmCopy mirrors the message into the warm messages
	// collection after the id is known.
	PersistWarmCopy bool
}

// Publish encodes payload, appends it to the topic log and returns the
// assigned message id. Payloads over the configured bound are rejected
// without touching the log.
func (s *ProducerService) Publish(ctx context.Context, topic string, payload interface{}, opts *PublishOptions) (string, error) {
	if opts == nil {
		opts = &PublishOptions{}
	}
	tenant, namespace := scope(s.Cfg, opts.Tenant, opts.Namespace)

	entry, raw, err := s.buildEntry(payload, opts.Headers)
	if err != nil {
		return "", err
	}
	log := s.Names.Topic(tenant, namespace, topic)
	msgID, err := s.Hot.LogAppend(ctx, log, entry, s.Cfg.MaxStreamLen)
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", log, err)
	}
	if opts.PersistWarmCopy {
		if err := s.warmCopy(ctx, tenant, topic, msgID, raw, opts.Headers); err != nil {
			klog.Errorf("warm copy of %s/%s failed: %v", topic, msgID, err)
		}
	}
	return msgID, nil
}

// PublishBatch appends payloads through the store's pipeline primitive.
// Any oversize payload fails the whole batch before anything is
// appended; warm copies are written only after the ids are known.
func (s *ProducerService) PublishBatch(ctx context.Context, topic string, payloads []interface{}, opts *PublishOptions) ([]string, error) {
	if opts == nil {
		opts = &PublishOptions{}
	}
	if len(payloads) == 0 {
		return nil, nil
	}
	tenant, namespace := scope(s.Cfg, opts.Tenant, opts.Namespace)

	entries := make([]map[string]string, 0, len(payloads))
	raws := make([][]byte, 0, len(payloads))
	for _, payload := range payloads {
		entry, raw, err := s.buildEntry(payload, opts.Headers)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
		raws = append(raws, raw)
	}

	log := s.Names.Topic(tenant, namespace, topic)
	ids, err := s.Hot.LogAppendBatch(ctx, log, entries, s.Cfg.MaxStreamLen)
	if err != nil {
		return nil, fmt.Errorf("batch append to %s: %w", log, err)
	}
	if opts.PersistWarmCopy {
		for i, id := range ids {
			if err := s.warmCopy(ctx, tenant, topic, id, raws[i], opts.Headers); err != nil {
				klog.Errorf("warm copy of %s/%s failed: %v", topic, id, err)
			}
		}
	}
	return ids, nil
}

func (s *ProducerService) buildEntry(payload interface{}, headers map[string]string) (map[string]string, []byte, error) {
	raw, err := codec.EncodePayload(payload, s.Cfg.MaxPayloadBytes)
	if err != nil {
		return nil, nil, err
	}
	entry := map[string]string{
		fieldPayload:     string(raw),
		fieldHeaders:     codec.EncodeHeaders(headers),
		fieldHash:        codec.Hash(raw),
		fieldSize:        strconv.Itoa(len(raw)),
		fieldPublishedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	return entry, raw, nil
}

func (s *ProducerService) warmCopy(ctx context.Context, tenant, topic, msgID string, raw []byte, headers map[string]string) error {
	row := &model.Message{
		Topic:       topic,
		MsgID:       msgID,
		Tenant:      tenant,
		Headers:     headers,
		Payload:     string(raw),
		FirstSeenAt: time.Now(),
		Size:        int64(len(raw)),
	}
	return s.Warm.Add(ctx, row)
}
