// Package codec handles JSON envelope encoding for log entries: payload
// serialisation with a size guard, content hashing, and the conversion
// between structured values and the flat field maps a log entry carries.
package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ErrPayloadTooLarge is returned when an encoded payload exceeds the
// configured bound. The message is not appended.
var ErrPayloadTooLarge = fmt.Errorf("payload exceeds the maximum encoded size")

// EncodePayload marshals v to JSON and enforces maxBytes when positive.
func EncodePayload(v interface{}, maxBytes int64) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if maxBytes > 0 && int64(len(raw)) > maxBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(raw), maxBytes)
	}
	return raw, nil
}

// Hash returns the hex sha256 of raw, used as the content hash of an entry.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// EncodeHeaders marshals a header map; nil encodes as {}.
func EncodeHeaders(h map[string]string) string {
	if h == nil {
		h = map[string]string{}
	}
	raw, err := json.Marshal(h)
	if err != nil {
		// string->string maps cannot fail to marshal
		return "{}"
	}
	return string(raw)
}

// DecodeHeaders parses a header map; empty input yields an empty map.
func DecodeHeaders(raw string) (map[string]string, error) {
	h := map[string]string{}
	if raw == "" {
		return h, nil
	}
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	return h, nil
}
