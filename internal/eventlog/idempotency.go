package eventlog

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
)

// droppedFields are stripped from the payload, recursively, before hashing.
// occurred_at/ingested_at/timestamp/actor_id/actor_type/request_id and any
// field ending in "_at" never affect the idempotency key (§4.D, testable
// property 3).
func isDroppedField(key string) bool {
	if len(key) >= 3 && key[len(key)-3:] == "_at" {
		return true
	}
	switch key {
	case "timestamp", "actor_id", "actor_type", "request_id":
		return true
	}
	return false
}

// normalizePayload strips non-semantic fields and serializes the remainder
// with map keys sorted lexically at every nesting level, so that two
// semantically-identical payloads always normalize to the same bytes
// regardless of field order or accompanying metadata.
func normalizePayload(payload json.RawMessage) ([]byte, error) {
	if len(payload) == 0 {
		return []byte("null"), nil
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	var v any
	if err := decoder.Decode(&v); err != nil {
		return nil, err
	}
	cleaned := stripFields(v)
	var buf bytes.Buffer
	if err := writeCanonical(&buf, cleaned); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func stripFields(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isDroppedField(k) {
				continue
			}
			out[k] = stripFields(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = stripFields(val)
		}
		return out
	default:
		return v
	}
}

// writeCanonical serializes v with object keys sorted, so the byte output
// is deterministic independent of map iteration order or original field
// order in the source JSON. encoding/json alone does not guarantee this
// for map[string]any, which is why this walk exists.
func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

// computeIdempotencyKey implements §4.D step 4:
// H(tenant_id ‖ stream_key ‖ command_id? ‖ normalize(payload)), rendered
// hex with a fixed "idem_" prefix.
func computeIdempotencyKey(tenantID uuid.UUID, streamKey string, commandID *uuid.UUID, payload json.RawMessage) (string, error) {
	normalized, err := normalizePayload(payload)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(tenantID[:])
	h.Write([]byte(streamKey))
	if commandID != nil {
		h.Write(commandID[:])
	}
	h.Write(normalized)
	return "idem_" + hex.EncodeToString(h.Sum(nil)), nil
}

// computeChainHash implements the optional per-stream hash chain from §6:
// hash = SHA-256(prev_hash ‖ event_id ‖ seq ‖ payload), letting an operator
// detect tampering or out-of-band row edits by recomputing the chain.
func computeChainHash(prevHash *string, env EventEnvelope) string {
	h := sha256.New()
	if prevHash != nil {
		h.Write([]byte(*prevHash))
	}
	h.Write(env.EventID[:])
	seqBytes := make([]byte, 8)
	for i := 0; i < 8; i++ {
		seqBytes[i] = byte(env.Seq >> (8 * (7 - i)))
	}
	h.Write(seqBytes)
	h.Write(env.Payload)
	return hex.EncodeToString(h.Sum(nil))
}
