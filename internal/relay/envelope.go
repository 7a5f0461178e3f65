package relay

import (
	"encoding/json"
	"time"
)

// Envelope is the outbound wrapper delivered to every browser WS message.
type Envelope struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

// NewEnvelope builds an Envelope stamped with the current time.
func NewEnvelope(typ string, payload any) Envelope {
	return Envelope{
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// replayEnvelope reconstructs the envelope for a buffered entry, decorating
// its payload with _buffered and _messageID per the replay protocol. The
// decoration keys are merged into the payload's own top-level fields, so a
// replayed envelope has the same shape as the live one it replaces plus the
// two decoration keys, regardless of whether the buffered payload was a map
// or a struct (e.g. *domain.ResultStats).
func replayEnvelope(entry BufferEntry) Envelope {
	payload := map[string]any{
		"_buffered":  true,
		"_messageID": entry.ID,
	}
	for k, v := range payloadFields(entry.Payload) {
		payload[k] = v
	}
	return Envelope{
		Type:      entry.EnvelopeType,
		Payload:   payload,
		Timestamp: time.UnixMilli(entry.EpochMillis).UTC().Format(time.RFC3339Nano),
	}
}

// payloadFields normalizes a buffered payload to its top-level fields as a
// map. Map payloads are used directly; anything else is JSON-round-tripped
// (struct field tags decide the keys, exactly as they would on first,
// non-replayed delivery). A payload that doesn't round-trip to a JSON
// object falls back to a single "value" key.
func payloadFields(payload any) map[string]any {
	if m, ok := payload.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(payload)
	if err == nil {
		var m map[string]any
		if json.Unmarshal(data, &m) == nil {
			return m
		}
	}
	return map[string]any{"value": payload}
}
