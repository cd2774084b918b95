package transform

import (
	"encoding/json"
	"fmt"

	"github.com/gaspardpetit/protobridge/internal/protocol"
)

// DefaultLegacyFallbackType is the legacy message type used to carry
// enhanced messages that have no dedicated downgrade.
const DefaultLegacyFallbackType = "agent_message"

// WrapAsLegacy returns a downgrade that wraps any envelope into a generic
// legacy envelope of type legacyType. The original payload is kept as an
// opaque blob under "data" next to its original type, so structure-aware
// legacy clients lose nothing they could have used.
func WrapAsLegacy(legacyType string) Func {
	return func(env protocol.Envelope) (protocol.Envelope, error) {
		if len(env.Payload) > 0 && !json.Valid(env.Payload) {
			return protocol.Envelope{}, fmt.Errorf("payload is not valid JSON")
		}
		b, err := json.Marshal(wrapped{OriginalType: env.Type, Data: env.Payload})
		if err != nil {
			return protocol.Envelope{}, err
		}
		out := env
		out.Type = legacyType
		out.Payload = b
		return out, nil
	}
}

// UnwrapLegacy reverses WrapAsLegacy. Envelopes that do not carry a wrapped
// message are returned unchanged.
func UnwrapLegacy(env protocol.Envelope) (protocol.Envelope, error) {
	var w wrapped
	if len(env.Payload) == 0 {
		return env, nil
	}
	if err := json.Unmarshal(env.Payload, &w); err != nil || w.OriginalType == "" {
		return env, nil
	}
	out := env
	out.Type = w.OriginalType
	out.Payload = w.Data
	return out, nil
}

type statusPayload struct {
	Status string          `json:"status"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

// ContextUpdateToStatus downgrades a context_update into a legacy
// status_update whose detail is the original context.
func ContextUpdateToStatus(env protocol.Envelope) (protocol.Envelope, error) {
	if len(env.Payload) > 0 && !json.Valid(env.Payload) {
		return protocol.Envelope{}, fmt.Errorf("payload is not valid JSON")
	}
	b, err := json.Marshal(statusPayload{Status: "context_updated", Detail: env.Payload})
	if err != nil {
		return protocol.Envelope{}, err
	}
	out := env
	out.Type = "status_update"
	out.Payload = b
	return out, nil
}

// RegisterDefaults installs the built-in transformers.
func RegisterDefaults(r *Registry, legacyFallbackType string) {
	if legacyFallbackType == "" {
		legacyFallbackType = DefaultLegacyFallbackType
	}
	r.RegisterGeneric(Downgrade, WrapAsLegacy(legacyFallbackType))
	r.Register("context_update", Downgrade, ContextUpdateToStatus)
	r.Register(legacyFallbackType, Upgrade, UnwrapLegacy)
}
