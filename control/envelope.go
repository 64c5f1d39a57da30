package control

import (
	"encoding/json"
	"fmt"
)

// EnvelopeKind tags an Envelope as a solicited response or an unsolicited
// status sample. One duplex socket multiplexes both kinds.
type EnvelopeKind uint8

const (
	// KindResponse marks the matched reply to a solicited command.
	KindResponse EnvelopeKind = iota
	// KindStatus marks an unsolicited sample produced by a scheduled probe.
	KindStatus
)

// String returns the wire tag of the envelope kind.
func (k EnvelopeKind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Envelope is one server-to-client wire message.
//
// Value is nil for a response synthesized after a dispatcher timeout and
// false for a response describing a failed handler.
type Envelope struct {
	Kind      EnvelopeKind
	Target    string
	Operation string
	Value     any
}

// NewResponse creates a response envelope for the given command key.
func NewResponse(key Key, value any) Envelope {
	return Envelope{Kind: KindResponse, Target: key.Target, Operation: key.Operation, Value: value}
}

// NewStatus creates a status envelope for the given command key.
func NewStatus(key Key, value any) Envelope {
	return Envelope{Kind: KindStatus, Target: key.Target, Operation: key.Operation, Value: value}
}

// Matches reports whether the envelope answers the given key.
func (e Envelope) Matches(key Key) bool {
	return key.Matches(e.Target, e.Operation)
}

// String implements fmt.Stringer for log output.
func (e Envelope) String() string {
	return fmt.Sprintf("%s(%s, %s, %v)", e.Kind, e.Target, e.Operation, e.Value)
}

// MarshalJSON encodes the envelope as a two-element array
// [kind, [target, operation, value]].
func (e Envelope) MarshalJSON() ([]byte, error) {
	kind := e.Kind.String()
	if e.Kind != KindResponse && e.Kind != KindStatus {
		return nil, fmt.Errorf("encode envelope: invalid kind %d", e.Kind)
	}

	return json.Marshal([2]any{kind, [3]any{e.Target, e.Operation, e.Value}})
}

// UnmarshalJSON decodes the two-element array form of an envelope.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire [2]json.RawMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	var kind string
	if err := json.Unmarshal(wire[0], &kind); err != nil {
		return fmt.Errorf("decode envelope kind: %w", err)
	}

	switch kind {
	case "response":
		e.Kind = KindResponse
	case "status":
		e.Kind = KindStatus
	default:
		return fmt.Errorf("decode envelope: unknown kind %q", kind)
	}

	var payload [3]json.RawMessage
	if err := json.Unmarshal(wire[1], &payload); err != nil {
		return fmt.Errorf("decode envelope payload: %w", err)
	}

	if err := json.Unmarshal(payload[0], &e.Target); err != nil {
		return fmt.Errorf("decode envelope target: %w", err)
	}
	if err := json.Unmarshal(payload[1], &e.Operation); err != nil {
		return fmt.Errorf("decode envelope operation: %w", err)
	}
	if payload[2] != nil {
		if err := json.Unmarshal(payload[2], &e.Value); err != nil {
			return fmt.Errorf("decode envelope value: %w", err)
		}
	} else {
		e.Value = nil
	}

	return nil
}
