package durable

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// Encoding selects how an envelope payload is serialized. The payload and its
// encoding always travel together; decoding must use the encoding recorded at
// encode time.
type Encoding string

const (
	EncodingXML  Encoding = "xml"
	EncodingJSON Encoding = "json"
)

// EventEnvelope describes one occurrence of a domain event: its source, when
// it happened, and the payload as an opaque encoded string. The core never
// inspects the payload; only the eventual consumer decodes it.
//
// Envelopes are immutable once handed to a dispatcher.
type EventEnvelope struct {
	// SourceAPIName is the stable identifier of the event type. It is the
	// routing key for subscriber matching and should never change.
	SourceAPIName string `json:"source_api_name" yaml:"source_api_name"`

	// SourceFriendlyName is a human-readable event name.
	SourceFriendlyName string `json:"source_friendly_name" yaml:"source_friendly_name"`

	// SourceType records the payload's origin type. Debug only.
	SourceType TypeDescriptor `json:"source_type" yaml:"source_type"`

	// EventDate is when the event occurred.
	EventDate time.Time `json:"event_date" yaml:"event_date"`

	// SourceTransactionID correlates every log line produced on behalf of
	// this event, across all subscriber runs it fans out to.
	SourceTransactionID string `json:"source_transaction_id,omitempty" yaml:"source_transaction_id,omitempty"`

	// Payload is the encoded event data. Opaque to the core.
	Payload string `json:"payload,omitempty" yaml:"payload,omitempty"`

	// Encoding records how Payload was serialized.
	Encoding Encoding `json:"encoding" yaml:"encoding"`
}

// NewEventEnvelope encodes value with the given encoding and records its
// origin type descriptor.
func NewEventEnvelope(value any, enc Encoding) (*EventEnvelope, error) {
	payload, err := EncodePayload(value, enc)
	if err != nil {
		return nil, err
	}
	return &EventEnvelope{
		SourceType: DescribeType(value),
		EventDate:  time.Now().UTC(),
		Payload:    payload,
		Encoding:   enc,
	}, nil
}

// Validate enforces the fields required before dispatch.
func (e *EventEnvelope) Validate() error {
	if e == nil {
		return NewError(ErrInvalidArgument, "event envelope is required", nil, nil)
	}
	if strings.TrimSpace(e.SourceAPIName) == "" {
		return NewError(ErrInvalidArgument, "event envelope requires a source api name", nil, nil)
	}
	if strings.TrimSpace(e.SourceFriendlyName) == "" {
		return NewError(ErrInvalidArgument, "event envelope requires a source friendly name", nil, nil)
	}
	if e.SourceType.IsZero() {
		return NewError(ErrInvalidArgument, "event envelope requires a source type", nil, nil)
	}
	return nil
}

// DecodeInto decodes the payload into v using the recorded encoding. A
// payload that cannot round-trip into the target shape fails with a
// serialization error; retrying an encoding mismatch cannot succeed.
func (e *EventEnvelope) DecodeInto(v any) error {
	if e == nil {
		return NewError(ErrInvalidArgument, "event envelope is required", nil, nil)
	}
	return DecodePayload(e.Payload, e.Encoding, v)
}

// SetPayload encodes value and records both the payload and its encoding.
func (e *EventEnvelope) SetPayload(value any, enc Encoding) error {
	payload, err := EncodePayload(value, enc)
	if err != nil {
		return err
	}
	e.Payload = payload
	e.Encoding = enc
	e.SourceType = DescribeType(value)
	return nil
}

// EncodePayload serializes value without touching any envelope fields.
func EncodePayload(value any, enc Encoding) (string, error) {
	switch enc {
	case EncodingXML:
		data, err := xml.Marshal(value)
		if err != nil {
			return "", NewError(ErrSerializationFailed,
				fmt.Sprintf("cannot encode %T as xml", value), err, nil)
		}
		return string(data), nil
	case EncodingJSON:
		data, err := json.Marshal(value)
		if err != nil {
			return "", NewError(ErrSerializationFailed,
				fmt.Sprintf("cannot encode %T as json", value), err, nil)
		}
		return string(data), nil
	default:
		return "", NewError(ErrInvalidArgument,
			fmt.Sprintf("unknown payload encoding %q", enc), nil, nil)
	}
}

// DecodePayload deserializes payload into v using enc. Mismatched target
// shapes surface as serialization failures carrying the decoder error.
func DecodePayload(payload string, enc Encoding, v any) error {
	switch enc {
	case EncodingXML:
		if err := xml.Unmarshal([]byte(payload), v); err != nil {
			return NewError(ErrSerializationFailed,
				fmt.Sprintf("verify %T matches the type recorded at encode time", v), err, nil)
		}
		return nil
	case EncodingJSON:
		if err := json.Unmarshal([]byte(payload), v); err != nil {
			return NewError(ErrSerializationFailed,
				fmt.Sprintf("verify %T matches the type recorded at encode time", v), err, nil)
		}
		return nil
	default:
		return NewError(ErrInvalidArgument,
			fmt.Sprintf("unknown payload encoding %q", enc), nil, nil)
	}
}

// Clone returns a deep-enough copy; all fields are value types.
func (e *EventEnvelope) Clone() *EventEnvelope {
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}
