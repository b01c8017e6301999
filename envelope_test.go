package durable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type shipmentEvent struct {
	OrderID string `json:"order_id" xml:"OrderID"`
	Items   int    `json:"items" xml:"Items"`
}

func TestNewEventEnvelopeRoundTripJSON(t *testing.T) {
	original := shipmentEvent{OrderID: "ord-183", Items: 3}

	env, err := NewEventEnvelope(original, EncodingJSON)
	require.NoError(t, err)
	assert.Equal(t, EncodingJSON, env.Encoding)
	assert.NotEmpty(t, env.Payload)
	assert.False(t, env.EventDate.IsZero())

	var decoded shipmentEvent
	require.NoError(t, env.DecodeInto(&decoded))
	assert.Equal(t, original, decoded)
}

func TestNewEventEnvelopeRoundTripXML(t *testing.T) {
	original := shipmentEvent{OrderID: "ord-184", Items: 1}

	env, err := NewEventEnvelope(original, EncodingXML)
	require.NoError(t, err)
	assert.Equal(t, EncodingXML, env.Encoding)

	var decoded shipmentEvent
	require.NoError(t, env.DecodeInto(&decoded))
	assert.Equal(t, original, decoded)
}

func TestDecodeIntoMismatchedShapeFails(t *testing.T) {
	env, err := NewEventEnvelope(shipmentEvent{OrderID: "ord-185"}, EncodingJSON)
	require.NoError(t, err)

	// a JSON object cannot decode into a scalar target
	var wrong int
	err = env.DecodeInto(&wrong)
	require.Error(t, err)
	assert.Equal(t, ErrCodeSerializationFailed, ErrorCode(err))
	assert.True(t, IsSerializationFailed(err))
}

func TestDecodeWithWrongEncodingFails(t *testing.T) {
	env, err := NewEventEnvelope(shipmentEvent{OrderID: "ord-186", Items: 2}, EncodingXML)
	require.NoError(t, err)

	var decoded shipmentEvent
	err = DecodePayload(env.Payload, EncodingJSON, &decoded)
	require.Error(t, err)
	assert.Equal(t, ErrCodeSerializationFailed, ErrorCode(err))
}

func TestEncodePayloadUnknownEncoding(t *testing.T) {
	_, err := EncodePayload(shipmentEvent{}, Encoding("csv"))
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidArgument, ErrorCode(err))
}

func TestEnvelopeValidate(t *testing.T) {
	valid := EventEnvelope{
		SourceAPIName:      "orders.shipped",
		SourceFriendlyName: "Order Shipped",
		SourceType:         TypeDescriptor{FullName: "shipmentEvent"},
		EventDate:          time.Now().UTC(),
	}

	cases := []struct {
		name    string
		mutate  func(*EventEnvelope)
		wantErr bool
	}{
		{"valid", func(*EventEnvelope) {}, false},
		{"missing api name", func(e *EventEnvelope) { e.SourceAPIName = " " }, true},
		{"missing friendly name", func(e *EventEnvelope) { e.SourceFriendlyName = "" }, true},
		{"missing source type", func(e *EventEnvelope) { e.SourceType = TypeDescriptor{} }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := valid
			tc.mutate(&env)
			err := env.Validate()
			if tc.wantErr {
				require.Error(t, err)
				assert.Equal(t, ErrCodeInvalidArgument, ErrorCode(err))
				return
			}
			require.NoError(t, err)
		})
	}

	var nilEnv *EventEnvelope
	require.Error(t, nilEnv.Validate())
}

func TestEnvelopeCloneIsIndependent(t *testing.T) {
	env, err := NewEventEnvelope(shipmentEvent{OrderID: "ord-187"}, EncodingJSON)
	require.NoError(t, err)
	env.SourceAPIName = "orders.shipped"

	cp := env.Clone()
	cp.SourceAPIName = "orders.canceled"

	assert.Equal(t, "orders.shipped", env.SourceAPIName)
	assert.Equal(t, "orders.canceled", cp.SourceAPIName)
}
