// ABOUTME: Tests for wire message decoding and validation
// ABOUTME: Covers required fields, malformed input, and timestamp conversion

package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_StatusUpdate(t *testing.T) {
	raw := []byte(`{"type":"status_update","gate_id":"gate-1","status":"open","timestamp_ms":1700000000000}`)

	msg, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeStatusUpdate, msg.Type)
	assert.Equal(t, "gate-1", msg.GateID)
	assert.Equal(t, "open", msg.Status)
	assert.Equal(t, time.UnixMilli(1700000000000), msg.Timestamp())
}

func TestDecode_MissingType(t *testing.T) {
	_, err := Decode([]byte(`{"gate_id":"gate-1"}`))
	assert.ErrorIs(t, err, ErrMissingType)
}

func TestDecode_MissingGateID(t *testing.T) {
	_, err := Decode([]byte(`{"type":"status_update"}`))
	assert.ErrorIs(t, err, ErrMissingGateID)
}

func TestDecode_CommandAckNeedsNoGateID(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"command_ack","correlation_id":"abc","success":true}`))
	require.NoError(t, err)
	assert.Equal(t, TypeCommandAck, msg.Type)
	require.NotNil(t, msg.Success)
	assert.True(t, *msg.Success)
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestDecode_UnknownFieldsTolerated(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"call_request","gate_id":"gate-1","firmware":"2.1"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeCallRequest, msg.Type)
}

func TestEncode_OmitsEmptyFields(t *testing.T) {
	data, err := Encode(&Message{Type: TypeCallAvailable, GateID: "gate-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"call_available","gate_id":"gate-1"}`, string(data))
}

func TestEncode_FalseSuccessSurvives(t *testing.T) {
	data, err := Encode(&Message{
		Type:    TypeCommandResult,
		GateID:  "gate-1",
		Kind:    "open",
		Success: Bool(false),
		Reason:  "rejected",
	})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"success":false`)
}

func TestTimestamp_ZeroMapsToZeroTime(t *testing.T) {
	msg := &Message{}
	assert.True(t, msg.Timestamp().IsZero())
}
