// ABOUTME: Wire message types exchanged with gate controllers and operator consoles.
// ABOUTME: A single flat JSON envelope carries every message kind over the WebSocket.

package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Type identifies a wire message kind.
type Type string

// Messages a gate controller sends to the server.
const (
	TypeRegister       Type = "register"
	TypeStatusUpdate   Type = "status_update"
	TypeCameraSnapshot Type = "camera_snapshot"
	TypeLiveStreamURL  Type = "live_stream_url"
	TypeCallRequest    Type = "call_request"
	TypeCommandAck     Type = "command_ack"
)

// Messages the server sends to a gate controller.
const (
	TypeOpenGate          Type = "open_gate"
	TypeCloseGate         Type = "close_gate"
	TypeRequestLiveStream Type = "request_live_stream"
	TypeStopStream        Type = "stop_stream"
)

// Messages an operator console sends to the server.
const (
	TypeSubscribe    Type = "subscribe"
	TypeUnsubscribe  Type = "unsubscribe"
	TypeClaimCall    Type = "claim_call"
	TypeIssueCommand Type = "issue_command"
	TypeEndCall      Type = "end_call"
)

// Messages the server sends to an operator console.
const (
	TypeWelcome       Type = "welcome"
	TypeCallAvailable Type = "call_available"
	TypeSessionState  Type = "session_state"
	TypeCommandResult Type = "command_result"
	TypeError         Type = "error"
)

// Message is the envelope for every frame on the wire. Fields not relevant
// to a given Type are omitted from the JSON encoding.
type Message struct {
	Type          Type   `json:"type"`
	GateID        string `json:"gate_id,omitempty"`
	Status        string `json:"status,omitempty"`
	TimestampMS   int64  `json:"timestamp_ms,omitempty"`
	ImageRef      string `json:"image_ref,omitempty"`
	URL           string `json:"url,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Kind          string `json:"kind,omitempty"`
	Success       *bool  `json:"success,omitempty"`
	State         string `json:"state,omitempty"`
	Reason        string `json:"reason,omitempty"`
	ConsoleID     string `json:"console_id,omitempty"`
	ServerID      string `json:"server_id,omitempty"`
}

// Decode errors.
var (
	ErrMissingType   = errors.New("message has no type")
	ErrMissingGateID = errors.New("message has no gate_id")
)

// messagesRequiringGateID lists inbound types that are meaningless without a
// gate id. command_ack is keyed by correlation id instead.
var messagesRequiringGateID = map[Type]bool{
	TypeRegister:          true,
	TypeStatusUpdate:      true,
	TypeCameraSnapshot:    true,
	TypeLiveStreamURL:     true,
	TypeCallRequest:       true,
	TypeSubscribe:         true,
	TypeUnsubscribe:       true,
	TypeClaimCall:         true,
	TypeIssueCommand:      true,
	TypeEndCall:           true,
	TypeRequestLiveStream: true,
}

// Decode parses a raw frame into a Message and validates the fields every
// handler depends on.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if msg.Type == "" {
		return nil, ErrMissingType
	}
	if messagesRequiringGateID[msg.Type] && msg.GateID == "" {
		return nil, ErrMissingGateID
	}
	return &msg, nil
}

// Encode serializes a message for the wire.
func Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Timestamp converts the wire millisecond timestamp to a time.Time.
// A zero timestamp maps to the zero time, which registry upserts order by
// arrival time rather than dropping as stale.
func (m *Message) Timestamp() time.Time {
	if m.TimestampMS == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.TimestampMS)
}

// Bool returns a *bool, for populating the Success field.
func Bool(v bool) *bool {
	return &v
}
