package protocol

import "encoding/json"

// RPCMessage represents a JSON-RPC 2.0-like message.
// It can be a notification (no ID), a request (has ID), or a response (has ID + type).
type RPCMessage struct {
	ID      interface{}     `json:"id,omitempty"` // string or number
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// EncodeRPC encodes any payload into a RawMessage for inclusion in an RPCMessage
func EncodeRPC(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
