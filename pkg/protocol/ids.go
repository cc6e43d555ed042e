// Package protocol defines the wire types exchanged between a runner and the
// engine over the control WebSocket: the top-level tagged unions, the tunnel
// message kinds, and the opaque binary identifiers used to route tunnel
// traffic.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// IDLength is the width of gateway and request identifiers in the current
// wire format.
const IDLength = 4

// GatewayID is an opaque identifier for the gateway that originated a
// tunneled request. Compared by value.
type GatewayID [IDLength]byte

// RequestID is an opaque identifier for a single tunneled request or
// WebSocket connection, scoped to its gateway. Compared by value.
type RequestID [IDLength]byte

// RequestKey is the composite routing key for tunnel traffic.
type RequestKey struct {
	Gateway GatewayID
	Request RequestID
}

// MessageID identifies a single tunnel frame: the request it belongs to plus
// a wrapping u16 message index.
type MessageID struct {
	Key   RequestKey
	Index uint16
}

func (g GatewayID) String() string  { return base64.StdEncoding.EncodeToString(g[:]) }
func (r RequestID) String() string  { return base64.StdEncoding.EncodeToString(r[:]) }
func (k RequestKey) String() string { return k.Gateway.String() + "/" + k.Request.String() }

func (m MessageID) String() string {
	return fmt.Sprintf("%s/%d", m.Key, m.Index)
}

// MarshalJSON encodes the id as a base64 string, matching the default Go
// JSON form for []byte.
func (g GatewayID) MarshalJSON() ([]byte, error) { return marshalID(g[:]) }

// UnmarshalJSON decodes a base64 string and enforces the fixed width.
func (g *GatewayID) UnmarshalJSON(data []byte) error { return unmarshalID(data, g[:], "gateway id") }

// MarshalJSON encodes the id as a base64 string.
func (r RequestID) MarshalJSON() ([]byte, error) { return marshalID(r[:]) }

// UnmarshalJSON decodes a base64 string and enforces the fixed width.
func (r *RequestID) UnmarshalJSON(data []byte) error { return unmarshalID(data, r[:], "request id") }

func marshalID(b []byte) ([]byte, error) {
	return json.Marshal(b)
}

func unmarshalID(data []byte, dst []byte, what string) error {
	var raw []byte
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("decode %s: expected %d bytes, got %d", what, len(dst), len(raw))
	}
	copy(dst, raw)
	return nil
}
