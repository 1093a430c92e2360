// Package bus pins the contract of the external message transport. The
// transport delivers framed messages tagged with a per-connection route id,
// keeps the node route indices, and raises lifecycle callbacks as
// connections come and go. The broker never sees sockets; it sees Messages.
package bus

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Params is the self-describing parameter map carried by every message.
// Byte strings, integers, booleans, null, maps and lists round-trip
// through the CBOR encoding unchanged.
type Params map[string]any

// Message is one framed message delivered by the transport
type Message struct {
	// RID identifies the sender's connection (a node or a session)
	RID string
	// UUID is the originating message id; replies echo it
	UUID string
	// Command names the operation
	Command string
	Params  Params
	Bulk    []byte
}

// Sender is the outbound half of the transport
type Sender interface {
	// Send emits a command to the connection addressed by rid
	Send(rid string, command string, params Params, bulk []byte, uuid string) error
	// Reply answers msg on its originating connection
	Reply(msg *Message, results Params, bulk []byte) error
	// Disconnect drops the connection addressed by rid
	Disconnect(rid string)
}

// Transport is the full contract the broker binds to. The implementation
// is an external collaborator; tests use an in-memory one.
type Transport interface {
	Sender

	// NodePK resolves a node connection's route id to its public key
	NodePK(rid string) (string, bool)
	// NodeRID resolves a node public key to its current route id
	NodeRID(pk string) (string, bool)
	// NodeRIDs snapshots the currently connected node route ids
	NodeRIDs() []string
}

// NodeConfig is the per-node registration record held by the identity
// store and surfaced when a node connects
type NodeConfig struct {
	SubnetID  int `cbor:"subnet_id" json:"subnet_id"`
	Passmarks int `cbor:"passmarks" json:"passmarks"`
}

// Callbacks are the lifecycle notifications raised by the transport.
// The transport calls them from its own goroutines; the broker's
// callbacks post their work onto its dispatch loop.
type Callbacks struct {
	NodeCreated      func(pk string, cfg NodeConfig)
	NodeDestroyed    func(pk string)
	SessionCreated   func(rid string, userPK []byte)
	SessionRecovered func(oldRID, newRID string)
	SessionDestroyed func(rid string)

	// ForwardingInsert and ForwardingEvict let the broker persist the
	// transport's long-term forwarding table
	ForwardingInsert func(key, value string)
	ForwardingEvict  func(key string)
}

// EncodeParams serialises a parameter map to its wire form
func EncodeParams(p Params) ([]byte, error) {
	data, err := cbor.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	return data, nil
}

// DecodeParams parses a parameter map from its wire form
func DecodeParams(data []byte) (Params, error) {
	var p Params
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode params: %w", err)
	}
	return p, nil
}

// Str reads a parameter as a string, accepting the byte-string form the
// wire codec produces for opaque identifiers. Returns "" when absent or
// of another type.
func (p Params) Str(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

// Bytes reads a parameter as raw bytes
func (p Params) Bytes(key string) []byte {
	switch v := p[key].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return nil
	}
}

// Int reads a numeric parameter, tolerating the integer widths the codec
// may deliver. Returns 0 when absent or non-numeric.
func (p Params) Int(key string) int64 {
	switch v := p[key].(type) {
	case int64:
		return v
	case uint64:
		return int64(v)
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case uint32:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// Bool reads a boolean parameter
func (p Params) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// StrList reads a parameter as a list of strings, accepting byte-string
// elements and dropping nulls.
func (p Params) StrList(key string) []string {
	raw, ok := p[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		switch v := e.(type) {
		case string:
			out = append(out, v)
		case []byte:
			out = append(out, string(v))
		}
	}
	return out
}

// Has reports whether a key is present at all
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}
