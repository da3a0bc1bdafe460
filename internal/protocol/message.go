// Package protocol defines the message envelope exchanged over websockets by
// the relay, the mesh peers and the signaling agent.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates messages.
type Type string

const (
	// document sync, used by relay and mesh
	TypeSyncStep1 Type = "sync-step1" // payload: encoded state vector
	TypeSyncStep2 Type = "sync-step2" // payload: update answering a step1
	TypeUpdate    Type = "update"     // payload: incremental update
	TypeAwareness Type = "awareness"  // payload: awareness update

	// mesh peer handshake
	TypeHello Type = "hello"

	// signaling
	TypeSubscribe   Type = "subscribe"
	TypeUnsubscribe Type = "unsubscribe"
	TypePublish     Type = "publish"
	TypePing        Type = "ping"
	TypePong        Type = "pong"
)

// ErrEmptyType is returned when decoding a message without a type.
var ErrEmptyType = errors.New("protocol: message has no type")

// Message is the envelope for every frame. Fields not relevant to a type are
// left empty.
type Message struct {
	Type    Type     `json:"type"`
	Payload []byte   `json:"payload,omitempty"`
	PeerID  string   `json:"peerId,omitempty"`
	Topic   string   `json:"topic,omitempty"`
	Topics  []string `json:"topics,omitempty"`
	Addr    string   `json:"addr,omitempty"`
	// Origin names the server instance that produced a brokered message.
	Origin string `json:"origin,omitempty"`
}

// Encode marshals m.
func Encode(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.Type, err)
	}
	return b, nil
}

// Decode unmarshals one frame.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("protocol: decode: %w", err)
	}
	if m.Type == "" {
		return Message{}, ErrEmptyType
	}
	return m, nil
}

// MustEncode is Encode for messages that cannot fail to marshal.
func MustEncode(m Message) []byte {
	b, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return b
}
