// Package protocol defines the binary framing spoken on every relay
// WebSocket: a single kind byte followed by a kind-specific payload, plus
// the close codes and the length-prefixed update-log encoding shared by the
// sync exchange and the persistence layer.
package protocol

import (
	"encoding/binary"
	"errors"
)

// Kind is the first byte of every frame.
type Kind byte

const (
	KindSync      Kind = 0x00
	KindAwareness Kind = 0x01
	KindPing      Kind = 0x02
	KindPong      Kind = 0x03
)

// SyncStep is the second byte of a Sync frame.
type SyncStep byte

const (
	// SyncStep1 carries the sender's full document state. The server emits
	// one immediately after a successful join.
	SyncStep1 SyncStep = 0x00
	// SyncStep2 carries the receiver's reply: a batch of updates the sender
	// is missing, in origin order.
	SyncStep2 SyncStep = 0x01
	// SyncUpdate carries one incremental update after the initial exchange.
	SyncUpdate SyncStep = 0x02
)

const (
	// MaxAwarenessPayload bounds a single awareness payload.
	MaxAwarenessPayload = 64 * 1024
	// DefaultMaxSyncPayload bounds a single Sync payload unless configured
	// otherwise.
	DefaultMaxSyncPayload = 2 * 1024 * 1024

	syncHeaderSize      = 2 // kind + step
	awarenessHeaderSize = 5 // kind + big-endian client id
)

var (
	ErrEmptyFrame     = errors.New("protocol: empty frame")
	ErrUnknownKind    = errors.New("protocol: unknown kind byte")
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	ErrOversizedFrame = errors.New("protocol: payload exceeds bound")
)

// Message is one decoded wire frame. Step is meaningful only for KindSync,
// ClientID only for KindAwareness. Payload aliases the input frame; callers
// that retain it beyond the read loop iteration must copy.
type Message struct {
	Kind     Kind
	Step     SyncStep
	ClientID uint32
	Payload  []byte
}

// Decode parses a single binary WebSocket message. maxSyncPayload bounds the
// Sync payload; awareness payloads are bounded by MaxAwarenessPayload. Any
// violation maps to a ProtocolViolation close at the transport layer.
func Decode(frame []byte, maxSyncPayload int) (Message, error) {
	if len(frame) == 0 {
		return Message{}, ErrEmptyFrame
	}

	switch Kind(frame[0]) {
	case KindSync:
		if len(frame) < syncHeaderSize {
			return Message{}, ErrMalformedFrame
		}
		step := SyncStep(frame[1])
		if step != SyncStep1 && step != SyncStep2 && step != SyncUpdate {
			return Message{}, ErrMalformedFrame
		}
		payload := frame[syncHeaderSize:]
		if len(payload) > maxSyncPayload {
			return Message{}, ErrOversizedFrame
		}
		return Message{Kind: KindSync, Step: step, Payload: payload}, nil

	case KindAwareness:
		if len(frame) < awarenessHeaderSize {
			return Message{}, ErrMalformedFrame
		}
		payload := frame[awarenessHeaderSize:]
		if len(payload) > MaxAwarenessPayload {
			return Message{}, ErrOversizedFrame
		}
		return Message{
			Kind:     KindAwareness,
			ClientID: binary.BigEndian.Uint32(frame[1:awarenessHeaderSize]),
			Payload:  payload,
		}, nil

	case KindPing:
		if len(frame) != 1 {
			return Message{}, ErrMalformedFrame
		}
		return Message{Kind: KindPing}, nil

	case KindPong:
		if len(frame) != 1 {
			return Message{}, ErrMalformedFrame
		}
		return Message{Kind: KindPong}, nil

	default:
		return Message{}, ErrUnknownKind
	}
}

// EncodeSync frames a Sync message. The payload is copied.
func EncodeSync(step SyncStep, payload []byte) []byte {
	frame := make([]byte, syncHeaderSize+len(payload))
	frame[0] = byte(KindSync)
	frame[1] = byte(step)
	copy(frame[syncHeaderSize:], payload)
	return frame
}

// EncodeAwareness frames an awareness message. An empty payload is the
// tombstone that clears clientID's presence on receivers.
func EncodeAwareness(clientID uint32, payload []byte) []byte {
	frame := make([]byte, awarenessHeaderSize+len(payload))
	frame[0] = byte(KindAwareness)
	binary.BigEndian.PutUint32(frame[1:awarenessHeaderSize], clientID)
	copy(frame[awarenessHeaderSize:], payload)
	return frame
}

// EncodePing returns a fresh application-level ping frame.
func EncodePing() []byte { return []byte{byte(KindPing)} }

// EncodePong returns a fresh application-level pong frame.
func EncodePong() []byte { return []byte{byte(KindPong)} }
