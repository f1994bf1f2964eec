package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSyncFrames(t *testing.T) {
	tests := []struct {
		name    string
		frame   []byte
		step    SyncStep
		payload []byte
	}{
		{"step1 empty", []byte{0x00, 0x00}, SyncStep1, []byte{}},
		{"step1 snapshot", append([]byte{0x00, 0x00}, 0xAA, 0xBB), SyncStep1, []byte{0xAA, 0xBB}},
		{"step2 batch", append([]byte{0x00, 0x01}, 0x01, 0x02, 0x03), SyncStep2, []byte{0x01, 0x02, 0x03}},
		{"update", append([]byte{0x00, 0x02}, 0xAA), SyncUpdate, []byte{0xAA}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Decode(tc.frame, DefaultMaxSyncPayload)
			require.NoError(t, err)
			assert.Equal(t, KindSync, msg.Kind)
			assert.Equal(t, tc.step, msg.Step)
			assert.True(t, bytes.Equal(tc.payload, msg.Payload))
		})
	}
}

func TestDecodeAwarenessFrame(t *testing.T) {
	frame := EncodeAwareness(0xDEADBEEF, []byte("cursor state"))
	msg, err := Decode(frame, DefaultMaxSyncPayload)
	require.NoError(t, err)
	assert.Equal(t, KindAwareness, msg.Kind)
	assert.Equal(t, uint32(0xDEADBEEF), msg.ClientID)
	assert.Equal(t, []byte("cursor state"), msg.Payload)
}

func TestDecodeAwarenessTombstone(t *testing.T) {
	frame := EncodeAwareness(7, nil)
	msg, err := Decode(frame, DefaultMaxSyncPayload)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), msg.ClientID)
	assert.Empty(t, msg.Payload, "empty payload is the presence tombstone")
}

func TestDecodePingPong(t *testing.T) {
	msg, err := Decode(EncodePing(), DefaultMaxSyncPayload)
	require.NoError(t, err)
	assert.Equal(t, KindPing, msg.Kind)

	msg, err = Decode(EncodePong(), DefaultMaxSyncPayload)
	require.NoError(t, err)
	assert.Equal(t, KindPong, msg.Kind)

	// Trailing bytes on a ping are not tolerated.
	_, err = Decode([]byte{byte(KindPing), 0x00}, DefaultMaxSyncPayload)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"empty", nil, ErrEmptyFrame},
		{"unknown kind", []byte{0x7F}, ErrUnknownKind},
		{"sync without step", []byte{0x00}, ErrMalformedFrame},
		{"sync unknown step", []byte{0x00, 0x09, 0xAA}, ErrMalformedFrame},
		{"awareness short header", []byte{0x01, 0x00, 0x00}, ErrMalformedFrame},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.frame, DefaultMaxSyncPayload)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDecodeEnforcesPayloadBounds(t *testing.T) {
	oversized := EncodeSync(SyncUpdate, make([]byte, 65))
	_, err := Decode(oversized, 64)
	assert.ErrorIs(t, err, ErrOversizedFrame)

	exact := EncodeSync(SyncUpdate, make([]byte, 64))
	_, err = Decode(exact, 64)
	assert.NoError(t, err, "payload exactly at the bound passes")

	bigAwareness := EncodeAwareness(1, make([]byte, MaxAwarenessPayload+1))
	_, err = Decode(bigAwareness, DefaultMaxSyncPayload)
	assert.ErrorIs(t, err, ErrOversizedFrame)
}

func TestEncodeSyncCopiesPayload(t *testing.T) {
	payload := []byte{0x01, 0x02}
	frame := EncodeSync(SyncUpdate, payload)
	payload[0] = 0xFF
	assert.Equal(t, byte(0x01), frame[2], "encoded frame must not alias caller payload")
}

func TestCloseText(t *testing.T) {
	assert.Equal(t, "room closed", CloseText(CloseRoomClosed))
	assert.Equal(t, "auth rejected", CloseText(CloseAuthRejected))
	assert.Equal(t, "closed", CloseText(4999))
}
