package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateLogRoundTrip(t *testing.T) {
	batch := [][]byte{
		{0xAA},
		{},
		{0x01, 0x02, 0x03},
		make([]byte, 4096),
	}

	encoded := EncodeUpdates(batch)
	assert.Equal(t, EncodedUpdatesLen(batch), len(encoded))

	decoded, err := DecodeUpdates(encoded, DefaultMaxSyncPayload)
	require.NoError(t, err)
	require.Len(t, decoded, len(batch))
	for i := range batch {
		assert.Equal(t, batch[i], decoded[i], "record %d", i)
	}
}

func TestUpdateLogEmpty(t *testing.T) {
	assert.Empty(t, EncodeUpdates(nil))

	decoded, err := DecodeUpdates(nil, DefaultMaxSyncPayload)
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

func TestDecodeUpdatesDoesNotAliasInput(t *testing.T) {
	encoded := EncodeUpdates([][]byte{{0x11, 0x22}})
	decoded, err := DecodeUpdates(encoded, DefaultMaxSyncPayload)
	require.NoError(t, err)

	encoded[5] = 0xFF
	assert.Equal(t, byte(0x11), decoded[0][0])
}

func TestDecodeUpdatesRejectsTruncation(t *testing.T) {
	encoded := EncodeUpdates([][]byte{{0x01, 0x02, 0x03, 0x04}})

	// Cut inside the record body.
	_, err := DecodeUpdates(encoded[:len(encoded)-2], DefaultMaxSyncPayload)
	assert.ErrorIs(t, err, ErrTruncatedLog)

	// Cut inside a length prefix.
	_, err = DecodeUpdates(encoded[:2], DefaultMaxSyncPayload)
	assert.ErrorIs(t, err, ErrTruncatedLog)
}

func TestDecodeUpdatesRejectsOversizedRecord(t *testing.T) {
	encoded := EncodeUpdates([][]byte{make([]byte, 100)})
	_, err := DecodeUpdates(encoded, 99)
	assert.ErrorIs(t, err, ErrUpdateTooBig)

	// A huge claimed length fails the bound check before any allocation.
	_, err = DecodeUpdates([]byte{0xFF, 0xFF, 0xFF, 0xFF}, DefaultMaxSyncPayload)
	assert.ErrorIs(t, err, ErrUpdateTooBig)
}
