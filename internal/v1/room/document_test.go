package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftdoc/relay/internal/v1/protocol"
)

func TestDocumentApplyAndSnapshot(t *testing.T) {
	doc := NewDocument()
	assert.True(t, doc.IsEmpty())
	assert.Empty(t, doc.Snapshot())

	doc.Apply([]byte{0xAA})
	doc.Apply([]byte{0xBB, 0xCC})

	assert.Equal(t, 2, doc.Len())
	assert.Equal(t, int64(3), doc.Size())
	assert.False(t, doc.IsEmpty())

	decoded, err := protocol.DecodeUpdates(doc.Snapshot(), protocol.DefaultMaxSyncPayload)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0xAA}, {0xBB, 0xCC}}, decoded)
}

func TestDocumentApplyCopies(t *testing.T) {
	doc := NewDocument()
	update := []byte{0x01}
	doc.Apply(update)
	update[0] = 0xFF

	decoded, err := protocol.DecodeUpdates(doc.Snapshot(), protocol.DefaultMaxSyncPayload)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), decoded[0][0])
}

func TestDocumentRestore(t *testing.T) {
	snapshot := protocol.EncodeUpdates([][]byte{{0x01}, {0x02, 0x03}})

	doc := NewDocument()
	require.NoError(t, doc.Restore(snapshot, protocol.DefaultMaxSyncPayload))
	assert.Equal(t, 2, doc.Len())
	assert.Equal(t, int64(3), doc.Size())

	// Restoring again replaces, not appends.
	require.NoError(t, doc.Restore(protocol.EncodeUpdates([][]byte{{0x09}}), protocol.DefaultMaxSyncPayload))
	assert.Equal(t, 1, doc.Len())
	assert.Equal(t, int64(1), doc.Size())
}

func TestDocumentRestoreRejectsBadSnapshot(t *testing.T) {
	doc := NewDocument()
	err := doc.Restore([]byte{0x00, 0x00}, protocol.DefaultMaxSyncPayload)
	assert.ErrorIs(t, err, protocol.ErrTruncatedLog)
	assert.True(t, doc.IsEmpty(), "a failed restore must leave the document untouched")
}
