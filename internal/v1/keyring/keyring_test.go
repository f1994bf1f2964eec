package keyring

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftdoc/relay/internal/v1/types"
)

func nonZeroKey(fill byte) types.RoomKey {
	var key types.RoomKey
	for i := range key {
		key[i] = fill
	}
	return key
}

func TestSetAndGet(t *testing.T) {
	ring := New()

	_, ok := ring.Get("doc-a")
	assert.False(t, ok)

	require.NoError(t, ring.Set("doc-a", nonZeroKey(0x11)))

	got, ok := ring.Get("doc-a")
	assert.True(t, ok)
	assert.Equal(t, nonZeroKey(0x11), got)
	assert.Equal(t, 1, ring.Len())
}

func TestSetRejectsZeroKey(t *testing.T) {
	ring := New()
	err := ring.Set("doc-a", types.RoomKey{})
	assert.ErrorIs(t, err, ErrZeroKey)
	assert.Equal(t, 0, ring.Len())
}

func TestOnChangeFires(t *testing.T) {
	ring := New()

	var changed []types.RoomNameType
	ring.OnChange(func(room types.RoomNameType) {
		changed = append(changed, room)
	})

	require.NoError(t, ring.Set("doc-a", nonZeroKey(0x11)))
	require.NoError(t, ring.Set("doc-b", nonZeroKey(0x22)))
	assert.Equal(t, []types.RoomNameType{"doc-a", "doc-b"}, changed)

	// Replacing a key notifies; redelivering the same key does not.
	require.NoError(t, ring.Set("doc-a", nonZeroKey(0x33)))
	require.NoError(t, ring.Set("doc-a", nonZeroKey(0x33)))
	assert.Equal(t, []types.RoomNameType{"doc-a", "doc-b", "doc-a"}, changed)
}

func writeKeysFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	keyA := nonZeroKey(0xAA)
	keyB := nonZeroKey(0xBB)
	path := writeKeysFile(t, `{
		"doc-a": "`+base64.StdEncoding.EncodeToString(keyA[:])+`",
		"workspace-meta:prod": "`+base64.StdEncoding.EncodeToString(keyB[:])+`"
	}`)

	ring := New()
	n, err := ring.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, ok := ring.Get("doc-a")
	assert.True(t, ok)
	assert.Equal(t, keyA, got)

	got, ok = ring.Get("workspace-meta:prod")
	assert.True(t, ok)
	assert.Equal(t, keyB, got)
}

func TestLoadFileRejectsBadEntries(t *testing.T) {
	key := nonZeroKey(0xAA)
	valid := base64.StdEncoding.EncodeToString(key[:])

	tests := []struct {
		name    string
		content string
	}{
		{"bad json", `{`},
		{"bad base64", `{"doc-a": "not-base64!!"}`},
		{"short key", `{"doc-a": "` + base64.StdEncoding.EncodeToString(key[:16]) + `"}`},
		{"zero key", `{"doc-a": "` + base64.StdEncoding.EncodeToString(make([]byte, 32)) + `"}`},
		{"invalid room name", `{"bad room": "` + valid + `"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ring := New()
			_, err := ring.LoadFile(writeKeysFile(t, tc.content))
			assert.Error(t, err)
			assert.Equal(t, 0, ring.Len(), "a bad entry must fail the whole load")
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	ring := New()
	_, err := ring.LoadFile(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
