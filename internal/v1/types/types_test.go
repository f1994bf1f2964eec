package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidRoomName(t *testing.T) {
	valid := []string{
		"doc-x",
		"workspace-meta:abc123",
		"workspace-folders:team_42",
		"a",
		"A-Za-z0-9:_-ok",
		strings.Repeat("r", 256),
	}
	for _, name := range valid {
		assert.True(t, ValidRoomName(name), "expected valid: %s", name)
	}

	invalid := []string{
		"",
		"has space",
		"slash/room",
		"dot.room",
		"../../etc/passwd",
		strings.Repeat("r", 257),
		"non-ascii-ü",
	}
	for _, name := range invalid {
		assert.False(t, ValidRoomName(name), "expected invalid: %s", name)
	}
}

func TestBridgedByDefault(t *testing.T) {
	assert.True(t, BridgedByDefault("doc-x"))
	assert.True(t, BridgedByDefault("workspace-meta:ws1"))
	assert.True(t, BridgedByDefault("workspace-folders:ws1"))
	assert.False(t, BridgedByDefault("scratch"))
	assert.False(t, BridgedByDefault("docs"))    // prefix is "doc-", not "doc"
	assert.False(t, BridgedByDefault("mydoc-x")) // prefix anchored at start
}

func TestRoomKeyIsZero(t *testing.T) {
	var zero RoomKey
	assert.True(t, zero.IsZero())

	var k RoomKey
	k[31] = 1
	assert.False(t, k.IsZero())
}
