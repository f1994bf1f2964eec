package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenForRoomIsDeterministic(t *testing.T) {
	key := testKey(t)

	a := TokenForRoom(key, "doc-alpha")
	b := TokenForRoom(key, "doc-alpha")
	assert.Equal(t, a, b, "same key and room must derive the same token")
}

func TestTokenForRoomShape(t *testing.T) {
	key := testKey(t)

	token := TokenForRoom(key, "workspace-meta:prod")
	assert.Len(t, token, 44, "base64url of a 32-byte MAC with padding is 44 chars")

	raw, err := base64.URLEncoding.DecodeString(token)
	require.NoError(t, err, "token must be URL-safe base64")
	assert.Len(t, raw, 32)
}

func TestTokenForRoomSeparatesRoomsAndKeys(t *testing.T) {
	key := testKey(t)
	other := testKey(t)

	assert.NotEqual(t, TokenForRoom(key, "doc-a"), TokenForRoom(key, "doc-b"),
		"different rooms under one key must not share tokens")
	assert.NotEqual(t, TokenForRoom(key, "doc-a"), TokenForRoom(other, "doc-a"),
		"different keys for one room must not share tokens")
}

func TestHMACDomainSeparation(t *testing.T) {
	key := testKey(t)

	// A raw MAC over the bare room name must not collide with the
	// domain-separated join token input.
	bare := HMAC(key, []byte("doc-a"))
	scoped := HMAC(key, []byte(tokenContext+"doc-a"))
	assert.NotEqual(t, bare, scoped)
}

func TestConstantTimeEquals(t *testing.T) {
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	same := append([]byte(nil), secret...)
	assert.True(t, ConstantTimeEquals(secret, same))

	flipped := append([]byte(nil), secret...)
	flipped[17] ^= 0x80
	assert.False(t, ConstantTimeEquals(secret, flipped))

	assert.False(t, ConstantTimeEquals(secret, secret[:31]), "length mismatch is unequal")
	assert.True(t, ConstantTimeEquals(nil, nil))
	assert.True(t, ConstantTimeEquals([]byte{}, nil))
}
