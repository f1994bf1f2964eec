package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// tokenContext domain-separates join tokens from any other use of a room key.
const tokenContext = "room-auth:"

// HMAC computes HMAC-SHA256 of message under key.
func HMAC(key, message []byte) [sha256.Size]byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	var out [sha256.Size]byte
	mac.Sum(out[:0])
	return out
}

// TokenForRoom derives the join token a client must present for a room:
// base64url(HMAC-SHA256(key, "room-auth:"+room)). The encoding is URL-safe
// so tokens travel in query strings unescaped; with padding it is always
// 44 characters.
func TokenForRoom(key []byte, room string) string {
	mac := HMAC(key, []byte(tokenContext+room))
	defer Zeroize(mac[:])
	return base64.URLEncoding.EncodeToString(mac[:])
}

// ConstantTimeEquals reports whether a and b are equal without leaking where
// they differ. Length mismatches return false immediately; length is not
// secret here, only content is.
func ConstantTimeEquals(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
