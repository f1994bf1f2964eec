// Package auth implements the per-room join gate: a first-write-wins token
// slot compared in constant time, plus the browser origin allowlist.
package auth

import (
	"errors"

	"github.com/driftdoc/relay/internal/v1/crypto"
)

var (
	// ErrAuthRequired means a token is registered for the room and the
	// attempt supplied none.
	ErrAuthRequired = errors.New("auth: token required")
	// ErrAuthMismatch means the supplied token differs from the registered
	// one.
	ErrAuthMismatch = errors.New("auth: token mismatch")
)

// Decide applies the join table for one upgrade attempt against the room's
// registered token slot. It returns register=true when the caller must store
// supplied as the room's token: only a non-empty first token ever
// registers; a missing token on an unguarded room is the legacy mode and
// leaves the slot unset.
func Decide(registered, supplied []byte) (register bool, err error) {
	switch {
	case len(registered) == 0 && len(supplied) == 0:
		return false, nil
	case len(registered) == 0:
		return true, nil
	case len(supplied) == 0:
		return false, ErrAuthRequired
	case crypto.ConstantTimeEquals(registered, supplied):
		return false, nil
	default:
		return false, ErrAuthMismatch
	}
}
