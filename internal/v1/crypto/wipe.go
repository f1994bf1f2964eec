package crypto

import (
	"crypto/subtle"
	"runtime"
)

// Zeroize overwrites b with zeros. It goes through subtle.XORBytes and pins
// the slice with runtime.KeepAlive so the compiler cannot elide the wipe as
// a dead store. Nil and empty slices are no-ops.
func Zeroize(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.XORBytes(b, b, b)
	runtime.KeepAlive(&b[0])
}
