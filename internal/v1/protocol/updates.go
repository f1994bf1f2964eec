package protocol

import (
	"encoding/binary"
	"errors"
)

// The update-log encoding: a flat sequence of records, each a 4-byte
// big-endian length followed by that many update bytes. It is the payload of
// SyncStep1 and SyncStep2 frames and, encrypted, the on-disk snapshot format.

const updateLenSize = 4

var (
	ErrTruncatedLog = errors.New("protocol: truncated update log")
	ErrUpdateTooBig = errors.New("protocol: update record exceeds bound")
)

// EncodedUpdatesLen returns the encoded size of a batch without building it.
func EncodedUpdatesLen(updates [][]byte) int {
	n := 0
	for _, u := range updates {
		n += updateLenSize + len(u)
	}
	return n
}

// EncodeUpdates frames a batch of updates as length-prefixed records, in
// order. An empty batch encodes to an empty slice.
func EncodeUpdates(updates [][]byte) []byte {
	out := make([]byte, 0, EncodedUpdatesLen(updates))
	var lenBuf [updateLenSize]byte
	for _, u := range updates {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(u)))
		out = append(out, lenBuf[:]...)
		out = append(out, u...)
	}
	return out
}

// DecodeUpdates parses a length-prefixed batch. Each record is copied out,
// so the result does not alias b. perUpdateMax bounds individual records;
// a record claiming more bytes than remain makes the log truncated.
func DecodeUpdates(b []byte, perUpdateMax int) ([][]byte, error) {
	var updates [][]byte
	for len(b) > 0 {
		if len(b) < updateLenSize {
			return nil, ErrTruncatedLog
		}
		n := binary.BigEndian.Uint32(b[:updateLenSize])
		b = b[updateLenSize:]
		if int64(n) > int64(perUpdateMax) {
			return nil, ErrUpdateTooBig
		}
		if int64(n) > int64(len(b)) {
			return nil, ErrTruncatedLog
		}
		rec := make([]byte, n)
		copy(rec, b[:n])
		updates = append(updates, rec)
		b = b[n:]
	}
	return updates, nil
}
