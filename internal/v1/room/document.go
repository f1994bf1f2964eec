package room

import (
	"github.com/driftdoc/relay/internal/v1/protocol"
)

// Document is the relay's replica of a room's CRDT state: an append-ordered
// log of opaque update payloads. The relay never interprets update bytes;
// convergence is the clients' concern, the relay only guarantees order and
// completeness of delivery. Not safe for concurrent use; the owning Room's
// mutex guards it.
type Document struct {
	updates [][]byte
	size    int64
}

func NewDocument() *Document {
	return &Document{}
}

// Apply appends one update. The bytes are copied.
func (d *Document) Apply(update []byte) {
	d.updates = append(d.updates, append([]byte(nil), update...))
	d.size += int64(len(update))
}

// Len returns the number of applied updates.
func (d *Document) Len() int { return len(d.updates) }

// Size returns the total payload bytes across all updates.
func (d *Document) Size() int64 { return d.size }

// IsEmpty reports whether no update has ever been applied or restored.
func (d *Document) IsEmpty() bool { return len(d.updates) == 0 }

// Snapshot encodes the full log in apply order. The result aliases nothing.
func (d *Document) Snapshot() []byte {
	return protocol.EncodeUpdates(d.updates)
}

// Restore replaces the log with the decoded snapshot. Used only on a fresh
// replica; restoring over live state would reorder history.
func (d *Document) Restore(snapshot []byte, perUpdateMax int) error {
	updates, err := protocol.DecodeUpdates(snapshot, perUpdateMax)
	if err != nil {
		return err
	}
	d.updates = updates
	d.size = 0
	for _, u := range updates {
		d.size += int64(len(u))
	}
	return nil
}
