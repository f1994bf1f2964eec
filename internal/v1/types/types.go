package types

import (
	"context"
	"regexp"
	"strings"
)

// --- Core Domain Types ---

// RoomNameType identifies a collaboration room. Room names are printable ASCII
// slugs; the colon is significant and separates namespace prefixes.
type RoomNameType string

// ConnIDType is a per-connection correlation id, unique per process lifetime.
type ConnIDType string

// AwarenessIDType is the client-chosen random 32-bit id keying its presence entry.
type AwarenessIDType uint32

// RoomKey is the 32-byte symmetric key of a room. It encrypts the room's
// at-rest snapshot and derives the room's join token.
type RoomKey [32]byte

// IsZero reports whether the key is the all-zero value, which is never a
// usable key.
func (k RoomKey) IsZero() bool {
	for _, b := range k {
		if b != 0 {
			return false
		}
	}
	return true
}

// roomNamePattern is the only accepted shape for a room name.
var roomNamePattern = regexp.MustCompile(`^[A-Za-z0-9:_-]{1,256}$`)

// ValidRoomName reports whether name is an acceptable room name.
func ValidRoomName(name string) bool {
	return roomNamePattern.MatchString(name)
}

// BridgedPrefixes lists the room-name prefixes that are replicated to the
// outbound relay by default; all other rooms stay local-only.
var BridgedPrefixes = []string{"workspace-meta:", "workspace-folders:", "doc-"}

// BridgedByDefault reports whether a room with this name should be given an
// outbound bridge when one is configured.
func BridgedByDefault(name RoomNameType) bool {
	for _, p := range BridgedPrefixes {
		if strings.HasPrefix(string(name), p) {
			return true
		}
	}
	return false
}

// --- Shared Interfaces ---

// Subscriber is the fan-out target a Room delivers frames to. WebSocket
// connections and outbound bridges both implement it; the room package never
// sees the transport behind it.
//
// Enqueue methods must not block: a subscriber that cannot absorb a frame is
// required to close itself with the backpressure close code rather than drop
// individual frames.
type Subscriber interface {
	// SubscriberID returns a stable id used for origin exclusion and logging.
	SubscriberID() ConnIDType
	// EnqueueSync hands the subscriber a fully encoded sync frame.
	EnqueueSync(frame []byte)
	// EnqueueAwareness hands the subscriber a fully encoded awareness frame.
	EnqueueAwareness(frame []byte)
	// CloseWithCode asks the subscriber to begin closing with the given
	// WebSocket close code. It must be safe to call more than once.
	CloseWithCode(code int, reason string)
}

// BusService is the optional cross-instance fan-out used when several relay
// instances serve the same room set behind a load balancer.
type BusService interface {
	// PublishUpdate replicates an accepted update to sibling instances.
	PublishUpdate(ctx context.Context, room RoomNameType, update []byte) error
	// PublishAwareness replicates an awareness frame to sibling instances.
	PublishAwareness(ctx context.Context, room RoomNameType, frame []byte) error
	// Subscribe starts delivering sibling traffic for room to the handlers
	// until the room is unsubscribed or the bus closes.
	Subscribe(room RoomNameType, onUpdate func(update []byte), onAwareness func(frame []byte))
	// Unsubscribe stops delivery for room.
	Unsubscribe(room RoomNameType)
	Close() error
}

// KeySource resolves per-room symmetric keys. Missing keys are normal: they
// arrive asynchronously over the sidecar channel.
type KeySource interface {
	Get(room RoomNameType) (RoomKey, bool)
}
