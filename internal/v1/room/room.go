package room

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/driftdoc/relay/internal/v1/metrics"
	"github.com/driftdoc/relay/internal/v1/protocol"
	"github.com/driftdoc/relay/internal/v1/types"
)

var (
	// ErrOversizedUpdate rejects a single update over the configured cap. The
	// origin is logged but stays connected; wire-level oversize is handled at
	// the transport with a ProtocolViolation close instead.
	ErrOversizedUpdate = errors.New("room: update exceeds configured cap")
	// ErrRoomDestroyed is returned for operations on a destroyed room.
	// Callers drop the message; the peer is about to see RoomClosed anyway.
	ErrRoomDestroyed = errors.New("room: room destroyed")
	// ErrInvalidRoomName rejects names outside the accepted slug shape.
	ErrInvalidRoomName = errors.New("room: invalid room name")
)

// Room is one collaboration room: the document replica, the awareness table,
// and the set of attached subscribers. A single mutex guards all of it;
// cross-room operations never contend.
type Room struct {
	name types.RoomNameType

	mu           sync.Mutex
	doc          *Document
	awareness    map[types.AwarenessIDType][]byte
	announced    map[types.ConnIDType]types.AwarenessIDType
	subscribers  map[types.ConnIDType]types.Subscriber
	lastActivity time.Time
	restored     bool
	destroyed    bool

	// restoreMu serializes restore attempts so two racing joiners cannot
	// both read the snapshot file.
	restoreMu sync.Mutex

	maxUpdateBytes int
	onDirty        func(types.RoomNameType)
}

func newRoom(name types.RoomNameType, maxUpdateBytes int, onDirty func(types.RoomNameType)) *Room {
	return &Room{
		name:           name,
		doc:            NewDocument(),
		awareness:      make(map[types.AwarenessIDType][]byte),
		announced:      make(map[types.ConnIDType]types.AwarenessIDType),
		subscribers:    make(map[types.ConnIDType]types.Subscriber),
		lastActivity:   time.Now(),
		maxUpdateBytes: maxUpdateBytes,
		onDirty:        onDirty,
	}
}

// Name returns the room name.
func (r *Room) Name() types.RoomNameType {
	return r.name
}

// Attach adds a subscriber and returns the frames that bring it up to date:
// one SyncStep1 carrying the full document state, then the current awareness
// entries. Snapshot and registration happen under one lock hold, so every
// update applied after the snapshot lands in the subscriber's queue instead
// of falling into a gap.
func (r *Room) Attach(sub types.Subscriber) ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return nil, ErrRoomDestroyed
	}

	r.subscribers[sub.SubscriberID()] = sub
	r.lastActivity = time.Now()

	initial := make([][]byte, 0, 1+len(r.awareness))
	initial = append(initial, protocol.EncodeSync(protocol.SyncStep1, r.doc.Snapshot()))
	for id, state := range r.awareness {
		initial = append(initial, protocol.EncodeAwareness(uint32(id), state))
	}
	return initial, nil
}

// Detach removes a subscriber. If it had announced an awareness entry, the
// entry is erased and its tombstone fanned out. Returns the number of
// subscribers left. The last departure re-arms the flush debounce so the
// document persists soon after the room goes quiet.
func (r *Room) Detach(connID types.ConnIDType) int {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return 0
	}

	delete(r.subscribers, connID)
	if id, ok := r.announced[connID]; ok {
		delete(r.announced, connID)
		if _, present := r.awareness[id]; present {
			delete(r.awareness, id)
			r.fanoutAwarenessLocked(protocol.EncodeAwareness(uint32(id), nil), connID)
		}
	}
	r.lastActivity = time.Now()
	remaining := len(r.subscribers)
	var onDirty func(types.RoomNameType)
	if remaining == 0 && r.doc.Len() > 0 {
		onDirty = r.onDirty
	}
	r.mu.Unlock()

	if onDirty != nil {
		onDirty(r.name)
	}
	return remaining
}

// ApplyUpdate appends one update to the document and fans it out to every
// subscriber except the origin, in receive order. The room mutex is the
// ordering point: updates from one origin reach every peer queue in the
// order they were applied.
func (r *Room) ApplyUpdate(update []byte, origin types.ConnIDType) error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return ErrRoomDestroyed
	}
	if len(update) > r.maxUpdateBytes {
		r.mu.Unlock()
		metrics.UpdatesRejected.WithLabelValues("oversized").Inc()
		return fmt.Errorf("%w: %d bytes", ErrOversizedUpdate, len(update))
	}

	r.doc.Apply(update)
	r.lastActivity = time.Now()
	r.fanoutSyncLocked(protocol.EncodeSync(protocol.SyncUpdate, update), origin)
	onDirty := r.onDirty
	r.mu.Unlock()

	if onDirty != nil {
		onDirty(r.name)
	}
	return nil
}

// ApplyBatch decodes a SyncStep2 payload and applies each record in order.
// Returns how many records were applied.
func (r *Room) ApplyBatch(payload []byte, origin types.ConnIDType) (int, error) {
	updates, err := protocol.DecodeUpdates(payload, r.maxUpdateBytes)
	if err != nil {
		return 0, err
	}
	for i, update := range updates {
		if err := r.ApplyUpdate(update, origin); err != nil {
			return i, err
		}
	}
	return len(updates), nil
}

// SetAwareness replaces a client's presence entry and fans it out to every
// other subscriber. The origin connection is remembered so its entry can be
// tombstoned on detach.
func (r *Room) SetAwareness(clientID types.AwarenessIDType, state []byte, origin types.ConnIDType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return ErrRoomDestroyed
	}

	r.awareness[clientID] = append([]byte(nil), state...)
	r.announced[origin] = clientID
	r.lastActivity = time.Now()
	r.fanoutAwarenessLocked(protocol.EncodeAwareness(uint32(clientID), state), origin)
	return nil
}

// RemoveAwareness erases a presence entry and fans out its tombstone.
func (r *Room) RemoveAwareness(clientID types.AwarenessIDType, origin types.ConnIDType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return ErrRoomDestroyed
	}

	if r.announced[origin] == clientID {
		delete(r.announced, origin)
	}
	if _, present := r.awareness[clientID]; !present {
		return nil
	}
	delete(r.awareness, clientID)
	r.lastActivity = time.Now()
	r.fanoutAwarenessLocked(protocol.EncodeAwareness(uint32(clientID), nil), origin)
	return nil
}

// SnapshotBytes encodes the current document state for persistence.
func (r *Room) SnapshotBytes() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return nil, false
	}
	return r.doc.Snapshot(), true
}

// SeedIfEmpty restores a snapshot into a document nothing has touched yet
// and reports whether seeding happened. A room that already carries applied
// updates is never overwritten.
func (r *Room) SeedIfEmpty(snapshot []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return false, ErrRoomDestroyed
	}
	if r.restored || !r.doc.IsEmpty() {
		return false, nil
	}
	if err := r.doc.Restore(snapshot, r.maxUpdateBytes); err != nil {
		return false, err
	}
	r.restored = true
	return true, nil
}

// restoreSettled reports whether restoration is finished business for this
// room, either done or permanently skipped.
func (r *Room) restoreSettled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restored || !r.doc.IsEmpty()
}

// settleRestore marks restoration finished without seeding.
func (r *Room) settleRestore() {
	r.mu.Lock()
	r.restored = true
	r.mu.Unlock()
}

// ConnCount returns the number of attached subscribers.
func (r *Room) ConnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}

// LastActivity returns the time of the last accepted update, awareness
// change, attach or detach.
func (r *Room) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// UpdateCount returns how many updates the document holds.
func (r *Room) UpdateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Len()
}

// Destroy marks the room dead, clears its state and closes every subscriber
// with the given code. Subscriber closes run outside the lock: their detach
// callbacks re-enter the room and must find it already destroyed.
func (r *Room) Destroy(code int, reason string) {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	subs := make([]types.Subscriber, 0, len(r.subscribers))
	for _, sub := range r.subscribers {
		subs = append(subs, sub)
	}
	r.subscribers = make(map[types.ConnIDType]types.Subscriber)
	r.awareness = make(map[types.AwarenessIDType][]byte)
	r.announced = make(map[types.ConnIDType]types.AwarenessIDType)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.CloseWithCode(code, reason)
	}
}

func (r *Room) fanoutSyncLocked(frame []byte, origin types.ConnIDType) {
	for id, sub := range r.subscribers {
		if id == origin {
			continue
		}
		sub.EnqueueSync(frame)
	}
}

func (r *Room) fanoutAwarenessLocked(frame []byte, origin types.ConnIDType) {
	for id, sub := range r.subscribers {
		if id == origin {
			continue
		}
		sub.EnqueueAwareness(frame)
	}
}
