// Package keyring holds the per-room symmetric keys. Keys arrive out of
// band, from a keys file at startup or over the sidecar channel at runtime,
// and every consumer (store, bridge, registry restore) reads them from here.
package keyring

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/driftdoc/relay/internal/v1/types"
)

var (
	// ErrZeroKey is returned for an all-zero key, which marks absence and can
	// never be stored.
	ErrZeroKey = errors.New("keyring: key must not be all zero")
)

// Ring is a concurrency-safe map of room name to 32-byte key with change
// notification. It implements types.KeySource.
type Ring struct {
	mu        sync.RWMutex
	keys      map[types.RoomNameType]types.RoomKey
	listeners []func(room types.RoomNameType)
}

func New() *Ring {
	return &Ring{keys: make(map[types.RoomNameType]types.RoomKey)}
}

// Get returns the key for a room and whether one is known.
func (r *Ring) Get(room types.RoomNameType) (types.RoomKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[room]
	return key, ok
}

// Set stores a key and fires change listeners. Setting the same key again is
// a no-op and does not notify, so redelivery over the sidecar is harmless.
func (r *Ring) Set(room types.RoomNameType, key types.RoomKey) error {
	if key.IsZero() {
		return ErrZeroKey
	}

	r.mu.Lock()
	if existing, ok := r.keys[room]; ok && existing == key {
		r.mu.Unlock()
		return nil
	}
	r.keys[room] = key
	listeners := make([]func(types.RoomNameType), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(room)
	}
	return nil
}

// OnChange registers a listener invoked after a key is stored or replaced.
// Listeners run synchronously on the caller of Set, outside the ring lock.
func (r *Ring) OnChange(fn func(room types.RoomNameType)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Len returns the number of rooms with a known key.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// LoadFile reads a JSON object of room name to base64 key and stores every
// entry. Any bad entry fails the whole load; a partial keyring at startup
// would silently strand rooms without bridges.
func (r *Ring) LoadFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("keyring: reading %s: %w", path, err)
	}

	var entries map[string]string
	if err := json.Unmarshal(raw, &entries); err != nil {
		return 0, fmt.Errorf("keyring: parsing %s: %w", path, err)
	}

	parsed := make(map[types.RoomNameType]types.RoomKey, len(entries))
	for name, encoded := range entries {
		if !types.ValidRoomName(name) {
			return 0, fmt.Errorf("keyring: invalid room name %q in %s", name, path)
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return 0, fmt.Errorf("keyring: room %q: %w", name, err)
		}
		if len(decoded) != len(types.RoomKey{}) {
			return 0, fmt.Errorf("keyring: room %q: key must be %d bytes, got %d",
				name, len(types.RoomKey{}), len(decoded))
		}
		var key types.RoomKey
		copy(key[:], decoded)
		if key.IsZero() {
			return 0, fmt.Errorf("keyring: room %q: %w", name, ErrZeroKey)
		}
		parsed[types.RoomNameType(name)] = key
	}

	for room, key := range parsed {
		if err := r.Set(room, key); err != nil {
			return 0, err
		}
	}
	return len(parsed), nil
}
