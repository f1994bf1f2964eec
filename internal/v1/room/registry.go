package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftdoc/relay/internal/v1/auth"
	"github.com/driftdoc/relay/internal/v1/logging"
	"github.com/driftdoc/relay/internal/v1/metrics"
	"github.com/driftdoc/relay/internal/v1/protocol"
	"github.com/driftdoc/relay/internal/v1/store"
	"github.com/driftdoc/relay/internal/v1/types"
)

const (
	DefaultMaxUpdateBytes = protocol.DefaultMaxSyncPayload
	DefaultIdleTimeout    = 10 * time.Minute
	DefaultSweepInterval  = 60 * time.Second

	// busOrigin is the subscriber id updates from sibling instances carry
	// through fan-out. It can never collide with a connection id.
	busOrigin = types.ConnIDType("bus")
)

type Config struct {
	MaxUpdateBytes int
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxUpdateBytes <= 0 {
		c.MaxUpdateBytes = DefaultMaxUpdateBytes
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
}

// Registry owns every live room, the per-room auth-token slots and the stale
// sweep. The token slots share the registry mutex with the room map so the
// sweep can clear both atomically.
type Registry struct {
	cfg   Config
	store *store.Store     // nil disables persistence
	bus   types.BusService // nil disables cross-instance fan-out

	mu         sync.Mutex
	rooms      map[types.RoomNameType]*Room
	authTokens map[types.RoomNameType][]byte

	onCreated   func(types.RoomNameType)
	onDestroyed func(types.RoomNameType)

	wg sync.WaitGroup
}

func NewRegistry(cfg Config, st *store.Store, bus types.BusService) *Registry {
	cfg.withDefaults()
	return &Registry{
		cfg:        cfg,
		store:      st,
		bus:        bus,
		rooms:      make(map[types.RoomNameType]*Room),
		authTokens: make(map[types.RoomNameType][]byte),
	}
}

// OnRoomCreated registers the lifecycle hook fired after a room is created.
// Set once during wiring, before any join is served.
func (reg *Registry) OnRoomCreated(fn func(types.RoomNameType)) { reg.onCreated = fn }

// OnRoomDestroyed registers the hook fired after a room is destroyed.
func (reg *Registry) OnRoomDestroyed(fn func(types.RoomNameType)) { reg.onDestroyed = fn }

// Authorize runs the first-write-wins token gate for one upgrade attempt.
// The slot registers only on an allowed attempt that supplied a token.
func (reg *Registry) Authorize(room types.RoomNameType, supplied []byte) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	register, err := auth.Decide(reg.authTokens[room], supplied)
	if err != nil {
		reason := "required"
		if errors.Is(err, auth.ErrAuthMismatch) {
			reason = "mismatch"
		}
		metrics.AuthRejections.WithLabelValues(reason).Inc()
		return err
	}
	if register {
		reg.authTokens[room] = append([]byte(nil), supplied...)
	}
	return nil
}

// JoinOrCreate returns the room for name, creating it on first join.
// Restoration from a persisted snapshot runs exactly once here, before the
// first joiner proceeds.
func (reg *Registry) JoinOrCreate(ctx context.Context, name types.RoomNameType) (*Room, error) {
	if !types.ValidRoomName(string(name)) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRoomName, name)
	}

	reg.mu.Lock()
	r, exists := reg.rooms[name]
	if !exists {
		r = newRoom(name, reg.cfg.MaxUpdateBytes, reg.dirtyHook())
		reg.rooms[name] = r
		metrics.ActiveRooms.Set(float64(len(reg.rooms)))
	}
	onCreated := reg.onCreated
	reg.mu.Unlock()

	if !exists {
		logging.Info(ctx, "room created", zap.String("room", string(name)))
		if reg.bus != nil {
			reg.subscribeBus(r)
		}
		if onCreated != nil {
			onCreated(name)
		}
	}

	reg.maybeRestore(ctx, r)
	return r, nil
}

// Get returns a live room without creating one.
func (reg *Registry) Get(name types.RoomNameType) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[name]
	return r, ok
}

// RoomNames returns the names of all live rooms.
func (reg *Registry) RoomNames() []types.RoomNameType {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	names := make([]types.RoomNameType, 0, len(reg.rooms))
	for name := range reg.rooms {
		names = append(names, name)
	}
	return names
}

func (reg *Registry) dirtyHook() func(types.RoomNameType) {
	if reg.store == nil {
		return nil
	}
	return reg.store.MarkDirty
}

// SnapshotFor adapts the registry to the store's snapshot provider.
func (reg *Registry) SnapshotFor(name types.RoomNameType) ([]byte, bool) {
	r, ok := reg.Get(name)
	if !ok {
		return nil, false
	}
	return r.SnapshotBytes()
}

// maybeRestore runs the once-only snapshot restoration for a room. A missing
// key defers the restore until the key is delivered; a decrypt or decode
// failure settles it permanently, leaving the file for the operator and the
// room empty.
func (reg *Registry) maybeRestore(ctx context.Context, r *Room) {
	if reg.store == nil {
		return
	}

	r.restoreMu.Lock()
	defer r.restoreMu.Unlock()
	if r.restoreSettled() {
		return
	}

	plain, err := reg.store.Load(r.name)
	switch {
	case err == nil:
		seeded, seedErr := r.SeedIfEmpty(plain)
		if seedErr != nil {
			logging.Error(ctx, "persisted snapshot did not decode, leaving room empty",
				zap.String("room", string(r.name)), zap.Error(seedErr))
			r.settleRestore()
			return
		}
		if seeded {
			logging.Info(ctx, "room state restored",
				zap.String("room", string(r.name)), zap.Int("updates", r.UpdateCount()))
		}
	case errors.Is(err, store.ErrNoSnapshot):
		r.settleRestore()
	case errors.Is(err, store.ErrNoKey):
		logging.Debug(ctx, "snapshot present but key unknown, restore deferred",
			zap.String("room", string(r.name)))
	default:
		logging.Error(ctx, "snapshot restore failed, leaving room empty",
			zap.String("room", string(r.name)), zap.Error(err))
		r.settleRestore()
	}
}

// KeyDelivered retries a deferred restore. Only a room that has not applied
// any update is still eligible; live state is never overwritten.
func (reg *Registry) KeyDelivered(ctx context.Context, name types.RoomNameType) {
	if r, ok := reg.Get(name); ok {
		reg.maybeRestore(ctx, r)
	}
}

// ApplyLocalUpdate applies an update from a local client and replicates it
// to sibling instances when a bus is configured.
func (reg *Registry) ApplyLocalUpdate(ctx context.Context, r *Room, update []byte, origin types.ConnIDType) error {
	if err := r.ApplyUpdate(update, origin); err != nil {
		return err
	}
	metrics.UpdatesRelayed.WithLabelValues("local").Inc()
	if reg.bus != nil {
		if err := reg.bus.PublishUpdate(ctx, r.name, update); err != nil {
			logging.Warn(ctx, "bus publish failed", zap.String("room", string(r.name)), zap.Error(err))
		}
	}
	return nil
}

// ApplyLocalBatch applies a SyncStep2 batch from a local client, record by
// record, replicating each one.
func (reg *Registry) ApplyLocalBatch(ctx context.Context, r *Room, payload []byte, origin types.ConnIDType) (int, error) {
	updates, err := protocol.DecodeUpdates(payload, reg.cfg.MaxUpdateBytes)
	if err != nil {
		return 0, err
	}
	for i, update := range updates {
		if err := reg.ApplyLocalUpdate(ctx, r, update, origin); err != nil {
			return i, err
		}
	}
	return len(updates), nil
}

// SetLocalAwareness replaces a presence entry on behalf of a local client
// and replicates the frame.
func (reg *Registry) SetLocalAwareness(ctx context.Context, r *Room, clientID types.AwarenessIDType, state []byte, origin types.ConnIDType) error {
	if err := r.SetAwareness(clientID, state, origin); err != nil {
		return err
	}
	reg.publishAwareness(ctx, r, protocol.EncodeAwareness(uint32(clientID), state))
	return nil
}

// RemoveLocalAwareness erases a presence entry on behalf of a local client
// and replicates the tombstone.
func (reg *Registry) RemoveLocalAwareness(ctx context.Context, r *Room, clientID types.AwarenessIDType, origin types.ConnIDType) error {
	if err := r.RemoveAwareness(clientID, origin); err != nil {
		return err
	}
	reg.publishAwareness(ctx, r, protocol.EncodeAwareness(uint32(clientID), nil))
	return nil
}

func (reg *Registry) publishAwareness(ctx context.Context, r *Room, frame []byte) {
	if reg.bus == nil {
		return
	}
	if err := reg.bus.PublishAwareness(ctx, r.name, frame); err != nil {
		logging.Warn(ctx, "bus awareness publish failed", zap.String("room", string(r.name)), zap.Error(err))
	}
}

// subscribeBus wires sibling-instance traffic for one room into the local
// replica. Frames from the bus fan out under the bus origin and are never
// re-published.
func (reg *Registry) subscribeBus(r *Room) {
	reg.bus.Subscribe(r.name,
		func(update []byte) {
			if err := r.ApplyUpdate(update, busOrigin); err != nil {
				if !errors.Is(err, ErrRoomDestroyed) {
					logging.Warn(context.Background(), "bus update rejected",
						zap.String("room", string(r.name)), zap.Error(err))
				}
				return
			}
			metrics.UpdatesRelayed.WithLabelValues("bus").Inc()
		},
		func(frame []byte) {
			msg, err := protocol.Decode(frame, reg.cfg.MaxUpdateBytes)
			if err != nil || msg.Kind != protocol.KindAwareness {
				return
			}
			id := types.AwarenessIDType(msg.ClientID)
			if len(msg.Payload) == 0 {
				_ = r.RemoveAwareness(id, busOrigin)
			} else {
				_ = r.SetAwareness(id, msg.Payload, busOrigin)
			}
		})
}

// Destroy flushes any pending snapshot, clears the auth-token slot, removes
// the room and closes its subscribers with code. Destroying a missing room
// is a no-op.
func (reg *Registry) Destroy(ctx context.Context, name types.RoomNameType, code int, reason string) {
	reg.mu.Lock()
	r := reg.rooms[name]
	reg.mu.Unlock()
	if r == nil {
		return
	}

	if reg.store != nil {
		if err := reg.store.FlushNow(ctx, name); err != nil && !errors.Is(err, store.ErrNoKey) {
			logging.Error(ctx, "final flush failed", zap.String("room", string(name)), zap.Error(err))
		}
	}

	reg.mu.Lock()
	delete(reg.rooms, name)
	delete(reg.authTokens, name)
	metrics.ActiveRooms.Set(float64(len(reg.rooms)))
	onDestroyed := reg.onDestroyed
	reg.mu.Unlock()

	if reg.bus != nil {
		reg.bus.Unsubscribe(name)
	}
	if reg.store != nil {
		reg.store.Forget(name)
	}

	r.Destroy(code, reason)
	logging.Info(ctx, "room destroyed", zap.String("room", string(name)), zap.String("reason", reason))
	if onDestroyed != nil {
		onDestroyed(name)
	}
}

// StartSweeper destroys stale rooms on a fixed interval until ctx ends.
func (reg *Registry) StartSweeper(ctx context.Context) {
	reg.wg.Add(1)
	go func() {
		defer reg.wg.Done()
		ticker := time.NewTicker(reg.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reg.sweepOnce(ctx, time.Now())
			}
		}
	}()
}

// sweepOnce destroys every room with no subscribers and no activity inside
// the idle window. Destroy clears the room's auth slot with it, so a future
// group holding the right key re-establishes a fresh auth context.
func (reg *Registry) sweepOnce(ctx context.Context, now time.Time) int {
	reg.mu.Lock()
	var stale []types.RoomNameType
	for name, r := range reg.rooms {
		if r.ConnCount() == 0 && now.Sub(r.LastActivity()) > reg.cfg.IdleTimeout {
			stale = append(stale, name)
		}
	}
	reg.mu.Unlock()

	for _, name := range stale {
		reg.Destroy(ctx, name, protocol.CloseRoomClosed, "idle")
	}
	return len(stale)
}

// Shutdown destroys every room, flushing each, for process exit. Cancel the
// sweeper context first; Shutdown waits for it.
func (reg *Registry) Shutdown(ctx context.Context) {
	for _, name := range reg.RoomNames() {
		reg.Destroy(ctx, name, protocol.CloseRoomClosed, "server shutting down")
	}
	reg.wg.Wait()
}
