// Package store persists one encrypted snapshot per room. Flushes are
// debounced behind the write policy (quiet period after the last update,
// hard ceiling since the first unflushed one) and serialized per room;
// the rename from the temp file is the durability boundary.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/driftdoc/relay/internal/v1/crypto"
	"github.com/driftdoc/relay/internal/v1/logging"
	"github.com/driftdoc/relay/internal/v1/metrics"
	"github.com/driftdoc/relay/internal/v1/types"
	"go.uber.org/zap"
)

const (
	snapshotExt = ".dat"
	tmpSuffix   = ".tmp"

	DefaultDebounce = 2 * time.Second
	DefaultCeiling  = 30 * time.Second
)

var (
	// ErrNoSnapshot means no file exists for the room.
	ErrNoSnapshot = errors.New("store: no snapshot for room")
	// ErrNoKey means the room has no key in the ring, so the snapshot cannot
	// be sealed or opened.
	ErrNoKey = errors.New("store: no key for room")
)

// SnapshotFunc returns the current plaintext snapshot for a room, or false
// when the room no longer exists. Implementations take their own locks; the
// store calls this outside of any of its locks except the per-room flight.
type SnapshotFunc func(room types.RoomNameType) ([]byte, bool)

type Options struct {
	Debounce time.Duration
	Ceiling  time.Duration
}

// Store owns the snapshot directory. One file per room,
// url.QueryEscape(room) + ".dat"; contents are exactly one crypto blob.
type Store struct {
	dir      string
	keys     types.KeySource
	snapshot SnapshotFunc
	debounce time.Duration
	ceiling  time.Duration

	mu     sync.Mutex
	rooms  map[types.RoomNameType]*flushState
	closed bool
}

// flushState tracks the write policy for one room. flight serializes disk
// writes; a flush that fires while another is in progress queues on it.
type flushState struct {
	flight     sync.Mutex
	timer      *time.Timer
	firstDirty time.Time
}

func New(dir string, keys types.KeySource, snapshot SnapshotFunc, opts Options) (*Store, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Ceiling <= 0 {
		opts.Ceiling = DefaultCeiling
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: creating %s: %w", dir, err)
	}
	return &Store{
		dir:      dir,
		keys:     keys,
		snapshot: snapshot,
		debounce: opts.Debounce,
		ceiling:  opts.Ceiling,
		rooms:    make(map[types.RoomNameType]*flushState),
	}, nil
}

func (s *Store) path(room types.RoomNameType) string {
	return filepath.Join(s.dir, url.QueryEscape(string(room))+snapshotExt)
}

// MarkDirty notes that the room changed and arms the debounced flush: the
// timer moves out with every call but never past the ceiling measured from
// the first unflushed change.
func (s *Store) MarkDirty(room types.RoomNameType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	st := s.rooms[room]
	if st == nil {
		st = &flushState{}
		s.rooms[room] = st
	}

	now := time.Now()
	if st.firstDirty.IsZero() {
		st.firstDirty = now
	}
	delay := s.debounce
	if ceilingLeft := st.firstDirty.Add(s.ceiling).Sub(now); ceilingLeft < delay {
		delay = ceilingLeft
	}
	if delay < 0 {
		delay = 0
	}

	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(delay, func() { s.timerFlush(room) })
}

func (s *Store) timerFlush(room types.RoomNameType) {
	s.mu.Lock()
	st := s.rooms[room]
	if st == nil || s.closed {
		s.mu.Unlock()
		return
	}
	st.timer = nil
	st.firstDirty = time.Time{}
	s.mu.Unlock()

	ctx := context.WithValue(context.Background(), logging.RoomKey, string(room))
	if err := s.flush(room, st); err != nil && !errors.Is(err, ErrNoKey) {
		// Serving continues from memory; the next update re-arms the timer.
		logging.Error(ctx, "snapshot flush failed", zap.Error(err))
	}
}

// FlushNow synchronously flushes any pending snapshot for the room and
// disarms its timer. A room with nothing pending is a no-op.
func (s *Store) FlushNow(ctx context.Context, room types.RoomNameType) error {
	s.mu.Lock()
	st := s.rooms[room]
	if st == nil {
		s.mu.Unlock()
		return nil
	}
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	pending := !st.firstDirty.IsZero()
	st.firstDirty = time.Time{}
	s.mu.Unlock()

	if !pending {
		return nil
	}
	return s.flush(room, st)
}

// Forget drops the room's flush state without writing. Call after FlushNow
// when the room is destroyed; the snapshot file itself stays for a later
// restore.
func (s *Store) Forget(room types.RoomNameType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.rooms[room]; st != nil && st.timer != nil {
		st.timer.Stop()
	}
	delete(s.rooms, room)
}

// flush snapshots, encrypts and writes one room. The flight lock makes
// concurrent flushes of the same room queue instead of interleave; distinct
// rooms proceed in parallel.
func (s *Store) flush(room types.RoomNameType, st *flushState) error {
	st.flight.Lock()
	defer st.flight.Unlock()

	start := time.Now()

	plain, ok := s.snapshot(room)
	if !ok {
		return nil
	}
	key, ok := s.keys.Get(room)
	if !ok {
		metrics.SnapshotFlushes.WithLabelValues("no_key").Inc()
		return fmt.Errorf("%w: %s", ErrNoKey, room)
	}

	blob, err := crypto.Encrypt(plain, key[:])
	crypto.Zeroize(plain)
	if err != nil {
		metrics.SnapshotFlushes.WithLabelValues("error").Inc()
		return fmt.Errorf("store: sealing %s: %w", room, err)
	}

	if err := s.writeAtomic(s.path(room), blob); err != nil {
		metrics.SnapshotFlushes.WithLabelValues("error").Inc()
		return err
	}

	metrics.SnapshotFlushes.WithLabelValues("ok").Inc()
	metrics.SnapshotFlushDuration.Observe(time.Since(start).Seconds())
	return nil
}

// writeAtomic writes to <path>.tmp and renames over path, so a crash at any
// point leaves either the previous snapshot or the new one, never a torn
// file.
func (s *Store) writeAtomic(path string, data []byte) error {
	tmp := path + tmpSuffix
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("store: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: renaming %s: %w", tmp, err)
	}
	return nil
}

// Load reads and decrypts the room's snapshot. ErrNoSnapshot when no file
// exists, ErrNoKey when the key is unknown. Decrypt failures are returned
// and the file is deliberately left in place for operator recovery.
func (s *Store) Load(room types.RoomNameType) ([]byte, error) {
	blob, err := os.ReadFile(s.path(room))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, room)
		}
		return nil, fmt.Errorf("store: reading snapshot for %s: %w", room, err)
	}

	key, ok := s.keys.Get(room)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoKey, room)
	}

	plain, err := crypto.Decrypt(blob, key[:])
	if err != nil {
		return nil, fmt.Errorf("store: opening snapshot for %s: %w", room, err)
	}
	return plain, nil
}

// ListRooms returns every room with a persisted snapshot, skipping temp
// leftovers and files whose names do not unescape to a valid room name.
func (s *Store) ListRooms() ([]types.RoomNameType, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("store: listing %s: %w", s.dir, err)
	}

	var rooms []types.RoomNameType
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		unescaped, err := url.QueryUnescape(strings.TrimSuffix(name, snapshotExt))
		if err != nil || !types.ValidRoomName(unescaped) {
			continue
		}
		rooms = append(rooms, types.RoomNameType(unescaped))
	}
	return rooms, nil
}

// Close flushes every dirty room and stops all timers. The store accepts no
// new work afterwards.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	type pendingRoom struct {
		room types.RoomNameType
		st   *flushState
	}
	var pending []pendingRoom
	for room, st := range s.rooms {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		if !st.firstDirty.IsZero() {
			st.firstDirty = time.Time{}
			pending = append(pending, pendingRoom{room, st})
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, p := range pending {
		if err := s.flush(p.room, p.st); err != nil && !errors.Is(err, ErrNoKey) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		logging.Error(ctx, "flushes failed during shutdown", zap.Int("count", len(errs)))
	}
	return errors.Join(errs...)
}
