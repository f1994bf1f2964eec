package room

import (
	"context"
	"sync"

	"github.com/driftdoc/relay/internal/v1/types"
)

// fakeSubscriber implements types.Subscriber for testing, recording every
// frame it is handed.
type fakeSubscriber struct {
	id types.ConnIDType

	mu          sync.Mutex
	syncFrames  [][]byte
	awareFrames [][]byte
	closed      bool
	closeCode   int
	closeReason string
}

func newFakeSubscriber(id string) *fakeSubscriber {
	return &fakeSubscriber{id: types.ConnIDType(id)}
}

func (f *fakeSubscriber) SubscriberID() types.ConnIDType { return f.id }

func (f *fakeSubscriber) EnqueueSync(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncFrames = append(f.syncFrames, append([]byte(nil), frame...))
}

func (f *fakeSubscriber) EnqueueAwareness(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.awareFrames = append(f.awareFrames, append([]byte(nil), frame...))
}

func (f *fakeSubscriber) CloseWithCode(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
}

func (f *fakeSubscriber) Sync() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.syncFrames))
	copy(out, f.syncFrames)
	return out
}

func (f *fakeSubscriber) Awareness() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.awareFrames))
	copy(out, f.awareFrames)
	return out
}

func (f *fakeSubscriber) Closed() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

// fakeBus implements types.BusService in-process: publishes are recorded and
// can be injected back as sibling traffic.
type fakeBus struct {
	mu        sync.Mutex
	updates   map[types.RoomNameType][][]byte
	awareness map[types.RoomNameType][][]byte
	onUpdate  map[types.RoomNameType]func([]byte)
	onAware   map[types.RoomNameType]func([]byte)
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		updates:   make(map[types.RoomNameType][][]byte),
		awareness: make(map[types.RoomNameType][][]byte),
		onUpdate:  make(map[types.RoomNameType]func([]byte)),
		onAware:   make(map[types.RoomNameType]func([]byte)),
	}
}

func (b *fakeBus) PublishUpdate(_ context.Context, room types.RoomNameType, update []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates[room] = append(b.updates[room], append([]byte(nil), update...))
	return nil
}

func (b *fakeBus) PublishAwareness(_ context.Context, room types.RoomNameType, frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.awareness[room] = append(b.awareness[room], append([]byte(nil), frame...))
	return nil
}

func (b *fakeBus) Subscribe(room types.RoomNameType, onUpdate func([]byte), onAwareness func([]byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onUpdate[room] = onUpdate
	b.onAware[room] = onAwareness
}

func (b *fakeBus) Unsubscribe(room types.RoomNameType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.onUpdate, room)
	delete(b.onAware, room)
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) injectUpdate(room types.RoomNameType, update []byte) {
	b.mu.Lock()
	handler := b.onUpdate[room]
	b.mu.Unlock()
	if handler != nil {
		handler(update)
	}
}

func (b *fakeBus) injectAwareness(room types.RoomNameType, frame []byte) {
	b.mu.Lock()
	handler := b.onAware[room]
	b.mu.Unlock()
	if handler != nil {
		handler(frame)
	}
}

func (b *fakeBus) publishedUpdates(room types.RoomNameType) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.updates[room]))
	copy(out, b.updates[room])
	return out
}

func (b *fakeBus) publishedAwareness(room types.RoomNameType) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.awareness[room]))
	copy(out, b.awareness[room])
	return out
}

func (b *fakeBus) subscribed(room types.RoomNameType) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.onUpdate[room]
	return ok
}
