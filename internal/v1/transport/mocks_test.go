package transport

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftdoc/relay/internal/v1/types"
)

var errConnClosed = errors.New("fake conn closed")

type closeFrame struct {
	code   int
	reason string
}

// fakeWsConn implements wsConnection in memory: reads are fed through a
// channel, writes are recorded.
type fakeWsConn struct {
	mu      sync.Mutex
	written [][]byte
	closes  []closeFrame
	pings   int
	closed  bool
	readErr error

	inbound chan []byte
	done    chan struct{}
	once    sync.Once
}

func newFakeWsConn() *fakeWsConn {
	return &fakeWsConn{
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

// push hands the read loop one inbound binary message.
func (f *fakeWsConn) push(data []byte) {
	f.inbound <- data
}

func (f *fakeWsConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.inbound:
		return websocket.BinaryMessage, data, nil
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.readErr != nil {
			return 0, nil, f.readErr
		}
		return 0, nil, errConnClosed
	}
}

// failRead makes ReadMessage return err, the way a read deadline expiry
// surfaces. The write side stays usable.
func (f *fakeWsConn) failRead(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
}

func (f *fakeWsConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errConnClosed
	}
	if messageType == websocket.BinaryMessage {
		f.written = append(f.written, append([]byte(nil), data...))
	}
	return nil
}

func (f *fakeWsConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errConnClosed
	}
	switch messageType {
	case websocket.CloseMessage:
		cf := closeFrame{}
		if len(data) >= 2 {
			cf.code = int(binary.BigEndian.Uint16(data[:2]))
			cf.reason = string(data[2:])
		}
		f.closes = append(f.closes, cf)
	case websocket.PingMessage:
		f.pings++
	}
	return nil
}

func (f *fakeWsConn) SetReadLimit(int64) {}

func (f *fakeWsConn) SetReadDeadline(time.Time) error { return nil }

func (f *fakeWsConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWsConn) SetPongHandler(func(string) error) {}

func (f *fakeWsConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeWsConn) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

func (f *fakeWsConn) closeSent() (closeFrame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.closes) == 0 {
		return closeFrame{}, false
	}
	return f.closes[0], true
}

func (f *fakeWsConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeSubscriber stands in for a peer connection on the room side.
type fakeSubscriber struct {
	id types.ConnIDType

	mu          sync.Mutex
	syncFrames  [][]byte
	awareFrames [][]byte
	closeCode   int
	closed      bool
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

func (f *fakeSubscriber) CloseWithCode(code int, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.closeCode = code
	}
}

func (f *fakeSubscriber) Sync() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.syncFrames...)
}

func (f *fakeSubscriber) Awareness() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.awareFrames...)
}

// queuedFrames peeks at a connection's outbound queue without draining it.
func queuedFrames(c *Connection) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.queue...)
}

func closeState(c *Connection) (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing, c.closeCode
}
