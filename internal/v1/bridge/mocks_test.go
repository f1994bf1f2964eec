package bridge

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/driftdoc/relay/internal/v1/protocol"
	"github.com/driftdoc/relay/internal/v1/types"
)

// upstream is a scripted remote relay. It records every dial, the auth token
// each one carried and every binary frame received, and can be told to
// reject auth, drop fresh connections or greet new connections with preset
// frames.
type upstream struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	// writeMu serializes server-side writes; the handler's greet and the
	// test's send would otherwise race on one socket.
	writeMu sync.Mutex

	mu        sync.Mutex
	reject    bool
	dropFirst int
	greet     [][]byte
	dials     int
	tokens    []string
	frames    [][]byte
	conns     []*websocket.Conn
}

func newUpstream(t *testing.T) *upstream {
	u := &upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(u.handle))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) url() string {
	return "ws" + strings.TrimPrefix(u.srv.URL, "http")
}

func (u *upstream) handle(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.dials++
	u.tokens = append(u.tokens, r.URL.Query().Get("auth"))
	reject := u.reject
	drop := u.dropFirst > 0
	if drop {
		u.dropFirst--
	}
	greet := append([][]byte(nil), u.greet...)
	u.mu.Unlock()

	ws, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	if reject {
		msg := websocket.FormatCloseMessage(protocol.CloseAuthRejected, "bad token")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		// Drain until the peer echoes the close so the frame is delivered
		// before the socket drops.
		_ = ws.SetReadDeadline(time.Now().Add(time.Second))
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}
	if drop {
		return
	}

	u.mu.Lock()
	u.conns = append(u.conns, ws)
	u.mu.Unlock()

	u.writeMu.Lock()
	for _, frame := range greet {
		if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			u.writeMu.Unlock()
			return
		}
	}
	u.writeMu.Unlock()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		u.mu.Lock()
		u.frames = append(u.frames, append([]byte(nil), data...))
		u.mu.Unlock()
	}
}

func (u *upstream) setReject(v bool) {
	u.mu.Lock()
	u.reject = v
	u.mu.Unlock()
}

func (u *upstream) setDropFirst(n int) {
	u.mu.Lock()
	u.dropFirst = n
	u.mu.Unlock()
}

func (u *upstream) setGreet(frames [][]byte) {
	u.mu.Lock()
	u.greet = frames
	u.mu.Unlock()
}

func (u *upstream) dialCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.dials
}

func (u *upstream) lastToken() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.tokens) == 0 {
		return ""
	}
	return u.tokens[len(u.tokens)-1]
}

func (u *upstream) frameCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.frames)
}

func (u *upstream) frame(i int) []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.frames[i]
}

// send pushes one binary frame down the newest upstream connection.
func (u *upstream) send(frame []byte) error {
	u.mu.Lock()
	var ws *websocket.Conn
	if n := len(u.conns); n > 0 {
		ws = u.conns[n-1]
	}
	u.mu.Unlock()
	if ws == nil {
		return errors.New("upstream: no connection")
	}
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	return ws.WriteMessage(websocket.BinaryMessage, frame)
}

// fakeSubscriber stands in for a peer connection on the room side.
type fakeSubscriber struct {
	id types.ConnIDType

	mu          sync.Mutex
	syncFrames  [][]byte
	awareFrames [][]byte
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

func (f *fakeSubscriber) CloseWithCode(int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
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

// testBackoff makes retry intervals near-instant so failure paths run in
// test time.
func testBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 20 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()
	return bo
}
