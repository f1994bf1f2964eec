package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/driftdoc/relay/internal/v1/logging"
	"github.com/driftdoc/relay/internal/v1/metrics"
	"github.com/driftdoc/relay/internal/v1/protocol"
	"github.com/driftdoc/relay/internal/v1/types"
)

// linkConn is one live upstream connection. It satisfies types.Subscriber so
// the local room fans frames straight into its outbound queue; the write loop
// drains the queue to the remote relay in order.
type linkConn struct {
	id         types.ConnIDType
	room       types.RoomNameType
	ws         *websocket.Conn
	maxForward int

	mu          sync.Mutex
	queue       [][]byte
	queuedBytes int
	closing     bool
	closeCode   int
	closeReason string
	remoteCode  int

	// wake is buffered so a signal between takePending and the blocked
	// write loop is never lost.
	wake chan struct{}
}

func newLinkConn(id types.ConnIDType, room types.RoomNameType, ws *websocket.Conn, maxForward int) *linkConn {
	return &linkConn{
		id:         id,
		room:       room,
		ws:         ws,
		maxForward: maxForward,
		wake:       make(chan struct{}, 1),
	}
}

// --- types.Subscriber ---

func (c *linkConn) SubscriberID() types.ConnIDType { return c.id }

// EnqueueSync forwards a local sync frame upstream. Frames whose payload is
// over the forwarding cap are dropped and logged, never relayed; the remote
// would cut the connection for them anyway.
func (c *linkConn) EnqueueSync(frame []byte) {
	if _, err := protocol.Decode(frame, c.maxForward); err != nil {
		metrics.UpdatesRejected.WithLabelValues("forward_oversized").Inc()
		logging.Warn(context.Background(), "local update over forwarding cap not relayed",
			zap.String("room", string(c.room)), zap.Int("frame_bytes", len(frame)))
		return
	}
	c.enqueue(frame)
}

func (c *linkConn) EnqueueAwareness(frame []byte) { c.enqueue(frame) }

// CloseWithCode marks the connection closing. The write loop drains what is
// already queued, then completes the close handshake. The first code wins.
func (c *linkConn) CloseWithCode(code int, reason string) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.closeCode = code
	c.closeReason = reason
	c.mu.Unlock()
	c.signal()
}

// enqueue parks a frame for the write loop. Never blocks: a queue past the
// byte cap drops the upstream connection instead, and the reconnect's full
// resync replays whatever the queue held.
func (c *linkConn) enqueue(frame []byte) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, frame)
	c.queuedBytes += len(frame)
	overflow := c.queuedBytes > maxQueueBytes
	c.mu.Unlock()

	if overflow {
		logging.Warn(context.Background(), "bridge queue over cap, dropping upstream link",
			zap.String("room", string(c.room)))
		c.CloseWithCode(protocol.CloseBackpressure, protocol.CloseText(protocol.CloseBackpressure))
		return
	}
	c.signal()
}

func (c *linkConn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// takePending swaps out the queued frames and reports the close state.
func (c *linkConn) takePending() (frames [][]byte, closing bool, code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	frames = c.queue
	c.queue = nil
	c.queuedBytes = 0
	return frames, c.closing, c.closeCode, c.closeReason
}

func (c *linkConn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// noteRemoteClose records the close code the remote sent. The close handler
// sees the code before the read loop surfaces any error, so auth rejection is
// classified reliably even when the write side fails first.
func (c *linkConn) noteRemoteClose(code int) {
	c.mu.Lock()
	c.remoteCode = code
	c.mu.Unlock()
}

func (c *linkConn) remoteCloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteCode
}

// writeLoop drains the queue to the upstream socket. It owns the socket's
// write side and closes the socket on exit, which also unblocks the reader.
// Frames accepted into the queue are flushed before any close frame.
func (c *linkConn) writeLoop() {
	defer func() {
		_ = c.ws.Close()
	}()

	for {
		frames, closing, code, reason := c.takePending()
		for _, frame := range frames {
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				logging.Debug(context.Background(), "bridge write failed",
					zap.String("room", string(c.room)), zap.Error(err))
				return
			}
		}
		if closing {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
		<-c.wake
	}
}
