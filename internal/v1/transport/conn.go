package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/driftdoc/relay/internal/v1/logging"
	"github.com/driftdoc/relay/internal/v1/metrics"
	"github.com/driftdoc/relay/internal/v1/protocol"
	"github.com/driftdoc/relay/internal/v1/room"
	"github.com/driftdoc/relay/internal/v1/types"
)

const (
	// writeWait bounds a single write to a slow peer.
	writeWait = 10 * time.Second
	// pingInterval spaces WebSocket-level pings; pongWait is the read
	// deadline they keep alive and must exceed pingInterval.
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	// initialSyncWait is how long a fresh connection may sit without
	// starting the sync exchange before it is cut.
	initialSyncWait = 30 * time.Second
	// maxQueueBytes caps the bytes parked in one connection's outbound
	// queue. Hitting the cap closes the connection instead of dropping
	// frames, so a subscriber never observes a gap in the update stream.
	maxQueueBytes = 8 * 1024 * 1024
	// readLimitSlack covers frame headers on top of the wire read limit.
	readLimitSlack = 1024
	// closeGrace is how long a rejected connection may take to echo the
	// close frame before the socket is dropped anyway.
	closeGrace = 2 * time.Second
)

// wsConnection is the subset of *websocket.Conn the pumps drive.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Connection is one attached WebSocket client. It satisfies types.Subscriber:
// room fan-out lands frames in a single outbound queue and the writer pump
// drains it in order, so sync and awareness frames leave in arrival order.
type Connection struct {
	id       types.ConnIDType
	conn     wsConnection
	registry *room.Registry
	room     *room.Room

	maxSyncPayload int

	mu          sync.Mutex
	queue       [][]byte
	queuedBytes int
	closing     bool
	closeCode   int
	closeReason string
	synced      bool
	syncTimer   *time.Timer

	// wake is buffered so a signal between takePending and the pump's
	// select is never lost.
	wake chan struct{}
}

func newConnection(registry *room.Registry, r *room.Room, conn wsConnection, maxSyncPayload int) *Connection {
	return &Connection{
		id:             types.ConnIDType(uuid.NewString()),
		conn:           conn,
		registry:       registry,
		room:           r,
		maxSyncPayload: maxSyncPayload,
		wake:           make(chan struct{}, 1),
	}
}

// --- types.Subscriber ---

func (c *Connection) SubscriberID() types.ConnIDType { return c.id }

func (c *Connection) EnqueueSync(frame []byte) { c.enqueue(frame) }

func (c *Connection) EnqueueAwareness(frame []byte) { c.enqueue(frame) }

// CloseWithCode marks the connection closing. The writer pump drains what is
// already queued, then completes the close handshake. Safe to call from any
// goroutine; the first code wins.
func (c *Connection) CloseWithCode(code int, reason string) {
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

// enqueue parks a frame for the writer pump. Never blocks: a queue past the
// byte cap closes the connection with the backpressure code instead.
func (c *Connection) enqueue(frame []byte) {
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
		logging.Warn(context.Background(), "outbound queue over cap, closing slow consumer",
			zap.String("room", string(c.room.Name())), zap.String("conn", string(c.id)))
		c.CloseWithCode(protocol.CloseBackpressure, protocol.CloseText(protocol.CloseBackpressure))
		return
	}
	c.signal()
}

func (c *Connection) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// takePending swaps out the queued frames and reports the close state.
func (c *Connection) takePending() (frames [][]byte, closing bool, code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	frames = c.queue
	c.queue = nil
	c.queuedBytes = 0
	return frames, c.closing, c.closeCode, c.closeReason
}

func (c *Connection) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// markSynced records that the client has started the sync exchange and
// releases the initial-sync deadline.
func (c *Connection) markSynced() {
	c.mu.Lock()
	if c.synced {
		c.mu.Unlock()
		return
	}
	c.synced = true
	timer := c.syncTimer
	c.syncTimer = nil
	c.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

// start arms the initial-sync deadline and launches the pumps.
func (c *Connection) start() {
	c.mu.Lock()
	if !c.synced {
		c.syncTimer = time.AfterFunc(initialSyncWait, func() {
			logging.Info(context.Background(), "client never started sync exchange, closing",
				zap.String("room", string(c.room.Name())), zap.String("conn", string(c.id)))
			c.CloseWithCode(protocol.CloseTimeout, "no sync within deadline")
		})
	}
	c.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

// writePump drains the outbound queue. When the connection is marked closing
// it finishes the queue first, then sends the close frame; frames accepted
// into the queue are never dropped.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		if r := recover(); r != nil {
			logging.Error(context.Background(), "write pump panic recovered",
				zap.String("conn", string(c.id)), zap.Any("panic", r))
		}
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		frames, closing, code, reason := c.takePending()
		for _, frame := range frames {
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				logging.Debug(context.Background(), "write failed",
					zap.String("conn", string(c.id)), zap.Error(err))
				return
			}
		}
		if closing {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}

		select {
		case <-c.wake:
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound frames until the connection dies, then detaches
// from the room. After a close is initiated it keeps reading so the peer's
// close frame completes the handshake, but stops processing input.
func (c *Connection) readPump() {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(context.Background(), "read pump panic recovered",
				zap.String("conn", string(c.id)), zap.Any("panic", r))
		}
		c.teardown()
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	// The decoder owns the payload bound, so an over-cap frame still closes
	// with the protocol-violation code; the socket-level limit sits at twice
	// the cap as a backstop against grossly oversized frames.
	c.conn.SetReadLimit(int64(2*c.maxSyncPayload + readLimitSlack))
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				logging.Info(context.Background(), "no pong within deadline, closing",
					zap.String("room", string(c.room.Name())), zap.String("conn", string(c.id)))
				c.CloseWithCode(protocol.CloseTimeout, protocol.CloseText(protocol.CloseTimeout))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.BinaryMessage || c.isClosing() {
			continue
		}
		c.handleFrame(data)
	}
}

// handleFrame dispatches one decoded frame. Malformed or oversized input is
// a protocol violation and starts the close; the room's own update cap is
// softer and only drops the update.
func (c *Connection) handleFrame(data []byte) {
	msg, err := protocol.Decode(data, c.maxSyncPayload)
	if err != nil {
		logging.Warn(context.Background(), "protocol violation",
			zap.String("room", string(c.room.Name())), zap.String("conn", string(c.id)), zap.Error(err))
		metrics.UpdatesRejected.WithLabelValues("malformed").Inc()
		c.CloseWithCode(protocol.CloseProtocolViolation, protocol.CloseText(protocol.CloseProtocolViolation))
		return
	}

	ctx := context.Background()
	switch msg.Kind {
	case protocol.KindPing:
		c.enqueue(protocol.EncodePong())

	case protocol.KindPong:
		// Deadline already reset in the read loop.

	case protocol.KindSync:
		c.markSynced()
		switch msg.Step {
		case protocol.SyncStep1:
			// The client asked for a re-sync: answer with our full state.
			if snapshot, ok := c.room.SnapshotBytes(); ok {
				c.enqueue(protocol.EncodeSync(protocol.SyncStep1, snapshot))
			}
		case protocol.SyncStep2:
			if _, err := c.registry.ApplyLocalBatch(ctx, c.room, msg.Payload, c.id); err != nil {
				c.handleApplyError(err)
			}
		case protocol.SyncUpdate:
			if err := c.registry.ApplyLocalUpdate(ctx, c.room, msg.Payload, c.id); err != nil {
				c.handleApplyError(err)
			}
		}

	case protocol.KindAwareness:
		id := types.AwarenessIDType(msg.ClientID)
		if len(msg.Payload) == 0 {
			if err := c.registry.RemoveLocalAwareness(ctx, c.room, id, c.id); err != nil {
				c.handleApplyError(err)
			}
		} else {
			if err := c.registry.SetLocalAwareness(ctx, c.room, id, msg.Payload, c.id); err != nil {
				c.handleApplyError(err)
			}
		}
	}
}

func (c *Connection) handleApplyError(err error) {
	switch {
	case errors.Is(err, room.ErrOversizedUpdate):
		// Well-formed frame over the room's cap: drop it, keep the client.
		logging.Warn(context.Background(), "update over cap dropped",
			zap.String("room", string(c.room.Name())), zap.String("conn", string(c.id)), zap.Error(err))
	case errors.Is(err, room.ErrRoomDestroyed):
		// The room went away under us; the close frame is on its way.
	case errors.Is(err, protocol.ErrTruncatedLog), errors.Is(err, protocol.ErrUpdateTooBig):
		logging.Warn(context.Background(), "malformed update batch",
			zap.String("room", string(c.room.Name())), zap.String("conn", string(c.id)), zap.Error(err))
		metrics.UpdatesRejected.WithLabelValues("malformed").Inc()
		c.CloseWithCode(protocol.CloseProtocolViolation, protocol.CloseText(protocol.CloseProtocolViolation))
	default:
		logging.Error(context.Background(), "apply failed",
			zap.String("room", string(c.room.Name())), zap.String("conn", string(c.id)), zap.Error(err))
	}
}

// teardown detaches from the room exactly once per connection. Detach runs
// the awareness tombstone synchronously; the last one out re-arms the flush.
func (c *Connection) teardown() {
	c.markSynced()
	remaining := c.room.Detach(c.id)
	logging.Debug(context.Background(), "connection detached",
		zap.String("room", string(c.room.Name())), zap.String("conn", string(c.id)),
		zap.Int("remaining", remaining))
	// Wake the writer so it finishes even if nothing else closes us.
	c.CloseWithCode(protocol.CloseNormal, "")
}
