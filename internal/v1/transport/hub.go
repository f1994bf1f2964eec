// Package transport owns the inbound WebSocket surface: the gin handler
// that upgrades `GET /:room`, the per-connection reader/writer pumps, and
// the mapping from wire frames to room operations.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/driftdoc/relay/internal/v1/auth"
	"github.com/driftdoc/relay/internal/v1/logging"
	"github.com/driftdoc/relay/internal/v1/metrics"
	"github.com/driftdoc/relay/internal/v1/protocol"
	"github.com/driftdoc/relay/internal/v1/ratelimit"
	"github.com/driftdoc/relay/internal/v1/room"
	"github.com/driftdoc/relay/internal/v1/types"
)

// Hub accepts WebSocket upgrades and binds each connection to its room.
type Hub struct {
	registry       *room.Registry
	rateLimiter    *ratelimit.RateLimiter
	allowedOrigins []string
	maxSyncPayload int
	upgrader       websocket.Upgrader
}

// NewHub wires the upgrade path. allowedOrigins empty selects the same-host
// origin policy; maxSyncPayload bounds a single sync frame on the wire.
func NewHub(registry *room.Registry, rateLimiter *ratelimit.RateLimiter, allowedOrigins []string, maxSyncPayload int) *Hub {
	if maxSyncPayload <= 0 {
		maxSyncPayload = protocol.DefaultMaxSyncPayload
	}
	h := &Hub{
		registry:       registry,
		rateLimiter:    rateLimiter,
		allowedOrigins: allowedOrigins,
		maxSyncPayload: maxSyncPayload,
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 5 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			return auth.OriginAllowed(r, h.allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}
	return h
}

// ServeWs handles GET /:room. Cheap rejections stay plain HTTP; everything
// after the upgrade is reported as a WebSocket close code so browser clients
// can tell an auth rejection from a network failure. The auth gate runs only
// for completed upgrades, so a probe that never finishes the handshake
// cannot claim a room's token slot.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return // response already written
	}

	name := types.RoomNameType(c.Param("room"))
	if !types.ValidRoomName(string(name)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room name"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logging.Warn(c.Request.Context(), "upgrade failed",
			zap.String("room", string(name)), zap.Error(err))
		return
	}

	if err := h.registry.Authorize(name, []byte(c.Query("auth"))); err != nil {
		logging.Info(c.Request.Context(), "join rejected",
			zap.String("room", string(name)), zap.String("remote", c.ClientIP()), zap.Error(err))
		closeAndDrop(ws, protocol.CloseAuthRejected, protocol.CloseText(protocol.CloseAuthRejected))
		return
	}

	r, err := h.registry.JoinOrCreate(c.Request.Context(), name)
	if err != nil {
		closeAndDrop(ws, protocol.CloseProtocolViolation, "invalid room name")
		return
	}

	conn := newConnection(h.registry, r, ws, h.maxSyncPayload)
	initial, err := r.Attach(conn)
	if err != nil {
		// Lost the race with the idle sweeper; the client just retries.
		closeAndDrop(ws, protocol.CloseRoomClosed, protocol.CloseText(protocol.CloseRoomClosed))
		return
	}
	for _, frame := range initial {
		conn.enqueue(frame)
	}

	metrics.IncConnection()
	logging.Info(c.Request.Context(), "client joined",
		zap.String("room", string(name)), zap.String("conn", string(conn.id)))
	conn.start()
}

// closeAndDrop completes the handshake with a close frame and hangs up. It
// keeps reading until the peer echoes the close or the grace period runs
// out: closing with unread input still buffered risks a reset that eats the
// close frame, and the peer would see a dirty disconnect instead of the code.
func closeAndDrop(ws wsConnection, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = ws.SetReadDeadline(time.Now().Add(closeGrace))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	_ = ws.Close()
}

// Shutdown destroys every room, which closes all attached connections with
// the room-closed code.
func (h *Hub) Shutdown(ctx context.Context) {
	logging.Info(ctx, "Shutting down hub - closing all rooms")
	h.registry.Shutdown(ctx)
}
