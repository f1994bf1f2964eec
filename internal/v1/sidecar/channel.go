// Package sidecar is the local key-delivery channel. A co-located client
// pushes one symmetric key per room over a loopback-only WebSocket; each
// accepted key lands on the ring and wakes whatever was waiting on it:
// deferred snapshot restores and bridge links held back for want of a token.
package sidecar

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/driftdoc/relay/internal/v1/auth"
	"github.com/driftdoc/relay/internal/v1/crypto"
	"github.com/driftdoc/relay/internal/v1/keyring"
	"github.com/driftdoc/relay/internal/v1/logging"
	"github.com/driftdoc/relay/internal/v1/room"
	"github.com/driftdoc/relay/internal/v1/types"
)

const (
	// maxMessageBytes bounds one key message on the wire.
	maxMessageBytes = 4096
	// writeWait bounds one ack write.
	writeWait = 10 * time.Second
)

// BridgeNotifier receives every accepted key, including redeliveries of a
// key already on the ring. A redelivery is what releases a bridge link
// paused after repeated connect failures.
type BridgeNotifier interface {
	KeyDelivered(types.RoomNameType)
}

// Channel serves the sidecar key endpoint.
type Channel struct {
	ring     *keyring.Ring
	registry *room.Registry
	bridge   BridgeNotifier
	upgrader websocket.Upgrader
}

// New wires the channel. bridge may be nil when bridging is disabled.
func New(ring *keyring.Ring, registry *room.Registry, bridge BridgeNotifier) *Channel {
	ch := &Channel{ring: ring, registry: registry, bridge: bridge}
	ch.upgrader = websocket.Upgrader{
		HandshakeTimeout: 5 * time.Second,
		// The loopback guard does not stop a hostile page scripting a local
		// browser into this endpoint; the same-host origin policy does.
		CheckOrigin: func(r *http.Request) bool {
			return auth.OriginAllowed(r, nil) == nil
		},
	}
	return ch
}

// keyMessage is one key delivery from the local client.
type keyMessage struct {
	Room string `json:"room"`
	Key  string `json:"key"`
}

// ackMessage reports what happened to one delivery.
type ackMessage struct {
	Room   string `json:"room"`
	Status string `json:"status"`
}

// ServeKeys handles GET /sidecar/keys. Only loopback peers may connect. The
// connection carries JSON key messages and acks each one in order; a bad
// message is acked with its reason and the channel stays open, since the
// local client may hold keys for other rooms that are still good.
func (ch *Channel) ServeKeys(c *gin.Context) {
	if !loopbackRequest(c.Request) {
		c.JSON(http.StatusForbidden, gin.H{"error": "sidecar channel is local-only"})
		return
	}

	ws, err := ch.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "sidecar upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = ws.Close() }()
	ws.SetReadLimit(maxMessageBytes)

	ctx := c.Request.Context()
	logging.Info(ctx, "sidecar channel open", zap.String("remote", c.Request.RemoteAddr))

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Warn(ctx, "sidecar channel dropped", zap.Error(err))
			}
			return
		}

		var msg keyMessage
		var status string
		if err := json.Unmarshal(data, &msg); err != nil {
			status = "malformed"
		} else {
			status = ch.accept(ctx, &msg)
		}

		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteJSON(ackMessage{Room: msg.Room, Status: status}); err != nil {
			return
		}
	}
}

// accept validates one delivery and routes the key. The ring is updated
// first so the restore and bridge paths see the key when they wake.
func (ch *Channel) accept(ctx context.Context, msg *keyMessage) string {
	if !types.ValidRoomName(msg.Room) {
		return "invalid_room"
	}
	raw, err := base64.StdEncoding.DecodeString(msg.Key)
	if err != nil || len(raw) != len(types.RoomKey{}) {
		return "invalid_key"
	}
	var key types.RoomKey
	copy(key[:], raw)
	crypto.Zeroize(raw)

	name := types.RoomNameType(msg.Room)
	if err := ch.ring.Set(name, key); err != nil {
		return "invalid_key"
	}

	ch.registry.KeyDelivered(ctx, name)
	if ch.bridge != nil {
		ch.bridge.KeyDelivered(name)
	}
	logging.Info(ctx, "room key delivered", zap.String("room", msg.Room))
	return "accepted"
}

// loopbackRequest reports whether the peer connected from a loopback address.
func loopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
