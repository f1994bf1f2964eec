package bridge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
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
	// dialTimeout bounds one upstream connect attempt end to end.
	dialTimeout = 15 * time.Second
	// writeWait bounds a single write to the upstream socket.
	writeWait = 10 * time.Second
	// readWait is the upstream read deadline. The remote pings every 30s,
	// so this tolerates two missed pings before the link is declared dead.
	readWait = 90 * time.Second
	// readLimitSlack covers frame headers on top of the forwarding cap.
	readLimitSlack = 1024
	// maxQueueBytes caps the bytes parked in the outbound queue.
	maxQueueBytes = 8 * 1024 * 1024
	// maxConsecutiveFailures is how many failed connect rounds a link
	// tolerates before it pauses and waits for a key event or a resume.
	maxConsecutiveFailures = 10
	// resetThreshold is how long a connection must survive for the retry
	// loop to call it a success and start the backoff schedule over.
	resetThreshold = 30 * time.Second
)

// ErrBridgeAuthRejected marks an upstream that refused the join token. The
// retry loop stops permanently on it; redialing would only reproduce the
// rejection.
var ErrBridgeAuthRejected = errors.New("bridge: upstream rejected the join token")

// errRoomGone ends the retry loop when the local room has been destroyed.
var errRoomGone = errors.New("bridge: local room destroyed")

// State is the lifecycle phase of one upstream link, as exposed on the
// bridge state gauge.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StatePaused       State = "paused"
	StateAuthRejected State = "auth_rejected"

	// stateNone is a retired or not yet started link. It never appears on
	// the gauge.
	stateNone State = ""
)

// Link maintains one outbound WebSocket from a local room to the remote
// relay. While connected it is an ordinary subscriber of the room: local
// updates and awareness fan into its queue and are forwarded upstream, and
// remote frames are applied to the local room under the link's origin id so
// they never echo back.
//
// Each successful connect replays the full local document as SyncStep2
// batches and receives the remote's SyncStep1 in return, so both sides
// converge again no matter what either missed while apart.
type Link struct {
	name     types.RoomNameType
	registry *room.Registry
	url      string
	token    string
	id       types.ConnIDType
	dialer   *websocket.Dialer

	maxForward int
	newBackoff func() backoff.BackOff
	threshold  time.Duration
	maxFail    int

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc

	resume chan struct{}
	done   chan struct{}
}

func newLink(name types.RoomNameType, registry *room.Registry, dialer *websocket.Dialer, baseURL, token string) *Link {
	return &Link{
		name:       name,
		registry:   registry,
		url:        strings.TrimRight(baseURL, "/") + "/" + string(name) + "?auth=" + url.QueryEscape(token),
		token:      token,
		id:         types.ConnIDType("bridge:" + uuid.NewString()),
		dialer:     dialer,
		maxForward: protocol.DefaultMaxSyncPayload,
		newBackoff: defaultBackoff,
		threshold:  resetThreshold,
		maxFail:    maxConsecutiveFailures,
		resume:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func defaultBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 60 * time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.Reset()
	return bo
}

// Start launches the retry loop.
func (l *Link) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
	go l.run(ctx)
}

// Stop tears the upstream connection down and waits for the retry loop to
// exit. Safe to call more than once, and a no-op before Start.
func (l *Link) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-l.done
}

// Resume releases a paused link for another round of connect attempts.
func (l *Link) Resume() {
	select {
	case l.resume <- struct{}{}:
	default:
	}
}

// State returns the link's current lifecycle phase.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// retire takes the link off the state gauge after it leaves the manager's
// books. A terminal auth rejection stays visible until then.
func (l *Link) retire() { l.setState(stateNone) }

func (l *Link) setState(next State) {
	l.mu.Lock()
	prev := l.state
	l.state = next
	l.mu.Unlock()
	if prev == next {
		return
	}
	if prev != stateNone {
		metrics.ActiveBridges.WithLabelValues(string(prev)).Dec()
	}
	if next != stateNone {
		metrics.ActiveBridges.WithLabelValues(string(next)).Inc()
	}
}

// run is the connect-reconnect loop: dial, serve until the connection dies,
// back off, repeat. Backoff and the failure count reset once a connection
// survives the threshold. Auth rejection and local room destruction end the
// loop for good.
func (l *Link) run(ctx context.Context) {
	defer close(l.done)

	bo := l.newBackoff()
	failures := 0
	for {
		l.setState(StateConnecting)
		started := time.Now()
		err := l.connectOnce(ctx)
		if ctx.Err() != nil {
			l.setState(stateNone)
			return
		}
		switch {
		case errors.Is(err, ErrBridgeAuthRejected):
			metrics.BridgeReconnects.WithLabelValues("terminal").Inc()
			logging.Error(ctx, "upstream rejected bridge token, giving up",
				zap.String("room", string(l.name)))
			l.setState(StateAuthRejected)
			return
		case errors.Is(err, errRoomGone):
			l.setState(stateNone)
			return
		}

		if time.Since(started) >= l.threshold {
			bo.Reset()
			failures = 0
		}
		failures++
		if failures >= l.maxFail {
			metrics.BridgeReconnects.WithLabelValues("paused").Inc()
			logging.Warn(ctx, "bridge paused after repeated failures",
				zap.String("room", string(l.name)), zap.Int("failures", failures))
			l.setState(StatePaused)
			select {
			case <-ctx.Done():
				l.setState(stateNone)
				return
			case <-l.resume:
			}
			bo.Reset()
			failures = 0
			continue
		}

		interval := bo.NextBackOff()
		metrics.BridgeReconnects.WithLabelValues("retry").Inc()
		logging.Warn(ctx, "bridge disconnected, reconnecting",
			zap.String("room", string(l.name)), zap.Error(err), zap.Duration("backoff", interval))
		l.setState(StateDisconnected)
		select {
		case <-ctx.Done():
			l.setState(stateNone)
			return
		case <-time.After(interval):
		}
	}
}

// connectOnce dials the upstream, attaches to the local room and serves the
// connection until either side ends it. The returned error classifies the
// disconnect for the retry loop.
func (l *Link) connectOnce(ctx context.Context) error {
	ws, resp, err := l.dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return fmt.Errorf("bridge: dial upstream: status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("bridge: dial upstream: %w", err)
	}
	resp.Body.Close()

	lc := newLinkConn(l.id, l.name, ws, l.maxForward)
	ws.SetCloseHandler(func(code int, text string) error {
		lc.noteRemoteClose(code)
		msg := websocket.FormatCloseMessage(code, "")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		return nil
	})
	stop := context.AfterFunc(ctx, func() {
		lc.CloseWithCode(protocol.CloseNormal, "relay shutting down")
	})
	defer stop()

	r, ok := l.registry.Get(l.name)
	if !ok {
		closeQuietly(ws)
		return errRoomGone
	}
	initial, err := r.Attach(lc)
	if err != nil {
		closeQuietly(ws)
		return errRoomGone
	}
	defer r.Detach(l.id)

	for _, frame := range l.seedFrames(initial) {
		lc.enqueue(frame)
	}

	l.setState(StateConnected)
	logging.Info(ctx, "bridge connected", zap.String("room", string(l.name)))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		lc.writeLoop()
	}()

	err = l.readLoop(ctx, r, lc)
	lc.CloseWithCode(protocol.CloseNormal, "")
	<-writerDone

	if lc.remoteCloseCode() == protocol.CloseAuthRejected {
		return ErrBridgeAuthRejected
	}
	return err
}

// readLoop consumes upstream frames and applies them to the local room until
// the connection dies.
func (l *Link) readLoop(ctx context.Context, r *room.Room, lc *linkConn) error {
	ws := lc.ws
	ws.SetReadLimit(int64(l.maxForward + readLimitSlack))
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPingHandler(func(appData string) error {
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if lc.isClosing() {
				return nil
			}
			return fmt.Errorf("bridge: read upstream: %w", err)
		}
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		if messageType != websocket.BinaryMessage || lc.isClosing() {
			continue
		}
		if err := l.handleFrame(ctx, r, lc, data); err != nil {
			return err
		}
	}
}

// handleFrame applies one remote frame to the local room. Anything the local
// side cannot stomach drops the connection; the reconnect's full resync is
// the recovery path.
func (l *Link) handleFrame(ctx context.Context, r *room.Room, lc *linkConn, data []byte) error {
	msg, err := protocol.Decode(data, l.maxForward)
	if err != nil {
		logging.Warn(ctx, "undecodable frame from upstream",
			zap.String("room", string(l.name)), zap.Error(err))
		return fmt.Errorf("bridge: %w", err)
	}

	switch msg.Kind {
	case protocol.KindSync:
		return l.applySync(ctx, r, msg)

	case protocol.KindAwareness:
		id := types.AwarenessIDType(msg.ClientID)
		if len(msg.Payload) == 0 {
			err = l.registry.RemoveLocalAwareness(ctx, r, id, l.id)
		} else {
			err = l.registry.SetLocalAwareness(ctx, r, id, msg.Payload, l.id)
		}
		if errors.Is(err, room.ErrRoomDestroyed) {
			return errRoomGone
		}

	case protocol.KindPing:
		lc.enqueue(protocol.EncodePong())

	case protocol.KindPong:
		// Deadline already reset in the read loop.
	}
	return nil
}

func (l *Link) applySync(ctx context.Context, r *room.Room, msg protocol.Message) error {
	var err error
	switch msg.Step {
	case protocol.SyncStep1, protocol.SyncStep2:
		_, err = l.registry.ApplyLocalBatch(ctx, r, msg.Payload, l.id)
	case protocol.SyncUpdate:
		err = l.registry.ApplyLocalUpdate(ctx, r, msg.Payload, l.id)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, room.ErrRoomDestroyed):
		return errRoomGone
	case errors.Is(err, room.ErrOversizedUpdate):
		logging.Warn(ctx, "oversized update from upstream dropped",
			zap.String("room", string(l.name)))
		return nil
	default:
		logging.Warn(ctx, "upstream sync payload rejected",
			zap.String("room", string(l.name)), zap.Error(err))
		return fmt.Errorf("bridge: apply upstream sync: %w", err)
	}
}

// seedFrames turns the local attach frames into what this side sends the
// remote right after connecting. The snapshot travels as SyncStep2 batches
// because a client pushes state rather than announcing it; awareness entries
// go through as they are. An empty document still sends one empty batch so
// the remote's initial-sync deadline settles.
func (l *Link) seedFrames(initial [][]byte) [][]byte {
	out := make([][]byte, 0, len(initial))
	for _, frame := range initial {
		msg, err := protocol.Decode(frame, math.MaxInt32)
		if err != nil || msg.Kind != protocol.KindSync {
			out = append(out, frame)
			continue
		}
		records, err := protocol.DecodeUpdates(msg.Payload, math.MaxInt32)
		if err != nil {
			records = nil
		}
		batches := l.chunkRecords(records)
		if len(batches) == 0 {
			batches = [][]byte{nil}
		}
		for _, batch := range batches {
			out = append(out, protocol.EncodeSync(protocol.SyncStep2, batch))
		}
	}
	return out
}

// chunkRecords packs update records into batch payloads no larger than the
// forwarding cap, preserving order. Records that alone would blow the cap
// are dropped and logged, mirroring the live forwarding rule.
func (l *Link) chunkRecords(records [][]byte) [][]byte {
	var batches [][]byte
	var current [][]byte
	size := 0
	for _, rec := range records {
		need := protocol.EncodedUpdatesLen([][]byte{rec})
		if need > l.maxForward {
			metrics.UpdatesRejected.WithLabelValues("forward_oversized").Inc()
			logging.Warn(context.Background(), "update over forwarding cap dropped from resync",
				zap.String("room", string(l.name)), zap.Int("bytes", len(rec)))
			continue
		}
		if size+need > l.maxForward && len(current) > 0 {
			batches = append(batches, protocol.EncodeUpdates(current))
			current = nil
			size = 0
		}
		current = append(current, rec)
		size += need
	}
	if len(current) > 0 {
		batches = append(batches, protocol.EncodeUpdates(current))
	}
	return batches
}

func closeQuietly(ws *websocket.Conn) {
	msg := websocket.FormatCloseMessage(protocol.CloseNormal, "")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = ws.Close()
}
