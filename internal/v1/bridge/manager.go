// Package bridge maintains the outbound links that replicate local rooms to
// a remote relay. One Manager owns every link: it starts them as bridged
// rooms appear, defers them until the room's key is known, replaces them when
// a delivered key changes the join token, and stops them when their room is
// destroyed.
package bridge

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"
	"k8s.io/utils/set"

	"github.com/driftdoc/relay/internal/v1/crypto"
	"github.com/driftdoc/relay/internal/v1/logging"
	"github.com/driftdoc/relay/internal/v1/room"
	"github.com/driftdoc/relay/internal/v1/types"
)

// Config carries the bridge wiring from the environment.
type Config struct {
	// BaseURL is the remote relay endpoint, e.g. wss://relay.example.com.
	// The room name and auth token are appended per connection.
	BaseURL string
	// OutboundProxy optionally routes upstream dials through a SOCKS5
	// proxy, socks5://host:port.
	OutboundProxy string
}

type eventKind int

const (
	eventRoomCreated eventKind = iota
	eventRoomDestroyed
	eventKeyDelivered
	eventResume
)

type event struct {
	kind eventKind
	room types.RoomNameType
}

// Manager applies room and key lifecycle events to the set of links. A
// single event loop serializes every decision, so there is never a moment
// with two links for one room.
type Manager struct {
	registry *room.Registry
	keys     types.KeySource
	baseURL  string
	dialer   *websocket.Dialer

	newBackoff func() backoff.BackOff
	threshold  time.Duration
	maxFail    int

	events  chan event
	stopped chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	links   map[types.RoomNameType]*Link
	pending set.Set[types.RoomNameType]
}

func NewManager(cfg Config, registry *room.Registry, keys types.KeySource) (*Manager, error) {
	dialer, err := newDialer(cfg.OutboundProxy)
	if err != nil {
		return nil, err
	}
	return &Manager{
		registry:   registry,
		keys:       keys,
		baseURL:    cfg.BaseURL,
		dialer:     dialer,
		newBackoff: defaultBackoff,
		threshold:  resetThreshold,
		maxFail:    maxConsecutiveFailures,
		events:     make(chan event, 64),
		stopped:    make(chan struct{}),
		links:      make(map[types.RoomNameType]*Link),
		pending:    set.New[types.RoomNameType](),
	}, nil
}

// newDialer builds the shared upstream dialer, routed through a SOCKS5 proxy
// when one is configured.
func newDialer(proxyURL string) (*websocket.Dialer, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: dialTimeout}
	if proxyURL == "" {
		return dialer, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("bridge: parsing proxy url: %w", err)
	}
	var auth *proxy.Auth
	if u.User != nil {
		password, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: password}
	}
	socks, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("bridge: building socks5 dialer: %w", err)
	}
	if cd, ok := socks.(proxy.ContextDialer); ok {
		dialer.NetDialContext = cd.DialContext
	} else {
		dialer.NetDial = socks.Dial
	}
	return dialer, nil
}

// Start launches the event loop. Wire the registry hooks and the key
// delivery path before serving traffic.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(ctx)
	}()
}

// Shutdown stops the event loop and tears down every link.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	links := m.links
	m.links = make(map[types.RoomNameType]*Link)
	m.pending = set.New[types.RoomNameType]()
	m.mu.Unlock()

	for _, l := range links {
		l.Stop()
		l.retire()
	}
	logging.Info(ctx, "bridge manager stopped", zap.Int("links", len(links)))
}

// RoomCreated is the registry's room-creation hook.
func (m *Manager) RoomCreated(name types.RoomNameType) { m.post(eventRoomCreated, name) }

// RoomDestroyed is the registry's room-destruction hook.
func (m *Manager) RoomDestroyed(name types.RoomNameType) { m.post(eventRoomDestroyed, name) }

// KeyDelivered tells the manager a room key arrived. Call it for every
// accepted key message, including redeliveries of the same key: a redelivery
// is what releases a paused link for another round of attempts.
func (m *Manager) KeyDelivered(name types.RoomNameType) { m.post(eventKeyDelivered, name) }

// Resume releases the named room's link from the paused state.
func (m *Manager) Resume(name types.RoomNameType) { m.post(eventResume, name) }

// LinkState reports the state of a room's link, if one exists.
func (m *Manager) LinkState(name types.RoomNameType) (State, bool) {
	if l := m.link(name); l != nil {
		return l.State(), true
	}
	return stateNone, false
}

// Pending returns how many bridged rooms still wait for a key.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.Len()
}

// post hands an event to the loop. After shutdown it becomes a no-op so late
// lifecycle hooks never block their caller.
func (m *Manager) post(kind eventKind, name types.RoomNameType) {
	select {
	case m.events <- event{kind: kind, room: name}:
	case <-m.stopped:
	}
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			switch ev.kind {
			case eventRoomCreated:
				m.handleRoomCreated(ctx, ev.room)
			case eventRoomDestroyed:
				m.handleRoomDestroyed(ctx, ev.room)
			case eventKeyDelivered:
				m.handleKeyDelivered(ctx, ev.room)
			case eventResume:
				m.handleResume(ev.room)
			}
		}
	}
}

func (m *Manager) handleRoomCreated(ctx context.Context, name types.RoomNameType) {
	if !types.BridgedByDefault(name) {
		return
	}
	if m.link(name) != nil {
		return
	}
	key, ok := m.keys.Get(name)
	if !ok {
		m.mu.Lock()
		m.pending.Insert(name)
		m.mu.Unlock()
		logging.Debug(ctx, "bridge waiting for room key", zap.String("room", string(name)))
		return
	}
	m.startLink(ctx, name, key)
}

func (m *Manager) handleRoomDestroyed(ctx context.Context, name types.RoomNameType) {
	m.mu.Lock()
	m.pending.Delete(name)
	l := m.links[name]
	delete(m.links, name)
	m.mu.Unlock()

	if l != nil {
		l.Stop()
		l.retire()
		logging.Debug(ctx, "bridge stopped with its room", zap.String("room", string(name)))
	}
}

// handleKeyDelivered reconciles a room's link with the freshest key. The
// comparison is against the token the key produces, not against mere link
// existence: a link already running on a stale token is exactly the case
// that must reconnect.
func (m *Manager) handleKeyDelivered(ctx context.Context, name types.RoomNameType) {
	key, ok := m.keys.Get(name)
	if !ok {
		return
	}
	token := crypto.TokenForRoom(key[:], string(name))

	if l := m.link(name); l != nil {
		if l.token == token {
			l.Resume()
			return
		}
		logging.Info(ctx, "room key changed, replacing bridge", zap.String("room", string(name)))
		m.mu.Lock()
		delete(m.links, name)
		m.mu.Unlock()
		l.Stop()
		l.retire()
		m.startLink(ctx, name, key)
		return
	}

	if !types.BridgedByDefault(name) {
		return
	}
	m.mu.Lock()
	wasPending := m.pending.Has(name)
	m.pending.Delete(name)
	m.mu.Unlock()
	if !wasPending {
		if _, live := m.registry.Get(name); !live {
			return
		}
	}
	m.startLink(ctx, name, key)
}

func (m *Manager) handleResume(name types.RoomNameType) {
	if l := m.link(name); l != nil {
		l.Resume()
	}
}

func (m *Manager) link(name types.RoomNameType) *Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[name]
}

func (m *Manager) startLink(ctx context.Context, name types.RoomNameType, key types.RoomKey) {
	token := crypto.TokenForRoom(key[:], string(name))
	l := newLink(name, m.registry, m.dialer, m.baseURL, token)
	l.newBackoff = m.newBackoff
	l.threshold = m.threshold
	l.maxFail = m.maxFail

	m.mu.Lock()
	m.links[name] = l
	m.pending.Delete(name)
	m.mu.Unlock()

	l.Start(ctx)
	logging.Info(ctx, "bridge started", zap.String("room", string(name)))
}
