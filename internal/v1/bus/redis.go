// Package bus replicates room traffic between relay instances over Redis
// Pub/Sub. Each instance publishes the frames it accepts from local clients;
// sibling instances apply them to their own replica of the room. Deployments
// with a single instance run without a bus at all.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/driftdoc/relay/internal/v1/logging"
	"github.com/driftdoc/relay/internal/v1/metrics"
	"github.com/driftdoc/relay/internal/v1/types"
)

const (
	kindUpdate    = "update"
	kindAwareness = "awareness"
)

// envelope is the container for frames moving between instances. SenderID
// carries the publishing instance id so a frame is never re-applied by the
// instance that published it.
type envelope struct {
	Room     string `json:"room"`
	Kind     string `json:"kind"`
	Payload  []byte `json:"payload"`
	SenderID string `json:"senderId"`
}

// Service handles all interaction with the Redis cluster. A nil *Service is
// valid: every method becomes a no-op, which is how single-instance mode runs.
type Service struct {
	client     *redis.Client
	cb         *gobreaker.CircuitBreaker
	instanceID string

	mu     sync.Mutex
	cancel map[types.RoomNameType]context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a robust Redis connection with automatic retries.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0, // Default DB
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateHalfOpen:
				stateVal = 1
			case gobreaker.StateOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	logging.Info(ctx, "connected to redis pub/sub", zap.String("addr", addr))
	return &Service{
		client:     rdb,
		cb:         gobreaker.NewCircuitBreaker(st),
		instanceID: uuid.NewString(),
		cancel:     make(map[types.RoomNameType]context.CancelFunc),
	}, nil
}

func channelFor(room types.RoomNameType) string {
	// Channel schema: "relay:room:{name}"
	return fmt.Sprintf("relay:room:%s", room)
}

// PublishUpdate replicates an accepted document update to sibling instances.
func (s *Service) PublishUpdate(ctx context.Context, room types.RoomNameType, update []byte) error {
	return s.publish(ctx, room, kindUpdate, update)
}

// PublishAwareness replicates an encoded awareness frame to sibling instances.
func (s *Service) PublishAwareness(ctx context.Context, room types.RoomNameType, frame []byte) error {
	return s.publish(ctx, room, kindAwareness, frame)
}

func (s *Service) publish(ctx context.Context, room types.RoomNameType, kind string, payload []byte) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := json.Marshal(envelope{
			Room:     string(room),
			Kind:     kind,
			Payload:  payload,
			SenderID: s.instanceID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal bus envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, channelFor(room), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "redis circuit breaker open, dropping publish",
				zap.String("room", string(room)), zap.String("kind", kind))
			return nil // Graceful degradation: drop the frame, don't crash the caller
		}
		logging.Error(ctx, "redis publish failed",
			zap.String("room", string(room)), zap.String("kind", kind), zap.Error(err))
		return err
	}
	return nil
}

// Subscribe starts a background goroutine that applies frames published by
// OTHER instances for this room. Frames this instance published are skipped
// by sender id. Subscribing a room twice is a no-op.
func (s *Service) Subscribe(room types.RoomNameType, onUpdate func([]byte), onAwareness func([]byte)) {
	if s == nil || s.client == nil {
		return // Single-instance mode, no Redis available
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, exists := s.cancel[room]; exists {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel[room] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	channel := channelFor(room)
	pubsub := s.client.Subscribe(ctx, channel)

	go func() {
		defer pubsub.Close()
		defer s.wg.Done()

		logging.Info(ctx, "subscribed to redis channel", zap.String("channel", channel))
		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(context.Background(), "redis subscription channel closed",
						zap.String("channel", channel))
					return
				}

				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					logging.Error(ctx, "failed to unmarshal bus envelope",
						zap.String("channel", channel), zap.Error(err))
					continue
				}
				if env.SenderID == s.instanceID {
					continue // Our own publish echoed back
				}

				switch env.Kind {
				case kindUpdate:
					onUpdate(env.Payload)
				case kindAwareness:
					onAwareness(env.Payload)
				}
			}
		}
	}()
}

// Unsubscribe stops delivery for a room. Safe to call for rooms that were
// never subscribed.
func (s *Service) Unsubscribe(room types.RoomNameType) {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel[room]
	delete(s.cancel, room)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Ping checks Redis connectivity using the PING command.
// Used by health checks to verify Redis is reachable.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close stops every subscription, waits for their goroutines and shuts down
// the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	s.mu.Lock()
	s.closed = true
	for room, cancel := range s.cancel {
		cancel()
		delete(s.cancel, room)
	}
	s.mu.Unlock()

	s.wg.Wait()
	return s.client.Close()
}
