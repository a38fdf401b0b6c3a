// Package bus wraps the shared Redis instance that acts as the cluster's
// coordinator and inter-node message fabric. The cluster layer builds its
// name registry and request/reply RPC on the primitives exposed here.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-chat/parley/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// Service handles all interaction with the Redis coordinator.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a Redis connection and verifies it with a ping.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

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
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("Connected to Redis coordinator", "addr", addr)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// Publish sends raw bytes to a channel. Callers own the channel naming and
// the payload encoding.
func (s *Service) Publish(ctx context.Context, channel string, payload []byte) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Publish(ctx, channel, payload).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: dropping publish", "channel", channel)
			return nil // Graceful degradation: drop message, don't crash caller
		}
		slog.Error("Redis Publish failed", "channel", channel, "error", err)
		return err
	}
	return nil
}

// Subscribe starts a background goroutine invoking handler for every message
// on the channel. It returns once the subscription is confirmed by the
// server, so a following Publish is guaranteed to be observed.
func (s *Service) Subscribe(ctx context.Context, channel string, wg *sync.WaitGroup, handler func([]byte)) error {
	if s == nil || s.client == nil {
		return nil
	}

	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("Subscribed to Redis channel", "channel", channel)
		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("Redis subscription channel closed", "channel", channel)
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
	return nil
}

// SetNX atomically creates a key holding value. It reports false if the key
// already existed. This is the serialization point for cluster-wide name
// uniqueness.
func (s *Service) SetNX(ctx context.Context, key, value string) (bool, error) {
	if s == nil || s.client == nil {
		return false, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SetNX(ctx, key, value, 0).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return false, fmt.Errorf("failed to SetNX %s: %w", key, err)
	}
	return res.(bool), nil
}

// Del removes a key. Deleting an absent key is not an error.
func (s *Service) Del(ctx context.Context, key string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, key).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Get fetches a key. The second return value reports whether the key exists.
func (s *Service) Get(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.client == nil {
		return "", false, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		val, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return val, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if res == nil {
		return "", false, nil
	}
	return res.(string), true, nil
}

// ScanPrefix returns every key/value pair whose key starts with prefix.
func (s *Service) ScanPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	out := make(map[string]string)
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", prefix, err)
		}
		for _, key := range keys {
			val, ok, err := s.Get(ctx, key)
			if err != nil {
				return nil, err
			}
			if ok { // key may vanish between SCAN and GET
				out[key] = val
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// Ping checks Redis connectivity. Used by readiness checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
