// Package cluster implements the two primitives the chat layer needs from
// the cluster: the cluster-wide name registry (users and public rooms) and
// request/reply invocations between nodes.
//
// The shared Redis instance is the coordinator. SETNX serializes
// registrations cluster-wide per key, which gives linearizable
// register/unregister; enumeration scans the coordinator keyspace and is
// eventually consistent between command completions.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/parley-chat/parley/internal/v1/bus"
	"github.com/parley-chat/parley/internal/v1/metrics"
)

// Entry kinds. Private rooms are never registered cluster-wide.
const (
	KindUser = "user"
	KindRoom = "room"
)

const (
	registryPrefix = "parley:registry:"
	eventsChannel  = "parley:registry:events"
)

// ErrAlreadyRegistered is returned when an entry's key is taken.
var ErrAlreadyRegistered = errors.New("entry already registered")

// Entry is a tagged registry key: a user number or a public room name.
type Entry struct {
	Kind string
	Key  string
}

// Registration is the value bound to an Entry: the owning node and an
// opaque handle resolvable on that node (conn id for users, room name for
// rooms).
type Registration struct {
	Node   string `json:"node"`
	Handle string `json:"handle"`
}

type registryEvent struct {
	Op     string `json:"op"` // "put" or "del"
	Kind   string `json:"kind"`
	Key    string `json:"key"`
	Node   string `json:"node,omitempty"`
	Handle string `json:"handle,omitempty"`
}

// Registry is one node's view of the cluster name registry. Mutations go
// straight to the coordinator; lookups are served from a read-through local
// mirror that is invalidated by pub/sub events from the other nodes.
type Registry struct {
	bus  *bus.Service
	node string

	mu     sync.RWMutex
	mirror map[string]Registration // redis key -> registration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry builds a Registry for this node, warms the mirror from the
// coordinator, and subscribes to invalidation events.
func NewRegistry(ctx context.Context, b *bus.Service, node string) (*Registry, error) {
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &Registry{
		bus:    b,
		node:   node,
		mirror: make(map[string]Registration),
		cancel: cancel,
	}

	if err := b.Subscribe(subCtx, eventsChannel, &r.wg, r.onEvent); err != nil {
		cancel()
		return nil, err
	}

	// Warm the mirror so enumerations and lookups start hot.
	existing, err := b.ScanPrefix(ctx, registryPrefix)
	if err != nil {
		cancel()
		return nil, err
	}
	r.mu.Lock()
	for key, raw := range existing {
		var reg Registration
		if err := json.Unmarshal([]byte(raw), &reg); err == nil {
			r.mirror[key] = reg
		}
	}
	r.mu.Unlock()

	return r, nil
}

// Close stops the invalidation subscription.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
}

func redisKey(e Entry) string {
	return registryPrefix + e.Kind + ":" + e.Key
}

// Register atomically binds entry to reg. It fails with ErrAlreadyRegistered
// if the key is taken anywhere in the cluster.
func (r *Registry) Register(ctx context.Context, e Entry, reg Registration) error {
	raw, err := json.Marshal(reg)
	if err != nil {
		return err
	}

	ok, err := r.bus.SetNX(ctx, redisKey(e), string(raw))
	if err != nil {
		metrics.RegistryOps.WithLabelValues("register", "error").Inc()
		return err
	}
	if !ok {
		metrics.RegistryOps.WithLabelValues("register", "conflict").Inc()
		return ErrAlreadyRegistered
	}

	r.mu.Lock()
	r.mirror[redisKey(e)] = reg
	r.mu.Unlock()

	r.publishEvent(ctx, registryEvent{Op: "put", Kind: e.Kind, Key: e.Key, Node: reg.Node, Handle: reg.Handle})
	metrics.RegistryOps.WithLabelValues("register", "ok").Inc()
	return nil
}

// Unregister removes entry. Removing an absent entry is a no-op.
func (r *Registry) Unregister(ctx context.Context, e Entry) error {
	if err := r.bus.Del(ctx, redisKey(e)); err != nil {
		metrics.RegistryOps.WithLabelValues("unregister", "error").Inc()
		return err
	}

	r.mu.Lock()
	delete(r.mirror, redisKey(e))
	r.mu.Unlock()

	r.publishEvent(ctx, registryEvent{Op: "del", Kind: e.Kind, Key: e.Key})
	metrics.RegistryOps.WithLabelValues("unregister", "ok").Inc()
	return nil
}

// Lookup resolves entry to its registration. The mirror answers when it can;
// a miss falls through to the coordinator and backfills.
func (r *Registry) Lookup(ctx context.Context, e Entry) (Registration, bool, error) {
	r.mu.RLock()
	reg, ok := r.mirror[redisKey(e)]
	r.mu.RUnlock()
	if ok {
		return reg, true, nil
	}

	raw, found, err := r.bus.Get(ctx, redisKey(e))
	if err != nil || !found {
		return Registration{}, false, err
	}
	if err := json.Unmarshal([]byte(raw), &reg); err != nil {
		return Registration{}, false, err
	}

	r.mu.Lock()
	r.mirror[redisKey(e)] = reg
	r.mu.Unlock()
	return reg, true, nil
}

// Enumerate returns every registration of the given kind, keyed by entry
// key. It scans the coordinator, never remote nodes.
func (r *Registry) Enumerate(ctx context.Context, kind string) (map[string]Registration, error) {
	prefix := registryPrefix + kind + ":"
	raw, err := r.bus.ScanPrefix(ctx, prefix)
	if err != nil {
		metrics.RegistryOps.WithLabelValues("enumerate", "error").Inc()
		return nil, err
	}

	out := make(map[string]Registration, len(raw))
	for key, val := range raw {
		var reg Registration
		if err := json.Unmarshal([]byte(val), &reg); err != nil {
			slog.Warn("Skipping malformed registry value", "key", key, "error", err)
			continue
		}
		out[strings.TrimPrefix(key, prefix)] = reg
	}
	metrics.RegistryOps.WithLabelValues("enumerate", "ok").Inc()
	return out, nil
}

func (r *Registry) publishEvent(ctx context.Context, ev registryEvent) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, eventsChannel, raw); err != nil {
		slog.Warn("Failed to publish registry event", "kind", ev.Kind, "key", ev.Key, "error", err)
	}
}

// onEvent applies another node's mutation to the local mirror.
func (r *Registry) onEvent(payload []byte) {
	var ev registryEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		slog.Error("Failed to unmarshal registry event", "error", err, "raw", string(payload))
		return
	}

	key := redisKey(Entry{Kind: ev.Kind, Key: ev.Key})
	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev.Op {
	case "put":
		r.mirror[key] = Registration{Node: ev.Node, Handle: ev.Handle}
	case "del":
		delete(r.mirror, key)
	default:
		slog.Warn("Unknown registry event op", "op", ev.Op)
	}
}
