// Package chat implements the distributed chat core: room and user state
// objects, the per-node Hub that owns resident rooms and live sessions, the
// Router that resolves operations to the authoritative node, the command
// dispatcher, and the cross-node broadcast fanout.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/parley-chat/parley/internal/v1/bus"
	"github.com/parley-chat/parley/internal/v1/cluster"
	"github.com/parley-chat/parley/internal/v1/metrics"
)

// Hub is the node-local coordinator. It owns the unique-name index of rooms
// resident on this node, the user objects bound to local connections, and
// the live sessions. Remote nodes reach it through the cluster RPC endpoint;
// local sessions reach it through the dispatcher.
type Hub struct {
	node     string
	bus      *bus.Service
	registry *cluster.Registry
	router   *Router

	mu       sync.Mutex
	rooms    map[string]*Room      // local unique-name index, public and private residents
	users    map[string]*UserState // by user number, owned by this node
	sessions map[string]*Session   // by conn id

	endpoint *cluster.Endpoint
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewHub wires a Hub to its node identity, coordinator bus, and cluster
// registry. callTimeout bounds remote invocations; zero selects the default.
func NewHub(node string, b *bus.Service, registry *cluster.Registry, callTimeout time.Duration) *Hub {
	h := &Hub{
		node:     node,
		bus:      b,
		registry: registry,
		rooms:    make(map[string]*Room),
		users:    make(map[string]*UserState),
		sessions: make(map[string]*Session),
	}
	caller := cluster.NewCaller(b, callTimeout, DecodeError)
	h.router = &Router{hub: h, registry: registry, caller: caller}
	h.endpoint = cluster.NewEndpoint(b, node, 8, h.Execute, EncodeError)
	return h
}

// Node returns this node's cluster identity.
func (h *Hub) Node() string {
	return h.node
}

// Router exposes the hub's router, mainly for tests.
func (h *Hub) Router() *Router {
	return h.router
}

// Start launches the RPC endpoint and the delivery subscription. The hub is
// reachable from other nodes once Start returns.
func (h *Hub) Start(ctx context.Context) error {
	if err := h.endpoint.Start(ctx); err != nil {
		return err
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel
	if err := h.bus.Subscribe(subCtx, cluster.DeliverChannel(h.node), &h.wg, h.onDeliver); err != nil {
		cancel()
		h.endpoint.Stop()
		return err
	}
	return nil
}

// Shutdown closes every live session and stops serving remote calls.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}

	if h.cancel != nil {
		h.cancel()
	}
	h.endpoint.Stop()
	h.wg.Wait()
	return nil
}

// --- local room index ---

func (h *Hub) localRoom(name string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[name]
}

// LocalRooms returns the rooms resident on this node.
func (h *Hub) LocalRooms() []*Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// createRoom creates a room resident on this node. Public rooms claim their
// cluster-wide name first; the local index is the only registration a
// private replica gets.
func (h *Hub) createRoom(ctx context.Context, name string, owner User, kind RoomKind, description string, members []User) error {
	name = NormalizeName(name, kind)

	if kind == KindPublic {
		err := h.registry.Register(ctx, cluster.Entry{Kind: cluster.KindRoom, Key: name},
			cluster.Registration{Node: h.node, Handle: name})
		if err == cluster.ErrAlreadyRegistered {
			return ErrRoomExists
		}
		if err != nil {
			return err
		}
	}

	h.mu.Lock()
	if _, taken := h.rooms[name]; taken {
		h.mu.Unlock()
		if kind == KindPublic {
			_ = h.registry.Unregister(ctx, cluster.Entry{Kind: cluster.KindRoom, Key: name})
		}
		return ErrRoomExists
	}
	h.rooms[name] = NewRoom(name, owner, kind, description, members)
	h.mu.Unlock()

	metrics.ActiveRooms.WithLabelValues(string(kind)).Inc()
	slog.Info("Room created", "room", name, "kind", kind, "node", h.node, "admin", owner.Number)
	return nil
}

// dropRoom removes a resident room instance. The cluster entry of a public
// room is released with it.
func (h *Hub) dropRoom(ctx context.Context, name string) error {
	h.mu.Lock()
	room, ok := h.rooms[name]
	if ok {
		delete(h.rooms, name)
	}
	h.mu.Unlock()
	if !ok {
		return ErrRoomNotFound
	}

	if room.Kind() == KindPublic {
		if err := h.registry.Unregister(ctx, cluster.Entry{Kind: cluster.KindRoom, Key: name}); err != nil {
			return err
		}
	}
	metrics.ActiveRooms.WithLabelValues(string(room.Kind())).Dec()
	slog.Info("Room dropped", "room", name, "node", h.node)
	return nil
}

// --- local users ---

// login creates the user object for a session and claims the cluster-wide
// user entry.
func (h *Hub) login(ctx context.Context, s *Session, number, name string) (*UserState, error) {
	u := User{Number: number, Name: name, Node: h.node, ConnID: s.ID()}

	err := h.registry.Register(ctx, cluster.Entry{Kind: cluster.KindUser, Key: number},
		cluster.Registration{Node: h.node, Handle: s.ID()})
	if err == cluster.ErrAlreadyRegistered {
		return nil, ErrUserLoggedIn
	}
	if err != nil {
		return nil, err
	}

	state := NewUserState(u)
	h.mu.Lock()
	h.users[number] = state
	h.mu.Unlock()

	metrics.LoggedInUsers.Inc()
	slog.Info("User logged in", "number", number, "name", name, "node", h.node)
	return state, nil
}

// logout destroys the user object and releases the cluster entry.
func (h *Hub) logout(ctx context.Context, u User) {
	if err := h.registry.Unregister(ctx, cluster.Entry{Kind: cluster.KindUser, Key: u.Number}); err != nil {
		slog.Warn("Failed to unregister user", "number", u.Number, "error", err)
	}

	h.mu.Lock()
	delete(h.users, u.Number)
	h.mu.Unlock()

	metrics.LoggedInUsers.Dec()
	slog.Info("User logged out", "number", u.Number, "node", h.node)
}

func (h *Hub) userByNumber(number string) (*UserState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.users[number]
	return state, ok
}

// --- sessions ---

func (h *Hub) addSession(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID()] = s
	h.mu.Unlock()
	metrics.IncSession()
}

func (h *Hub) removeSession(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.ID())
	h.mu.Unlock()
	metrics.DecSession()
}

func (h *Hub) sessionByID(id string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	return s, ok
}

// --- remote operation surface ---

// Wire argument shapes for the cluster RPC. The same shapes serve the local
// fast path, so both call sites share one semantics.
type createArgs struct {
	Name        string   `json:"name"`
	Owner       User     `json:"owner"`
	Kind        RoomKind `json:"kind"`
	Description string   `json:"description"`
	Members     []User   `json:"members"`
}

type memberArgs struct {
	Room string `json:"room"`
	User User   `json:"user"`
}

type numberArgs struct {
	Room   string `json:"room"`
	Number string `json:"number"`
}

type descriptionArgs struct {
	Room        string `json:"room"`
	Description string `json:"description"`
}

type roomArgs struct {
	Room string `json:"room"`
}

type userArgs struct {
	Number string `json:"number"`
}

// Execute runs one operation against this node's resident state. It is the
// single entry point for both the cluster RPC endpoint and the router's
// local fast path.
func (h *Hub) Execute(ctx context.Context, op string, raw json.RawMessage) (any, error) {
	switch op {
	case "room.create":
		var a createArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return nil, h.createRoom(ctx, a.Name, a.Owner, a.Kind, a.Description, a.Members)

	case "room.delete":
		var a roomArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		return nil, h.dropRoom(ctx, a.Room)

	case "room.add_member":
		var a memberArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		room := h.localRoom(a.Room)
		if room == nil {
			return nil, ErrRoomNotFound
		}
		return nil, room.AddMember(a.User)

	case "room.remove_member":
		var a numberArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		room := h.localRoom(a.Room)
		if room == nil {
			return nil, ErrRoomNotFound
		}
		return nil, room.RemoveMember(a.Number)

	case "room.set_description":
		var a descriptionArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		room := h.localRoom(a.Room)
		if room == nil {
			return nil, ErrRoomNotFound
		}
		room.SetDescription(a.Description)
		return nil, nil

	case "room.set_admin":
		var a memberArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		room := h.localRoom(a.Room)
		if room == nil {
			return nil, ErrRoomNotFound
		}
		room.SetAdmin(a.User)
		return nil, nil

	case "room.update_member":
		var a memberArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		room := h.localRoom(a.Room)
		if room == nil {
			return nil, ErrRoomNotFound
		}
		return nil, room.UpdateMember(a.User)

	case "room.inspect":
		var a roomArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		room := h.localRoom(a.Room)
		if room == nil {
			return nil, ErrRoomNotFound
		}
		return room.Inspect(), nil

	case "room.members":
		var a roomArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		room := h.localRoom(a.Room)
		if room == nil {
			return nil, ErrRoomNotFound
		}
		return room.Members(), nil

	case "room.is_member":
		var a memberArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		room := h.localRoom(a.Room)
		if room == nil {
			return nil, ErrRoomNotFound
		}
		return room.IsMember(a.User), nil

	case "room.is_member_by_number":
		var a numberArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		room := h.localRoom(a.Room)
		if room == nil {
			return nil, ErrRoomNotFound
		}
		return room.IsMemberByNumber(a.Number), nil

	case "room.is_admin":
		var a memberArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		room := h.localRoom(a.Room)
		if room == nil {
			return nil, ErrRoomNotFound
		}
		return room.IsAdmin(a.User), nil

	case "user.get":
		var a userArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
		state, ok := h.userByNumber(a.Number)
		if !ok {
			return nil, ErrUserNotFound
		}
		return state.Get(), nil
	}

	return nil, fmt.Errorf("unknown operation %q", op)
}

// --- broadcast fanout ---

type deliverPayload struct {
	ConnID string `json:"connId"`
	Data   string `json:"data"`
}

// Fanout writes payload to every member's socket. Local sockets are written
// directly; remote members get a fire-and-forget delivery addressed to the
// node owning their connection. Writes run in parallel and a failure to one
// member never aborts the rest.
func (h *Hub) Fanout(ctx context.Context, members []User, payload string) {
	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(m User) {
			defer wg.Done()
			if m.Node == h.node {
				h.deliverLocal(m.ConnID, payload)
				return
			}
			raw, err := json.Marshal(deliverPayload{ConnID: m.ConnID, Data: payload})
			if err != nil {
				return
			}
			if err := h.bus.Publish(ctx, cluster.DeliverChannel(m.Node), raw); err != nil {
				metrics.FanoutDeliveries.WithLabelValues("remote", "error").Inc()
				slog.Warn("Failed to publish delivery", "node", m.Node, "number", m.Number, "error", err)
				return
			}
			metrics.FanoutDeliveries.WithLabelValues("remote", "ok").Inc()
		}(m)
	}
	wg.Wait()
}

func (h *Hub) deliverLocal(connID, payload string) {
	s, ok := h.sessionByID(connID)
	if !ok {
		metrics.FanoutDeliveries.WithLabelValues("local", "missing").Inc()
		slog.Warn("Delivery for unknown session", "connId", connID, "node", h.node)
		return
	}
	if err := s.Write(payload); err != nil {
		metrics.FanoutDeliveries.WithLabelValues("local", "error").Inc()
		return
	}
	metrics.FanoutDeliveries.WithLabelValues("local", "ok").Inc()
}

// onDeliver handles deliveries published by other nodes for sockets we own.
func (h *Hub) onDeliver(payload []byte) {
	var p deliverPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		slog.Error("Failed to unmarshal delivery", "error", err, "raw", string(payload))
		return
	}
	h.deliverLocal(p.ConnID, p.Data)
}
