package chat

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/parley-chat/parley/internal/v1/cluster"
	"k8s.io/utils/set"
)

// Router resolves a room operation to its call site. Private rooms operate
// on the local replica; public rooms resolve through the cluster registry to
// the authoritative node, local or remote. Remote calls block for the reply
// and surface timeouts as operation failures — no retries.
type Router struct {
	hub      *Hub
	registry *cluster.Registry
	caller   *cluster.Caller
}

// Invoke dispatches op for the named room. For a private name the local
// replica is the target; for a public name the registry decides.
func (r *Router) Invoke(ctx context.Context, roomName, op string, args any) (json.RawMessage, error) {
	if IsPrivateName(roomName) {
		return r.executeLocal(ctx, op, args)
	}

	reg, found, err := r.registry.Lookup(ctx, cluster.Entry{Kind: cluster.KindRoom, Key: roomName})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrRoomNotFound
	}
	return r.RouteTo(ctx, reg.Node, op, args)
}

// RouteTo invokes op directly on the given node. Used for migrating a public
// room and for spawning private replicas.
func (r *Router) RouteTo(ctx context.Context, node, op string, args any) (json.RawMessage, error) {
	if node == r.hub.node {
		return r.executeLocal(ctx, op, args)
	}
	return r.caller.Call(ctx, node, op, args)
}

// ApplyToAllMembers invokes op once per distinct node hosting a member of
// the named private room, using the local replica's member list. Errors
// matching tolerate are ignored; the first other error is returned after
// the sweep completes.
func (r *Router) ApplyToAllMembers(ctx context.Context, roomName, op string, args any, tolerate ...error) error {
	room := r.hub.localRoom(roomName)
	if room == nil {
		return ErrRoomNotFound
	}

	nodes := set.New[string]()
	for _, m := range room.Members() {
		nodes.Insert(m.Node)
	}

	var firstErr error
	for _, node := range nodes.SortedList() {
		if _, err := r.RouteTo(ctx, node, op, args); err != nil {
			if tolerated(err, tolerate) {
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func tolerated(err error, tolerate []error) bool {
	for _, t := range tolerate {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// GetNode returns the node of a registered public room; ok is false for
// private names and unregistered rooms.
func (r *Router) GetNode(ctx context.Context, roomName string) (string, bool, error) {
	if IsPrivateName(roomName) {
		return "", false, nil
	}
	reg, found, err := r.registry.Lookup(ctx, cluster.Entry{Kind: cluster.KindRoom, Key: roomName})
	if err != nil || !found {
		return "", false, err
	}
	return reg.Node, true, nil
}

// IsMember routes the whole-record membership predicate to the authoritative
// node; one replica suffices for private rooms.
func (r *Router) IsMember(ctx context.Context, roomName string, u User) (bool, error) {
	raw, err := r.Invoke(ctx, roomName, "room.is_member", memberArgs{Room: roomName, User: u})
	if err != nil {
		return false, err
	}
	return decodeBool(raw)
}

// IsMemberByNumber routes the number-only membership predicate.
func (r *Router) IsMemberByNumber(ctx context.Context, roomName, number string) (bool, error) {
	raw, err := r.Invoke(ctx, roomName, "room.is_member_by_number", numberArgs{Room: roomName, Number: number})
	if err != nil {
		return false, err
	}
	return decodeBool(raw)
}

// IsAdmin routes the admin predicate.
func (r *Router) IsAdmin(ctx context.Context, roomName string, u User) (bool, error) {
	raw, err := r.Invoke(ctx, roomName, "room.is_admin", memberArgs{Room: roomName, User: u})
	if err != nil {
		return false, err
	}
	return decodeBool(raw)
}

// Inspect routes the full read-only view.
func (r *Router) Inspect(ctx context.Context, roomName string) (RoomInfo, error) {
	raw, err := r.Invoke(ctx, roomName, "room.inspect", roomArgs{Room: roomName})
	if err != nil {
		return RoomInfo{}, err
	}
	var info RoomInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return RoomInfo{}, err
	}
	return info, nil
}

// Members routes the member-list read.
func (r *Router) Members(ctx context.Context, roomName string) ([]User, error) {
	raw, err := r.Invoke(ctx, roomName, "room.members", roomArgs{Room: roomName})
	if err != nil {
		return nil, err
	}
	var members []User
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, err
	}
	return members, nil
}

// UserByNumber resolves a logged-in user's record via the cluster registry
// and the owning node.
func (r *Router) UserByNumber(ctx context.Context, number string) (User, error) {
	reg, found, err := r.registry.Lookup(ctx, cluster.Entry{Kind: cluster.KindUser, Key: number})
	if err != nil {
		return User{}, err
	}
	if !found {
		return User{}, ErrUserNotFound
	}
	raw, err := r.RouteTo(ctx, reg.Node, "user.get", userArgs{Number: number})
	if err != nil {
		return User{}, err
	}
	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

// executeLocal runs the op on this node through the same code path the RPC
// endpoint uses, round-tripping args and result through their wire shapes.
func (r *Router) executeLocal(ctx context.Context, op string, args any) (json.RawMessage, error) {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	result, err := r.hub.Execute(ctx, op, rawArgs)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func decodeBool(raw json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, err
	}
	return b, nil
}
