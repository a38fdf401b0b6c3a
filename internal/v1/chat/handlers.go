package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/parley-chat/parley/internal/v1/cluster"
	"github.com/parley-chat/parley/internal/v1/metrics"
	"github.com/parley-chat/parley/internal/v1/protocol"
)

// Dispatch translates one parsed command into router/room/user operations
// and writes the response envelope. The login gate lives here: before LOGIN
// succeeds, every other command is refused.
func (h *Hub) Dispatch(ctx context.Context, s *Session, cmd protocol.Command) {
	start := time.Now()
	defer func() {
		metrics.CommandDuration.WithLabelValues(string(cmd.Kind)).Observe(time.Since(start).Seconds())
		metrics.Commands.WithLabelValues(string(cmd.Kind), "ok").Inc()
	}()

	if s.State() == nil && cmd.Kind != protocol.KindLogin {
		s.writeRaw(protocol.NotLoggedIn)
		return
	}

	switch cmd.Kind {
	case protocol.KindLogin:
		h.handleLogin(ctx, s, cmd)
	case protocol.KindCreateRoom:
		h.handleCreateRoom(ctx, s, cmd.Room, KindOfName(cmd.Room))
	case protocol.KindCreatePrivate:
		h.handleCreateRoom(ctx, s, cmd.Room, KindPrivate)
	case protocol.KindJoinRoom:
		h.handleJoin(ctx, s, cmd.Room)
	case protocol.KindLeave:
		h.handleLeave(ctx, s, cmd.Room)
	case protocol.KindRemoveMember:
		h.handleRemoveMember(ctx, s, cmd.Room, cmd.UserNumber)
	case protocol.KindSetDescription:
		h.handleSetDescription(ctx, s, cmd.Room, cmd.Text)
	case protocol.KindGetDescription:
		h.handleGetDescription(ctx, s, cmd.Room)
	case protocol.KindGetMembers:
		h.handleGetMembers(ctx, s, cmd.Room)
	case protocol.KindInspect:
		h.handleInspect(ctx, s, cmd.Room)
	case protocol.KindWhichNode:
		h.handleWhichNode(ctx, s, cmd.Room)
	case protocol.KindDeleteRoom:
		h.handleDelete(ctx, s, cmd.Room)
	case protocol.KindSend:
		h.handleSend(ctx, s, cmd.Room, cmd.Text)
	case protocol.KindInvite:
		h.handleInvite(ctx, s, cmd.Room, cmd.UserNumber)
	case protocol.KindListJoined:
		h.handleListJoined(ctx, s)
	case protocol.KindListAccessible:
		h.handleListAccessible(ctx, s)
	case protocol.KindGetMyself:
		h.handleGetMyself(s)
	case protocol.KindSetMyDescription:
		h.handleSetMyDescription(ctx, s, cmd.Text)
	case protocol.KindSetMyName:
		h.handleSetMyName(ctx, s, cmd.UserName)
	case protocol.KindLogout:
		h.handleLogout(ctx, s)
	default:
		s.writeRaw(protocol.UnknownCommand)
	}
}

// failure maps a recoverable error onto its response envelope.
func (h *Hub) failure(s *Session, room string, err error) {
	switch {
	case err == ErrRoomNotFound:
		s.writeRaw(protocol.Direct(fmt.Sprintf("Room '%s' does not exist.", room)))
	case err == ErrNotMember:
		s.writeRaw(protocol.RoomScoped(room, "You are not a member of this room."))
	case err == ErrNotAdmin:
		s.writeRaw(protocol.RoomScoped(room, "Only the room admin can do that."))
	case err == ErrMemberExists:
		s.writeRaw(protocol.RoomScoped(room, "That user is already a member of this room."))
	case err == ErrMemberNotFound:
		s.writeRaw(protocol.RoomScoped(room, "That user is not a member of this room."))
	case err == ErrUserNotFound:
		s.writeRaw(protocol.Direct("That user is not logged in."))
	default:
		slog.Error("Command failed", "room", room, "error", err)
		if room != "" {
			s.writeRaw(protocol.RoomScoped(room, "The operation failed, please try again."))
		} else {
			s.writeRaw(protocol.Direct("The operation failed, please try again."))
		}
	}
}

func (h *Hub) handleLogin(ctx context.Context, s *Session, cmd protocol.Command) {
	if state := s.State(); state != nil {
		me := state.Get()
		if me.Number == cmd.UserNumber {
			s.writeRaw(protocol.Direct(fmt.Sprintf("User %s is already logged in !", cmd.UserNumber)))
		} else {
			s.writeRaw(protocol.Direct("Someone else is already logged in on this connection !"))
		}
		return
	}

	state, err := h.login(ctx, s, cmd.UserNumber, cmd.UserName)
	if err == ErrUserLoggedIn {
		s.writeRaw(protocol.Direct(fmt.Sprintf("User %s is already logged in !", cmd.UserNumber)))
		return
	}
	if err != nil {
		h.failure(s, "", err)
		return
	}

	s.setState(state)
	s.writeRaw(protocol.Direct(fmt.Sprintf("We welcome the glorious %s !", cmd.UserName)))
}

func (h *Hub) handleCreateRoom(ctx context.Context, s *Session, name string, kind RoomKind) {
	me := s.State().Get()
	normalized := NormalizeName(name, kind)

	err := h.createRoom(ctx, normalized, me, kind, "", nil)
	if err == ErrRoomExists {
		if kind == KindPublic {
			s.writeRaw(protocol.Direct(fmt.Sprintf("Name '%s' is taken by an already existing public room.", normalized)))
		} else {
			s.writeRaw(protocol.Direct(fmt.Sprintf("Name '%s' is taken by an already existing room.", normalized)))
		}
		return
	}
	if err != nil {
		h.failure(s, normalized, err)
		return
	}
	s.writeRaw(protocol.RoomScoped(normalized, "Room created."))
}

func (h *Hub) handleJoin(ctx context.Context, s *Session, name string) {
	if IsPrivateName(name) {
		s.writeRaw(protocol.Direct("You can't join a private room"))
		return
	}

	me := s.State().Get()
	if _, err := h.router.Invoke(ctx, name, "room.add_member", memberArgs{Room: name, User: me}); err != nil {
		h.failure(s, name, err)
		return
	}

	members, err := h.router.Members(ctx, name)
	if err != nil {
		h.failure(s, name, err)
		return
	}
	h.Fanout(ctx, members, protocol.RoomScoped(name, fmt.Sprintf("%s joined the room.", me.Name)))
}

func (h *Hub) handleLeave(ctx context.Context, s *Session, name string) {
	me := s.State().Get()
	notify, lines, err := h.leaveRoom(ctx, me, name)
	if err != nil {
		h.failure(s, name, err)
		return
	}
	for _, line := range lines {
		h.Fanout(ctx, notify, protocol.RoomScoped(name, line))
	}
}

// leaveRoom removes me from the named room, driving sole-member deletion,
// admin transfer, private replica GC, and public-room migration. It returns
// the pre-removal member list for notification plus the notification lines.
func (h *Hub) leaveRoom(ctx context.Context, me User, name string) ([]User, []string, error) {
	if IsPrivateName(name) {
		return h.leavePrivate(ctx, me, name)
	}
	return h.leavePublic(ctx, me, name)
}

func (h *Hub) leavePrivate(ctx context.Context, me User, name string) ([]User, []string, error) {
	room := h.localRoom(name)
	if room == nil {
		return nil, nil, ErrRoomNotFound
	}
	if !room.IsMemberByNumber(me.Number) {
		return nil, nil, ErrNotMember
	}

	members := room.Members()
	wasAdmin := room.IsAdmin(me)

	if len(members) == 1 {
		// Sole member: leaving is equivalent to DELETE.
		if err := h.router.ApplyToAllMembers(ctx, name, "room.delete", roomArgs{Room: name}); err != nil {
			return nil, nil, err
		}
		return members, []string{fmt.Sprintf("Room '%s' deleted.", name)}, nil
	}

	remaining := withoutNumber(members, me.Number)
	if err := h.router.ApplyToAllMembers(ctx, name, "room.remove_member", numberArgs{Room: name, Number: me.Number}); err != nil {
		return nil, nil, err
	}

	lines := []string{fmt.Sprintf("%s left the room.", me.Name)}
	if wasAdmin {
		newAdmin := remaining[0]
		if err := h.router.ApplyToAllMembers(ctx, name, "room.set_admin", memberArgs{Room: name, User: newAdmin}); err != nil {
			slog.Warn("Admin transfer fanout incomplete", "room", name, "error", err)
		}
		lines = append(lines, fmt.Sprintf("%s is the new admin.", newAdmin.Name))
	}

	h.dropOrphanReplicas(ctx, name, members, remaining)
	return members, lines, nil
}

func (h *Hub) leavePublic(ctx context.Context, me User, name string) ([]User, []string, error) {
	info, err := h.router.Inspect(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	if !containsNumber(info.Members, me.Number) {
		return nil, nil, ErrNotMember
	}

	if len(info.Members) == 1 {
		if _, err := h.router.Invoke(ctx, name, "room.delete", roomArgs{Room: name}); err != nil {
			return nil, nil, err
		}
		return info.Members, []string{fmt.Sprintf("Room '%s' deleted.", name)}, nil
	}

	if _, err := h.router.Invoke(ctx, name, "room.remove_member", numberArgs{Room: name, Number: me.Number}); err != nil {
		return nil, nil, err
	}

	lines := []string{fmt.Sprintf("%s left the room.", me.Name)}
	if info.Admin.Number == me.Number {
		// Public-room migration: destroy on the old node, recreate on the
		// new admin's node so the room follows its admin.
		remaining := withoutNumber(info.Members, me.Number)
		newAdmin := remaining[0]

		if _, err := h.router.Invoke(ctx, name, "room.delete", roomArgs{Room: name}); err != nil {
			return nil, nil, err
		}
		rest := withoutNumber(remaining, newAdmin.Number)
		if _, err := h.router.RouteTo(ctx, newAdmin.Node, "room.create", createArgs{
			Name: name, Owner: newAdmin, Kind: KindPublic, Description: info.Description, Members: rest,
		}); err != nil {
			return nil, nil, err
		}
		lines = append(lines, fmt.Sprintf("%s is the new admin.", newAdmin.Name))
	}
	return info.Members, lines, nil
}

// dropOrphanReplicas deletes private replicas on nodes that stopped hosting
// any member after a membership change.
func (h *Hub) dropOrphanReplicas(ctx context.Context, name string, before, after []User) {
	keep := make(map[string]bool, len(after))
	for _, m := range after {
		keep[m.Node] = true
	}
	seen := make(map[string]bool, len(before))
	for _, m := range before {
		if keep[m.Node] || seen[m.Node] {
			continue
		}
		seen[m.Node] = true
		if _, err := h.router.RouteTo(ctx, m.Node, "room.delete", roomArgs{Room: name}); err != nil {
			slog.Warn("Failed to drop orphan replica", "room", name, "node", m.Node, "error", err)
		}
	}
}

func (h *Hub) handleRemoveMember(ctx context.Context, s *Session, name, number string) {
	me := s.State().Get()
	if number == me.Number {
		// Self-removal is disallowed; leaving has its own semantics.
		s.writeRaw(protocol.RoomScoped(name, fmt.Sprintf("You can't remove yourself, use ROOM %s LEAVE.", name)))
		return
	}

	info, err := h.roomView(ctx, me, name)
	if err != nil {
		h.failure(s, name, err)
		return
	}
	if info.Admin.Number != me.Number {
		h.failure(s, name, ErrNotAdmin)
		return
	}
	target, found := memberByNumber(info.Members, number)
	if !found {
		h.failure(s, name, ErrMemberNotFound)
		return
	}

	remaining := withoutNumber(info.Members, number)
	if info.Kind == KindPrivate {
		if err := h.router.ApplyToAllMembers(ctx, name, "room.remove_member", numberArgs{Room: name, Number: number}); err != nil {
			h.failure(s, name, err)
			return
		}
		h.dropOrphanReplicas(ctx, name, info.Members, remaining)
	} else {
		if _, err := h.router.Invoke(ctx, name, "room.remove_member", numberArgs{Room: name, Number: number}); err != nil {
			h.failure(s, name, err)
			return
		}
	}

	h.Fanout(ctx, info.Members, protocol.RoomScoped(name, fmt.Sprintf("%s was removed from the room.", target.Name)))
}

func (h *Hub) handleSetDescription(ctx context.Context, s *Session, name, description string) {
	me := s.State().Get()
	info, err := h.roomView(ctx, me, name)
	if err != nil {
		h.failure(s, name, err)
		return
	}
	if info.Admin.Number != me.Number {
		h.failure(s, name, ErrNotAdmin)
		return
	}

	args := descriptionArgs{Room: name, Description: description}
	if info.Kind == KindPrivate {
		err = h.router.ApplyToAllMembers(ctx, name, "room.set_description", args)
	} else {
		_, err = h.router.Invoke(ctx, name, "room.set_description", args)
	}
	if err != nil {
		h.failure(s, name, err)
		return
	}

	h.Fanout(ctx, info.Members, protocol.RoomScoped(name, fmt.Sprintf("The description changed to: %s", description)))
}

func (h *Hub) handleGetDescription(ctx context.Context, s *Session, name string) {
	info, err := h.memberView(ctx, s, name)
	if err != nil {
		h.failure(s, name, err)
		return
	}
	s.writeRaw(protocol.RoomScoped(name, info.Description))
}

func (h *Hub) handleGetMembers(ctx context.Context, s *Session, name string) {
	info, err := h.memberView(ctx, s, name)
	if err != nil {
		h.failure(s, name, err)
		return
	}
	s.writeRaw(protocol.RoomScoped(name, protocol.JoinNames(displayList(info.Members))))
}

func (h *Hub) handleInspect(ctx context.Context, s *Session, name string) {
	info, err := h.memberView(ctx, s, name)
	if err != nil {
		h.failure(s, name, err)
		return
	}
	text := fmt.Sprintf("description: %s | admin: %s | members: %s",
		info.Description, info.Admin.Display(), protocol.JoinNames(displayList(info.Members)))
	s.writeRaw(protocol.RoomScoped(name, text))
}

func (h *Hub) handleWhichNode(ctx context.Context, s *Session, name string) {
	node, found, err := h.router.GetNode(ctx, name)
	if err != nil {
		h.failure(s, name, err)
		return
	}
	if !found {
		s.writeRaw(protocol.RoomScoped(name, "nil"))
		return
	}
	s.writeRaw(protocol.RoomScoped(name, node))
}

func (h *Hub) handleDelete(ctx context.Context, s *Session, name string) {
	me := s.State().Get()
	info, err := h.roomView(ctx, me, name)
	if err != nil {
		h.failure(s, name, err)
		return
	}
	if info.Admin.Number != me.Number {
		h.failure(s, name, ErrNotAdmin)
		return
	}

	if info.Kind == KindPrivate {
		err = h.router.ApplyToAllMembers(ctx, name, "room.delete", roomArgs{Room: name})
	} else {
		_, err = h.router.Invoke(ctx, name, "room.delete", roomArgs{Room: name})
	}
	if err != nil {
		h.failure(s, name, err)
		return
	}

	h.Fanout(ctx, info.Members, protocol.RoomScoped(name, fmt.Sprintf("Room '%s' deleted.", name)))
}

func (h *Hub) handleSend(ctx context.Context, s *Session, name, message string) {
	me := s.State().Get()
	info, err := h.roomView(ctx, me, name)
	if err != nil {
		h.failure(s, name, err)
		return
	}
	if !containsNumber(info.Members, me.Number) {
		h.failure(s, name, ErrNotMember)
		return
	}
	h.Fanout(ctx, info.Members, protocol.ChatLine(me.Name, name, message))
}

func (h *Hub) handleInvite(ctx context.Context, s *Session, name, number string) {
	me := s.State().Get()
	info, err := h.roomView(ctx, me, name)
	if err != nil {
		h.failure(s, name, err)
		return
	}
	if !containsNumber(info.Members, me.Number) {
		h.failure(s, name, ErrNotMember)
		return
	}
	if containsNumber(info.Members, number) {
		h.failure(s, name, ErrMemberExists)
		return
	}

	invitee, err := h.router.UserByNumber(ctx, number)
	if err != nil {
		h.failure(s, name, err)
		return
	}

	prior := info.Members
	if info.Kind == KindPublic {
		if _, err := h.router.Invoke(ctx, name, "room.add_member", memberArgs{Room: name, User: invitee}); err != nil {
			h.failure(s, name, err)
			return
		}
	} else {
		local := h.localRoom(name)
		if local == nil {
			h.failure(s, name, ErrRoomNotFound)
			return
		}
		if err := local.AddMember(invitee); err != nil {
			h.failure(s, name, err)
			return
		}

		// Spawn a replica on the invitee's node unless some member already
		// keeps one there.
		if !anyOnNode(prior, invitee.Node) {
			admin := local.Admin()
			spawn := createArgs{
				Name:        name,
				Owner:       admin,
				Kind:        KindPrivate,
				Description: local.Description(),
				Members:     withoutNumber(local.Members(), admin.Number),
			}
			if _, err := h.router.RouteTo(ctx, invitee.Node, "room.create", spawn); err != nil {
				h.failure(s, name, err)
				return
			}
		}

		// Converge every replica on the new member list.
		if err := h.router.ApplyToAllMembers(ctx, name, "room.add_member",
			memberArgs{Room: name, User: invitee}, ErrMemberExists); err != nil {
			slog.Warn("Invite fanout incomplete", "room", name, "error", err)
		}
	}

	notify := append([]User{invitee}, prior...)
	h.Fanout(ctx, notify, protocol.RoomScoped(name, fmt.Sprintf("%s was invited to the room by %s.", invitee.Name, me.Name)))
}

func (h *Hub) handleListJoined(ctx context.Context, s *Session) {
	me := s.State().Get()
	var names []string

	public, err := h.registry.Enumerate(ctx, cluster.KindRoom)
	if err != nil {
		h.failure(s, "", err)
		return
	}
	for name := range public {
		member, err := h.router.IsMember(ctx, name, me)
		if err != nil {
			slog.Warn("Membership check failed", "room", name, "error", err)
			continue
		}
		if member {
			names = append(names, name)
		}
	}

	for _, r := range h.LocalRooms() {
		if r.Kind() == KindPrivate && r.IsMember(me) {
			names = append(names, r.Name())
		}
	}

	if len(names) == 0 {
		s.writeRaw(protocol.Direct("You haven't joined any room yet."))
		return
	}
	sort.Strings(names)
	s.writeRaw(protocol.Direct(protocol.JoinNames(names)))
}

func (h *Hub) handleListAccessible(ctx context.Context, s *Session) {
	public, err := h.registry.Enumerate(ctx, cluster.KindRoom)
	if err != nil {
		h.failure(s, "", err)
		return
	}
	if len(public) == 0 {
		s.writeRaw(protocol.Direct("There are no accessible rooms."))
		return
	}
	names := make([]string, 0, len(public))
	for name := range public {
		names = append(names, name)
	}
	sort.Strings(names)
	s.writeRaw(protocol.Direct(protocol.JoinNames(names)))
}

func (h *Hub) handleGetMyself(s *Session) {
	me := s.State().Get()
	s.writeRaw(protocol.Direct(fmt.Sprintf("%s : %s", me.Display(), me.Description)))
}

func (h *Hub) handleSetMyDescription(ctx context.Context, s *Session, description string) {
	s.State().SetDescription(description)
	h.propagateProfile(ctx, s.State().Get())
	s.writeRaw(protocol.Direct("Description saved."))
}

func (h *Hub) handleSetMyName(ctx context.Context, s *Session, name string) {
	s.State().SetName(name)
	me := s.State().Get()
	h.propagateProfile(ctx, me)
	s.writeRaw(protocol.Direct(fmt.Sprintf("Your name is now %s.", me.Name)))
}

// propagateProfile refreshes the member snapshot of me in every joined
// room; private rooms get the update on every replica.
func (h *Hub) propagateProfile(ctx context.Context, me User) {
	for _, name := range h.joinedRoomNames(ctx, me) {
		args := memberArgs{Room: name, User: me}
		var err error
		if IsPrivateName(name) {
			err = h.router.ApplyToAllMembers(ctx, name, "room.update_member", args)
		} else {
			_, err = h.router.Invoke(ctx, name, "room.update_member", args)
		}
		if err != nil {
			slog.Warn("Profile propagation failed", "room", name, "number", me.Number, "error", err)
		}
	}
}

func (h *Hub) handleLogout(ctx context.Context, s *Session) {
	me := s.State().Get()
	h.terminate(ctx, me)
	s.setState(nil)
	s.writeRaw(protocol.Direct(fmt.Sprintf("Goodbye %s !", me.Name)))
}

// terminate runs the full logout flow for me: leave every joined room with
// the usual admin-transfer and migration semantics, then destroy the user
// object and release its cluster entry. It also backs session teardown, so a
// dropped connection is indistinguishable from an explicit LOG OUT.
func (h *Hub) terminate(ctx context.Context, me User) {
	for _, name := range h.joinedRoomNames(ctx, me) {
		notify, lines, err := h.leaveRoom(ctx, me, name)
		if err != nil {
			slog.Warn("Logout leave failed", "room", name, "number", me.Number, "error", err)
			continue
		}
		for _, line := range lines {
			h.Fanout(ctx, notify, protocol.RoomScoped(name, line))
		}
	}
	h.logout(ctx, me)
}

// joinedRoomNames lists every room me belongs to, by number: public rooms
// via the registry and routed membership checks, private rooms via the
// local replicas on this node.
func (h *Hub) joinedRoomNames(ctx context.Context, me User) []string {
	var names []string

	public, err := h.registry.Enumerate(ctx, cluster.KindRoom)
	if err != nil {
		slog.Warn("Room enumeration failed", "error", err)
	}
	for name := range public {
		member, err := h.router.IsMemberByNumber(ctx, name, me.Number)
		if err != nil {
			continue
		}
		if member {
			names = append(names, name)
		}
	}

	for _, r := range h.LocalRooms() {
		if r.Kind() == KindPrivate && r.IsMemberByNumber(me.Number) {
			names = append(names, r.Name())
		}
	}

	sort.Strings(names)
	return names
}

// roomView fetches the room's full view for authorization decisions:
// the local replica for private names, the authoritative node otherwise.
func (h *Hub) roomView(ctx context.Context, me User, name string) (RoomInfo, error) {
	if IsPrivateName(name) {
		room := h.localRoom(name)
		if room == nil {
			return RoomInfo{}, ErrRoomNotFound
		}
		return room.Inspect(), nil
	}
	return h.router.Inspect(ctx, name)
}

// memberView is roomView plus the membership requirement shared by the
// read-only room commands.
func (h *Hub) memberView(ctx context.Context, s *Session, name string) (RoomInfo, error) {
	me := s.State().Get()
	info, err := h.roomView(ctx, me, name)
	if err != nil {
		return RoomInfo{}, err
	}
	if !containsNumber(info.Members, me.Number) {
		return RoomInfo{}, ErrNotMember
	}
	return info, nil
}

// --- member list helpers ---

func containsNumber(members []User, number string) bool {
	_, found := memberByNumber(members, number)
	return found
}

func memberByNumber(members []User, number string) (User, bool) {
	for _, m := range members {
		if m.Number == number {
			return m, true
		}
	}
	return User{}, false
}

func withoutNumber(members []User, number string) []User {
	out := make([]User, 0, len(members))
	for _, m := range members {
		if m.Number != number {
			out = append(out, m)
		}
	}
	return out
}

func anyOnNode(members []User, node string) bool {
	for _, m := range members {
		if m.Node == node {
			return true
		}
	}
	return false
}

func displayList(members []User) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.Display())
	}
	return out
}
