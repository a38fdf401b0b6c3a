package chat

import (
	"strings"
	"sync"
)

// RoomKind distinguishes the two placement models: a public room has exactly
// one authoritative instance cluster-wide, a private room is replicated on
// every member's node.
type RoomKind string

const (
	KindPublic  RoomKind = "public"
	KindPrivate RoomKind = "private"
)

// PrivateSuffix marks a room name as private.
const PrivateSuffix = "@private"

// IsPrivateName reports whether a room name addresses a private room.
func IsPrivateName(name string) bool {
	return strings.Contains(name, PrivateSuffix)
}

// NormalizeName appends the private suffix when the kind requires it and the
// supplied name lacks it. Callers must query rooms under the normalized name.
func NormalizeName(name string, kind RoomKind) string {
	if kind == KindPrivate && !strings.HasSuffix(name, PrivateSuffix) {
		return name + PrivateSuffix
	}
	return name
}

// KindOfName classifies a (normalized) room name.
func KindOfName(name string) RoomKind {
	if IsPrivateName(name) {
		return KindPrivate
	}
	return KindPublic
}

// RoomInfo is the read-only view of a room returned by Inspect and carried
// across the wire.
type RoomInfo struct {
	Name        string `json:"name"`
	Kind        RoomKind `json:"kind"`
	Description string `json:"description"`
	Members     []User `json:"members"`
	Admin       User   `json:"admin"`
}

// Room holds one room instance resident on this node: the single
// authoritative instance of a public room, or one replica of a private room.
// Every mutation takes the exclusive lock, making operations on a single
// room linearizable. The admin is always a member while the room exists;
// callers enforce that, the object does not.
type Room struct {
	mu          sync.RWMutex
	name        string
	kind        RoomKind
	description string
	members     []User // insertion-ordered, owner first
	admin       User
}

// NewRoom builds a room with owner as first member and admin. The name must
// already be normalized.
func NewRoom(name string, owner User, kind RoomKind, description string, members []User) *Room {
	all := make([]User, 0, len(members)+1)
	all = append(all, owner)
	for _, m := range members {
		if m.Number != owner.Number {
			all = append(all, m)
		}
	}
	return &Room{
		name:        name,
		kind:        kind,
		description: description,
		members:     all,
		admin:       owner,
	}
}

// Name returns the room's normalized name.
func (r *Room) Name() string {
	return r.name
}

// Kind returns the room's placement kind.
func (r *Room) Kind() RoomKind {
	return r.kind
}

// AddMember appends user to the member list.
func (r *Room) AddMember(u User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		if m.Number == u.Number {
			return ErrMemberExists
		}
	}
	r.members = append(r.members, u)
	return nil
}

// RemoveMember removes the member with the given number. The admin field is
// not reassigned; callers drive admin transfer explicitly.
func (r *Room) RemoveMember(number string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range r.members {
		if m.Number == number {
			r.members = append(r.members[:i], r.members[i+1:]...)
			return nil
		}
	}
	return ErrMemberNotFound
}

// SetDescription replaces the description.
func (r *Room) SetDescription(description string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.description = description
}

// SetAdmin replaces the admin. No membership check; callers enforce.
func (r *Room) SetAdmin(u User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.admin = u
}

// UpdateMember replaces the member sharing u's number with u. If that number
// is the current admin's, the admin snapshot is replaced too.
func (r *Room) UpdateMember(u User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range r.members {
		if m.Number == u.Number {
			r.members[i] = u
			if r.admin.Number == u.Number {
				r.admin = u
			}
			return nil
		}
	}
	return ErrMemberNotFound
}

// Members returns a copy of the member list in insertion order.
func (r *Room) Members() []User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]User, len(r.members))
	copy(out, r.members)
	return out
}

// Admin returns the current admin snapshot.
func (r *Room) Admin() User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.admin
}

// Description returns the current description.
func (r *Room) Description() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.description
}

// Inspect returns the full read-only view in one lock acquisition.
func (r *Room) Inspect() RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := make([]User, len(r.members))
	copy(members, r.members)
	return RoomInfo{
		Name:        r.name,
		Kind:        r.kind,
		Description: r.description,
		Members:     members,
		Admin:       r.admin,
	}
}

// IsMember reports membership by whole-record equality.
func (r *Room) IsMember(u User) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.members {
		if m == u {
			return true
		}
	}
	return false
}

// IsMemberByNumber reports membership comparing only the user number.
func (r *Room) IsMemberByNumber(number string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.members {
		if m.Number == number {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the given user's number is the admin's.
func (r *Room) IsAdmin(u User) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.admin.Number == u.Number
}
