package chat

import (
	"fmt"
	"sync"
)

// User is the snapshot of a logged-in user that travels through room member
// lists and across the wire. It is a comparable value: member equality is
// whole-record equality, membership-by-number compares only Number.
type User struct {
	Number      string `json:"number"`
	Name        string `json:"name"`
	Node        string `json:"node"`
	ConnID      string `json:"connId"`
	Description string `json:"description"`
}

// Display renders the user for listings: "Name (Number)".
func (u User) Display() string {
	return fmt.Sprintf("%s (%s)", u.Name, u.Number)
}

// UserState is the mutable user object owned by the node that accepted the
// user's connection. Exactly one exists cluster-wide per logged-in number;
// rooms hold immutable snapshots refreshed through UpdateMember.
type UserState struct {
	mu sync.RWMutex
	u  User
}

// NewUserState wraps a freshly logged-in user record.
func NewUserState(u User) *UserState {
	return &UserState{u: u}
}

// Get returns the current snapshot.
func (s *UserState) Get() User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.u
}

// SetDescription replaces the profile description.
func (s *UserState) SetDescription(description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.u.Description = description
}

// SetName replaces the display name.
func (s *UserState) SetName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.u.Name = name
}
