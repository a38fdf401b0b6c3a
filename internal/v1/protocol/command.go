// Package protocol implements the line-oriented command grammar spoken by
// chat clients and the response envelopes written back to them.
//
// Every command is a single \n-terminated line of space-separated tokens.
// Free-text arguments (descriptions, messages) run to the end of the line
// and keep their internal spacing.
package protocol

import (
	"errors"
	"strings"
)

// Kind identifies a parsed command.
type Kind string

const (
	KindLogin            Kind = "login"
	KindCreateRoom       Kind = "create_room"
	KindCreatePrivate    Kind = "create_private_room"
	KindJoinRoom         Kind = "join_room"
	KindLeave            Kind = "leave"
	KindRemoveMember     Kind = "remove_member"
	KindSetDescription   Kind = "set_description"
	KindGetDescription   Kind = "get_description"
	KindGetMembers       Kind = "get_members"
	KindInspect          Kind = "inspect"
	KindWhichNode        Kind = "which_node"
	KindDeleteRoom       Kind = "delete"
	KindSend             Kind = "send"
	KindInvite           Kind = "invite"
	KindListJoined       Kind = "list_joined"
	KindListAccessible   Kind = "list_accessible"
	KindGetMyself        Kind = "get_myself"
	KindSetMyDescription Kind = "set_my_description"
	KindSetMyName        Kind = "set_my_name"
	KindLogout           Kind = "logout"
)

// ErrUnknownCommand is returned for any line that does not match the grammar.
var ErrUnknownCommand = errors.New("unknown command")

// Command is one parsed client line. Only the fields relevant to the Kind
// are populated.
type Command struct {
	Kind       Kind
	Room       string // target room name, verbatim (not normalized)
	UserNumber string
	UserName   string
	Text       string // free-text tail: description or chat message
}

// Parse maps a single input line (without its trailing newline) onto a
// Command. The match is case-sensitive, as the grammar keywords are
// upper-case by definition.
func Parse(line string) (Command, error) {
	line = strings.TrimRight(line, "\r")
	tok := strings.Fields(line)

	switch {
	case matches(tok, "LOGIN", "*", "*"):
		return Command{Kind: KindLogin, UserNumber: tok[1], UserName: tok[2]}, nil

	case matches(tok, "CREATE", "ROOM", "*"):
		return Command{Kind: KindCreateRoom, Room: tok[2]}, nil

	case matches(tok, "CREATE", "PRIVATE", "ROOM", "*"):
		return Command{Kind: KindCreatePrivate, Room: tok[3]}, nil

	case matches(tok, "JOIN", "ROOM", "*"):
		return Command{Kind: KindJoinRoom, Room: tok[2]}, nil

	case matches(tok, "ROOM", "*", "LEAVE"):
		return Command{Kind: KindLeave, Room: tok[1]}, nil

	case matches(tok, "ROOM", "*", "REMOVE", "MEMBER", "*"):
		return Command{Kind: KindRemoveMember, Room: tok[1], UserNumber: tok[4]}, nil

	case matchesPrefix(tok, "ROOM", "*", "SET", "DESCRIPTION", "TO"):
		return Command{Kind: KindSetDescription, Room: tok[1], Text: tail(line, 5)}, nil

	case matches(tok, "ROOM", "*", "GET", "DESCRIPTION"):
		return Command{Kind: KindGetDescription, Room: tok[1]}, nil

	case matches(tok, "ROOM", "*", "GET", "MEMBERS"):
		return Command{Kind: KindGetMembers, Room: tok[1]}, nil

	case matches(tok, "ROOM", "*", "INSPECT"):
		return Command{Kind: KindInspect, Room: tok[1]}, nil

	case matches(tok, "ROOM", "*", "ON", "WHICH", "NODE", "?"):
		return Command{Kind: KindWhichNode, Room: tok[1]}, nil

	case matches(tok, "ROOM", "*", "DELETE"):
		return Command{Kind: KindDeleteRoom, Room: tok[1]}, nil

	case matchesPrefix(tok, "ROOM", "*", "SEND") && len(tok) > 3:
		return Command{Kind: KindSend, Room: tok[1], Text: tail(line, 3)}, nil

	case matches(tok, "ROOM", "*", "INVITE", "*"):
		return Command{Kind: KindInvite, Room: tok[1], UserNumber: tok[3]}, nil

	case matches(tok, "LIST", "JOINED", "ROOMS"):
		return Command{Kind: KindListJoined}, nil

	case matches(tok, "LIST", "ACCESSIBLE", "ROOMS"):
		return Command{Kind: KindListAccessible}, nil

	case matches(tok, "GET", "MYSELF"):
		return Command{Kind: KindGetMyself}, nil

	case matchesPrefix(tok, "SET", "MY", "DESCRIPTION", "TO"):
		return Command{Kind: KindSetMyDescription, Text: tail(line, 4)}, nil

	case matches(tok, "SET", "MY", "USER", "NAME", "TO", "*"):
		return Command{Kind: KindSetMyName, UserName: tok[5]}, nil

	case matches(tok, "LOG", "OUT"):
		return Command{Kind: KindLogout}, nil
	}

	return Command{}, ErrUnknownCommand
}

// matches reports whether tok is exactly the given pattern; "*" accepts any
// single token.
func matches(tok []string, pattern ...string) bool {
	if len(tok) != len(pattern) {
		return false
	}
	return matchesPrefix(tok, pattern...)
}

// matchesPrefix reports whether tok starts with the given pattern.
func matchesPrefix(tok []string, pattern ...string) bool {
	if len(tok) < len(pattern) {
		return false
	}
	for i, p := range pattern {
		if p != "*" && tok[i] != p {
			return false
		}
	}
	return true
}

// tail returns the free-text remainder of line after skipping n
// space-separated tokens, preserving the text's internal spacing.
func tail(line string, n int) string {
	i := 0
	for skipped := 0; skipped < n; skipped++ {
		for i < len(line) && line[i] == ' ' {
			i++
		}
		for i < len(line) && line[i] != ' ' {
			i++
		}
	}
	for i < len(line) && line[i] == ' ' {
		i++
	}
	return line[i:]
}
