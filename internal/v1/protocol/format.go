package protocol

import (
	"fmt"
	"strings"
)

// Fixed responses written outside the envelope formats.
const (
	UnknownCommand = "Unknown command !\r\n"
	NotLoggedIn    = "You are not logged in\r\n"
	TransportError = "ERROR\r\n"
)

// Direct formats a direct reply envelope: "## <text> ##\r\n".
func Direct(text string) string {
	return "## " + text + " ##\r\n"
}

// RoomScoped formats a room-scoped reply: "(<room>): ## <text> ##\r\n".
func RoomScoped(room, text string) string {
	return "(" + room + "): ## " + text + " ##\r\n"
}

// ChatLine formats a broadcast chat line: "<user> (<room>): <message>\r\n".
func ChatLine(userName, room, message string) string {
	return fmt.Sprintf("%s (%s): %s\r\n", userName, room, message)
}

// JoinNames renders a list display such as a member or room listing,
// comma-separated in the given order.
func JoinNames(names []string) string {
	return strings.Join(names, ", ")
}
