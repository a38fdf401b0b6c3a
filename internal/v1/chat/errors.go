package chat

import "errors"

// Recoverable chat errors. Every one of these becomes a response envelope,
// never a session failure. They cross the node boundary as wire codes via
// EncodeError / DecodeError.
var (
	ErrRoomExists     = errors.New("room already exists")
	ErrRoomNotFound   = errors.New("room not found")
	ErrUserLoggedIn   = errors.New("user already logged in")
	ErrSocketInUse    = errors.New("someone else already logged in on this connection")
	ErrUserNotFound   = errors.New("user not found")
	ErrMemberExists   = errors.New("member already exists")
	ErrMemberNotFound = errors.New("member not found")
	ErrNotAdmin       = errors.New("not the room admin")
	ErrNotMember      = errors.New("not a room member")
	ErrPrivateRoom    = errors.New("room is private")
)

var errCodes = map[string]error{
	"room_already_exists":            ErrRoomExists,
	"room_not_found":                 ErrRoomNotFound,
	"user_already_logged_in":         ErrUserLoggedIn,
	"someone_else_already_logged_in": ErrSocketInUse,
	"user_not_found":                 ErrUserNotFound,
	"member_already_exists":          ErrMemberExists,
	"member_not_found":               ErrMemberNotFound,
	"not_admin":                      ErrNotAdmin,
	"not_member":                     ErrNotMember,
	"private_room":                   ErrPrivateRoom,
}

var codeByErr = func() map[error]string {
	m := make(map[error]string, len(errCodes))
	for code, err := range errCodes {
		m[err] = code
	}
	return m
}()

// EncodeError maps an error onto its wire code for the RPC reply.
func EncodeError(err error) string {
	for sentinel, code := range codeByErr {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return "internal"
}

// DecodeError rehydrates a wire code back into the matching sentinel.
func DecodeError(code string) error {
	if err, ok := errCodes[code]; ok {
		return err
	}
	return errors.New("remote operation failed: " + code)
}
