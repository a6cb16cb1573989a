package protocol

const (
	// Boundary validation: payload rejected, connection kept.
	ErrJoinInvalid  = "E_JOIN_INVALID"
	ErrInputInvalid = "E_INPUT_INVALID"

	// Room routing/state.
	ErrUnknownRoom = "E_UNKNOWN_ROOM"
	ErrRoomFull    = "E_ROOM_FULL"

	// Fatal per-connection: sent once before a forced disconnect.
	ErrDesync = "E_DESYNC"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrJoinInvalid:  {},
	ErrInputInvalid: {},
	ErrUnknownRoom:  {},
	ErrRoomFull:     {},
	ErrDesync:       {},
	ErrInternal:     {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
