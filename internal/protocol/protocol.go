package protocol

import "encoding/json"

const Version = "1.0"

// Client -> server message types.
const (
	TypeJoinRoom  = "joinRoom"
	TypeStartRace = "startRace"
	TypeLeaveRoom = "leaveRoom"
	TypeInputs    = "inputs"
	TypeSpectate  = "spectate"
)

// Server -> client message types. TypeState is carried as a binary websocket
// frame (see codec.go); the rest are JSON.
const (
	TypeJoined     = "joined"
	TypeLobby      = "lobby"
	TypeRoster     = "roster"
	TypeCountdown  = "countdown"
	TypeStart      = "start"
	TypeState      = "state"
	TypeFinish     = "finish"
	TypeSpectating = "spectating"
	TypeError      = "error"
)

// Region progression, spawn first. Entity packs carry the index into this
// list; the world package keys its region table by the same indices.
var RegionIDs = [...]string{"vagina", "cervix", "uterus", "utj", "isthmus", "ampulla"}

const RegionCount = len(RegionIDs)

// Entity flag bits.
const (
	FlagFinished = 1 << 0
	FlagDashing  = 1 << 1
	FlagStunned  = 1 << 2
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type string `json:"type"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
