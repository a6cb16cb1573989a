package protocol

// InputFrame is one tick's worth of client intent. Field names follow the
// wire shape: t is the client tick the frame was produced on, ha requests
// hyperactivation.
type InputFrame struct {
	T  int64 `json:"t"`
	U  bool  `json:"u"`
	D  bool  `json:"d"`
	L  bool  `json:"l"`
	R  bool  `json:"r"`
	HA bool  `json:"ha"`
}

// joinRoom (client -> server). Room is optional; empty means "place me".
type JoinRoomMsg struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Room string `json:"room,omitempty"`
}

// startRace (client -> server). Host-only.
type StartRaceMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// leaveRoom (client -> server).
type LeaveRoomMsg struct {
	Type string `json:"type"`
}

// inputs (client -> server): a batch of frames, capped at MaxInputBatch.
type InputsMsg struct {
	Type   string       `json:"type"`
	Frames []InputFrame `json:"frames"`
}

// spectate (client -> server).
type SpectateMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// joined (server -> client).
type JoinedMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	PlayerID uint32 `json:"playerId"`
}

// lobby (server -> client): per-recipient room state. CountdownMs is set
// only while a countdown is in flight, so late joiners see the remainder.
type LobbyMsg struct {
	Type        string `json:"type"`
	RoomID      string `json:"roomId"`
	IsHost      bool   `json:"isHost"`
	State       string `json:"state"`
	CountdownMs int64  `json:"countdownMs,omitempty"`
}

// roster (server -> client).
type RosterMsg struct {
	Type    string         `json:"type"`
	RoomID  string         `json:"roomId"`
	Host    uint32         `json:"host"`
	Players []RosterPlayer `json:"players"`
}

type RosterPlayer struct {
	ID    uint32 `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// countdown (server -> client).
type CountdownMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	FromMs int64  `json:"fromMs"`
}

// start (server -> client): race begins at Tick.
type StartMsg struct {
	Type        string `json:"type"`
	Tick        int64  `json:"tick"`
	CountdownMs int64  `json:"countdownMs"`
}

// finish (server -> client).
type FinishMsg struct {
	Type        string             `json:"type"`
	Winner      uint32             `json:"winner"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
}

type LeaderboardEntry struct {
	ID     uint32 `json:"id"`
	Name   string `json:"name"`
	Place  int    `json:"place"`
	TimeMs int64  `json:"timeMs"`
	DNF    bool   `json:"dnf,omitempty"`
}

// spectating (server -> client): acknowledges a spectate request.
type SpectatingMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// error (server -> client).
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
