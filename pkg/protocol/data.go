package protocol

// PlayerInfo is one roster entry as carried by join_success and
// game_started.
type PlayerInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Slot   int    `json:"slot"`
	IsHost bool   `json:"is_host"`
}

type JoinRoomData struct {
	PlayerName string `json:"player_name"`
	RoomID     string `json:"room_id"`
	Version    string `json:"version"`
}

type JoinSuccessData struct {
	PlayerID string       `json:"player_id"`
	Slot     int          `json:"slot"`
	IsHost   bool         `json:"is_host"`
	Players  []PlayerInfo `json:"players"`
}

type JoinFailedData struct {
	Reason string `json:"reason"`
}

type PlayerJoinedData struct {
	PlayerID   string `json:"player_id"`
	PlayerName string `json:"player_name"`
	Slot       int    `json:"slot"`
}

// PlayerLeftData doubles for player_disconnected. HostID names the room's
// host after the departure so survivors can re-derive their host flag.
type PlayerLeftData struct {
	PlayerID string `json:"player_id"`
	HostID   string `json:"host_id,omitempty"`
}

type AITakeoverData struct {
	PlayerSlot int    `json:"player_slot"`
	PlayerName string `json:"player_name"`
	HostID     string `json:"host_id,omitempty"`
}

type GameStartedData struct {
	Players []PlayerInfo `json:"players"`
}

// DiceRollData's PlayerSlot is authoritative only after the server has
// stamped it; the value a client puts on the wire is informational.
type DiceRollData struct {
	DiceResult int    `json:"dice_result"`
	PlayerID   string `json:"player_id"`
	PlayerSlot int    `json:"player_slot"`
}

type EffectDiceRollData struct {
	EffectResult int    `json:"effect_result"`
	PlayerID     string `json:"player_id"`
	PlayerSlot   int    `json:"player_slot"`
}

type AITurnStartData struct {
	PlayerSlot int `json:"player_slot"`
}
