// Package protocol defines the wire format spoken between the game client
// and the session server: one JSON object per line, newline terminated.
package protocol

import (
	"bytes"
	"encoding/json"
)

// Kind discriminates message payloads. The string values are the wire
// representation and must not change without bumping the protocol version.
type Kind string

const (
	// Lifecycle
	KindJoinRoom           Kind = "join_room"
	KindJoinSuccess        Kind = "join_success"
	KindJoinFailed         Kind = "join_failed"
	KindPlayerJoined       Kind = "player_joined"
	KindPlayerLeft         Kind = "player_left"
	KindPlayerDisconnected Kind = "player_disconnected"
	KindAITakeover         Kind = "ai_takeover"

	// Game control
	KindStartGame   Kind = "start_game"
	KindGameStarted Kind = "game_started"

	// Game state sync; the session layer relays these verbatim.
	KindGameState  Kind = "game_state"
	KindPlayerMove Kind = "player_move"
	KindTurnChange Kind = "turn_change"
	KindGameOver   Kind = "game_over"

	// Turn actions
	KindDiceRoll       Kind = "dice_roll"
	KindEffectDiceRoll Kind = "effect_dice_roll"
	KindAITurnStart    Kind = "ai_turn_start"

	// Liveness
	KindPing Kind = "ping"
	KindPong Kind = "pong"
)

var knownKinds = map[Kind]struct{}{
	KindJoinRoom: {}, KindJoinSuccess: {}, KindJoinFailed: {},
	KindPlayerJoined: {}, KindPlayerLeft: {}, KindPlayerDisconnected: {},
	KindAITakeover: {}, KindStartGame: {}, KindGameStarted: {},
	KindGameState: {}, KindPlayerMove: {}, KindTurnChange: {}, KindGameOver: {},
	KindDiceRoll: {}, KindEffectDiceRoll: {}, KindAITurnStart: {},
	KindPing: {}, KindPong: {},
}

// Message is the envelope for every frame on the wire. Sender is stamped by
// the server when relaying turn actions; clients must not rely on their own
// copy being trusted.
type Message struct {
	Kind   Kind            `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	Sender string          `json:"player_id,omitempty"`
}

// New builds a message with the given payload. A nil payload becomes an
// empty object so receivers can always unmarshal Data.
func New(kind Kind, data any) Message {
	if data == nil {
		return Message{Kind: kind, Data: json.RawMessage(`{}`)}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		// Payload structs in this package are all plain data; a marshal
		// failure means a caller passed something unencodable.
		panic("protocol: unencodable payload: " + err.Error())
	}
	return Message{Kind: kind, Data: raw}
}

// Encode renders the message as a single newline-terminated line. JSON
// escapes embedded newlines, so the framing invariant holds for any payload.
func (m Message) Encode() []byte {
	b, _ := json.Marshal(m)
	return append(b, '\n')
}

// Decode parses one line. It reports ok=false for malformed JSON or an
// unknown kind; callers drop such lines and keep the connection alive.
func Decode(line []byte) (Message, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Message{}, false
	}
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, false
	}
	if _, ok := knownKinds[m.Kind]; !ok {
		return Message{}, false
	}
	return m, true
}

// Unmarshal decodes the payload into v.
func (m Message) Unmarshal(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// DecodeData returns the typed payload for the message's kind, dispatching
// on the kind discriminant. Kinds the session layer treats as opaque come
// back as the raw payload bytes.
func (m Message) DecodeData() (any, error) {
	switch m.Kind {
	case KindJoinRoom:
		var d JoinRoomData
		return d, m.Unmarshal(&d)
	case KindJoinSuccess:
		var d JoinSuccessData
		return d, m.Unmarshal(&d)
	case KindJoinFailed:
		var d JoinFailedData
		return d, m.Unmarshal(&d)
	case KindPlayerJoined:
		var d PlayerJoinedData
		return d, m.Unmarshal(&d)
	case KindPlayerLeft, KindPlayerDisconnected:
		var d PlayerLeftData
		return d, m.Unmarshal(&d)
	case KindAITakeover:
		var d AITakeoverData
		return d, m.Unmarshal(&d)
	case KindGameStarted:
		var d GameStartedData
		return d, m.Unmarshal(&d)
	case KindDiceRoll:
		var d DiceRollData
		return d, m.Unmarshal(&d)
	case KindEffectDiceRoll:
		var d EffectDiceRollData
		return d, m.Unmarshal(&d)
	case KindAITurnStart:
		var d AITurnStartData
		return d, m.Unmarshal(&d)
	default:
		return m.Data, nil
	}
}
