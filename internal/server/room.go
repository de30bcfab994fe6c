package server

import (
	"errors"
	"sort"

	"github.com/wumeng-games/netplay-backend/pkg/protocol"
)

// MaxPlayers is the seat count of one room.
const MaxPlayers = 4

var ErrRoomFull = errors.New("room full")

// Player is one occupied seat. AI flips to true when the seat's connection
// is lost mid-game and the slot is handed to the host's rule engine.
type Player struct {
	ID   string
	Name string
	Slot int
	AI   bool
}

// Room groups up to four seats sharing one game. It is plain data; the
// session manager's lock guards all access.
type Room struct {
	ID      string
	Players map[string]*Player
	HostID  string
	Started bool
}

func NewRoom(id string) *Room {
	return &Room{ID: id, Players: make(map[string]*Player, MaxPlayers)}
}

// Add seats a player in the lowest free slot, which for join-only
// sequences equals the number of players already present. The first joiner
// becomes host.
func (r *Room) Add(id, name string) (*Player, error) {
	if len(r.Players) >= MaxPlayers {
		return nil, ErrRoomFull
	}
	p := &Player{ID: id, Name: name, Slot: r.freeSlot()}
	r.Players[id] = p
	if r.HostID == "" {
		r.HostID = id
	}
	return p, nil
}

func (r *Room) freeSlot() int {
	for slot := 0; slot < MaxPlayers; slot++ {
		if r.PlayerBySlot(slot) == nil {
			return slot
		}
	}
	return len(r.Players) // unreachable while the capacity check holds
}

// Remove unseats a player, transferring host authority to a survivor if the
// departing player held it.
func (r *Room) Remove(id string) {
	if _, ok := r.Players[id]; !ok {
		return
	}
	delete(r.Players, id)
	if r.HostID == id {
		r.HostID = ""
		r.transferHost()
	}
}

// MarkAI keeps the seat but flags it AI-controlled, transferring host
// authority if needed. Returns the seat, or nil for an unknown player.
func (r *Room) MarkAI(id string) *Player {
	p, ok := r.Players[id]
	if !ok {
		return nil
	}
	p.AI = true
	if r.HostID == id {
		r.HostID = ""
		r.transferHost()
	}
	return p
}

// transferHost hands authority to an arbitrary connected survivor. The pick
// order is whatever the map iteration yields; no fairness rule is implied.
func (r *Room) transferHost() {
	for id, p := range r.Players {
		if !p.AI {
			r.HostID = id
			return
		}
	}
}

func (r *Room) IsHost(id string) bool { return id != "" && id == r.HostID }

// CanStart reports whether a start request is currently honorable.
func (r *Room) CanStart() bool { return len(r.Players) >= 1 && !r.Started }

// ConnectedCount is the number of seats still backed by a live connection.
func (r *Room) ConnectedCount() int {
	n := 0
	for _, p := range r.Players {
		if !p.AI {
			n++
		}
	}
	return n
}

// PlayerBySlot returns the seat holding the given slot, or nil.
func (r *Room) PlayerBySlot(slot int) *Player {
	for _, p := range r.Players {
		if p.Slot == slot {
			return p
		}
	}
	return nil
}

// Roster lists the seats sorted by slot, in the form broadcasts carry.
func (r *Room) Roster() []protocol.PlayerInfo {
	out := make([]protocol.PlayerInfo, 0, len(r.Players))
	for id, p := range r.Players {
		out = append(out, protocol.PlayerInfo{
			ID:     id,
			Name:   p.Name,
			Slot:   p.Slot,
			IsHost: r.IsHost(id),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}
