// Package server implements the authoritative session manager: it accepts
// TCP connections, seats them into rooms, relays turn actions, and promotes
// silent seats to AI control mid-game.
package server

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wumeng-games/netplay-backend/pkg/protocol"
)

// DefaultPort is the well-known session port. Config does not default to
// it so tests can bind an ephemeral port with Port 0.
const DefaultPort = 29188

type Config struct {
	Host    string
	Port    int
	Version string // exact-match gate against the client's version string

	HeartbeatTimeout time.Duration // silence beyond this fails the connection
	SweepInterval    time.Duration
	ReadTimeout      time.Duration // local poll interval, not a protocol timeout
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Version == "" {
		c.Version = "1.0.0"
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 15 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = time.Second
	}
	return c
}

// Server multiplexes client connections into rooms. One coarse lock guards
// the room table, the connection table, and the player-to-room index; every
// handler body runs atomically with respect to the others.
type Server struct {
	cfg    Config
	log    *zap.Logger
	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	clients     map[string]*conn  // playerID -> connection
	rooms       map[string]*Room  // roomID -> room
	playerRooms map[string]string // playerID -> roomID
}

func New(cfg Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg.withDefaults(),
		log:         log,
		ctx:         ctx,
		cancel:      cancel,
		clients:     make(map[string]*conn),
		rooms:       make(map[string]*Room),
		playerRooms: make(map[string]string),
	}
}

// Start binds the listener and spawns the accept loop and the liveness
// sweep. It returns once the socket is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("bind %s:%d: %w", s.cfg.Host, s.cfg.Port, err)
	}
	s.ln = ln
	s.log.Info("session server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("version", s.cfg.Version))

	s.wg.Add(2)
	go s.acceptLoop()
	go s.sweepLoop()
	return nil
}

// Addr is the bound listener address, for callers that started on port 0.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Stop closes the listener and every client socket, then joins the loops.
func (s *Server) Stop() {
	s.cancel()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Lock()
	for _, c := range s.clients {
		_ = c.sock.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		sock, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}
		c := newConn(sock, time.Now())
		s.mu.Lock()
		s.clients[c.id] = c
		s.mu.Unlock()
		s.log.Info("client connected",
			zap.String("player", c.id),
			zap.String("remote", sock.RemoteAddr().String()))

		s.wg.Add(1)
		go s.readLoop(c)
	}
}

// readLoop accumulates bytes and dispatches each complete line. The short
// read deadline only exists so shutdown is observed promptly; a deadline
// expiry is not a peer failure.
func (s *Server) readLoop(c *conn) {
	defer s.wg.Done()
	defer s.teardown(c.id)

	var buf []byte
	chunk := make([]byte, 4096)
	for s.ctx.Err() == nil {
		_ = c.sock.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		n, err := c.sock.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				i := bytes.IndexByte(buf, '\n')
				if i < 0 {
					break
				}
				line := buf[:i]
				buf = buf[i+1:]
				if m, ok := protocol.Decode(line); ok {
					s.handleMessage(c, m)
				}
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
	}
}

func (s *Server) handleMessage(c *conn, m protocol.Message) {
	switch m.Kind {
	case protocol.KindJoinRoom:
		s.handleJoinRoom(c, m)
	case protocol.KindStartGame:
		s.handleStartGame(c.id)
	case protocol.KindDiceRoll:
		s.handleDiceRoll(c.id, m)
	case protocol.KindEffectDiceRoll:
		s.handleEffectDiceRoll(c.id, m)
	case protocol.KindAITurnStart,
		protocol.KindGameState, protocol.KindPlayerMove,
		protocol.KindTurnChange, protocol.KindGameOver:
		s.relayToRoom(c.id, m)
	case protocol.KindPing:
		s.handlePing(c)
	}
}

func (s *Server) handleJoinRoom(c *conn, m protocol.Message) {
	var d protocol.JoinRoomData
	if err := m.Unmarshal(&d); err != nil {
		return
	}
	if d.RoomID == "" {
		d.RoomID = "default"
	}
	if d.PlayerName == "" {
		d.PlayerName = "Player"
	}

	if d.Version != s.cfg.Version {
		s.log.Warn("version mismatch",
			zap.String("player", c.id),
			zap.String("client_version", d.Version))
		reason := fmt.Sprintf("version mismatch: server %s, client %s", s.cfg.Version, d.Version)
		s.sendTo(c, protocol.New(protocol.KindJoinFailed, protocol.JoinFailedData{Reason: reason}))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A connection holds at most one seat; repeat joins are no-ops.
	if _, seated := s.playerRooms[c.id]; seated {
		return
	}

	room := s.rooms[d.RoomID]
	if room == nil {
		room = NewRoom(d.RoomID)
		s.rooms[d.RoomID] = room
	}
	p, err := room.Add(c.id, d.PlayerName)
	if err != nil {
		_ = c.send(protocol.New(protocol.KindJoinFailed, protocol.JoinFailedData{Reason: "room full"}))
		return
	}
	s.playerRooms[c.id] = d.RoomID

	_ = c.send(protocol.New(protocol.KindJoinSuccess, protocol.JoinSuccessData{
		PlayerID: c.id,
		Slot:     p.Slot,
		IsHost:   room.IsHost(c.id),
		Players:  room.Roster(),
	}))
	s.broadcastLocked(room, protocol.New(protocol.KindPlayerJoined, protocol.PlayerJoinedData{
		PlayerID:   c.id,
		PlayerName: d.PlayerName,
		Slot:       p.Slot,
	}), c.id)
	s.log.Info("player joined room",
		zap.String("player", c.id),
		zap.String("room", d.RoomID),
		zap.Int("slot", p.Slot))
}

// handleStartGame flips the room to started exactly once. Requests from a
// non-host, an already-started room, or an empty room are silent no-ops.
func (s *Server) handleStartGame(playerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.roomOfLocked(playerID)
	if room == nil || !room.IsHost(playerID) || !room.CanStart() {
		return
	}
	room.Started = true
	s.broadcastLocked(room, protocol.New(protocol.KindGameStarted, protocol.GameStartedData{
		Players: room.Roster(),
	}), "")
	s.log.Info("game started", zap.String("room", room.ID), zap.Int("players", len(room.Players)))
}

func (s *Server) handleDiceRoll(playerID string, m protocol.Message) {
	var d protocol.DiceRollData
	if err := m.Unmarshal(&d); err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.roomOfLocked(playerID)
	p := playerInRoom(room, playerID)
	if p == nil {
		return
	}
	d.PlayerSlot = s.stampSlotLocked(room, p, d.PlayerSlot)
	out := protocol.New(protocol.KindDiceRoll, d)
	out.Sender = playerID
	s.broadcastLocked(room, out, "")
}

func (s *Server) handleEffectDiceRoll(playerID string, m protocol.Message) {
	var d protocol.EffectDiceRollData
	if err := m.Unmarshal(&d); err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.roomOfLocked(playerID)
	p := playerInRoom(room, playerID)
	if p == nil {
		return
	}
	d.PlayerSlot = s.stampSlotLocked(room, p, d.PlayerSlot)
	out := protocol.New(protocol.KindEffectDiceRoll, d)
	out.Sender = playerID
	s.broadcastLocked(room, out, "")
}

// stampSlotLocked decides the authoritative acting slot for a turn action.
// The sender's own slot wins, except that the host may report on behalf of
// a slot already under AI control.
func (s *Server) stampSlotLocked(room *Room, sender *Player, claimed int) int {
	if claimed != sender.Slot && room.IsHost(sender.ID) {
		if target := room.PlayerBySlot(claimed); target != nil && target.AI {
			return claimed
		}
	}
	return sender.Slot
}

// relayToRoom rebroadcasts an opaque payload to the sender's room with the
// sender stamped. Messages from players not in any room are dropped.
func (s *Server) relayToRoom(playerID string, m protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.roomOfLocked(playerID)
	if playerInRoom(room, playerID) == nil {
		return
	}
	m.Sender = playerID
	s.broadcastLocked(room, m, "")
}

func (s *Server) handlePing(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.id]; !ok {
		return
	}
	c.lastHeartbeat = time.Now()
	_ = c.send(protocol.New(protocol.KindPong, nil))
}

func (s *Server) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep fails every connection whose last heartbeat is older than the
// timeout. Each failed connection goes through the shared teardown exactly
// once; a racing read-error teardown finds the indices already empty.
func (s *Server) sweep(now time.Time) {
	s.mu.Lock()
	var stale []string
	for id, c := range s.clients {
		if now.Sub(c.lastHeartbeat) > s.cfg.HeartbeatTimeout {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.log.Warn("heartbeat timeout", zap.String("player", id))
		s.teardown(id)
	}
}

// teardown is the single cleanup path shared by read errors, peer close,
// and liveness timeout. Mid-game the seat survives as an AI entry and the
// room hears ai_takeover; before the game it is removed with player_left.
// Safe to call more than once for the same player.
func (s *Server) teardown(playerID string) {
	s.mu.Lock()
	c, ok := s.clients[playerID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, playerID)
	roomID, inRoom := s.playerRooms[playerID]
	delete(s.playerRooms, playerID)

	if inRoom {
		if room := s.rooms[roomID]; room != nil {
			if room.Started {
				p := room.MarkAI(playerID)
				if room.ConnectedCount() == 0 {
					delete(s.rooms, roomID)
				} else if p != nil {
					s.broadcastLocked(room, protocol.New(protocol.KindAITakeover, protocol.AITakeoverData{
						PlayerSlot: p.Slot,
						PlayerName: p.Name,
						HostID:     room.HostID,
					}), "")
					s.log.Info("slot handed to AI",
						zap.String("room", roomID),
						zap.Int("slot", p.Slot),
						zap.String("host", room.HostID))
				}
			} else {
				room.Remove(playerID)
				if len(room.Players) == 0 {
					delete(s.rooms, roomID)
				} else {
					s.broadcastLocked(room, protocol.New(protocol.KindPlayerLeft, protocol.PlayerLeftData{
						PlayerID: playerID,
						HostID:   room.HostID,
					}), "")
				}
			}
		}
	}
	s.mu.Unlock()

	_ = c.sock.Close()
	s.log.Info("client disconnected", zap.String("player", playerID))
}

// roomOfLocked resolves the caller's room; nil when not seated anywhere.
func (s *Server) roomOfLocked(playerID string) *Room {
	roomID, ok := s.playerRooms[playerID]
	if !ok {
		return nil
	}
	return s.rooms[roomID]
}

func playerInRoom(room *Room, playerID string) *Player {
	if room == nil {
		return nil
	}
	return room.Players[playerID]
}

// broadcastLocked sends to every connected seat except the excluded player.
// AI seats have no connection and are skipped. Caller holds the lock.
func (s *Server) broadcastLocked(room *Room, m protocol.Message, exclude string) {
	for id := range room.Players {
		if id == exclude {
			continue
		}
		c, ok := s.clients[id]
		if !ok {
			continue
		}
		if err := c.send(m); err != nil {
			s.log.Warn("broadcast send failed",
				zap.String("player", id),
				zap.String("kind", string(m.Kind)),
				zap.Error(err))
		}
	}
}

// sendTo writes to a connection that may not be in any room yet.
func (s *Server) sendTo(c *conn, m protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := c.send(m); err != nil {
		s.log.Warn("send failed", zap.String("player", c.id), zap.Error(err))
	}
}

// RoomSnapshot is a read-only view of one room for the debug surface.
type RoomSnapshot struct {
	ID      string `json:"id"`
	Players int    `json:"players"`
	AISeats int    `json:"ai_seats"`
	Started bool   `json:"started"`
	HostID  string `json:"host_id"`
}

// Snapshot lists every room, sorted by id, taken under the lock.
func (s *Server) Snapshot() []RoomSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RoomSnapshot, 0, len(s.rooms))
	for id, room := range s.rooms {
		out = append(out, RoomSnapshot{
			ID:      id,
			Players: len(room.Players),
			AISeats: len(room.Players) - room.ConnectedCount(),
			Started: room.Started,
			HostID:  room.HostID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
