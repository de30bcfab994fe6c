// Package client implements the game-side session: it connects to the
// session server, mirrors the room roster from broadcasts, and hands game
// events to the turn-rule engine through registered callbacks.
package client

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wumeng-games/netplay-backend/internal/store"
	"github.com/wumeng-games/netplay-backend/pkg/protocol"
)

// Handler consumes one decoded message. At most one handler is registered
// per kind; registering again replaces the previous one.
type Handler func(protocol.Message)

type Options struct {
	Version string // sent with join_room; must equal the server's version

	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration // local poll interval for shutdown checks
	HeartbeatInterval time.Duration
	DisconnectWait    time.Duration // bound on joining loops in Disconnect

	Profile store.Store // optional; supplies the default display name
	Logger  *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Version == "" {
		o.Version = "1.0.0"
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = time.Second
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.DisconnectWait == 0 {
		o.DisconnectWait = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Client is one session with the server. The mirrored roster state is a
// read-through cache of server broadcasts; the server always wins.
type Client struct {
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	sock      net.Conn
	connected bool
	cancel    context.CancelFunc
	done      chan struct{} // closed when both loops have exited

	playerID string
	slot     int
	isHost   bool
	roster   []protocol.PlayerInfo
	lastPong time.Time

	handlers map[protocol.Kind]Handler
	aiTurn   func(slot int)
}

func New(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:     opts,
		log:      opts.Logger,
		slot:     -1,
		handlers: make(map[protocol.Kind]Handler),
	}
}

// Connect dials the server and starts the receive and heartbeat loops. On
// any failure no loops are running and no socket is left open.
func (c *Client) Connect(host string, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return fmt.Errorf("already connected")
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	sock, err := net.DialTimeout("tcp", addr, c.opts.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.sock = sock
	c.connected = true
	c.cancel = cancel
	c.done = make(chan struct{})
	c.lastPong = time.Now()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.receiveLoop(ctx, sock)
	}()
	go func() {
		defer wg.Done()
		c.heartbeatLoop(ctx)
	}()
	done := c.done
	go func() {
		wg.Wait()
		close(done)
	}()

	c.log.Info("connected", zap.String("addr", addr))
	return nil
}

// DialRetry attempts Connect up to attempts times, sleeping delay between
// tries. Convenience for racing a server that is still starting up.
func (c *Client) DialRetry(host string, port int, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(delay)
		}
		if err = c.Connect(host, port); err == nil {
			return nil
		}
	}
	return err
}

// Disconnect stops the loops, closes the socket, and waits (bounded) for
// the loops to exit. Calling it again is a no-op.
func (c *Client) Disconnect() {
	c.mu.Lock()
	sock, cancel, done := c.sock, c.cancel, c.done
	c.sock = nil
	c.cancel = nil
	c.connected = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sock != nil {
		_ = sock.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(c.opts.DisconnectWait):
			c.log.Warn("timed out waiting for session loops to exit")
		}
	}
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) PlayerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerID
}

func (c *Client) Slot() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slot
}

func (c *Client) IsHost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isHost
}

// LastPong is the time of the most recent heartbeat reply, for apps that
// want to surface link quality beyond the connected flag.
func (c *Client) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// Roster is a copy of the cached room roster.
func (c *Client) Roster() []protocol.PlayerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.PlayerInfo, len(c.roster))
	copy(out, c.roster)
	return out
}

// RegisterHandler installs the callback for a message kind, replacing any
// earlier registration. The mirrored roster state is maintained internally
// regardless of what handlers are registered.
func (c *Client) RegisterHandler(kind protocol.Kind, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = h
}

// OnAITurn installs the callback run when an AI-controlled slot should act.
// It fires only while this session holds host authority.
func (c *Client) OnAITurn(fn func(slot int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aiTurn = fn
}

// JoinRoom requests a seat. Fire and forget: the outcome arrives through
// the join_success / join_failed handlers. An empty name falls back to the
// profile store's nickname.
func (c *Client) JoinRoom(name, roomID string) {
	if name == "" && c.opts.Profile != nil {
		name = store.Nickname(c.opts.Profile)
	}
	if roomID == "" {
		roomID = "default"
	}
	c.send(protocol.New(protocol.KindJoinRoom, protocol.JoinRoomData{
		PlayerName: name,
		RoomID:     roomID,
		Version:    c.opts.Version,
	}))
}

// StartGame asks the server to start. Only honored for the host; non-hosts
// no-op locally to mirror the server's silent policy.
func (c *Client) StartGame() {
	if !c.IsHost() {
		return
	}
	c.send(protocol.New(protocol.KindStartGame, nil))
}

// SendDiceRoll reports this player's own roll.
func (c *Client) SendDiceRoll(result int) {
	c.mu.Lock()
	id, slot := c.playerID, c.slot
	c.mu.Unlock()
	c.send(protocol.New(protocol.KindDiceRoll, protocol.DiceRollData{
		DiceResult: result,
		PlayerID:   id,
		PlayerSlot: slot,
	}))
}

// SendDiceRollAs reports a roll on behalf of an AI-controlled slot the
// host is driving. The server honors the claimed slot only from the host.
func (c *Client) SendDiceRollAs(slot, result int) {
	c.send(protocol.New(protocol.KindDiceRoll, protocol.DiceRollData{
		DiceResult: result,
		PlayerID:   c.PlayerID(),
		PlayerSlot: slot,
	}))
}

func (c *Client) SendEffectDiceRoll(result int) {
	c.mu.Lock()
	id, slot := c.playerID, c.slot
	c.mu.Unlock()
	c.send(protocol.New(protocol.KindEffectDiceRoll, protocol.EffectDiceRollData{
		EffectResult: result,
		PlayerID:     id,
		PlayerSlot:   slot,
	}))
}

func (c *Client) SendEffectDiceRollAs(slot, result int) {
	c.send(protocol.New(protocol.KindEffectDiceRoll, protocol.EffectDiceRollData{
		EffectResult: result,
		PlayerID:     c.PlayerID(),
		PlayerSlot:   slot,
	}))
}

// AnnounceAITurn tells the room it is now an AI slot's turn. Sent by the
// host when its rule engine advances onto an AI seat.
func (c *Client) AnnounceAITurn(slot int) {
	c.send(protocol.New(protocol.KindAITurnStart, protocol.AITurnStartData{PlayerSlot: slot}))
}

// SendGameState relays an opaque rule-engine state payload to the room.
func (c *Client) SendGameState(state any) {
	c.send(protocol.New(protocol.KindGameState, state))
}

func (c *Client) send(m protocol.Message) {
	c.mu.Lock()
	sock, connected := c.sock, c.connected
	c.mu.Unlock()
	if !connected || sock == nil {
		return
	}
	_ = sock.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := sock.Write(m.Encode()); err != nil {
		c.log.Warn("send failed", zap.String("kind", string(m.Kind)), zap.Error(err))
		c.markDisconnected()
	}
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// receiveLoop mirrors the server's framing: accumulate, split on newlines,
// decode, dispatch. A deadline expiry only re-checks the context.
func (c *Client) receiveLoop(ctx context.Context, sock net.Conn) {
	defer c.markDisconnected()

	var buf []byte
	chunk := make([]byte, 4096)
	for ctx.Err() == nil {
		_ = sock.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		n, err := sock.Read(chunk)
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
					c.process(m)
				}
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() == nil {
				c.log.Warn("receive loop ending", zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.Connected() {
				return
			}
			c.send(protocol.New(protocol.KindPing, nil))
		}
	}
}

// process updates the mirrored state for the message, then invokes the
// registered handler, then the AI-turn callback when it applies. Callbacks
// run outside the lock so they may call back into the client.
func (c *Client) process(m protocol.Message) {
	data, err := m.DecodeData()
	if err != nil {
		c.log.Warn("bad payload", zap.String("kind", string(m.Kind)), zap.Error(err))
		return
	}

	aiSlot := -1
	c.mu.Lock()
	switch d := data.(type) {
	case protocol.JoinSuccessData:
		c.playerID = d.PlayerID
		c.slot = d.Slot
		c.isHost = d.IsHost
		c.roster = d.Players
	case protocol.PlayerJoinedData:
		c.roster = append(c.roster, protocol.PlayerInfo{
			ID:   d.PlayerID,
			Name: d.PlayerName,
			Slot: d.Slot,
		})
	case protocol.PlayerLeftData:
		kept := c.roster[:0]
		for _, p := range c.roster {
			if p.ID != d.PlayerID {
				kept = append(kept, p)
			}
		}
		c.roster = kept
		if d.HostID != "" {
			c.isHost = d.HostID == c.playerID
		}
	case protocol.GameStartedData:
		c.roster = d.Players
	case protocol.AITakeoverData:
		if d.HostID != "" {
			c.isHost = d.HostID == c.playerID
		}
		if c.isHost {
			aiSlot = d.PlayerSlot
		}
	case protocol.AITurnStartData:
		if c.isHost {
			aiSlot = d.PlayerSlot
		}
	default:
		if m.Kind == protocol.KindPong {
			c.lastPong = time.Now()
		}
	}
	h := c.handlers[m.Kind]
	ai := c.aiTurn
	c.mu.Unlock()

	if h != nil {
		h(m)
	}
	if aiSlot >= 0 && ai != nil {
		ai(aiSlot)
	}
}
