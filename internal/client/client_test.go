package client

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wumeng-games/netplay-backend/internal/server"
	"github.com/wumeng-games/netplay-backend/internal/store"
	"github.com/wumeng-games/netplay-backend/pkg/protocol"
)

const testVersion = "1.0.0"

func startServer(t *testing.T, cfg server.Config) *server.Server {
	t.Helper()
	cfg.Host = "127.0.0.1"
	cfg.Version = testVersion
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 50 * time.Millisecond
	}
	s := server.New(cfg, zaptest.NewLogger(t))
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func serverPort(t *testing.T, s *server.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(s.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func newClient(t *testing.T, opts Options) *Client {
	t.Helper()
	if opts.Version == "" {
		opts.Version = testVersion
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 50 * time.Millisecond
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 50 * time.Millisecond
	}
	opts.Logger = zaptest.NewLogger(t)
	c := New(opts)
	t.Cleanup(c.Disconnect)
	return c
}

// recvMsg waits on a handler channel with a deadline so tests never hang.
func recvMsg(t *testing.T, ch <-chan protocol.Message, within time.Duration) protocol.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(within):
		t.Fatalf("timed out waiting for message")
		return protocol.Message{} // unreachable
	}
}

func recvSlot(t *testing.T, ch <-chan int, within time.Duration) int {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(within):
		t.Fatalf("timed out waiting for AI-turn callback")
		return -1 // unreachable
	}
}

// onKind registers a channel-backed handler for one kind.
func onKind(c *Client, kind protocol.Kind) <-chan protocol.Message {
	ch := make(chan protocol.Message, 8)
	c.RegisterHandler(kind, func(m protocol.Message) { ch <- m })
	return ch
}

func joinAndWait(t *testing.T, c *Client, name string, port int) protocol.JoinSuccessData {
	t.Helper()
	joined := onKind(c, protocol.KindJoinSuccess)
	require.NoError(t, c.Connect("127.0.0.1", port))
	c.JoinRoom(name, "default")
	m := recvMsg(t, joined, 2*time.Second)
	var d protocol.JoinSuccessData
	require.NoError(t, m.Unmarshal(&d))
	return d
}

func TestConnectRefusedFailsFast(t *testing.T) {
	// Reserve a port, then close it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	c := newClient(t, Options{})
	start := time.Now()
	err = c.Connect("127.0.0.1", port)
	require.Error(t, err)
	assert.False(t, c.Connected())
	assert.Less(t, time.Since(start), c.opts.ConnectTimeout, "refused dial should not wait out the timeout")
}

func TestDialRetryGivesUpAfterAttempts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	c := newClient(t, Options{})
	err = c.DialRetry("127.0.0.1", port, 3, 10*time.Millisecond)
	require.Error(t, err)
	assert.False(t, c.Connected())
}

func TestDialRetryReachesLateServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	srvCh := make(chan *server.Server, 1)
	go func() {
		time.Sleep(150 * time.Millisecond)
		srv := server.New(server.Config{
			Host:          "127.0.0.1",
			Port:          port,
			Version:       testVersion,
			SweepInterval: time.Hour,
			ReadTimeout:   50 * time.Millisecond,
		}, nil)
		if err := srv.Start(); err == nil {
			srvCh <- srv
		} else {
			srvCh <- nil
		}
	}()

	c := newClient(t, Options{})
	require.NoError(t, c.DialRetry("127.0.0.1", port, 20, 50*time.Millisecond))
	assert.True(t, c.Connected())

	srv := <-srvCh
	require.NotNil(t, srv)
	t.Cleanup(srv.Stop)
}

func TestEndToEndJoinStartBroadcast(t *testing.T) {
	s := startServer(t, server.Config{SweepInterval: time.Hour})
	port := serverPort(t, s)

	a := newClient(t, Options{})
	b := newClient(t, Options{})
	aJoined := onKind(a, protocol.KindPlayerJoined)
	aStarted := onKind(a, protocol.KindGameStarted)
	bStarted := onKind(b, protocol.KindGameStarted)

	da := joinAndWait(t, a, "Anna", port)
	assert.Equal(t, 0, da.Slot)
	assert.True(t, da.IsHost)
	assert.True(t, a.IsHost())

	db := joinAndWait(t, b, "Ben", port)
	assert.Equal(t, 1, db.Slot)
	assert.False(t, db.IsHost)

	// A hears about B and both roster caches agree.
	m := recvMsg(t, aJoined, 2*time.Second)
	var joined protocol.PlayerJoinedData
	require.NoError(t, m.Unmarshal(&joined))
	assert.Equal(t, b.PlayerID(), joined.PlayerID)
	assert.Len(t, a.Roster(), 2)

	a.StartGame()
	for _, ch := range []<-chan protocol.Message{aStarted, bStarted} {
		m := recvMsg(t, ch, 2*time.Second)
		var started protocol.GameStartedData
		require.NoError(t, m.Unmarshal(&started))
		assert.Len(t, started.Players, 2)
	}
}

func TestStartGameFromNonHostIsLocalNoop(t *testing.T) {
	s := startServer(t, server.Config{SweepInterval: time.Hour})
	port := serverPort(t, s)

	a := newClient(t, Options{})
	b := newClient(t, Options{})
	joinAndWait(t, a, "Anna", port)
	joinAndWait(t, b, "Ben", port)

	bStarted := onKind(b, protocol.KindGameStarted)
	b.StartGame()
	select {
	case <-bStarted:
		t.Fatal("non-host start must not start the game")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDiceRollEchoCarriesOwnSlot(t *testing.T) {
	s := startServer(t, server.Config{SweepInterval: time.Hour})
	port := serverPort(t, s)

	a := newClient(t, Options{})
	b := newClient(t, Options{})
	joinAndWait(t, a, "Anna", port)
	joinAndWait(t, b, "Ben", port)

	aDice := onKind(a, protocol.KindDiceRoll)
	b.SendDiceRoll(3)

	m := recvMsg(t, aDice, 2*time.Second)
	var d protocol.DiceRollData
	require.NoError(t, m.Unmarshal(&d))
	assert.Equal(t, 1, d.PlayerSlot)
	assert.Equal(t, 3, d.DiceResult)
	assert.Equal(t, b.PlayerID(), m.Sender)
}

func TestAITakeoverFiresHostCallbackOnly(t *testing.T) {
	s := startServer(t, server.Config{
		SweepInterval:    50 * time.Millisecond,
		HeartbeatTimeout: 500 * time.Millisecond,
	})
	port := serverPort(t, s)

	a := newClient(t, Options{}) // host, pings every 50ms
	b := newClient(t, Options{}) // non-host, pings every 50ms
	silent := newClient(t, Options{HeartbeatInterval: time.Hour})

	aAI := make(chan int, 4)
	bAI := make(chan int, 4)
	a.OnAITurn(func(slot int) { aAI <- slot })
	b.OnAITurn(func(slot int) { bAI <- slot })

	joinAndWait(t, a, "Anna", port)
	joinAndWait(t, b, "Ben", port)
	joinAndWait(t, silent, "Mute", port)
	a.StartGame()

	// The silent client times out; only the host's engine is told to act.
	assert.Equal(t, 2, recvSlot(t, aAI, 3*time.Second))
	select {
	case <-bAI:
		t.Fatal("non-host must not run the AI")
	case <-time.After(200 * time.Millisecond):
	}
	assert.True(t, a.Connected(), "heartbeating clients survive the sweep")
}

func TestAnnounceAITurnReachesHostEngine(t *testing.T) {
	s := startServer(t, server.Config{SweepInterval: time.Hour})
	port := serverPort(t, s)

	a := newClient(t, Options{})
	b := newClient(t, Options{})
	aAI := make(chan int, 4)
	bAI := make(chan int, 4)
	a.OnAITurn(func(slot int) { aAI <- slot })
	b.OnAITurn(func(slot int) { bAI <- slot })

	joinAndWait(t, a, "Anna", port)
	joinAndWait(t, b, "Ben", port)
	a.StartGame()
	a.AnnounceAITurn(3)

	assert.Equal(t, 3, recvSlot(t, aAI, 2*time.Second))
	select {
	case <-bAI:
		t.Fatal("non-host must ignore ai_turn_start")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandlerRegistrationReplaces(t *testing.T) {
	c := New(Options{})

	first := make(chan protocol.Message, 1)
	second := make(chan protocol.Message, 1)
	c.RegisterHandler(protocol.KindPong, func(m protocol.Message) { first <- m })
	c.RegisterHandler(protocol.KindPong, func(m protocol.Message) { second <- m })

	c.process(protocol.New(protocol.KindPong, nil))

	select {
	case <-second:
	default:
		t.Fatal("replacement handler did not run")
	}
	select {
	case <-first:
		t.Fatal("replaced handler must not run")
	default:
	}
}

func TestMirrorStateMaintainedAlongsideHandlers(t *testing.T) {
	c := New(Options{})
	seen := onKind(c, protocol.KindJoinSuccess)

	c.process(protocol.New(protocol.KindJoinSuccess, protocol.JoinSuccessData{
		PlayerID: "p1",
		Slot:     2,
		IsHost:   true,
		Players:  []protocol.PlayerInfo{{ID: "p1", Slot: 2}},
	}))

	recvMsg(t, seen, time.Second)
	assert.Equal(t, "p1", c.PlayerID())
	assert.Equal(t, 2, c.Slot())
	assert.True(t, c.IsHost())
	assert.Len(t, c.Roster(), 1)
}

func TestHostFlagFollowsTransferBroadcasts(t *testing.T) {
	c := New(Options{})
	c.process(protocol.New(protocol.KindJoinSuccess, protocol.JoinSuccessData{
		PlayerID: "p2",
		Slot:     1,
		Players: []protocol.PlayerInfo{
			{ID: "p1", Slot: 0, IsHost: true},
			{ID: "p2", Slot: 1},
		},
	}))
	require.False(t, c.IsHost())

	c.process(protocol.New(protocol.KindPlayerLeft, protocol.PlayerLeftData{
		PlayerID: "p1",
		HostID:   "p2",
	}))
	assert.True(t, c.IsHost(), "host flag re-derived from the transfer broadcast")
	assert.Len(t, c.Roster(), 1)
}

func TestJoinRoomNameFromProfileStore(t *testing.T) {
	profile := store.NewMemStore()
	require.NoError(t, store.SetNickname(profile, "Mei"))

	s := startServer(t, server.Config{SweepInterval: time.Hour})
	port := serverPort(t, s)

	c := newClient(t, Options{Profile: profile})
	d := joinAndWait(t, c, "", port)
	require.Len(t, d.Players, 1)
	assert.Equal(t, "Mei", d.Players[0].Name)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	s := startServer(t, server.Config{SweepInterval: time.Hour})
	port := serverPort(t, s)

	c := newClient(t, Options{})
	require.NoError(t, c.Connect("127.0.0.1", port))

	start := time.Now()
	c.Disconnect()
	assert.Less(t, time.Since(start), c.opts.DisconnectWait, "loops must exit promptly")
	assert.False(t, c.Connected())

	c.Disconnect() // second call is a no-op
	assert.False(t, c.Connected())
}
